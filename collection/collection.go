// Package collection drains the sensor bus and packages every reading
// into the radio packet format, producing into the logging and transmit
// sinks with different fill policies.
package collection

import (
	"context"
	"math"

	"github.com/CarletonURocketry/inspace-telem/monitoring"
	"github.com/CarletonURocketry/inspace-telem/packets"
	"github.com/CarletonURocketry/inspace-telem/sensors"
	"github.com/CarletonURocketry/inspace-telem/state"
)

// How many readings of each type of lower-priority data to admit into
// each transmit packet, keeping the real-time feeds dominant.
const transmitNumLowPriorityReadings = 2

// Unit conversion helpers, bit-exact with the packet format.

func usToMS(us uint64) uint32 { return uint32(us / 1000) }

func pascals(millibar float32) uint32 { return uint32(millibar * 100) }

func millidegrees(celsius float32) int32 { return int32(celsius * 1000) }

func cmPerSecSquared(ms2 float32) int16 { return int16(ms2 * 100) }

func tenthDegree(radians float32) int16 {
	return int16(float64(radians) * 1800 / math.Pi)
}

func tenthMicrotesla(microtesla float32) int16 { return int16(microtesla * 1000) }

func pointOneMicrodegrees(degrees float64) int32 { return int32(degrees * 1e7) }

func millimeters(meters float32) int32 { return int32(meters * 1000) }

// sink is one collection context: the packet currently being assembled
// for a buffer plus per-type block counts for admission gating.
type sink struct {
	name       string
	buffer     *packets.Buffer
	current    *packets.Slot
	blockCount [packets.BlockResAbove]int
	callSign   string
}

func newSink(name, callSign string, buffer *packets.Buffer, missionTimeMS uint32) *sink {
	s := &sink{name: name, buffer: buffer, callSign: callSign}
	s.current = buffer.GetEmpty()
	s.current.End = packets.InitPacket(s.current.Frame[:], callSign, 0, missionTimeMS)
	return s
}

// addOrNew places a block of the given type in the current packet, or
// completes the packet and retries once on a fresh one. It returns the
// body region after the time offset, or nil if the block was dropped.
func (s *sink) addOrNew(t packets.BlockType, missionTimeMS uint32) []byte {
	body, newEnd, ok := packets.AppendBlock(s.current.Frame[:], s.current.End, t, missionTimeMS)
	if !ok {
		// Full or incompatible with this packet's time base; hand it
		// off and start another.
		monitoring.Debugf("packet_complete sink=%s len=%d", s.name, s.current.End)
		monitoring.PacketsCompleted.WithLabelValues(s.name).Inc()
		s.buffer.PutFull(s.current)
		s.current = s.buffer.GetEmpty()
		for i := range s.blockCount {
			s.blockCount[i] = 0
		}
		// Sequence numbers are stamped by the sink; packets may be
		// dropped or reordered before then.
		s.current.End = packets.InitPacket(s.current.Frame[:], s.callSign, 0, missionTimeMS)
		body, newEnd, ok = packets.AppendBlock(s.current.Frame[:], s.current.End, t, missionTimeMS)
		if !ok {
			monitoring.Debugf("block_dropped sink=%s type=%s", s.name, t)
			monitoring.BlocksDropped.WithLabelValues(s.name, t.String()).Inc()
			return nil
		}
	}
	s.current.End = newEnd
	s.blockCount[t]++
	monitoring.BlocksAdded.WithLabelValues(s.name, t.String()).Inc()
	return body
}

// Task collects sensor data into packets for both sinks.
type Task struct {
	bus      *sensors.Bus
	st       *state.State
	clock    sensors.Clock
	callSign string
	kinds    []sensors.Kind

	logging  *sink
	transmit *sink
}

// NewTask wires a collection task. kinds is the capability set of
// enabled sensor topics, discovered once at init.
func NewTask(bus *sensors.Bus, st *state.State, clock sensors.Clock, callSign string,
	loggingBuf, transmitBuf *packets.Buffer, kinds []sensors.Kind) *Task {
	t := &Task{bus: bus, st: st, clock: clock, callSign: callSign, kinds: kinds}
	now := usToMS(clock())
	t.logging = newSink("logging", callSign, loggingBuf, now)
	t.transmit = newSink("transmit", callSign, transmitBuf, now)
	return t
}

// Run drains the bus until the context is cancelled or the bus closes.
func (t *Task) Run(ctx context.Context) {
	monitoring.Infof("collection_started kinds=%d", len(t.kinds))
	sub := t.bus.Subscribe(t.kinds...)
	for {
		select {
		case <-ctx.Done():
			monitoring.Infof("collection_stopped")
			return
		case sample, ok := <-sub.C():
			if !ok {
				monitoring.Infof("collection_stopped reason=bus_closed")
				return
			}
			monitoring.SamplesIngested.WithLabelValues(sample.SensorKind().String()).Inc()
			t.handle(sample)
		}
	}
}

func (t *Task) handle(sample sensors.Sample) {
	switch s := sample.(type) {
	case sensors.BaroSample:
		t.handleBaro(s)
	case sensors.AccelSample:
		t.handleAccel(s)
	case sensors.GyroSample:
		t.handleGyro(s)
	case sensors.MagSample:
		t.handleMag(s)
	case sensors.GNSSSample:
		t.handleGNSS(s)
	case sensors.AltitudeSample:
		t.handleAltitude(s)
	case sensors.StatusMessage:
		t.handleStatus(s)
	case sensors.ErrorMessage:
		t.handleError(s)
	}
}

func addPressure(s *sink, data sensors.BaroSample) {
	if body := s.addOrNew(packets.BlockPressure, usToMS(data.Time)); body != nil {
		packets.PutPressure(body, pascals(data.Pressure))
	}
}

func addTemp(s *sink, data sensors.BaroSample) {
	if body := s.addOrNew(packets.BlockTemp, usToMS(data.Time)); body != nil {
		packets.PutTemp(body, millidegrees(data.Temperature))
	}
}

func (t *Task) handleBaro(data sensors.BaroSample) {
	addPressure(t.logging, data)
	addTemp(t.logging, data)

	// Pressure and temperature are low priority on the radio.
	if t.transmit.blockCount[packets.BlockPressure] < transmitNumLowPriorityReadings {
		addPressure(t.transmit, data)
	}
	if t.transmit.blockCount[packets.BlockTemp] < transmitNumLowPriorityReadings {
		addTemp(t.transmit, data)
	}
}

func addAccel(s *sink, data sensors.AccelSample) {
	if body := s.addOrNew(packets.BlockAccelRel, usToMS(data.Time)); body != nil {
		packets.PutAccel(body, cmPerSecSquared(data.X), cmPerSecSquared(data.Y), cmPerSecSquared(data.Z))
	}
}

func (t *Task) handleAccel(data sensors.AccelSample) {
	addAccel(t.logging, data)
	addAccel(t.transmit, data)
}

func addGyro(s *sink, data sensors.GyroSample) {
	if body := s.addOrNew(packets.BlockAngularVel, usToMS(data.Time)); body != nil {
		packets.PutAngularVel(body, tenthDegree(data.X), tenthDegree(data.Y), tenthDegree(data.Z))
	}
}

func (t *Task) handleGyro(data sensors.GyroSample) {
	addGyro(t.logging, data)
	addGyro(t.transmit, data)
}

func addMag(s *sink, data sensors.MagSample) {
	if body := s.addOrNew(packets.BlockMagnetic, usToMS(data.Time)); body != nil {
		packets.PutMag(body, tenthMicrotesla(data.X), tenthMicrotesla(data.Y), tenthMicrotesla(data.Z))
	}
}

func (t *Task) handleMag(data sensors.MagSample) {
	addMag(t.logging, data)
	addMag(t.transmit, data)
}

func addCoord(s *sink, data sensors.GNSSSample) {
	if body := s.addOrNew(packets.BlockLatLong, usToMS(data.Time)); body != nil {
		packets.PutCoord(body, pointOneMicrodegrees(data.Lat), pointOneMicrodegrees(data.Lon))
	}
}

func addGNSSAlt(s *sink, data sensors.GNSSSample) {
	if body := s.addOrNew(packets.BlockAltSea, usToMS(data.Time)); body != nil {
		packets.PutAlt(body, millimeters(data.Altitude))
	}
}

func (t *Task) handleGNSS(data sensors.GNSSSample) {
	if !data.HasFix() {
		// Don't send packets with no sat fix.
		return
	}
	addCoord(t.logging, data)
	addGNSSAlt(t.logging, data)

	addCoord(t.transmit, data)
	addGNSSAlt(t.transmit, data)
}

func addMSL(s *sink, data sensors.AltitudeSample) {
	if body := s.addOrNew(packets.BlockAltSea, usToMS(data.Time)); body != nil {
		packets.PutAlt(body, millimeters(data.Altitude))
	}
}

func addLaunchRel(s *sink, data sensors.AltitudeSample, elevationMM int32) {
	if body := s.addOrNew(packets.BlockAltLaunch, usToMS(data.Time)); body != nil {
		packets.PutAlt(body, millimeters(data.Altitude)-elevationMM)
	}
}

func (t *Task) handleAltitude(data sensors.AltitudeSample) {
	addMSL(t.logging, data)
	addMSL(t.transmit, data)

	// Launch-relative altitude only makes sense once the ground
	// elevation has actually been measured or set.
	if !t.st.ElevationKnown() {
		return
	}
	elevationMM := t.st.ElevationMM()
	addLaunchRel(t.logging, data, elevationMM)
	addLaunchRel(t.transmit, data, elevationMM)
}

func addStatus(s *sink, data sensors.StatusMessage) {
	if body := s.addOrNew(packets.BlockStatus, usToMS(data.Time)); body != nil {
		packets.PutStatus(body, uint8(data.Code))
	}
}

func (t *Task) handleStatus(data sensors.StatusMessage) {
	addStatus(t.logging, data)
	addStatus(t.transmit, data)
}

func addError(s *sink, data sensors.ErrorMessage) {
	if body := s.addOrNew(packets.BlockError, usToMS(data.Time)); body != nil {
		packets.PutError(body, uint8(data.ProcID), uint8(data.Code))
	}
}

func (t *Task) handleError(data sensors.ErrorMessage) {
	addError(t.logging, data)
	addError(t.transmit, data)
}
