// Package sensors defines the typed samples produced by the sensor drivers
// and the in-process fanout that stands in for the external sensor bus.
// Timestamps are microseconds since boot (mission time).
package sensors

import (
	"sync"
	"time"
)

// Kind identifies a sensor topic.
type Kind int

const (
	KindAccel Kind = iota
	KindGyro
	KindBaro
	KindMag
	KindGNSS
	KindFusedAlt
	KindStatus
	KindError
	numKinds
)

var kindNames = [numKinds]string{
	KindAccel:    "sensor_accel",
	KindGyro:     "sensor_gyro",
	KindBaro:     "sensor_baro",
	KindMag:      "sensor_mag",
	KindGNSS:     "sensor_gnss",
	KindFusedAlt: "fusion_altitude",
	KindStatus:   "status_message",
	KindError:    "error_message",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "sensor_unknown"
	}
	return kindNames[k]
}

// Sample is a single timestamped reading from one sensor topic.
type Sample interface {
	Timestamp() uint64
	SensorKind() Kind
}

// BaroSample holds one barometer reading.
type BaroSample struct {
	Time        uint64  // microseconds since boot
	Pressure    float32 // millibar
	Temperature float32 // degrees Celsius
}

func (s BaroSample) Timestamp() uint64 { return s.Time }
func (s BaroSample) SensorKind() Kind  { return KindBaro }

// AccelSample holds one accelerometer reading in m/s^2.
type AccelSample struct {
	Time    uint64
	X, Y, Z float32
}

func (s AccelSample) Timestamp() uint64 { return s.Time }
func (s AccelSample) SensorKind() Kind  { return KindAccel }

// GyroSample holds one gyroscope reading in rad/s.
type GyroSample struct {
	Time    uint64
	X, Y, Z float32
}

func (s GyroSample) Timestamp() uint64 { return s.Time }
func (s GyroSample) SensorKind() Kind  { return KindGyro }

// MagSample holds one magnetometer reading in microtesla.
type MagSample struct {
	Time    uint64
	X, Y, Z float32
}

func (s MagSample) Timestamp() uint64 { return s.Time }
func (s MagSample) SensorKind() Kind  { return KindMag }

// GNSSSample holds one GNSS fix. Latitude and longitude are degrees,
// altitude is meters above mean sea level. A fix with both latitude and
// longitude equal to zero means no satellite lock.
type GNSSSample struct {
	Time     uint64
	Lat, Lon float64
	Altitude float32
}

func (s GNSSSample) Timestamp() uint64 { return s.Time }
func (s GNSSSample) SensorKind() Kind  { return KindGNSS }

// HasFix reports whether the sample carries a satellite fix.
func (s GNSSSample) HasFix() bool { return s.Lat != 0 || s.Lon != 0 }

// AltitudeSample is the fused altitude published by the fusion task,
// in meters above mean sea level.
type AltitudeSample struct {
	Time     uint64
	Altitude float32
}

func (s AltitudeSample) Timestamp() uint64 { return s.Time }
func (s AltitudeSample) SensorKind() Kind  { return KindFusedAlt }

// StatusMessage reports a telemetry state change or periodic update.
type StatusMessage struct {
	Time uint64
	Code StatusCode
}

func (s StatusMessage) Timestamp() uint64 { return s.Time }
func (s StatusMessage) SensorKind() Kind  { return KindStatus }

// ErrorMessage reports an error raised by one of the telemetry processes.
type ErrorMessage struct {
	Time   uint64
	ProcID ProcessID
	Code   ErrorCode
}

func (s ErrorMessage) Timestamp() uint64 { return s.Time }
func (s ErrorMessage) SensorKind() Kind  { return KindError }

// StatusCode values carried in STATUS blocks.
type StatusCode uint8

const (
	StatusSystemsNominal  StatusCode = 0x00
	StatusChangedIdle     StatusCode = 0x01
	StatusChangedAirborne StatusCode = 0x02
	StatusChangedAscent   StatusCode = 0x03
	StatusChangedApogee   StatusCode = 0x04
	StatusUpdateIdle      StatusCode = 0x05
	StatusUpdateAirborne  StatusCode = 0x06
	StatusUpdateAscent    StatusCode = 0x07
	StatusUpdateDescent   StatusCode = 0x08
	StatusUpdateLanded    StatusCode = 0x09
	StatusChangedLanded   StatusCode = 0x0A
	statusResAbove        StatusCode = 0x0B
)

// ErrorCode values carried in ERROR blocks.
type ErrorCode uint8

const (
	ErrorGeneral     ErrorCode = 0x00
	ErrorProcessDead ErrorCode = 0x01
)

// ProcessID identifies the process an error originated from. Must stay
// below 32; the top three bits of the wire field are reserved.
type ProcessID uint8

const (
	ProcGeneral    ProcessID = 0x00
	ProcCollection ProcessID = 0x01
	ProcFusion     ProcessID = 0x02
	ProcLogging    ProcessID = 0x03
	ProcTransmit   ProcessID = 0x04
)

// Clock returns mission time. The default implementation measures
// microseconds since process start with the monotonic clock.
type Clock func() uint64

// BootClock returns a Clock anchored at the time of the call.
func BootClock() Clock {
	start := time.Now()
	return func() uint64 {
		return uint64(time.Since(start).Microseconds())
	}
}

// subscription buffer depth, matched to the internal queues of the
// sensor drivers
const subQueueDepth = 32

// Subscription receives samples for a set of sensor kinds in publish
// order. When a slow consumer fills the queue, the oldest sample is
// dropped so producers never block.
type Subscription struct {
	kinds map[Kind]bool
	ch    chan Sample
}

// C returns the channel samples are delivered on. It is closed when the
// bus shuts down.
func (s *Subscription) C() <-chan Sample { return s.ch }

// Bus fans typed samples out to subscribers. It is the in-process
// counterpart of the flight software's publish-subscribe sensor topics.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

func NewBus() *Bus { return &Bus{} }

// Subscribe registers a consumer for the given kinds. Subscribing to no
// kinds delivers every topic.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	sub := &Subscription{ch: make(chan Sample, subQueueDepth)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers a sample to every interested subscriber. Per-sensor
// ordering is preserved; a full subscriber loses its oldest sample.
func (b *Bus) Publish(sample Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[sample.SensorKind()] {
			continue
		}
		for {
			select {
			case sub.ch <- sample:
			default:
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts the bus down and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
