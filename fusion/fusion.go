package fusion

import (
	"context"
	"math"

	"github.com/CarletonURocketry/inspace-telem/monitoring"
	"github.com/CarletonURocketry/inspace-telem/sensors"
	"github.com/CarletonURocketry/inspace-telem/state"
	"github.com/CarletonURocketry/inspace-telem/storage"
)

// ISA barometric conversion constants.
const (
	seaLevelPressureMbar = 1013.25
	pressureExponent     = 0.190295
	altitudeScaleM       = 44330.0
)

// PressureToAltitude converts a barometric pressure in millibar to an
// altitude in meters above mean sea level using the international
// standard atmosphere.
func PressureToAltitude(mbar float32) float32 {
	if mbar <= 0 {
		return 0
	}
	ratio := float64(mbar) / seaLevelPressureMbar
	return float32(altitudeScaleM * (1 - math.Pow(ratio, pressureExponent)))
}

// snapshotEvery is how many altitude updates pass between dynamics
// snapshots written to the history store.
const snapshotEvery = 10

// Task fuses barometer and accelerometer streams into filtered rocket
// dynamics, republishes the fused altitude, and drives the flight state
// machine from detector events.
type Task struct {
	bus   *sensors.Bus
	st    *state.State
	clock sensors.Clock
	det   *Detector
	sub   *sensors.Subscription
}

// NewTask wires a fusion task to the bus and the shared state. The
// subscription is made here, so samples published after NewTask returns
// reach Run.
func NewTask(bus *sensors.Bus, st *state.State, clock sensors.Clock) *Task {
	sub := bus.Subscribe(sensors.KindBaro, sensors.KindAccel)
	return &Task{bus: bus, st: st, clock: clock, sub: sub}
}

// Run consumes samples until the context is cancelled or the bus
// closes. It is meant to be launched as its own goroutine.
func (t *Task) Run(ctx context.Context) {
	monitoring.Infof("fusion_started")
	t.det = NewDetector(t.clock())
	t.det.SetState(t.st.FlightState(), t.st.Substate())

	sub := t.sub
	sinceSnapshot := 0

	for {
		select {
		case <-ctx.Done():
			monitoring.Infof("fusion_stopped")
			return
		case sample, ok := <-sub.C():
			if !ok {
				monitoring.Infof("fusion_stopped reason=bus_closed")
				return
			}
			switch s := sample.(type) {
			case sensors.BaroSample:
				alt := PressureToAltitude(s.Pressure)
				t.det.AddAltitude(s.Time, alt)
				t.bus.Publish(sensors.AltitudeSample{Time: s.Time, Altitude: alt})
				if _, set := t.det.Elevation(); set {
					t.maybeCaptureElevation()
				}
				sinceSnapshot++
				if sinceSnapshot >= snapshotEvery {
					sinceSnapshot = 0
					t.snapshot()
				}
			case sensors.AccelSample:
				mag := float32(math.Sqrt(float64(s.X)*float64(s.X) +
					float64(s.Y)*float64(s.Y) + float64(s.Z)*float64(s.Z)))
				t.det.AddAccel(s.Time, mag)
			}
			// Other tasks move the flight state too (the logger
			// returns LANDED to IDLE after extraction), so refresh
			// before detecting.
			t.det.SetState(t.st.FlightState(), t.st.Substate())
			t.dispatch(t.det.Detect(), sample.Timestamp())
		}
	}
}

// maybeCaptureElevation writes the detector's auto-captured elevation
// through to the shared state once.
func (t *Task) maybeCaptureElevation() {
	elev, _ := t.det.Elevation()
	mm := int32(elev * 1000)
	if !t.st.ElevationKnown() || t.st.ElevationMM() != mm {
		t.st.SetElevationMM(mm)
	}
}

func (t *Task) snapshot() {
	s := storage.Get()
	if s == nil {
		return
	}
	apogee, _ := t.det.Apogee()
	d := storage.Dynamics{
		MissionTimeUS: t.det.currentTime,
		AltM:          t.det.Altitude(),
		AccelMS2:      t.det.Accel(),
		State:         t.st.FlightState().String(),
		Substate:      t.st.Substate().String(),
		ElevationMM:   t.st.ElevationMM(),
	}
	if apogee > -math.MaxFloat32 {
		d.ApogeeM = apogee
	}
	if err := s.RecordDynamics(d); err != nil {
		monitoring.Warnf("fusion_snapshot err=%v", err)
	}
}

// dispatch applies a detector event to the shared state and announces
// it on the bus.
func (t *Task) dispatch(ev Event, missionTimeUS uint64) {
	if ev == NoEvent {
		return
	}
	monitoring.FlightEvents.WithLabelValues(ev.String()).Inc()
	monitoring.Infof("flight_event event=%s mission_time_us=%d alt_m=%.1f", ev, missionTimeUS, t.det.Altitude())

	var code sensors.StatusCode
	switch ev {
	case AirborneEvent:
		t.st.SetFlightState(state.StateAirborne)
		t.st.SetSubstate(state.SubstateAscent)
		code = sensors.StatusChangedAirborne
	case ApogeeEvent:
		t.st.SetSubstate(state.SubstateDescent)
		code = sensors.StatusChangedApogee
	case LandingEvent:
		t.st.SetFlightState(state.StateLanded)
		t.st.SetSubstate(state.SubstateUnknown)
		code = sensors.StatusChangedLanded
	}
	t.det.SetState(t.st.FlightState(), t.st.Substate())
	t.bus.Publish(sensors.StatusMessage{Time: missionTimeUS, Code: code})

	if s := storage.Get(); s != nil {
		err := s.RecordEvent(storage.FlightEvent{
			MissionTimeUS: missionTimeUS,
			Event:         ev.String(),
			AltM:          t.det.Altitude(),
		})
		if err != nil {
			monitoring.Warnf("fusion_event_record err=%v", err)
		}
	}
}
