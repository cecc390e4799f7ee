// Package state holds the process-wide rocket state record: flight
// state, flight substate and ground elevation. All fields are atomic
// machine words with no cross-field invariants, so there is no lock.
// Flight state writes through to a small non-volatile blob so a reboot
// mid-flight resumes in the right state.
package state

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/CarletonURocketry/inspace-telem/monitoring"
)

// FlightState is the rocket's top-level flight state.
type FlightState int32

const (
	StateIdle     FlightState = iota // idle on the pad
	StateAirborne                    // in the air
	StateLanded                      // landed, awaiting extraction
)

var flightStateNames = map[FlightState]string{
	StateIdle:     "STATE_IDLE",
	StateAirborne: "STATE_AIRBORNE",
	StateLanded:   "STATE_LANDED",
}

func (s FlightState) String() string {
	if name, ok := flightStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE_%d", int32(s))
}

// Substate refines the airborne state.
type Substate int32

const (
	SubstateUnknown Substate = iota
	SubstateAscent
	SubstateDescent
)

var substateNames = map[Substate]string{
	SubstateUnknown: "SUBSTATE_UNKNOWN",
	SubstateAscent:  "SUBSTATE_ASCENT",
	SubstateDescent: "SUBSTATE_DESCENT",
}

func (s Substate) String() string {
	if name, ok := substateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SUBSTATE_%d", int32(s))
}

// DefaultElevationMM is assumed as ground level until a measurement is
// taken. Approximately the elevation of Las Cruces, New Mexico.
const DefaultElevationMM = 1189000

// nvFormat is the single line stored in non-volatile memory.
const nvFormat = "Flight state: %d\n"

// State is the shared rocket state record.
type State struct {
	flightState  atomic.Int32
	substate     atomic.Int32
	elevation    atomic.Int32 // millimetres above mean sea level
	elevationSet atomic.Bool  // a measured or explicit elevation was stored

	nvPath string
}

// Open loads the flight state from the non-volatile blob at nvPath. Any
// read or parse failure defaults to idle.
func Open(nvPath string) *State {
	s := &State{nvPath: nvPath}
	s.flightState.Store(int32(readNV(nvPath)))
	s.substate.Store(int32(SubstateUnknown))
	s.elevation.Store(DefaultElevationMM)
	return s
}

func readNV(path string) FlightState {
	data, err := os.ReadFile(path)
	if err != nil {
		monitoring.Errorf("state_nv_read path=%q err=%v defaulting=STATE_IDLE", path, err)
		return StateIdle
	}
	var raw int32
	if _, err := fmt.Sscanf(string(data), nvFormat, &raw); err != nil {
		monitoring.Errorf("state_nv_parse path=%q err=%v defaulting=STATE_IDLE", path, err)
		return StateIdle
	}
	if raw < int32(StateIdle) || raw > int32(StateLanded) {
		monitoring.Errorf("state_nv_range value=%d defaulting=STATE_IDLE", raw)
		return StateIdle
	}
	return FlightState(raw)
}

// FlightState returns the current flight state.
func (s *State) FlightState() FlightState {
	return FlightState(s.flightState.Load())
}

// SetFlightState stores the flight state and writes it through to
// non-volatile memory. The write-through failure is logged, not
// surfaced; the in-memory state is already updated.
func (s *State) SetFlightState(fs FlightState) {
	s.flightState.Store(int32(fs))
	monitoring.Infof("flight_state_changed state=%s", fs)
	monitoring.FlightState.Set(float64(fs))
	if err := os.WriteFile(s.nvPath, []byte(fmt.Sprintf(nvFormat, int32(fs))), 0o644); err != nil {
		monitoring.Errorf("state_nv_write path=%q err=%v", s.nvPath, err)
	}
}

// Substate returns the current flight substate.
func (s *State) Substate() Substate {
	return Substate(s.substate.Load())
}

// SetSubstate stores the flight substate.
func (s *State) SetSubstate(sub Substate) {
	s.substate.Store(int32(sub))
	monitoring.Infof("flight_substate_changed substate=%s", sub)
}

// ElevationMM returns the ground elevation in millimetres above mean
// sea level. Until SetElevationMM is called this is only the assumed
// default; check ElevationKnown before deriving launch-relative values.
func (s *State) ElevationMM() int32 {
	return s.elevation.Load()
}

// ElevationKnown reports whether the elevation was measured or set
// explicitly, rather than still being the default.
func (s *State) ElevationKnown() bool {
	return s.elevationSet.Load()
}

// SetElevationMM stores the ground elevation and marks it known.
func (s *State) SetElevationMM(mm int32) {
	s.elevation.Store(mm)
	s.elevationSet.Store(true)
}
