package fusion

import (
	"math"

	"github.com/CarletonURocketry/inspace-telem/state"
)

// Detection thresholds and windows.
const (
	// staleMeasurementUS is how long a measurement stays usable.
	staleMeasurementUS = 1000000 // 1 second

	// landedAltWindowSize is the maximum altitude variation in meters
	// to consider the rocket landed.
	landedAltWindowSize = 10.0

	// landedAltWindowUS is how long variation must stay inside the
	// window before landing is declared.
	landedAltWindowUS = 5000000 // 5 seconds

	// airborneAltThreshold is the change in altitude from ground
	// elevation that signals launch, in meters.
	airborneAltThreshold = 20.0

	// airborneAccelThreshold is the acceleration above which the rocket
	// is considered flying, in m/s^2.
	airborneAccelThreshold = 15.0

	// apogeeAltThreshold is how far below the tracked maximum the
	// altitude must fall before apogee is declared, in meters.
	apogeeAltThreshold = 20.0

	// apogeeAccelThreshold guards apogee detection against unreliable
	// barometer readings at transonic speeds, in m/s^2.
	apogeeAccelThreshold = 15.0

	// initElevationDelayUS is how long after init to latch the filtered
	// altitude as the ground elevation if none was set.
	initElevationDelayUS = 100000 // 0.1 seconds
)

// Filter window sizes. The median windows stay small because inserts
// sort; the average windows trade lag for smoothing.
const (
	altMedianWindow    = 5
	altAverageWindow   = 10
	accelMedianWindow  = 5
	accelAverageWindow = 10
)

// Event is a flight event produced by the detector.
type Event int

const (
	NoEvent Event = iota
	AirborneEvent
	ApogeeEvent
	LandingEvent
)

var eventNames = map[Event]string{
	NoEvent:       "none",
	AirborneEvent: "airborne",
	ApogeeEvent:   "apogee",
	LandingEvent:  "landing",
}

func (e Event) String() string { return eventNames[e] }

// Detector filters altitude and acceleration samples and detects
// liftoff, apogee and landing. It is owned by the fusion task and is
// not safe for concurrent use.
type Detector struct {
	altMedian    *MedianFilter
	altAverage   *AverageFilter
	accelMedian  *MedianFilter
	accelAverage *AverageFilter

	initTime        uint64
	currentTime     uint64
	lastAltUpdate   uint64
	lastAccelUpdate uint64

	currentAlt   float32
	currentAccel float32

	apogee     float32
	apogeeTime uint64

	altWindow *WindowCriteria

	elevationSet bool
	elevation    float32

	flightState state.FlightState
	substate    state.Substate
}

// NewDetector returns a detector initialized at the given mission time.
// Set the flight state and elevation before relying on its events, and
// feed it enough samples to fill the filters.
func NewDetector(timeUS uint64) *Detector {
	return &Detector{
		altMedian:    NewMedianFilter(altMedianWindow),
		altAverage:   NewAverageFilter(altAverageWindow),
		accelMedian:  NewMedianFilter(accelMedianWindow),
		accelAverage: NewAverageFilter(accelAverageWindow),
		initTime:     timeUS,
		currentTime:  timeUS,
		apogee:       -math.MaxFloat32,
		altWindow:    NewWindowCriteria(landedAltWindowSize, landedAltWindowUS),
		flightState:  state.StateAirborne,
		substate:     state.SubstateUnknown,
	}
}

// AddAltitude feeds one altitude sample in meters at a mission time in
// microseconds.
func (d *Detector) AddAltitude(timeUS uint64, altitude float32) {
	// Samples can arrive out of order; time never runs backwards here.
	if timeUS > d.currentTime {
		d.currentTime = timeUS
	}

	median := d.altMedian.Add(altitude)
	d.currentAlt = d.altAverage.Add(median)

	if d.currentAlt > d.apogee {
		d.apogee = d.currentAlt
		d.apogeeTime = timeUS
	}

	d.altWindow.Add(d.currentAlt, timeUS-d.lastAltUpdate)

	// If we just powered on and elevation hasn't been set, take a
	// reading once the filters have had time to fill.
	if !d.elevationSet && d.currentTime-d.initTime > initElevationDelayUS {
		d.elevation = d.currentAlt
		d.elevationSet = true
	}

	d.lastAltUpdate = timeUS
}

// AddAccel feeds one acceleration magnitude sample in m/s^2. The sign
// is discarded.
func (d *Detector) AddAccel(timeUS uint64, accel float32) {
	if timeUS > d.currentTime {
		d.currentTime = timeUS
	}
	median := d.accelMedian.Add(float32(math.Abs(float64(accel))))
	d.currentAccel = d.accelAverage.Add(median)
	d.lastAccelUpdate = timeUS
}

// Altitude returns the current filtered altitude in meters.
func (d *Detector) Altitude() float32 { return d.currentAlt }

// Accel returns the current filtered acceleration magnitude in m/s^2.
func (d *Detector) Accel() float32 { return d.currentAccel }

// Apogee returns the maximum filtered altitude seen and its time.
func (d *Detector) Apogee() (float32, uint64) { return d.apogee, d.apogeeTime }

// Elevation returns the ground elevation in meters and whether it has
// been set.
func (d *Detector) Elevation() (float32, bool) { return d.elevation, d.elevationSet }

// SetElevation fixes the ground elevation, overriding auto-capture.
// Collect a new one any time the rocket is in a new location.
func (d *Detector) SetElevation(elevation float32) {
	d.elevation = elevation
	d.elevationSet = true
}

// SetState tells the detector the rocket's flight state. Keep it in
// sync or the detector will offer events that make no sense.
func (d *Detector) SetState(fs state.FlightState, sub state.Substate) {
	d.flightState = fs
	d.substate = sub
}

func (d *Detector) altValid() bool {
	return d.currentTime-d.lastAltUpdate < staleMeasurementUS
}

func (d *Detector) accelValid() bool {
	return d.currentTime-d.lastAccelUpdate < staleMeasurementUS
}

// isAirborne checks for an absolute altitude change from ground
// elevation, or a high acceleration. Either signal alone is accepted:
// if the elevation is set wrong we may detect airborne on the pad, but
// the landing window will bring us back to idle without missing the
// real launch, provided the system is on well before liftoff.
func (d *Detector) isAirborne() bool {
	return (d.altValid() && math.Abs(float64(d.currentAlt-d.elevation)) > airborneAltThreshold) ||
		(d.accelValid() && d.currentAccel > airborneAccelThreshold)
}

// isLanded requires the altitude window to hold and acceleration below
// launch levels, in case the barometer is unreliable while airborne.
func (d *Detector) isLanded() bool {
	return d.altValid() && d.altWindow.Satisfied() &&
		d.accelValid() && d.currentAccel < airborneAccelThreshold
}

// isApogee compares the apogee against the current height directly. At
// transonic speeds the barometer is unreliable, so acceleration must be
// below motor-burn levels first.
func (d *Detector) isApogee() bool {
	return d.altValid() && d.apogee-d.currentAlt > apogeeAltThreshold &&
		d.accelValid() && d.currentAccel < apogeeAccelThreshold
}

// Detect returns the next flight event implied by the detector's
// internal state, or NoEvent. Checks are conditional on the flight
// state because they make no sense otherwise.
func (d *Detector) Detect() Event {
	switch d.flightState {
	case state.StateIdle:
		if !d.elevationSet {
			// No landed altitude to compare against yet.
			return NoEvent
		}
		if d.isAirborne() {
			return AirborneEvent
		}
	case state.StateAirborne:
		switch d.substate {
		case state.SubstateUnknown:
			// Not sure where we really are; check for landing too.
			if d.isLanded() {
				return LandingEvent
			}
			if d.isApogee() {
				return ApogeeEvent
			}
		case state.SubstateAscent:
			if d.isApogee() {
				return ApogeeEvent
			}
		case state.SubstateDescent:
			if d.isLanded() {
				return LandingEvent
			}
		}
	default:
		// No events once landed.
	}
	return NoEvent
}
