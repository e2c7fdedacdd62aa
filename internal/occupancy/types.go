// Package occupancy holds the decision logic for a single monitored
// parking space: the sensor-fusion classifier that turns raw distance and
// noise readings into an occupancy [State], and the fixed-interval
// [Gate] that decides when a status [Record] is due.
//
// The package has no I/O. Time is always passed in by the caller, so the
// logic does not assume any particular clock source beyond a
// monotonically increasing [time.Time].
package occupancy

import (
	"fmt"
	"time"
)

// State is the occupancy condition of the monitored space. Exactly one
// value holds at a time.
type State int

const (
	// Initializing is the zero value, held only until the first sample
	// has been classified. It is never published.
	Initializing State = iota
	// Free means nothing is within the occupancy distance.
	Free
	// Releasing means a vehicle is present, its engine is audible, and
	// it is moving.
	Releasing
	// Occupied means a vehicle is present and either quiet or still.
	Occupied
)

// Wire returns the status string used in telemetry records.
func (s State) Wire() string {
	switch s {
	case Free:
		return "LIVRE"
	case Releasing:
		return "LIBERANDO"
	case Occupied:
		return "OCUPADA"
	default:
		return "INICIANDO"
	}
}

// String implements [fmt.Stringer] for log output.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Releasing:
		return "releasing"
	case Occupied:
		return "occupied"
	default:
		return "initializing"
	}
}

// MarshalText encodes the state as its wire string so that records and
// status snapshots serialize it directly.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.Wire()), nil
}

// UnmarshalText accepts the wire strings produced by [State.MarshalText].
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LIVRE":
		*s = Free
	case "LIBERANDO":
		*s = Releasing
	case "OCUPADA":
		*s = Occupied
	case "INICIANDO":
		*s = Initializing
	default:
		return fmt.Errorf("unknown occupancy status %q", string(b))
	}
	return nil
}

// Sample is one cycle's raw sensor reading. It is produced fresh every
// cycle and never modified afterwards.
type Sample struct {
	DistanceCM int       `json:"distance_cm"`
	NoiseLevel int       `json:"noise_level"`
	At         time.Time `json:"at"`
}

// Record is the telemetry payload handed to the message transport. The
// JSON field names are fixed for subscriber compatibility.
type Record struct {
	SpaceID       string `json:"vagaId"`
	Status        State  `json:"status"`
	DistanceCM    int    `json:"distancia_cm"`
	NoiseLevelRaw int    `json:"nivel_ruido_raw"`
}

// Thresholds are the calibration values the classifier compares against.
type Thresholds struct {
	// DistanceOccupiedCM is the distance at or below which something is
	// considered to be in the space.
	DistanceOccupiedCM int
	// NoiseMotor is the raw ADC level above which an engine is assumed
	// to be running.
	NoiseMotor int
	// MinDistanceDeltaCM is the cycle-to-cycle distance change above
	// which the occupant is considered to be moving.
	MinDistanceDeltaCM int
}

// DefaultThresholds returns the calibration for a 1 m bay and a 12-bit
// microphone ADC.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DistanceOccupiedCM: 100,
		NoiseMotor:         2500,
		MinDistanceDeltaCM: 5,
	}
}
