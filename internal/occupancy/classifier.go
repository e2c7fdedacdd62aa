package occupancy

// Classifier turns successive samples into an occupancy [State]. It
// remembers only the previous cycle's distance, so a borderline noise
// level can make it alternate between [Occupied] and [Releasing] from
// one cycle to the next.
//
// A Classifier is not safe for concurrent use; it is owned by the cycle
// loop.
type Classifier struct {
	thresholds         Thresholds
	previousDistanceCM int
	state              State
}

// NewClassifier returns a classifier in the [Initializing] state with a
// previous distance of zero.
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{thresholds: t}
}

// Classify evaluates s against the stored previous distance, records
// s.DistanceCM as the new previous distance, and returns the new state.
// Every input is valid, including the fail-open sentinel distance.
func (c *Classifier) Classify(s Sample) State {
	delta := s.DistanceCM - c.previousDistanceCM
	if delta < 0 {
		delta = -delta
	}

	switch {
	case s.DistanceCM > c.thresholds.DistanceOccupiedCM:
		c.state = Free
	case s.NoiseLevel > c.thresholds.NoiseMotor && delta > c.thresholds.MinDistanceDeltaCM:
		c.state = Releasing
	default:
		c.state = Occupied
	}

	c.previousDistanceCM = s.DistanceCM
	return c.state
}

// State returns the most recent classification.
func (c *Classifier) State() State {
	return c.state
}

// PreviousDistanceCM returns the distance recorded by the last call to
// [Classifier.Classify].
func (c *Classifier) PreviousDistanceCM() int {
	return c.previousDistanceCM
}
