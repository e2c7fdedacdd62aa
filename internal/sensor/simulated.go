package sensor

import (
	"context"
	"math/rand/v2"
	"sync"
)

// Simulator plays back a repeating arrive, park, depart, empty scene for
// bench runs without hardware. It implements both [RangeSensor] and
// [NoiseSensor]; each ReadDistance call advances the scene by one step.
type Simulator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	step  int
	phase simPhase
	pos   int
}

type simPhase int

const (
	simEmpty simPhase = iota
	simArriving
	simParked
	simDeparting
)

// Phase lengths in reads.
const (
	simEmptySteps     = 50
	simMovingSteps    = 15
	simParkedSteps    = 150
	simParkedDistance = 40
	simEmptyDistance  = 180
)

// NewSimulator returns a simulator whose jitter is seeded with seed so
// runs are reproducible.
func NewSimulator(seed uint64) *Simulator {
	return &Simulator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// ReadDistance advances the scene and returns the simulated distance.
// While the space is empty every tenth read reports no echo.
func (s *Simulator) ReadDistance(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance()

	switch s.phase {
	case simEmpty:
		if s.step%10 == 9 {
			return 0, ErrNoEcho
		}
		return simEmptyDistance + s.rng.IntN(5), nil
	case simArriving:
		span := simEmptyDistance - simParkedDistance
		return simEmptyDistance - span*(s.pos+1)/simMovingSteps, nil
	case simDeparting:
		span := simEmptyDistance - simParkedDistance
		return simParkedDistance + span*(s.pos+1)/simMovingSteps, nil
	default:
		return simParkedDistance + s.rng.IntN(2), nil
	}
}

// ReadNoise returns engine noise while the simulated car is moving and a
// low ambient level otherwise.
func (s *Simulator) ReadNoise(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case simArriving, simDeparting:
		return 3000 + s.rng.IntN(600), nil
	default:
		return 200 + s.rng.IntN(300), nil
	}
}

// advance moves to the next step, rolling over phases. Must be called
// with s.mu held.
func (s *Simulator) advance() {
	s.step++
	s.pos++
	var length int
	switch s.phase {
	case simEmpty:
		length = simEmptySteps
	case simParked:
		length = simParkedSteps
	default:
		length = simMovingSteps
	}
	if s.pos >= length {
		s.pos = 0
		s.phase = (s.phase + 1) % 4
	}
}
