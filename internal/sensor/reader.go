// Package sensor reads the space's raw distance and noise levels.
//
// A [Reader] combines one [RangeSensor] and one [NoiseSensor] into an
// [occupancy.Sample] per cycle. Range failures are not errors at this
// level: an unreadable range sensor cannot show that the space is
// blocked, so the reader substitutes a configured "far" distance and the
// classifier reports the space as free.
package sensor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gabrielbergel/MQTT-test/internal/occupancy"
	"github.com/gabrielbergel/MQTT-test/internal/timeutil"
)

// ErrNoEcho is returned by range sensors when no measurement arrived
// within the read timeout.
var ErrNoEcho = errors.New("no echo from range sensor")

// RangeSensor measures the distance to the nearest object in centimetres.
// Implementations must return within the context deadline.
type RangeSensor interface {
	ReadDistance(ctx context.Context) (int, error)
}

// NoiseSensor returns the raw, unfiltered acoustic level as an ADC count.
type NoiseSensor interface {
	ReadNoise(ctx context.Context) (int, error)
}

// Policy holds the reader's substitution and bounds settings.
type Policy struct {
	// FailOpenDistanceCM replaces any failed or out-of-range distance
	// reading. It must be greater than the classifier's occupancy
	// threshold.
	FailOpenDistanceCM int
	// MaxRangeCM is the furthest distance the range sensor is trusted
	// to report. Readings beyond it are treated as failures.
	MaxRangeCM int
	// MaxADC is the full-scale noise count. Noise readings are clamped
	// into [0, MaxADC].
	MaxADC int
	// Timeout bounds a single distance read.
	Timeout time.Duration
}

// DefaultPolicy suits a typical ultrasonic module: a 200 cm maximum
// range, the same 200 cm as the fail-open value, and a 12-bit ADC.
func DefaultPolicy() Policy {
	return Policy{
		FailOpenDistanceCM: 200,
		MaxRangeCM:         200,
		MaxADC:             4095,
		Timeout:            250 * time.Millisecond,
	}
}

// Reader produces one [occupancy.Sample] per call.
type Reader struct {
	rng    RangeSensor
	noise  NoiseSensor
	policy Policy
	clock  timeutil.Clock
	logger *slog.Logger
}

// NewReader creates a Reader. A nil clock uses [timeutil.RealClock] and
// a nil logger uses [slog.Default].
func NewReader(rng RangeSensor, noise NoiseSensor, policy Policy, clock timeutil.Clock, logger *slog.Logger) *Reader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		rng:    rng,
		noise:  noise,
		policy: policy,
		clock:  clock,
		logger: logger,
	}
}

// Read takes one distance and one noise measurement. It never fails:
// range failures become [Policy.FailOpenDistanceCM] and noise failures
// read as silence.
func (r *Reader) Read(ctx context.Context) occupancy.Sample {
	return occupancy.Sample{
		DistanceCM: r.readDistance(ctx),
		NoiseLevel: r.readNoise(ctx),
		At:         r.clock.Now(),
	}
}

func (r *Reader) readDistance(ctx context.Context) int {
	readCtx := ctx
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	d, err := r.rng.ReadDistance(readCtx)
	switch {
	case err != nil:
		r.logger.Debug("range read failed, assuming empty space",
			"error", err,
			"substitute_cm", r.policy.FailOpenDistanceCM,
		)
		return r.policy.FailOpenDistanceCM
	case d <= 0 || (r.policy.MaxRangeCM > 0 && d > r.policy.MaxRangeCM):
		r.logger.Debug("range reading out of bounds, assuming empty space",
			"distance_cm", d,
			"max_range_cm", r.policy.MaxRangeCM,
			"substitute_cm", r.policy.FailOpenDistanceCM,
		)
		return r.policy.FailOpenDistanceCM
	}
	return d
}

func (r *Reader) readNoise(ctx context.Context) int {
	n, err := r.noise.ReadNoise(ctx)
	if err != nil {
		r.logger.Debug("noise read failed, assuming silence", "error", err)
		return 0
	}
	if n < 0 {
		return 0
	}
	if r.policy.MaxADC > 0 && n > r.policy.MaxADC {
		return r.policy.MaxADC
	}
	return n
}
