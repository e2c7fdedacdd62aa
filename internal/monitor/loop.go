package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/gabrielbergel/MQTT-test/internal/timeutil"
)

// DefaultCycleDelay is the pause after each cycle.
const DefaultCycleDelay = 200 * time.Millisecond

// Loop drives a Monitor: one Tick, then a fixed delay, until the
// context is cancelled. The period is therefore the delay plus the
// cycle's own work.
type Loop struct {
	monitor *Monitor
	clock   timeutil.Clock
	delay   time.Duration
	logger  *slog.Logger
}

// NewLoop creates a loop. A nil clock uses [timeutil.RealClock].
func NewLoop(m *Monitor, clock timeutil.Clock, delay time.Duration, logger *slog.Logger) *Loop {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if delay <= 0 {
		delay = DefaultCycleDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{monitor: m, clock: clock, delay: delay, logger: logger}
}

// Run blocks until ctx is cancelled and returns nil on a clean stop.
// Cancellation is checked between cycles, never inside one, so a
// started cycle always finishes its side effects.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("sampling loop started", "cycle_delay", l.delay)
	var cycles uint64
	defer func() {
		l.logger.Info("sampling loop stopped", "cycles", cycles)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		l.monitor.Tick(ctx, l.clock.Now())
		cycles++

		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.clock.After(l.delay):
		}
	}
}
