// Package monitor runs the sampling cycle: read the sensors, classify the
// space, set the lights, and hand a telemetry record to the transport
// when the publish interval allows.
//
// All classifier and gate state belongs to the goroutine calling
// [Monitor.Tick]. Other goroutines see cycles only through
// [Monitor.Latest] and the event bus.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gabrielbergel/MQTT-test/internal/config"
	"github.com/gabrielbergel/MQTT-test/internal/events"
	"github.com/gabrielbergel/MQTT-test/internal/indicator"
	"github.com/gabrielbergel/MQTT-test/internal/occupancy"
)

// Sampler produces one sample per cycle. It never fails; unreadable
// sensors are already substituted.
type Sampler interface {
	Read(ctx context.Context) occupancy.Sample
}

// Transport delivers telemetry records. Publish must return promptly
// and report false on any failure, including when the link is down; it
// owns the accounting of records it could not send.
type Transport interface {
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte) bool
}

// Options are the per-space settings the cycle needs.
type Options struct {
	SpaceID         string
	Topic           string
	Thresholds      occupancy.Thresholds
	PublishInterval time.Duration
}

// OptionsFromConfig extracts monitor options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SpaceID: cfg.Space.ID,
		Topic:   cfg.MQTT.Topic,
		Thresholds: occupancy.Thresholds{
			DistanceOccupiedCM: cfg.Thresholds.DistanceOccupiedCM,
			NoiseMotor:         cfg.Thresholds.NoiseMotor,
			MinDistanceDeltaCM: cfg.Thresholds.MinDistanceDeltaCM,
		},
		PublishInterval: cfg.Cadence.PublishInterval,
	}
}

// Cycle summarizes one pass of the sampling cycle.
type Cycle struct {
	Seq       uint64            `json:"seq"`
	At        time.Time         `json:"at"`
	Sample    occupancy.Sample  `json:"sample"`
	State     occupancy.State   `json:"status"`
	Previous  occupancy.State   `json:"previous_status"`
	Changed   bool              `json:"changed"`
	Emitted   bool              `json:"emitted"`
	Published bool              `json:"published"`
	Record    *occupancy.Record `json:"record,omitempty"`
}

// Monitor wires the per-cycle components together.
type Monitor struct {
	sampler    Sampler
	classifier *occupancy.Classifier
	lights     indicator.Driver
	gate       *occupancy.Gate
	transport  Transport
	topic      string
	bus        *events.Bus
	logger     *slog.Logger

	seq uint64

	mu     sync.RWMutex
	latest Cycle
}

// New creates a Monitor. transport may be nil when no broker is
// configured; records are then logged but not sent. bus may be nil.
func New(sampler Sampler, lights indicator.Driver, transport Transport, opts Options, bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = occupancy.DefaultPublishInterval
	}
	return &Monitor{
		sampler:    sampler,
		classifier: occupancy.NewClassifier(opts.Thresholds),
		lights:     lights,
		gate:       occupancy.NewGate(opts.SpaceID, opts.PublishInterval),
		transport:  transport,
		topic:      opts.Topic,
		bus:        bus,
		logger:     logger,
	}
}

// Tick runs one full cycle at now: read, classify, drive the lights,
// then offer the result to the telemetry gate. A transport failure is
// counted by the transport and does not affect the cycle.
func (m *Monitor) Tick(ctx context.Context, now time.Time) Cycle {
	m.seq++
	prev := m.classifier.State()

	sample := m.sampler.Read(ctx)
	state := m.classifier.Classify(sample)
	m.lights.Drive(state)

	c := Cycle{
		Seq:      m.seq,
		At:       now,
		Sample:   sample,
		State:    state,
		Previous: prev,
		Changed:  state != prev,
	}

	m.logger.Log(ctx, config.LevelTrace, "cycle",
		"seq", c.Seq,
		"status", state.Wire(),
		"distance_cm", sample.DistanceCM,
		"noise_level", sample.NoiseLevel,
	)

	if c.Changed {
		m.logger.Info("space state changed",
			"from", prev.Wire(),
			"to", state.Wire(),
			"distance_cm", sample.DistanceCM,
			"noise_level", sample.NoiseLevel,
		)
		m.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceMonitor,
			Kind:      events.KindStateChange,
			Data: map[string]any{
				"from":        prev.Wire(),
				"to":          state.Wire(),
				"distance_cm": sample.DistanceCM,
				"noise_level": sample.NoiseLevel,
			},
		})
	}

	if rec, ok := m.gate.MaybeEmit(now, state, sample); ok {
		c.Emitted = true
		c.Record = &rec
		c.Published = m.emit(ctx, now, rec)
	}

	m.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceMonitor,
		Kind:      events.KindCycle,
		Data: map[string]any{
			"seq":         c.Seq,
			"distance_cm": sample.DistanceCM,
			"noise_level": sample.NoiseLevel,
			"status":      state.Wire(),
			"changed":     c.Changed,
			"emitted":     c.Emitted,
			"published":   c.Published,
		},
	})

	m.mu.Lock()
	m.latest = c
	m.mu.Unlock()

	return c
}

// emit serializes and sends one record, reporting whether the transport
// accepted it.
func (m *Monitor) emit(ctx context.Context, now time.Time, rec occupancy.Record) bool {
	payload, err := json.Marshal(rec)
	if err != nil {
		// Record holds only ints, a string and a State; this cannot fail.
		m.logger.Error("marshal telemetry record", "error", err)
		return false
	}

	published := false
	if m.transport != nil {
		if !m.transport.IsConnected() {
			m.logger.Debug("broker not connected, record will be dropped")
		}
		published = m.transport.Publish(ctx, m.topic, payload)
	}

	m.logger.Info("telemetry record",
		"status", rec.Status.Wire(),
		"distance_cm", rec.DistanceCM,
		"noise_level", rec.NoiseLevelRaw,
		"json", string(payload),
		"published", published,
	)
	m.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceMonitor,
		Kind:      events.KindRecordEmitted,
		Data: map[string]any{
			"record":    string(payload),
			"published": published,
		},
	})
	return published
}

// Latest returns the most recent cycle and whether any cycle has run.
// Safe for concurrent use.
func (m *Monitor) Latest() (Cycle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.latest.Seq > 0
}
