// Package connwatch tracks the health of the monitor's external links and
// owns the backoff schedule used to re-establish them.
//
// A Watcher probes one link. While the link is down it retries on an
// exponential schedule (2s, 4s, 8s, ... capped at 60s by default); once
// the link is up it polls at a fixed interval. State transitions fire the
// optional OnReady and OnDown callbacks and are logged at info, so a
// flapping broker shows up in the log without a line per failed probe.
//
// The sampling loop never waits on a Watcher. Watchers only report.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a link is usable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff is an exponential retry schedule.
type Backoff struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64
}

// DefaultBackoff returns the 2s, 4s, 8s, ... 60s schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before retry number attempt. Attempts are
// counted from 1; anything lower is treated as the first retry so a
// caller can never spin without a delay.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := b.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	return min(d, b.MaxDelay)
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	return b
}

// WatcherConfig configures a single link watcher.
type WatcherConfig struct {
	// Name identifies the link in logs and status output (e.g. "mqtt").
	Name string

	// Probe checks link health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff spaces out probes while the link is down.
	Backoff Backoff

	// PollInterval spaces out probes while the link is up (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 5s).
	ProbeTimeout time.Duration

	// OnReady is called when the link transitions to ready.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown is called when the link transitions from ready to down.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// LinkStatus is the health of a watched link, suitable for JSON
// serialization in status endpoints.
type LinkStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
}

// Watcher monitors a single link.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	since     time.Time
	failures  int
}

// IsReady reports whether the watched link is currently usable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current link status.
func (w *Watcher) Status() LinkStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := LinkStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Since:     w.since,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits (context cancelled or Stop called).
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	first := true

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		failures := w.recordResult(err)
		wasReady := w.ready.Load()

		switch {
		case err == nil && !wasReady:
			w.transition(true)
			if first {
				logger.Info("link ready", "link", w.config.Name)
			} else {
				logger.Info("link recovered", "link", w.config.Name)
			}
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case err != nil && wasReady:
			w.transition(false)
			logger.Info("link down", "link", w.config.Name, "error", err)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case err != nil && first:
			logger.Info("link not ready", "link", w.config.Name, "error", err)
		case err != nil:
			logger.Debug("link still down",
				"link", w.config.Name,
				"failures", failures,
				"error", err,
			)
		}
		first = false

		wait := w.config.PollInterval
		if err != nil {
			wait = w.config.Backoff.Delay(failures)
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome and returns the count of
// consecutive failures.
func (w *Watcher) recordResult(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return w.failures
}

func (w *Watcher) transition(ready bool) {
	w.mu.Lock()
	w.since = time.Now()
	w.mu.Unlock()
	w.ready.Store(ready)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the watchers for all links.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a link watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a new link watcher. The watcher runs in a
// background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil. Zero-value timing fields are
// replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the status of all watched links.
func (m *Manager) Status() map[string]LinkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]LinkStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
