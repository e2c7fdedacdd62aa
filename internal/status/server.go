// Package status serves the local read-only status surface: health,
// build info, the latest cycle, and a WebSocket stream of cycle events.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gabrielbergel/MQTT-test/internal/buildinfo"
	"github.com/gabrielbergel/MQTT-test/internal/connwatch"
	"github.com/gabrielbergel/MQTT-test/internal/events"
	"github.com/gabrielbergel/MQTT-test/internal/indicator"
	"github.com/gabrielbergel/MQTT-test/internal/monitor"
	"github.com/gabrielbergel/MQTT-test/internal/mqtt"
)

const (
	streamBuffer    = 64
	streamWriteWait = 5 * time.Second
	streamPingEvery = 30 * time.Second
)

// CycleSource provides the most recent sampling cycle.
type CycleSource interface {
	Latest() (monitor.Cycle, bool)
}

// LightsSource provides the indicator pattern currently applied.
type LightsSource interface {
	Pattern() indicator.Pattern
}

// TransportSource provides telemetry publish counters.
type TransportSource interface {
	Stats() mqtt.Stats
}

// LinkSource provides external link health.
type LinkSource interface {
	Status() map[string]connwatch.LinkStatus
}

// Sources are the read-only views the server reports on. Any field may
// be nil; the matching part of the status response is then omitted.
type Sources struct {
	Cycles    CycleSource
	Lights    LightsSource
	Transport TransportSource
	Links     LinkSource
	Bus       *events.Bus
}

// Snapshot is the /v1/status response body.
type Snapshot struct {
	SpaceID       string                          `json:"space_id"`
	Uptime        string                          `json:"uptime"`
	Cycle         *monitor.Cycle                  `json:"cycle,omitempty"`
	Lights        *indicator.Pattern              `json:"lights,omitempty"`
	MQTT          *mqtt.Stats                     `json:"mqtt,omitempty"`
	Links         map[string]connwatch.LinkStatus `json:"links,omitempty"`
	StreamClients int                             `json:"stream_clients"`
	EventsDropped uint64                          `json:"events_dropped"`
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status HTTP server.
type Server struct {
	address  string
	spaceID  string
	src      Sources
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
	closed bool

	// streams is cancelled on Shutdown so open WebSocket streams end;
	// http.Server.Shutdown does not wait for hijacked connections.
	streams      context.Context
	closeStreams context.CancelFunc
}

// NewServer creates a status server for one space.
func NewServer(address, spaceID string, src Sources, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		spaceID: spaceID,
		src:     src,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		streams:      ctx,
		closeStreams: cancel,
	}
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called. It returns nil after a
// clean shutdown, including when Shutdown ran before Start.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv.RegisterOnShutdown(s.closeStreams)
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("starting status server", "address", s.address)
	// A Shutdown that lands between the unlock and here still stops
	// srv: ListenAndServe on a shut down server returns ErrServerClosed.
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and ends open streams. A later
// Start returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	s.closeStreams()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

// Snapshot assembles the current status.
func (s *Server) Snapshot() Snapshot {
	snap := Snapshot{
		SpaceID:       s.spaceID,
		Uptime:        buildinfo.Uptime().String(),
		StreamClients: s.src.Bus.SubscriberCount(),
		EventsDropped: s.src.Bus.Dropped(),
	}
	if s.src.Cycles != nil {
		if c, ok := s.src.Cycles.Latest(); ok {
			snap.Cycle = &c
		}
	}
	if s.src.Lights != nil {
		p := s.src.Lights.Pattern()
		snap.Lights = &p
	}
	if s.src.Transport != nil {
		st := s.src.Transport.Stats()
		snap.MQTT = &st
	}
	if s.src.Links != nil {
		snap.Links = s.src.Links.Status()
	}
	return snap
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Snapshot(), s.logger)
}

// handleStream upgrades to a WebSocket and forwards every bus event as
// a JSON text message until the client goes away or the server stops.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.src.Bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before upgrading so no event published after the
	// handshake completes is missed.
	ch, unsubscribe := s.src.Bus.Subscribe(streamBuffer)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("stream client connected", "remote", r.RemoteAddr)

	// The read side only detects the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			s.logger.Info("stream client disconnected", "remote", r.RemoteAddr)
			return
		case <-s.streams.Done():
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("stream write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
