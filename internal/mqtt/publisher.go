package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/gabrielbergel/MQTT-test/internal/buildinfo"
	"github.com/gabrielbergel/MQTT-test/internal/config"
	"github.com/gabrielbergel/MQTT-test/internal/connwatch"
	"github.com/gabrielbergel/MQTT-test/internal/events"
	"github.com/gabrielbergel/MQTT-test/internal/hoststats"
)

// ErrNotStarted is returned by [Publisher.AwaitConnection] before
// [Publisher.Start] has created the connection.
var ErrNotStarted = errors.New("mqtt publisher not started")

// DiagnosticsSource supplies host health for the diagnostic entities.
type DiagnosticsSource interface {
	Collect(ctx context.Context) (hoststats.Stats, error)
}

// brokerConn is the part of [autopaho.ConnectionManager] the publisher
// uses once a connection is up.
type brokerConn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Stats counts telemetry publish outcomes since start.
type Stats struct {
	Connected     bool      `json:"connected"`
	Published     uint64    `json:"published"`
	Failed        uint64    `json:"failed"`
	Skipped       uint64    `json:"skipped_disconnected"`
	LastPublishAt time.Time `json:"last_publish_at,omitzero"`
}

// Publisher manages the broker connection, announces the space to Home
// Assistant on every (re-)connect, publishes telemetry for the sampling
// loop, and pushes host diagnostics on a slow timer.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	nodeSlug string
	device   DeviceInfo
	diag     DiagnosticsSource
	bus      *events.Bus
	logger   *slog.Logger

	mu            sync.Mutex
	conn          brokerConn
	cm            *autopaho.ConnectionManager
	lastPublishAt time.Time

	connected atomic.Bool
	published atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and diagnostics loop. diag and bus may be nil.
func New(cfg config.MQTTConfig, space config.SpaceConfig, clientID string, diag DiagnosticsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	slug := NodeSlug(space.ID)
	name := space.Name
	if name == "" {
		name = space.ID
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		nodeSlug: slug,
		device:   NewDeviceInfo("vaga_"+slug, name),
		diag:     diag,
		bus:      bus,
		logger:   logger,
	}
}

// Start connects to the broker and runs the diagnostics loop. It blocks
// until ctx is cancelled. Connection failures are not returned: autopaho
// keeps retrying in the background on the configured backoff.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	backoff := connwatch.Backoff{
		InitialDelay: p.cfg.Reconnect.InitialDelay,
		MaxDelay:     p.cfg.Reconnect.MaxDelay,
		Multiplier:   p.cfg.Reconnect.Multiplier,
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              backoff.Delay,
		ConnectUsername:               p.cfg.Username,
		ConnectPassword:               []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.handleUp(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Debug("mqtt connection attempt failed", "broker", p.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
			OnClientError: func(err error) {
				p.handleDown(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				p.handleDown(fmt.Errorf("server disconnect: reason code %d", d.ReasonCode))
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil && ctx.Err() == nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background",
			"broker", p.cfg.Broker, "error", err)
	}

	p.runDiagnostics(ctx)
	return nil
}

// Stop publishes an "offline" availability message and closes the
// connection. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	if p.connected.Load() {
		p.publishAvailability(ctx, cm, "offline")
	}
	p.connected.Store(false)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It serves as the connwatch probe for the broker link.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// IsConnected reports whether the broker session is currently up.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Publish sends payload to topic at QoS 0 without retain. It returns
// false without touching the network when disconnected, and false when
// the broker does not accept the message within the publish timeout.
// Failures are counted and logged at debug; link transitions are logged
// separately at warn.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) bool {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if !p.connected.Load() || conn == nil {
		p.skipped.Add(1)
		p.logger.Debug("mqtt publish skipped, not connected", "topic", topic)
		return false
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout())
	defer cancel()

	if _, err := conn.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.failed.Add(1)
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
		return false
	}

	p.published.Add(1)
	p.mu.Lock()
	p.lastPublishAt = time.Now()
	p.mu.Unlock()
	return true
}

// Stats returns the publish counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	last := p.lastPublishAt
	p.mu.Unlock()
	return Stats{
		Connected:     p.connected.Load(),
		Published:     p.published.Load(),
		Failed:        p.failed.Load(),
		Skipped:       p.skipped.Load(),
		LastPublishAt: last,
	}
}

// Device returns the HA device block shared by all discovery payloads.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

func (p *Publisher) publishTimeout() time.Duration {
	if p.cfg.PublishTimeout > 0 {
		return p.cfg.PublishTimeout
	}
	return time.Second
}

// handleUp runs on every (re-)connect.
func (p *Publisher) handleUp(ctx context.Context, conn brokerConn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.connected.Store(true)

	p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.clientID)
	p.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMQTT,
		Kind:      events.KindLinkUp,
		Data:      map[string]any{"broker": p.cfg.Broker},
	})

	p.publishDiscovery(ctx, conn)
	p.publishAvailability(ctx, conn, "online")
	p.publishDiagnostics(ctx, conn)
}

// handleDown records a lost connection once per outage.
func (p *Publisher) handleDown(err error) {
	if !p.connected.Swap(false) {
		return
	}
	p.logger.Warn("mqtt connection lost, telemetry paused", "broker", p.cfg.Broker, "error", err)

	data := map[string]any{"broker": p.cfg.Broker}
	if err != nil {
		data["error"] = err.Error()
	}
	p.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMQTT,
		Kind:      events.KindLinkDown,
		Data:      data,
	})
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "vaga/" + p.nodeSlug
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.device.Identifiers[0] + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	base := func(entity, name string) SensorConfig {
		return SensorConfig{
			Name:              name,
			ObjectID:          p.nodeSlug + "_" + entity,
			HasEntityName:     true,
			UniqueID:          p.device.Identifiers[0] + "_" + entity,
			AvailabilityTopic: avail,
			Device:            p.device,
		}
	}

	// Occupancy entities read the telemetry record itself.
	status := base("status", "Status")
	status.StateTopic = p.cfg.Topic
	status.ValueTemplate = "{{ value_json.status }}"
	status.JsonAttributesTopic = p.cfg.Topic
	status.Icon = "mdi:parking"

	distance := base("distance", "Distance")
	distance.StateTopic = p.cfg.Topic
	distance.ValueTemplate = "{{ value_json.distancia_cm }}"
	distance.DeviceClass = "distance"
	distance.UnitOfMeasurement = "cm"
	distance.StateClass = "measurement"

	noise := base("noise", "Noise Level")
	noise.StateTopic = p.cfg.Topic
	noise.ValueTemplate = "{{ value_json.nivel_ruido_raw }}"
	noise.StateClass = "measurement"
	noise.Icon = "mdi:waveform"

	diag := func(entity, name, icon, unit string) SensorConfig {
		c := base(entity, name)
		c.StateTopic = p.stateTopic(entity)
		c.Icon = icon
		c.UnitOfMeasurement = unit
		c.EntityCategory = "diagnostic"
		if unit != "" {
			c.StateClass = "measurement"
		}
		return c
	}

	return []sensorDef{
		{"status", status},
		{"distance", distance},
		{"noise", noise},
		{"uptime", diag("uptime", "Uptime", "mdi:clock-outline", "")},
		{"version", diag("version", "Version", "mdi:tag", "")},
		{"cpu", diag("cpu", "CPU", "mdi:cpu-64-bit", "%")},
		{"memory", diag("memory", "Memory", "mdi:memory", "%")},
		{"memory_used", diag("memory_used", "Memory Used", "mdi:memory", "MB")},
		{"memory_total", diag("memory_total", "Memory Total", "mdi:memory", "MB")},
		{"disk", diag("disk", "Disk", "mdi:harddisk", "%")},
		{"process_memory", diag("process_memory", "Process Memory", "mdi:application-cog", "MB")},
		{"host_uptime", diag("host_uptime", "Host Uptime", "mdi:timer-outline", "s")},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, conn brokerConn) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := conn.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, conn brokerConn, status string) {
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Diagnostics loop ---

func (p *Publisher) runDiagnostics(ctx context.Context) {
	interval := p.cfg.DiagnosticsInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			conn := p.conn
			p.mu.Unlock()
			if conn != nil && p.connected.Load() {
				p.publishDiagnostics(ctx, conn)
			}
		}
	}
}

func (p *Publisher) diagnosticStates(ctx context.Context) map[string]string {
	states := map[string]string{
		"uptime":  buildinfo.Uptime().String(),
		"version": buildinfo.Version,
	}
	if p.diag == nil {
		return states
	}
	hs, err := p.diag.Collect(ctx)
	if err != nil {
		p.logger.Debug("host stats incomplete", "error", err)
	}
	oneDecimal := func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) }
	states["cpu"] = oneDecimal(hs.CPUPercent)
	states["memory"] = oneDecimal(hs.MemoryPercent)
	states["memory_used"] = oneDecimal(hs.MemoryUsedMB)
	states["memory_total"] = oneDecimal(hs.MemoryTotalMB)
	states["disk"] = oneDecimal(hs.DiskPercent)
	states["process_memory"] = oneDecimal(hs.ProcessRSSMB)
	states["host_uptime"] = strconv.FormatInt(int64(hs.HostUptime/time.Second), 10)
	return states
}

func (p *Publisher) publishDiagnostics(ctx context.Context, conn brokerConn) {
	states := p.diagnosticStates(ctx)
	for entity, value := range states {
		if _, err := conn.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt diagnostic publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt diagnostics published", "entities", len(states))
}
