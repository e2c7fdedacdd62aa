package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/gabrielbergel/MQTT-test/internal/config"
	"github.com/gabrielbergel/MQTT-test/internal/events"
	"github.com/gabrielbergel/MQTT-test/internal/hoststats"
)

// fakeConn records publishes. If block is set it waits for the context
// like a broker that never acknowledges.
type fakeConn struct {
	mu    sync.Mutex
	msgs  []*paho.Publish
	err   error
	block bool
}

func (f *fakeConn) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeConn) byTopic() map[string]*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := make(map[string]*paho.Publish, len(f.msgs))
	for _, p := range f.msgs {
		m[p.Topic] = p
	}
	return m
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.msgs = nil
	f.mu.Unlock()
}

type fakeDiag struct{}

func (fakeDiag) Collect(context.Context) (hoststats.Stats, error) {
	return hoststats.Stats{
		CPUPercent:    12.34,
		MemoryPercent: 56.78,
		MemoryUsedMB:  812.46,
		MemoryTotalMB: 3906.25,
		DiskPercent:   41.04,
		ProcessRSSMB:  18.72,
		HostUptime:    93*time.Minute + 30*time.Second,
	}, nil
}

func testPublisher(t *testing.T, bus *events.Bus) *Publisher {
	t.Helper()
	cfg := config.Default().MQTT
	cfg.Broker = "mqtt://localhost:1883"
	cfg.PublishTimeout = 20 * time.Millisecond
	space := config.SpaceConfig{ID: "Vaga01", Name: "Vaga 01"}
	return New(cfg, space, "vaga-vaga01-test", fakeDiag{}, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNodeSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Vaga01", "vaga01"},
		{"Vaga 01", "vaga_01"},
		{"B2/Norte", "b2_norte"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NodeSlug(tt.in); got != tt.want {
			t.Errorf("NodeSlug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewClientID(t *testing.T) {
	a := NewClientID("Vaga01")
	b := NewClientID("Vaga01")

	if !regexp.MustCompile(`^vaga-vaga01-[0-9a-f]{8}$`).MatchString(a) {
		t.Errorf("NewClientID() = %q, want vaga-vaga01-<8 hex>", a)
	}
	if a == b {
		t.Errorf("two client IDs collided: %q", a)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("vaga_vaga01", "Vaga 01")
	if info.Name != "Vaga 01" {
		t.Errorf("Name = %q, want %q", info.Name, "Vaga 01")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "vaga_vaga01" {
		t.Errorf("Identifiers = %v, want [vaga_vaga01]", info.Identifiers)
	}
	if info.Model != "Parking space monitor" {
		t.Errorf("Model = %q", info.Model)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := testPublisher(t, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "vaga/vaga01"},
		{"availabilityTopic", p.availabilityTopic(), "vaga/vaga01/availability"},
		{"stateTopic uptime", p.stateTopic("uptime"), "vaga/vaga01/uptime/state"},
		{"discoveryTopic sensor status", p.discoveryTopic("sensor", "status"), "homeassistant/sensor/vaga_vaga01/status/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	p := testPublisher(t, nil)
	defs := p.sensorDefinitions()

	templates := map[string]string{
		"status":   "{{ value_json.status }}",
		"distance": "{{ value_json.distancia_cm }}",
		"noise":    "{{ value_json.nivel_ruido_raw }}",
	}
	diagnostics := map[string]bool{
		"uptime": true, "version": true, "cpu": true, "memory": true,
		"memory_used": true, "memory_total": true, "disk": true,
		"process_memory": true, "host_uptime": true,
	}

	if len(defs) != len(templates)+len(diagnostics) {
		t.Fatalf("got %d sensor definitions, want %d", len(defs), len(templates)+len(diagnostics))
	}

	for _, d := range defs {
		c := d.config
		if c.AvailabilityTopic != "vaga/vaga01/availability" {
			t.Errorf("%s: AvailabilityTopic = %q", d.entitySuffix, c.AvailabilityTopic)
		}
		if c.UniqueID != "vaga_vaga01_"+d.entitySuffix {
			t.Errorf("%s: UniqueID = %q", d.entitySuffix, c.UniqueID)
		}
		if !c.HasEntityName {
			t.Errorf("%s: HasEntityName = false, want true", d.entitySuffix)
		}
		if strings.Contains(c.Name, "Vaga 01") {
			t.Errorf("%s: Name %q repeats the device name", d.entitySuffix, c.Name)
		}

		if want, ok := templates[d.entitySuffix]; ok {
			if c.StateTopic != "garagem/vaga01/status" {
				t.Errorf("%s: StateTopic = %q, want telemetry topic", d.entitySuffix, c.StateTopic)
			}
			if c.ValueTemplate != want {
				t.Errorf("%s: ValueTemplate = %q, want %q", d.entitySuffix, c.ValueTemplate, want)
			}
			if c.EntityCategory != "" {
				t.Errorf("%s: occupancy sensor should not be diagnostic", d.entitySuffix)
			}
			continue
		}
		if !diagnostics[d.entitySuffix] {
			t.Errorf("unexpected sensor %q", d.entitySuffix)
		}
		if c.EntityCategory != "diagnostic" {
			t.Errorf("%s: EntityCategory = %q, want diagnostic", d.entitySuffix, c.EntityCategory)
		}
		if c.StateTopic != p.stateTopic(d.entitySuffix) {
			t.Errorf("%s: StateTopic = %q", d.entitySuffix, c.StateTopic)
		}
	}
}

func TestPublisher_PublishWhileDisconnected(t *testing.T) {
	p := testPublisher(t, nil)

	if p.IsConnected() {
		t.Fatal("new publisher should not be connected")
	}
	if p.Publish(context.Background(), "garagem/vaga01/status", []byte("{}")) {
		t.Error("Publish() = true while disconnected")
	}
	if s := p.Stats(); s.Skipped != 1 || s.Published != 0 || s.Failed != 0 {
		t.Errorf("Stats() = %+v, want one skipped", s)
	}
}

func TestPublisher_ConnectAnnouncesAndPublishes(t *testing.T) {
	bus := events.New()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	p := testPublisher(t, bus)
	conn := &fakeConn{}
	p.handleUp(context.Background(), conn)

	if !p.IsConnected() {
		t.Fatal("IsConnected() = false after connection up")
	}

	got := conn.byTopic()
	for _, d := range p.sensorDefinitions() {
		msg, ok := got[p.discoveryTopic("sensor", d.entitySuffix)]
		if !ok {
			t.Errorf("no discovery message for %s", d.entitySuffix)
			continue
		}
		if !msg.Retain || msg.QoS != 1 {
			t.Errorf("%s discovery retain=%v qos=%d, want retained qos 1", d.entitySuffix, msg.Retain, msg.QoS)
		}
		var cfg SensorConfig
		if err := json.Unmarshal(msg.Payload, &cfg); err != nil {
			t.Errorf("%s discovery payload: %v", d.entitySuffix, err)
		}
	}

	avail, ok := got["vaga/vaga01/availability"]
	if !ok || string(avail.Payload) != "online" || !avail.Retain {
		t.Errorf("availability message = %+v, want retained online", avail)
	}
	diagWant := map[string]string{
		"cpu":            "12.3",
		"memory":         "56.8",
		"memory_used":    "812.5",
		"memory_total":   "3906.2",
		"disk":           "41.0",
		"process_memory": "18.7",
		"host_uptime":    "5610",
	}
	for entity, want := range diagWant {
		msg, ok := got["vaga/vaga01/"+entity+"/state"]
		if !ok {
			t.Errorf("no %s diagnostic published", entity)
			continue
		}
		if string(msg.Payload) != want {
			t.Errorf("%s diagnostic = %q, want %q", entity, msg.Payload, want)
		}
	}

	select {
	case e := <-ch:
		if e.Kind != events.KindLinkUp {
			t.Errorf("event kind = %q, want %q", e.Kind, events.KindLinkUp)
		}
	default:
		t.Error("no link_up event")
	}

	conn.reset()
	payload := []byte(`{"vagaId":"Vaga01","status":"LIVRE","distancia_cm":150,"nivel_ruido_raw":12}`)
	if !p.Publish(context.Background(), "garagem/vaga01/status", payload) {
		t.Fatal("Publish() = false while connected")
	}
	msg := conn.byTopic()["garagem/vaga01/status"]
	if msg == nil {
		t.Fatal("telemetry not published")
	}
	if msg.QoS != 0 || msg.Retain {
		t.Errorf("telemetry qos=%d retain=%v, want qos 0 not retained", msg.QoS, msg.Retain)
	}
	if string(msg.Payload) != string(payload) {
		t.Errorf("payload = %s", msg.Payload)
	}
	if s := p.Stats(); s.Published != 1 || s.LastPublishAt.IsZero() {
		t.Errorf("Stats() = %+v, want one published", s)
	}
}

func TestPublisher_DiscoveryDisabled(t *testing.T) {
	p := testPublisher(t, nil)
	p.cfg.DiscoveryPrefix = ""
	conn := &fakeConn{}
	p.handleUp(context.Background(), conn)

	for topic := range conn.byTopic() {
		if strings.HasSuffix(topic, "/config") {
			t.Errorf("discovery published to %q with discovery disabled", topic)
		}
	}
}

func TestPublisher_PublishFailureCounted(t *testing.T) {
	p := testPublisher(t, nil)
	conn := &fakeConn{}
	p.handleUp(context.Background(), conn)
	conn.err = errors.New("connection reset")

	if p.Publish(context.Background(), "garagem/vaga01/status", []byte("{}")) {
		t.Error("Publish() = true on broker error")
	}
	if s := p.Stats(); s.Failed != 1 {
		t.Errorf("Failed = %d, want 1", s.Failed)
	}
}

func TestPublisher_PublishBoundedByTimeout(t *testing.T) {
	p := testPublisher(t, nil)
	conn := &fakeConn{}
	p.handleUp(context.Background(), conn)
	conn.block = true

	start := time.Now()
	ok := p.Publish(context.Background(), "garagem/vaga01/status", []byte("{}"))
	elapsed := time.Since(start)

	if ok {
		t.Error("Publish() = true on a broker that never acknowledges")
	}
	if elapsed > time.Second {
		t.Errorf("Publish blocked %v, want about the 20ms publish timeout", elapsed)
	}
}

func TestPublisher_HandleDownOncePerOutage(t *testing.T) {
	bus := events.New()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	p := testPublisher(t, bus)
	p.handleUp(context.Background(), &fakeConn{})
	<-ch // link_up

	p.handleDown(errors.New("eof"))
	p.handleDown(errors.New("eof again"))

	if p.IsConnected() {
		t.Error("IsConnected() = true after connection lost")
	}

	var downs int
	for len(ch) > 0 {
		if e := <-ch; e.Kind == events.KindLinkDown {
			downs++
			if e.Data["error"] != "eof" {
				t.Errorf("link_down error = %v, want eof", e.Data["error"])
			}
		}
	}
	if downs != 1 {
		t.Errorf("got %d link_down events, want 1", downs)
	}

	if p.Publish(context.Background(), "garagem/vaga01/status", []byte("{}")) {
		t.Error("Publish() = true after connection lost")
	}
}

func TestPublisher_AwaitConnectionBeforeStart(t *testing.T) {
	p := testPublisher(t, nil)
	if err := p.AwaitConnection(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("AwaitConnection() = %v, want ErrNotStarted", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start = %v, want nil", err)
	}
}

func TestPublisher_StartRejectsBadURL(t *testing.T) {
	p := testPublisher(t, nil)
	p.cfg.Broker = "://bad"
	if err := p.Start(context.Background()); err == nil {
		t.Error("Start() with malformed broker URL should fail")
	}
}

func TestSensorConfig_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(SensorConfig{
		Name:       "Status",
		UniqueID:   "vaga_vaga01_status",
		StateTopic: "garagem/vaga01/status",
	})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	for _, key := range []string{"json_attributes_topic", "device_class", "value_template", "entity_category"} {
		if strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("%s should be omitted when empty:\n%s", key, data)
		}
	}
}
