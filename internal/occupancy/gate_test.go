package occupancy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestGate_EmitsOnFirstCall(t *testing.T) {
	g := NewGate("Vaga01", DefaultPublishInterval)
	now := time.Now()

	rec, ok := g.MaybeEmit(now, Free, Sample{DistanceCM: 150, NoiseLevel: 12, At: now})
	if !ok {
		t.Fatal("first MaybeEmit() did not emit")
	}

	want := Record{SpaceID: "Vaga01", Status: Free, DistanceCM: 150, NoiseLevelRaw: 12}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	last, published := g.LastPublishAt()
	if !published || !last.Equal(now) {
		t.Errorf("LastPublishAt() = %v, %v; want %v, true", last, published, now)
	}
}

func TestGate_RateLimitAt200msSteps(t *testing.T) {
	g := NewGate("Vaga01", 5000*time.Millisecond)
	start := time.Now()

	var emitted []int
	for cycle := 1; cycle <= 60; cycle++ {
		now := start.Add(time.Duration(cycle-1) * 200 * time.Millisecond)
		if _, ok := g.MaybeEmit(now, Occupied, Sample{DistanceCM: 40, At: now}); ok {
			emitted = append(emitted, cycle)
		}
	}

	want := []int{1, 26, 51}
	if diff := cmp.Diff(want, emitted); diff != "" {
		t.Errorf("emitting cycles mismatch (-want +got):\n%s", diff)
	}
}

func TestGate_DoesNotEmitEarlyOnStateChange(t *testing.T) {
	g := NewGate("Vaga01", 5*time.Second)
	start := time.Now()

	if _, ok := g.MaybeEmit(start, Free, Sample{DistanceCM: 150}); !ok {
		t.Fatal("first call should emit")
	}
	if _, ok := g.MaybeEmit(start.Add(time.Second), Occupied, Sample{DistanceCM: 40}); ok {
		t.Error("state change inside the interval emitted early")
	}
	if _, ok := g.MaybeEmit(start.Add(4999*time.Millisecond), Releasing, Sample{DistanceCM: 30}); ok {
		t.Error("emitted before interval elapsed")
	}

	rec, ok := g.MaybeEmit(start.Add(5*time.Second), Occupied, Sample{DistanceCM: 41, NoiseLevel: 7})
	if !ok {
		t.Fatal("did not emit once interval elapsed")
	}
	if rec.Status != Occupied || rec.DistanceCM != 41 || rec.NoiseLevelRaw != 7 {
		t.Errorf("record = %+v, want current cycle values", rec)
	}
}

func TestGate_EmitsUnchangedStateOnSchedule(t *testing.T) {
	g := NewGate("Vaga01", time.Second)
	start := time.Now()
	count := 0
	for i := 0; i <= 10; i++ {
		if _, ok := g.MaybeEmit(start.Add(time.Duration(i)*time.Second), Free, Sample{DistanceCM: 150}); ok {
			count++
		}
	}
	if count != 11 {
		t.Errorf("emitted %d times, want 11", count)
	}
}

func TestGate_LastPublishOnlyMovesOnEmission(t *testing.T) {
	g := NewGate("Vaga01", 5*time.Second)
	start := time.Now()
	g.MaybeEmit(start, Free, Sample{})
	g.MaybeEmit(start.Add(2*time.Second), Free, Sample{})

	last, _ := g.LastPublishAt()
	if !last.Equal(start) {
		t.Errorf("LastPublishAt() = %v, want %v", last, start)
	}
}

func TestRecord_WireFormat(t *testing.T) {
	tests := []struct {
		rec  Record
		want string
	}{
		{
			Record{SpaceID: "Vaga01", Status: Free, DistanceCM: 150, NoiseLevelRaw: 12},
			`{"vagaId":"Vaga01","status":"LIVRE","distancia_cm":150,"nivel_ruido_raw":12}`,
		},
		{
			Record{SpaceID: "Vaga01", Status: Releasing, DistanceCM: 40, NoiseLevelRaw: 3000},
			`{"vagaId":"Vaga01","status":"LIBERANDO","distancia_cm":40,"nivel_ruido_raw":3000}`,
		},
		{
			Record{SpaceID: "Vaga01", Status: Occupied, DistanceCM: 41, NoiseLevelRaw: 0},
			`{"vagaId":"Vaga01","status":"OCUPADA","distancia_cm":41,"nivel_ruido_raw":0}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.rec.Status.String(), func(t *testing.T) {
			got, err := json.Marshal(tt.rec)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestState_UnmarshalText(t *testing.T) {
	var s State
	if err := s.UnmarshalText([]byte("LIBERANDO")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if s != Releasing {
		t.Errorf("got %v, want releasing", s)
	}
	if err := s.UnmarshalText([]byte("PARKED")); err == nil {
		t.Error("UnmarshalText(PARKED) should fail")
	}
}
