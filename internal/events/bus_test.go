package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceMonitor, Kind: KindCycle})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(8)
	defer cancel()

	want := Event{
		Timestamp: time.Now(),
		Source:    SourceMonitor,
		Kind:      KindStateChange,
		Data:      map[string]any{"from": "LIVRE", "to": "OCUPADA"},
	}
	b.Publish(want)

	select {
	case got := <-ch:
		if got.Source != want.Source || got.Kind != want.Kind {
			t.Errorf("got event %v, want %v", got, want)
		}
		to, ok := got.Data["to"].(string)
		if !ok || to != "OCUPADA" {
			t.Errorf("got to %v, want %q", got.Data["to"], "OCUPADA")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		ch, cancel := b.Subscribe(8)
		defer cancel()
		channels[i] = ch
	}

	evt := Event{Source: SourceMQTT, Kind: KindLinkUp}
	b.Publish(evt)

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Source != evt.Source || got.Kind != evt.Kind {
				t.Errorf("subscriber %d: got %v, want %v", i, got, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	// Buffer size 1: the second publish is dropped.
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	got := <-ch
	if got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}

	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}

	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(8)

	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after cancel")
	}
	// Second cancel must not panic.
	cancel()
}

func TestSubscriberCount(t *testing.T) {
	b := New()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("initial count = %d, want 0", got)
	}

	_, cancel1 := b.Subscribe(4)
	_, cancel2 := b.Subscribe(4)

	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("after 2 subscribes = %d, want 2", got)
	}

	cancel1()
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("after 1 cancel = %d, want 1", got)
	}

	cancel2()
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("after all cancelled = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	const publishers = 10
	const eventsPerPublisher = 100

	var wg sync.WaitGroup

	ch, cancel := b.Subscribe(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
			// Drops are expected; only draining matters here.
		}
	}()

	var pubWg sync.WaitGroup
	for i := range publishers {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := range eventsPerPublisher {
				b.Publish(Event{
					Timestamp: time.Now(),
					Source:    SourceMonitor,
					Kind:      KindCycle,
					Data:      map[string]any{"publisher": i, "seq": j},
				})
			}
		}()
	}

	pubWg.Wait()
	cancel()
	wg.Wait()
}

func TestPublishAfterCancel(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(8)
	cancel()

	// Publishing after the only subscriber is gone must not panic.
	b.Publish(Event{Source: SourceMQTT, Kind: KindLinkDown})
}
