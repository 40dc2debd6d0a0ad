package yuri

import (
	"testing"
	"time"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestEventBus_FanOut(t *testing.T) {
	bus := NewEventBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	defer a.Close()
	defer b.Close()

	if bus.Subscribers() != 2 {
		t.Fatalf("Subscribers = %d, want 2", bus.Subscribers())
	}

	status := 200
	bus.Publish(Event{ID: "1", Method: "GET", URL: "https://example.com/", Phase: PhaseRequest})
	bus.Publish(Event{ID: "1", Status: &status, Phase: PhaseResponse})

	for _, s := range []*Subscription{a, b} {
		req := receive(t, s)
		if req.Phase != PhaseRequest || req.Method != "GET" {
			t.Errorf("first event = %+v", req)
		}
		resp := receive(t, s)
		if resp.Phase != PhaseResponse || resp.Status == nil || *resp.Status != 200 {
			t.Errorf("second event = %+v", resp)
		}
	}
}

func TestEventBus_NoSubscribers(t *testing.T) {
	bus := NewEventBus()
	bus.Metrics = NewMetrics()
	bus.Publish(Event{ID: "1", Phase: PhaseRequest})
}

func TestEventBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewEventBus()
	bus.Metrics = NewMetrics()
	slow := bus.Subscribe(1)
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := range 5 {
			bus.Publish(Event{ID: string(rune('a' + i)), Phase: PhaseRequest})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := slow.Dropped(); got != 4 {
		t.Errorf("Dropped = %d, want 4", got)
	}
	if ev := receive(t, slow); ev.ID != "a" {
		t.Errorf("buffered event = %q, want a", ev.ID)
	}
}

func TestSubscription_Close(t *testing.T) {
	bus := NewEventBus()
	s := bus.Subscribe(1)
	s.Close()
	s.Close()

	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", bus.Subscribers())
	}
	if _, ok := <-s.C; ok {
		t.Error("channel not closed")
	}
	bus.Publish(Event{ID: "1"})
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus()
	s := bus.Subscribe(1)
	bus.Close()
	bus.Close()

	if _, ok := <-s.C; ok {
		t.Error("subscription not closed by bus")
	}
	s.Close()

	late := bus.Subscribe(1)
	if _, ok := <-late.C; ok {
		t.Error("subscription after Close should be closed")
	}
	bus.Publish(Event{ID: "1"})
}
