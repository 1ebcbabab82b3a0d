package events

import (
	"testing"
)

func TestBus_PublishFanOut(t *testing.T) {
	bus := NewBus()

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(Event{Type: AgentStarted, ProcessID: "p1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		e := <-ch
		if e.Type != AgentStarted || e.ProcessID != "p1" {
			t.Errorf("subscriber %d got %+v", i, e)
		}
		if e.At.IsZero() {
			t.Errorf("subscriber %d event has no timestamp", i)
		}
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	// Second publish overflows the buffer; both must return immediately
	bus.Publish(Event{Type: AgentOutput})
	bus.Publish(Event{Type: AgentOutput})

	if got := bus.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe(1)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel open after cancel")
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}

	// Cancelling twice is harmless
	cancel()

	// Publishing with no subscribers is harmless
	bus.Publish(Event{Type: AgentCompleted})
}
