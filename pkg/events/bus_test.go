package events

import (
	"testing"
	"time"
)

func TestBus_FiltersByName(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(4, "alertTriggered")
	defer cancel()

	b.Publish("jobStarted", nil)
	b.Publish("alertTriggered", "a-1")

	select {
	case evt := <-ch:
		if evt.Name != "alertTriggered" {
			t.Fatalf("Name: got %q, want alertTriggered", evt.Name)
		}
		if evt.Payload != "a-1" {
			t.Errorf("Payload: got %v, want a-1", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event %q", evt.Name)
	default:
	}
}

func TestBus_AllEventsWhenNoNames(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish("a", 1)
	b.Publish("b", 2)

	if got := len(ch); got != 2 {
		t.Fatalf("buffered events: got %d, want 2", got)
	}
}

func TestBus_FullSubscriberDrops(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish("x", nil)
	b.Publish("x", nil)
	b.Publish("x", nil)

	if got := b.Dropped(); got != 2 {
		t.Errorf("Dropped: got %d, want 2", got)
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
	// Publishing after cancel must not panic.
	b.Publish("x", nil)
}
