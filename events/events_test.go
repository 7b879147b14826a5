package events_test

import (
	"testing"
	"time"

	"govmi/driver"
	"govmi/events"
)

func TestQueueDispatchesOnlyEnabledEvents(t *testing.T) {
	source, queue := events.NewQueuedSource()
	registry := events.NewRegistry(source, nil)

	var fired []driver.EventKind
	registry.Register(driver.EventInterrupt, true, func(ev driver.Event) {
		fired = append(fired, ev.Kind)
	})
	registry.Register(driver.EventSingleStep, false, func(ev driver.Event) {
		fired = append(fired, ev.Kind)
	})

	queue.Push(driver.Event{Kind: driver.EventInterrupt, Vector: 14})
	queue.Push(driver.Event{Kind: driver.EventSingleStep})

	if err := registry.Listen(10 * time.Millisecond); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(fired) != 1 || fired[0] != driver.EventInterrupt {
		t.Fatalf("fired = %v, want [EventInterrupt]", fired)
	}

	// A second Listen with nothing queued dispatches nothing.
	fired = nil
	if err := registry.Listen(time.Millisecond); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("fired = %v, want none", fired)
	}
}
