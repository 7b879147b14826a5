// Package events implements spec §4.H's event subsystem: per-kind
// callback registration and synchronous dispatch during a single Listen
// call, adapted from core_engine/devices/iobus.go's map-based registry —
// IOBus routes one port to one PioDevice; Registry routes one EventKind
// to one driver.EventCallback, with the same "log a warning, don't fail"
// policy on overwrite.
package events

import (
	"log"
	"time"

	"govmi/driver"
	"govmi/vmierr"
)

// Registry holds the callbacks registered against a single backend's
// EventSource and drains it on Listen.
type Registry struct {
	source driver.EventSource
	logger *log.Logger

	callbacks map[driver.EventKind]driver.EventCallback
	enabled   map[driver.EventKind]bool
}

// NewRegistry wraps a backend's EventSource. logger receives a warning
// whenever a registration silently overwrites a prior one.
func NewRegistry(source driver.EventSource, logger *log.Logger) *Registry {
	return &Registry{
		source:    source,
		logger:    logger,
		callbacks: make(map[driver.EventKind]driver.EventCallback),
		enabled:   make(map[driver.EventKind]bool),
	}
}

// Register sets the callback for kind, enabling or disabling delivery,
// and forwards the registration to the backend's EventSource.
func (r *Registry) Register(kind driver.EventKind, enabled bool, cb driver.EventCallback) {
	if _, exists := r.callbacks[kind]; exists && r.logger != nil {
		r.logger.Printf("events: overwriting existing callback for kind %d", kind)
	}
	r.callbacks[kind] = cb
	r.enabled[kind] = enabled
	r.source.SetCallback(kind, enabled, cb)
}

// StartSingleStep / StopSingleStep / ShutdownSingleStep forward directly
// to the backend.
func (r *Registry) StartSingleStep(vcpu uint32) error    { return r.source.StartSingleStep(vcpu) }
func (r *Registry) StopSingleStep(vcpu uint32) error     { return r.source.StopSingleStep(vcpu) }
func (r *Registry) ShutdownSingleStep() error            { return r.source.ShutdownSingleStep() }

// Listen drains pending events from the backend for up to timeout,
// dispatching each to its registered callback synchronously, per spec
// §4.H/§5: this is the sole point at which callbacks fire, and it
// returns on the caller's thread before control returns to the client.
func (r *Registry) Listen(timeout time.Duration) error {
	return r.source.Listen(timeout)
}

// NewQueuedSource returns a driver.EventSource backed by an explicit
// queue instead of a hypervisor push channel, for a backend or client that
// detects register or memory accesses by polling rather than by
// subscription. None of the bundled backends returns one from Events.
func NewQueuedSource() (driver.EventSource, *Queue) {
	q := &Queue{}
	return q, q
}

// Queue is both the driver.EventSource and the producer-side handle a
// polling loop uses to push synthetic events for later dispatch.
type Queue struct {
	pending   []driver.Event
	callbacks map[driver.EventKind]driver.EventCallback
	enabled   map[driver.EventKind]bool
}

func (q *Queue) SetCallback(kind driver.EventKind, enabled bool, cb driver.EventCallback) {
	if q.callbacks == nil {
		q.callbacks = make(map[driver.EventKind]driver.EventCallback)
		q.enabled = make(map[driver.EventKind]bool)
	}
	q.callbacks[kind] = cb
	q.enabled[kind] = enabled
}

func (q *Queue) StartSingleStep(vcpu uint32) error { return vmierr.New("events.Queue.StartSingleStep", vmierr.NotSupported) }
func (q *Queue) StopSingleStep(vcpu uint32) error  { return vmierr.New("events.Queue.StopSingleStep", vmierr.NotSupported) }
func (q *Queue) ShutdownSingleStep() error         { return nil }

// Push enqueues a synthetic event for the next Listen call to dispatch.
func (q *Queue) Push(ev driver.Event) { q.pending = append(q.pending, ev) }

// Listen dispatches every queued event to its callback, if enabled, and
// drains the queue. The timeout is unused: queued delivery never blocks.
func (q *Queue) Listen(timeout time.Duration) error {
	for _, ev := range q.pending {
		if !q.enabled[ev.Kind] {
			continue
		}
		cb, ok := q.callbacks[ev.Kind]
		if !ok || cb == nil {
			continue
		}
		cb(ev)
	}
	q.pending = q.pending[:0]
	return nil
}

var _ driver.EventSource = (*Queue)(nil)
