package activity

import "sync"

// EventKind names a user interaction signal.
type EventKind string

const (
	PointerDown EventKind = "pointerdown"
	KeyDown     EventKind = "keydown"
	TouchStart  EventKind = "touchstart"
	Scroll      EventKind = "scroll"
	Click       EventKind = "click"
)

// DefaultEvents are the signals a Monitor listens for unless told otherwise.
var DefaultEvents = []EventKind{PointerDown, KeyDown, TouchStart, Scroll, Click}

// EventSource delivers interaction events. AddListener returns a func that
// detaches the listener; calling it more than once is harmless.
type EventSource interface {
	AddListener(kind EventKind, fn func()) (remove func())
}

// Dispatcher is an in-memory EventSource. Hosts feed platform events into
// it with Dispatch.
type Dispatcher struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[EventKind]map[uint64]func()
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[EventKind]map[uint64]func())}
}

func (d *Dispatcher) AddListener(kind EventKind, fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	if d.listeners[kind] == nil {
		d.listeners[kind] = make(map[uint64]func())
	}
	d.listeners[kind][id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners[kind], id)
	}
}

// Dispatch calls every listener registered for kind.
func (d *Dispatcher) Dispatch(kind EventKind) {
	d.mu.RLock()
	fns := make([]func(), 0, len(d.listeners[kind]))
	for _, fn := range d.listeners[kind] {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// Listeners returns how many listeners are attached for kind.
func (d *Dispatcher) Listeners(kind EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[kind])
}
