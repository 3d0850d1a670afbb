// Package debounce coalesces bursts of triggers into a single call.
package debounce

import (
	"sync"
	"time"

	"github.com/jrsteele09/go-session-guard/internal/clock"
)

// Debouncer calls fn at most once per window. The first Trigger after a
// quiet period opens a window; further triggers inside the window are
// absorbed; fn runs when the window closes.
type Debouncer struct {
	mu         sync.Mutex
	clock      clock.Clock
	window     time.Duration
	fn         func()
	timer      clock.Timer
	pending    bool
	generation uint64
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock sets the clock (primarily for testing)
func WithClock(c clock.Clock) Option {
	return func(d *Debouncer) {
		d.clock = c
	}
}

// New returns a Debouncer that calls fn once per window.
func New(window time.Duration, fn func(), options ...Option) *Debouncer {
	d := &Debouncer{
		clock:  clock.Real(),
		window: window,
		fn:     fn,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Trigger records an event.
func (d *Debouncer) Trigger() {
	if d.window <= 0 {
		d.fn()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		return
	}
	d.pending = true
	d.generation++
	gen := d.generation
	d.timer = d.clock.AfterFunc(d.window, func() { d.fire(gen) })
}

// Cancel drops any pending call. The Debouncer stays usable.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
	d.generation++
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	// A real timer can fire after Cancel already ran.
	if gen != d.generation || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}
