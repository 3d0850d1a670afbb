// Package activity turns raw interaction events into a debounced "the user
// is present" signal.
package activity

import (
	"sync"
	"time"

	"github.com/jrsteele09/go-session-guard/internal/clock"
	"github.com/jrsteele09/go-session-guard/internal/debounce"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is the coalescing window for raw events.
const DefaultDebounce = 500 * time.Millisecond

// Monitor attaches to an EventSource and reports activity at most once per
// debounce window.
type Monitor struct {
	source EventSource
	window time.Duration
	events []EventKind
	clock  clock.Clock
	log    zerolog.Logger

	mu        sync.Mutex
	removers  []func()
	debouncer *debounce.Debouncer
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDebounce sets the coalescing window.
func WithDebounce(window time.Duration) Option {
	return func(m *Monitor) {
		m.window = window
	}
}

// WithEvents overrides the set of events listened for.
func WithEvents(kinds ...EventKind) Option {
	return func(m *Monitor) {
		m.events = kinds
	}
}

// WithClock sets the clock (primarily for testing)
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) {
		m.log = l
	}
}

// New returns a Monitor reading from source. Nothing is attached until
// Initialize is called.
func New(source EventSource, options ...Option) *Monitor {
	m := &Monitor{
		source: source,
		window: DefaultDebounce,
		events: DefaultEvents,
		clock:  clock.Real(),
		log:    log.With().Str("component", "activity").Logger(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Initialize attaches listeners and calls onActivity once per burst of
// events. Calling it again replaces the previous registration.
func (m *Monitor) Initialize(onActivity func()) {
	m.Cleanup()

	m.mu.Lock()
	defer m.mu.Unlock()

	d := debounce.New(m.window, onActivity, debounce.WithClock(m.clock))
	m.debouncer = d
	trigger := func() {
		// A dispatch already under way may still reach a detached listener.
		if m.attached(d) {
			d.Trigger()
		}
	}
	for _, kind := range m.events {
		m.removers = append(m.removers, m.source.AddListener(kind, trigger))
	}
	m.log.Debug().Int("listeners", len(m.removers)).Dur("window", m.window).Msg("activity monitor attached")
}

// Cleanup detaches every listener and drops a pending callback. It is safe
// to call any number of times.
func (m *Monitor) Cleanup() {
	m.mu.Lock()
	removers, d := m.removers, m.debouncer
	m.removers, m.debouncer = nil, nil
	m.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	if d != nil {
		d.Cancel()
		m.log.Debug().Msg("activity monitor detached")
	}
}

// Active reports whether listeners are attached.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debouncer != nil
}

func (m *Monitor) attached(d *debounce.Debouncer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debouncer == d
}
