package gateway

import (
	"context"
	"sync"
)

// RefreshState coordinates token refreshes so that at most one is in
// flight. Callers that hit a 401 while a refresh is running join it and
// all of them observe the same outcome.
//
// The zero value is ready to use. A RefreshState is usually owned by one
// Client but can be shared between clients talking to the same backend.
type RefreshState struct {
	mu      sync.Mutex
	flight  *flight
	started int
}

type flight struct {
	done    chan struct{}
	err     error
	waiters int
}

// NewRefreshState returns an empty RefreshState.
func NewRefreshState() *RefreshState {
	return &RefreshState{}
}

// Do joins the running refresh or starts one. The refresh runs in its own
// goroutine, detached from ctx, and always runs to completion; settled (may
// be nil) is called once after every waiter has been released. If ctx ends
// first the caller stops waiting with ctx.Err() but the refresh carries on.
//
// joined reports whether the caller attached to a refresh started by
// somebody else.
func (s *RefreshState) Do(ctx context.Context, refresh func(context.Context) error, settled func(error)) (joined bool, err error) {
	s.mu.Lock()
	f := s.flight
	joined = f != nil
	if f == nil {
		f = &flight{done: make(chan struct{})}
		s.flight = f
		s.started++
		go s.run(context.WithoutCancel(ctx), f, refresh, settled)
	}
	f.waiters++
	s.mu.Unlock()

	select {
	case <-f.done:
		return joined, f.err
	case <-ctx.Done():
		return joined, ctx.Err()
	}
}

func (s *RefreshState) run(ctx context.Context, f *flight, refresh func(context.Context) error, settled func(error)) {
	err := refresh(ctx)

	s.mu.Lock()
	f.err = err
	if s.flight == f {
		s.flight = nil
	}
	s.mu.Unlock()
	close(f.done)

	if settled != nil {
		settled(err)
	}
}

// InFlight reports whether a refresh is currently running.
func (s *RefreshState) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flight != nil
}

// Waiting returns how many callers are attached to the running refresh.
func (s *RefreshState) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flight == nil {
		return 0
	}
	return s.flight.waiters
}

// Started returns the number of refreshes started since creation or the
// last Reset.
func (s *RefreshState) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Reset forgets the running refresh, if any. Callers already waiting on it
// are still released when it settles; the next 401 starts a fresh one.
func (s *RefreshState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flight = nil
	s.started = 0
}
