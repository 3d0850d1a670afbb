package debounce_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-session-guard/internal/clock"
	"github.com/jrsteele09/go-session-guard/internal/debounce"
	"github.com/stretchr/testify/require"
)

func setup(window time.Duration) (*debounce.Debouncer, *clock.FakeClock, *int) {
	c := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	calls := 0
	d := debounce.New(window, func() { calls++ }, debounce.WithClock(c))
	return d, c, &calls
}

func TestDebouncer_BurstCoalesces(t *testing.T) {
	d, c, calls := setup(500 * time.Millisecond)

	d.Trigger()
	c.Advance(40 * time.Millisecond)
	d.Trigger()
	c.Advance(40 * time.Millisecond)
	d.Trigger()

	require.Equal(t, 0, *calls)
	c.Advance(500 * time.Millisecond)
	require.Equal(t, 1, *calls)
	require.False(t, d.Pending())
}

func TestDebouncer_SeparatedTriggersFireTwice(t *testing.T) {
	d, c, calls := setup(500 * time.Millisecond)

	d.Trigger()
	c.Advance(700 * time.Millisecond)
	d.Trigger()
	c.Advance(700 * time.Millisecond)

	require.Equal(t, 2, *calls)
}

func TestDebouncer_CancelDropsPendingCall(t *testing.T) {
	d, c, calls := setup(500 * time.Millisecond)

	d.Trigger()
	require.True(t, d.Pending())
	d.Cancel()
	d.Cancel()
	c.Advance(time.Second)
	require.Equal(t, 0, *calls)

	d.Trigger()
	c.Advance(time.Second)
	require.Equal(t, 1, *calls)
}
