// Package softlock holds the authoritative lock state of the application:
// whether protected content may be shown, whether soft lock is enabled and
// whether credential entry is temporarily blocked.
//
// Every transition that touches lock, enabled or attempt state is written to
// the backing store before it is published, so a process killed straight
// after locking comes back locked.
package softlock

import (
	"sync"
	"time"

	"github.com/jrsteele09/go-session-guard/activity"
	"github.com/jrsteele09/go-session-guard/internal/clock"
	apperrors "github.com/jrsteele09/go-session-guard/internal/errors"
	"github.com/jrsteele09/go-session-guard/internal/metrics"
	"github.com/jrsteele09/go-session-guard/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Machine is the soft lock state machine. It is safe for concurrent use.
// Subscribers are called outside the machine's lock, in no particular
// order, and may call back into the machine.
type Machine struct {
	records recordStore
	policy  Policy
	clock   clock.Clock
	log     zerolog.Logger
	monitor *activity.Monitor

	mu            sync.Mutex
	state         State
	rec           record
	authenticated bool
	lastActive    time.Time
	deadline      time.Time
	idleTimer     clock.Timer
	blockTimer    clock.Timer
	subscribers   map[uint64]func(Snapshot)
	nextSub       uint64
	closed        bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock (primarily for testing)
func WithClock(c clock.Clock) Option {
	return func(m *Machine) {
		m.clock = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) {
		m.log = l
	}
}

func WithPolicy(p Policy) Option {
	return func(m *Machine) {
		m.policy = p
	}
}

// WithActivityMonitor lets the machine own an activity monitor: Initialize
// attaches it to RecordActivity and Cleanup detaches it.
func WithActivityMonitor(monitor *activity.Monitor) Option {
	return func(m *Machine) {
		m.monitor = monitor
	}
}

// New returns a Machine in StateLoading persisting to store. The store is
// normally a storage.Bucket dedicated to the soft lock.
func New(store storage.Store, options ...Option) (*Machine, error) {
	if store == nil {
		return nil, errors.New("[softlock.New] store is required")
	}

	m := &Machine{
		records:     recordStore{store: store},
		policy:      DefaultPolicy(),
		clock:       clock.Real(),
		log:         log.With().Str("component", "softlock").Logger(),
		state:       StateLoading,
		subscribers: make(map[uint64]func(Snapshot)),
	}
	for _, opt := range options {
		opt(m)
	}
	if err := m.policy.validate(); err != nil {
		return nil, errors.Wrap(err, "[softlock.New]")
	}
	return m, nil
}

// Initialize leaves StateLoading by reading the persisted record. The
// machine comes up LOCKED if the record says it was locked, or if soft lock
// is enabled and the inactivity timeout has passed since the last unlock.
//
// If the record cannot be read the machine comes up enabled and LOCKED and
// the error is returned.
func (m *Machine) Initialize() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.ErrClosed
	}
	if m.state != StateLoading {
		m.mu.Unlock()
		return nil
	}

	now := m.clock.Now()
	rec, found, loadErr := m.records.load()
	dirty := false
	if loadErr != nil {
		rec = record{Enabled: true, Locked: true}
	}

	if !rec.BlockExpireTime.IsZero() && !rec.blocked(now) {
		rec.BlockExpireTime = time.Time{}
		rec.FailedAttempts = 0
		dirty = true
	}

	switch {
	case !rec.Enabled:
		if rec.Locked {
			rec.Locked = false
			dirty = true
		}
		m.state = StateActive
	case rec.Locked, rec.LastUnlockTime.IsZero(), now.Sub(rec.LastUnlockTime) >= m.policy.InactivityTimeout:
		if !rec.Locked {
			rec.Locked = true
			dirty = true
		}
		m.state = StateLocked
	default:
		m.state = StateActive
	}
	m.rec = rec
	m.lastActive = now
	if m.state == StateActive {
		m.startCountdownLocked(now)
	}
	if rec.blocked(now) {
		m.scheduleUnblockLocked(now)
	}

	var saveErr error
	if dirty && loadErr == nil {
		saveErr = m.records.save(rec)
	}
	state := m.state
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	metrics.LockTransitions.WithLabelValues(state.String(), string(TriggerRestore)).Inc()
	m.log.Info().
		Str("state", state.String()).
		Bool("enabled", rec.Enabled).
		Bool("found", found).
		Bool("blocked", snap.Blocked).
		Msg("soft lock restored")

	if m.monitor != nil {
		m.monitor.Initialize(m.RecordActivity)
	}
	notify(subs, snap)

	if loadErr != nil {
		return errors.Wrap(loadErr, "[Machine.Initialize] restored locked")
	}
	if saveErr != nil {
		return errors.Wrap(saveErr, "[Machine.Initialize]")
	}
	return nil
}

// RecordActivity restarts the inactivity countdown. It does nothing unless
// the machine is ACTIVE.
func (m *Machine) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateActive {
		return
	}
	now := m.clock.Now()
	m.lastActive = now
	m.startCountdownLocked(now)
}

// SetLocked locks (true) or unlocks (false) the application.
func (m *Machine) SetLocked(locked bool) error {
	if locked {
		return m.Lock()
	}
	return m.Unlock()
}

// Lock moves to LOCKED. It fails with ErrSoftLockDisabled when soft lock is
// off. If the lock cannot be persisted the machine still locks and the
// error is returned.
func (m *Machine) Lock() error {
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if !m.rec.Enabled {
		m.mu.Unlock()
		return apperrors.ErrSoftLockDisabled
	}
	err := m.lockLocked(TriggerManual)
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	notify(subs, snap)
	return errors.Wrap(err, "[Machine.Lock]")
}

// Unlock moves to ACTIVE and records the unlock time. The machine stays
// locked if the new state cannot be persisted.
func (m *Machine) Unlock() error {
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}

	now := m.clock.Now()
	next := m.rec
	next.Locked = false
	next.LastUnlockTime = now
	if err := m.records.save(next); err != nil {
		m.mu.Unlock()
		return errors.Wrap(err, "[Machine.Unlock]")
	}

	wasLocked := m.state == StateLocked
	m.rec = next
	m.state = StateActive
	m.lastActive = now
	m.startCountdownLocked(now)
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	if wasLocked {
		metrics.LockTransitions.WithLabelValues(StateActive.String(), string(TriggerUnlock)).Inc()
		m.log.Info().Msg("soft lock unlocked")
	}
	notify(subs, snap)
	return nil
}

// SetEnabled turns soft lock on or off. Enabling starts the countdown from
// now. Disabling while LOCKED fails with ErrLocked: the user has to unlock
// first.
func (m *Machine) SetEnabled(enabled bool) error {
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.rec.Enabled == enabled {
		m.mu.Unlock()
		return nil
	}
	if !enabled && m.state == StateLocked {
		m.mu.Unlock()
		return apperrors.ErrLocked
	}

	now := m.clock.Now()
	next := m.rec
	next.Enabled = enabled
	next.Locked = false
	if enabled {
		next.LastUnlockTime = now
	}
	if err := m.records.save(next); err != nil {
		m.mu.Unlock()
		return errors.Wrap(err, "[Machine.SetEnabled]")
	}
	m.rec = next
	if enabled {
		m.lastActive = now
		m.startCountdownLocked(now)
	} else {
		m.stopCountdownLocked()
	}
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	m.log.Info().Bool("enabled", enabled).Msg("soft lock preference changed")
	notify(subs, snap)
	return nil
}

// SetAuthenticated tells the machine whether a session exists. Background
// and inactivity locking only apply to an authenticated session.
func (m *Machine) SetAuthenticated(authenticated bool) {
	m.mu.Lock()
	if m.authenticated == authenticated {
		m.mu.Unlock()
		return
	}
	m.authenticated = authenticated
	if authenticated && m.state == StateActive {
		now := m.clock.Now()
		m.lastActive = now
		m.startCountdownLocked(now)
	}
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	notify(subs, snap)
}

// OnVisibilityHidden locks immediately when the application is backgrounded
// with soft lock enabled and a session present. A suspended process cannot
// be trusted to run a timer, so the transition itself is the trigger.
func (m *Machine) OnVisibilityHidden() error {
	m.mu.Lock()
	if m.closed || m.state != StateActive || !m.rec.Enabled || !m.authenticated {
		m.mu.Unlock()
		return nil
	}
	err := m.lockLocked(TriggerBackground)
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	notify(subs, snap)
	return errors.Wrap(err, "[Machine.OnVisibilityHidden]")
}

// OnVisibilityVisible locks if the inactivity timeout passed while the
// application was hidden and the countdown timer did not get to run.
func (m *Machine) OnVisibilityVisible() error {
	m.mu.Lock()
	if m.closed || m.state != StateActive || !m.rec.Enabled || !m.authenticated {
		m.mu.Unlock()
		return nil
	}
	now := m.clock.Now()
	if now.Sub(m.lastActive) < m.policy.InactivityTimeout {
		m.mu.Unlock()
		return nil
	}
	err := m.lockLocked(TriggerInactivity)
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	notify(subs, snap)
	return errors.Wrap(err, "[Machine.OnVisibilityVisible]")
}

// RecordPinAttempt records the outcome of a credential attempt using the
// policy's block duration.
func (m *Machine) RecordPinAttempt(success bool) error {
	return m.RecordAttempt(success, m.policy.BlockDuration)
}

// RecordAttempt records the outcome of a credential attempt. Success clears
// the counter and the blocked flag. The failure that reaches the policy's
// maximum sets the blocked flag for blockFor. While blocked, nothing is
// recorded and ErrBlocked is returned.
func (m *Machine) RecordAttempt(success bool, blockFor time.Duration) error {
	if blockFor <= 0 {
		blockFor = m.policy.BlockDuration
	}

	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}

	now := m.clock.Now()
	if m.rec.blocked(now) {
		m.mu.Unlock()
		return apperrors.ErrBlocked
	}

	next := m.rec
	if !next.BlockExpireTime.IsZero() {
		// Expired block whose timer has not fired yet.
		next.FailedAttempts = 0
		m.stopUnblockLocked()
	}
	next.BlockExpireTime = time.Time{}
	if success {
		next.FailedAttempts = 0
		if err := m.records.save(next); err != nil {
			m.mu.Unlock()
			return errors.Wrap(err, "[Machine.RecordAttempt]")
		}
		m.rec = next
		m.stopUnblockLocked()
		snap, subs := m.publishLocked()
		m.mu.Unlock()

		notify(subs, snap)
		return nil
	}

	next.FailedAttempts++
	if next.FailedAttempts >= m.policy.MaxPinAttempts {
		next.BlockExpireTime = now.Add(blockFor)
	}
	// A failure counts even if it cannot be persisted.
	saveErr := m.records.save(next)
	m.rec = next
	blocked := next.blocked(now)
	if blocked {
		m.scheduleUnblockLocked(now)
	}
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	if blocked {
		m.log.Warn().
			Int("attempts", next.FailedAttempts).
			Time("until", next.BlockExpireTime).
			Msg("credential entry blocked")
	}
	notify(subs, snap)
	return errors.Wrap(saveErr, "[Machine.RecordAttempt]")
}

// IsBlocked reports whether credential entry is currently blocked.
func (m *Machine) IsBlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.blocked(m.clock.Now())
}

// BlockRemaining returns how long the block has left, or zero.
func (m *Machine) BlockRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if !m.rec.blocked(now) {
		return 0
	}
	return m.rec.BlockExpireTime.Sub(now)
}

// TimeUntilLock returns the time left on the inactivity countdown, or zero
// when no countdown is running.
func (m *Machine) TimeUntilLock() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeUntilLockLocked(m.clock.Now())
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every transition. The
// returned func removes it.
func (m *Machine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Reset returns the machine to its logged-out defaults: soft lock disabled,
// unlocked, no failed attempts. The persisted record is removed. The
// in-memory reset happens even if the removal fails.
func (m *Machine) Reset() error {
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	err := m.records.clear()
	m.rec = record{}
	m.state = StateActive
	m.authenticated = false
	m.lastActive = m.clock.Now()
	m.stopCountdownLocked()
	m.stopUnblockLocked()
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	metrics.LockTransitions.WithLabelValues(StateActive.String(), string(TriggerReset)).Inc()
	m.log.Info().Msg("soft lock reset")
	notify(subs, snap)
	return errors.Wrap(err, "[Machine.Reset]")
}

// Cleanup stops every timer, detaches the activity monitor and drops
// subscribers. It is safe to call more than once; afterwards mutating calls
// return ErrClosed.
func (m *Machine) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopCountdownLocked()
	m.stopUnblockLocked()
	m.subscribers = make(map[uint64]func(Snapshot))
	m.mu.Unlock()

	if m.monitor != nil {
		m.monitor.Cleanup()
	}
}

func (m *Machine) usableLocked() error {
	if m.closed {
		return apperrors.ErrClosed
	}
	if m.state == StateLoading {
		return ErrNotInitialized
	}
	return nil
}

// lockLocked moves to LOCKED in memory first and then persists. Callers
// hold m.mu and have checked the machine is enabled.
func (m *Machine) lockLocked(trigger Trigger) error {
	if m.state == StateLocked {
		return nil
	}
	m.state = StateLocked
	m.rec.Locked = true
	m.stopCountdownLocked()

	metrics.LockTransitions.WithLabelValues(StateLocked.String(), string(trigger)).Inc()
	err := m.records.save(m.rec)
	if err != nil {
		m.log.Error().Err(err).Str("trigger", string(trigger)).Msg("locked but lock state was not persisted")
	} else {
		m.log.Info().Str("trigger", string(trigger)).Msg("soft lock locked")
	}
	return err
}

func (m *Machine) startCountdownLocked(now time.Time) {
	m.deadline = now.Add(m.policy.InactivityTimeout)
	if !m.rec.Enabled {
		m.stopCountdownLocked()
		return
	}
	if m.idleTimer != nil {
		m.idleTimer.Reset(m.policy.InactivityTimeout)
		return
	}
	m.idleTimer = m.clock.AfterFunc(m.policy.InactivityTimeout, m.onIdle)
}

func (m *Machine) stopCountdownLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

func (m *Machine) onIdle() {
	m.mu.Lock()
	if m.closed || m.state != StateActive || !m.rec.Enabled {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	if remaining := m.deadline.Sub(now); remaining > 0 {
		// Activity moved the deadline after this timer was armed.
		if m.idleTimer != nil {
			m.idleTimer.Reset(remaining)
		}
		m.mu.Unlock()
		return
	}
	if !m.authenticated {
		m.mu.Unlock()
		return
	}
	err := m.lockLocked(TriggerInactivity)
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	if err != nil {
		m.log.Error().Err(err).Msg("inactivity lock")
	}
	notify(subs, snap)
}

func (m *Machine) scheduleUnblockLocked(now time.Time) {
	m.stopUnblockLocked()
	m.blockTimer = m.clock.AfterFunc(m.rec.BlockExpireTime.Sub(now), m.onBlockExpired)
}

func (m *Machine) stopUnblockLocked() {
	if m.blockTimer != nil {
		m.blockTimer.Stop()
		m.blockTimer = nil
	}
}

func (m *Machine) onBlockExpired() {
	m.mu.Lock()
	if m.closed || m.rec.BlockExpireTime.IsZero() || m.rec.blocked(m.clock.Now()) {
		m.mu.Unlock()
		return
	}
	m.rec.BlockExpireTime = time.Time{}
	m.rec.FailedAttempts = 0
	m.blockTimer = nil
	// The persisted expiry is already in the past, so a failed write
	// changes nothing on the next restore.
	err := m.records.save(m.rec)
	snap, subs := m.publishLocked()
	m.mu.Unlock()

	if err != nil {
		m.log.Warn().Err(err).Msg("persist block expiry")
	}
	m.log.Info().Msg("credential block expired")
	notify(subs, snap)
}

func (m *Machine) timeUntilLockLocked(now time.Time) time.Duration {
	if m.state != StateActive || !m.rec.Enabled || m.idleTimer == nil {
		return 0
	}
	if remaining := m.deadline.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

func (m *Machine) snapshotLocked() Snapshot {
	now := m.clock.Now()
	s := Snapshot{
		State:          m.state,
		Enabled:        m.rec.Enabled,
		Authenticated:  m.authenticated,
		FailedAttempts: m.rec.FailedAttempts,
		LastUnlockTime: m.rec.LastUnlockTime,
		LastActiveTime: m.lastActive,
		TimeUntilLock:  m.timeUntilLockLocked(now),
	}
	if m.rec.blocked(now) {
		s.Blocked = true
		s.BlockExpireTime = m.rec.BlockExpireTime
	}
	return s
}

func (m *Machine) publishLocked() (Snapshot, []func(Snapshot)) {
	subs := make([]func(Snapshot), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	return m.snapshotLocked(), subs
}

func notify(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}
