package stepup

import "time"

// LockoutPolicy bounds consecutive failures for one credential kind.
type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
}

// DefaultLockoutPolicies is 3 attempts then 5 minutes for every kind.
func DefaultLockoutPolicies() map[Kind]LockoutPolicy {
	return map[Kind]LockoutPolicy{
		KindPIN:       {MaxAttempts: 3, Duration: 5 * time.Minute},
		KindPasscode:  {MaxAttempts: 3, Duration: 300 * time.Second},
		KindBiometric: {MaxAttempts: 3, Duration: 5 * time.Minute},
	}
}

// AttemptCounter counts consecutive failures and opens a lockout window at
// the policy maximum. It is not safe for concurrent use; Session guards it.
type AttemptCounter struct {
	policy      LockoutPolicy
	failures    int
	lockedUntil time.Time
}

func NewAttemptCounter(policy LockoutPolicy) *AttemptCounter {
	return &AttemptCounter{policy: policy}
}

func (c *AttemptCounter) Failures() int {
	return c.failures
}

func (c *AttemptCounter) Policy() LockoutPolicy {
	return c.policy
}

// LockedOut reports whether the lockout window is open at now.
func (c *AttemptCounter) LockedOut(now time.Time) bool {
	return !c.lockedUntil.IsZero() && now.Before(c.lockedUntil)
}

// Remaining returns how long the lockout has left at now.
func (c *AttemptCounter) Remaining(now time.Time) time.Duration {
	if !c.LockedOut(now) {
		return 0
	}
	return c.lockedUntil.Sub(now)
}

func (c *AttemptCounter) LockedUntil() time.Time {
	return c.lockedUntil
}

// Fail records a failure and reports whether it opened the lockout window.
func (c *AttemptCounter) Fail(now time.Time) bool {
	c.failures++
	if c.failures >= c.policy.MaxAttempts {
		c.lockedUntil = now.Add(c.policy.Duration)
		return true
	}
	return false
}

// Succeed clears the counter.
func (c *AttemptCounter) Succeed() {
	c.failures = 0
	c.lockedUntil = time.Time{}
}

// Expire clears a lockout window that has passed and reports whether it did.
func (c *AttemptCounter) Expire(now time.Time) bool {
	if c.lockedUntil.IsZero() || c.LockedOut(now) {
		return false
	}
	c.Succeed()
	return true
}
