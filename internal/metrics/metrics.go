package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_guard_refresh_total",
			Help: "Token refresh calls by outcome.",
		},
		[]string{"outcome"},
	)
	RefreshWaiters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_guard_refresh_waiters_total",
			Help: "Requests that joined an already running refresh.",
		},
	)
	SessionExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_guard_session_expired_total",
			Help: "Session expiry escalations.",
		},
	)
	LockTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_guard_lock_transitions_total",
			Help: "Soft lock state transitions by target state and trigger.",
		},
		[]string{"state", "trigger"},
	)
	VerifyAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_guard_verify_attempts_total",
			Help: "Step-up verification attempts by credential kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func Register(registry prometheus.Registerer) {
	registry.MustRegister(RefreshTotal, RefreshWaiters, SessionExpiredTotal, LockTransitions, VerifyAttempts)
}
