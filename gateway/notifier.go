package gateway

import "github.com/rs/zerolog"

// SessionExpiredMessage is shown to the user when the session cannot be
// recovered.
const SessionExpiredMessage = "Your session has expired. Please log in again."

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is a user-visible message (toast).
type Notice struct {
	Level   Level
	Message string
}

// Notifier surfaces notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) {
	f(n)
}

type logNotifier struct {
	log zerolog.Logger
}

// LogNotifier writes notices to the logger; used when the host has no UI.
func LogNotifier(log zerolog.Logger) Notifier {
	return logNotifier{log: log}
}

func (l logNotifier) Notify(n Notice) {
	if n.Level == LevelError {
		l.log.Error().Msg(n.Message)
		return
	}
	l.log.Info().Msg(n.Message)
}
