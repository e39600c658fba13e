package authclient

import "github.com/rs/zerolog"

// Notifier receives the transient user-facing notifications the dashboard
// showed as toasts: login progress, login outcome, and logout.
type Notifier interface {
	LoggingIn()
	LoginSucceeded()
	LoginFailed(err error)
	LoggedOut()
}

// LogNotifier renders notifications as log events.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier returns a Notifier writing to log.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) LoggingIn() {
	n.log.Info().Msg("logging in")
}

func (n *LogNotifier) LoginSucceeded() {
	n.log.Info().Msg("login succeeded")
}

func (n *LogNotifier) LoginFailed(err error) {
	n.log.Warn().Err(err).Msg("login failed")
}

func (n *LogNotifier) LoggedOut() {
	n.log.Info().Msg("logged out")
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) LoggingIn()        {}
func (NopNotifier) LoginSucceeded()   {}
func (NopNotifier) LoginFailed(error) {}
func (NopNotifier) LoggedOut()        {}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = NopNotifier{}
)
