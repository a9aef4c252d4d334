package desktop

import "time"

// Status is the visible connection status of a desktop pairing session.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusWaiting       Status = "waiting"
	StatusConnected     Status = "connected"
	StatusError         Status = "error"
	StatusChannelError  Status = "channel_error"
	StatusChannelClosed Status = "channel_closed"
)

// Failed reports whether s is one of the error states. All of them recover
// through Regenerate.
func (s Status) Failed() bool {
	return s == StatusError || s == StatusChannelError || s == StatusChannelClosed
}

// State is a snapshot of the controller. Raw errors never appear here, only
// messages safe to show a user.
type State struct {
	Status       Status
	Code         string
	ErrorMessage string
	// Notice is a transient, non-fatal message (clipboard result).
	Notice string
	// ExpiresAt is when the current code stops being accepted; zero without a code.
	ExpiresAt time.Time
	// Registered is set once the backend confirmed the registration. Backends may never send it.
	Registered bool
	// AuthRequired marks an error that needs a new login before regenerating helps.
	AuthRequired bool
}

// RecoveryHint describes the action that gets a failed session going again.
func (s State) RecoveryHint() string {
	switch {
	case !s.Status.Failed():
		return ""
	case s.AuthRequired:
		return "Log in again, then generate a new code."
	default:
		return "Generate a new code to try again."
	}
}
