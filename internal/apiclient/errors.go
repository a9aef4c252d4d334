package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/scanlink/internal/auth"
)

// Kind classifies a failed REST call.
type Kind string

const (
	KindAuth       Kind = "auth"       // missing token or 401/403
	KindValidation Kind = "validation" // invalid, expired or already used code; bad upload input
	KindTransport  Kind = "transport"  // network failure, timeout, unreadable response
	KindServer     Kind = "server"     // any other non-2xx
)

// APIError is returned by every Client method on failure.
// Message is safe to show to a user; Err keeps the underlying cause for logs.
type APIError struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsKind reports whether err is an APIError of kind k.
func IsKind(err error, k Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == k
}

// Generic user-facing messages.
const (
	MsgGeneric   = "Could not complete the operation. Please try again."
	MsgAuth      = "Your session has expired. Please log in again."
	MsgNoToken   = "You need to log in before pairing a device."
	MsgTransport = "Could not reach the server. Check your connection and try again."
	MsgTimeout   = "The request timed out. Please try again."
)

// UserMessage converts any error into a message safe for the view layer.
// Raw transport or HTTP details never leak through it.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		switch apiErr.Kind {
		case KindAuth:
			return MsgAuth
		case KindTransport:
			return MsgTransport
		}
		return MsgGeneric
	}

	switch {
	case errors.Is(err, auth.ErrNoToken), errors.Is(err, auth.ErrNoUserID):
		return MsgNoToken
	case errors.Is(err, context.DeadlineExceeded):
		return MsgTimeout
	case errors.Is(err, context.Canceled):
		return "The operation was cancelled."
	}

	slog.Warn("unclassified client error", "error", err)
	return MsgGeneric
}
