// Package auth resolves the signed-in user's identity token. The pairing core only
// reads it; the login command is the only writer.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zalando/go-keyring"
)

var (
	// ErrNoToken means no identity token is stored or configured.
	ErrNoToken = errors.New("no authentication token")
	// ErrNoUserID means the token carries no usable user id claim.
	ErrNoUserID = errors.New("token carries no user id")
)

// Identity is the signed-in user as seen by the pairing clients.
type Identity struct {
	Token  string
	UserID string
}

// Source resolves the current identity.
type Source interface {
	Identity() (Identity, error)
}

// StaticSource always returns the same identity.
type StaticSource Identity

func (s StaticSource) Identity() (Identity, error) {
	if s.Token == "" {
		return Identity{}, ErrNoToken
	}
	return Identity(s), nil
}

// KeyringSource reads the token from the OS keyring, falling back to FallbackToken.
// UserID, when set, wins over the token's claims.
type KeyringSource struct {
	Service       string
	User          string
	FallbackToken string
	UserID        string
}

func (s KeyringSource) Identity() (Identity, error) {
	token, err := keyring.Get(s.Service, s.User)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		if s.FallbackToken == "" {
			return Identity{}, fmt.Errorf("read keyring: %w", err)
		}
	}
	if token == "" {
		token = s.FallbackToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrNoToken
	}

	userID := s.UserID
	if userID == "" {
		userID, err = UserIDFromToken(token)
		if err != nil {
			return Identity{}, err
		}
	}
	return Identity{Token: token, UserID: userID}, nil
}

// SaveToken stores token in the OS keyring.
func SaveToken(service, user, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}
	if err := keyring.Set(service, user, strings.TrimSpace(token)); err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	return nil
}

// DeleteToken removes the stored token. Missing entries are not an error.
func DeleteToken(service, user string) error {
	if err := keyring.Delete(service, user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete keyring: %w", err)
	}
	return nil
}

// userIDClaims are checked in order.
var userIDClaims = []string{"sub", "userId", "user_id", "id"}

// UserIDFromToken extracts the user id from a JWT without verifying its signature.
// The backend verifies the token; the client only needs the id for registration.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoUserID, err)
	}
	for _, key := range userIDClaims {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", v), nil
		}
	}
	return "", ErrNoUserID
}
