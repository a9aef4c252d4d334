package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nextlevelbuilder/scanlink/internal/pairing"
)

// ErrUnauthorized is returned when a bearer token is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the payload of a scanlink identity token.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 identity tokens for local development.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer for secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Mint signs a token for owner. ttl <= 0 means no expiry.
func (t *TokenIssuer) Mint(owner pairing.Owner, ttl time.Duration) (string, error) {
	if owner.UserID == "" {
		return "", fmt.Errorf("mint token: empty user id")
	}
	now := time.Now()
	claims := Claims{
		Name:  owner.Name,
		Email: owner.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  owner.UserID,
			Issuer:   "scanlink",
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks the signature and expiry of token and returns its owner.
func (t *TokenIssuer) Verify(token string) (pairing.Owner, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return pairing.Owner{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return pairing.Owner{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return pairing.Owner{UserID: claims.Subject, Name: claims.Name, Email: claims.Email}, nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}
