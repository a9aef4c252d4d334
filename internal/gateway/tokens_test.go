package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nextlevelbuilder/scanlink/internal/auth"
	"github.com/nextlevelbuilder/scanlink/internal/pairing"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	ti := NewTokenIssuer("s3cret")
	tok, err := ti.Mint(alice, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	owner, err := ti.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if owner != alice {
		t.Errorf("owner = %+v, want %+v", owner, alice)
	}

	// Clients read the user id without the secret.
	uid, err := auth.UserIDFromToken(tok)
	if err != nil || uid != "u1" {
		t.Errorf("UserIDFromToken = %q, %v", uid, err)
	}
}

func TestTokenIssuer_Rejects(t *testing.T) {
	ti := NewTokenIssuer("s3cret")

	expired, _ := ti.Mint(alice, time.Nanosecond)
	time.Sleep(time.Millisecond)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	other, _ := NewTokenIssuer("different").Mint(alice, time.Hour)

	for name, tok := range map[string]string{
		"empty":   "",
		"garbage": "abc.def.ghi",
		"expired": expired,
		"none":    none,
		"forged":  other,
	} {
		if _, err := ti.Verify(tok); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: err = %v, want ErrUnauthorized", name, err)
		}
	}

	if _, err := ti.Mint(pairing.Owner{Name: "Nobody"}, time.Hour); err == nil {
		t.Error("minting without a user id should fail")
	}
}
