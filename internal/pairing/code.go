// Package pairing holds the pairing code format shared by both clients and the
// code stores used by the reference backend.
//
// A pairing code is 6 uppercase alphanumeric characters. Generated codes use the
// alphabet ABCDEFGHJKLMNPQRSTUVWXYZ23456789 (no 0, O, 1, I, L) so they can be
// read aloud and typed on a phone; validation accepts the full [A-Z0-9] range.
package pairing

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// CodeAlphabet excludes ambiguous characters (0, O, 1, I, L).
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// CodeLength is the number of characters in a pairing code.
	CodeLength = 6
	// DefaultCodeTTL is how long a generated code stays valid.
	DefaultCodeTTL = 10 * time.Minute
)

var codeRe = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// NormalizeCode uppercases s and strips everything that is not an ASCII letter or digit,
// so "ab-c1 23" and "ABC123" are the same code.
func NormalizeCode(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, s)
}

// ValidCode reports whether s is exactly a 6-character uppercase alphanumeric code.
func ValidCode(s string) bool {
	return codeRe.MatchString(s)
}

// GenerateCode returns a random code drawn from CodeAlphabet.
// The alphabet has 32 symbols, so byte%32 is unbiased.
func GenerateCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	code := make([]byte, CodeLength)
	for i := range code {
		code[i] = CodeAlphabet[int(b[i])%len(CodeAlphabet)]
	}
	return string(code), nil
}
