package pairing

import (
	"strings"
	"testing"
)

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"ab-c1 23":  "ABC123",
		"ABC123":    "ABC123",
		" q7k2m9\n": "Q7K2M9",
		"é-ü":       "",
		"":          "",
	}
	for in, want := range cases {
		if got := NormalizeCode(in); got != want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidCode(t *testing.T) {
	valid := []string{"ABC123", "000000", "Q7K2M9"}
	invalid := []string{"abc123", "ABC12", "ABC1234", "ABC-12", ""}
	for _, s := range valid {
		if !ValidCode(s) {
			t.Errorf("ValidCode(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if ValidCode(s) {
			t.Errorf("ValidCode(%q) = true, want false", s)
		}
	}
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if !ValidCode(code) {
			t.Fatalf("generated code %q does not validate", code)
		}
		for _, r := range code {
			if !strings.ContainsRune(CodeAlphabet, r) {
				t.Fatalf("code %q contains %q outside alphabet", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 190 {
		t.Errorf("expected mostly unique codes, got %d distinct of 200", len(seen))
	}
}
