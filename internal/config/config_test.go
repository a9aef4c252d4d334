package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	t.Setenv(EnvRealtimeURL, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "http://localhost:8080" {
		t.Errorf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.Realtime.URL != "ws://localhost:8080/ws" {
		t.Errorf("realtime url = %q", cfg.Realtime.URL)
	}
	if cfg.CodeTTL() != 10*time.Minute {
		t.Errorf("code ttl = %v", cfg.CodeTTL())
	}
}

func TestLoad_JSON5(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	t.Setenv(EnvRealtimeURL, "")

	path := filepath.Join(t.TempDir(), "config.json5")
	data := `{
		// comments are allowed
		api: { base_url: "https://api.example.com/", timeout_ms: 5000 },
		pairing: { code_ttl_seconds: 120 },
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "https://api.example.com" {
		t.Errorf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.Realtime.URL != "wss://api.example.com/ws" {
		t.Errorf("realtime url = %q", cfg.Realtime.URL)
	}
	if cfg.APITimeout() != 5*time.Second {
		t.Errorf("timeout = %v", cfg.APITimeout())
	}
	if cfg.CodeTTL() != 2*time.Minute {
		t.Errorf("code ttl = %v", cfg.CodeTTL())
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	t.Setenv(EnvAPIURL, "http://10.0.0.5:9000")
	t.Setenv(EnvRealtimeURL, "ws://10.0.0.5:9001/socket")
	t.Setenv(EnvUserID, "u42")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "api:\n  base_url: http://ignored:1\ndevserver:\n  validate_rpm: 7\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "http://10.0.0.5:9000" {
		t.Errorf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.Realtime.URL != "ws://10.0.0.5:9001/socket" {
		t.Errorf("realtime url = %q", cfg.Realtime.URL)
	}
	if cfg.Auth.UserID != "u42" {
		t.Errorf("user id = %q", cfg.Auth.UserID)
	}
	if cfg.DevServer.ValidateRPM != 7 {
		t.Errorf("validate rpm = %d", cfg.DevServer.ValidateRPM)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte("{api: "), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := map[string]string{
		"localhost:8080/":           "http://localhost:8080",
		" https://api.example.com ": "https://api.example.com",
		"http://host/prefix/":       "http://host/prefix",
		"http://host/path?x=1#frag": "http://host/path",
	}
	for in, want := range cases {
		got, err := NormalizeBaseURL(in)
		if err != nil {
			t.Errorf("NormalizeBaseURL(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}

	for _, bad := range []string{"", "ftp://host", "http://"} {
		if _, err := NormalizeBaseURL(bad); err == nil {
			t.Errorf("NormalizeBaseURL(%q) expected error", bad)
		}
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Setenv(EnvCodeTTL, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	if err := os.WriteFile(path, []byte(`{pairing: {code_ttl_seconds: 60}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond

	var ttl atomic.Int64
	w.OnChange(func(cfg *Config) { ttl.Store(int64(cfg.CodeTTL())) })
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(`{pairing: {code_ttl_seconds: 90}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if time.Duration(ttl.Load()) == 90*time.Second {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("watcher did not reload, ttl = %v", time.Duration(ttl.Load()))
}
