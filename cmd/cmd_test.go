package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/nextlevelbuilder/scanlink/internal/apiclient"
	"github.com/nextlevelbuilder/scanlink/internal/config"
	"github.com/nextlevelbuilder/scanlink/internal/desktop"
	"github.com/nextlevelbuilder/scanlink/internal/pairing"
)

func TestRedactConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DevServer.RedisURL = "redis://:pw@localhost:6379/0"
	cfg.Telemetry.Headers = map[string]string{"authorization": "Bearer abc"}

	raw := redactConfig(cfg)
	dev := raw["devserver"].(map[string]any)
	if dev["jwt_secret"] != "****" || dev["redis_url"] != "****" {
		t.Errorf("devserver secrets not redacted: %v", dev)
	}
	if dev["addr"] != cfg.DevServer.Addr {
		t.Errorf("addr = %v, want %q", dev["addr"], cfg.DevServer.Addr)
	}
	headers := raw["telemetry"].(map[string]any)["headers"].(map[string]any)
	if headers["authorization"] != "****" {
		t.Errorf("header not redacted: %v", headers)
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("short"); got != "*****" {
		t.Errorf("maskToken(short) = %q", got)
	}
	if got := maskToken("eyJhbGciOiJIUzI1NiJ9.payload.sig1"); got != "eyJh********sig1" {
		t.Errorf("maskToken = %q", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&apiclient.APIError{Kind: apiclient.KindServer}, true},
		{&apiclient.APIError{Kind: apiclient.KindTransport}, true},
		{&apiclient.APIError{Kind: apiclient.KindAuth}, false},
		{&apiclient.APIError{Kind: apiclient.KindValidation}, false},
		{errors.New("no files"), false},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestOpenCodeStore(t *testing.T) {
	cfg := config.Default()
	store, closeStore, err := openCodeStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	closeStore()
	if _, ok := store.(*pairing.MemoryStore); !ok {
		t.Errorf("store = %T, want *pairing.MemoryStore", store)
	}

	mr := miniredis.RunT(t)
	cfg.DevServer.RedisURL = "redis://" + mr.Addr()
	store, closeStore, err = openCodeStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	defer closeStore()
	if _, ok := store.(*pairing.RedisStore); !ok {
		t.Errorf("store = %T, want *pairing.RedisStore", store)
	}
}

func TestDiffState(t *testing.T) {
	waiting := desktop.State{Status: desktop.StatusWaiting, Code: "ABC123"}
	registered := waiting
	registered.Registered = true
	copied := registered
	copied.Notice = desktop.MsgCopied

	cases := []struct {
		name      string
		shown, st desktop.State
		want      stateChange
	}{
		{"first code", desktop.State{}, waiting, stateChange{newCode: true}},
		{"code, registration and notice in one update", desktop.State{}, copied,
			stateChange{newCode: true, registered: true, notice: desktop.MsgCopied}},
		{"registration and notice together", waiting, copied,
			stateChange{registered: true, notice: desktop.MsgCopied}},
		{"nothing new", copied, copied, stateChange{}},
		{"connected", copied, desktop.State{Status: desktop.StatusConnected, Code: "ABC123"},
			stateChange{connected: true}},
		{"expired keeps old notice quiet", copied,
			desktop.State{Status: desktop.StatusError, Code: "ABC123", Notice: desktop.MsgCopied, ErrorMessage: desktop.MsgExpired},
			stateChange{failed: true}},
	}
	for _, tc := range cases {
		if got := diffState(tc.shown, tc.st); got != tc.want {
			t.Errorf("%s: diffState = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}
