package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nextlevelbuilder/scanlink/pkg/protocol"
)

// NormalizeBaseURL trims whitespace and trailing slashes and defaults the scheme to http.
//   - "localhost:8080/"        → "http://localhost:8080"
//   - "https://api.example.com" → unchanged
func NormalizeBaseURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty URL")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// RealtimeURLFromBase derives the realtime channel URL from the REST base URL:
// http → ws, https → wss, path /ws.
func RealtimeURLFromBase(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = protocol.PathRealtime
	return u.String(), nil
}
