package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/scanlink/internal/config"
	"github.com/nextlevelbuilder/scanlink/internal/pairing"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, identity and backend reachability",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("scanlink doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Identity:")
	checkIdentity(cfg)

	fmt.Println()
	fmt.Println("  Backend:")
	fmt.Printf("    %-12s %s\n", "API:", cfg.API.BaseURL)
	checkHealth(ctx, cfg.API.BaseURL)
	checkRealtime(ctx, cfg.Realtime.URL)
	if cfg.DevServer.RedisURL != "" {
		checkRedis(ctx, cfg.DevServer.RedisURL)
	}

	fmt.Println()
	fmt.Println("  Clipboard:")
	switch runtime.GOOS {
	case "darwin":
		checkBinary("pbcopy")
	case "windows":
		fmt.Printf("    %-12s built in\n", "clip:")
	default:
		checkBinary("xclip")
		checkBinary("xsel")
		checkBinary("wl-copy")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkIdentity(cfg *config.Config) {
	id, err := identitySource(cfg).Identity()
	if err != nil {
		fmt.Printf("    %-12s %s\n", "Token:", err)
		fmt.Printf("    %-12s run `scanlink login`\n", "")
		return
	}
	fmt.Printf("    %-12s %s\n", "Token:", maskToken(id.Token))
	fmt.Printf("    %-12s %s\n", "User id:", id.UserID)
}

func maskToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", 8) + token[len(token)-4:]
}

func checkHealth(ctx context.Context, base string) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		fmt.Printf("    %-12s %s\n", "Health:", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Health:", err)
		return
	}
	defer resp.Body.Close()

	var body struct {
		Desktops int `json:"desktops"`
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("    %-12s HTTP %d (not a scanlink devserver?)\n", "Health:", resp.StatusCode)
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Printf("    %-12s OK\n", "Health:")
		return
	}
	fmt.Printf("    %-12s OK (%d desktops waiting)\n", "Health:", body.Desktops)
}

func checkRealtime(ctx context.Context, url string) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		fmt.Printf("    %-12s %s UNREACHABLE (%s)\n", "Realtime:", url, err)
		return
	}
	conn.Close()
	fmt.Printf("    %-12s %s (OK)\n", "Realtime:", url)
}

func checkRedis(ctx context.Context, url string) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rs, err := pairing.NewRedisStoreFromURL(ctx, url)
	if err != nil {
		fmt.Printf("    %-12s %s\n", "Redis:", err)
		return
	}
	rs.Close()
	fmt.Printf("    %-12s OK\n", "Redis:")
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
