package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/scanlink/internal/apiclient"
	"github.com/nextlevelbuilder/scanlink/internal/auth"
	"github.com/nextlevelbuilder/scanlink/internal/config"
	"github.com/nextlevelbuilder/scanlink/internal/desktop"
	"github.com/nextlevelbuilder/scanlink/internal/realtime"
)

var errPairingAbandoned = errors.New("pairing abandoned")

func desktopCmd() *cobra.Command {
	var (
		qrPNG  string
		noCopy bool
	)
	cmd := &cobra.Command{
		Use:   "desktop",
		Short: "Show a pairing code and wait for a phone to connect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDesktop(cmd.Context(), loadConfig(), qrPNG, !noCopy)
		},
	}
	cmd.Flags().StringVar(&qrPNG, "qr-png", "", "also write the QR code to this PNG file")
	cmd.Flags().BoolVar(&noCopy, "no-copy", false, "do not copy the code to the clipboard")
	return cmd
}

func identitySource(cfg *config.Config) auth.Source {
	return auth.KeyringSource{
		Service:       cfg.Auth.KeyringService,
		User:          cfg.Auth.KeyringUser,
		FallbackToken: cfg.Auth.Token,
		UserID:        cfg.Auth.UserID,
	}
}

func newAPIClient(cfg *config.Config) *apiclient.Client {
	return apiclient.New(apiclient.Config{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.APITimeout(),
	})
}

func runDesktop(parent context.Context, cfg *config.Config, qrPNG string, copyCode bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	flush := initTelemetry(ctx, cfg, "desktop")
	defer flush()

	ctrl := desktop.New(desktop.Options{
		Generator: newAPIClient(cfg),
		Opener:    desktop.DialerOpener{Dialer: realtime.NewDialer(cfg.Realtime.URL, cfg.PingInterval())},
		Identity:  identitySource(cfg),
		CodeTTL:   cfg.CodeTTL(),
	})
	defer ctrl.Close()

	// Listeners must not call back into the controller, so they only hand the
	// latest snapshot to the loop below.
	updates := make(chan desktop.State, 1)
	unsubscribe := ctrl.Subscribe(func(s desktop.State) {
		select {
		case <-updates:
		default:
		}
		updates <- s
	})
	defer unsubscribe()

	fmt.Println(titleStyle.Render("scanlink desktop pairing"))
	fmt.Println(mutedStyle.Render("  API: " + cfg.API.BaseURL))
	fmt.Println()

	if err := ctrl.Start(ctx); err != nil {
		slog.Debug("desktop: first code request", "error", err)
	}

	var shown desktop.State
	for {
		var st desktop.State
		select {
		case <-ctx.Done():
			fmt.Println(mutedStyle.Render("Cancelled."))
			return nil
		case st = <-updates:
		}

		ch := diffState(shown, st)
		if ch.newCode {
			showCode(ctrl, st, qrPNG)
			if copyCode {
				// The notice arrives as a separate update.
				_ = ctrl.CopyCode()
			}
		}
		if ch.registered {
			fmt.Println(mutedStyle.Render("Waiting for a phone to scan the code..."))
		}
		if ch.notice != "" {
			fmt.Println(noticeStyle.Render(ch.notice))
		}
		if ch.connected {
			fmt.Println(okStyle.Render("✓ Phone connected. Continue on your phone to upload documents."))
			return nil
		}
		if ch.failed {
			fmt.Println(errStyle.Render("✗ " + st.ErrorMessage))
			fmt.Println(mutedStyle.Render("  " + st.RecoveryHint()))
			if st.AuthRequired {
				fmt.Println(mutedStyle.Render("  Run: scanlink login"))
			}
			again, err := promptConfirm("Generate a new code?", true)
			if err != nil || !again {
				return errPairingAbandoned
			}
			if err := ctrl.Regenerate(ctx); err != nil {
				slog.Debug("desktop: regenerate", "error", err)
			}
			shown = desktop.State{}
			continue
		}
		shown = st
	}
}

// stateChange lists what the terminal must render for one update. Updates are
// coalesced, so one snapshot can carry several changes at once.
type stateChange struct {
	newCode    bool
	registered bool
	notice     string
	connected  bool
	failed     bool
}

func diffState(shown, st desktop.State) stateChange {
	var ch stateChange
	waiting := st.Status == desktop.StatusWaiting
	ch.newCode = waiting && st.Code != shown.Code
	ch.registered = waiting && st.Registered && (!shown.Registered || st.Code != shown.Code)
	if st.Notice != "" && (st.Notice != shown.Notice || st.Code != shown.Code) {
		ch.notice = st.Notice
	}
	ch.connected = st.Status == desktop.StatusConnected
	ch.failed = st.Status.Failed() && (st.Status != shown.Status || st.ErrorMessage != shown.ErrorMessage)
	return ch
}

func showCode(ctrl *desktop.Controller, st desktop.State, qrPNG string) {
	if qr, err := ctrl.QRTerminal(); err == nil {
		fmt.Println(qr)
	} else {
		slog.Warn("desktop: render QR", "error", err)
	}
	fmt.Println(codeStyle.Render(st.Code))
	if !st.ExpiresAt.IsZero() {
		fmt.Println(mutedStyle.Render("  Expires at " + st.ExpiresAt.Local().Format("15:04:05")))
	}
	if qrPNG == "" {
		return
	}
	png, err := ctrl.QRPNG(0)
	if err == nil {
		err = os.WriteFile(qrPNG, png, 0o644)
	}
	if err != nil {
		slog.Warn("desktop: write QR png", "path", qrPNG, "error", err)
		return
	}
	fmt.Println(mutedStyle.Render("  QR written to " + qrPNG))
}
