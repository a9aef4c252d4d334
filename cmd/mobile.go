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
	"github.com/nextlevelbuilder/scanlink/internal/config"
	"github.com/nextlevelbuilder/scanlink/internal/mobile"
	"github.com/nextlevelbuilder/scanlink/internal/scanner"
)

func mobileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mobile",
		Short: "Act as the phone: connect with a pairing code and upload documents",
	}
	cmd.AddCommand(mobileConnectCmd())
	cmd.AddCommand(mobileUploadCmd())
	return cmd
}

func mobileConnectCmd() *cobra.Command {
	var scan []string
	cmd := &cobra.Command{
		Use:   "connect [code]",
		Short: "Validate a pairing code (typed, or decoded from images with --scan)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := loadConfig()
			defer initTelemetry(ctx, cfg, "mobile")()

			ctrl := newMobileController(cfg)
			defer ctrl.Close()

			return connectMobile(ctx, cfg, ctrl, firstArg(args), scan)
		},
	}
	cmd.Flags().StringSliceVar(&scan, "scan", nil, "image files to scan for the QR code, tried in order")
	return cmd
}

func mobileUploadCmd() *cobra.Command {
	var (
		code    string
		batchID string
		scan    []string
	)
	cmd := &cobra.Command{
		Use:   "upload --code CODE [--batch ID] file...",
		Short: "Connect with a pairing code and upload documents to the desktop user's batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := loadConfig()
			defer initTelemetry(ctx, cfg, "mobile")()

			ctrl := newMobileController(cfg)
			defer ctrl.Close()

			if err := connectMobile(ctx, cfg, ctrl, code, scan); err != nil {
				return err
			}
			if batchID != "" {
				if err := ctrl.SetTargetBatchID(batchID); err != nil {
					return err
				}
			}
			return uploadStaged(ctx, ctrl, args)
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "pairing code shown on the desktop")
	cmd.Flags().StringVar(&batchID, "batch", "", "upload into this batch instead of the one returned on connect")
	cmd.Flags().StringSliceVar(&scan, "scan", nil, "image files to scan for the QR code instead of --code")
	return cmd
}

func newMobileController(cfg *config.Config) *mobile.Controller {
	client := newAPIClient(cfg)
	return mobile.New(mobile.Options{
		Validator: client,
		Uploader:  client,
		Identity:  identitySource(cfg),
		Previewer: mobile.ThumbnailPreviewer{},
	})
}

// connectMobile resolves a code from the argument, a scan or a prompt, then
// validates it.
func connectMobile(ctx context.Context, cfg *config.Config, ctrl *mobile.Controller, code string, scan []string) error {
	switch {
	case code != "":
	case len(scan) > 0:
		scanned, err := scanCode(ctx, cfg, ctrl, scan)
		if err != nil {
			return err
		}
		code = scanned
	default:
		prompted, err := promptCode()
		if err != nil {
			return err
		}
		code = prompted
	}

	if err := ctrl.SubmitCode(ctx, code); err != nil {
		st := ctrl.State()
		fmt.Println(errStyle.Render("✗ " + st.ErrorMessage))
		return err
	}

	st := ctrl.State()
	fmt.Println(okStyle.Render("✓ Connected with code " + st.EnteredCode))
	if st.Owner != nil && (st.Owner.Name != "" || st.Owner.Email != "") {
		fmt.Printf("  Uploading for: %s %s\n", st.Owner.Name, mutedStyle.Render("<"+st.Owner.Email+">"))
	}
	fmt.Printf("  Batch:         %s\n", st.TargetBatchID)
	return nil
}

// scanCode runs the QR scanner over image files until one yields a code.
func scanCode(ctx context.Context, cfg *config.Config, ctrl *mobile.Controller, paths []string) (string, error) {
	engine := &scanner.ImageEngine{
		Source: &scanner.FileSource{Paths: paths},
		FPS:    float64(cfg.Pairing.ScannerFPS),
	}

	results := make(chan string, 1)
	failures := make(chan error, 1)
	adapter := scanner.NewAdapter(engine, cfg.ScannerStopDebounce(),
		func(text string) {
			select {
			case results <- text:
			default:
			}
		},
		func(err error) {
			select {
			case failures <- err:
			default:
			}
		},
	)
	defer adapter.Close()

	fmt.Println(mutedStyle.Render("Scanning for a pairing code..."))
	adapter.SetVisible(true)
	defer adapter.SetVisible(false)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-failures:
		ctrl.ScanFailed(scanner.Message(err))
		msg := ctrl.State().ScanError
		fmt.Println(errStyle.Render("✗ " + msg))
		return "", err
	case text := <-results:
		if err := ctrl.ScanCode(text); err != nil {
			fmt.Println(errStyle.Render("✗ " + ctrl.State().ScanError))
			return "", err
		}
		code := ctrl.State().EnteredCode
		slog.Debug("mobile: scanned code", "code", code)
		return code, nil
	}
}

// uploadStaged stages paths and submits them, offering a retry with the same
// staged set on failure.
func uploadStaged(ctx context.Context, ctrl *mobile.Controller, paths []string) error {
	if err := ctrl.Stage(paths...); err != nil {
		fmt.Println(errStyle.Render("Some files were skipped:"))
		fmt.Println(mutedStyle.Render("  " + err.Error()))
	}

	st := ctrl.State()
	if len(st.Files) == 0 {
		return errors.New(mobile.MsgNoFiles)
	}
	for _, f := range st.Files {
		line := fmt.Sprintf("  %-32s %8d  %s", f.Name, f.Size, f.ContentType)
		if f.PreviewPath != "" {
			line += mutedStyle.Render("  preview " + f.PreviewPath)
		}
		fmt.Println(line)
	}

	for {
		err := ctrl.SubmitUpload(ctx)
		if err == nil {
			fmt.Println(okStyle.Render("✓ " + ctrl.State().UploadMessage))
			return nil
		}
		fmt.Println(errStyle.Render("✗ " + ctrl.State().UploadError))
		if ctx.Err() != nil || !retryable(err) {
			return err
		}
		again, perr := promptConfirm(fmt.Sprintf("Retry uploading %d files?", len(ctrl.State().Files)), true)
		if perr != nil || !again {
			return err
		}
	}
}

// retryable reports whether resubmitting the same staged set can succeed.
func retryable(err error) bool {
	return apiclient.IsKind(err, apiclient.KindTransport) || apiclient.IsKind(err, apiclient.KindServer)
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
