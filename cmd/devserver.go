package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/scanlink/internal/config"
	"github.com/nextlevelbuilder/scanlink/internal/gateway"
	"github.com/nextlevelbuilder/scanlink/internal/pairing"
)

func devserverCmd() *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run the local reference backend (generate, validate, upload, realtime)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if addr != "" {
				cfg.DevServer.Addr = addr
			}
			return runDevServer(cmd.Context(), cfg, resolveConfigPath(), watch)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides devserver.addr)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload code TTL and validate rate limit when the config file changes")
	return cmd
}

func runDevServer(parent context.Context, cfg *config.Config, cfgPath string, watch bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer initTelemetry(ctx, cfg, "devserver")()

	store, closeStore, err := openCodeStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := gateway.NewServer(gateway.Options{
		Store:       store,
		Tokens:      gateway.NewTokenIssuer(cfg.DevServer.JWTSecret),
		UploadDir:   cfg.DevServer.UploadDir,
		CodeTTL:     cfg.CodeTTL(),
		ValidateRPM: cfg.DevServer.ValidateRPM,
	})

	httpSrv := &http.Server{
		Addr:              cfg.DevServer.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("devserver: listening", "addr", httpSrv.Addr, "upload_dir", cfg.DevServer.UploadDir)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", httpSrv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if watch {
		g.Go(func() error {
			return watchDevServerConfig(gctx, cfgPath, srv)
		})
	}

	fmt.Printf("scanlink devserver on http://%s\n", cfg.DevServer.Addr)
	fmt.Println(mutedStyle.Render("  mint a desktop token with: scanlink token --user <id> --save"))
	return g.Wait()
}

// openCodeStore returns the redis store when devserver.redis_url is set and the
// in-memory store otherwise.
func openCodeStore(ctx context.Context, cfg *config.Config) (pairing.Store, func(), error) {
	if cfg.DevServer.RedisURL == "" {
		return pairing.NewMemoryStore(), func() {}, nil
	}
	rs, err := pairing.NewRedisStoreFromURL(ctx, cfg.DevServer.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("devserver: using redis code store")
	return rs, func() {
		if err := rs.Close(); err != nil {
			slog.Warn("devserver: close redis", "error", err)
		}
	}, nil
}

func watchDevServerConfig(ctx context.Context, cfgPath string, srv *gateway.Server) error {
	w, err := config.NewWatcher(cfgPath)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	w.OnChange(func(cfg *config.Config) {
		srv.SetCodeTTL(cfg.CodeTTL())
		srv.SetValidateRPM(cfg.DevServer.ValidateRPM)
		slog.Info("devserver: config reloaded",
			"code_ttl", cfg.CodeTTL(),
			"validate_rpm", cfg.DevServer.ValidateRPM,
		)
	})
	if err := w.Start(); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	<-ctx.Done()
	w.Stop()
	return nil
}
