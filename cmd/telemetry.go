package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/scanlink/internal/config"
	"github.com/nextlevelbuilder/scanlink/internal/tracing/otelexport"
)

// initTelemetry wires the OTLP exporter when telemetry.endpoint is set.
// The returned func flushes pending spans and is always safe to call.
func initTelemetry(ctx context.Context, cfg *config.Config, role string) func() {
	shutdown, err := otelexport.Setup(ctx, otelexport.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName + "-" + role,
		Version:     Version,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		slog.Warn("failed to create OTel exporter", "error", err)
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.Debug("otel shutdown", "error", err)
		}
	}
}
