// Command dispatchq is the telemetry dispatch server. It loads
// configuration, builds the tracker with the bundled modules and serves the
// HTTP API until SIGINT or SIGTERM.
//
// Usage:
//
//	dispatchq [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/dispatchq/internal/config"
	"github.com/snehjoshi/dispatchq/internal/metrics"
	"github.com/snehjoshi/dispatchq/internal/tracker"
	transphttp "github.com/snehjoshi/dispatchq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level := new(slog.LevelVar)
	if lv, ok := tracker.ParseLevel(cfg.Log.Level); ok {
		level.Set(lv)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 3. Metrics and tracing ───────────────────────────────────────────────
	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.NewRegistry()
	}
	tp, err := tracerProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// ── 4. Build the tracker ─────────────────────────────────────────────────
	t, err := tracker.New(cfg, tracker.BuiltinFactories(cfg, nil),
		tracker.WithLogger(logger),
		tracker.WithLogLevel(level),
		tracker.WithMetrics(reg),
		tracker.WithTracerProvider(tp),
	)
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}

	// ── 5. Serve until a signal arrives ──────────────────────────────────────
	srv := transphttp.New(t, cfg, reg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dispatchq ready", "instance_id", t.InstanceID(), "addr", cfg.Addr())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := t.Shutdown(shutCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracker shutdown: %w", err))
		}
		if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
			if err := sdk.Shutdown(shutCtx); err != nil {
				errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("dispatchq stopped")
	return nil
}

// tracerProvider exports spans over OTLP/HTTP when tracing is enabled. The
// exporter reads the standard OTEL_EXPORTER_OTLP_* variables.
func tracerProvider(ctx context.Context, cfg *config.Config) (oteltrace.TracerProvider, error) {
	if !cfg.Tracing.Enabled {
		return otel.GetTracerProvider(), nil
	}
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.Tracing.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
