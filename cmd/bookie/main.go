package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/bookie/bookie"
	"github.com/INLOpen/bookie/config"
	"github.com/INLOpen/bookie/hooks"
	"github.com/INLOpen/bookie/server"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates an OpenTelemetry TracerProvider exporting to
// the configured OTLP collector.
func initTracerProvider(cfg config.TracingConfig, bookieID string, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String("bookie"),
		semconv.ServiceInstanceIDKey.String(bookieID),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// registerHooks logs slow flushes and journal rolls.
func registerHooks(hm hooks.HookManager, logger *slog.Logger) {
	hm.Register(hooks.EventPostFlushWriteCache, hooks.ListenerFunc{Async: true, Fn: func(_ context.Context, ev hooks.HookEvent) error {
		p := ev.Payload().(hooks.FlushWriteCachePayload)
		if p.Error != nil || p.Duration > 5*time.Second {
			logger.Warn("Slow or failed write cache flush", "entries", p.Entries, "bytes", p.Bytes, "duration", p.Duration, "error", p.Error)
		}
		return nil
	}})
	hm.Register(hooks.EventPostJournalRoll, hooks.ListenerFunc{Async: true, Fn: func(_ context.Context, ev hooks.HookEvent) error {
		p := ev.Payload().(hooks.PostJournalRollPayload)
		logger.Debug("Journal rolled", "old_segment", p.OldSegmentIndex, "new_segment", p.NewSegmentIndex)
		return nil
	}})
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration %s: %w", configPath, err)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	opts, err := cfg.BookieOptions(logger)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, cfg.Bookie.ID, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()
	opts.TracerProvider = tp
	opts.Metrics = bookie.NewMetrics(true, "bookie_")
	opts.HookManager = hooks.NewHookManager(logger)
	registerHooks(opts.HookManager, logger)

	b, err := bookie.New(opts)
	if err != nil {
		return fmt.Errorf("open bookie: %w", err)
	}
	if err := b.Start(); err != nil {
		_ = b.Shutdown(context.Background())
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.SelfMonitoring.Enabled {
		interval := config.ParseDuration(cfg.SelfMonitoring.Interval, 15*time.Second, logger)
		collector := server.NewSystemCollector([]string{opts.JournalDir, opts.LedgerDir}, interval, logger)
		collector.Start()
		defer collector.Stop()
	}

	if cfg.Debug.Enabled {
		metricSrv := server.NewMetricsServer(&cfg.Debug, b.Ready, logger)
		g.Go(metricSrv.Start)
		g.Go(func() error {
			<-gctx.Done()
			metricSrv.Stop(context.Background())
			return nil
		})
	}

	logger.Info("Bookie running. Press Ctrl+C to exit.", "bookie_id", b.ID())
	<-gctx.Done()
	logger.Info("Shutdown signal received. Stopping bookie...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	shutdownErr := b.Shutdown(shutdownCtx)
	if err := g.Wait(); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr == nil {
		logger.Info("Bookie exited gracefully.")
	}
	return shutdownErr
}

func main() {
	configPath := flag.String("config", "bookie.yaml", "Path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Bookie failed", "error", err)
		os.Exit(1)
	}
}
