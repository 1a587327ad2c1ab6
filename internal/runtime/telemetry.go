package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/polly"
	"github.com/loqalabs/loqa-narrator/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the process-wide trace and metric providers and, when
// telemetry.prometheus_bind is set, the dedicated /metrics listener.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	meters  *sdkmetric.MeterProvider
	metrics http.Handler
	server  *http.Server
	logger  *slog.Logger
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := narratorResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	t := &telemetry{logger: logger.With(slog.String("component", "telemetry"))}
	if t.traces, err = newTraceProvider(ctx, cfg.Telemetry, res, t.logger); err != nil {
		return nil, err
	}
	otel.SetTracerProvider(t.traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	t.meters, t.metrics = newMeterProvider(res, t.logger)
	otel.SetMeterProvider(t.meters)
	if err := registerBuildInfo(t.meters.Meter("github.com/loqalabs/loqa-narrator/runtime"), cfg); err != nil {
		t.logger.Warn("failed to register build info", slog.String("error", err.Error()))
	}
	return t, nil
}

// narratorResource describes this process: which node it is and which
// Polly region and voice it speaks with by default.
func narratorResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(version.Version),
			semconv.ServiceInstanceID(cfg.Node.ID),
			semconv.CloudProviderAWS,
			semconv.CloudRegion(cfg.Speech.Region),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("narration.default_voice", cfg.Speech.Voice),
		),
	)
}

func newTraceProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		otlp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		exporter = otlp
		logger.Info("tracing to otlp", slog.String("endpoint", endpoint))
	} else {
		// stdout carries the JSON log stream, so local spans go to stderr.
		local, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("stderr exporter: %w", err)
		}
		exporter = local
		logger.Info("tracing to stderr")
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// newMeterProvider falls back to a reader-less provider, which keeps every
// instrument usable but exports nothing, when Prometheus cannot register.
func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	exporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res)), promhttp.Handler()
}

// registerBuildInfo exposes a constant 1 labelled with what this node runs,
// so dashboards can join narration metrics to a version and voice.
func registerBuildInfo(meter metric.Meter, cfg config.Config) error {
	info, err := meter.Int64ObservableGauge("narrator.build_info", metric.WithDescription("Narrator build and speech settings"))
	if err != nil {
		return err
	}
	attrs := metric.WithAttributes(
		attribute.String("version", version.Version),
		attribute.String("region", cfg.Speech.Region),
		attribute.String("voice", cfg.Speech.Voice),
		attribute.String("format", polly.OutputFormat),
	)
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(info, 1, attrs)
		return nil
	}, info)
	return err
}

// serveMetrics starts the dedicated /metrics listener on bind and returns
// its address. onError is called if the listener fails after starting.
func (t *telemetry) serveMetrics(bind string, onError func()) (string, error) {
	if t.metrics == nil {
		return "", errors.New("prometheus exporter unavailable")
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", bind, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.metrics)
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("metrics server failed", slog.String("error", err.Error()))
			onError()
		}
	}()
	addr := ln.Addr().String()
	t.logger.Info("metrics listener started", slog.String("addr", addr))
	return addr, nil
}

func (t *telemetry) close(ctx context.Context) error {
	var errs []error
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if t.meters != nil {
		if err := t.meters.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
