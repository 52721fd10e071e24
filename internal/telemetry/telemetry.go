package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

type telemetry struct {
	tracerProvider *sdktrace.TracerProvider

	scanCounter  metric.Int64Counter
	scanDuration metric.Float64Histogram
	issueCounter metric.Int64Counter
	probeCounter metric.Int64Counter
}

// New returns a no-op recorder unless telemetry is enabled, in which case
// spans are exported over OTLP/HTTP and counters go to the global meter.
func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t, err := newRecorder(otel.Meter(cfg.ServiceName))
	if err != nil {
		return nil, err
	}
	t.tracerProvider = tp
	return t, nil
}

func newRecorder(meter metric.Meter) (*telemetry, error) {
	scanCounter, err := meter.Int64Counter("scout.scans.total",
		metric.WithDescription("Application scans by terminal status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	scanDuration, err := meter.Float64Histogram("scout.scan.duration",
		metric.WithDescription("Application scan duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	issueCounter, err := meter.Int64Counter("scout.issues.total",
		metric.WithDescription("Issues raised by check type and severity"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	probeCounter, err := meter.Int64Counter("scout.probes.total",
		metric.WithDescription("HTTP probes sent to targets"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		scanCounter:  scanCounter,
		scanDuration: scanDuration,
		issueCounter: issueCounter,
		probeCounter: probeCounter,
	}, nil
}

func (t *telemetry) RecordScan(ctx context.Context, status types.ScanStatus, durationSeconds float64) {
	attrs := metric.WithAttributes(attribute.String("scan.status", string(status)))
	t.scanCounter.Add(ctx, 1, attrs)
	t.scanDuration.Record(ctx, durationSeconds, attrs)
}

func (t *telemetry) RecordIssue(ctx context.Context, checkType types.CheckType, severity types.Severity) {
	t.issueCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("issue.check_type", string(checkType)),
		attribute.String("issue.severity", string(severity)),
	))
}

func (t *telemetry) RecordProbe(ctx context.Context, method string, statusCode int) {
	t.probeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.status_class", statusClass(statusCode)),
	))
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

// Noop returns a recorder that drops everything.
func Noop() core.Telemetry { return noopTelemetry{} }

func (noopTelemetry) RecordScan(context.Context, types.ScanStatus, float64) {}
func (noopTelemetry) RecordIssue(context.Context, types.CheckType, types.Severity) {}
func (noopTelemetry) RecordProbe(context.Context, string, int) {}
func (noopTelemetry) Close() error { return nil }
