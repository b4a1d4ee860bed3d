// Package telemetry wires OpenTelemetry metrics, exported via Prometheus,
// for the dispatcher's decision loop. Adapted from the teacher's
// pkg/telemetry/telemetry.go (same exporter/meter-provider wiring), with
// the metric set replaced: query/action/duration counters for the rule
// engine's accept/drop verdicts and per-upstream failures instead of the
// teacher's cache/blocklist/rate-limit counters, none of which this
// dispatcher has.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"go.opentelemetry.io/otel/attribute"

	"dispatchd/internal/logging"
)

// Config controls whether and where metrics are exported.
type Config struct {
	Enabled bool
	Listen  string
}

// Telemetry owns the meter provider and, when enabled, the Prometheus
// scrape endpoint.
type Telemetry struct {
	cfg    Config
	meter  metric.MeterProvider
	server *http.Server
	logger *logging.Logger

	queriesTotal  metric.Int64Counter
	queryDuration metric.Float64Histogram
	dropped       metric.Int64Counter
	failures      metric.Int64Counter
}

// New builds the meter provider (no-op when cfg.Enabled is false) and
// registers the dispatcher's metric instruments.
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = logging.Global()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		t := &Telemetry{cfg: cfg, meter: noop.NewMeterProvider(), logger: logger}
		return t, t.initInstruments()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("dispatchd"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	t := &Telemetry{cfg: cfg, meter: provider, logger: logger}
	if err := t.initInstruments(); err != nil {
		return nil, err
	}
	if err := t.startServer(); err != nil {
		return nil, err
	}
	logger.Info("telemetry enabled", "listen", cfg.Listen)
	return t, nil
}

func (t *Telemetry) initInstruments() error {
	meter := t.meter.Meter("dispatchd")

	queriesTotal, err := meter.Int64Counter("dispatch.queries.total",
		metric.WithDescription("Total DNS queries dispatched"))
	if err != nil {
		return fmt.Errorf("creating queries counter: %w", err)
	}
	queryDuration, err := meter.Float64Histogram("dispatch.query.duration",
		metric.WithDescription("Per-upstream query duration"), metric.WithUnit("ms"))
	if err != nil {
		return fmt.Errorf("creating query duration histogram: %w", err)
	}
	dropped, err := meter.Int64Counter("dispatch.responses.dropped",
		metric.WithDescription("Candidate responses dropped by the response rule engine"))
	if err != nil {
		return fmt.Errorf("creating dropped counter: %w", err)
	}
	failures, err := meter.Int64Counter("dispatch.upstream.failures",
		metric.WithDescription("Upstream query failures (timeout, I/O, protocol errors)"))
	if err != nil {
		return fmt.Errorf("creating failures counter: %w", err)
	}

	t.queriesTotal = queriesTotal
	t.queryDuration = queryDuration
	t.dropped = dropped
	t.failures = failures
	return nil
}

func (t *Telemetry) startServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	t.server = &http.Server{
		Addr:              t.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("telemetry server failed", "error", err)
		}
	}()
	return nil
}

// RecordQuery implements dispatcher.Metrics: one observation per upstream
// response the rule engine judged, tagged with its accept/drop verdict.
func (t *Telemetry) RecordQuery(upstream string, action string, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("upstream", upstream), attribute.String("action", action))
	t.queriesTotal.Add(ctx, 1, attrs)
	t.queryDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	if action == "drop" {
		t.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("upstream", upstream)))
	}
}

// RecordFailure implements dispatcher.Metrics: one upstream query failed
// outright (timeout, dial error, protocol error) rather than returning a
// judgeable response.
func (t *Telemetry) RecordFailure(upstream string) {
	t.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("upstream", upstream)))
}

// Shutdown stops the Prometheus scrape server and the SDK meter provider,
// if either was started.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry server shutdown: %w", err)
		}
	}
	if provider, ok := t.meter.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("meter provider shutdown: %w", err)
		}
	}
	return nil
}
