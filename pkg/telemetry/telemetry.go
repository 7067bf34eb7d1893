// Package telemetry wires up Prometheus + OpenTelemetry exporters used
// across the project, and hosts the live WebSocket query/health fanout.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/wardendns/wardendns/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config controls telemetry exporter setup. It is not part of the JSON
// config.json contract in spec section 6; operators who want it off simply
// leave PrometheusEnabled false.
type Config struct {
	ServiceName       string
	ServiceVersion    string
	PrometheusPort    int
	Enabled           bool
	PrometheusEnabled bool
	TracingEnabled    bool
}

// DefaultConfig returns the telemetry defaults used when the caller does
// not override them.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "github.com/wardendns/wardendns",
		ServiceVersion: "dev",
		PrometheusPort: 9090,
		Enabled:        true,
	}
}

// Telemetry holds telemetry providers and exporters.
type Telemetry struct {
	cfg                Config
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds every counter/histogram/gauge the query pipeline and its
// supporting subsystems record.
type Metrics struct {
	DNSQueriesTotal   metric.Int64Counter
	DNSQueriesByType  metric.Int64Counter
	DNSQueryDuration  metric.Float64Histogram
	DNSAllowedQueries metric.Int64Counter
	DNSBlockedQueries metric.Int64Counter
	DNSFailedQueries  metric.Int64Counter

	BlocklistSize        metric.Int64UpDownCounter
	BlocklistRefreshes   metric.Int64Counter
	UpstreamErrors       metric.Int64Counter
	UpstreamRestarts     metric.Int64Counter
	StorageWritesBlocked metric.Int64Counter
}

// New creates a Telemetry instance from cfg.
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{cfg: cfg, logger: logger}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		t.tracerProvider = tracenoop.NewTracerProvider()
		otel.SetTracerProvider(t.tracerProvider)
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns every metric instrument.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("github.com/wardendns/wardendns")

	queriesTotal, err := meter.Int64Counter("dns.queries.total",
		metric.WithDescription("Total number of DNS queries received"))
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queriesByType, err := meter.Int64Counter("dns.queries.by_type",
		metric.WithDescription("DNS queries by query type"))
	if err != nil {
		return nil, fmt.Errorf("failed to create queries by type counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram("dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	allowedQueries, err := meter.Int64Counter("dns.queries.allowed",
		metric.WithDescription("Number of queries that matched an allow rule"))
	if err != nil {
		return nil, fmt.Errorf("failed to create allowed queries counter: %w", err)
	}

	blockedQueries, err := meter.Int64Counter("dns.queries.blocked",
		metric.WithDescription("Number of sinkholed queries"))
	if err != nil {
		return nil, fmt.Errorf("failed to create blocked queries counter: %w", err)
	}

	failedQueries, err := meter.Int64Counter("dns.queries.failed",
		metric.WithDescription("Number of queries that received no response"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failed queries counter: %w", err)
	}

	blocklistSize, err := meter.Int64UpDownCounter("blocklist.size",
		metric.WithDescription("Number of domains in the compiled blocklist"))
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist size gauge: %w", err)
	}

	blocklistRefreshes, err := meter.Int64Counter("blocklist.refreshes",
		metric.WithDescription("Number of completed blocklist refresh cycles"))
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist refreshes counter: %w", err)
	}

	upstreamErrors, err := meter.Int64Counter("upstream.errors",
		metric.WithDescription("Number of forward failures to the upstream child"))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream errors counter: %w", err)
	}

	upstreamRestarts, err := meter.Int64Counter("upstream.restarts",
		metric.WithDescription("Number of times the upstream child was restarted"))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream restarts counter: %w", err)
	}

	storageWritesBlocked, err := meter.Int64Counter("storage.writes.blocked",
		metric.WithDescription("Number of times LogRequest blocked waiting for buffer space"))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage writes blocked counter: %w", err)
	}

	return &Metrics{
		DNSQueriesTotal:      queriesTotal,
		DNSQueriesByType:     queriesByType,
		DNSQueryDuration:     queryDuration,
		DNSAllowedQueries:    allowedQueries,
		DNSBlockedQueries:    blockedQueries,
		DNSFailedQueries:     failedQueries,
		BlocklistSize:        blocklistSize,
		BlocklistRefreshes:   blocklistRefreshes,
		UpstreamErrors:       upstreamErrors,
		UpstreamRestarts:     upstreamRestarts,
		StorageWritesBlocked: storageWritesBlocked,
	}, nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider { return t.meterProvider }

// TracerProvider returns the tracer provider.
func (t *Telemetry) TracerProvider() trace.TracerProvider { return t.tracerProvider }

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
