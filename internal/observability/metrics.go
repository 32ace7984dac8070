package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the orchestration engine
type MetricsCollector struct {
	meter metric.Meter

	// Poll loop metrics
	pollTicks    metric.Int64Counter
	pollErrors   metric.Int64Counter
	partsEmitted metric.Int64Counter

	// Prompt metrics
	promptsSent   metric.Int64Counter
	promptLatency metric.Float64Histogram

	// Output extraction metrics
	extractions metric.Int64Counter

	// Session metrics
	sessionsActive metric.Int64UpDownCounter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("tether")

	pollTicks, err := meter.Int64Counter(
		"tether.poll.ticks.total",
		metric.WithDescription("Total number of poll ticks executed"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll_ticks counter: %w", err)
	}

	pollErrors, err := meter.Int64Counter(
		"tether.poll.errors.total",
		metric.WithDescription("Total number of poll ticks that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll_errors counter: %w", err)
	}

	partsEmitted, err := meter.Int64Counter(
		"tether.parts.emitted.total",
		metric.WithDescription("Total number of normalized parts emitted to the event sink"),
		metric.WithUnit("{part}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create parts_emitted counter: %w", err)
	}

	promptsSent, err := meter.Int64Counter(
		"tether.prompts.sent.total",
		metric.WithDescription("Total number of prompts dispatched to the remote runtime"),
		metric.WithUnit("{prompt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prompts_sent counter: %w", err)
	}

	promptLatency, err := meter.Float64Histogram(
		"tether.prompt.latency",
		metric.WithDescription("Prompt round-trip latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt_latency histogram: %w", err)
	}

	extractions, err := meter.Int64Counter(
		"tether.extractions.total",
		metric.WithDescription("Total number of output extraction runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create extractions counter: %w", err)
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"tether.sessions.active",
		metric.WithDescription("Number of active sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_active gauge: %w", err)
	}

	collector := &MetricsCollector{
		meter:          meter,
		pollTicks:      pollTicks,
		pollErrors:     pollErrors,
		partsEmitted:   partsEmitted,
		promptsSent:    promptsSent,
		promptLatency:  promptLatency,
		extractions:    extractions,
		sessionsActive: sessionsActive,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m != nil && m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordPollTick records one completed poll tick
func (m *MetricsCollector) RecordPollTick(ctx context.Context, changed bool) {
	if m == nil || m.pollTicks == nil {
		return
	}
	m.pollTicks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("status_changed", changed)))
}

// RecordPollError records a failed poll tick
func (m *MetricsCollector) RecordPollError(ctx context.Context) {
	if m == nil || m.pollErrors == nil {
		return
	}
	m.pollErrors.Add(ctx, 1)
}

// RecordPartEmitted records a normalized part sent to the event sink
func (m *MetricsCollector) RecordPartEmitted(ctx context.Context, partType string, update bool) {
	if m == nil || m.partsEmitted == nil {
		return
	}
	m.partsEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("part_type", partType),
		attribute.Bool("update", update),
	))
}

// RecordPrompt records a prompt dispatch and its round-trip latency
func (m *MetricsCollector) RecordPrompt(ctx context.Context, status string, latency time.Duration) {
	if m == nil || m.promptsSent == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.promptsSent.Add(ctx, 1, attrs)
	m.promptLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordExtraction records an output extraction run
func (m *MetricsCollector) RecordExtraction(ctx context.Context, recovered bool, keys int) {
	if m == nil || m.extractions == nil {
		return
	}
	m.extractions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("recovered", recovered),
		attribute.Int("keys", keys),
	))
}

// IncrementActiveSessions increments the active sessions counter
func (m *MetricsCollector) IncrementActiveSessions(ctx context.Context) {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// DecrementActiveSessions decrements the active sessions counter
func (m *MetricsCollector) DecrementActiveSessions(ctx context.Context) {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}
