package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/andresuchdata/batchflow/internal/pipeline"
)

// Metrics tracks item throughput, failures and saturation of the pipeline
// plus request metrics of the status API. It is a pipeline.Observer.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	ItemsStarted    metric.Int64Counter
	ItemsFinished   metric.Int64Counter
	ItemsActive     metric.Int64UpDownCounter
	ItemDuration    metric.Float64Histogram
	CleanupFailures metric.Int64Counter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
}

// NewMetrics registers all instruments on a private Prometheus registry and
// returns the handler serving it.
func NewMetrics() (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("batchflow")
	m := &Metrics{provider: provider}

	m.ItemsStarted, err = meter.Int64Counter(
		"batchflow_items_started_total",
		metric.WithDescription("Items picked up by the orchestrator"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ItemsFinished, err = meter.Int64Counter(
		"batchflow_items_finished_total",
		metric.WithDescription("Items that reached a final outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ItemsActive, err = meter.Int64UpDownCounter(
		"batchflow_items_active",
		metric.WithDescription("Items currently in flight"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ItemDuration, err = meter.Float64Histogram(
		"batchflow_item_duration_seconds",
		metric.WithDescription("Wall time from fetch to cleanup"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 30, 60, 300, 900, 1800, 3600, 4*3600, 12*3600, 24*3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CleanupFailures, err = meter.Int64Counter(
		"batchflow_cleanup_failures_total",
		metric.WithDescription("Compensation actions that did not succeed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"batchflow_http_request_duration_seconds",
		metric.WithDescription("Status API latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"batchflow_http_requests_total",
		metric.WithDescription("Status API requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func (m *Metrics) ItemStarted(ctx context.Context, _ pipeline.WorkItem) {
	m.ItemsStarted.Add(ctx, 1)
	m.ItemsActive.Add(ctx, 1)
}

func (m *Metrics) ItemFinished(ctx context.Context, result *pipeline.Result) {
	attrs := metric.WithAttributes(
		outcomeAttr(string(result.Outcome)),
		stageAttr(result.Stage.String()),
	)
	m.ItemsFinished.Add(ctx, 1, attrs)

	// Skipped items never started.
	if result.Outcome == pipeline.OutcomeSkipped {
		return
	}
	m.ItemsActive.Add(ctx, -1)
	m.ItemDuration.Record(ctx, result.Duration().Seconds(), metric.WithAttributes(outcomeAttr(string(result.Outcome))))

	for _, action := range result.Cleanup.Failed() {
		m.CleanupFailures.Add(ctx, 1, metric.WithAttributes(resourceAttr(action.Resource)))
	}
}

// RecordHTTPRequest records a handled status API request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), routeAttr(route), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

var _ pipeline.Observer = (*Metrics)(nil)
