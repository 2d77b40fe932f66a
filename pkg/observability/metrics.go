// Package observability exports jobgate metrics through OpenTelemetry with a
// Prometheus scrape endpoint.
package observability

import (
	"context"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sciencegateway/jobgate/pkg/agent"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/submission"
)

const meterName = "jobgate"

// Metrics covers submissions, SSH sessions and the HTTP intake.
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider

	SubmissionsTotal    metric.Int64Counter
	VerifyAttemptsTotal metric.Int64Counter
	JobsInFlight        metric.Int64UpDownCounter

	SSHConnectionsTotal metric.Int64Counter
	SSHEvictionsTotal   metric.Int64Counter
	CommandDuration     metric.Float64Histogram

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
}

var _ submission.Metrics = &Metrics{}

// NewMetrics registers every instrument on a private Prometheus registry and
// returns the handler that serves it.
func NewMetrics(_ context.Context) (*Metrics, http.Handler, error) {
	reg := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, errors.WrapAndTrace(err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)
	m := &Metrics{meter: meter, provider: provider}

	if m.SubmissionsTotal, err = meter.Int64Counter(
		"jobgate_submissions",
		metric.WithDescription("Submissions by compute resource and resulting job state"),
	); err != nil {
		return nil, nil, errors.WrapAndTrace(err)
	}
	if m.VerifyAttemptsTotal, err = meter.Int64Counter(
		"jobgate_verify_attempts",
		metric.WithDescription("Scheduler queries made to confirm a submitted job"),
	); err != nil {
		return nil, nil, errors.WrapAndTrace(err)
	}
	if m.JobsInFlight, err = meter.Int64UpDownCounter(
		"jobgate_jobs_in_flight",
		metric.WithDescription("Submissions currently being orchestrated"),
	); err != nil {
		return nil, nil, errors.WrapAndTrace(err)
	}
	if m.SSHConnectionsTotal, err = meter.Int64Counter(
		"jobgate_ssh_connections",
		metric.WithDescription("SSH connections dialed"),
	); err != nil {
		return nil, nil, errors.WrapAndTrace(err)
	}
	if m.SSHEvictionsTotal, err = meter.Int64Counter(
		"jobgate_ssh_evictions",
		metric.WithDescription("SSH connections dropped after a transport failure"),
	); err != nil {
		return nil, nil, errors.WrapAndTrace(err)
	}
	if m.CommandDuration, err = meter.Float64Histogram(
		"jobgate_command_duration_seconds",
		metric.WithDescription("Remote command latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, nil, errors.WrapAndTrace(err)
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"jobgate_http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, nil, errors.WrapAndTrace(err)
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"jobgate_http_requests",
		metric.WithDescription("HTTP requests by route and status class"),
	); err != nil {
		return nil, nil, errors.WrapAndTrace(err)
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// ObserveQueueDepth reports depth() as a gauge on every scrape.
func (m *Metrics) ObserveQueueDepth(depth func() int64) error {
	_, err := m.meter.Int64ObservableGauge(
		"jobgate_queue_depth",
		metric.WithDescription("Submissions waiting for a worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(depth())
			return nil
		}),
	)
	return errors.WrapAndTrace(err)
}

func (m *Metrics) RecordSubmission(ctx context.Context, resourceID string, state entity.JobState) {
	m.SubmissionsTotal.Add(ctx, 1, metric.WithAttributes(resourceAttr(resourceID), stateAttr(state)))
}

func (m *Metrics) RecordVerifyAttempt(ctx context.Context, resourceID string, found bool) {
	m.VerifyAttemptsTotal.Add(ctx, 1, metric.WithAttributes(resourceAttr(resourceID), foundAttr(found)))
}

func (m *Metrics) AddInFlight(ctx context.Context, delta int64) {
	m.JobsInFlight.Add(ctx, delta)
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), routeAttr(route), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

// PoolOptions returns SSH pool hooks feeding the session metrics.
func (m *Metrics) PoolOptions() []agent.Option {
	return []agent.Option{
		agent.WithConnectionHook(m.connectionOpened),
		agent.WithEvictionHook(m.connectionEvicted),
		agent.WithCommandHook(m.commandObserved),
	}
}

func (m *Metrics) connectionOpened(key entity.EndpointKey) {
	m.SSHConnectionsTotal.Add(context.Background(), 1, metric.WithAttributes(endpointAttr(key)))
}

func (m *Metrics) connectionEvicted(key entity.EndpointKey, cause error) {
	m.SSHEvictionsTotal.Add(context.Background(), 1, metric.WithAttributes(endpointAttr(key), opAttr(cause)))
}

func (m *Metrics) commandObserved(key entity.EndpointKey, elapsed time.Duration, err error) {
	m.CommandDuration.Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(endpointAttr(key), successAttr(err == nil)))
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	return errors.WrapAndTrace(m.provider.Shutdown(ctx))
}
