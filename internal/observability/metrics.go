package observability

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Bucket layouts shared by the histograms below.
var (
	requestBuckets  = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	deliveryBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionBuckets   = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800}
	lockBuckets     = []float64{0.001, 0.01, 0.1, 1, 5, 10, 30, 60, 300, 600}
	runBuckets      = []float64{1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600}
)

// Metrics records the service's latency, traffic, error and saturation
// signals for HTTP requests, runs, actions, build containers and webhook
// delivery.
type Metrics struct {
	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
	httpErrors   metric.Int64Counter

	runDuration metric.Float64Histogram
	runs        metric.Int64Counter
	runsActive  metric.Int64UpDownCounter

	actionDuration metric.Float64Histogram
	actionFailures metric.Int64Counter
	lockWait       metric.Float64Histogram
	notifications  metric.Int64Counter
	orphans        metric.Int64Counter

	buildDuration metric.Float64Histogram
	buildsActive  metric.Int64UpDownCounter

	deliveryDuration metric.Float64Histogram
	delivered        metric.Int64Counter
	deliveryFailed   metric.Int64Counter
	dropped          metric.Int64Counter
	requeued         metric.Int64Counter
	queueSize        metric.Int64Gauge
}

// instruments collects the first error while creating instruments so
// NewMetrics can declare them without checking each one.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	in.err = errors.Join(in.err, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return c
}

func (in *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64Gauge {
	g, err := in.meter.Int64Gauge(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return g
}

// NewMetrics registers the service metrics with a Prometheus exporter and
// returns the scrape handler.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	in := &instruments{meter: provider.Meter("cdpipeline")}
	m := &Metrics{
		httpDuration: in.histogram("http_request_duration_seconds", "HTTP request latency in seconds", requestBuckets),
		httpRequests: in.counter("http_requests_total", "Total number of HTTP requests"),
		httpErrors:   in.counter("http_errors_total", "Total number of HTTP responses with status 4xx or 5xx"),

		runDuration: in.histogram("pipeline_run_duration_seconds", "Pipeline run duration in seconds", runBuckets),
		runs:        in.counter("pipeline_runs_total", "Total number of pipeline runs by terminal state"),
		runsActive:  in.upDown("pipeline_runs_active", "Number of runs currently in progress"),

		actionDuration: in.histogram("pipeline_action_duration_seconds", "Action execution duration in seconds", actionBuckets),
		actionFailures: in.counter("pipeline_action_failures_total", "Total number of failed actions by error kind"),
		lockWait:       in.histogram("stack_lock_wait_seconds", "Time a stage waited for exclusive use of its stacks", lockBuckets),
		notifications:  in.counter("notifications_total", "Total run notifications by delivery outcome"),
		orphans:        in.counter("changesets_orphaned_total", "Total change sets left prepared but not executed"),

		buildDuration: in.histogram("build_container_duration_seconds", "Build container duration in seconds", runBuckets),
		buildsActive:  in.upDown("build_containers_active", "Number of build containers currently running"),

		deliveryDuration: in.histogram("dispatcher_duration_seconds", "Webhook delivery latency in seconds", deliveryBuckets),
		delivered:        in.counter("dispatcher_delivered_total", "Total events delivered"),
		deliveryFailed:   in.counter("dispatcher_failed_total", "Total events that failed after retries"),
		dropped:          in.counter("dispatcher_dropped_total", "Total events dropped because the queue was full or requeues ran out"),
		requeued:         in.counter("dispatcher_requeued_total", "Total events requeued behind an open circuit"),
		queueSize:        in.gauge("dispatcher_queue_size", "Events waiting in the dispatcher queue"),
	}
	if in.err != nil {
		return nil, nil, in.err
	}
	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records one served request under its route.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(route), statusAttr(statusCode))
	m.httpDuration.Record(ctx, durationSeconds, attrs)
	m.httpRequests.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.httpErrors.Add(ctx, 1, attrs)
	}
}

// RecordRunStarted records a run entering Running.
func (m *Metrics) RecordRunStarted(ctx context.Context, pipeline string) {
	m.runsActive.Add(ctx, 1, metric.WithAttributes(pipelineAttr(pipeline)))
}

// RecordRunFinished records a run reaching a terminal state.
func (m *Metrics) RecordRunFinished(ctx context.Context, pipeline, state, errorKind string, durationSeconds float64) {
	p := pipelineAttr(pipeline)
	m.runs.Add(ctx, 1, metric.WithAttributes(p, stateAttr(state), errorKindAttr(errorKind)))
	m.runDuration.Record(ctx, durationSeconds, metric.WithAttributes(p, stateAttr(state)))
	m.runsActive.Add(ctx, -1, metric.WithAttributes(p))
}

// RecordAction records an action reaching a result.
func (m *Metrics) RecordAction(ctx context.Context, pipeline, kind string, success bool, errorKind string, durationSeconds float64) {
	p, k := pipelineAttr(pipeline), kindAttr(kind)
	m.actionDuration.Record(ctx, durationSeconds, metric.WithAttributes(p, k, successAttr(success)))
	if !success {
		m.actionFailures.Add(ctx, 1, metric.WithAttributes(p, k, errorKindAttr(errorKind)))
	}
}

// RecordStackLockWait records how long a stage waited for its stacks.
func (m *Metrics) RecordStackLockWait(ctx context.Context, pipeline string, waitSeconds float64) {
	m.lockWait.Record(ctx, waitSeconds, metric.WithAttributes(pipelineAttr(pipeline)))
}

// RecordNotification records the outcome of a run's notification.
func (m *Metrics) RecordNotification(ctx context.Context, pipeline string, delivered bool) {
	m.notifications.Add(ctx, 1, metric.WithAttributes(pipelineAttr(pipeline), deliveredAttr(delivered)))
}

// RecordOrphans records change sets a run left behind.
func (m *Metrics) RecordOrphans(ctx context.Context, pipeline string, count int) {
	if count > 0 {
		m.orphans.Add(ctx, int64(count), metric.WithAttributes(pipelineAttr(pipeline)))
	}
}

// RecordBuildStarted records a build container starting.
func (m *Metrics) RecordBuildStarted(ctx context.Context, image string) {
	m.buildsActive.Add(ctx, 1, metric.WithAttributes(imageAttr(image)))
}

// RecordBuildCompleted records a build container exiting.
func (m *Metrics) RecordBuildCompleted(ctx context.Context, image string, success bool, durationSeconds float64) {
	m.buildDuration.Record(ctx, durationSeconds, metric.WithAttributes(imageAttr(image), successAttr(success)))
	m.buildsActive.Add(ctx, -1, metric.WithAttributes(imageAttr(image)))
}

func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.delivered.Add(ctx, 1)
	m.deliveryDuration.Record(ctx, durationSeconds)
}

func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.deliveryFailed.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.dropped.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.requeued.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.queueSize.Record(ctx, size)
}
