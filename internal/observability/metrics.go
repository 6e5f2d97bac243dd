// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Telemetry metrics
	SamplesAccepted *prometheus.CounterVec
	SamplesDropped  *prometheus.CounterVec
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency prometheus.Histogram
	StaleTokens     prometheus.Gauge

	// Chain metrics
	RPCCallLatency    *prometheus.HistogramVec
	PoolSubscriptions prometheus.Gauge
	PoolsResolved     prometheus.Counter

	// Risk metrics
	Evaluations       prometheus.Counter
	EvaluationsShared prometheus.Counter
	StateTransitions  *prometheus.CounterVec
	ActiveTargets     prometheus.Gauge

	// Protection metrics
	Executions      *prometheus.CounterVec
	SwapSubmissions *prometheus.CounterVec
	Alerts          *prometheus.CounterVec

	// Intake metrics
	WebhookEvents *prometheus.CounterVec

	// API metrics
	HTTPRequests *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rugshield"
	}

	return &Metrics{
		SamplesAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "samples_accepted_total",
			Help:      "Samples appended to the time-series store by source",
		}, []string{"source"}),
		SamplesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "samples_dropped_total",
			Help:      "Samples rejected by the normalizer by source and reason",
		}, []string{"source", "reason"}),
		ProviderCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "provider_calls_total",
			Help:      "Telemetry provider batch calls by outcome",
		}, []string{"outcome"}),
		ProviderLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "provider_latency_seconds",
			Help:      "Telemetry provider batch call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		StaleTokens: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "stale_tokens",
			Help:      "Tokens whose consecutive poll failures reached the staleness limit",
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		PoolSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "account_subscriptions",
			Help:      "Open accountSubscribe streams",
		}),
		PoolsResolved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "resolved_total",
			Help:      "Pools resolved for monitored tokens",
		}),

		Evaluations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "evaluations_total",
			Help:      "Risk evaluations executed",
		}),
		EvaluationsShared: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "evaluations_coalesced_total",
			Help:      "Evaluation requests served by an in-flight evaluation",
		}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "state_transitions_total",
			Help:      "Risk state transitions by destination state",
		}, []string{"to"}),
		ActiveTargets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "active_targets",
			Help:      "Active monitoring targets",
		}),

		Executions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protection",
			Name:      "executions_total",
			Help:      "Execution record transitions by resulting status",
		}, []string{"status"}),
		SwapSubmissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protection",
			Name:      "swap_submissions_total",
			Help:      "Emergency swap submissions by outcome",
		}, []string{"outcome"}),
		Alerts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protection",
			Name:      "alerts_total",
			Help:      "Alerts raised by kind",
		}, []string{"kind"}),

		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "webhook_events_total",
			Help:      "Balance-change webhook events by result",
		}, []string{"result"}),

		HTTPRequests: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request duration by method, route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSampleAccepted counts an appended sample.
func RecordSampleAccepted(source string) {
	DefaultMetrics.SamplesAccepted.WithLabelValues(source).Inc()
}

// RecordSampleDropped counts a rejected sample.
func RecordSampleDropped(source, reason string) {
	DefaultMetrics.SamplesDropped.WithLabelValues(source, reason).Inc()
}

// RecordProviderCall records a provider batch call.
func RecordProviderCall(outcome string, seconds float64) {
	DefaultMetrics.ProviderCalls.WithLabelValues(outcome).Inc()
	DefaultMetrics.ProviderLatency.Observe(seconds)
}

// SetStaleTokens updates the stale token gauge.
func SetStaleTokens(n int) {
	DefaultMetrics.StaleTokens.Set(float64(n))
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordPoolSubscription adjusts the open subscription gauge.
func RecordPoolSubscription(delta int) {
	DefaultMetrics.PoolSubscriptions.Add(float64(delta))
}

// RecordPoolResolved counts a resolved pool.
func RecordPoolResolved() {
	DefaultMetrics.PoolsResolved.Inc()
}

// RecordEvaluation counts an evaluation; shared marks a coalesced request.
func RecordEvaluation(shared bool) {
	if shared {
		DefaultMetrics.EvaluationsShared.Inc()
		return
	}
	DefaultMetrics.Evaluations.Inc()
}

// RecordStateTransition counts a state change.
func RecordStateTransition(to string) {
	DefaultMetrics.StateTransitions.WithLabelValues(to).Inc()
}

// SetActiveTargets updates the active target gauge.
func SetActiveTargets(n int) {
	DefaultMetrics.ActiveTargets.Set(float64(n))
}

// RecordExecution counts an execution status change.
func RecordExecution(status string) {
	DefaultMetrics.Executions.WithLabelValues(status).Inc()
}

// RecordSwapSubmission counts a swap submission outcome.
func RecordSwapSubmission(outcome string) {
	DefaultMetrics.SwapSubmissions.WithLabelValues(outcome).Inc()
}

// RecordAlert counts a raised alert.
func RecordAlert(kind string) {
	DefaultMetrics.Alerts.WithLabelValues(kind).Inc()
}

// RecordWebhookEvent counts a webhook event result.
func RecordWebhookEvent(result string) {
	DefaultMetrics.WebhookEvents.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an API request.
func RecordHTTPRequest(method, route, status string, seconds float64) {
	DefaultMetrics.HTTPRequests.WithLabelValues(method, route, status).Observe(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
