package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "creditledger"
	unknownLabel     = "unknown"
)

// Metrics exports ledger, generation and webhook counters. Every method is safe on a nil receiver or on
// Metrics built without a registerer.
type Metrics struct {
	gatherer         prometheus.Gatherer
	operations       *prometheus.CounterVec
	operationCredits *prometheus.CounterVec
	generations      *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	sweepRefunded    prometheus.Counter
	sweepFailures    prometheus.Counter
}

// NewMetrics registers the collectors on registry. A nil registry yields no-op metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return &Metrics{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "ledger_operations_total",
		Help:      "Ledger operations by operation and status.",
	}, []string{"operation", "status"})
	operationCredits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "ledger_credits_total",
		Help:      "Absolute credits moved by applied ledger operations.",
	}, []string{"type"})
	generations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "generations_total",
		Help:      "Generation requests by kind and outcome.",
	}, []string{"kind", "outcome"})
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "webhook_events_total",
		Help:      "Store webhook events by event type and action.",
	}, []string{"event_type", "action"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of generation sweeps in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
	sweepRefunded := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sweep_refunded_jobs_total",
		Help:      "Stale generation jobs refunded by the sweeper.",
	})
	sweepFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sweep_failures_total",
		Help:      "Generation sweeps that ended with an error.",
	})
	registry.MustRegister(operations, operationCredits, generations, webhookEvents, sweepDuration, sweepRefunded, sweepFailures)
	return &Metrics{
		gatherer:         registry,
		operations:       operations,
		operationCredits: operationCredits,
		generations:      generations,
		webhookEvents:    webhookEvents,
		sweepDuration:    sweepDuration,
		sweepRefunded:    sweepRefunded,
		sweepFailures:    sweepFailures,
	}
}

// LogOperation counts a ledger operation. Metrics is a ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if metrics == nil || metrics.operations == nil {
		return
	}
	metrics.operations.WithLabelValues(normalizeLabel(entry.Operation), normalizeLabel(entry.Status)).Inc()
	if entry.Error == nil && !entry.Duplicate && entry.Amount != 0 {
		amount := entry.Amount.Int64()
		if amount < 0 {
			amount = -amount
		}
		metrics.operationCredits.WithLabelValues(normalizeLabel(entry.Type.String())).Add(float64(amount))
	}
}

// ObserveGeneration counts one generation request.
func (metrics *Metrics) ObserveGeneration(kind string, outcome string) {
	if metrics == nil || metrics.generations == nil {
		return
	}
	metrics.generations.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

// ObserveWebhookEvent counts one store webhook delivery.
func (metrics *Metrics) ObserveWebhookEvent(eventType string, action string) {
	if metrics == nil || metrics.webhookEvents == nil {
		return
	}
	metrics.webhookEvents.WithLabelValues(normalizeLabel(eventType), normalizeLabel(action)).Inc()
}

func (metrics *Metrics) ObserveSweepDuration(duration time.Duration) {
	if metrics == nil || metrics.sweepDuration == nil {
		return
	}
	metrics.sweepDuration.Observe(duration.Seconds())
}

func (metrics *Metrics) AddRefundedJobs(count int) {
	if metrics == nil || metrics.sweepRefunded == nil {
		return
	}
	metrics.sweepRefunded.Add(float64(count))
}

func (metrics *Metrics) IncSweepFailure() {
	if metrics == nil || metrics.sweepFailures == nil {
		return
	}
	metrics.sweepFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	if metrics == nil || metrics.gatherer == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(metrics.gatherer, promhttp.HandlerOpts{})
}

func normalizeLabel(value string) string {
	if value == "" {
		return unknownLabel
	}
	return value
}
