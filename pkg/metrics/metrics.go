// Package metrics declares the Prometheus collectors the promise
// subsystem publishes, grounded on the donor's pkg/store metrics surface
// (which reflected pebble.Metrics() into gauges) but pointed at the
// domain counters spec.md §4.5/§4.2 actually require rather than storage
// engine internals.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PromiseFulfillerSuccesses counts every promise whose action
	// completed and was deleted, regardless of attempt number.
	PromiseFulfillerSuccesses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "promisedb",
		Subsystem: "fulfiller",
		Name:      "successes_total",
		Help:      "Promises successfully fulfilled and removed.",
	})

	// PromiseFulfillerDelayedSuccesses counts the subset of successes
	// where AttemptCount > 1 at the time of fulfillment — i.e. the
	// promise needed more than one attempt (salvaged or retried).
	PromiseFulfillerDelayedSuccesses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "promisedb",
		Subsystem: "fulfiller",
		Name:      "delayed_successes_total",
		Help:      "Promises fulfilled after more than one attempt.",
	})

	// PromiseFulfillerErrors counts action invocations or delete steps
	// that failed for a reason other than outer cancellation.
	PromiseFulfillerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "promisedb",
		Subsystem: "fulfiller",
		Name:      "errors_total",
		Help:      "Fulfillment attempts that failed and were deferred to the salvager.",
	})

	// ResilienceAttempts records the 1-based attempt number of every
	// resilience-wrapped operation, labeled by the operation's name.
	ResilienceAttempts = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "promisedb",
		Subsystem: "resilience",
		Name:      "attempt_number",
		Help:      "1-based attempt number of each resilience pipeline invocation.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	}, []string{"operation"})

	// SalvageBatchSize records how many due promises each salvager batch
	// actually drained.
	SalvageBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "promisedb",
		Subsystem: "salvager",
		Name:      "batch_size",
		Help:      "Number of due promises drained per salvager batch.",
		Buckets:   []float64{0, 1, 2, 5, 10},
	})

	// RetentionStaleDetected counts promises the retention sweeper found
	// past due by more than the configured staleness threshold.
	RetentionStaleDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "promisedb",
		Subsystem: "retention",
		Name:      "stale_due_promises_total",
		Help:      "Promises observed past due beyond the retention staleness threshold.",
	})
)

// Registry is the collector registry the admin HTTP front exposes on
// /metrics. It is a dedicated registry (rather than the global default)
// holding only the domain metrics below; no Go runtime or process
// collector is registered on it.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		PromiseFulfillerSuccesses,
		PromiseFulfillerDelayedSuccesses,
		PromiseFulfillerErrors,
		ResilienceAttempts,
		SalvageBatchSize,
		RetentionStaleDetected,
	)
}
