package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records state-transition activity: per-block execution
// latency, transaction outcomes, commit latency and era transitions.
type EngineMetrics struct {
	blockDuration  prometheus.Histogram
	blockTxs       prometheus.Histogram
	transactions   *prometheus.CounterVec
	commitDuration prometheus.Histogram
	eraTransitions prometheus.Counter
	queryDuration  prometheus.Histogram
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			blockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "meridian",
				Subsystem: "engine",
				Name:      "block_execution_duration_seconds",
				Help:      "Wall-clock time spent executing a full block.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			}),
			blockTxs: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "meridian",
				Subsystem: "engine",
				Name:      "block_transaction_count",
				Help:      "Number of transactions per executed block.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "engine",
				Name:      "transactions_total",
				Help:      "Executed transactions segmented by outcome.",
			}, []string{"outcome"}),
			commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "meridian",
				Subsystem: "engine",
				Name:      "commit_duration_seconds",
				Help:      "Time spent committing effects to global state.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
			}),
			eraTransitions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "engine",
				Name:      "era_transitions_total",
				Help:      "Completed era-end step executions.",
			}),
			queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "meridian",
				Subsystem: "engine",
				Name:      "query_duration_seconds",
				Help:      "Latency of global state queries.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			engineRegistry.blockDuration,
			engineRegistry.blockTxs,
			engineRegistry.transactions,
			engineRegistry.commitDuration,
			engineRegistry.eraTransitions,
			engineRegistry.queryDuration,
		)
	})
	return engineRegistry
}

// ObserveBlockExecution records one executed block.
func (m *EngineMetrics) ObserveBlockExecution(duration time.Duration, txCount int) {
	if m == nil {
		return
	}
	m.blockDuration.Observe(duration.Seconds())
	m.blockTxs.Observe(float64(txCount))
}

// IncTransaction records one transaction outcome ("success" or "failure").
func (m *EngineMetrics) IncTransaction(outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
}

// ObserveCommit records one commit of effects.
func (m *EngineMetrics) ObserveCommit(duration time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(duration.Seconds())
}

// IncEraTransition records one era-end step.
func (m *EngineMetrics) IncEraTransition() {
	if m == nil {
		return
	}
	m.eraTransitions.Inc()
}

// ObserveQuery records one state query.
func (m *EngineMetrics) ObserveQuery(duration time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.Observe(duration.Seconds())
}
