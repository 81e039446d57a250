package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionsTotal counts intake decisions by outcome
// (accepted/duplicate/rejected/throttled).
var AdmissionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "settlementd_admissions_total",
		Help: "Total number of intake admission decisions by outcome",
	},
	[]string{"outcome"},
)

// QueueDepth tracks transactions queued across all batching pipelines,
// admitted but not yet cut into a chunk.
var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "settlementd_queue_depth",
		Help: "Transactions admitted but not yet chunked",
	},
)

// DeferredTransactions tracks members parked for the next chunk cycle.
var DeferredTransactions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "settlementd_deferred_transactions",
		Help: "Transactions deferred to a later chunk cycle",
	},
)

// ChunksFormed counts chunk cuts by trigger (size/timeout/drain).
var ChunksFormed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "settlementd_chunks_formed_total",
		Help: "Total number of chunks cut from batching queues by trigger",
	},
	[]string{"trigger"},
)

// Solver metrics
var (
	SolverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlementd_solver_duration_seconds",
			Help:    "Latency in seconds of cost-solver runs per chunk",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	SolverOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlementd_solver_outcomes_total",
			Help: "Total number of solver runs by outcome (solved/timeout/error)",
		},
		[]string{"outcome"},
	)
)

// BatchesTotal counts batches by optimization status
// (OPTIMAL/FALLBACK/INFEASIBLE).
var BatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "settlementd_batches_total",
		Help: "Total number of batches produced by status",
	},
	[]string{"status"},
)

// NettingReduction records the per-batch transfer reduction ratio
// (gross-net)/gross achieved by multilateral netting.
var NettingReduction = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "settlementd_netting_reduction_ratio",
		Help:    "Per-batch reduction of transfer count achieved by netting",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	},
)

// Ledger metrics
var (
	LedgerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlementd_ledger_events_total",
			Help: "Total number of ledger events emitted by type",
		},
		[]string{"type"},
	)

	LedgerAppendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settlementd_ledger_append_failures_total",
			Help: "Total number of ledger appends that failed after retries",
		},
	)
)

func init() {
	prometheus.MustRegister(AdmissionsTotal, QueueDepth, DeferredTransactions, ChunksFormed)
	prometheus.MustRegister(SolverDuration, SolverOutcomes, BatchesTotal, NettingReduction)
	prometheus.MustRegister(LedgerEvents, LedgerAppendFailures)
}
