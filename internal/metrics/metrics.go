// Package metrics exposes Prometheus instrumentation for the quotation
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts finished QuoteRequests by terminal status
	// (DONE, AWAITING_REVIEW, ERROR, CANCELLED).
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quote_requests_total",
		Help: "Total finished quote requests by terminal status",
	}, []string{"status"})

	// BlockIterations tracks how many iterations VariationBlockEngine needs
	// to converge or exhaust per request.
	BlockIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "block_engine_iterations",
		Help:    "Iterations spent by the variation block engine per request",
		Buckets: prometheus.LinearBuckets(1, 1, 15),
	})

	// CandidateDispatchTotal counts AcquisitionWorker outcomes by
	// FailureReason ("accepted" for successes).
	CandidateDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candidate_dispatch_total",
		Help: "Total candidate dispatch outcomes by result",
	}, []string{"result"})

	// RenderDuration tracks RenderEngine.Render latency.
	RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "render_duration_seconds",
		Help:    "Duration of headless-browser render calls",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to 64s
	})

	// SearchRequestsTotal counts SearchProvider calls by outcome (ok,
	// exhausted).
	SearchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "search_requests_total",
		Help: "Total shopping-search calls by outcome",
	}, []string{"outcome"})

	// BatchQueueSize is set to the number of QuoteRequests a BatchOrchestrator
	// run has to process when the run starts, and back to 0 when it ends.
	BatchQueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batch_queue_size",
		Help: "Current batch orchestrator queue size",
	}, []string{"batch_id"})

	// StuckRequestsRecovered counts requests CheckpointManager.FindStuck
	// resets per sweep.
	StuckRequestsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stuck_requests_recovered_total",
		Help: "Total requests recovered by the stuck-heartbeat sweep",
	})
)
