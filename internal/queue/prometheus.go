package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelqueue_claims_total",
		Help: "Claim attempts by result (claimed or lost_race)",
	}, []string{"queue", "result"})

	staleReclaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelqueue_stale_reclaims_total",
		Help: "Working tasks reclaimed after exceeding the staleness threshold",
	}, []string{"queue"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelqueue_outcomes_total",
		Help: "Finalized executions by result and whether the finalize write applied",
	}, []string{"queue", "result", "applied"})

	exhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelqueue_exhausted_total",
		Help: "Stale tasks canceled because they reached max attempts",
	}, []string{"queue"})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelqueue_decode_errors_total",
		Help: "Candidates skipped because their status could not be decoded",
	}, []string{"queue"})

	attemptsSaturated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelqueue_attempts_saturated_total",
		Help: "Claims whose attempt counter hit the encodable maximum",
	}, []string{"queue"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelqueue_store_errors_total",
		Help: "Store operations that failed",
	}, []string{"queue", "operation"})

	adminTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelqueue_admin_transitions_total",
		Help: "Operator-initiated transitions by target state and result",
	}, []string{"queue", "state", "result"})

	claimDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelqueue_claim_duration_seconds",
		Help:    "Time taken by the claim compare-and-swap",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelqueue_handler_duration_seconds",
		Help:    "Time spent in the task handler",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 16),
	}, []string{"queue"})
)
