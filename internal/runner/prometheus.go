package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workerLoops = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelqueue_worker_loops",
		Help: "Polling loops currently running in this worker",
	}, []string{"queue"})

	busyHandlers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelqueue_worker_busy",
		Help: "Loops currently inside a claim or handler",
	}, []string{"queue"})

	idlePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelqueue_worker_idle_polls_total",
		Help: "Polls that found nothing to claim",
	}, []string{"queue"})

	pollBackoff = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelqueue_worker_poll_backoff_seconds",
		Help:    "Sleep between polls that claimed nothing",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"queue"})
)
