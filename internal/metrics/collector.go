// Package metrics publishes store-wide task counts as Prometheus gauges.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

const (
	defaultInterval = 15 * time.Second
	queryTimeout    = 5 * time.Second
)

var (
	tasksGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelqueue_tasks",
		Help: "Tasks in the store by state.",
	}, []string{"queue", "state"})
	staleGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelqueue_tasks_stale",
		Help: "Working tasks older than the staleness threshold.",
	}, []string{"queue"})
	corruptGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelqueue_tasks_corrupt",
		Help: "Tasks whose status cannot be decoded.",
	}, []string{"queue"})
)

type StatsSource interface {
	Stats(ctx context.Context, staleBefore time.Time) (queue.Stats, error)
}

// Collector polls a store for counts. Only one process per queue needs to
// run it; every worker running it is harmless but wasteful.
type Collector struct {
	source     StatsSource
	queue      string
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewCollector(source StatsSource, queueName string, staleAfter time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		source:     source,
		queue:      queueName,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Start collects immediately and then every interval until ctx is done.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := c.Collect(ctx); err != nil {
				c.logger.Warn("Queue metrics collection failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *Collector) Collect(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	stats, err := c.source.Stats(queryCtx, c.now().Add(-c.staleAfter))
	if err != nil {
		return err
	}
	for _, state := range status.States {
		tasksGauge.WithLabelValues(c.queue, state.String()).Set(float64(stats.Counts[state]))
	}
	staleGauge.WithLabelValues(c.queue).Set(float64(stats.Stale))
	corruptGauge.WithLabelValues(c.queue).Set(float64(stats.Corrupt))
	return nil
}
