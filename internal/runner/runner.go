package runner

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"modelqueue-worker/internal/config"
	"modelqueue-worker/internal/events"
	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

// TaskRunner is the part of *queue.Queue the runner drives.
type TaskRunner interface {
	RunOnce(ctx context.Context, h queue.Handler) (*queue.Outcome, error)
}

// Runner keeps Concurrency polling loops calling RunOnce until shutdown.
type Runner struct {
	cfg     *config.Config
	queue   TaskRunner
	handler queue.Handler
	events  events.Publisher
	logger  *slog.Logger
	metrics *Metrics

	sleep func(ctx context.Context, d time.Duration) bool
}

func New(cfg *config.Config, q TaskRunner, handler queue.Handler, pub events.Publisher, logger *slog.Logger) *Runner {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		queue:   q,
		handler: handler,
		events:  pub,
		logger:  logger,
		metrics: &Metrics{},
		sleep:   sleepCtx,
	}
}

func (r *Runner) Metrics() *Metrics {
	return r.metrics
}

// Start blocks until ctx is canceled and every loop has drained. Handlers in
// flight at shutdown keep running for up to ShutdownTimeout before their
// context is canceled.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("Starting worker runner", "queue", r.cfg.QueueName, "concurrency", r.cfg.Concurrency)
	r.publish(events.Event{Level: "info", Type: events.TypeWorker, Message: "worker started"})

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		workerLoops.WithLabelValues(r.cfg.QueueName).Inc()
		go func(slot int) {
			defer wg.Done()
			defer workerLoops.WithLabelValues(r.cfg.QueueName).Dec()
			r.loop(ctx, workCtx, slot)
		}(i)
	}

	<-ctx.Done()
	r.logger.Info("Worker received shutdown signal, waiting for tasks to finish...")
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		r.logger.Info("All tasks finished")
	case <-time.After(r.cfg.ShutdownTimeout):
		r.logger.Warn("Shutdown timeout reached, canceling in-flight tasks", "timeout", r.cfg.ShutdownTimeout)
		cancelWork()
		<-drained
	}

	r.publish(events.Event{Level: "info", Type: events.TypeWorker, Message: "worker stopped"})
	r.metrics.Log(r.logger)
	return nil
}

func (r *Runner) loop(ctx, workCtx context.Context, slot int) {
	logger := r.logger.With("slot", slot)
	var backoff time.Duration
	for ctx.Err() == nil {
		if r.step(workCtx, logger) {
			backoff = 0
			continue
		}
		backoff = nextBackoff(backoff, r.cfg.PollMinBackoff, r.cfg.PollMaxBackoff)
		wait := jitter(backoff)
		pollBackoff.WithLabelValues(r.cfg.QueueName).Observe(wait.Seconds())
		if !r.sleep(ctx, wait) {
			return
		}
	}
}

// step runs one RunOnce and reports whether a task was claimed.
func (r *Runner) step(ctx context.Context, logger *slog.Logger) bool {
	busyHandlers.WithLabelValues(r.cfg.QueueName).Inc()
	outcome, err := r.queue.RunOnce(ctx, r.handler)
	busyHandlers.WithLabelValues(r.cfg.QueueName).Dec()

	if outcome != nil {
		r.observe(logger, outcome)
		return true
	}

	var decodeErr *status.DecodeError
	switch {
	case err == nil:
		return true
	case errors.Is(err, queue.ErrNoTasks):
		idlePolls.WithLabelValues(r.cfg.QueueName).Inc()
	case errors.Is(err, queue.ErrStoreUnavailable):
		r.metrics.RecordStoreError()
		logger.Error("Store unavailable", "error", err)
	case errors.As(err, &decodeErr):
		logger.Warn("Skipped tasks with undecodable status", "error", err)
		r.publish(events.Event{Level: "error", Type: events.TypeCorrupt, Message: err.Error()})
	default:
		logger.Error("Error processing task", "error", err)
	}
	return false
}

func (r *Runner) observe(logger *slog.Logger, o *queue.Outcome) {
	r.metrics.Record(o)
	if o.Corrupt != nil {
		logger.Warn("Skipped tasks with undecodable status", "error", o.Corrupt)
		r.publish(events.Event{Level: "error", Type: events.TypeCorrupt, Message: o.Corrupt.Error()})
	}

	event := events.Event{
		Level:   "info",
		TaskID:  o.TaskID,
		Attempt: o.Attempts,
		Message: o.Result.String(),
	}
	if o.Reclaimed {
		event.Metadata = map[string]string{"reclaimed": "true"}
	}
	switch {
	case o.Fault != nil:
		event.Level = "error"
		event.Type = events.TypeFault
		event.Message = o.Fault.Error()
		logger.Warn("Task handler fault", "task_id", o.TaskID, "attempt", o.Attempts, "error", o.Fault)
	case !o.Applied:
		event.Level = "warn"
		event.Type = events.TypeLostRace
	case o.FinalState() == status.Finished:
		event.Type = events.TypeFinished
	case o.FinalState() == status.Waiting:
		event.Type = events.TypeRetried
	default:
		event.Type = events.TypeCanceled
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["final_status"] = strconv.FormatInt(int64(o.Final), 10)
	r.publish(event)
}

func (r *Runner) publish(event events.Event) {
	event.Queue = r.cfg.QueueName
	event.WorkerID = r.cfg.WorkerID
	r.events.Publish(event)
}

// nextBackoff doubles prev within [min, max].
func nextBackoff(prev, min, max time.Duration) time.Duration {
	if prev <= 0 {
		return min
	}
	next := prev * 2
	if next > max {
		return max
	}
	return next
}

// jitter returns a duration in [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
