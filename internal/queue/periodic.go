package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// PeriodicTask enqueues Payload every time CronExpr fires.
type PeriodicTask struct {
	Name     string
	CronExpr string
	Payload  []byte
}

func (t PeriodicTask) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("periodic task requires a name")
	}
	if _, err := cronParser.Parse(t.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", t.Name, err)
	}
	return nil
}

// Scheduler enqueues periodic tasks. Run a single scheduler per queue; two
// schedulers enqueue every firing twice.
type Scheduler struct {
	backend Backend
	tasks   []PeriodicTask
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
}

func NewScheduler(backend Backend, tasks []PeriodicTask, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		backend: backend,
		tasks:   tasks,
		logger:  logger,
		timeout: 10 * time.Second,
	}
	cronLog := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return nil, err
		}
		task := task
		if _, err := s.cron.AddFunc(task.CronExpr, func() { s.fire(task) }); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", task.Name, err)
		}
	}
	return s, nil
}

// Run blocks until ctx is done, then waits for in-flight enqueues.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("Periodic scheduler started", "tasks", len(s.tasks))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Periodic scheduler stopped")
}

// EnqueueAll enqueues every periodic task once, now.
func (s *Scheduler) EnqueueAll(ctx context.Context) (int, error) {
	n := 0
	for _, task := range s.tasks {
		if _, err := Enqueue(ctx, s.backend, task.Payload, time.Now()); err != nil {
			return n, fmt.Errorf("failed to enqueue periodic task %s: %w", task.Name, err)
		}
		n++
	}
	return n, nil
}

// NextRuns reports when each task fires next after now.
func (s *Scheduler) NextRuns(now time.Time) map[string]time.Time {
	next := make(map[string]time.Time, len(s.tasks))
	for _, task := range s.tasks {
		sched, err := cronParser.Parse(task.CronExpr)
		if err != nil {
			continue
		}
		next[task.Name] = sched.Next(now)
	}
	return next
}

func (s *Scheduler) fire(task PeriodicTask) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	id, err := Enqueue(ctx, s.backend, task.Payload, time.Now())
	if err != nil {
		s.logger.Error("Failed to enqueue periodic task", "name", task.Name, "error", err)
		return
	}
	s.logger.Info("Enqueued periodic task", "name", task.Name, "task_id", id)
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
