package queue

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoTasks          = errors.New("no tasks available")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("task not found")
	ErrTerminal         = errors.New("task is in a terminal state")
	ErrNotTerminal      = errors.New("task is not in a terminal state")
	ErrConflict         = errors.New("task status changed concurrently")
)

const (
	DefaultStaleAfter      = time.Hour
	DefaultBatchSize       = 16
	DefaultFinalizeTimeout = 10 * time.Second
	DefaultName            = "default"
)

// StoreError wraps a failure of the underlying store. It matches
// ErrStoreUnavailable with errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// Ordering compares two candidates; a negative result tries a first.
type Ordering func(a, b Task) int

// OldestFirst orders by timestamp, then by id.
func OldestFirst(a, b Task) int {
	if c := cmp.Compare(a.Status.Millis(), b.Status.Millis()); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

type Options struct {
	// Name labels logs and metrics.
	Name string
	// StaleAfter is how long a task may stay working before others reclaim it.
	StaleAfter time.Duration
	Order      Ordering
	// MaxAttempts cancels a task instead of retrying once it has been claimed
	// this many times. Zero retries forever.
	MaxAttempts int
	// RetryDelay postpones a retried task.
	RetryDelay time.Duration
	// BatchSize caps how many candidates one RunOnce reads.
	BatchSize       int
	FinalizeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Order == nil {
		o.Order = OldestFirst
	}
	if o.MaxAttempts < 0 {
		o.MaxAttempts = 0
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return o
}

// Queue runs the claim/execute/finalize protocol against a Store. It keeps no
// state between calls, so any number of Queues in any number of processes may
// share one store.
type Queue struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	tracer trace.Tracer
}

type Option func(*Queue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(store Store, opts Options, options ...Option) *Queue {
	q := &Queue{
		store:  store,
		opts:   opts.withDefaults(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		tracer: otel.Tracer("modelqueue-worker/internal/queue"),
	}
	for _, option := range options {
		option(q)
	}
	q.logger = q.logger.With("queue", q.opts.Name)
	return q
}

func (q *Queue) Options() Options {
	return q.opts
}

func (q *Queue) exhausted(attempts int) bool {
	return q.opts.MaxAttempts > 0 && attempts >= q.opts.MaxAttempts
}
