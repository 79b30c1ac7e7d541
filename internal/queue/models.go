package queue

import (
	"context"
	"time"

	"modelqueue-worker/internal/status"
)

// Task is a row as seen by the queue: an opaque payload and its packed status.
type Task struct {
	ID      string      `json:"id"`
	Payload []byte      `json:"payload"`
	Status  status.Code `json:"status"`
}

// Filter bounds a ListEligible read.
type Filter struct {
	// Created and waiting tasks stamped after Now are not due yet.
	Now time.Time
	// Working tasks stamped before StaleBefore are reclaimable.
	StaleBefore time.Time
	Limit       int
}

// Matches applies the filter to a raw code the way SQL stores do in their
// WHERE clause. It does not decode. A code with a runnable state digit fails
// to decode only when its timestamp overflows, and such a code always sorts
// above Ceil(Now), so filtered stores never return one; RunOnce still
// decodes every candidate for stores that skip this filter.
func (f Filter) Matches(code status.Code) bool {
	switch code.State() {
	case status.Created, status.Waiting:
		return code <= status.Ceil(f.Now)
	case status.Working:
		return code < status.Floor(f.StaleBefore)
	default:
		return false
	}
}

type ListOptions struct {
	// State restricts the listing; zero lists every state.
	State status.State
	Limit int
}

type Stats struct {
	Counts map[status.State]int64 `json:"counts"`
	// Stale counts working tasks stamped before the staleness cutoff.
	Stale int64 `json:"stale"`
	// Corrupt counts rows whose state digit is outside every known state.
	Corrupt int64 `json:"corrupt"`
}

// Store is the shared collection the protocol runs against. CompareAndSwap
// must be a single indivisible operation: for a given expected code at most
// one caller may observe true.
type Store interface {
	ListEligible(ctx context.Context, filter Filter) ([]Task, error)
	CompareAndSwap(ctx context.Context, id string, expected, next status.Code) (bool, error)
}

// Backend is a Store with the producer and operator surface used by the
// command line, the HTTP API, the scheduler and the metrics collector.
type Backend interface {
	Store
	Enqueue(ctx context.Context, payload []byte, code status.Code) (string, error)
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context, opts ListOptions) ([]Task, error)
	Stats(ctx context.Context, staleBefore time.Time) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Enqueue inserts a new task in the created state, due at runAt.
func Enqueue(ctx context.Context, b Backend, payload []byte, runAt time.Time) (string, error) {
	code, err := status.Encode(status.Created, 0, runAt)
	if err != nil {
		return "", err
	}
	id, err := b.Enqueue(ctx, payload, code)
	if err != nil {
		return "", &StoreError{Op: "enqueue", Err: err}
	}
	return id, nil
}
