// Package memory is an in-process Backend. It is used by tests, by the
// torture tool, and by single-process deployments that do not need
// durability.
package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

var errClosed = errors.New("memory store closed")

type Store struct {
	mu     sync.Mutex
	tasks  map[string]queue.Task
	err    error
	closed bool
}

func New() *Store {
	return &Store{tasks: make(map[string]queue.Task)}
}

// SetError makes every operation fail with err until it is cleared with nil.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Put inserts or replaces a task with a caller-chosen id and status.
func (s *Store) Put(id string, payload []byte, code status.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = queue.Task{ID: id, Payload: slices.Clone(payload), Status: code}
}

func (s *Store) Enqueue(ctx context.Context, payload []byte, code status.Code) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.tasks[id] = queue.Task{ID: id, Payload: slices.Clone(payload), Status: code}
	return id, nil
}

func (s *Store) ListEligible(ctx context.Context, filter queue.Filter) ([]queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []queue.Task
	for _, task := range s.tasks {
		if filter.Matches(task.Status) {
			out = append(out, clone(task))
		}
	}
	sortByCode(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, id string, expected, next status.Code) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	task, ok := s.tasks[id]
	if !ok || task.Status != expected {
		return false, nil
	}
	task.Status = next
	s.tasks[id] = task
	return true, nil
}

func (s *Store) Get(ctx context.Context, id string) (queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return queue.Task{}, err
	}
	task, ok := s.tasks[id]
	if !ok {
		return queue.Task{}, queue.ErrNotFound
	}
	return clone(task), nil
}

func (s *Store) List(ctx context.Context, opts queue.ListOptions) ([]queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []queue.Task
	for _, task := range s.tasks {
		if opts.State != 0 && task.Status.State() != opts.State {
			continue
		}
		out = append(out, clone(task))
	}
	sortByCode(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, staleBefore time.Time) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return queue.Stats{}, err
	}
	stats := queue.Stats{Counts: make(map[status.State]int64)}
	cutoff := status.Floor(staleBefore)
	for _, task := range s.tasks {
		state := task.Status.State()
		if !state.Valid() {
			stats.Corrupt++
			continue
		}
		stats.Counts[state]++
		if state == status.Working && task.Status < cutoff {
			stats.Stale++
		}
	}
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored tasks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Store) check() error {
	if s.closed {
		return errClosed
	}
	return s.err
}

func clone(task queue.Task) queue.Task {
	task.Payload = slices.Clone(task.Payload)
	return task
}

func sortByCode(tasks []queue.Task) {
	slices.SortFunc(tasks, func(a, b queue.Task) int {
		if a.Status != b.Status {
			if a.Status < b.Status {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}
