// Package natskv stores tasks in a NATS JetStream key-value bucket, one
// bucket per queue. The compare-and-swap is a revision-guarded Update.
//
// Listing reads every key in the bucket, so this backend suits queues of
// modest size spread over hosts that already run NATS.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

const maxRetries = 10

var errClosed = errors.New("nats kv store closed")

type record struct {
	Payload []byte `json:"payload,omitempty"`
	Status  int64  `json:"status"`
}

type Config struct {
	Conn *nats.Conn

	// Bucket defaults to "modelqueue_" followed by the queue name.
	Bucket string

	// Replicas is the bucket replication factor. Default: 1
	Replicas int
}

type Store struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	closed atomic.Bool
}

// BucketName maps a queue name to a valid bucket name.
func BucketName(queueName string) string {
	var b strings.Builder
	b.WriteString("modelqueue_")
	for _, r := range queueName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// New creates the bucket if needed and returns a store over it.
func New(ctx context.Context, queueName string, cfg Config) (*Store, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = BucketName(queueName)
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "modelqueue tasks for " + queueName,
		History:     1,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	return &Store{conn: cfg.Conn, kv: kv}, nil
}

func (s *Store) Enqueue(ctx context.Context, payload []byte, code status.Code) (string, error) {
	if s.closed.Load() {
		return "", errClosed
	}
	id := uuid.NewString()
	data, err := json.Marshal(record{Payload: payload, Status: int64(code)})
	if err != nil {
		return "", err
	}
	if _, err := s.kv.Create(ctx, id, data); err != nil {
		return "", fmt.Errorf("kv create: %w", err)
	}
	return id, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, id string, expected, next status.Code) (bool, error) {
	if s.closed.Load() {
		return false, errClosed
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		rec, revision, err := s.read(ctx, id)
		if errors.Is(err, queue.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if rec.Status != int64(expected) {
			return false, nil
		}
		rec.Status = int64(next)
		data, err := json.Marshal(rec)
		if err != nil {
			return false, err
		}
		_, err = s.kv.Update(ctx, id, data, revision)
		if err == nil {
			return true, nil
		}
		// The revision moved under us. Re-read to tell a lost race from a
		// write that left the status untouched.
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	return false, fmt.Errorf("kv update %s: revision kept changing after %d attempts", id, maxRetries)
}

func (s *Store) ListEligible(ctx context.Context, filter queue.Filter) ([]queue.Task, error) {
	tasks, err := s.all(ctx, filter.Matches)
	if err != nil {
		return nil, err
	}
	return truncate(sortTasks(tasks), filter.Limit), nil
}

func (s *Store) Get(ctx context.Context, id string) (queue.Task, error) {
	if s.closed.Load() {
		return queue.Task{}, errClosed
	}
	rec, _, err := s.read(ctx, id)
	if err != nil {
		return queue.Task{}, err
	}
	return queue.Task{ID: id, Payload: rec.Payload, Status: status.Code(rec.Status)}, nil
}

func (s *Store) List(ctx context.Context, opts queue.ListOptions) ([]queue.Task, error) {
	tasks, err := s.all(ctx, func(code status.Code) bool {
		return opts.State == 0 || code.State() == opts.State
	})
	if err != nil {
		return nil, err
	}
	return truncate(sortTasks(tasks), opts.Limit), nil
}

func (s *Store) Stats(ctx context.Context, staleBefore time.Time) (queue.Stats, error) {
	tasks, err := s.all(ctx, func(status.Code) bool { return true })
	if err != nil {
		return queue.Stats{}, err
	}
	stats := queue.Stats{Counts: make(map[status.State]int64)}
	cutoff := status.Floor(staleBefore)
	for _, task := range tasks {
		state := task.Status.State()
		if task.Status < 0 || !state.Valid() {
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
	if s.closed.Load() {
		return errClosed
	}
	if !s.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", s.conn.Status())
	}
	_, err := s.kv.Status(ctx)
	return err
}

// Close marks the store closed. The connection belongs to the caller.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) read(ctx context.Context, id string) (record, uint64, error) {
	var rec record
	entry, err := s.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return rec, 0, queue.ErrNotFound
	}
	if err != nil {
		return rec, 0, fmt.Errorf("kv get: %w", err)
	}
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return rec, 0, fmt.Errorf("decode task %s: %w", id, err)
	}
	return rec, entry.Revision(), nil
}

func (s *Store) all(ctx context.Context, keep func(status.Code) bool) ([]queue.Task, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var tasks []queue.Task
	for id := range lister.Keys() {
		rec, _, err := s.read(ctx, id)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		code := status.Code(rec.Status)
		if keep(code) {
			tasks = append(tasks, queue.Task{ID: id, Payload: rec.Payload, Status: code})
		}
	}
	return tasks, nil
}

func sortTasks(tasks []queue.Task) []queue.Task {
	slices.SortFunc(tasks, func(a, b queue.Task) int {
		if a.Status != b.Status {
			if a.Status < b.Status {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return tasks
}

func truncate(tasks []queue.Task, limit int) []queue.Task {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}
