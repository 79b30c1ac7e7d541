// Package postgres stores tasks in a PostgreSQL table. Claims and
// finalizes are single conditional UPDATEs on the status column; no row
// locks or transactions are held across a handler run.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

const schema = `
CREATE TABLE IF NOT EXISTS modelqueue_tasks (
	id         TEXT PRIMARY KEY,
	queue_name TEXT NOT NULL,
	payload    BYTEA,
	status     BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS modelqueue_tasks_queue_status ON modelqueue_tasks (queue_name, status);
`

// NewPool opens a connection pool and checks it with a ping.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the task table and its index if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type Store struct {
	pool  *pgxpool.Pool
	queue string
}

// New returns a store for one named queue. Several queues may share a table.
func New(pool *pgxpool.Pool, queueName string) *Store {
	return &Store{pool: pool, queue: queueName}
}

func (s *Store) Enqueue(ctx context.Context, payload []byte, code status.Code) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO modelqueue_tasks (id, queue_name, payload, status)
		VALUES ($1, $2, $3, $4)
	`, id, s.queue, payload, int64(code))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) ListEligible(ctx context.Context, filter queue.Filter) ([]queue.Task, error) {
	limit := any(nil)
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, status
		FROM modelqueue_tasks
		WHERE queue_name = $1
		  AND ((status % 10 IN (1, 2) AND status <= $2)
		    OR (status % 10 = 3 AND status < $3))
		ORDER BY status, id
		LIMIT $4
	`, s.queue, int64(status.Ceil(filter.Now)), int64(status.Floor(filter.StaleBefore)), limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *Store) CompareAndSwap(ctx context.Context, id string, expected, next status.Code) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE modelqueue_tasks
		SET status = $3
		WHERE queue_name = $1 AND id = $2 AND status = $4
	`, s.queue, id, int64(next), int64(expected))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (queue.Task, error) {
	var (
		task queue.Task
		code int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, payload, status FROM modelqueue_tasks WHERE queue_name = $1 AND id = $2
	`, s.queue, id).Scan(&task.ID, &task.Payload, &code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.Task{}, queue.ErrNotFound
		}
		return queue.Task{}, err
	}
	task.Status = status.Code(code)
	return task, nil
}

func (s *Store) List(ctx context.Context, opts queue.ListOptions) ([]queue.Task, error) {
	limit := any(nil)
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	state := any(nil)
	if opts.State != 0 {
		state = int64(opts.State)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, status
		FROM modelqueue_tasks
		WHERE queue_name = $1 AND ($2::BIGINT IS NULL OR status % 10 = $2)
		ORDER BY status, id
		LIMIT $3
	`, s.queue, state, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *Store) Stats(ctx context.Context, staleBefore time.Time) (queue.Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status % 10, COUNT(*), COUNT(*) FILTER (WHERE status < $2)
		FROM modelqueue_tasks
		WHERE queue_name = $1
		GROUP BY 1
	`, s.queue, int64(status.Floor(staleBefore)))
	if err != nil {
		return queue.Stats{}, err
	}
	defer rows.Close()

	stats := queue.Stats{Counts: make(map[status.State]int64)}
	for rows.Next() {
		var digit, count, older int64
		if err := rows.Scan(&digit, &count, &older); err != nil {
			return queue.Stats{}, err
		}
		state := status.State(digit)
		if digit < 0 || !state.Valid() {
			stats.Corrupt += count
			continue
		}
		stats.Counts[state] = count
		if state == status.Working {
			stats.Stale = older
		}
	}
	return stats, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error {
	return nil
}

func collect(rows pgx.Rows) ([]queue.Task, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.Task, error) {
		var (
			task queue.Task
			code int64
		)
		if err := row.Scan(&task.ID, &task.Payload, &code); err != nil {
			return queue.Task{}, err
		}
		task.Status = status.Code(code)
		return task, nil
	})
}
