// Package sqlite stores tasks in a SQLite database file through the pure Go
// modernc driver. It suits single-host deployments with several worker
// processes sharing one file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS modelqueue_tasks (
		id         TEXT PRIMARY KEY,
		queue_name TEXT NOT NULL,
		payload    BLOB,
		status     INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS modelqueue_tasks_queue_status ON modelqueue_tasks (queue_name, status)`,
}

type Store struct {
	db    *sql.DB
	queue string
}

// Open opens or creates the database at path and prepares the schema.
func Open(ctx context.Context, path, queueName string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; concurrent claims serialize on this connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`}
	for _, stmt := range append(pragmas, schema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return &Store{db: db, queue: queueName}, nil
}

func (s *Store) Enqueue(ctx context.Context, payload []byte, code status.Code) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modelqueue_tasks (id, queue_name, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, s.queue, payload, int64(code), time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) ListEligible(ctx context.Context, filter queue.Filter) ([]queue.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, status
		FROM modelqueue_tasks
		WHERE queue_name = ?
		  AND ((status % 10 IN (1, 2) AND status <= ?)
		    OR (status % 10 = 3 AND status < ?))
		ORDER BY status, id
		LIMIT ?
	`, s.queue, int64(status.Ceil(filter.Now)), int64(status.Floor(filter.StaleBefore)), limit(filter.Limit))
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (s *Store) CompareAndSwap(ctx context.Context, id string, expected, next status.Code) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE modelqueue_tasks SET status = ?
		WHERE queue_name = ? AND id = ? AND status = ?
	`, int64(next), s.queue, id, int64(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (queue.Task, error) {
	var (
		task queue.Task
		code int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, payload, status FROM modelqueue_tasks WHERE queue_name = ? AND id = ?
	`, s.queue, id).Scan(&task.ID, &task.Payload, &code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Task{}, queue.ErrNotFound
		}
		return queue.Task{}, err
	}
	task.Status = status.Code(code)
	return task, nil
}

func (s *Store) List(ctx context.Context, opts queue.ListOptions) ([]queue.Task, error) {
	query := `SELECT id, payload, status FROM modelqueue_tasks WHERE queue_name = ?`
	args := []any{s.queue}
	if opts.State != 0 {
		query += ` AND status % 10 = ?`
		args = append(args, int64(opts.State))
	}
	query += ` ORDER BY status, id LIMIT ?`
	args = append(args, limit(opts.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (s *Store) Stats(ctx context.Context, staleBefore time.Time) (queue.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status % 10, COUNT(*), SUM(CASE WHEN status < ? THEN 1 ELSE 0 END)
		FROM modelqueue_tasks
		WHERE queue_name = ?
		GROUP BY status % 10
	`, int64(status.Floor(staleBefore)), s.queue)
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
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// limit maps "no limit" to SQLite's -1.
func limit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func scanTasks(rows *sql.Rows) ([]queue.Task, error) {
	defer rows.Close()
	var tasks []queue.Task
	for rows.Next() {
		var (
			task queue.Task
			code int64
		)
		if err := rows.Scan(&task.ID, &task.Payload, &code); err != nil {
			return nil, err
		}
		task.Status = status.Code(code)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
