// Package badger stores tasks in an embedded BadgerDB. Each task has a
// record key and one index key ordered by state and timestamp; both move
// together in a single transaction.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

const (
	maxRetries = 50
	retryDelay = time.Millisecond
	corruptTag = 'x'
)

type record struct {
	Payload []byte `json:"payload,omitempty"`
	Status  int64  `json:"status"`
}

type Store struct {
	db    *badger.DB
	queue string
	owned bool
}

// Open opens the database in dir, or an in-memory database when dir is
// empty. The returned store closes the database on Close.
func Open(dir, queueName string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	s := New(db, queueName)
	s.owned = true
	return s, nil
}

// New wraps a database opened by the caller, who keeps ownership of it.
func New(db *badger.DB, queueName string) *Store {
	return &Store{db: db, queue: queueName}
}

func (s *Store) recordKey(id string) []byte {
	return []byte("t/" + s.queue + "/" + id)
}

func (s *Store) recordPrefix() []byte {
	return []byte("t/" + s.queue + "/")
}

func (s *Store) indexPrefix(tag byte) []byte {
	return append([]byte("i/"+s.queue+"/"), tag, '/')
}

func stateTag(code status.Code) byte {
	if code < 0 || !code.State().Valid() {
		return corruptTag
	}
	return byte('0' + code.State())
}

func (s *Store) indexKey(code status.Code, id string) []byte {
	key := s.indexPrefix(stateTag(code))
	var ms uint64
	if code >= 0 {
		ms = uint64(code.Millis())
	}
	key = binary.BigEndian.AppendUint64(key, ms)
	key = append(key, '/')
	return append(key, id...)
}

// retryUpdate reruns fn while badger reports a transaction conflict.
func (s *Store) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}
		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

func (s *Store) Enqueue(ctx context.Context, payload []byte, code status.Code) (string, error) {
	id := uuid.NewString()
	data, err := json.Marshal(record{Payload: payload, Status: int64(code)})
	if err != nil {
		return "", err
	}
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(s.recordKey(id), data); err != nil {
			return err
		}
		return txn.Set(s.indexKey(code, id), nil)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, id string, expected, next status.Code) (bool, error) {
	var swapped bool
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		swapped = false
		rec, err := s.read(txn, id)
		if errors.Is(err, queue.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Status != int64(expected) {
			return nil
		}
		rec.Status = int64(next)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(s.recordKey(id), data); err != nil {
			return err
		}
		if err := txn.Delete(s.indexKey(expected, id)); err != nil {
			return err
		}
		if err := txn.Set(s.indexKey(next, id), nil); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *Store) ListEligible(ctx context.Context, filter queue.Filter) ([]queue.Task, error) {
	ranges := []struct {
		state status.State
		below uint64
	}{
		{status.Created, uint64(status.Ceil(filter.Now).Millis()) + 1},
		{status.Waiting, uint64(status.Ceil(filter.Now).Millis()) + 1},
		{status.Working, uint64(status.Floor(filter.StaleBefore).Millis())},
	}

	var tasks []queue.Task
	err := s.db.View(func(txn *badger.Txn) error {
		var ids []string
		for _, r := range ranges {
			prefix := s.indexPrefix(byte('0' + r.state))
			found := s.scanIndex(txn, prefix, r.below, filter.Limit)
			ids = append(ids, found...)
		}
		for _, id := range ids {
			rec, err := s.read(txn, id)
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			task := queue.Task{ID: id, Payload: rec.Payload, Status: status.Code(rec.Status)}
			if filter.Matches(task.Status) {
				tasks = append(tasks, task)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return truncate(sortTasks(tasks), filter.Limit), nil
}

// scanIndex returns ids under prefix whose timestamp is below the bound.
func (s *Store) scanIndex(txn *badger.Txn, prefix []byte, below uint64, limit int) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		rest := it.Item().KeyCopy(nil)[len(prefix):]
		if len(rest) < 9 {
			continue
		}
		if binary.BigEndian.Uint64(rest[:8]) >= below {
			break
		}
		ids = append(ids, string(rest[9:]))
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids
}

func (s *Store) Get(ctx context.Context, id string) (queue.Task, error) {
	var task queue.Task
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := s.read(txn, id)
		if err != nil {
			return err
		}
		task = queue.Task{ID: id, Payload: rec.Payload, Status: status.Code(rec.Status)}
		return nil
	})
	return task, err
}

func (s *Store) List(ctx context.Context, opts queue.ListOptions) ([]queue.Task, error) {
	var tasks []queue.Task
	prefix := s.recordPrefix()
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec record
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			code := status.Code(rec.Status)
			if opts.State != 0 && code.State() != opts.State {
				continue
			}
			id := string(bytes.TrimPrefix(item.KeyCopy(nil), prefix))
			tasks = append(tasks, queue.Task{ID: id, Payload: rec.Payload, Status: code})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return truncate(sortTasks(tasks), opts.Limit), nil
}

func (s *Store) Stats(ctx context.Context, staleBefore time.Time) (queue.Stats, error) {
	stats := queue.Stats{Counts: make(map[status.State]int64)}
	cutoff := uint64(status.Floor(staleBefore).Millis())
	err := s.db.View(func(txn *badger.Txn) error {
		for _, state := range status.States {
			prefix := s.indexPrefix(byte('0' + state))
			n, older := s.countIndex(txn, prefix, cutoff)
			if n > 0 {
				stats.Counts[state] = n
			}
			if state == status.Working {
				stats.Stale = older
			}
		}
		stats.Corrupt, _ = s.countIndex(txn, s.indexPrefix(corruptTag), 0)
		return nil
	})
	return stats, err
}

func (s *Store) countIndex(txn *badger.Txn, prefix []byte, cutoff uint64) (total, older int64) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		total++
		rest := it.Item().Key()[len(prefix):]
		if len(rest) >= 8 && binary.BigEndian.Uint64(rest[:8]) < cutoff {
			older++
		}
	}
	return total, older
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *Store) read(txn *badger.Txn, id string) (record, error) {
	var rec record
	item, err := txn.Get(s.recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, queue.ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	return rec, err
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
