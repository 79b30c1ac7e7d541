// Package redis stores each task as a hash and indexes it in one sorted set
// per state, scored by the status timestamp. The compare-and-swap runs as a
// Lua script so the check, the write and the index move are atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

const corruptIndex = "corrupt"

var casScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current or current ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
return 1
`)

// NewClient connects to addr and checks the connection with a ping.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 100,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

type Store struct {
	client *redis.Client
	prefix string
}

// New returns a store for one named queue. Keys share a hash tag so a
// queue lives on a single cluster slot.
func New(client *redis.Client, queueName string) *Store {
	return &Store{client: client, prefix: "modelqueue:{" + queueName + "}:"}
}

func (s *Store) taskKey(id string) string {
	return s.prefix + "task:" + id
}

func (s *Store) indexKey(code status.Code) string {
	if code < 0 || !code.State().Valid() {
		return s.prefix + "index:" + corruptIndex
	}
	return s.stateKey(code.State())
}

func (s *Store) stateKey(state status.State) string {
	return s.prefix + "index:" + strconv.Itoa(int(state))
}

func score(code status.Code) float64 {
	if code < 0 {
		return 0
	}
	return float64(code.Millis())
}

func (s *Store) Enqueue(ctx context.Context, payload []byte, code status.Code) (string, error) {
	id := uuid.NewString()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.taskKey(id), "payload", payload, "status", code.String())
		pipe.ZAdd(ctx, s.indexKey(code), redis.Z{Score: score(code), Member: id})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Put writes a task with a caller-chosen id and status, bypassing the
// compare-and-swap. Used to seed and repair data.
func (s *Store) Put(ctx context.Context, id string, payload []byte, code status.Code) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, state := range status.States {
			pipe.ZRem(ctx, s.stateKey(state), id)
		}
		pipe.ZRem(ctx, s.prefix+"index:"+corruptIndex, id)
		pipe.HSet(ctx, s.taskKey(id), "payload", payload, "status", code.String())
		pipe.ZAdd(ctx, s.indexKey(code), redis.Z{Score: score(code), Member: id})
		return nil
	})
	return err
}

func (s *Store) ListEligible(ctx context.Context, filter queue.Filter) ([]queue.Task, error) {
	count := int64(max(filter.Limit, 0))
	nowMs := strconv.FormatInt(status.Ceil(filter.Now).Millis(), 10)
	staleMs := "(" + strconv.FormatInt(status.Floor(filter.StaleBefore).Millis(), 10)

	ranges := []struct {
		state status.State
		max   string
	}{
		{status.Created, nowMs},
		{status.Waiting, nowMs},
		{status.Working, staleMs},
	}
	var ids []string
	for _, r := range ranges {
		found, err := s.client.ZRangeByScore(ctx, s.stateKey(r.state), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   r.max,
			Count: count,
		}).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, found...)
	}

	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	// The indexes are read before the hashes; drop anything that moved.
	tasks = slices.DeleteFunc(tasks, func(t queue.Task) bool { return !filter.Matches(t.Status) })
	return truncate(sortTasks(tasks), filter.Limit), nil
}

func (s *Store) CompareAndSwap(ctx context.Context, id string, expected, next status.Code) (bool, error) {
	keys := []string{s.taskKey(id), s.indexKey(expected), s.indexKey(next)}
	n, err := casScript.Run(ctx, s.client, keys, expected.String(), next.String(), score(next), id).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (queue.Task, error) {
	tasks, err := s.load(ctx, []string{id})
	if err != nil {
		return queue.Task{}, err
	}
	if len(tasks) == 0 {
		return queue.Task{}, queue.ErrNotFound
	}
	return tasks[0], nil
}

func (s *Store) List(ctx context.Context, opts queue.ListOptions) ([]queue.Task, error) {
	indexes := []string{s.prefix + "index:" + corruptIndex}
	if opts.State != 0 {
		indexes = []string{s.stateKey(opts.State)}
	} else {
		for _, state := range status.States {
			indexes = append(indexes, s.stateKey(state))
		}
	}
	var ids []string
	for _, key := range indexes {
		found, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, found...)
	}
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	return truncate(sortTasks(tasks), opts.Limit), nil
}

func (s *Store) Stats(ctx context.Context, staleBefore time.Time) (queue.Stats, error) {
	stats := queue.Stats{Counts: make(map[status.State]int64)}
	pipe := s.client.Pipeline()
	cards := make(map[status.State]*redis.IntCmd, len(status.States))
	for _, state := range status.States {
		cards[state] = pipe.ZCard(ctx, s.stateKey(state))
	}
	corrupt := pipe.ZCard(ctx, s.prefix+"index:"+corruptIndex)
	stale := pipe.ZCount(ctx, s.stateKey(status.Working), "-inf",
		"("+strconv.FormatInt(status.Floor(staleBefore).Millis(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, err
	}
	for state, cmd := range cards {
		if n := cmd.Val(); n > 0 {
			stats.Counts[state] = n
		}
	}
	stats.Corrupt = corrupt.Val()
	stats.Stale = stale.Val()
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client belongs to the caller.
func (s *Store) Close() error {
	return nil
}

func (s *Store) load(ctx context.Context, ids []string) ([]queue.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.taskKey(id), "payload", "status")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	tasks := make([]queue.Task, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 2 || vals[1] == nil {
			continue
		}
		raw, _ := vals[1].(string)
		code, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("task %s has non-numeric status %q", ids[i], raw)
		}
		task := queue.Task{ID: ids[i], Status: status.Code(code)}
		if payload, ok := vals[0].(string); ok {
			task.Payload = []byte(payload)
		}
		tasks = append(tasks, task)
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
