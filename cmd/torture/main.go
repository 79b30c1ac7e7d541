package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"modelqueue-worker/internal/backend"
	"modelqueue-worker/internal/config"
	"modelqueue-worker/internal/logging"
	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

// ledger records every handler invocation per task.
type ledger struct {
	mu        sync.Mutex
	runs      map[string]int
	successes map[string]int
}

func (l *ledger) record(id string, result queue.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[id]++
	if result == queue.Success {
		l.successes[id]++
	}
}

func main() {
	cfg := config.DefaultConfig()
	cfg.Backend = "memory"
	cfg.StaleAfter = 200 * time.Millisecond
	cfg.MaxAttempts = 5
	if err := config.ApplyEnv(cfg); err != nil {
		log.Fatal(err)
	}
	cfg.BindFlags(flag.CommandLine)
	count := flag.Int("count", 1000, "Number of tasks to enqueue")
	workers := flag.Int("workers", 16, "Concurrent queues racing on the store")
	crashRate := flag.Float64("crash-rate", 0.05, "Fraction of claims abandoned as if the worker died")
	deadline := flag.Duration("timeout", 2*time.Minute, "Give up if the queue has not drained by then")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger := logging.New(os.Stderr, slog.LevelError)
	ctx, cancel := context.WithTimeout(context.Background(), *deadline)
	defer cancel()

	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Printf("Starting torture test: %d tasks, %d workers, %s store\n", *count, *workers, cfg.Backend)
	ids := make([]string, 0, *count)
	for i := 0; i < *count; i++ {
		id, err := queue.Enqueue(ctx, store, []byte(fmt.Sprintf(`{"n": %d}`, i)), time.Now())
		if err != nil {
			log.Fatalf("Enqueue error: %v", err)
		}
		ids = append(ids, id)
	}

	book := &ledger{runs: make(map[string]int), successes: make(map[string]int)}
	handler := queue.HandlerFunc(func(ctx context.Context, task queue.Task) (queue.Result, error) {
		var result queue.Result
		switch p := rand.Float64(); {
		case p < 0.70:
			result = queue.Success
		case p < 0.85:
			result = queue.RetryableFailure
		case p < 0.92:
			result = queue.PermanentFailure
		case p < 0.97:
			result = queue.Cancel
		default:
			panic("simulated handler panic")
		}
		book.record(task.ID, result)
		return result, nil
	})

	var crashes atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := queue.New(store, cfg.QueueOptions(), queue.WithLogger(logger))
			for ctx.Err() == nil {
				if rand.Float64() < *crashRate && crash(ctx, q, store) {
					crashes.Add(1)
					continue
				}
				_, err := q.RunOnce(ctx, handler)
				if err == nil {
					continue
				}
				if drained(ctx, store, cfg.StaleAfter) {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("Ran for %v with %d simulated crashes\n", elapsed, crashes.Load())
	if !check(context.Background(), store, ids, book, cfg.MaxAttempts) {
		os.Exit(1)
	}
}

// crash claims the oldest created task and walks away without finalizing, so
// only the stale reclaim path can recover it.
func crash(ctx context.Context, q *queue.Queue, store queue.Backend) bool {
	tasks, err := store.List(ctx, queue.ListOptions{State: status.Created, Limit: 1})
	if err != nil || len(tasks) == 0 {
		return false
	}
	claim, err := q.TryClaim(ctx, tasks[0].ID, tasks[0].Status)
	return err == nil && claim.Result == queue.Claimed
}

func drained(ctx context.Context, store queue.Backend, staleAfter time.Duration) bool {
	stats, err := store.Stats(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		return false
	}
	return stats.Counts[status.Created]+stats.Counts[status.Waiting]+stats.Counts[status.Working] == 0
}

func check(ctx context.Context, store queue.Backend, ids []string, book *ledger, maxAttempts int) bool {
	ok := true
	fail := func(format string, args ...any) {
		ok = false
		fmt.Printf("[FAIL] "+format+"\n", args...)
	}

	var finished, canceled, duplicates int
	for _, id := range ids {
		task, err := store.Get(ctx, id)
		if err != nil {
			fail("task %s: %v", id, err)
			continue
		}
		decoded, err := task.Status.Decode()
		if err != nil {
			fail("task %s has corrupt status %s", id, task.Status)
			continue
		}
		switch decoded.State {
		case status.Finished:
			finished++
			if book.successes[id] == 0 {
				fail("task %s finished without a successful run", id)
			}
		case status.Canceled:
			canceled++
		default:
			fail("task %s left in %s", id, decoded.State)
		}
		if maxAttempts > 0 && decoded.Attempts > maxAttempts {
			fail("task %s claimed %d times, max is %d", id, decoded.Attempts, maxAttempts)
		}
		if book.runs[id] > decoded.Attempts {
			fail("task %s ran %d times in %d attempts", id, book.runs[id], decoded.Attempts)
		}
		if book.successes[id] > 1 {
			duplicates++
		}
	}

	fmt.Printf("finished=%d canceled=%d duplicate-successes=%d\n", finished, canceled, duplicates)
	if ok {
		fmt.Println("[PASS] every task reached a terminal state within its attempt budget")
	}
	return ok
}
