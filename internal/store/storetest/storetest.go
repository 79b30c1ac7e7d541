// Package storetest holds the behavior every queue.Backend must share. Each
// store package runs it from its own tests.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

// Factory returns an empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) queue.Backend

func Run(t *testing.T, open Factory) {
	t.Run("EnqueueGet", func(t *testing.T) { testEnqueueGet(t, open(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, open(t)) })
	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) { testConcurrentCompareAndSwap(t, open(t)) })
	t.Run("ListEligible", func(t *testing.T) { testListEligible(t, open(t)) })
	t.Run("ListEligibleLimit", func(t *testing.T) { testListEligibleLimit(t, open(t)) })
	t.Run("ListAndStats", func(t *testing.T) { testListAndStats(t, open(t)) })
	t.Run("ConcurrentRunOnce", func(t *testing.T) { testConcurrentRunOnce(t, open(t)) })
}

var base = time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)

func code(t *testing.T, state status.State, attempts int, at time.Time) status.Code {
	t.Helper()
	c, err := status.Encode(state, attempts, at)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return c
}

func enqueue(t *testing.T, b queue.Backend, payload string, c status.Code) string {
	t.Helper()
	id, err := b.Enqueue(context.Background(), []byte(payload), c)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected a task id")
	}
	return id
}

func testEnqueueGet(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	c := code(t, status.Created, 0, base)
	payload := []byte{0x00, 0xff, 'h', 'i'}
	id, err := b.Enqueue(ctx, payload, c)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := b.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.ID != id || task.Status != c || !bytes.Equal(task.Payload, payload) {
		t.Fatalf("expected %s/%d/%v, got %s/%d/%v", id, c, payload, task.ID, task.Status, task.Payload)
	}

	if _, err := b.Get(ctx, "missing-task"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func testCompareAndSwap(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	waiting := code(t, status.Waiting, 0, base)
	working := code(t, status.Working, 1, base.Add(time.Second))
	id := enqueue(t, b, "cas", waiting)

	ok, err := b.CompareAndSwap(ctx, id, working, working)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if ok {
		t.Fatal("expected mismatched expected code to fail")
	}

	ok, err = b.CompareAndSwap(ctx, id, waiting, working)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if !ok {
		t.Fatal("expected matching expected code to succeed")
	}

	ok, err = b.CompareAndSwap(ctx, id, waiting, working)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if ok {
		t.Fatal("expected replay of the same guard to fail")
	}

	task, err := b.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != working {
		t.Fatalf("expected %d, got %d", working, task.Status)
	}

	ok, err = b.CompareAndSwap(ctx, "missing-task", waiting, working)
	if err != nil {
		t.Fatalf("cas on missing task: %v", err)
	}
	if ok {
		t.Fatal("expected cas on missing task to fail")
	}
}

func testConcurrentCompareAndSwap(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	waiting := code(t, status.Waiting, 0, base)
	id := enqueue(t, b, "race", waiting)

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next, _ := status.Encode(status.Working, 1, base.Add(time.Duration(i+1)*time.Millisecond))
			<-start
			ok, err := b.CompareAndSwap(ctx, id, waiting, next)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				wins++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func testListEligible(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	now := base.Add(time.Hour)
	staleBefore := now.Add(-10 * time.Minute)

	want := []string{
		enqueue(t, b, "stale", code(t, status.Working, 1, staleBefore.Add(-time.Minute))),
		enqueue(t, b, "created", code(t, status.Created, 0, base)),
		enqueue(t, b, "waiting", code(t, status.Waiting, 2, base.Add(time.Minute))),
		enqueue(t, b, "due now", code(t, status.Waiting, 0, now)),
	}
	enqueue(t, b, "future", code(t, status.Waiting, 0, now.Add(time.Second)))
	enqueue(t, b, "fresh working", code(t, status.Working, 1, now.Add(-time.Minute)))
	enqueue(t, b, "finished", code(t, status.Finished, 1, base))
	enqueue(t, b, "canceled", code(t, status.Canceled, 1, base))

	tasks, err := b.ListEligible(ctx, queue.Filter{Now: now, StaleBefore: staleBefore, Limit: 100})
	if err != nil {
		t.Fatalf("list eligible: %v", err)
	}
	got := ids(tasks)
	want = orderByCode(t, b, want)
	if !equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i-1].Status > tasks[i].Status {
			t.Fatalf("expected ascending codes, got %d before %d", tasks[i-1].Status, tasks[i].Status)
		}
	}
}

func testListEligibleLimit(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	var oldest []string
	for i := 0; i < 5; i++ {
		id := enqueue(t, b, "limit", code(t, status.Waiting, 0, base.Add(time.Duration(i)*time.Second)))
		if i < 2 {
			oldest = append(oldest, id)
		}
	}
	tasks, err := b.ListEligible(ctx, queue.Filter{Now: base.Add(time.Hour), StaleBefore: base, Limit: 2})
	if err != nil {
		t.Fatalf("list eligible: %v", err)
	}
	if got := ids(tasks); !equal(got, oldest) {
		t.Fatalf("expected oldest %v, got %v", oldest, got)
	}
}

func testListAndStats(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	staleBefore := base.Add(time.Hour)

	enqueue(t, b, "a", code(t, status.Waiting, 0, base))
	enqueue(t, b, "b", code(t, status.Waiting, 0, base.Add(time.Second)))
	enqueue(t, b, "c", code(t, status.Working, 1, base))
	enqueue(t, b, "d", code(t, status.Working, 1, staleBefore.Add(time.Minute)))
	canceled := enqueue(t, b, "e", code(t, status.Canceled, 3, base))

	stats, err := b.Stats(ctx, staleBefore)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Counts[status.Waiting] != 2 || stats.Counts[status.Working] != 2 || stats.Counts[status.Canceled] != 1 {
		t.Fatalf("unexpected counts %v", stats.Counts)
	}
	if stats.Stale != 1 {
		t.Fatalf("expected 1 stale task, got %d", stats.Stale)
	}

	tasks, err := b.List(ctx, queue.ListOptions{State: status.Canceled, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := ids(tasks); !equal(got, []string{canceled}) {
		t.Fatalf("expected [%s], got %v", canceled, got)
	}

	all, err := b.List(ctx, queue.ListOptions{Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(all))
	}
}

// testConcurrentRunOnce drives several queues over one backend and checks
// that every task runs exactly once when nothing crashes.
func testConcurrentRunOnce(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	const tasks = 40
	for i := 0; i < tasks; i++ {
		if _, err := queue.Enqueue(ctx, b, []byte{byte(i)}, time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		runs = make(map[string]int)
	)
	handler := queue.HandlerFunc(func(ctx context.Context, task queue.Task) (queue.Result, error) {
		mu.Lock()
		runs[task.ID]++
		mu.Unlock()
		return queue.Success, nil
	})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := queue.New(b, queue.Options{StaleAfter: time.Hour, BatchSize: 8})
			for {
				_, err := q.RunOnce(ctx, handler)
				if errors.Is(err, queue.ErrNoTasks) {
					return
				}
				if err != nil {
					t.Errorf("run once: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(runs) != tasks {
		t.Fatalf("expected %d tasks run, got %d", tasks, len(runs))
	}
	for id, n := range runs {
		if n != 1 {
			t.Fatalf("task %s ran %d times", id, n)
		}
	}
	stats, err := b.Stats(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Counts[status.Finished] != tasks {
		t.Fatalf("expected %d finished, got %v", tasks, stats.Counts)
	}
}

func ids(tasks []queue.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func orderByCode(t *testing.T, b queue.Backend, ids []string) []string {
	t.Helper()
	tasks := make([]queue.Task, 0, len(ids))
	for _, id := range ids {
		task, err := b.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		tasks = append(tasks, task)
	}
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && (tasks[j].Status < tasks[j-1].Status || (tasks[j].Status == tasks[j-1].Status && tasks[j].ID < tasks[j-1].ID)); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
