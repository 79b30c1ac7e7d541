package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"modelqueue-worker/internal/config"
	"modelqueue-worker/internal/events"
	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
	"modelqueue-worker/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Backend = "memory"
	cfg.QueueName = "test"
	cfg.WorkerID = "w1"
	cfg.Concurrency = 2
	cfg.PollMinBackoff = time.Millisecond
	cfg.PollMaxBackoff = 5 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, e := range r.events {
		out[e.Type]++
	}
	return out
}

func TestRunnerDrainsQueue(t *testing.T) {
	store := memory.New()
	q := queue.New(store, queue.Options{Name: "test"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 20
	for i := 0; i < total; i++ {
		if _, err := queue.Enqueue(ctx, store, []byte("job"), time.Now()); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var handled sync.WaitGroup
	handled.Add(total)
	handler := queue.HandlerFunc(func(ctx context.Context, task queue.Task) (queue.Result, error) {
		defer handled.Done()
		return queue.Success, nil
	})

	rec := &recorder{}
	r := New(testConfig(), q, handler, rec, testLogger())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	handled.Wait()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}

	stats, err := store.Stats(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Counts[status.Finished] != total {
		t.Fatalf("expected %d finished, got %v", total, stats.Counts)
	}
	if got := r.Metrics().Snapshot().Succeeded; got != total {
		t.Fatalf("expected %d succeeded, got %d", total, got)
	}
	types := rec.types()
	if types[events.TypeFinished] != total || types[events.TypeWorker] != 2 {
		t.Fatalf("unexpected events %v", types)
	}
}

type scripted struct {
	mu    sync.Mutex
	steps []func() (*queue.Outcome, error)
	calls int
}

func (s *scripted) RunOnce(ctx context.Context, h queue.Handler) (*queue.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.steps) == 0 {
		return nil, queue.ErrNoTasks
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step()
}

func code(t *testing.T, state status.State, attempts int) status.Code {
	t.Helper()
	c, err := status.Encode(state, attempts, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRunnerClassifiesOutcomes(t *testing.T) {
	fault := &queue.CallbackFault{TaskID: "c", Err: errors.New("boom")}
	q := &scripted{steps: []func() (*queue.Outcome, error){
		func() (*queue.Outcome, error) {
			return &queue.Outcome{TaskID: "a", Applied: true, Result: queue.RetryableFailure, Final: code(t, status.Waiting, 1)}, nil
		},
		func() (*queue.Outcome, error) {
			return &queue.Outcome{TaskID: "b", Applied: false, Reclaimed: true, Result: queue.Success, Final: code(t, status.Finished, 2)}, nil
		},
		func() (*queue.Outcome, error) {
			return &queue.Outcome{TaskID: "c", Applied: true, Result: queue.RetryableFailure, Final: code(t, status.Waiting, 1), Fault: fault}, fault
		},
		func() (*queue.Outcome, error) {
			return nil, &queue.StoreError{Op: "list eligible", Err: errors.New("down")}
		},
		func() (*queue.Outcome, error) {
			return nil, errors.Join(&status.DecodeError{Code: 7, Reason: "bad state"})
		},
		func() (*queue.Outcome, error) {
			return &queue.Outcome{TaskID: "d", Applied: true, Result: queue.PermanentFailure, Final: code(t, status.Canceled, 1)}, nil
		},
	}}

	cfg := testConfig()
	cfg.Concurrency = 1
	rec := &recorder{}
	r := New(cfg, q, nil, rec, testLogger())
	r.sleep = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		q.mu.Lock()
		remaining := len(q.steps)
		q.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for scripted steps")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	m := r.Metrics().Snapshot()
	if m.Claimed != 4 || m.Retried != 2 || m.Canceled != 1 || m.LostRaces != 1 || m.Faults != 1 || m.Reclaimed != 1 || m.StoreErrors != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	types := rec.types()
	for _, want := range []string{events.TypeRetried, events.TypeLostRace, events.TypeFault, events.TypeCorrupt, events.TypeCanceled} {
		if types[want] != 1 {
			t.Fatalf("expected one %s event, got %v", want, types)
		}
	}
}

func TestRunnerCancelsHandlersAfterShutdownTimeout(t *testing.T) {
	store := memory.New()
	q := queue.New(store, queue.Options{Name: "test"})
	if _, err := queue.Enqueue(context.Background(), store, nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	handler := queue.HandlerFunc(func(ctx context.Context, task queue.Task) (queue.Result, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.ShutdownTimeout = 20 * time.Millisecond
	r := New(cfg, q, handler, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after shutdown timeout")
	}
	if got := r.Metrics().Snapshot().Faults; got != 1 {
		t.Fatalf("expected canceled handler to count as a fault, got %d", got)
	}
	stats, err := store.Stats(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Counts[status.Waiting] != 1 {
		t.Fatalf("expected interrupted task back in waiting, got %v", stats.Counts)
	}
}

func TestNextBackoff(t *testing.T) {
	min, max := 100*time.Millisecond, time.Second
	got := []time.Duration{}
	var b time.Duration
	for i := 0; i < 6; i++ {
		b = nextBackoff(b, min, max)
		got = append(got, b)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	for i := 0; i < 100; i++ {
		j := jitter(max)
		if j < max/2 || j > max {
			t.Fatalf("jitter %v outside [%v, %v]", j, max/2, max)
		}
	}
}
