package queue_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
	"modelqueue-worker/internal/store/memory"
)

const threshold = 10 * time.Minute

var base = time.Date(2026, time.March, 4, 5, 6, 7, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: base}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newQueue(store queue.Store, clock *fakeClock, opts queue.Options) *queue.Queue {
	if opts.StaleAfter == 0 {
		opts.StaleAfter = threshold
	}
	return queue.New(store, opts, queue.WithClock(clock.Now))
}

func mustCode(t *testing.T, state status.State, attempts int, at time.Time) status.Code {
	t.Helper()
	c, err := status.Encode(state, attempts, at)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return c
}

func decode(t *testing.T, store *memory.Store, id string) status.Status {
	t.Helper()
	task, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	s, err := task.Status.Decode()
	if err != nil {
		t.Fatalf("decode %s: %v", id, err)
	}
	return s
}

func returning(result queue.Result) queue.HandlerFunc {
	return func(ctx context.Context, task queue.Task) (queue.Result, error) {
		return result, nil
	}
}

func TestScenarioSuccess(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", []byte(`{"job":1}`), mustCode(t, status.Waiting, 0, base.Add(-time.Second)))
	q := newQueue(store, clock, queue.Options{})

	var seen []byte
	outcome, err := q.RunOnce(context.Background(), queue.HandlerFunc(func(ctx context.Context, task queue.Task) (queue.Result, error) {
		seen = task.Payload
		if got := decode(t, store, "t1"); got.State != status.Working || got.Attempts != 1 {
			t.Errorf("expected working/1 during execution, got %v", got)
		}
		return queue.Success, nil
	}))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !bytes.Equal(seen, []byte(`{"job":1}`)) {
		t.Fatalf("expected payload verbatim, got %q", seen)
	}
	if outcome.TaskID != "t1" || outcome.Result != queue.Success || !outcome.Applied || outcome.Attempts != 1 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	got := decode(t, store, "t1")
	if got.State != status.Finished || got.Attempts != 1 {
		t.Fatalf("expected finished/1, got %v", got)
	}
}

func TestScenarioStaleReclaim(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", nil, mustCode(t, status.Waiting, 0, base.Add(-time.Second)))

	first := newQueue(store, clock, queue.Options{Name: "first"})
	second := newQueue(store, clock, queue.Options{Name: "second"})

	started := make(chan struct{})
	release := make(chan struct{})
	type result struct {
		outcome *queue.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := first.RunOnce(context.Background(), queue.HandlerFunc(func(ctx context.Context, task queue.Task) (queue.Result, error) {
			close(started)
			<-release
			return queue.Success, nil
		}))
		done <- result{outcome, err}
	}()
	<-started

	if got := decode(t, store, "t1"); got.State != status.Working || got.Attempts != 1 {
		t.Fatalf("expected working/1, got %v", got)
	}
	if _, err := second.RunOnce(context.Background(), returning(queue.Success)); !errors.Is(err, queue.ErrNoTasks) {
		t.Fatalf("expected fresh working task to be ineligible, got %v", err)
	}

	clock.Advance(2 * threshold)
	outcome, err := second.RunOnce(context.Background(), returning(queue.Success))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !outcome.Reclaimed || outcome.Attempts != 2 || !outcome.Applied {
		t.Fatalf("unexpected reclaim outcome %+v", outcome)
	}
	if got := decode(t, store, "t1"); got.State != status.Finished || got.Attempts != 2 {
		t.Fatalf("expected finished/2, got %v", got)
	}

	close(release)
	slow := <-done
	if slow.err != nil {
		t.Fatalf("slow worker: %v", slow.err)
	}
	if slow.outcome.Applied {
		t.Fatal("expected the slow worker's finalize to be dropped")
	}
	if got := decode(t, store, "t1"); got.State != status.Finished || got.Attempts != 2 {
		t.Fatalf("slow finalize overwrote the reclaimed result: %v", got)
	}
}

func TestScenarioRetry(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", nil, mustCode(t, status.Waiting, 0, base.Add(-time.Second)))
	q := newQueue(store, clock, queue.Options{})

	outcome, err := q.RunOnce(context.Background(), returning(queue.RetryableFailure))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if outcome.Result != queue.RetryableFailure || outcome.FinalState() != status.Waiting {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if got := decode(t, store, "t1"); got.State != status.Waiting || got.Attempts != 1 {
		t.Fatalf("expected waiting/1, got %v", got)
	}

	// the retry is stamped one millisecond after the claim
	clock.Advance(time.Millisecond)
	outcome, err = q.RunOnce(context.Background(), queue.HandlerFunc(func(ctx context.Context, task queue.Task) (queue.Result, error) {
		if got := decode(t, store, "t1"); got.State != status.Working || got.Attempts != 2 {
			t.Errorf("expected working/2, got %v", got)
		}
		return queue.Success, nil
	}))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if outcome.Attempts != 2 {
		t.Fatalf("expected attempt 2, got %d", outcome.Attempts)
	}
}

func TestScenarioAdminCancel(t *testing.T) {
	store := memory.New()
	clock := newClock()
	observed := mustCode(t, status.Waiting, 0, base.Add(-time.Second))
	store.Put("t1", nil, observed)
	q := newQueue(store, clock, queue.Options{})

	if _, err := q.Cancel(context.Background(), "t1", observed); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := decode(t, store, "t1"); got.State != status.Canceled || got.Attempts != 0 {
		t.Fatalf("expected canceled/0, got %v", got)
	}

	claim, err := q.TryClaim(context.Background(), "t1", observed)
	if err != nil {
		t.Fatalf("try claim: %v", err)
	}
	if claim.Result != queue.LostRace {
		t.Fatalf("expected LostRace, got %v", claim.Result)
	}
}

func TestTryClaimExactlyOneWinner(t *testing.T) {
	store := memory.New()
	clock := newClock()
	observed := mustCode(t, status.Waiting, 0, base.Add(-time.Second))
	store.Put("t1", nil, observed)

	const workers = 32
	results := make(chan queue.ClaimResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := newQueue(store, clock, queue.Options{})
			claim, err := q.TryClaim(context.Background(), "t1", observed)
			if err != nil {
				t.Errorf("try claim: %v", err)
				return
			}
			results <- claim.Result
		}()
	}
	wg.Wait()
	close(results)

	claimed, lost := 0, 0
	for r := range results {
		switch r {
		case queue.Claimed:
			claimed++
		case queue.LostRace:
			lost++
		}
	}
	if claimed != 1 || lost != workers-1 {
		t.Fatalf("expected 1 claimed and %d lost, got %d and %d", workers-1, claimed, lost)
	}
}

func TestTryClaimIncrementsAttemptsAndTime(t *testing.T) {
	store := memory.New()
	clock := newClock()
	observed := mustCode(t, status.Waiting, 4, base)
	store.Put("t1", nil, observed)
	q := newQueue(store, clock, queue.Options{})

	claim, err := q.TryClaim(context.Background(), "t1", observed)
	if err != nil {
		t.Fatal(err)
	}
	if claim.Result != queue.Claimed || claim.Status.Attempts != 5 || claim.Status.State != status.Working {
		t.Fatalf("unexpected claim %+v", claim)
	}
	if claim.Code <= observed {
		t.Fatalf("expected claim code %d to exceed observed %d", claim.Code, observed)
	}
}

func TestTryClaimCorruptCode(t *testing.T) {
	q := newQueue(memory.New(), newClock(), queue.Options{})
	var decodeErr *status.DecodeError
	if _, err := q.TryClaim(context.Background(), "t1", status.Code(-1)); !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestIsStale(t *testing.T) {
	now := base
	cases := map[string]struct {
		status status.Status
		want   bool
	}{
		"working past threshold": {status.Status{State: status.Working, Time: now.Add(-threshold - time.Millisecond)}, true},
		"working at threshold":   {status.Status{State: status.Working, Time: now.Add(-threshold)}, false},
		"working recently":       {status.Status{State: status.Working, Time: now.Add(-time.Second)}, false},
		"waiting long ago":       {status.Status{State: status.Waiting, Time: now.Add(-24 * time.Hour)}, false},
		"finished long ago":      {status.Status{State: status.Finished, Time: now.Add(-24 * time.Hour)}, false},
		"working in future":      {status.Status{State: status.Working, Time: now.Add(time.Hour)}, false},
	}
	for name, tc := range cases {
		if got := queue.IsStale(tc.status, threshold, now); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, got)
		}
	}
}

func TestStaleBecomesEligibleAfterThreshold(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", nil, mustCode(t, status.Working, 3, base))
	q := newQueue(store, clock, queue.Options{})

	clock.Advance(threshold)
	if _, err := q.RunOnce(context.Background(), returning(queue.Success)); !errors.Is(err, queue.ErrNoTasks) {
		t.Fatalf("expected no tasks at the threshold, got %v", err)
	}

	clock.Advance(time.Millisecond)
	outcome, err := q.RunOnce(context.Background(), returning(queue.Success))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if outcome.Attempts != 4 || !outcome.Reclaimed {
		t.Fatalf("expected reclaim at attempt 4, got %+v", outcome)
	}
}

func TestFinalizeGuardRejectsTerminal(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", nil, mustCode(t, status.Waiting, 0, base.Add(-time.Second)))
	q := newQueue(store, clock, queue.Options{})

	outcome, err := q.RunOnce(context.Background(), returning(queue.Success))
	if err != nil {
		t.Fatal(err)
	}
	for _, next := range []status.Code{outcome.Final, mustCode(t, status.Canceled, 1, base.Add(time.Hour))} {
		ok, err := store.CompareAndSwap(context.Background(), "t1", outcome.Claimed, next)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("expected a second finalize with the claim guard to fail")
		}
	}
}

func TestHandlerErrorIsFault(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", nil, mustCode(t, status.Waiting, 0, base.Add(-time.Second)))
	q := newQueue(store, clock, queue.Options{})

	boom := errors.New("boom")
	outcome, err := q.RunOnce(context.Background(), queue.HandlerFunc(func(ctx context.Context, task queue.Task) (queue.Result, error) {
		return queue.Success, boom
	}))
	var fault *queue.CallbackFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected CallbackFault, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected fault to wrap handler error, got %v", err)
	}
	if outcome == nil || outcome.Result != queue.RetryableFailure || !outcome.Applied {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if got := decode(t, store, "t1"); got.State != status.Waiting || got.Attempts != 1 {
		t.Fatalf("expected waiting/1, got %v", got)
	}
}

func TestHandlerPanicIsFault(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", nil, mustCode(t, status.Waiting, 0, base.Add(-time.Second)))
	q := newQueue(store, clock, queue.Options{})

	outcome, err := q.RunOnce(context.Background(), queue.HandlerFunc(func(ctx context.Context, task queue.Task) (queue.Result, error) {
		panic("handler exploded")
	}))
	var fault *queue.CallbackFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected CallbackFault, got %v", err)
	}
	if fault.Panic != "handler exploded" || len(fault.Stack) == 0 {
		t.Fatalf("expected panic value and stack, got %+v", fault)
	}
	if outcome.FinalState() != status.Waiting {
		t.Fatalf("expected retry after panic, got %v", outcome.FinalState())
	}
}

func TestInvalidResultIsFault(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", nil, mustCode(t, status.Waiting, 0, base.Add(-time.Second)))
	q := newQueue(store, clock, queue.Options{})

	_, err := q.RunOnce(context.Background(), returning(queue.Result(42)))
	var fault *queue.CallbackFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected CallbackFault, got %v", err)
	}
}

func TestTerminalResults(t *testing.T) {
	for _, result := range []queue.Result{queue.PermanentFailure, queue.Cancel} {
		store := memory.New()
		clock := newClock()
		store.Put("t1", nil, mustCode(t, status.Created, 0, base.Add(-time.Second)))
		q := newQueue(store, clock, queue.Options{})

		outcome, err := q.RunOnce(context.Background(), returning(result))
		if err != nil {
			t.Fatalf("%s: %v", result, err)
		}
		if got := decode(t, store, "t1"); got.State != status.Canceled || got.Attempts != 1 {
			t.Fatalf("%s: expected canceled/1, got %v", result, got)
		}
		if outcome.Result != result {
			t.Fatalf("expected %s, got %s", result, outcome.Result)
		}
		if _, err := q.RunOnce(context.Background(), returning(queue.Success)); !errors.Is(err, queue.ErrNoTasks) {
			t.Fatalf("%s: expected terminal task to stay put, got %v", result, err)
		}
	}
}

func TestMaxAttemptsCancelsRetry(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", nil, mustCode(t, status.Waiting, 0, base.Add(-time.Second)))
	q := newQueue(store, clock, queue.Options{MaxAttempts: 2})

	if _, err := q.RunOnce(context.Background(), returning(queue.RetryableFailure)); err != nil {
		t.Fatal(err)
	}
	if got := decode(t, store, "t1"); got.State != status.Waiting {
		t.Fatalf("expected waiting after first failure, got %v", got)
	}
	clock.Advance(time.Millisecond)
	if _, err := q.RunOnce(context.Background(), returning(queue.RetryableFailure)); err != nil {
		t.Fatal(err)
	}
	if got := decode(t, store, "t1"); got.State != status.Canceled || got.Attempts != 2 {
		t.Fatalf("expected canceled/2 after exhausting attempts, got %v", got)
	}
}

func TestStaleExhaustedIsCanceled(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", nil, mustCode(t, status.Working, 3, base.Add(-2*threshold)))
	q := newQueue(store, clock, queue.Options{MaxAttempts: 3})

	called := false
	_, err := q.RunOnce(context.Background(), queue.HandlerFunc(func(ctx context.Context, task queue.Task) (queue.Result, error) {
		called = true
		return queue.Success, nil
	}))
	if !errors.Is(err, queue.ErrNoTasks) {
		t.Fatalf("expected no runnable task, got %v", err)
	}
	if called {
		t.Fatal("expected exhausted task not to run")
	}
	if got := decode(t, store, "t1"); got.State != status.Canceled || got.Attempts != 3 {
		t.Fatalf("expected canceled/3, got %v", got)
	}
}

func TestRetryDelayPostponesTask(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("t1", nil, mustCode(t, status.Waiting, 0, base.Add(-time.Second)))
	q := newQueue(store, clock, queue.Options{RetryDelay: time.Minute})

	if _, err := q.RunOnce(context.Background(), returning(queue.RetryableFailure)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.RunOnce(context.Background(), returning(queue.Success)); !errors.Is(err, queue.ErrNoTasks) {
		t.Fatalf("expected delayed task to be ineligible, got %v", err)
	}
	clock.Advance(time.Minute)
	outcome, err := q.RunOnce(context.Background(), returning(queue.Success))
	if err != nil {
		t.Fatalf("expected delayed task to run, got %v", err)
	}
	if outcome.Attempts != 2 {
		t.Fatalf("expected attempt 2, got %d", outcome.Attempts)
	}
}

func TestOldestFirstWithIDTieBreak(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("b", nil, mustCode(t, status.Waiting, 0, base.Add(-time.Minute)))
	store.Put("a", nil, mustCode(t, status.Waiting, 5, base.Add(-time.Minute)))
	store.Put("c", nil, mustCode(t, status.Created, 0, base.Add(-time.Hour)))
	q := newQueue(store, clock, queue.Options{})

	var order []string
	for i := 0; i < 3; i++ {
		outcome, err := q.RunOnce(context.Background(), returning(queue.Success))
		if err != nil {
			t.Fatal(err)
		}
		order = append(order, outcome.TaskID)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestFutureTaskNotEligible(t *testing.T) {
	store := memory.New()
	clock := newClock()
	store.Put("later", nil, mustCode(t, status.Created, 0, base.Add(time.Hour)))
	q := newQueue(store, clock, queue.Options{})

	if _, err := q.RunOnce(context.Background(), returning(queue.Success)); !errors.Is(err, queue.ErrNoTasks) {
		t.Fatalf("expected ErrNoTasks, got %v", err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	store := memory.New()
	clock := newClock()
	before := mustCode(t, status.Waiting, 0, base.Add(-time.Second))
	store.Put("t1", nil, before)
	store.SetError(errors.New("dial tcp: connection refused"))
	q := newQueue(store, clock, queue.Options{})

	_, err := q.RunOnce(context.Background(), returning(queue.Success))
	if !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	var storeErr *queue.StoreError
	if !errors.As(err, &storeErr) || storeErr.Op != "list eligible" {
		t.Fatalf("expected list eligible StoreError, got %v", err)
	}

	store.SetError(nil)
	task, _ := store.Get(context.Background(), "t1")
	if task.Status != before {
		t.Fatalf("expected no mutation, got %d", task.Status)
	}
}

// corruptStore hands out a candidate whose status cannot be decoded.
type corruptStore struct {
	casCalls int
}

func (s *corruptStore) ListEligible(ctx context.Context, filter queue.Filter) ([]queue.Task, error) {
	overflow := status.Code((status.MaxTime.UnixMilli()+1)*10000 + int64(status.Waiting))
	return []queue.Task{{ID: "bad", Status: overflow}}, nil
}

func (s *corruptStore) CompareAndSwap(ctx context.Context, id string, expected, next status.Code) (bool, error) {
	s.casCalls++
	return false, nil
}

func TestDecodeErrorSurfaced(t *testing.T) {
	store := &corruptStore{}
	q := newQueue(store, newClock(), queue.Options{})

	_, err := q.RunOnce(context.Background(), returning(queue.Success))
	var decodeErr *status.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if store.casCalls != 0 {
		t.Fatalf("expected corrupt task untouched, got %d writes", store.casCalls)
	}
}

// mixedStore puts an undecodable candidate ahead of the real ones.
type mixedStore struct {
	*memory.Store
}

func (s mixedStore) ListEligible(ctx context.Context, filter queue.Filter) ([]queue.Task, error) {
	tasks, err := s.Store.ListEligible(ctx, filter)
	if err != nil {
		return nil, err
	}
	overflow := status.Code((status.MaxTime.UnixMilli()+1)*10000 + int64(status.Waiting))
	return append([]queue.Task{{ID: "bad", Status: overflow}}, tasks...), nil
}

func TestDecodeErrorKeptWithClaim(t *testing.T) {
	store := mixedStore{Store: memory.New()}
	store.Put("good", nil, mustCode(t, status.Created, 0, base))
	q := newQueue(store, newClock(), queue.Options{})

	outcome, err := q.RunOnce(context.Background(), returning(queue.Success))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome == nil || outcome.TaskID != "good" {
		t.Fatalf("expected good to be claimed, got %+v", outcome)
	}
	var decodeErr *status.DecodeError
	if !errors.As(outcome.Corrupt, &decodeErr) {
		t.Fatalf("expected DecodeError in outcome, got %v", outcome.Corrupt)
	}
}

func TestTransitionRules(t *testing.T) {
	store := memory.New()
	clock := newClock()
	q := newQueue(store, clock, queue.Options{})
	ctx := context.Background()

	finished := mustCode(t, status.Finished, 1, base)
	store.Put("done", nil, finished)
	if _, err := q.Transition(ctx, "done", finished, status.Waiting); !errors.Is(err, queue.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}

	waiting := mustCode(t, status.Waiting, 2, base)
	store.Put("w", nil, waiting)
	if _, err := q.Transition(ctx, "w", waiting, status.Working); err == nil {
		t.Fatal("expected forcing into working to be rejected")
	}
	stale := mustCode(t, status.Waiting, 1, base.Add(-time.Hour))
	if _, err := q.Transition(ctx, "w", stale, status.Canceled); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected ErrConflict for an outdated observation, got %v", err)
	}
	if _, err := q.Transition(ctx, "w", waiting, status.Finished); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got := decode(t, store, "w"); got.State != status.Finished || got.Attempts != 2 {
		t.Fatalf("expected finished/2, got %v", got)
	}

	corrupt := status.Code(17000000000000008)
	store.Put("bad", nil, corrupt)
	if _, err := q.Transition(ctx, "bad", corrupt, status.Waiting); err != nil {
		t.Fatalf("repair: %v", err)
	}
	if got := decode(t, store, "bad"); got.State != status.Waiting || got.Attempts != 0 {
		t.Fatalf("expected repaired waiting/0, got %v", got)
	}
}

func TestReplayEnqueuesCopy(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	store.Put("src", []byte("payload"), mustCode(t, status.Canceled, 3, base))
	store.Put("live", []byte("payload"), mustCode(t, status.Waiting, 0, base))

	id, err := queue.Replay(ctx, store, "src", base)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := decode(t, store, id); got.State != status.Created || got.Attempts != 0 {
		t.Fatalf("expected created/0 copy, got %v", got)
	}
	if got := decode(t, store, "src"); got.State != status.Canceled {
		t.Fatalf("expected source untouched, got %v", got)
	}
	if _, err := queue.Replay(ctx, store, "live", base); !errors.Is(err, queue.ErrNotTerminal) {
		t.Fatal("expected replay of a live task to be rejected")
	}
	if _, err := queue.Replay(ctx, store, "nope", base); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInspect(t *testing.T) {
	store := memory.New()
	store.Put("t1", []byte("x"), mustCode(t, status.Working, 2, time.Now().Add(-2*threshold)))
	view, err := queue.Inspect(context.Background(), store, "t1", threshold)
	if err != nil {
		t.Fatal(err)
	}
	if view.State != status.Working || view.Attempts != 2 || !view.Stale {
		t.Fatalf("unexpected view %+v", view)
	}
}
