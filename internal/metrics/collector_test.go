package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
	"modelqueue-worker/internal/store/memory"
)

func TestCollectSetsGauges(t *testing.T) {
	store := memory.New()
	now := time.Now()
	put := func(id string, state status.State, at time.Time) {
		code, err := status.Encode(state, 1, at)
		if err != nil {
			t.Fatal(err)
		}
		store.Put(id, nil, code)
	}
	put("a", status.Created, now)
	put("b", status.Created, now)
	put("c", status.Working, now.Add(-2*time.Hour))
	put("d", status.Finished, now)
	store.Put("e", nil, status.Code(17))

	c := NewCollector(store, "collect-test", time.Hour, nil)
	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("collect: %v", err)
	}

	checks := map[string]float64{
		"created":  2,
		"waiting":  0,
		"working":  1,
		"finished": 1,
		"canceled": 0,
	}
	for state, want := range checks {
		if got := testutil.ToFloat64(tasksGauge.WithLabelValues("collect-test", state)); got != want {
			t.Fatalf("%s: expected %v, got %v", state, want, got)
		}
	}
	if got := testutil.ToFloat64(staleGauge.WithLabelValues("collect-test")); got != 1 {
		t.Fatalf("expected 1 stale task, got %v", got)
	}
	if got := testutil.ToFloat64(corruptGauge.WithLabelValues("collect-test")); got != 1 {
		t.Fatalf("expected 1 corrupt task, got %v", got)
	}
}

type failingSource struct{}

func (failingSource) Stats(context.Context, time.Time) (queue.Stats, error) {
	return queue.Stats{}, errors.New("down")
}

func TestCollectPropagatesErrors(t *testing.T) {
	c := NewCollector(failingSource{}, "collect-fail", time.Hour, nil)
	if err := c.Collect(context.Background()); err == nil {
		t.Fatal("expected error from failing source")
	}
}
