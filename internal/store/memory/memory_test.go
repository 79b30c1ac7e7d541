package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
	"modelqueue-worker/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) queue.Backend {
		return New()
	})
}

func TestSetErrorFailsOperations(t *testing.T) {
	s := New()
	boom := errors.New("connection refused")
	s.SetError(boom)

	if _, err := s.ListEligible(context.Background(), queue.Filter{Now: time.Now()}); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}

	s.SetError(nil)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("expected healthy store, got %v", err)
	}
}

func TestStatsCountsCorrupt(t *testing.T) {
	s := New()
	s.Put("bad", nil, status.Code(17000000000000000))
	s.Put("negative", nil, status.Code(-4))

	stats, err := s.Stats(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Corrupt != 2 {
		t.Fatalf("expected 2 corrupt rows, got %d", stats.Corrupt)
	}
}

func TestClosedStore(t *testing.T) {
	s := New()
	_ = s.Close()
	if _, err := s.Enqueue(context.Background(), nil, 0); err == nil {
		t.Fatal("expected error after close")
	}
}
