package backend

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"modelqueue-worker/internal/config"
	"modelqueue-worker/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	tests := map[string]func(*config.Config){
		"memory": func(c *config.Config) {},
		"sqlite": func(c *config.Config) { c.DSN = filepath.Join(t.TempDir(), "tasks.db") },
		"redis":  func(c *config.Config) { c.Redis.Addr = mr.Addr() },
		"badger": func(c *config.Config) { c.Badger.InMemory = true },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Backend = name
			mutate(cfg)

			ctx := context.Background()
			b, err := Open(ctx, cfg, testLogger())
			if err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
			defer b.Close()

			id, err := queue.Enqueue(ctx, b, []byte("x"), time.Now())
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if _, err := b.Get(ctx, id); err != nil {
				t.Fatalf("get: %v", err)
			}
			if err := b.Ping(ctx); err != nil {
				t.Fatalf("ping: %v", err)
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = "mongo"
	if _, err := Open(context.Background(), cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Open(ctx, cfg, testLogger()); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}
