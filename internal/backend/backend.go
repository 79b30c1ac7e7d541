// Package backend opens the store selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"modelqueue-worker/internal/config"
	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/store/badger"
	"modelqueue-worker/internal/store/memory"
	"modelqueue-worker/internal/store/natskv"
	"modelqueue-worker/internal/store/postgres"
	"modelqueue-worker/internal/store/redis"
	"modelqueue-worker/internal/store/sqlite"
)

// closing releases a client the store does not own.
type closing struct {
	queue.Backend
	release func() error
}

func (c closing) Close() error {
	return errors.Join(c.Backend.Close(), c.release())
}

// Open connects to the configured store. The caller closes the result.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", cfg.Backend, "queue", cfg.QueueName)

	switch cfg.Backend {
	case "memory":
		logger.Warn("Using in-memory store; tasks do not survive a restart")
		return memory.New(), nil

	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DSN, int32(cfg.Concurrency+4))
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("Connected to postgres")
		return closing{Backend: postgres.New(pool, cfg.QueueName), release: func() error {
			pool.Close()
			return nil
		}}, nil

	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.DSN, cfg.QueueName)
		if err != nil {
			return nil, err
		}
		logger.Info("Opened sqlite database", "path", cfg.DSN)
		return s, nil

	case "redis":
		client, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to redis", "addr", cfg.Redis.Addr)
		return closing{Backend: redis.New(client, cfg.QueueName), release: client.Close}, nil

	case "badger":
		dir := cfg.Badger.Dir
		if cfg.Badger.InMemory {
			dir = ""
		}
		s, err := badger.Open(dir, cfg.QueueName)
		if err != nil {
			return nil, err
		}
		logger.Info("Opened badger database", "dir", dir, "in_memory", cfg.Badger.InMemory)
		return s, nil

	case "nats":
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("modelqueue-"+cfg.WorkerID))
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		s, err := natskv.New(ctx, cfg.QueueName, natskv.Config{Conn: conn, Bucket: cfg.NATS.Bucket})
		if err != nil {
			conn.Close()
			return nil, err
		}
		logger.Info("Connected to nats", "url", cfg.NATS.URL)
		return closing{Backend: s, release: func() error {
			conn.Close()
			return nil
		}}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
