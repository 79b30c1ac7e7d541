package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"modelqueue-worker/internal/backend"
	"modelqueue-worker/internal/config"
	"modelqueue-worker/internal/logging"
	"modelqueue-worker/internal/queue"
)

func main() {
	cfg := config.DefaultConfig()
	if err := config.ApplyEnv(cfg); err != nil {
		log.Fatal(err)
	}
	cfg.BindFlags(flag.CommandLine)
	numTasks := flag.Int("tasks", 1000, "Number of tasks to enqueue")
	workers := flag.Int("workers", 4, "Concurrent producers")
	runAfterPercent := flag.Int("run-after-percent", 10, "Percentage of tasks due in the future")
	payloadSize := flag.Int("payload-size", 100, "Size of payload in bytes")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	if *workers < 1 {
		*workers = 1
	}

	ctx := context.Background()
	store, err := backend.Open(ctx, cfg, logging.New(os.Stderr, slog.LevelWarn))
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Backend, err)
	}
	defer store.Close()

	log.Printf("Enqueuing %d tasks into %s/%s...", *numTasks, cfg.Backend, cfg.QueueName)
	start := time.Now()

	var next, done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		r := rand.New(rand.NewSource(*seed + int64(w)))
		g.Go(func() error {
			for {
				i := next.Add(1)
				if i > int64(*numTasks) || gctx.Err() != nil {
					return nil
				}
				runAt := time.Now()
				if r.Intn(100) < *runAfterPercent {
					runAt = runAt.Add(time.Duration(r.Intn(3600)) * time.Second)
				}
				data := make([]byte, *payloadSize)
				r.Read(data)
				payload := fmt.Sprintf(`{"seq": %d, "data": "%x"}`, i, data)

				if _, err := queue.Enqueue(gctx, store, []byte(payload), runAt); err != nil {
					return fmt.Errorf("enqueue task %d: %w", i, err)
				}
				if n := done.Add(1); n%100 == 0 {
					fmt.Printf(".")
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Failed after %d tasks: %v", done.Load(), err)
	}

	fmt.Println()
	elapsed := time.Since(start)
	log.Printf("Done in %v (%.0f tasks/s)", elapsed, float64(*numTasks)/elapsed.Seconds())
}
