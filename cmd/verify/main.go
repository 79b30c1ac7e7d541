package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

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
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	store, err := backend.Open(ctx, cfg, logging.New(os.Stderr, slog.LevelWarn))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer store.Close()

	views, err := queue.ListTasks(ctx, store, queue.ListOptions{}, cfg.StaleAfter)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Total tasks in %s/%s: %d\n", cfg.Backend, cfg.QueueName, len(views))

	var stale, corrupt, exhausted, future int
	horizon := time.Now().Add(24 * time.Hour * 365)
	for _, v := range views {
		switch {
		case v.DecodeError != "":
			corrupt++
			fmt.Printf("  corrupt %s: %s\n", v.ID, v.DecodeError)
		case v.Stale:
			stale++
		}
		if v.DecodeError == "" && v.State.Runnable() && cfg.MaxAttempts > 0 && v.Attempts >= cfg.MaxAttempts {
			exhausted++
		}
		if v.UpdatedAt.After(horizon) {
			future++
		}
	}

	failed := false
	report := func(n int, fail, pass string) {
		if n > 0 {
			failed = true
			fmt.Printf("[FAIL] "+fail+"\n", n)
			return
		}
		fmt.Printf("[PASS] %s\n", pass)
	}

	// Stale tasks are not wrong by themselves, but none should linger while
	// workers are running.
	report(stale, "Found %d working tasks past the staleness threshold", "No stale working tasks")
	report(corrupt, "Found %d tasks whose status cannot be decoded", "Every status decodes")
	report(exhausted, "Found %d runnable tasks that already used their attempts", "No runnable task exceeded max attempts")
	report(future, "Found %d tasks stamped more than a year ahead", "No implausible timestamps")

	if failed {
		os.Exit(1)
	}
}
