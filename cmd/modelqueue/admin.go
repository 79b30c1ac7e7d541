package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"modelqueue-worker/internal/backend"
	"modelqueue-worker/internal/config"
	"modelqueue-worker/internal/logging"
	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

// openAdmin opens the configured store with logs on stderr so that command
// output on stdout stays machine readable.
func openAdmin(cfg *config.Config) (context.Context, queue.Backend, *slog.Logger) {
	logger := logging.New(os.Stderr, slog.LevelWarn)
	ctx := context.Background()
	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	return ctx, store, logger
}

func readPayload(inline, path string, stdin io.Reader) ([]byte, error) {
	switch {
	case inline != "" && path != "":
		return nil, fmt.Errorf("use only one of --payload and --payload-file")
	case path == "-":
		return io.ReadAll(stdin)
	case path != "":
		return os.ReadFile(path)
	default:
		return []byte(inline), nil
	}
}

func runEnqueue(args []string) {
	var payload, payloadFile string
	var delay time.Duration
	count := 1
	cfg, _ := mustParseConfig("enqueue", args, func(fs *flag.FlagSet) {
		fs.StringVar(&payload, "payload", "", "Task payload")
		fs.StringVar(&payloadFile, "payload-file", "", "Read the payload from a file (- for stdin)")
		fs.DurationVar(&delay, "delay", 0, "Run no earlier than this long from now")
		fs.IntVar(&count, "count", 1, "Number of copies to enqueue")
	})
	body, err := readPayload(payload, payloadFile, os.Stdin)
	if err != nil {
		log.Fatal(err)
	}
	if count < 1 || delay < 0 {
		log.Fatal("--count must be positive and --delay non-negative")
	}

	ctx, store, _ := openAdmin(cfg)
	defer store.Close()
	runAt := time.Now().Add(delay)
	for i := 0; i < count; i++ {
		id, err := queue.Enqueue(ctx, store, body, runAt)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(id)
	}
}

func runInspect(args []string) {
	var id string
	asJSON := false
	cfg, _ := mustParseConfig("inspect", args, func(fs *flag.FlagSet) {
		fs.StringVar(&id, "id", "", "Task ID")
		fs.BoolVar(&asJSON, "json", false, "Print JSON")
	})
	if id == "" {
		log.Fatal("--id required")
	}

	ctx, store, _ := openAdmin(cfg)
	defer store.Close()
	view, err := queue.Inspect(ctx, store, id, cfg.StaleAfter)
	if err != nil {
		log.Fatal(err)
	}
	if asJSON {
		printJSON(os.Stdout, view)
		return
	}
	printView(os.Stdout, view)
}

func printView(w io.Writer, view queue.TaskView) {
	fmt.Fprintf(w, "ID: %s\n", view.ID)
	fmt.Fprintf(w, "Code: %s\n", view.Code)
	if view.DecodeError != "" {
		fmt.Fprintf(w, "Decode Error: %s\n", view.DecodeError)
	} else {
		fmt.Fprintf(w, "State: %s\n", view.State)
		fmt.Fprintf(w, "Attempts: %d\n", view.Attempts)
		fmt.Fprintf(w, "Updated At: %s\n", view.UpdatedAt.Format(time.RFC3339Nano))
		fmt.Fprintf(w, "Stale: %t\n", view.Stale)
	}
	fmt.Fprintf(w, "Payload: %s\n", string(view.Payload))
}

func runList(args []string) {
	var stateName string
	limit := 50
	asJSON := false
	cfg, _ := mustParseConfig("list", args, func(fs *flag.FlagSet) {
		fs.StringVar(&stateName, "state", "", "Only list tasks in this state")
		fs.IntVar(&limit, "limit", 50, "Max tasks to list (0 = no limit)")
		fs.BoolVar(&asJSON, "json", false, "Print JSON")
	})
	opts := queue.ListOptions{Limit: limit}
	if stateName != "" {
		state, err := status.ParseState(stateName)
		if err != nil {
			log.Fatal(err)
		}
		opts.State = state
	}

	ctx, store, _ := openAdmin(cfg)
	defer store.Close()
	views, err := queue.ListTasks(ctx, store, opts, cfg.StaleAfter)
	if err != nil {
		log.Fatal(err)
	}
	if asJSON {
		printJSON(os.Stdout, views)
		return
	}
	if len(views) == 0 {
		fmt.Println("No tasks.")
		return
	}
	printViews(os.Stdout, views)
}

func printViews(w io.Writer, views []queue.TaskView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tState\tAttempts\tUpdatedAt\tStale")
	for _, v := range views {
		state := v.State.String()
		updated := v.UpdatedAt.Format(time.RFC3339)
		if v.DecodeError != "" {
			state = "corrupt(" + v.Code.String() + ")"
			updated = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\n", v.ID, state, v.Attempts, updated, v.Stale)
	}
	tw.Flush()
}

func runStats(args []string) {
	cfg, _ := mustParseConfig("stats", args, nil)
	ctx, store, _ := openAdmin(cfg)
	defer store.Close()

	stats, err := store.Stats(ctx, time.Now().Add(-cfg.StaleAfter))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Queue: %s (%s)\n", cfg.QueueName, cfg.Backend)
	for _, state := range status.States {
		fmt.Printf("%-9s %d\n", state.String()+":", stats.Counts[state])
	}
	fmt.Printf("%-9s %d\n", "stale:", stats.Stale)
	fmt.Printf("%-9s %d\n", "corrupt:", stats.Corrupt)
}

func runCancel(args []string) {
	var id, observed string
	cfg, _ := mustParseConfig("cancel", args, func(fs *flag.FlagSet) {
		fs.StringVar(&id, "id", "", "Task ID to cancel")
		fs.StringVar(&observed, "observed", "", "Status code last seen; the cancel fails if it changed")
	})
	transition(cfg, id, observed, status.Canceled)
}

func runTransition(args []string) {
	var id, observed, stateName string
	cfg, _ := mustParseConfig("transition", args, func(fs *flag.FlagSet) {
		fs.StringVar(&id, "id", "", "Task ID")
		fs.StringVar(&stateName, "state", "", "Target state (waiting, finished or canceled)")
		fs.StringVar(&observed, "observed", "", "Status code last seen; the transition fails if it changed")
	})
	state, err := status.ParseState(stateName)
	if err != nil {
		log.Fatal(err)
	}
	transition(cfg, id, observed, state)
}

func transition(cfg *config.Config, id, rawObserved string, to status.State) {
	if id == "" {
		log.Fatal("--id required")
	}
	ctx, store, logger := openAdmin(cfg)
	defer store.Close()

	var observed status.Code
	if rawObserved != "" {
		code, err := status.Parse(rawObserved)
		if err != nil {
			log.Fatal(err)
		}
		observed = code
	} else {
		task, err := store.Get(ctx, id)
		if err != nil {
			log.Fatal(err)
		}
		observed = task.Status
	}

	q := queue.New(store, cfg.QueueOptions(), queue.WithLogger(logger))
	code, err := q.Transition(ctx, id, observed, to)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Task %s is now %s (%s)\n", id, to, code)
}

func runRetry(args []string) {
	var id string
	var delay time.Duration
	cfg, _ := mustParseConfig("retry", args, func(fs *flag.FlagSet) {
		fs.StringVar(&id, "id", "", "Finished or canceled task to enqueue again")
		fs.DurationVar(&delay, "delay", 0, "Run no earlier than this long from now")
	})
	if id == "" {
		log.Fatal("--id required")
	}
	ctx, store, _ := openAdmin(cfg)
	defer store.Close()

	newID, err := queue.Replay(ctx, store, id, time.Now().Add(delay))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Replayed %s as %s\n", id, newID)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal(err)
	}
}
