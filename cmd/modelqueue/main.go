package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"modelqueue-worker/internal/backend"
	"modelqueue-worker/internal/config"
	"modelqueue-worker/internal/events"
	"modelqueue-worker/internal/executor"
	"modelqueue-worker/internal/logging"
	"modelqueue-worker/internal/metrics"
	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/runner"
	redisstore "modelqueue-worker/internal/store/redis"
	"modelqueue-worker/internal/telemetry"
	"modelqueue-worker/internal/web"
)

const Version = "0.4.0"

const collectInterval = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("modelqueue version %s\n", Version)
		return
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "worker":
		runWorker(args)
	case "beat":
		runBeat(args)
	case "enqueue":
		runEnqueue(args)
	case "inspect":
		runInspect(args)
	case "list":
		runList(args)
	case "stats":
		runStats(args)
	case "cancel":
		runCancel(args)
	case "transition":
		runTransition(args)
	case "retry", "replay":
		runRetry(args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: modelqueue <worker|beat|enqueue|inspect|list|stats|cancel|transition|retry|version> [args]")
}

// parseConfig layers defaults, the config file, the environment and flags,
// in that order. bind may register command-specific flags.
func parseConfig(name string, args []string, bind func(fs *flag.FlagSet), handling flag.ErrorHandling) (*config.Config, *flag.FlagSet, error) {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		return nil, nil, err
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	cfg := config.DefaultConfig()
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, nil, err
	}

	fs := flag.NewFlagSet(name, handling)
	fs.String("config", configPath, "Path to modelqueue config file")
	cfg.BindFlags(fs)
	if bind != nil {
		bind(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg.Version = Version
	return cfg, fs, cfg.Validate()
}

func mustParseConfig(name string, args []string, bind func(fs *flag.FlagSet)) (*config.Config, *flag.FlagSet) {
	cfg, fs, err := parseConfig(name, args, bind, flag.ExitOnError)
	if err != nil {
		log.Fatal(err)
	}
	return cfg, fs
}

func runWorker(args []string) {
	withBeat := false
	cfg, _ := mustParseConfig("worker", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&withBeat, "with-beat", false, "Also run the beat scheduler in this process")
	})
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatal(err)
	}

	logger := logging.Init(cfg.WorkerID)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider := startTracing(ctx, cfg, logger)
	defer shutdownTracing(provider, logger)

	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	q := queue.New(store, cfg.QueueOptions(), queue.WithLogger(logger))

	var publishers events.Fanout
	var broker *events.Broker
	if cfg.Metrics.Addr != "" {
		broker = events.NewBroker(200)
		publishers = append(publishers, broker)
		server, err := newHTTPServer(cfg, store, q, broker, logger)
		if err != nil {
			log.Fatal(err)
		}
		go func() {
			logger.Info("Serving health, metrics and admin API", "addr", cfg.Metrics.Addr)
			if err := server.Start(ctx); err != nil {
				logger.Error("HTTP server error", "error", err)
			}
		}()
		metrics.NewCollector(store, cfg.QueueName, cfg.StaleAfter, logger).Start(ctx, collectInterval)
	}
	if cfg.Redis.EventsChannel != "" {
		client, err := redisstore.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal(err)
		}
		defer client.Close()
		publishers = append(publishers, events.NewRedisPublisher(client, cfg.Redis.EventsChannel, logger))
	}

	if withBeat {
		scheduler, err := queue.NewScheduler(store, cfg.PeriodicTasks(), logger)
		if err != nil {
			log.Fatal(err)
		}
		go scheduler.Run(ctx)
	}

	r := runner.New(cfg, q, newHandler(cfg, logger), publishers, logger)
	if err := r.Start(ctx); err != nil {
		log.Fatal(err)
	}
	logger.Info("Worker stopped cleanly")
}

func newHandler(cfg *config.Config, logger *slog.Logger) queue.Handler {
	if cfg.ExecMode == "mock" {
		return executor.NewMock(cfg.ExecSleep)
	}
	return executor.NewShell(cfg.ExecCommand, cfg.ExecTimeout, cfg.MaxOutputBytes, logger)
}

func newHTTPServer(cfg *config.Config, store queue.Backend, q *queue.Queue, broker *events.Broker, logger *slog.Logger) (*web.Server, error) {
	m := cfg.Metrics
	allowlist, err := web.ParseAllowlist(m.AllowCIDRs)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := web.TLSFiles{Cert: m.TLSCert, Key: m.TLSKey, ClientCA: m.TLSClientCA}.Config()
	if err != nil {
		return nil, err
	}
	clientAuth := tlsConfig != nil && tlsConfig.ClientAuth == tls.RequireAndVerifyClientCert
	if m.AuthToken == "" && m.AuthSecret == "" && !isLoopbackAddr(m.Addr) && allowlist == nil && !clientAuth {
		logger.Warn("HTTP endpoint has no auth; bind to localhost or set --metrics-auth-token", "addr", m.Addr)
	}
	return web.NewServer(store, q, web.ServerConfig{
		Addr:           m.Addr,
		Token:          m.AuthToken,
		Secret:         m.AuthSecret,
		AuthLimit:      m.AuthLimit,
		AuthWindow:     m.AuthWindow,
		AuthMaxEntries: m.AuthMaxEntries,
		Allowlist:      allowlist,
		TLS:            tlsConfig,
		StaleAfter:     cfg.StaleAfter,
	}, broker, logger), nil
}

func startTracing(ctx context.Context, cfg *config.Config, logger *slog.Logger) *telemetry.Provider {
	if cfg.Tracing.Endpoint == "" {
		return nil
	}
	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		WorkerID:       cfg.WorkerID,
	})
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
		return nil
	}
	logger.Info("Exporting traces", "endpoint", cfg.Tracing.Endpoint)
	return provider
}

func shutdownTracing(provider *telemetry.Provider, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.Warn("Tracing shutdown error", "error", err)
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func runBeat(args []string) {
	once := false
	cfg, _ := mustParseConfig("beat", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&once, "once", false, "Enqueue every schedule once and exit")
	})
	tasks := cfg.PeriodicTasks()
	if len(tasks) == 0 {
		log.Fatal("no beat schedules configured (beat.schedules in the config file)")
	}

	logger := logging.Init(cfg.WorkerID)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	scheduler, err := queue.NewScheduler(store, tasks, logger)
	if err != nil {
		log.Fatal(err)
	}
	if once {
		n, err := scheduler.EnqueueAll(ctx)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Enqueued %d periodic task(s)\n", n)
		return
	}

	for name, next := range scheduler.NextRuns(time.Now()) {
		logger.Info("Periodic task scheduled", "name", name, "next_run", next)
	}
	fmt.Printf("Starting modelqueue beat (%d schedules)...\n", len(tasks))
	scheduler.Run(ctx)
	fmt.Println("Shutting down beat...")
}
