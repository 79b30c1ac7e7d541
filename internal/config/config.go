package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"modelqueue-worker/internal/queue"
)

// Backends lists the accepted values of Config.Backend.
var Backends = []string{"memory", "postgres", "sqlite", "redis", "badger", "nats"}

type Config struct {
	Backend   string
	DSN       string // Postgres URL or SQLite file path
	QueueName string
	WorkerID  string
	Version   string

	StaleAfter      time.Duration // How long a working task may go without a transition
	MaxAttempts     int           // 0 means unlimited
	RetryDelay      time.Duration
	BatchSize       int
	FinalizeTimeout time.Duration

	Concurrency     int
	PollMinBackoff  time.Duration
	PollMaxBackoff  time.Duration
	ShutdownTimeout time.Duration

	ExecMode       string // "shell" or "mock"
	ExecCommand    []string
	ExecTimeout    time.Duration
	ExecSleep      time.Duration // Sleep duration for mock executor
	MaxOutputBytes int

	Redis   RedisConfig
	NATS    NATSConfig
	Badger  BadgerConfig
	Metrics MetricsConfig
	Tracing TracingConfig
	Beat    []Schedule
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	EventsChannel string
}

type NATSConfig struct {
	URL    string
	Bucket string
}

type BadgerConfig struct {
	Dir      string
	InMemory bool
}

type MetricsConfig struct {
	Addr           string
	AuthToken      string
	AuthSecret     string
	AllowCIDRs     string
	AuthLimit      int
	AuthWindow     time.Duration
	AuthMaxEntries int
	TLSCert        string
	TLSKey         string
	TLSClientCA    string
}

type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Schedule is one periodic enqueue run by beat.
type Schedule struct {
	Name    string
	Cron    string
	Payload string
}

func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Backend:         "postgres",
		QueueName:       queue.DefaultName,
		WorkerID:        fmt.Sprintf("worker-%s-%d", hostname, os.Getpid()),
		StaleAfter:      queue.DefaultStaleAfter,
		BatchSize:       queue.DefaultBatchSize,
		FinalizeTimeout: queue.DefaultFinalizeTimeout,
		Concurrency:     4,
		PollMinBackoff:  100 * time.Millisecond,
		PollMaxBackoff:  5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		ExecMode:        "shell",
		ExecTimeout:     time.Hour,
		ExecSleep:       100 * time.Millisecond,
		MaxOutputBytes:  1 << 20,
		Redis:           RedisConfig{Addr: "localhost:6379"},
		NATS:            NATSConfig{URL: "nats://127.0.0.1:4222"},
		Metrics: MetricsConfig{
			AuthLimit:      30,
			AuthWindow:     time.Minute,
			AuthMaxEntries: 1000,
		},
		Tracing: TracingConfig{ServiceName: "modelqueue-worker"},
	}
}

// QueueOptions maps the queue settings onto queue.Options.
func (c *Config) QueueOptions() queue.Options {
	return queue.Options{
		Name:            c.QueueName,
		StaleAfter:      c.StaleAfter,
		MaxAttempts:     c.MaxAttempts,
		RetryDelay:      c.RetryDelay,
		BatchSize:       c.BatchSize,
		FinalizeTimeout: c.FinalizeTimeout,
	}
}

// PeriodicTasks maps the beat schedules onto queue.PeriodicTask.
func (c *Config) PeriodicTasks() []queue.PeriodicTask {
	tasks := make([]queue.PeriodicTask, 0, len(c.Beat))
	for _, s := range c.Beat {
		tasks = append(tasks, queue.PeriodicTask{Name: s.Name, CronExpr: s.Cron, Payload: []byte(s.Payload)})
	}
	return tasks
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Backend, "backend", c.Backend, "Store backend ("+strings.Join(Backends, "|")+")")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "Postgres connection string or SQLite file path")
	fs.StringVar(&c.QueueName, "queue", c.QueueName, "Queue name")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.DurationVar(&c.StaleAfter, "stale-after", c.StaleAfter, "Reclaim working tasks idle longer than this")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "Cancel tasks after this many attempts (0 for unlimited)")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "Delay before a retried task becomes eligible")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "Candidates fetched per claim cycle")
	fs.DurationVar(&c.FinalizeTimeout, "finalize-timeout", c.FinalizeTimeout, "Timeout for writing a task outcome")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "Number of concurrent claim loops")
	fs.DurationVar(&c.PollMinBackoff, "poll-min-backoff", c.PollMinBackoff, "Minimum idle poll backoff")
	fs.DurationVar(&c.PollMaxBackoff, "poll-max-backoff", c.PollMaxBackoff, "Maximum idle poll backoff")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for tasks on shutdown")
	fs.StringVar(&c.ExecMode, "exec-mode", c.ExecMode, "Execution mode (shell|mock)")
	fs.Func("exec-command", "Command run for each task, payload on stdin", func(v string) error {
		c.ExecCommand = strings.Fields(v)
		return nil
	})
	fs.DurationVar(&c.ExecTimeout, "exec-timeout", c.ExecTimeout, "Per-task execution timeout")
	fs.DurationVar(&c.ExecSleep, "exec-sleep", c.ExecSleep, "Sleep duration for mock mode")
	fs.IntVar(&c.MaxOutputBytes, "max-output-bytes", c.MaxOutputBytes, "Max captured stdout/stderr bytes per task")

	fs.StringVar(&c.Redis.Addr, "redis-addr", c.Redis.Addr, "Redis address")
	fs.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "Redis database number")
	fs.StringVar(&c.Redis.EventsChannel, "redis-events-channel", c.Redis.EventsChannel, "Mirror worker events to this Redis pub/sub channel")
	fs.StringVar(&c.NATS.URL, "nats-url", c.NATS.URL, "NATS server URL")
	fs.StringVar(&c.NATS.Bucket, "nats-bucket", c.NATS.Bucket, "NATS KV bucket (defaults to one per queue)")
	fs.StringVar(&c.Badger.Dir, "badger-dir", c.Badger.Dir, "BadgerDB directory")
	fs.BoolVar(&c.Badger.InMemory, "badger-in-memory", c.Badger.InMemory, "Run BadgerDB in memory")

	fs.StringVar(&c.Metrics.Addr, "metrics-addr", c.Metrics.Addr, "Address to serve health/metrics/admin API (empty to disable)")
	fs.StringVar(&c.Metrics.AuthToken, "metrics-auth-token", c.Metrics.AuthToken, "Bearer token required for the HTTP endpoints")
	fs.StringVar(&c.Metrics.AuthSecret, "metrics-auth-secret", c.Metrics.AuthSecret, "HS256 secret for bearer JWTs accepted by the HTTP endpoints")
	fs.StringVar(&c.Metrics.AllowCIDRs, "metrics-allow-cidrs", c.Metrics.AllowCIDRs, "Comma-separated IP/CIDR allow-list")
	fs.IntVar(&c.Metrics.AuthLimit, "metrics-auth-limit", c.Metrics.AuthLimit, "Unauthorized request limit per window")
	fs.DurationVar(&c.Metrics.AuthWindow, "metrics-auth-window", c.Metrics.AuthWindow, "Window for unauthorized request rate limiting")
	fs.IntVar(&c.Metrics.AuthMaxEntries, "metrics-auth-max-entries", c.Metrics.AuthMaxEntries, "Max tracked hosts for auth rate limiting")
	fs.StringVar(&c.Metrics.TLSCert, "metrics-tls-cert", c.Metrics.TLSCert, "TLS certificate path")
	fs.StringVar(&c.Metrics.TLSKey, "metrics-tls-key", c.Metrics.TLSKey, "TLS private key path")
	fs.StringVar(&c.Metrics.TLSClientCA, "metrics-tls-client-ca", c.Metrics.TLSClientCA, "Optional client CA bundle for mTLS")

	fs.StringVar(&c.Tracing.Endpoint, "otlp-endpoint", c.Tracing.Endpoint, "OTLP/HTTP trace endpoint (empty to disable tracing)")
	fs.BoolVar(&c.Tracing.Insecure, "otlp-insecure", c.Tracing.Insecure, "Send traces without TLS")
}

// ApplyEnv overrides cfg from MODELQUEUE_* and a few conventional variables.
func ApplyEnv(cfg *Config) error {
	str := func(dst *string, names ...string) {
		for _, name := range names {
			if val := os.Getenv(name); val != "" {
				*dst = val
			}
		}
	}
	str(&cfg.Backend, "MODELQUEUE_BACKEND")
	str(&cfg.DSN, "DATABASE_URL", "MODELQUEUE_DSN")
	str(&cfg.QueueName, "MODELQUEUE_QUEUE")
	str(&cfg.WorkerID, "WORKER_ID", "MODELQUEUE_WORKER_ID")
	str(&cfg.ExecMode, "MODELQUEUE_EXEC_MODE")
	str(&cfg.Redis.Addr, "REDIS_ADDR", "MODELQUEUE_REDIS_ADDR")
	str(&cfg.Redis.Password, "MODELQUEUE_REDIS_PASSWORD")
	str(&cfg.Redis.EventsChannel, "MODELQUEUE_REDIS_EVENTS_CHANNEL")
	str(&cfg.NATS.URL, "NATS_URL", "MODELQUEUE_NATS_URL")
	str(&cfg.NATS.Bucket, "MODELQUEUE_NATS_BUCKET")
	str(&cfg.Badger.Dir, "MODELQUEUE_BADGER_DIR")
	str(&cfg.Metrics.Addr, "MODELQUEUE_METRICS_ADDR")
	str(&cfg.Metrics.AuthToken, "MODELQUEUE_METRICS_AUTH_TOKEN")
	str(&cfg.Metrics.AuthSecret, "MODELQUEUE_METRICS_AUTH_SECRET")
	str(&cfg.Metrics.AllowCIDRs, "MODELQUEUE_METRICS_ALLOW_CIDRS")
	str(&cfg.Metrics.TLSCert, "MODELQUEUE_METRICS_TLS_CERT")
	str(&cfg.Metrics.TLSKey, "MODELQUEUE_METRICS_TLS_KEY")
	str(&cfg.Metrics.TLSClientCA, "MODELQUEUE_METRICS_TLS_CLIENT_CA")
	str(&cfg.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT", "MODELQUEUE_OTLP_ENDPOINT")
	str(&cfg.Tracing.ServiceName, "OTEL_SERVICE_NAME")

	if val := os.Getenv("MODELQUEUE_EXEC_COMMAND"); val != "" {
		cfg.ExecCommand = strings.Fields(val)
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"MODELQUEUE_STALE_AFTER", &cfg.StaleAfter},
		{"MODELQUEUE_RETRY_DELAY", &cfg.RetryDelay},
		{"MODELQUEUE_FINALIZE_TIMEOUT", &cfg.FinalizeTimeout},
		{"MODELQUEUE_POLL_MIN_BACKOFF", &cfg.PollMinBackoff},
		{"MODELQUEUE_POLL_MAX_BACKOFF", &cfg.PollMaxBackoff},
		{"MODELQUEUE_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"MODELQUEUE_EXEC_TIMEOUT", &cfg.ExecTimeout},
		{"MODELQUEUE_EXEC_SLEEP", &cfg.ExecSleep},
		{"MODELQUEUE_METRICS_AUTH_WINDOW", &cfg.Metrics.AuthWindow},
	}
	for _, d := range durations {
		if val := os.Getenv(d.name); val != "" {
			parsed, err := parseDurationField(d.name, val)
			if err != nil {
				return err
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"MODELQUEUE_MAX_ATTEMPTS", &cfg.MaxAttempts},
		{"MODELQUEUE_BATCH_SIZE", &cfg.BatchSize},
		{"MODELQUEUE_CONCURRENCY", &cfg.Concurrency},
		{"MODELQUEUE_MAX_OUTPUT_BYTES", &cfg.MaxOutputBytes},
		{"MODELQUEUE_REDIS_DB", &cfg.Redis.DB},
		{"MODELQUEUE_METRICS_AUTH_LIMIT", &cfg.Metrics.AuthLimit},
		{"MODELQUEUE_METRICS_AUTH_MAX_ENTRIES", &cfg.Metrics.AuthMaxEntries},
	}
	for _, i := range ints {
		if val := os.Getenv(i.name); val != "" {
			parsed, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s (must be an integer)", i.name)
			}
			*i.dst = parsed
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"MODELQUEUE_BADGER_IN_MEMORY", &cfg.Badger.InMemory},
		{"MODELQUEUE_OTLP_INSECURE", &cfg.Tracing.Insecure},
	}
	for _, b := range bools {
		if val := os.Getenv(b.name); val != "" {
			parsed, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("invalid %s (must be a boolean)", b.name)
			}
			*b.dst = parsed
		}
	}
	return nil
}

// Validate rejects inconsistent store and queue settings before anything
// connects.
func (c *Config) Validate() error {
	known := false
	for _, b := range Backends {
		if c.Backend == b {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("unknown backend %q (use %s)", c.Backend, strings.Join(Backends, ", "))
	}
	if (c.Backend == "postgres" || c.Backend == "sqlite") && c.DSN == "" {
		return fmt.Errorf("%s backend requires a DSN (use --dsn, DATABASE_URL, or config file)", c.Backend)
	}
	if c.Backend == "badger" && c.Badger.Dir == "" && !c.Badger.InMemory {
		return fmt.Errorf("badger backend requires badger.dir or badger.in_memory")
	}
	if c.QueueName == "" {
		return fmt.Errorf("queue name is required")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be a positive duration")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be >= 0")
	}
	return nil
}

// ValidateWorker adds the checks that only matter to a running worker.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be a positive integer")
	}
	if c.PollMaxBackoff < c.PollMinBackoff {
		return fmt.Errorf("poll_max_backoff must be >= poll_min_backoff")
	}
	switch c.ExecMode {
	case "shell":
		if len(c.ExecCommand) == 0 {
			return fmt.Errorf("exec_command is required in shell mode")
		}
	case "mock":
	default:
		return fmt.Errorf("unknown exec mode %q (use shell or mock)", c.ExecMode)
	}
	if c.Metrics.AuthLimit <= 0 || c.Metrics.AuthWindow <= 0 || c.Metrics.AuthMaxEntries <= 0 {
		return fmt.Errorf("metrics auth limit, window and max entries must be positive")
	}
	return nil
}
