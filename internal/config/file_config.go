package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"modelqueue.yaml",
	"modelqueue.yml",
	"modelqueue.toml",
	".modelqueue.yaml",
	".modelqueue.yml",
	".modelqueue.toml",
}

type FileConfig struct {
	Backend string            `yaml:"backend" toml:"backend"`
	DSN     string            `yaml:"dsn" toml:"dsn"`
	Queue   QueueFileConfig   `yaml:"queue" toml:"queue"`
	Worker  WorkerFileConfig  `yaml:"worker" toml:"worker"`
	Redis   RedisFileConfig   `yaml:"redis" toml:"redis"`
	NATS    NATSFileConfig    `yaml:"nats" toml:"nats"`
	Badger  BadgerFileConfig  `yaml:"badger" toml:"badger"`
	Metrics MetricsFileConfig `yaml:"metrics" toml:"metrics"`
	Tracing TracingFileConfig `yaml:"tracing" toml:"tracing"`
	Beat    BeatFileConfig    `yaml:"beat" toml:"beat"`
}

type QueueFileConfig struct {
	Name            string `yaml:"name" toml:"name"`
	StaleAfter      string `yaml:"stale_after" toml:"stale_after"`
	MaxAttempts     *int   `yaml:"max_attempts" toml:"max_attempts"`
	RetryDelay      string `yaml:"retry_delay" toml:"retry_delay"`
	BatchSize       *int   `yaml:"batch_size" toml:"batch_size"`
	FinalizeTimeout string `yaml:"finalize_timeout" toml:"finalize_timeout"`
}

type WorkerFileConfig struct {
	WorkerID        string   `yaml:"worker_id" toml:"worker_id"`
	Concurrency     *int     `yaml:"concurrency" toml:"concurrency"`
	PollMinBackoff  string   `yaml:"poll_min_backoff" toml:"poll_min_backoff"`
	PollMaxBackoff  string   `yaml:"poll_max_backoff" toml:"poll_max_backoff"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	ExecMode        string   `yaml:"exec_mode" toml:"exec_mode"`
	ExecCommand     []string `yaml:"exec_command" toml:"exec_command"`
	ExecTimeout     string   `yaml:"exec_timeout" toml:"exec_timeout"`
	ExecSleep       string   `yaml:"exec_sleep" toml:"exec_sleep"`
	MaxOutputBytes  *int     `yaml:"max_output_bytes" toml:"max_output_bytes"`
}

type RedisFileConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       *int   `yaml:"db" toml:"db"`

	EventsChannel string `yaml:"events_channel" toml:"events_channel"`
}

type NATSFileConfig struct {
	URL    string `yaml:"url" toml:"url"`
	Bucket string `yaml:"bucket" toml:"bucket"`
}

type BadgerFileConfig struct {
	Dir      string `yaml:"dir" toml:"dir"`
	InMemory *bool  `yaml:"in_memory" toml:"in_memory"`
}

type MetricsFileConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"`
	AuthSecret     string   `yaml:"auth_secret" toml:"auth_secret"`
	AllowCIDRs     []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
	AuthLimit      *int     `yaml:"auth_limit" toml:"auth_limit"`
	AuthWindow     string   `yaml:"auth_window" toml:"auth_window"`
	AuthMaxEntries *int     `yaml:"auth_max_entries" toml:"auth_max_entries"`
	TLSCert        string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey         string   `yaml:"tls_key" toml:"tls_key"`
	TLSClientCA    string   `yaml:"tls_client_ca" toml:"tls_client_ca"`
}

type TracingFileConfig struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Insecure    *bool  `yaml:"insecure" toml:"insecure"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

type BeatFileConfig struct {
	Schedules []ScheduleFileConfig `yaml:"schedules" toml:"schedules"`
}

type ScheduleFileConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Cron    string `yaml:"cron" toml:"cron"`
	Payload string `yaml:"payload" toml:"payload"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("MODELQUEUE_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	setString(&cfg.Backend, fileCfg.Backend)
	setString(&cfg.DSN, fileCfg.DSN)

	q := fileCfg.Queue
	setString(&cfg.QueueName, q.Name)
	setInt(&cfg.MaxAttempts, q.MaxAttempts)
	setInt(&cfg.BatchSize, q.BatchSize)

	w := fileCfg.Worker
	setString(&cfg.WorkerID, w.WorkerID)
	setInt(&cfg.Concurrency, w.Concurrency)
	setString(&cfg.ExecMode, w.ExecMode)
	if len(w.ExecCommand) > 0 {
		cfg.ExecCommand = append([]string{}, w.ExecCommand...)
	}
	setInt(&cfg.MaxOutputBytes, w.MaxOutputBytes)

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"queue.stale_after", q.StaleAfter, &cfg.StaleAfter},
		{"queue.retry_delay", q.RetryDelay, &cfg.RetryDelay},
		{"queue.finalize_timeout", q.FinalizeTimeout, &cfg.FinalizeTimeout},
		{"worker.poll_min_backoff", w.PollMinBackoff, &cfg.PollMinBackoff},
		{"worker.poll_max_backoff", w.PollMaxBackoff, &cfg.PollMaxBackoff},
		{"worker.shutdown_timeout", w.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"worker.exec_timeout", w.ExecTimeout, &cfg.ExecTimeout},
		{"worker.exec_sleep", w.ExecSleep, &cfg.ExecSleep},
		{"metrics.auth_window", fileCfg.Metrics.AuthWindow, &cfg.Metrics.AuthWindow},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	if cfg.PollMaxBackoff < cfg.PollMinBackoff {
		return fmt.Errorf("worker.poll_max_backoff must be >= worker.poll_min_backoff")
	}

	setString(&cfg.Redis.Addr, fileCfg.Redis.Addr)
	setString(&cfg.Redis.Password, fileCfg.Redis.Password)
	setInt(&cfg.Redis.DB, fileCfg.Redis.DB)
	setString(&cfg.Redis.EventsChannel, fileCfg.Redis.EventsChannel)
	setString(&cfg.NATS.URL, fileCfg.NATS.URL)
	setString(&cfg.NATS.Bucket, fileCfg.NATS.Bucket)
	setString(&cfg.Badger.Dir, fileCfg.Badger.Dir)
	if fileCfg.Badger.InMemory != nil {
		cfg.Badger.InMemory = *fileCfg.Badger.InMemory
	}

	m := fileCfg.Metrics
	setString(&cfg.Metrics.Addr, m.Addr)
	setString(&cfg.Metrics.AuthToken, m.AuthToken)
	setString(&cfg.Metrics.AuthSecret, m.AuthSecret)
	if len(m.AllowCIDRs) > 0 {
		cfg.Metrics.AllowCIDRs = strings.Join(m.AllowCIDRs, ",")
	}
	setInt(&cfg.Metrics.AuthLimit, m.AuthLimit)
	setInt(&cfg.Metrics.AuthMaxEntries, m.AuthMaxEntries)
	setString(&cfg.Metrics.TLSCert, m.TLSCert)
	setString(&cfg.Metrics.TLSKey, m.TLSKey)
	setString(&cfg.Metrics.TLSClientCA, m.TLSClientCA)

	setString(&cfg.Tracing.Endpoint, fileCfg.Tracing.Endpoint)
	setString(&cfg.Tracing.ServiceName, fileCfg.Tracing.ServiceName)
	if fileCfg.Tracing.Insecure != nil {
		cfg.Tracing.Insecure = *fileCfg.Tracing.Insecure
	}

	for i, s := range fileCfg.Beat.Schedules {
		if s.Name == "" || s.Cron == "" {
			return fmt.Errorf("beat.schedules[%d] requires name and cron", i)
		}
		cfg.Beat = append(cfg.Beat, Schedule{Name: s.Name, Cron: s.Cron, Payload: s.Payload})
	}

	return nil
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func setInt(dst *int, val *int) {
	if val != nil {
		*dst = *val
	}
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
