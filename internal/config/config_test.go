package config

import (
	"flag"
	"io"
	"reflect"
	"testing"
	"time"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MODELQUEUE_BACKEND", "redis")
	t.Setenv("DATABASE_URL", "postgres://from-env")
	t.Setenv("MODELQUEUE_STALE_AFTER", "90s")
	t.Setenv("MODELQUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("MODELQUEUE_EXEC_COMMAND", "python3 -m worker")
	t.Setenv("MODELQUEUE_BADGER_IN_MEMORY", "true")

	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Backend != "redis" || cfg.DSN != "postgres://from-env" {
		t.Fatalf("unexpected backend/dsn %q %q", cfg.Backend, cfg.DSN)
	}
	if cfg.StaleAfter != 90*time.Second || cfg.MaxAttempts != 5 {
		t.Fatalf("unexpected stale_after/max_attempts %v %d", cfg.StaleAfter, cfg.MaxAttempts)
	}
	want := []string{"python3", "-m", "worker"}
	if !reflect.DeepEqual(cfg.ExecCommand, want) {
		t.Fatalf("expected %v, got %v", want, cfg.ExecCommand)
	}
	if !cfg.Badger.InMemory {
		t.Fatal("expected badger in memory")
	}
}

func TestApplyEnvInvalidValues(t *testing.T) {
	tests := map[string]string{
		"MODELQUEUE_STALE_AFTER":      "soon",
		"MODELQUEUE_MAX_ATTEMPTS":     "many",
		"MODELQUEUE_BADGER_IN_MEMORY": "maybe",
	}
	for name, val := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, val)
			if err := ApplyEnv(DefaultConfig()); err == nil {
				t.Fatalf("expected error for %s=%s", name, val)
			}
		})
	}
}

func TestBindFlagsOverrideEnv(t *testing.T) {
	t.Setenv("MODELQUEUE_QUEUE", "from-env")
	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatal(err)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.BindFlags(fs)

	if err := fs.Parse([]string{"--queue", "from-flag", "--exec-command", "sh -c 'exit 0'", "--retry-delay", "2s"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.QueueName != "from-flag" {
		t.Fatalf("expected from-flag, got %q", cfg.QueueName)
	}
	if cfg.RetryDelay != 2*time.Second {
		t.Fatalf("expected 2s, got %v", cfg.RetryDelay)
	}
	if len(cfg.ExecCommand) == 0 || cfg.ExecCommand[0] != "sh" {
		t.Fatalf("unexpected exec command %v", cfg.ExecCommand)
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate  func(*Config)
		wantErr bool
	}{
		"postgres with dsn":    {mutate: func(c *Config) { c.DSN = "postgres://x" }},
		"memory":               {mutate: func(c *Config) { c.Backend = "memory" }},
		"postgres without dsn": {mutate: func(c *Config) {}, wantErr: true},
		"unknown backend":      {mutate: func(c *Config) { c.Backend = "mongo" }, wantErr: true},
		"badger without dir":   {mutate: func(c *Config) { c.Backend = "badger" }, wantErr: true},
		"zero stale after":     {mutate: func(c *Config) { c.Backend = "memory"; c.StaleAfter = 0 }, wantErr: true},
		"negative attempts":    {mutate: func(c *Config) { c.Backend = "memory"; c.MaxAttempts = -1 }, wantErr: true},
	}
	for name, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		err := cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: expected error %v, got %v", name, tt.wantErr, err)
		}
	}
}

func TestValidateWorker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "memory"
	if err := cfg.ValidateWorker(); err == nil {
		t.Fatal("expected shell mode without a command to be rejected")
	}
	cfg.ExecMode = "mock"
	if err := cfg.ValidateWorker(); err != nil {
		t.Fatalf("expected mock mode to validate, got %v", err)
	}
	cfg.Concurrency = 0
	if err := cfg.ValidateWorker(); err == nil {
		t.Fatal("expected zero concurrency to be rejected")
	}
}

func TestQueueOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueName = "reports"
	cfg.MaxAttempts = 3
	opts := cfg.QueueOptions()
	if opts.Name != "reports" || opts.MaxAttempts != 3 || opts.StaleAfter != cfg.StaleAfter {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestPeriodicTasks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Beat = []Schedule{{Name: "nightly", Cron: "0 3 * * *", Payload: `{"job":"rollup"}`}}
	tasks := cfg.PeriodicTasks()
	if len(tasks) != 1 || tasks[0].CronExpr != "0 3 * * *" || string(tasks[0].Payload) != `{"job":"rollup"}` {
		t.Fatalf("unexpected periodic tasks %+v", tasks)
	}
}
