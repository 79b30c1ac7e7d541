package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestResolveConfigPathDefault(t *testing.T) {
	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("get cwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(orig)
	})

	path := filepath.Join(dir, "modelqueue.yaml")
	if err := os.WriteFile(path, []byte("backend: sqlite"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	got, err := ResolveConfigPath([]string{})
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if got != "modelqueue.yaml" {
		t.Fatalf("expected modelqueue.yaml, got %q", got)
	}
}

func TestResolveConfigPathPrecedence(t *testing.T) {
	t.Setenv("MODELQUEUE_CONFIG", "/etc/modelqueue.toml")

	got, err := ResolveConfigPath([]string{"--config=/tmp/flag.yaml"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/flag.yaml" {
		t.Fatalf("expected flag path, got %q", got)
	}
	got, err = ResolveConfigPath(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/etc/modelqueue.toml" {
		t.Fatalf("expected env path, got %q", got)
	}
	if _, err := ResolveConfigPath([]string{"--config"}); err == nil {
		t.Fatal("expected error for missing --config value")
	}
}

func TestLoadFileConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelqueue.yaml")
	content := `
backend: redis
queue:
  name: emails
  stale_after: "15m"
  max_attempts: 4
worker:
  concurrency: 8
  exec_command: ["python3", "-m", "jobs"]
redis:
  addr: "cache:6379"
  db: 2
beat:
  schedules:
    - name: nightly
      cron: "0 3 * * *"
      payload: '{"job":"rollup"}'
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg := DefaultConfig()
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Backend != "redis" || cfg.QueueName != "emails" {
		t.Fatalf("unexpected backend/queue %q %q", cfg.Backend, cfg.QueueName)
	}
	if cfg.StaleAfter != 15*time.Minute || cfg.MaxAttempts != 4 || cfg.Concurrency != 8 {
		t.Fatalf("unexpected queue settings %+v", cfg)
	}
	if cfg.Redis.Addr != "cache:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected redis settings %+v", cfg.Redis)
	}
	wantBeat := []Schedule{{Name: "nightly", Cron: "0 3 * * *", Payload: `{"job":"rollup"}`}}
	if !reflect.DeepEqual(cfg.Beat, wantBeat) {
		t.Fatalf("expected %v, got %v", wantBeat, cfg.Beat)
	}
}

func TestLoadFileConfigTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelqueue.toml")
	content := `
backend = "badger"

[badger]
dir = "/var/lib/modelqueue"

[metrics]
addr = "127.0.0.1:9090"
allow_cidrs = ["10.0.0.0/8", "127.0.0.1"]
auth_window = "30s"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg := DefaultConfig()
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Backend != "badger" || cfg.Badger.Dir != "/var/lib/modelqueue" {
		t.Fatalf("unexpected badger settings %q %+v", cfg.Backend, cfg.Badger)
	}
	if cfg.Metrics.AllowCIDRs != "10.0.0.0/8,127.0.0.1" || cfg.Metrics.AuthWindow != 30*time.Second {
		t.Fatalf("unexpected metrics settings %+v", cfg.Metrics)
	}
}

func TestLoadFileConfigUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelqueue.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFileConfig(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestApplyFileConfigInvalidDuration(t *testing.T) {
	cfg := DefaultConfig()
	fileCfg := &FileConfig{
		Queue: QueueFileConfig{
			StaleAfter: "nope",
		},
	}
	if err := ApplyFileConfig(cfg, fileCfg); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestApplyFileConfigInvalidBackoffRange(t *testing.T) {
	cfg := DefaultConfig()
	fileCfg := &FileConfig{
		Worker: WorkerFileConfig{
			PollMinBackoff: "5s",
			PollMaxBackoff: "1s",
		},
	}
	if err := ApplyFileConfig(cfg, fileCfg); err == nil {
		t.Fatal("expected error for invalid backoff range")
	}
}

func TestApplyFileConfigScheduleRequiresCron(t *testing.T) {
	cfg := DefaultConfig()
	fileCfg := &FileConfig{
		Beat: BeatFileConfig{Schedules: []ScheduleFileConfig{{Name: "nightly"}}},
	}
	if err := ApplyFileConfig(cfg, fileCfg); err == nil {
		t.Fatal("expected error for schedule without cron")
	}
}
