package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromFile_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "json",
			file: "quasar.json",
			content: `{
  "host": {"transport": "unix", "socket_path": "/run/host.sock"},
  "executor": {"blocking_workers": 8, "soft_deadline": 2000000000},
  "shared_memory": {"enabled": true, "backend": "redis", "redis": {"addr": "redis:6379"}}
}`,
		},
		{
			name: "yaml",
			file: "quasar.yaml",
			content: `
host:
  transport: unix
  socket_path: /run/host.sock
executor:
  blocking_workers: 8
  soft_deadline: 2s
shared_memory:
  enabled: true
  backend: redis
  redis:
    addr: redis:6379
`,
		},
		{
			name: "toml",
			file: "quasar.toml",
			content: `
[host]
transport = "unix"
socket_path = "/run/host.sock"

[executor]
blocking_workers = 8
soft_deadline = "2s"

[shared_memory]
enabled = true
backend = "redis"

[shared_memory.redis]
addr = "redis:6379"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromFile(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("LoadFromFile: %v", err)
			}

			want := DefaultConfig()
			want.Host.Transport = TransportUnix
			want.Host.SocketPath = "/run/host.sock"
			want.Executor.BlockingWorkers = 8
			want.Executor.SoftDeadline = 2 * time.Second
			want.SharedMemory.Enabled = true
			want.SharedMemory.Backend = BackendRedis
			want.SharedMemory.Redis.Addr = "redis:6379"
			if diff := cmp.Diff(want, cfg); diff != "" {
				t.Fatalf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := LoadFromFile(writeFile(t, "quasar.ini", "x=1")); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
	if _, err := LoadFromFile(writeFile(t, "quasar.json", "{")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QUASAR_TRANSPORT", "vsock")
	t.Setenv("QUASAR_VSOCK_PORT", "7000")
	t.Setenv("QUASAR_BLOCKING_WORKERS", "2")
	t.Setenv("QUASAR_SOFT_DEADLINE", "1500ms")
	t.Setenv("QUASAR_SHM_ENABLED", "true")
	t.Setenv("QUASAR_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Host.Transport != TransportVsock || cfg.Host.VsockPort != 7000 {
		t.Fatalf("host = %+v", cfg.Host)
	}
	if cfg.Executor.BlockingWorkers != 2 || cfg.Executor.SoftDeadline != 1500*time.Millisecond {
		t.Fatalf("executor = %+v", cfg.Executor)
	}
	if !cfg.SharedMemory.Enabled || cfg.Daemon.LogLevel != "debug" {
		t.Fatalf("shared memory enabled = %v, log level = %q", cfg.SharedMemory.Enabled, cfg.Daemon.LogLevel)
	}
}

func TestLoadFromEnv_Malformed(t *testing.T) {
	t.Setenv("QUASAR_BLOCKING_WORKERS", "many")
	t.Setenv("QUASAR_SHM_ENABLED", "sure")

	cfg := DefaultConfig()
	err := LoadFromEnv(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"QUASAR_BLOCKING_WORKERS", "QUASAR_SHM_ENABLED"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not name %s", err, key)
		}
	}
	if cfg.Executor.BlockingWorkers != 4 {
		t.Fatalf("malformed value applied: %d", cfg.Executor.BlockingWorkers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"unknown transport", func(c *Config) { c.Host.Transport = "carrier-pigeon" }, "host.transport"},
		{"grpc without address", func(c *Config) { c.Host.Address = "" }, "host.address"},
		{"unix without path", func(c *Config) { c.Host.Transport = TransportUnix; c.Host.SocketPath = "" }, "host.socket_path"},
		{"zero workers", func(c *Config) { c.Executor.BlockingWorkers = 0 }, "blocking_workers"},
		{"negative queue", func(c *Config) { c.Executor.QueueSize = -1 }, "queue_size"},
		{"unknown backend", func(c *Config) { c.SharedMemory.Enabled = true; c.SharedMemory.Backend = "s3" }, "shared_memory.backend"},
		{"sample rate", func(c *Config) { c.Observability.SampleRate = 2 }, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.errSub)
			}
		})
	}
}
