package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Host transports.
const (
	TransportGRPC  = "grpc"
	TransportUnix  = "unix"
	TransportVsock = "vsock"
)

// Shared-memory backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// HostConfig holds the connection to the host
type HostConfig struct {
	Transport       string        `json:"transport" yaml:"transport" toml:"transport"`
	Address         string        `json:"address" yaml:"address" toml:"address"`
	SocketPath      string        `json:"socket_path" yaml:"socket_path" toml:"socket_path"`
	VsockPort       uint32        `json:"vsock_port" yaml:"vsock_port" toml:"vsock_port"`
	MaxMessageBytes int           `json:"max_message_bytes" yaml:"max_message_bytes" toml:"max_message_bytes"`
	DialTimeout     time.Duration `json:"dial_timeout" yaml:"dial_timeout" toml:"dial_timeout"`
}

// WorkerConfig identifies this worker to the host
type WorkerConfig struct {
	ID               string `json:"id" yaml:"id" toml:"id"`
	RequestID        string `json:"request_id" yaml:"request_id" toml:"request_id"`
	AppDirectory     string `json:"app_directory" yaml:"app_directory" toml:"app_directory"`
	DeferredBindings bool   `json:"deferred_bindings" yaml:"deferred_bindings" toml:"deferred_bindings"`
}

// ExecutorConfig holds invocation execution settings
type ExecutorConfig struct {
	BlockingWorkers int           `json:"blocking_workers" yaml:"blocking_workers" toml:"blocking_workers"`
	QueueSize       int           `json:"queue_size" yaml:"queue_size" toml:"queue_size"`
	SoftDeadline    time.Duration `json:"soft_deadline" yaml:"soft_deadline" toml:"soft_deadline"`
	CancelGrace     time.Duration `json:"cancel_grace" yaml:"cancel_grace" toml:"cancel_grace"`
	ShutdownGrace   time.Duration `json:"shutdown_grace" yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	Password  string `json:"password" yaml:"password" toml:"password"`
	DB        int    `json:"db" yaml:"db" toml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" toml:"key_prefix"`
}

// SharedMemoryConfig holds large payload transfer settings
type SharedMemoryConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	Backend   string        `json:"backend" yaml:"backend" toml:"backend"`
	Threshold int           `json:"threshold" yaml:"threshold" toml:"threshold"`
	TTL       time.Duration `json:"ttl" yaml:"ttl" toml:"ttl"`
	Redis     RedisConfig   `json:"redis" yaml:"redis" toml:"redis"`
}

// ObservabilityConfig holds tracing settings
type ObservabilityConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter" toml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	Namespace string `json:"namespace" yaml:"namespace" toml:"namespace"`
}

// DaemonConfig holds process-wide settings
type DaemonConfig struct {
	LogLevel       string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat      string `json:"log_format" yaml:"log_format" toml:"log_format"`
	RequestLogFile string `json:"request_log_file" yaml:"request_log_file" toml:"request_log_file"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Host          HostConfig          `json:"host" yaml:"host" toml:"host"`
	Worker        WorkerConfig        `json:"worker" yaml:"worker" toml:"worker"`
	Executor      ExecutorConfig      `json:"executor" yaml:"executor" toml:"executor"`
	SharedMemory  SharedMemoryConfig  `json:"shared_memory" yaml:"shared_memory" toml:"shared_memory"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability" toml:"observability"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics" toml:"metrics"`
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon" toml:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host: HostConfig{
			Transport:       TransportGRPC,
			Address:         "127.0.0.1:7071",
			SocketPath:      "/tmp/quasar.sock",
			VsockPort:       9999,
			MaxMessageBytes: 8 * 1024 * 1024,
			DialTimeout:     10 * time.Second,
		},
		Worker: WorkerConfig{
			AppDirectory: ".",
		},
		Executor: ExecutorConfig{
			BlockingWorkers: 4,
			QueueSize:       64,
			CancelGrace:     100 * time.Millisecond,
			ShutdownGrace:   30 * time.Second,
		},
		SharedMemory: SharedMemoryConfig{
			Enabled:   false,
			Backend:   BackendMemory,
			Threshold: 1 << 20,
			TTL:       5 * time.Minute,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "quasar:shm:",
			},
		},
		Observability: ObservabilityConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "quasar-worker",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Addr:      "",
			Namespace: "quasar",
		},
		Daemon: DaemonConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON, YAML or TOML file, chosen
// by extension. Values not present in the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// Malformed numeric or boolean values are reported and leave the field
// unchanged.
func LoadFromEnv(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	uint32v := func(key string, dst *uint32) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = uint32(n)
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	str("QUASAR_TRANSPORT", &cfg.Host.Transport)
	str("QUASAR_HOST_ADDR", &cfg.Host.Address)
	str("QUASAR_SOCKET_PATH", &cfg.Host.SocketPath)
	uint32v("QUASAR_VSOCK_PORT", &cfg.Host.VsockPort)
	integer("QUASAR_MAX_MESSAGE_BYTES", &cfg.Host.MaxMessageBytes)

	str("QUASAR_WORKER_ID", &cfg.Worker.ID)
	str("QUASAR_REQUEST_ID", &cfg.Worker.RequestID)
	str("QUASAR_APP_DIR", &cfg.Worker.AppDirectory)
	boolean("QUASAR_DEFERRED_BINDINGS", &cfg.Worker.DeferredBindings)

	integer("QUASAR_BLOCKING_WORKERS", &cfg.Executor.BlockingWorkers)
	integer("QUASAR_QUEUE_SIZE", &cfg.Executor.QueueSize)
	duration("QUASAR_SOFT_DEADLINE", &cfg.Executor.SoftDeadline)
	duration("QUASAR_SHUTDOWN_GRACE", &cfg.Executor.ShutdownGrace)

	boolean("QUASAR_SHM_ENABLED", &cfg.SharedMemory.Enabled)
	str("QUASAR_SHM_BACKEND", &cfg.SharedMemory.Backend)
	integer("QUASAR_SHM_THRESHOLD", &cfg.SharedMemory.Threshold)
	str("QUASAR_REDIS_ADDR", &cfg.SharedMemory.Redis.Addr)
	str("QUASAR_REDIS_PASSWORD", &cfg.SharedMemory.Redis.Password)

	boolean("QUASAR_OTEL_ENABLED", &cfg.Observability.Enabled)
	str("QUASAR_OTEL_ENDPOINT", &cfg.Observability.Endpoint)
	str("QUASAR_METRICS_ADDR", &cfg.Metrics.Addr)

	str("QUASAR_LOG_LEVEL", &cfg.Daemon.LogLevel)
	str("QUASAR_LOG_FORMAT", &cfg.Daemon.LogFormat)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	switch c.Host.Transport {
	case TransportGRPC:
		if c.Host.Address == "" {
			return fmt.Errorf("host.address is required for the grpc transport")
		}
	case TransportUnix:
		if c.Host.SocketPath == "" {
			return fmt.Errorf("host.socket_path is required for the unix transport")
		}
	case TransportVsock:
		if c.Host.VsockPort == 0 {
			return fmt.Errorf("host.vsock_port is required for the vsock transport")
		}
	default:
		return fmt.Errorf("unknown host.transport %q", c.Host.Transport)
	}
	if c.Host.MaxMessageBytes <= 0 {
		return fmt.Errorf("host.max_message_bytes must be positive")
	}
	if c.Executor.BlockingWorkers <= 0 {
		return fmt.Errorf("executor.blocking_workers must be positive")
	}
	if c.Executor.QueueSize < 0 {
		return fmt.Errorf("executor.queue_size must not be negative")
	}
	if c.SharedMemory.Enabled {
		switch c.SharedMemory.Backend {
		case BackendMemory, BackendRedis:
		default:
			return fmt.Errorf("unknown shared_memory.backend %q", c.SharedMemory.Backend)
		}
		if c.SharedMemory.Threshold <= 0 {
			return fmt.Errorf("shared_memory.threshold must be positive")
		}
	}
	if r := c.Observability.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0, 1]")
	}
	return nil
}
