package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/quasar/internal/apps/demo"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/payload"
	"github.com/oriys/quasar/internal/protocol"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		transport   string
		hostAddr    string
		socketPath  string
		vsockPort   uint32
		appDir      string
		workerID    string
		requestID   string
		logLevel    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the host and serve the event stream",
		Long:  "Open the event stream to the host, negotiate capabilities and run invocations until the host terminates the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			if err := config.LoadFromEnv(cfg); err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("transport") {
				cfg.Host.Transport = transport
			}
			if flags.Changed("host") {
				cfg.Host.Address = hostAddr
			}
			if flags.Changed("socket") {
				cfg.Host.SocketPath = socketPath
			}
			if flags.Changed("vsock-port") {
				cfg.Host.VsockPort = vsockPort
			}
			if flags.Changed("app-dir") {
				cfg.Worker.AppDirectory = appDir
			}
			if flags.Changed("worker-id") {
				cfg.Worker.ID = workerID
			}
			if flags.Changed("request-id") {
				cfg.Worker.RequestID = requestID
			}
			if flags.Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if flags.Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Worker.ID == "" {
				cfg.Worker.ID = uuid.NewString()
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
			if cfg.Daemon.RequestLogFile != "" {
				if err := logging.Default().SetOutput(cfg.Daemon.RequestLogFile); err != nil {
					logging.Op().Warn("failed to open request log", "path", cfg.Daemon.RequestLogFile, "error", err)
				}
			}
			defer logging.Default().Close()

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Enabled,
				Exporter:    cfg.Observability.Exporter,
				Endpoint:    cfg.Observability.Endpoint,
				ServiceName: cfg.Observability.ServiceName,
				SampleRate:  cfg.Observability.SampleRate,
				Version:     version,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Addr != "" {
				metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
				srv := serveMetrics(cfg.Metrics.Addr)
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
				}()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var transfer *payload.Transfer
			if cfg.SharedMemory.Enabled {
				store, err := openPayloadStore(ctx, cfg.SharedMemory)
				if err != nil {
					return err
				}
				defer store.Close()
				transfer = payload.NewTransfer(store, cfg.SharedMemory.Threshold, cfg.SharedMemory.TTL)
			}

			stream, err := dialHost(ctx, cfg.Host)
			if err != nil {
				return err
			}

			session := dispatcher.New(dispatcher.Options{
				WorkerID:      cfg.Worker.ID,
				RequestID:     cfg.Worker.RequestID,
				WorkerVersion: version,
				AppDirectory:  cfg.Worker.AppDirectory,
				Loader:        demo.Catalog(),
				Features: dispatcher.Features{
					SharedMemory:     transfer != nil,
					OpenTelemetry:    observability.Enabled(),
					DeferredBindings: cfg.Worker.DeferredBindings,
				},
				Transfer: transfer,
				Executor: []executor.Option{
					executor.WithPool(executor.PoolConfig{
						Workers:   cfg.Executor.BlockingWorkers,
						QueueSize: cfg.Executor.QueueSize,
					}),
					executor.WithSoftDeadline(cfg.Executor.SoftDeadline),
					executor.WithCancelGrace(cfg.Executor.CancelGrace),
				},
				ShutdownGrace: cfg.Executor.ShutdownGrace,
			})

			logging.Op().Info("quasar worker starting",
				"version", version,
				"transport", cfg.Host.Transport,
				"worker_id", cfg.Worker.ID,
				"shared_memory", transfer != nil,
				"tracing", observability.Enabled())

			if err := session.Run(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logging.Op().Info("quasar worker stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&transport, "transport", config.TransportGRPC, "Host transport: grpc, unix or vsock")
	cmd.Flags().StringVar(&hostAddr, "host", "", "Host gRPC address")
	cmd.Flags().StringVar(&socketPath, "socket", "", "Host unix socket path")
	cmd.Flags().Uint32Var(&vsockPort, "vsock-port", 0, "Host vsock port")
	cmd.Flags().StringVar(&appDir, "app-dir", "", "App directory used when the host sends none")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "Worker id assigned by the host")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Request id echoed on every message")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

func dialHost(ctx context.Context, cfg config.HostConfig) (protocol.Stream, error) {
	switch cfg.Transport {
	case config.TransportUnix:
		c, err := protocol.DialUnix(cfg.SocketPath, cfg.DialTimeout, cfg.MaxMessageBytes)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TransportVsock:
		c, err := protocol.DialVsock(cfg.VsockPort, cfg.MaxMessageBytes)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		// The stream lives as long as ctx.
		s, err := protocol.DialGRPC(ctx, cfg.Address, cfg.MaxMessageBytes)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func openPayloadStore(ctx context.Context, cfg config.SharedMemoryConfig) (payload.Store, error) {
	if cfg.Backend != config.BackendRedis {
		return payload.NewMemoryStore(time.Minute), nil
	}

	store := payload.NewRedisStore(payload.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
	}
	return store, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Op().Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logging.Op().Info("metrics server listening", "addr", addr)
	return srv
}
