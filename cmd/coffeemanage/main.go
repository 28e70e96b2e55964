package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yulaomao/coffeeManage/internal/audit"
	"github.com/yulaomao/coffeeManage/internal/config"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
	"github.com/yulaomao/coffeeManage/internal/notify"
	"github.com/yulaomao/coffeeManage/internal/observability"
	"github.com/yulaomao/coffeeManage/internal/scheduler"
	"github.com/yulaomao/coffeeManage/internal/server"
	"github.com/yulaomao/coffeeManage/internal/store"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coffeemanage",
	Short: "coffeeManage - command dispatch for vending device fleets",
	Long:  "Queues commands for coffee machines, fans batches out across the fleet and tracks every command until the device acknowledges it.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel)
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the coffeeManage server",
	RunE:  runServer,
}

var (
	configPath      string
	bindAddr        string
	kvEngine        string
	dataDir         string
	jwtSecret       string
	otelEnabled     bool
	otelEndpoint    string
	shutdownTimeout = 5 * time.Second
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML or JSON config file (env overrides use COFFEE_ prefix)")
	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().StringVar(&kvEngine, "kv-engine", "pebble", "Key-value engine: pebble or badger")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "", "Key-value data directory (empty keeps data in memory)")
	serverCmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HS256 secret; when set, callers must present a bearer token")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging(lvl string) {
	var level slog.Level
	switch lvl {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// loadServerConfig reads the config file and lets explicitly set flags win.
func loadServerConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("bind") {
		cfg.Bind = bindAddr
	}
	if flags.Changed("kv-engine") {
		cfg.KV.Engine = kvEngine
	}
	if flags.Changed("data-dir") {
		cfg.KV.Path = dataDir
	}
	if flags.Changed("jwt-secret") {
		cfg.Auth.JWTSecret = jwtSecret
	}
	if flags.Changed("otel-enabled") {
		cfg.Tracing.Enabled = otelEnabled
	}
	if flags.Changed("otel-endpoint") {
		cfg.Tracing.Endpoint = otelEndpoint
	}
	if cmd.Root().PersistentFlags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openAuditSink(cfg *config.Config, kvs kvstore.Store) (audit.Sink, io.Closer, error) {
	switch cfg.Audit.Backend {
	case "sqlite":
		sink, err := audit.OpenSQLite(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit database: %w", err)
		}
		return sink, sink, nil
	case "none":
		return audit.Nop{}, nil, nil
	default:
		return audit.NewKVSink(kvs, cfg.Audit.StreamMax), nil, nil
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadServerConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	slog.Info("starting coffeemanage server",
		"bind", cfg.Bind,
		"kv_engine", cfg.KV.Engine,
		"kv_path", cfg.KV.Path,
		"audit_backend", cfg.Audit.Backend,
		"recycle_interval", cfg.Recycle.Interval.Std(),
		"recycle_max_age", cfg.Recycle.MaxAge.Std(),
		"batch_dispatch_per_min", cfg.RateLimits.BatchDispatchPerMin,
		"jwt_auth", cfg.Auth.JWTSecret != "",
		"mqtt_enabled", cfg.MQTT.Enabled,
	)
	if cfg.KV.Path == "" {
		slog.Warn("no kv.path configured; commands are kept in memory and lost on restart")
	}

	otelShutdown, err := observability.InitTracer(observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()

	kvs, err := kvstore.Open(cfg.KV.Engine, cfg.KV.Path)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}

	sink, sinkCloser, err := openAuditSink(cfg, kvs)
	if err != nil {
		kvs.Close()
		return err
	}
	if sinkCloser != nil {
		defer sinkCloser.Close()
	}

	opts := []store.Option{store.WithAudit(sink)}
	if cfg.PayloadSchemaDir != "" {
		schemas, err := store.LoadPayloadSchemas(cfg.PayloadSchemaDir)
		if err != nil {
			kvs.Close()
			return fmt.Errorf("load payload schemas: %w", err)
		}
		slog.Info("payload schemas loaded", "types", schemas.Types())
		opts = append(opts, store.WithPayloadSchemas(schemas))
	}
	if cfg.MQTT.Enabled {
		n, err := notify.NewMQTTNotifier(notify.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		})
		if err != nil {
			kvs.Close()
			return err
		}
		defer n.Close()
		opts = append(opts, store.WithNotifier(n))
	}
	s := store.NewStore(kvs, opts...)

	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		s.Close()
		return fmt.Errorf("register metrics: %w", err)
	}

	schedCtx, schedCancel := context.WithCancel(context.Background())
	sched := scheduler.New(s, metrics, scheduler.Config{
		Interval:       cfg.Recycle.Interval.Std(),
		MaxAge:         cfg.Recycle.MaxAge.Std(),
		RepairInterval: cfg.Recycle.RepairInterval.Std(),
	})
	go sched.Run(schedCtx)

	srv := server.New(s, sink, metrics, server.Config{
		Bind:                cfg.Bind,
		JWTSecret:           cfg.Auth.JWTSecret,
		CORSOrigins:         cfg.CORSOrigins,
		BatchDispatchPerMin: cfg.RateLimits.BatchDispatchPerMin,
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("coffeemanage server ready", "bind", cfg.Bind)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	slog.Info("stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	slog.Info("stopping scheduler")
	schedCancel()

	slog.Info("stopping store")
	if err := s.Close(); err != nil {
		slog.Error("store close", "error", err)
	}

	slog.Info("coffeemanage server stopped")
	return nil
}
