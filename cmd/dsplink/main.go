package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dsplink/internal/core/services"
	httphandlers "dsplink/internal/handlers/http"
	"dsplink/internal/infrastructure/distributed"
	"dsplink/internal/infrastructure/middleware"
	"dsplink/internal/infrastructure/monitoring"
	"dsplink/internal/infrastructure/pool"
	"dsplink/internal/infrastructure/protocol"
	"dsplink/internal/infrastructure/repositories"
	"dsplink/pkg/config"
	"dsplink/pkg/logger"
	"dsplink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

// Searched in order when --config is not given.
var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/dsplink/config.yaml",
	"config.yaml",
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "dsplink: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("dsplink", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to the YAML config file")
	logLevel := flagSet.String("log-level", "", "override logging.level")
	listen := flagSet.String("listen", "", "override server.address")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, loadedFrom, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *listen != "" {
		cfg.Server.Address = *listen
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()
	log.Infow("configuration loaded", "path", loadedFrom)

	startTime := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	// Device inventory
	registryFactory, err := repositories.NewRegistryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("create device registry: %w", err)
	}
	defer registryFactory.Close()
	registry := registryFactory.CreateDeviceRegistry()

	// Metrics
	var (
		poolOpts     []pool.Option
		dialOpts     = []protocol.Option{protocol.WithLogger(log)}
		meterOpts    []services.MeterOption
		metadataOpts []services.MetadataOption
		streamOpts   []services.StreamOption
	)
	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewPrometheusCollector()
		poolOpts = append(poolOpts, pool.WithMetrics(collector))
		dialOpts = append(dialOpts, protocol.WithObserver(collector))
		meterOpts = append(meterOpts, services.WithMeterMetrics(collector))
		metadataOpts = append(metadataOpts, services.WithMetadataMetrics(collector))
		streamOpts = append(streamOpts, services.WithStreamMetrics(collector))
	}

	// Link events shared with other instances
	var bus *distributed.EventBus
	if client := registryFactory.RedisClient(); cfg.Redis.LinkEvents && client != nil {
		bus = distributed.NewEventBus(client, "", log)
		meterOpts = append(meterOpts, services.WithLinkEvents(bus))
		log.Infow("link events enabled", "instance", bus.InstanceID())
	}

	// Core
	devicePool := pool.New(poolConfig(cfg), pool.ProtocolDialer(dialOpts...), log.Named("pool"), poolOpts...)
	meters := services.NewMeterManager(devicePool, meterConfig(cfg), log.Named("meters"), meterOpts...)
	metadata := services.NewMetadataCache(devicePool, services.MetadataConfig{
		TTL:          cfg.Metadata.TTL,
		Parallelism:  cfg.Metadata.Parallelism,
		FetchTimeout: cfg.Metadata.FetchTimeout,
	}, log.Named("metadata"), metadataOpts...)
	control := services.NewControlService(devicePool, services.ControlConfig{
		WritesPerSecond: cfg.Control.WritesPerSecond,
		Burst:           cfg.Control.Burst,
	}, metadata, log.Named("control"))
	streams := services.NewStreamService(meters, metadata, services.StreamConfig{
		TickInterval:  cfg.Stream.TickInterval,
		WarmupTimeout: cfg.Stream.WarmupTimeout,
	}, log.Named("stream"), streamOpts...)

	if bus != nil {
		go func() {
			err := bus.Subscribe(ctx, distributed.InvalidateOnLinkChange(metadata, log))
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("link event subscription ended", "error", err)
			}
		}()
	}

	// Health
	health := monitoring.NewHealthChecker()
	health.AddRegistryCheck(registry, 2*time.Second)
	health.AddPoolCheck(devicePool, 64)
	if client := registryFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.AccessLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.NewHTTPRateLimitMiddleware(cfg, httphandlers.StreamRoutes...),
		middleware.ErrorHandlerMiddleware(log),
	)

	resolver := httphandlers.NewDeviceResolver(registry, repositories.DefaultsFromConfig(cfg), log)
	httphandlers.NewStreamHandler(resolver, streams, meters, metadata, httphandlers.StreamOptions{
		WriteTimeout: cfg.Stream.WriteTimeout,
	}, log.Named("http")).SetupRoutes(router, middleware.NewStreamLimitMiddleware(cfg.Stream.MaxViewers))
	httphandlers.NewControlHandler(resolver, control, log.Named("http")).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		status := health.Liveness(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status": status,
			"uptime": time.Since(startTime).String(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := health.Readiness(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	router.GET("/api/v1/pool", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": devicePool.Stats()})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("Prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting dsplink", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Streams end on ctx; Shutdown waits for their handlers to return.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	if bus != nil {
		_ = bus.Close()
	}
	if err := meters.Close(); err != nil {
		log.Warnw("meter manager close", "error", err)
	}
	if err := devicePool.Close(); err != nil {
		log.Warnw("device pool close", "error", err)
	}
	log.Info("dsplink stopped")
	return nil
}

func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, "", fmt.Errorf("config %s: %w", explicit, err)
		}
		cfg, err := config.Load(explicit)
		return cfg, explicit, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	// No file anywhere: defaults plus env overrides.
	cfg, err := config.FromEnv()
	return cfg, "defaults", err
}

func poolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		IdleTimeout:       cfg.Pool.IdleTimeout,
		SweepInterval:     cfg.Pool.SweepInterval,
		KeepAliveInterval: cfg.Pool.KeepAliveInterval,
		BreakerEnabled:    cfg.Pool.BreakerEnabled,
		Breaker:           cfg.Pool.Breaker,
	}
}

func meterConfig(cfg *config.Config) services.MeterConfig {
	mode := services.MeterModePush
	if cfg.Meters.Mode == "poll" {
		mode = services.MeterModePoll
	}
	return services.MeterConfig{
		Mode:         mode,
		PollInterval: cfg.Meters.PollInterval,
		Reconnect:    cfg.Meters.Reconnect,
		StopTimeout:  cfg.Meters.StopTimeout,
		IdleGrace:    cfg.Meters.IdleGrace,
	}
}
