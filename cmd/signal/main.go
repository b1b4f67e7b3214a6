package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"roomrelay/internal/core/ports"
	"roomrelay/internal/infrastructure/distributed"
	"roomrelay/internal/infrastructure/middleware"
	"roomrelay/internal/infrastructure/monitoring"
	"roomrelay/internal/infrastructure/repositories"
	"roomrelay/internal/infrastructure/signal"
	"roomrelay/pkg/config"
	"roomrelay/pkg/logger"
	"roomrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/root/configs/config.yaml",
	"config.yaml",
}

const roomMetricsInterval = 10 * time.Second

func main() {
	startTime := time.Now()

	cfg, path, loadErr := config.LoadFirst(configPaths...)

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if path != "" {
		log.Infow("loaded config", "path", path)
	} else {
		log.Warnw("no config file loaded, using defaults", "error", loadErr)
	}

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.ServiceName = "roomrelay-signal"
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	registry := repoFactory.CreateRoomRegistry()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(reg)

	opts := []signal.RouterOption{signal.WithMetrics(collector)}
	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewEventBus(client, uuid.NewString(), log)
		opts = append(opts, signal.WithRemote(bus))
	}

	router := signal.NewRouter(registry, routerConfig(cfg), log, opts...)

	if bus != nil {
		go func() {
			if err := bus.Subscribe(ctx, distributed.FrameHandler(router)); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("event bus stopped", "error", err)
			}
		}()
		log.Info("cross-instance routing enabled")
	}

	go reportRooms(ctx, registry, collector, log)

	health := monitoring.NewHealthChecker()
	health.AddRegistryCheck(registry, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx, func(name string, healthy bool, err error) {
		if !healthy {
			log.Warnw("health check failed", "check", name, "error", err)
		}
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RecoveryMiddleware(log), middleware.TracingMiddleware())

	router.RegisterRoutes(engine)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": router.ConnectionCount(),
		})
	})

	engine.GET("/ready", func(c *gin.Context) {
		checkCtx, checkCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer checkCancel()

		status := health.CheckAll(checkCtx)
		if status.Status != "healthy" {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Signal.Address,
		Handler:     engine,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling server", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	router.Close()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("signaling server stopped")
}

func routerConfig(cfg *config.Config) signal.RouterConfig {
	rc := signal.DefaultRouterConfig()
	rc.PingInterval = cfg.Signal.PingInterval
	rc.PongTimeout = cfg.Signal.PongTimeout
	rc.WriteTimeout = cfg.Signal.WriteTimeout
	rc.SendQueueSize = cfg.Signal.SendQueueSize
	rc.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		rc.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return rc
}

// reportRooms refreshes the registry gauges until ctx is done.
func reportRooms(ctx context.Context, registry ports.RoomRegistry, collector *monitoring.PrometheusCollector, log *zap.SugaredLogger) {
	ticker := time.NewTicker(roomMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rooms, err := registry.Rooms(ctx)
			if err != nil {
				log.Warnw("failed to snapshot rooms", "error", err)
				continue
			}
			collector.UpdateRooms(rooms)
		}
	}
}
