package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/services"
	httphandlers "roomrelay/internal/handlers/http"
	"roomrelay/internal/infrastructure/middleware"
	"roomrelay/internal/infrastructure/monitoring"
	"roomrelay/internal/infrastructure/signal"
	relaywebrtc "roomrelay/internal/infrastructure/webrtc"
	"roomrelay/pkg/config"
	"roomrelay/pkg/logger"
	"roomrelay/pkg/retry"
	"roomrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/root/configs/config.yaml",
	"config.yaml",
}

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
	tracingCfg.ServiceName = "roomrelay-mediator"
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	factory, err := relaywebrtc.NewPeerFactory(relaywebrtc.FactoryConfigFrom(cfg))
	if err != nil {
		log.Fatalw("failed to create peer factory", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(reg)

	dialRetry := retry.DefaultConfig()
	dialRetry.MaxAttempts = cfg.Mediator.DialAttempts
	dial := relaywebrtc.SignalDialer(signal.DialConfig{
		URL:          cfg.Mediator.SignalURL,
		WriteTimeout: cfg.Signal.WriteTimeout,
		Retry:        dialRetry,
	}, log)

	mediator := relaywebrtc.NewMediator(relaywebrtc.MediatorConfig{
		ID:                 domain.MediatorID(cfg.Mediator.ID),
		NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
		Forward: relaywebrtc.ForwarderConfig{
			Delay:              cfg.Mediator.ForwardDelay,
			AnswerTimeout:      cfg.Mediator.ForwardAnswerTimeout,
			NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
			QueueSize:          cfg.Mediator.ForwardQueueSize,
		},
	}, factory, dial, collector, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mediatorDone := make(chan struct{})
	go func() {
		defer close(mediatorDone)
		if err := mediator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("mediator stopped", "error", err)
		}
	}()

	health := monitoring.NewHealthChecker()
	health.AddMediatorCheck(mediator.Connected, 15*time.Second, time.Second)
	health.StartBackgroundChecks(ctx, func(name string, healthy bool, err error) {
		if !healthy {
			log.Warnw("health check failed", "check", name, "error", err)
		}
	})

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	httphandlers.NewMediatorHandler(mediator).SetupRoutes(
		engine,
		middleware.AuthMiddleware(authService, domain.RoleViewer),
		middleware.AuthMiddleware(authService, domain.RoleOperator),
	)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"mediator":  mediator.Stats(),
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
		Addr:         cfg.Mediator.AdminAddress,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting mediator admin API",
			"address", cfg.Mediator.AdminAddress,
			"mediator_id", mediator.ID(),
			"signal_url", cfg.Mediator.SignalURL,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("admin server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during admin server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing admin server", "error", closeErr)
		}
	}

	cancel()
	select {
	case <-mediatorDone:
	case <-shutdownCtx.Done():
		log.Warn("mediator did not stop before the shutdown timeout")
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}

	log.Info("mediator stopped")
}
