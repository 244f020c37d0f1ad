package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillcast/internal/core/ports"
	"rillcast/internal/core/services"
	httphandlers "rillcast/internal/handlers/http"
	"rillcast/internal/infrastructure/middleware"
	"rillcast/internal/infrastructure/monitoring"
	"rillcast/internal/infrastructure/repositories"
	"rillcast/internal/infrastructure/restream"
	signalgw "rillcast/internal/infrastructure/signal"
	webrtcinfra "rillcast/internal/infrastructure/webrtc"
	"rillcast/pkg/config"
	"rillcast/pkg/logger"
	"rillcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const streamListCacheTTL = 2 * time.Second

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()
	if env := os.Getenv("RILLCAST_CONFIG"); env != "" {
		*configPath = env
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	instanceID := uuid.NewString()
	log = log.With("instance_id", instanceID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "rillcast",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, instanceID, log)
	streamRepo := repoFactory.CreateStreamRepository()

	// Relay engine and its workers.
	supervisor := services.NewFatalSupervisor(cfg.Relay.WorkerFatalGrace, os.Exit, log)
	engine, err := webrtcinfra.NewEngine(webrtcinfra.FromConfig(cfg), log.Named("relay"))
	if err != nil {
		log.Fatalw("failed to create relay engine", "error", err)
	}
	pool := services.NewWorkerPool(engine, supervisor, collector, log)
	if err := pool.Initialize(ctx, cfg.Relay.NumWorkers); err != nil {
		log.Fatalw("failed to start relay workers", "workers", cfg.Relay.NumWorkers, "error", err)
	}
	collector.ObserveEngine(func() monitoring.EngineSnapshot {
		return monitoring.EngineSnapshot(engine.Stats())
	})

	hub := signalgw.NewHub(log)
	routers := services.NewRouterRegistry(pool, collector, log)
	media := services.NewMediaService(routers, hub, services.TransportDefaults{
		EnableUDP: cfg.Relay.EnableUDP,
		EnableTCP: cfg.Relay.EnableTCP,
		PreferUDP: cfg.Relay.PreferUDP,
	}, collector, log)
	presence := services.NewPresenceService(repoFactory.CreatePresenceRepository(ctx), hub, collector, log)

	var (
		restreamer  ports.Restreamer
		rebroadcast *restream.Restreamer
	)
	if cfg.Restream.Enabled {
		rebroadcast = restream.New(restream.FromConfig(cfg), media, repoFactory.LockManager(), log)
		restreamer = rebroadcast
	}

	bus := repoFactory.CreateEventBus()
	go func() {
		if err := bus.Subscribe(ctx, services.NewStreamEventHandler(media, hub, log)); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("event bus subscription ended", "error", err)
		}
	}()

	streamService := services.NewStreamService(
		streamRepo,
		repoFactory.CreateLikeRepository(),
		presence,
		media,
		hub,
		restreamer,
		bus,
		log,
	)
	cachedStreams := services.NewCachedStreamService(streamService, streamListCacheTTL)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)

	signalServer := signalgw.NewServer(signalgw.Dependencies{
		Hub:        hub,
		Media:      media,
		Presence:   presence,
		Streams:    cachedStreams,
		Auth:       authService,
		Supervisor: supervisor,
		Metrics:    collector,
	}, signalgw.OptionsFromConfig(cfg), log.Named("signal"))

	supervisor.OnFatal(func(error) {
		if rebroadcast != nil {
			_ = rebroadcast.Close()
		}
	})

	health := monitoring.NewHealthChecker()
	health.AddCheck("relay", monitoring.RelayCheck(pool.Size, supervisor.Draining), time.Second)
	health.AddCheck("store", repoFactory.HealthCheck, 2*time.Second)
	health.AddCheck("streams", monitoring.RepositoryCheck(streamRepo), 2*time.Second)

	// HTTP API.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger.Named("http"))),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL).SetupRoutes(router)
	httphandlers.NewStreamHandler(cachedStreams, authService).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      monitoring.StatusHealthy,
			"timestamp":   time.Now().UTC(),
			"uptime":      time.Since(startTime).String(),
			"connections": signalServer.Connections(),
			"rooms":       hub.Rooms(),
		})
	})
	router.GET("/ready", health.Handler())
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	servers := []*http.Server{}
	if cfg.Signal.Address == cfg.Server.Address {
		router.GET("/ws", gin.WrapF(signalServer.HandleWebSocket))
	} else {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", signalServer.HandleWebSocket)
		servers = append(servers, &http.Server{
			Addr:              cfg.Signal.Address,
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		})
	}
	servers = append(servers, &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	serverErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Infow("listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}(srv)
	}
	log.Infow("rillcast relay started",
		"workers", pool.Size(),
		"redis", repoFactory.UsingRedis(),
		"restream", cfg.Restream.Enabled,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "address", srv.Addr, "error", err)
			_ = srv.Close()
		}
	}

	// Connections go first so their cascades run against live registries.
	if err := signalServer.Close(shutdownCtx); err != nil {
		log.Errorw("error closing signaling connections", "error", err)
	}
	if rebroadcast != nil {
		if err := rebroadcast.Close(); err != nil {
			log.Errorw("error stopping restreams", "error", err)
		}
	}
	cachedStreams.Stop()
	cancel()
	if err := bus.Close(); err != nil {
		log.Errorw("error closing event bus", "error", err)
	}
	if err := pool.Close(); err != nil {
		log.Errorw("error closing relay workers", "error", err)
	}
	if err := engine.Close(); err != nil {
		log.Errorw("error closing relay engine", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}

	log.Info("rillcast relay stopped")
}
