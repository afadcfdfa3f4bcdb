package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"callcore-backend/internal/database"
	"callcore-backend/internal/domain"
	callHandler "callcore-backend/internal/handler/http/call"
	deviceHandler "callcore-backend/internal/handler/http/device"
	groupCallHandler "callcore-backend/internal/handler/http/groupcall"
	wsHandler "callcore-backend/internal/handler/ws"
	"callcore-backend/internal/middleware"
	"callcore-backend/internal/presence"
	"callcore-backend/internal/repository/cassandra"
	"callcore-backend/internal/repository/cockroach"
	"callcore-backend/internal/repository/objectstore"
	redisRepo "callcore-backend/internal/repository/redis"
	callService "callcore-backend/internal/service/call"
	deviceService "callcore-backend/internal/service/device"
	groupCallService "callcore-backend/internal/service/groupcall"
	iceService "callcore-backend/internal/service/iceserver"
	qualityService "callcore-backend/internal/service/quality"
	"callcore-backend/internal/service/sweeper"
	"callcore-backend/internal/signaling"
	"callcore-backend/pkg/config"
	"callcore-backend/pkg/constants"
	"callcore-backend/pkg/env"
	"callcore-backend/pkg/jwt"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
	"callcore-backend/pkg/push"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Configuration and logging
	cfg, err := config.Load(env.GetString("CONFIG_PATH", "configs/signaling.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = uuid.NewString()
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
		Service:  cfg.Server.ServiceName,
		NodeID:   cfg.Server.NodeID,
	}); err != nil {
		logger.InitDefault(cfg.Server.ServiceName)
	}
	defer logger.Sync()

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.AccessTokenExpiry)

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Storage
	db, err := connectCockroach(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()

	cass, err := database.NewCassandraDB(cfg.Cassandra, appMetrics)
	if err != nil {
		logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
	}
	defer cass.Close()

	database.InitRedisMetrics()
	redisDB := database.NewRedisDB(ctx, cfg.Redis)
	defer redisDB.Close()
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	var archive qualityService.Archive
	if archiveRepo, err := objectstore.NewArchiveRepository(ctx, cfg.MinIO); err != nil {
		logger.Warn("Quality archive disabled", zap.Error(err))
	} else {
		archive = archiveRepo
	}

	callRepo := cockroach.NewCallRepository(db.Pool)
	groupCallRepo := cockroach.NewGroupCallRepository(db.Pool)
	userRepo := cockroach.NewUserRepository(db.Pool)
	conversationRepo := cockroach.NewConversationRepository(db.Pool)
	iceServerRepo := cockroach.NewICEServerRepository(db.Pool)
	eventRepo := cassandra.NewEventRepository(cass)
	qualityRepo := cassandra.NewQualityRepository(cass)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB, cfg.Server.NodeID)
	relayRepo := redisRepo.NewRelayRepository(redisDB, presenceRepo)
	activeDeviceRepo := redisRepo.NewActiveDeviceRepository(redisDB)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB)

	// 3. Push delivery
	provider, err := push.NewProvider(cfg.Push)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	pushSvc := push.NewService(provider, pushTokenRepo)

	// 4. Presence, devices and routing
	registry := presence.NewRegistry(presenceRepo, appMetrics)
	deviceSvc := deviceService.NewService(userRepo, activeDeviceRepo, pushSvc, registry, presenceRepo)
	notifier := push.NewNotifier(pushSvc, deviceSvc, push.NotifierConfig{
		QueueSize:   cfg.Push.QueueSize,
		Workers:     cfg.Push.Workers,
		MaxAttempts: cfg.Push.MaxAttempts,
		Backoff:     cfg.Push.Backoff,
	}, appMetrics)
	notifier.Start(ctx)
	defer notifier.Stop()
	router := signaling.NewRouter(registry, relayRepo, notifier, cfg.Server.NodeID, appMetrics)
	go relayRepo.Subscribe(ctx, router.DeliverLocal)

	// 5. Call services
	callSvc := callService.NewService(callRepo, userRepo, eventRepo, router, appMetrics)
	groupCallSvc := groupCallService.NewService(groupCallRepo, conversationRepo, userRepo, eventRepo, router,
		cfg.Signaling.MaxGroupParticipants, appMetrics)
	iceSvc := iceService.NewService(iceServerRepo, cfg.ICEServers)

	qualitySvc := qualityService.NewService(qualityService.Deps{
		Samples:  qualityRepo,
		Events:   eventRepo,
		Archive:  archive,
		Router:   router,
		Advisor:  qualityService.NewAdvisor(qualityService.ThresholdsFromConfig(cfg.Quality)),
		OneToOne: callSvc.Participants,
		Group: func(ctx context.Context, groupCallID uuid.UUID) ([]uuid.UUID, error) {
			participants, err := groupCallSvc.ActiveParticipants(ctx, groupCallID)
			if err != nil {
				return nil, err
			}
			return lo.Map(participants, func(p domain.Participant, _ int) uuid.UUID { return p.UserID }), nil
		},
		Metrics: appMetrics,
	})
	callSvc.OnFinalized(qualitySvc.Finalize)
	groupCallSvc.OnFinalized(qualitySvc.Finalize)

	// 6. Background work
	grace := presence.NewGraceTracker(registry, cfg.Signaling.DisconnectGrace,
		callSvc.HandleDisconnect,
		groupCallSvc.HandleDisconnect,
	)
	defer grace.Stop()

	sweep, err := sweeper.New(callSvc, groupCallSvc, sweeper.Config{
		Interval:           cfg.Signaling.SweepInterval,
		RingingTimeout:     cfg.Signaling.RingingTimeout,
		GroupInviteTimeout: cfg.Signaling.GroupInviteTimeout,
	}, appMetrics)
	if err != nil {
		logger.Fatal("Failed to schedule call sweeper", zap.Error(err))
	}
	sweep.Start()
	defer sweep.Stop()

	// 7. Handlers
	dispatcher := wsHandler.NewDispatcher(callSvc, groupCallSvc, qualitySvc, appMetrics)
	hub := wsHandler.NewHub(registry, dispatcher, iceSvc, presenceRepo, wsHandler.HubConfig{
		MaxConnections: cfg.Signaling.MaxConnections,
		SendQueueSize:  cfg.Signaling.SendQueueSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, appMetrics)

	callHdlr := callHandler.NewHandler(callSvc, groupCallSvc, eventRepo, qualitySvc)
	groupCallHdlr := groupCallHandler.NewHandler(groupCallSvc)
	deviceHdlr := deviceHandler.NewHandler(deviceSvc, iceSvc)

	// 8. Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)
	engine.Use(middleware.Recovery())
	engine.Use(middleware.HealthCheck(cfg.Server.ServiceName, cfg.Server.NodeID))
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	engine.Use(prometheusMiddleware.Handler("/v1/signaling/ws"))

	engine.GET("/metrics", middleware.MetricsHandler(appMetrics))

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)
	v1 := engine.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.GET("/signaling/ws", hub.ServeWS)

		calls := v1.Group("/calls")
		calls.POST("", callHdlr.InitiateCall)
		calls.GET("", callHdlr.ListCalls)
		calls.GET("/:id", callHdlr.GetCall)
		calls.PATCH("/:id/status", callHdlr.UpdateStatus)
		calls.DELETE("/:id", callHdlr.DeleteCall)
		calls.GET("/:id/events", callHdlr.ListEvents)
		calls.POST("/:id/events", callHdlr.LogEvent)
		calls.GET("/:id/quality", callHdlr.GetQuality)
		v1.GET("/quality/stats", callHdlr.GetQualityStats)

		groupCalls := v1.Group("/group-calls")
		groupCalls.POST("", groupCallHdlr.Create)
		groupCalls.GET("", groupCallHdlr.History)
		groupCalls.GET("/conversation/:id", groupCallHdlr.GetActiveForConversation)
		groupCalls.GET("/:id", groupCallHdlr.Get)
		groupCalls.POST("/:id/join", groupCallHdlr.Join)
		groupCalls.POST("/:id/leave", groupCallHdlr.Leave)
		groupCalls.POST("/:id/end", groupCallHdlr.End)
		groupCalls.PATCH("/:id/participants/:userId", groupCallHdlr.SetParticipantStatus)
		groupCalls.POST("/:id/screen-share", groupCallHdlr.ScreenShare)

		v1.GET("/ice-servers", deviceHdlr.ListICEServers)
		v1.GET("/devices/active", deviceHdlr.GetActive)
		v1.PUT("/devices/active", deviceHdlr.SetActive)
		v1.POST("/devices/push-token", deviceHdlr.RegisterPushToken)
		v1.DELETE("/devices/push-token", deviceHdlr.UnregisterPushToken)
		v1.GET("/presence/:userId", deviceHdlr.GetPresence)
	}

	// 9. Serve until interrupted
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("node_id", cfg.Server.NodeID),
			zap.String("websocket", "/v1/signaling/ws"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down signaling service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	registry.CloseAll()
}

// connectCockroach retries the initial connection with exponential backoff
func connectCockroach(ctx context.Context, cfg config.DatabaseConfig) (*database.CockroachDB, error) {
	const (
		maxRetries = 5
		baseDelay  = time.Second
		maxDelay   = 30 * time.Second
	)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err := database.NewCockroachDB(ctx, cfg)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db, nil
		}
		lastErr = err

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}
