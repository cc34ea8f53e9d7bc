// The call-notifier daemon watches the signaling store for new calls and
// wakes the callee: push notifications for backgrounded devices, WebSocket
// events for connected ones, and a durable call log for the history view.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	historyHandler "pairchat-backend/internal/handler/http/history"
	pairingHandler "pairchat-backend/internal/handler/http/pairing"
	pushHandler "pairchat-backend/internal/handler/http/push"
	wsHandler "pairchat-backend/internal/handler/ws"
	"pairchat-backend/internal/middleware"
	"pairchat-backend/internal/repository/cockroach"
	redisRepo "pairchat-backend/internal/repository/redis"
	"pairchat-backend/internal/service/call"
	"pairchat-backend/internal/service/relay"
	fsChannel "pairchat-backend/internal/signaling/firestore"
	"pairchat-backend/pkg/config"
	"pairchat-backend/pkg/constants"
	"pairchat-backend/pkg/database"
	"pairchat-backend/pkg/jwt"
	"pairchat-backend/pkg/logger"
	"pairchat-backend/pkg/push"
	"pairchat-backend/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	productionMode := cfg.Server.Environment == "production"

	// 1. Firebase app, shared by the Firestore channel and the FCM provider
	var opts []option.ClientOption
	if cfg.Firestore.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Firestore.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.Firestore.ProjectID}, opts...)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase app", zap.Error(err))
	}

	fsClient, err := app.Firestore(ctx)
	if err != nil {
		logger.Fatal("Failed to create Firestore client", zap.Error(err))
	}
	defer fsClient.Close()

	channel := fsChannel.NewChannel(fsClient)
	logger.Info("Connected to Firestore", zap.String("project_id", cfg.Firestore.ProjectID))

	// 2. Redis for push token storage
	redisDB, err := connectRedis(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisDB.Close()
	logger.Info("Connected to Redis")

	// 3. CockroachDB for the call log, degraded mode if unreachable
	var callLogRepo *cockroach.CallLogRepository
	db, err := connectCockroach(ctx, cfg)
	if err != nil {
		logger.Warn("Running without call log persistence", zap.Error(err))
	} else {
		defer db.Close()
		callLogRepo = cockroach.NewCallLogRepository(db.Pool)
		logger.Info("Connected to CockroachDB")
	}

	// 4. Push service
	pushProvider, err := newPushProvider(cfg, app, productionMode)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)
	pushSvc := push.NewService(pushProvider, pushTokenRepo)

	// 5. WebSocket event hub and relay service
	eventHub := wsHandler.NewCallEventHub()
	relaySvc := newRelayService(channel, pushSvc, callLogRepo, eventHub)

	relayDone := make(chan error, 1)
	go func() { relayDone <- relaySvc.Run(ctx) }()

	// 6. HTTP surface
	router := newRouter(cfg, redisDB, pushSvc, callLogRepo, eventHub)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverDone := make(chan error, 1)
	go func() {
		logger.Info("Call notifier listening", zap.Int("port", cfg.Server.Port))
		serverDone <- server.ListenAndServe()
	}()

	relayStopped := false
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverDone:
		logger.Error("HTTP server stopped", zap.Error(err))
		stop()
	case err := <-relayDone:
		if err != nil {
			logger.Error("Relay stopped", zap.Error(err))
		}
		relayStopped = true
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	if !relayStopped {
		<-relayDone
	}
	logger.Info("Call notifier stopped")
}

// connectRedis connects with exponential backoff.
func connectRedis(cfg *config.Config) (*database.RedisDB, error) {
	return retryConnect(5, func() (*database.RedisDB, error) {
		return database.NewRedisDB(cfg.Redis)
	})
}

// connectCockroach connects with exponential backoff.
func connectCockroach(ctx context.Context, cfg *config.Config) (*database.CockroachDB, error) {
	return retryConnect(5, func() (*database.CockroachDB, error) {
		return database.NewCockroachDB(ctx, cfg.Database)
	})
}

// retryConnect retries connect with exponential backoff, capped at 30s
// between attempts.
func retryConnect[T any](maxRetries int, connect func() (T, error)) (T, error) {
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	result, err := connect()
	if err == nil {
		return result, nil
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("Connection attempt failed, retrying",
			zap.Int("attempt", attempt-1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)

		result, err = connect()
		if err == nil {
			return result, nil
		}
	}

	return result, fmt.Errorf("failed after %d attempts: %w", maxRetries, err)
}

// newPushProvider builds the configured provider, refusing the mock in
// production.
func newPushProvider(cfg *config.Config, app *firebase.App, productionMode bool) (push.Provider, error) {
	if productionMode && (cfg.Push.Provider == "mock" || cfg.Push.Provider == "") {
		return nil, fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
	}
	provider, err := push.NewProvider(cfg.Push, app)
	if err != nil {
		return nil, err
	}
	logger.Info("Push provider initialized", zap.String("provider", cfg.Push.Provider))
	return provider, nil
}

// newRelayService wires the relay, keeping the untyped-nil pitfall of a nil
// repository pointer out of the CallLog interface.
func newRelayService(channel *fsChannel.Channel, pushSvc *push.Service, callLogRepo *cockroach.CallLogRepository, eventHub *wsHandler.CallEventHub) *relay.Service {
	var callLog relay.CallLog
	if callLogRepo != nil {
		callLog = callLogRepo
	}
	return relay.NewService(channel, pushSvc, callLog, eventHub)
}

// newRouter assembles the HTTP routes.
func newRouter(cfg *config.Config, redisDB *database.RedisDB, pushSvc *push.Service, callLogRepo *cockroach.CallLogRepository, eventHub *wsHandler.CallEventHub) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.Prometheus())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	jwtManager := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry, cfg.JWT.RefreshTokenExpiry)
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)
	auth := middleware.AuthMiddleware(jwtManager, revocationChecker)

	pushHdlr := pushHandler.NewHandler(pushSvc)
	pairingHdlr := pairingHandler.NewHandler(redisRepo.NewPairingRepository(redisDB.Client))

	// REST routes get a request deadline; the WebSocket route must not.
	v1 := router.Group("/api/v1")
	v1.Use(auth)
	v1.Use(middleware.NewTimeoutMiddleware(nil).Middleware())
	{
		v1.POST("/push/tokens", pushHdlr.RegisterToken)
		v1.GET("/push/tokens", pushHdlr.GetTokens)
		v1.DELETE("/push/tokens", pushHdlr.UnregisterToken)
		v1.DELETE("/push/tokens/all", pushHdlr.UnregisterAllTokens)

		v1.POST("/pairing/key", pairingHdlr.PublishKey)
		v1.GET("/pairing/key/:user_id", pairingHdlr.GetKey)

		// Clients fetch ICE servers and ring timeout here instead of
		// hardcoding them.
		engineCfg := call.ConfigFromApp(cfg.Call)
		v1.GET("/calls/config", func(c *gin.Context) {
			response.Success(c, http.StatusOK, gin.H{
				"stun_servers":    engineCfg.STUNServers,
				"ring_timeout_ms": engineCfg.RingTimeout.Milliseconds(),
			})
		})

		if callLogRepo != nil {
			historyHdlr := historyHandler.NewHandler(callLogRepo)
			v1.GET("/calls", historyHdlr.ListCalls)
			v1.GET("/calls/missed/count", historyHdlr.MissedCallCount)
		}
	}

	// WebSocket endpoint for live call events
	ws := router.Group("/api/v1/ws")
	ws.Use(auth)
	ws.GET("/events", eventHub.ServeWS)

	return router
}
