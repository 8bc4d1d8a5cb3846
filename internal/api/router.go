package api

import (
	"github.com/armada-games/armada-backend/internal/api/handlers"
	"github.com/armada-games/armada-backend/internal/api/middleware"
	"github.com/armada-games/armada-backend/internal/bus"
	"github.com/armada-games/armada-backend/internal/config"
	"github.com/armada-games/armada-backend/internal/matchmaking"
	"github.com/armada-games/armada-backend/internal/presence"
	"github.com/armada-games/armada-backend/internal/repository"
	"github.com/armada-games/armada-backend/internal/service"
	"github.com/armada-games/armada-backend/internal/websocket"
	"github.com/armada-games/armada-backend/pkg/database"
	"github.com/armada-games/armada-backend/pkg/distributed"
	"github.com/armada-games/armada-backend/pkg/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SetupRouter wires the full lobby stack and returns the HTTP engine plus
// the janitor, which the caller starts and stops with the server.
func SetupRouter(cfg *config.Config, db *database.DB, redisClient *redis.Client, zlog *zap.Logger) (*gin.Engine, *service.QueueJanitor) {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Repository and infrastructure wiring
	notifier := bus.NewNotifier(redisClient)
	registry := presence.NewRegistry(redisClient, cfg.PresenceTTL)
	lockManager := distributed.NewRedisLockManager(redisClient)
	rateLimiter := ratelimit.NewRedisRateLimiter(redisClient, "ratelimit:api")

	userRepo := repository.NewUserRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	sessionRepo := repository.NewSessionRepository(db, notifier)

	// Lobby service and push channel
	lobbyService := service.NewLobbyService(
		queueRepo,
		sessionRepo,
		userRepo,
		registry,
		notifier,
		matchmaking.Options{
			SearchTimeout:      cfg.SearchTimeout,
			TimeoutReset:       cfg.TimeoutReset,
			PollInterval:       cfg.PollInterval,
			CandidateLimit:     cfg.CandidateLimit,
			StaleSessionWindow: cfg.StaleSessionWindow,
		},
		zlog,
	)

	wsHub := websocket.NewHub(registry, lobbyService.HandleDisconnect, zlog)
	lobbyService.SetPusher(wsHub.SendMatchmakingUpdate)
	go wsHub.Run()

	// Janitor sweeps queue entries whose owners went away
	janitor := service.NewQueueJanitor(
		queueRepo,
		registry,
		lockManager,
		cfg.JanitorInterval,
		cfg.QueueExpiry,
		zlog,
	)

	// Handlers
	lobbyHandler := handlers.NewLobbyHandler(lobbyService)
	userHandler := handlers.NewUserHandler(userRepo)
	wsHandler := handlers.NewWebSocketHandler(wsHub)

	router.GET("/health", handlers.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/ws", middleware.Auth(cfg), wsHandler.HandleWebSocket)

		matchmakingRoutes := v1.Group("/matchmaking")
		matchmakingRoutes.Use(middleware.Auth(cfg))
		{
			matchmakingRoutes.POST("/search", middleware.RedisSearchRateLimit(rateLimiter), lobbyHandler.StartSearch)
			matchmakingRoutes.DELETE("/search", lobbyHandler.CancelSearch)
			matchmakingRoutes.GET("/status", lobbyHandler.SearchStatus)
		}

		lobby := v1.Group("/lobby")
		lobby.Use(middleware.Auth(cfg))
		{
			lobby.GET("/online", lobbyHandler.OnlineUsers)
		}

		users := v1.Group("/users")
		users.Use(middleware.Auth(cfg))
		{
			users.GET("/me", userHandler.GetCurrentUser)
		}
	}

	return router, janitor
}
