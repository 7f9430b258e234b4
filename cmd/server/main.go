package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaychat/backend/config"
	"github.com/relaychat/backend/internal/auth"
	"github.com/relaychat/backend/internal/cache"
	"github.com/relaychat/backend/internal/database"
	"github.com/relaychat/backend/internal/encryption"
	"github.com/relaychat/backend/internal/handlers"
	"github.com/relaychat/backend/internal/logger"
	"github.com/relaychat/backend/internal/middleware"
	"github.com/relaychat/backend/internal/notify"
	"github.com/relaychat/backend/internal/repository"
	"github.com/relaychat/backend/internal/service"
	"github.com/relaychat/backend/internal/storage"
	"github.com/relaychat/backend/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	zlog, err := logger.Init(cfg.Log, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	// Connect to database
	db, err := database.NewPostgresDB(cfg.GetDSN())
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	zlog.Info("running database migrations")
	if err := database.RunMigrations(db.DB); err != nil {
		zlog.Fatal("failed to run migrations", zap.Error(err))
	}

	// Connect to Redis
	redis, err := cache.NewRedisClient(cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		zlog.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	// Key manager for conversation keys
	keys, err := encryption.NewKeyManager(cfg.Chat.MasterKey)
	if err != nil {
		zlog.Fatal("failed to initialize key manager", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	convRepo := repository.NewConversationRepository(db)
	msgRepo := repository.NewMessageRepository(db)

	// Attachment storage
	objectStore, err := storage.NewLocalDiskStore(cfg.Chat.UploadDir, cfg.Chat.UploadBaseURL)
	if err != nil {
		zlog.Fatal("failed to initialize object store", zap.Error(err))
	}

	// Initialize services
	emitter := cache.NewEmitter(redis, zlog)
	notifier := notify.NewLogNotifier(zlog)
	convService := service.NewConversationService(convRepo, userRepo, keys, emitter, notifier, zlog)
	msgService := service.NewMessageService(msgRepo, convRepo, keys, emitter, notifier, zlog)

	// Initialize socket hub
	hub := websocket.NewHub(redis, convRepo, cfg.Chat.TypingTTL, zlog)
	go hub.Run()
	wsHandler := websocket.NewHandler(hub, jwtService, cfg.CORS.AllowedOrigins)

	// Initialize handlers
	convHandler := handlers.NewConversationHandler(convService, hub)
	msgHandler := handlers.NewMessageHandler(msgService, objectStore, cfg.Chat.MaxAttachments)
	presenceHandler := handlers.NewPresenceHandler(hub)

	// Initialize rate limiter
	rateLimiter := middleware.NewRateLimiter(cfg.API.RateLimitMessagesPerSec)
	rateLimiter.Cleanup()

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Uploaded attachments
	router.Static(cfg.Chat.UploadBaseURL, cfg.Chat.UploadDir)

	// Socket endpoint; authentication happens on the connection itself
	router.GET("/ws", wsHandler.HandleWebSocket)

	// Protected routes
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtService))
	{
		// Conversation routes
		api.GET("/conversations", convHandler.List)
		api.POST("/conversations/direct", convHandler.CreateDirect)
		api.POST("/conversations/group", convHandler.CreateGroup)
		api.GET("/conversations/:id", convHandler.Get)
		api.PATCH("/conversations/:id", convHandler.Update)
		api.POST("/conversations/:id/participants", convHandler.AddParticipants)
		api.DELETE("/conversations/:id/participants/:userId", convHandler.RemoveParticipant)
		api.POST("/conversations/:id/archive", convHandler.Archive)
		api.POST("/conversations/:id/mute", convHandler.Mute)
		api.GET("/conversations/:id/typing", convHandler.Typing)

		// Message routes
		api.GET("/conversations/:id/messages", msgHandler.List)
		api.POST("/conversations/:id/messages", middleware.RateLimitMiddleware(rateLimiter), msgHandler.Send)
		api.POST("/conversations/:id/messages/read-all", msgHandler.MarkAllRead)
		api.GET("/conversations/:id/messages/pinned", msgHandler.ListPinned)
		api.GET("/conversations/:id/messages/search", msgHandler.Search)
		api.PUT("/messages/:id", msgHandler.Edit)
		api.DELETE("/messages/:id", msgHandler.Delete)
		api.POST("/messages/:id/reactions", middleware.ActionRateLimit(redis, "reaction", 5, 10), msgHandler.React)
		api.PUT("/messages/:id/read", msgHandler.MarkRead)
		api.PUT("/messages/:id/pin", msgHandler.Pin)

		// Presence
		api.GET("/users/:id/presence", presenceHandler.Get)
	}

	// Start server
	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		zlog.Info("starting server",
			zap.String("addr", addr),
			zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error("forced shutdown", zap.Error(err))
	}
}
