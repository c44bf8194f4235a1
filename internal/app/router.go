package app

import (
	"log"
	"net/http"
	"time"

	"carechat/internal/config"
	"carechat/internal/database"
	"carechat/internal/middleware"
	"carechat/internal/model"
	"carechat/internal/repository"
	"carechat/internal/service"
	"carechat/internal/util"
	"carechat/internal/websocket"

	"github.com/gin-gonic/gin"
)

// Server holds the HTTP engine together with the long-lived resources it
// depends on, so main can release them on shutdown.
type Server struct {
	Engine *gin.Engine
	Hub    *websocket.Hub

	rateLimiter *middleware.RateLimiter
	redis       *util.RedisClient
	rabbitMQ    *util.RabbitMQClient
	relay       *websocket.RabbitRelay
}

// Deps are the collaborators the routes are built from.
type Deps struct {
	ChatService service.ChatService
	Hub         *websocket.Hub
	Tokens      *util.JWTManager
	RateLimiter *middleware.RateLimiter
}

func NewRouter(cfg *config.Config) *Server {
	// Set Gin mode
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.Open(cfg)
	if err != nil {
		panic("Failed to connect to database: " + err.Error())
	}

	// Auto migrate
	if err := database.Migrate(db); err != nil {
		panic("Failed to migrate database: " + err.Error())
	}

	srv := &Server{}

	// Redis is optional; without it user summaries come straight from the
	// database.
	if cfg.RedisEnabled {
		srv.redis = initRedisWithRetry(cfg)
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(db, srv.redis)
	chatRepo := repository.NewChatRepository(db)

	// Initialize services
	chatService := service.NewChatService(chatRepo, service.NewUserDirectory(userRepo))

	// Initialize WebSocket hub
	srv.Hub = websocket.NewHub()
	log.Println("WebSocket hub started")

	// Relay room events between instances if RabbitMQ is available
	if cfg.RabbitMQEnabled {
		srv.rabbitMQ = initRabbitMQWithRetry(cfg)
	}
	if srv.rabbitMQ != nil {
		relay := websocket.NewRabbitRelay(srv.rabbitMQ, srv.Hub, cfg.InstanceID)
		if err := relay.Start(); err != nil {
			log.Printf("Warning: Failed to start room relay: %v. Live events stay on this instance.", err)
		} else {
			srv.relay = relay
			srv.Hub.SetRelay(relay)
			log.Println("Room relay started successfully")
		}
	} else {
		log.Println("Room relay not started - live events stay on this instance")
	}

	if cfg.RateLimitEnabled {
		srv.rateLimiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		log.Printf("Rate limiting enabled: %d req/sec, burst: %d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	srv.Engine = NewEngine(cfg, Deps{
		ChatService: chatService,
		Hub:         srv.Hub,
		Tokens:      util.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTExpiresIn),
		RateLimiter: srv.rateLimiter,
	})
	return srv
}

// NewEngine registers middleware and routes.
func NewEngine(cfg *config.Config, deps Deps) *gin.Engine {
	r := gin.Default()

	// CORS middleware
	r.Use(corsMiddleware(cfg.ClientURL))

	// Rate limiting middleware (if enabled)
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.Middleware())
	}

	chatHandler := NewChatHandler(deps.ChatService)

	// API routes
	api := r.Group("/api/v1")
	{
		// Chat routes
		chat := api.Group("/chat")
		chat.Use(middleware.AuthMiddleware(deps.Tokens))
		chat.Use(middleware.RequireRoles(model.RoleDoctor, model.RolePatient))
		{
			chat.POST("/create", chatHandler.CreateChat)
			chat.GET("", chatHandler.ListChats)

			// Message routes are registered before /:chatId to keep the
			// static segment unambiguous.
			chat.PUT("/messages/:messageId", chatHandler.EditMessage)
			chat.DELETE("/messages/:messageId", chatHandler.DeleteMessage)

			chat.GET("/:chatId", chatHandler.GetChat)
			chat.GET("/:chatId/messages", chatHandler.ListMessages)
			chat.POST("/:chatId/messages", chatHandler.SendMessage)
			chat.POST("/:chatId/read", chatHandler.MarkRead)
		}
	}

	// WebSocket route
	ws := websocket.ServeWS(deps.Hub, deps.ChatService, deps.Tokens)
	r.GET("/ws", func(c *gin.Context) {
		ws.ServeHTTP(c.Writer, c.Request)
	})

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": deps.Hub.GetTotalClientCount(),
		})
	})

	return r
}

// Close releases background resources. The database pool is left to
// process exit.
func (s *Server) Close() {
	if s.relay != nil {
		s.relay.Stop()
	}
	if s.rabbitMQ != nil {
		if err := s.rabbitMQ.Close(); err != nil {
			log.Printf("Error closing RabbitMQ: %v", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf("Error closing Redis: %v", err)
		}
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// backoffDelay doubles from 2s per attempt, capped at 30s.
func backoffDelay(attempt int) time.Duration {
	initialDelay := 2 * time.Second
	maxDelay := 30 * time.Second

	delay := initialDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

// initRabbitMQWithRetry attempts to connect to RabbitMQ with exponential backoff retry
func initRabbitMQWithRetry(cfg *config.Config) *util.RabbitMQClient {
	maxRetries := cfg.ConnectRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		rabbitMQ, err := util.NewRabbitMQClient(cfg)
		if err == nil {
			log.Printf("RabbitMQ connected successfully on attempt %d", attempt)
			return rabbitMQ
		}

		if attempt < maxRetries {
			delay := backoffDelay(attempt)
			log.Printf("Failed to connect to RabbitMQ (attempt %d/%d): %v. Retrying in %v...", attempt, maxRetries, err, delay)
			time.Sleep(delay)
		} else {
			log.Printf("Warning: Failed to connect to RabbitMQ after %d attempts: %v. Cross-instance relay will be disabled.", maxRetries, err)
		}
	}

	return nil
}

// initRedisWithRetry attempts to connect to Redis with exponential backoff retry
func initRedisWithRetry(cfg *config.Config) *util.RedisClient {
	maxRetries := cfg.ConnectRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		redisClient, err := util.NewRedisClient(cfg)
		if err == nil {
			log.Printf("Redis connected successfully on attempt %d", attempt)
			return redisClient
		}

		if attempt < maxRetries {
			delay := backoffDelay(attempt)
			log.Printf("Failed to connect to Redis (attempt %d/%d): %v. Retrying in %v...", attempt, maxRetries, err, delay)
			time.Sleep(delay)
		} else {
			log.Printf("Warning: Failed to connect to Redis after %d attempts: %v. Caching will be disabled.", maxRetries, err)
			log.Println("Note: Application will continue without Redis caching")
		}
	}

	return nil
}

func corsMiddleware(clientURL string) gin.HandlerFunc {
	// Allowed origins (whitelist)
	allowedOrigins := map[string]bool{
		clientURL:               true,
		"http://localhost:3000": true,
		"http://localhost:5173": true,
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", clientURL)
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
