package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/cellar/metrics"
	"github.com/layer-3/cellar/service"
)

// RouterConfig carries the ambient dependencies of the router
type RouterConfig struct {
	Logger  *slog.Logger
	Metrics metrics.Recorder
	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler
}

// SetupRouter sets up the Gin router
func SetupRouter(authService *service.AuthService, cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(cfg.Logger, cfg.Metrics))

	// Create handlers
	handlers := NewAuthHandlers(authService, cfg.Logger)

	router.GET("/healthz", Health)
	if cfg.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/google", handlers.GoogleLogin)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(authService))
	{
		api.GET("/me", handlers.Me)
	}

	return router
}
