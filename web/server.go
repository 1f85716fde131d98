package web

import (
	"context"
	"net/http"
	"time"

	"webllm-chat/config"
	"webllm-chat/llmclient"
	"webllm-chat/session"
	"webllm-chat/templates"
	"webllm-chat/web/handlers"
	"webllm-chat/web/middleware"
	"webllm-chat/web/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the stores and the backend the server exposes.
type Deps struct {
	Sessions  *session.Store
	AppConfig *config.AppConfig
	Templates *templates.Store
	Client    llmclient.Client
	// Models lists the backend's models; nil serves the stored catalog.
	Models services.ModelLister
}

type Server struct {
	router  *gin.Engine
	deps    Deps
	limiter *middleware.SessionRateLimiter
	logger  *zap.Logger
	config  *config.Config
}

func NewServer(deps Deps, logger *zap.Logger, config *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Set("logger", logger)
		c.Next()
	})

	server := &Server{
		router: router,
		deps:   deps,
		limiter: middleware.NewSessionRateLimiter(middleware.RateLimiterConfig{
			MessagesPerMinute: config.RateLimitMessagesPerMin,
			BurstSize:         config.RateLimitBurstSize,
		}, logger),
		logger: logger,
		config: config,
	}

	server.setupRoutes()
	return server
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	chatService := services.NewChatService(s.deps.Sessions, s.deps.AppConfig, s.deps.Client, s.deps.Models, s.logger)
	streamService := services.NewStreamService(s.deps.Sessions, s.logger)

	chatHandler := handlers.NewChatHandler(chatService, streamService, s.logger)
	sessionHandler := handlers.NewSessionHandler(s.deps.Sessions, s.deps.Templates, s.logger)
	templateHandler := handlers.NewTemplateHandler(s.deps.Templates, s.deps.AppConfig, s.logger)
	configHandler := handlers.NewConfigHandler(s.deps.AppConfig, chatService, s.logger)

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	api := s.router.Group("/api")
	api.GET("/sessions", sessionHandler.List)
	api.POST("/sessions", sessionHandler.Create)
	api.DELETE("/sessions", sessionHandler.Clear)
	api.POST("/sessions/undo", sessionHandler.Undo)
	api.POST("/sessions/move", sessionHandler.Move)
	api.POST("/abort", chatHandler.Abort)

	sess := api.Group("/sessions/:id", middleware.SessionMiddleware(s.deps.Sessions))
	sess.GET("", sessionHandler.Get)
	sess.DELETE("", sessionHandler.Delete)
	sess.POST("/select", sessionHandler.Select)
	sess.POST("/clear-context", sessionHandler.ClearContext)
	sess.POST("/reset", sessionHandler.Reset)
	sess.GET("/export", sessionHandler.Export)
	sess.GET("/stream", chatHandler.StreamResponse)
	sess.POST("/messages", middleware.RateLimitMiddleware(s.limiter), chatHandler.SendMessage)
	sess.POST("/messages/:mid/resend", middleware.RateLimitMiddleware(s.limiter), chatHandler.Resend)
	sess.DELETE("/messages/:mid", sessionHandler.DeleteMessage)

	api.GET("/templates", templateHandler.List)
	api.POST("/templates", templateHandler.Create)
	api.GET("/templates/export", templateHandler.Export)
	api.POST("/templates/import", templateHandler.Import)
	api.GET("/templates/:tid", templateHandler.Get)
	api.PATCH("/templates/:tid", templateHandler.Update)
	api.DELETE("/templates/:tid", templateHandler.Delete)

	api.GET("/config", configHandler.Get)
	api.PATCH("/config", configHandler.Patch)
	api.POST("/config/reset", configHandler.Reset)
	api.GET("/models", configHandler.Models)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
// Streams still open get a few seconds to finish.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.logger.Info("Starting web server", zap.String("address", addr))
	defer s.limiter.Stop()

	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server failed to start", zap.Error(err))
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	s.logger.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
