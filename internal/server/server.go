// Package server provides the HTTP server exposing the Messages API
// surface over the account pool.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/cloudcode"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/format"
	"github.com/poemonsense/cloudpool/internal/server/handlers"
	"github.com/poemonsense/cloudpool/internal/stats"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// Server is the HTTP server over the account pool
type Server struct {
	engine   *gin.Engine
	accounts *account.Manager
	client   *cloudcode.Client
	recorder *stats.Recorder
	cfg      *config.Config

	httpServer *http.Server
}

// New creates a Server. The recorder may be nil to disable stats.
func New(cfg *config.Config, accounts *account.Manager, client *cloudcode.Client, recorder *stats.Recorder) *Server {
	if cfg.IsDevMode() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	return &Server{
		engine:   engine,
		accounts: accounts,
		client:   client,
		recorder: recorder,
		cfg:      cfg,
	}
}

// SetupRoutes registers middleware and all HTTP routes
func (s *Server) SetupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())
	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	healthHandler := handlers.NewHealthHandler(s.accounts)
	modelsHandler := handlers.NewModelsHandler(s.accounts, s.client)
	accountsHandler := handlers.NewAccountsHandler(s.accounts, s.recorder)
	messagesHandler := handlers.NewMessagesHandler(s.accounts, s.client, s.cfg)
	refreshHandler := handlers.NewRefreshTokenHandler(s.accounts)

	s.engine.GET("/health", healthHandler.Health)
	s.engine.GET("/account-limits", accountsHandler.AccountLimits)
	s.engine.GET("/stats", accountsHandler.Stats)
	s.engine.POST("/refresh-token", refreshHandler.RefreshToken)

	s.engine.POST("/test/clear-signature-cache", func(c *gin.Context) {
		format.Signatures().Clear()
		utils.Debug("[Test] Cleared signature cache")
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", modelsHandler.ListModels)
		v1.POST("/messages", messagesHandler.Messages)
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// Run starts the HTTP server and blocks until it stops
func (s *Server) Run(addr string) error {
	s.SetupRoutes()

	utils.Info("[Server] Starting on %s", addr)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streams can run for minutes
		IdleTimeout:  120 * time.Second,
	}

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	utils.Info("[Server] Shutting down...")
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the Gin engine for tests
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
