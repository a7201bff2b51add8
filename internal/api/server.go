// Package api serves the read-mostly ConnectServer REST API: health,
// status, the server catalog and a reload trigger.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	intnet "github.com/mu-connect/connectserver/internal/network"
	"github.com/mu-connect/connectserver/internal/server"
)

// Server is the REST API server.
type Server struct {
	srv       *server.Server
	port      int
	rateLimit int

	httpServer *http.Server
	router     *gin.Engine
	listener   net.Listener
}

// NewServer creates an API server for srv. Nothing is bound until Listen.
func NewServer(srv *server.Server) *Server {
	cfg := srv.Config()
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		srv:       srv,
		port:      cfg.API.Port,
		rateLimit: cfg.API.RateLimit,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Listen binds the API port.
func (s *Server) Listen(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start serves until ctx is cancelled. It binds first if Listen was not called.
func (s *Server) Start(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info().Str("addr", s.listener.Addr().String()).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(NewRateLimiter(s.rateLimit).Middleware())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/status", s.handleStatus)
		api.GET("/system", s.handleSystem)
		api.GET("/servers", s.handleServers)
		api.GET("/servers/:code", s.handleServer)
		api.POST("/reload", s.handleReload)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "ConnectServer API is running"})
	})

	return router
}
