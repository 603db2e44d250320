// Package api exposes the agent's state and history over HTTP for dashboards
// and the CLI control commands.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vibe-trader/internal/agents"
	"vibe-trader/internal/broker"
	"vibe-trader/internal/errors"
	"vibe-trader/internal/logging"
	"vibe-trader/internal/store"
)

// Controller is the part of the agent loop the API can drive.
type Controller interface {
	Status() agents.AgentStatus
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServerConfig describes the server's collaborators. Agent may be nil, in
// which case status is read from the store and control is unavailable.
type ServerConfig struct {
	Addr    string
	Store   store.DataStore
	Broker  broker.Broker
	Agent   Controller
	Risk    *agents.RiskEngine
	Symbols []string
	Logger  zerolog.Logger
}

// Server serves the /api routes.
type Server struct {
	addr   string
	router *gin.Engine
	logger zerolog.Logger
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("api server requires a store")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":3001"
	}
	if cfg.Risk == nil {
		cfg.Risk = agents.NewRiskEngine(nil)
	}
	logger := logging.WithComponent(cfg.Logger, "api")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), cors())

	h := &handlers{
		store:   cfg.Store,
		broker:  cfg.Broker,
		agent:   cfg.Agent,
		risk:    cfg.Risk,
		symbols: cfg.Symbols,
		logger:  logger,
	}
	h.register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router, logger: logger}, nil
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info().Str("addr", s.addr).Msg("API server listening")

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	case err := <-errCh:
		return err
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		var err error
		if len(c.Errors) > 0 {
			err = c.Errors.Last()
		}
		logging.LogAPICall(logger, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), err)
	}
}

// cors allows the dashboard to call the API from another origin.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
