// Package web provides the HTTP surface: the two inbound webhooks, the
// read-only run API, health, and metrics.
package web

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/conveyorci/conveyor/internal/engine"
	"github.com/conveyorci/conveyor/internal/gate"
	"github.com/conveyorci/conveyor/internal/pipeline"
)

// Engine is the slice of the state machine the HTTP layer drives.
type Engine interface {
	Advance(ctx context.Context, runID string, trigger pipeline.Trigger, extra map[string]string) (engine.Result, error)
	CreateRun(ctx context.Context, prNumber int, sourceBranch, targetBranch, commitSHA string, metadata map[string]string) (*pipeline.Run, error)
	SetError(ctx context.Context, runID, msg string) error
}

// RunQueries backs the read-only endpoints.
type RunQueries interface {
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	ListRuns(ctx context.Context) ([]*pipeline.Run, error)
	ListTransitions(ctx context.Context, runID string) ([]*pipeline.Transition, error)
	ListGateResults(ctx context.Context, runID string) ([]*pipeline.GateResult, error)
	ListAgentSessions(ctx context.Context, runID string) ([]*pipeline.AgentSession, error)
	ListDefectIssues(ctx context.Context, runID string) ([]*pipeline.DefectIssue, error)
	ListAllTransitions(ctx context.Context) ([]*pipeline.Transition, error)
	ListAllGateResults(ctx context.Context) ([]*pipeline.GateResult, error)
}

// SessionUpdater lands agent-workspace status callbacks on the session row
// the monitor polls.
type SessionUpdater interface {
	UpdateAgentSessionStatus(ctx context.Context, id string, status pipeline.SessionStatus, commitSHA, failReason string) error
}

// Server wires the echo router to the engine and store.
type Server struct {
	echo      *echo.Echo
	eng       Engine
	queries   RunQueries
	sessions  SessionUpdater
	evaluator *gate.Evaluator
	authToken string
	logger    *zap.Logger
}

func NewServer(eng Engine, queries RunQueries, sessions SessionUpdater, evaluator *gate.Evaluator, authToken string, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
			return err
		}
	})

	s := &Server{
		echo:      e,
		eng:       eng,
		queries:   queries,
		sessions:  sessions,
		evaluator: evaluator,
		authToken: authToken,
		logger:    logger.Named("web"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	auth := s.echo.Group("", s.bearerAuth)
	auth.POST("/webhooks/gate-complete", s.handleGateComplete)
	auth.POST("/webhooks/deploy-complete", s.handleDeployComplete)
	auth.POST("/webhooks/agent-complete", s.handleAgentComplete)
	auth.POST("/api/runs", s.handleCreateRun)
	auth.GET("/api/runs", s.handleListRuns)
	auth.GET("/api/runs/:id", s.handleGetRun)
	auth.GET("/api/stats", s.handleStats)
}

// bearerAuth rejects requests without the shared token. 401 is the only
// status auth failures produce; every business condition stays 200.
func (s *Server) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start blocks serving on addr.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
