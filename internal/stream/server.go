// Package stream exposes the HTTP API: run lifecycle endpoints plus the
// live event stream and backfill endpoints clients use to follow
// pipeline progress without gaps.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gated/internal/eventlog"
	"github.com/fyrsmithlabs/gated/internal/microplan"
	"github.com/fyrsmithlabs/gated/internal/scheduler"
	"github.com/fyrsmithlabs/gated/internal/validation"
)

const (
	defaultBackfillLimit = 100
	maxBackfillLimit     = 500
	heartbeatInterval    = 15 * time.Second
)

// Launcher dispatches runs for background execution.
type Launcher interface {
	Launch(ctx context.Context, runID string) error
	LaunchRerun(ctx context.Context, runID string, gateNumber int) error
	Abort(runID string) bool
}

// PlanRunner executes a microplan's work units for a pipeline in
// dependency order.
type PlanRunner interface {
	ExecutePlan(ctx context.Context, pipelineID, projectPath string, doc *microplan.Document) (*scheduler.Result, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints for gated.
type Server struct {
	echo     *echo.Echo
	store    validation.Store
	events   *eventlog.Log
	launcher Launcher
	plans    PlanRunner
	registry *prometheus.Registry
	logger   *zap.Logger
	config   Config
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPlanRunner enables the work-unit verify endpoint.
func WithPlanRunner(p PlanRunner) ServerOption {
	return func(s *Server) { s.plans = p }
}

// NewServer creates the HTTP server.
func NewServer(store validation.Store, events *eventlog.Log, launcher Launcher, registry *prometheus.Registry, logger *zap.Logger, cfg Config, opts ...ServerOption) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9747
	}

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
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		store:    store,
		events:   events,
		launcher: launcher,
		registry: registry,
		logger:   logger.Named("http"),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/abort", s.handleAbortRun)
	v1.POST("/runs/:id/rerun", s.handleRerunGate)
	if s.plans != nil {
		v1.POST("/runs/:id/verify", s.handleVerifyPlan)
	}

	v1.GET("/pipelines/:id/events", s.handleEvents)
	v1.GET("/pipelines/:id/backfill", s.handleBackfill)
	v1.GET("/pipelines/:id/metrics", s.handlePipelineMetrics)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateRunRequest is the request body for POST /api/v1/runs.
type CreateRunRequest struct {
	OutputID    string `json:"outputId"`
	ProjectPath string `json:"projectPath"`
	BaseRef     string `json:"baseRef"`
	TargetRef   string `json:"targetRef"`
	TaskPrompt  string `json:"taskPrompt"`
	RunType     string `json:"runType"`
	DangerMode  bool   `json:"dangerMode"`
	Microplan   string `json:"microplan"`
	Manifest    string `json:"manifest"`
	Contract    string `json:"contract"`
}

// CreateRunResponse is the response body for POST /api/v1/runs.
type CreateRunResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

func (s *Server) handleCreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "projectPath is required")
	}
	runType := validation.RunType(req.RunType)
	if runType != validation.RunTypeContract && runType != validation.RunTypeExecution {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("runType must be %s or %s", validation.RunTypeContract, validation.RunTypeExecution))
	}

	run := &validation.Run{
		ID:          uuid.NewString(),
		OutputID:    req.OutputID,
		ProjectPath: req.ProjectPath,
		BaseRef:     req.BaseRef,
		TargetRef:   req.TargetRef,
		TaskPrompt:  req.TaskPrompt,
		RunType:     runType,
		Status:      validation.RunPending,
		DangerMode:  req.DangerMode,
		Microplan:   req.Microplan,
		Manifest:    req.Manifest,
		Contract:    req.Contract,
	}
	if err := s.store.CreateRun(c.Request().Context(), run); err != nil {
		s.logger.Error("create run failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create run")
	}

	// The run outlives this request; execution is tied to the server
	// lifecycle, not the connection.
	if err := s.launcher.Launch(context.WithoutCancel(c.Request().Context()), run.ID); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusAccepted, CreateRunResponse{RunID: run.ID, Status: string(validation.RunPending)})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

// AbortResponse is the response body for POST /api/v1/runs/:id/abort.
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

func (s *Server) handleAbortRun(c echo.Context) error {
	aborted := s.launcher.Abort(c.Param("id"))
	if !aborted {
		return c.JSON(http.StatusConflict, AbortResponse{Aborted: false})
	}
	return c.JSON(http.StatusOK, AbortResponse{Aborted: true})
}

func (s *Server) handleRerunGate(c echo.Context) error {
	gate, err := strconv.Atoi(c.QueryParam("gate"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "gate query parameter is required")
	}
	runID := c.Param("id")
	if _, err := s.store.GetRun(c.Request().Context(), runID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err := s.launcher.LaunchRerun(context.WithoutCancel(c.Request().Context()), runID, gate); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusAccepted, CreateRunResponse{RunID: runID, Status: string(validation.RunPending)})
}

// VerifyPlanResponse is the response body for POST /api/v1/runs/:id/verify.
type VerifyPlanResponse struct {
	RunID   string `json:"runId"`
	Units   int    `json:"units"`
	Batches int    `json:"batches"`
}

// handleVerifyPlan executes the run's microplan verify commands in
// dependency order. Progress streams as unit events on the run's
// pipeline; the response only confirms the schedule was accepted.
func (s *Server) handleVerifyPlan(c echo.Context) error {
	run, err := s.store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if run.Microplan == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run has no microplan")
	}
	doc, err := microplan.Parse([]byte(run.Microplan))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	batches, err := scheduler.TopologicalBatches(doc.Units)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	go func() {
		if _, err := s.plans.ExecutePlan(context.Background(), run.ID, run.ProjectPath, doc); err != nil {
			s.logger.Warn("plan verification failed",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
	return c.JSON(http.StatusAccepted, VerifyPlanResponse{
		RunID:   run.ID,
		Units:   len(doc.Units),
		Batches: len(batches),
	})
}

// handleEvents streams pipeline events over SSE. The client passes its
// last-seen sequence as from_sequence; buffered events after it are
// replayed first, then live events follow in order. A closed stream
// means the client fell behind and must recover via backfill.
func (s *Server) handleEvents(c echo.Context) error {
	pipelineID := c.Param("id")
	from, err := sequenceParam(c, "from_sequence")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sub := s.events.Subscribe(pipelineID, from)
	defer sub.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ctx := c.Request().Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": keep-alive\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				// Subscriber was dropped for falling behind.
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal event failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(res, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func (s *Server) handleBackfill(c echo.Context) error {
	pipelineID := c.Param("id")
	since, err := sequenceParam(c, "since_sequence")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	limit := defaultBackfillLimit
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
	}
	if limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}

	result, err := s.events.Backfill(pipelineID, since, limit)
	if err != nil {
		if errors.Is(err, eventlog.ErrEvicted) {
			return echo.NewHTTPError(http.StatusGone, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "backfill failed")
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handlePipelineMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.events.Metrics(c.Param("id")))
}

func sequenceParam(c echo.Context, name string) (uint64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return seq, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
