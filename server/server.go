// Package server exposes an Engine over an OpenAI compatible HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"streaminfer/infer"
	"streaminfer/remote"
	"streaminfer/reqlog"
)

const DefaultShutdownTimeout = 10 * time.Second

// Options wires the server's collaborators. Only Engine and Model are
// required.
type Options struct {
	Engine infer.Engine
	Model  string
	// Generator, when set, is also served on the remote generate protocol
	// so other engines can use this process as their backend.
	Generator infer.RequestGenerator
	// Gatherer backs GET /metrics.
	Gatherer prometheus.Gatherer
	// Observers are attached to every inference call.
	Observers  []infer.Metric
	RequestLog *reqlog.Store
	Log        *zap.SugaredLogger
}

type Server struct {
	e         *echo.Echo
	engine    infer.Engine
	model     string
	observers []infer.Metric
	requests  *reqlog.Store
	log       *zap.SugaredLogger
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		e:         echo.New(),
		engine:    opts.Engine,
		model:     opts.Model,
		observers: opts.Observers,
		requests:  opts.RequestLog,
		log:       log,
	}
	if s.requests != nil {
		s.observers = append(s.observers, s.requests)
	}

	e := s.e
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := e.Group("")
	api.Use(newRecoverMiddleware(log))
	api.Use(newTrackMiddleware(log))
	api.POST("/v1/chat/completions", s.handleChatCompletions)
	api.GET("/v1/models", s.handleListModels)
	if s.requests != nil {
		api.GET("/v1/requests", s.handleRecentRequests)
	}
	if opts.Generator != nil {
		h := echo.WrapHandler(remote.NewHandler(opts.Generator, opts.Model, log))
		api.GET(remote.InfoPath, h)
		api.POST(remote.GeneratePath, h)
	}
	return s
}

// Handler returns the server as a plain http.Handler.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Infow("serving", "addr", addr, "model", s.model)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) handleListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.model,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "streaminfer",
		}},
	})
}

// handleRecentRequests lists logged completions, newest first. Records are
// written in the background so the newest may lag slightly.
func (s *Server) handleRecentRequests(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return writeBadRequest(c, "limit must be a positive integer")
		}
		limit = min(n, 1000)
	}
	recs, err := s.requests.Recent(c.Request().Context(), limit)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": recs})
}
