package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/TLoveOps1/ironclaw/pkg/httputil"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/metrics"
	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// Server is the worker HTTP surface.
type Server struct {
	runner *Runner
	logger zerolog.Logger
}

// NewServer wraps a Runner with the worker's HTTP surface.
func NewServer(runner *Runner) *Server {
	return &Server{runner: runner, logger: log.WithComponent("worker")}
}

// Router builds the chi router for the worker service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(httputil.RequestLogger(s.logger))

	r.Get("/health", httputil.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/execute", s.handleExecute)

	return r
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req types.ExecuteRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	wt, err := s.runner.ValidateWorktree(req.WorktreePath)
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	req.WorktreePath = wt

	// Domain failures ride an HTTP 200: transport success, mission failure.
	// A caller disconnect does not stop the attempt; the hard timeout does.
	res := s.runner.Run(context.WithoutCancel(r.Context()), &req)
	httputil.WriteJSON(w, http.StatusOK, res)
}
