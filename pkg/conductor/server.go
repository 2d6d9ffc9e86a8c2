package conductor

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

// Server is the conductor HTTP surface.
type Server struct {
	co     *Conductor
	logger zerolog.Logger
}

// NewServer wraps a Conductor with its HTTP surface.
func NewServer(co *Conductor) *Server {
	return &Server{co: co, logger: log.WithComponent("co")}
}

// Router builds the chi router for the CO service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(httputil.RequestLogger(s.logger))

	r.Get("/health", httputil.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/chat", s.handleChat)

	return r
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		httputil.WriteError(w, http.StatusBadRequest, "message is required")
		return
	}

	// A client disconnect does not stop the in-flight orchestration; a
	// retry with the same request_id will pick up the result.
	res, err := s.co.Chat(context.WithoutCancel(r.Context()), &req)
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
