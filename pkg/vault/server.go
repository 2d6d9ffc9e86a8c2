package vault

import (
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

// Server is the vault HTTP surface.
type Server struct {
	manager *Manager
	logger  zerolog.Logger
}

// NewServer wraps a Manager with the vault's HTTP surface.
func NewServer(manager *Manager) *Server {
	return &Server{manager: manager, logger: log.WithComponent("vault")}
}

// Router builds the chi router for the vault service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(httputil.RequestLogger(s.logger))

	r.Get("/health", httputil.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/worktrees", s.handleCreate)
	r.Get("/worktrees/{theater}/{order_id}", s.handleStatus)
	r.Post("/worktrees/{theater}/{order_id}/archive", s.handleArchive)
	r.Post("/worktrees/{theater}/{order_id}/remove", s.handleRemove)

	return r
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req types.WorktreeCreateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	path, created, err := s.manager.CreateWorktree(r.Context(), req.Theater, req.OrderID, req.BaseRef)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, types.WorktreeResponse{
		OrderID: req.OrderID,
		Path:    path,
		Exists:  true,
		Created: created,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	theater := chi.URLParam(r, "theater")
	orderID := chi.URLParam(r, "order_id")

	path, exists, err := s.manager.WorktreeStatus(theater, orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, types.WorktreeResponse{
		OrderID: orderID,
		Path:    path,
		Exists:  exists,
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	theater := chi.URLParam(r, "theater")
	orderID := chi.URLParam(r, "order_id")

	archivePath, err := s.manager.Archive(theater, orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, types.ArchiveResponse{
		OrderID:     orderID,
		ArchivePath: archivePath,
		Success:     true,
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	theater := chi.URLParam(r, "theater")
	orderID := chi.URLParam(r, "order_id")

	archivePath, err := s.manager.Remove(r.Context(), theater, orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, types.RemoveResponse{
		Status:      "removed",
		ArchivePath: archivePath,
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalid) {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error().Err(err).Msg("vault operation failed")
	httputil.WriteError(w, http.StatusInternalServerError, err.Error())
}
