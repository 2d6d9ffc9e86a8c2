package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/TLoveOps1/ironclaw/pkg/httputil"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/metrics"
	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// Server is the ledger HTTP surface.
type Server struct {
	store  Store
	logger zerolog.Logger
}

// NewServer wraps a Store with the ledger's HTTP surface.
func NewServer(store Store) *Server {
	return &Server{store: store, logger: log.WithComponent("ledger")}
}

// Router builds the chi router for the ledger service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(httputil.RequestLogger(s.logger))

	r.Get("/health", httputil.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/events", s.handleCreateEvent)
	r.Get("/events", s.handleListEvents)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{run_id}", s.handleGetRun)
	r.Get("/orders/{order_id}", s.handleGetOrder)
	r.Post("/rebuild", s.handleRebuild)

	return r
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var ev types.Event
	if err := httputil.ReadJSON(r, &ev); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid event body: "+err.Error())
		return
	}
	if ev.EventType == "" {
		httputil.WriteError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	ack, err := s.store.AppendEvent(&ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(ev.EventType)).Msg("append failed")
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ack)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := EventFilter{
		RunID:   q.Get("run_id"),
		OrderID: q.Get("order_id"),
		Limit:   intParam(q.Get("limit"), 100),
		Offset:  intParam(q.Get("offset"), 0),
	}

	events, err := s.store.ListEvents(filter)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []types.StoredEvent{}
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []types.RunSnapshot{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(chi.URLParam(r, "order_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Rebuild(); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	httputil.WriteError(w, http.StatusInternalServerError, err.Error())
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
