package observer

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/TLoveOps1/ironclaw/pkg/config"
	"github.com/TLoveOps1/ironclaw/pkg/httputil"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/metrics"
)

// Server is the observer HTTP surface.
type Server struct {
	cfg     config.Observer
	monitor *Monitor
	signals *Signals
	logger  zerolog.Logger
}

// NewServer wraps a Monitor and its Signals with the observer surface.
func NewServer(cfg config.Observer, monitor *Monitor, signals *Signals) *Server {
	return &Server{cfg: cfg, monitor: monitor, signals: signals, logger: log.WithComponent("observer")}
}

// Router builds the chi router for the observer service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(httputil.RequestLogger(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/status", s.handleStatus)
	r.Get("/alerts", s.handleAlerts)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"theater":       s.cfg.Theater,
		"poll_interval": s.cfg.PollIntervalSeconds,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.monitor.Stats())
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.signals.Cache())
}
