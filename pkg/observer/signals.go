package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TLoveOps1/ironclaw/pkg/client"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/metrics"
	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// Signals emits observer alerts: once per episode to the ledger and the
// local audit stream, deduplicated in memory by (type, run, order) within
// a TTL window. Dedupe is in-memory only: after a restart the same alert
// may fire once more, and the ledger's event_id uniqueness still bounds
// persistent duplicates.
type Signals struct {
	ledger    *client.Ledger
	theater   string
	auditPath string
	ttl       time.Duration
	logger    zerolog.Logger

	mu    sync.Mutex
	cache map[string]time.Time
	now   func() time.Time
}

// NewSignals creates a Signals emitter. auditPath is the alerts.jsonl
// audit stream location.
func NewSignals(ledger *client.Ledger, theater, auditPath string, ttl time.Duration) *Signals {
	return &Signals{
		ledger:    ledger,
		theater:   theater,
		auditPath: auditPath,
		ttl:       ttl,
		logger:    log.WithComponent("observer.signals"),
		cache:     make(map[string]time.Time),
		now:       time.Now,
	}
}

// Emit raises one alert unless the same (type, run, order) fired within
// the TTL window. Returns whether the alert went out.
func (s *Signals) Emit(alertType, message, runID, orderID string, extra map[string]interface{}) bool {
	key := fmt.Sprintf("%s:%s:%s", alertType, runID, orderID)
	now := s.now()

	s.mu.Lock()
	if last, ok := s.cache[key]; ok && now.Sub(last) < s.ttl {
		s.mu.Unlock()
		return false
	}
	s.cache[key] = now
	s.mu.Unlock()

	payload := map[string]interface{}{
		"theater":     s.theater,
		"alert_type":  alertType,
		"message":     message,
		"run_id":      runID,
		"order_id":    orderID,
		"observed_at": now.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		payload[k] = v
	}

	s.appendAudit(payload)

	ev := &types.Event{
		EventID:   fmt.Sprintf("obs-%s-%s-%s-%d", alertType, orDash(runID), orDash(orderID), now.Unix()),
		RunID:     runID,
		OrderID:   orderID,
		EventType: types.EventType("observer." + alertType),
		Payload:   payload,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.ledger.AppendEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("alert_type", alertType).Msg("failed to emit alert to ledger")
	}

	metrics.AlertsEmittedTotal.WithLabelValues(alertType).Inc()
	return true
}

// Cache returns a snapshot of the dedupe cache for /alerts.
func (s *Signals) Cache() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.cache))
	for k, t := range s.cache {
		out[k] = t.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *Signals) appendAudit(payload map[string]interface{}) {
	if err := os.MkdirAll(filepath.Dir(s.auditPath), 0o755); err != nil {
		s.logger.Warn().Err(err).Msg("failed to create audit dir")
		return
	}
	f, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to open audit stream")
		return
	}
	defer f.Close()
	data, _ := json.Marshal(payload)
	_, _ = f.Write(append(data, '\n'))
}

func orDash(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
