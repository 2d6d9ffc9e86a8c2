package observer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TLoveOps1/ironclaw/pkg/client"
	"github.com/TLoveOps1/ironclaw/pkg/config"
	"github.com/TLoveOps1/ironclaw/pkg/gitutil"
	"github.com/TLoveOps1/ironclaw/pkg/ledger"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/metrics"
	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// Stats mirrors the monitor's /status payload.
type Stats struct {
	LastPoll          int64 `json:"last_poll"`
	ActiveRuns        int   `json:"active_runs"`
	StalledDetected   int   `json:"stalled_detected"`
	OrphansDetected   int   `json:"orphans_detected"`
	IntegrityFailures int   `json:"integrity_failures"`
	AlertsEmitted     int   `json:"alerts_emitted"`
}

// Monitor is the passive health probe: it polls the ledger and the
// theater filesystem for stalls, integrity failures and orphan worktrees.
// It is never on the request path.
type Monitor struct {
	cfg     config.Observer
	ledger  *client.Ledger
	vault   *client.Vault
	signals *Signals
	logger  zerolog.Logger

	mu     sync.Mutex
	stats  Stats
	stopCh chan struct{}
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg config.Observer, ledgerClient *client.Ledger, vaultClient *client.Vault, signals *Signals) *Monitor {
	return &Monitor{
		cfg:     cfg,
		ledger:  ledgerClient,
		vault:   vaultClient,
		signals: signals,
		logger:  log.WithComponent("observer"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the polling loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the polling loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

// Stats returns a copy of the current counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Monitor) run() {
	ticker := time.NewTicker(time.Duration(m.cfg.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()

	m.logger.Info().Str("theater", m.cfg.Theater).Msg("observer started")
	for {
		select {
		case <-ticker.C:
			m.Poll()
		case <-m.stopCh:
			m.logger.Info().Msg("observer stopped")
			return
		}
	}
}

// Poll runs one probe cycle.
func (m *Monitor) Poll() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ObserverPollDuration)

	m.mu.Lock()
	m.stats.LastPoll = time.Now().Unix()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events, err := m.ledger.ListEvents(ctx, ledger.EventFilter{Limit: 10000})
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to reach ledger")
	} else {
		m.checkStallsAndIntegrity(ctx, events)
	}

	m.checkOrphans(ctx)
}

// checkStallsAndIntegrity groups events by order, derives the latest
// status, and probes running orders for stalls and completed worktrees
// for integrity.
func (m *Monitor) checkStallsAndIntegrity(ctx context.Context, events []types.StoredEvent) {
	byOrder := make(map[string][]types.StoredEvent)
	for _, ev := range events {
		if ev.OrderID == "" {
			continue
		}
		byOrder[ev.OrderID] = append(byOrder[ev.OrderID], ev)
	}

	active := 0
	for orderID, evs := range byOrder {
		sort.Slice(evs, func(i, j int) bool { return evs[i].ID < evs[j].ID })
		status, theater, worktree, lastTS, runID := foldOrderView(evs)

		if theater == "" {
			theater = m.cfg.Theater
		}
		if theater != m.cfg.Theater {
			continue
		}

		switch status {
		case types.StatusRunning:
			active++
			m.checkStall(orderID, runID, lastTS)
		case types.StatusCompleted:
			m.checkIntegrity(ctx, orderID, runID, worktree)
		}
	}

	m.mu.Lock()
	m.stats.ActiveRuns = active
	m.mu.Unlock()
}

// foldOrderView extracts the order's latest status, theater, worktree and
// last event timestamp from its events in insertion order.
func foldOrderView(evs []types.StoredEvent) (status, theater, worktree, lastTS, runID string) {
	for _, ev := range evs {
		if ev.RunID != "" {
			runID = ev.RunID
		}
		lastTS = ev.TS
		if st, ok := ev.Payload["status"].(string); ok && st != "" {
			status = st
		}
		if th, ok := ev.Payload["theater"].(string); ok && th != "" {
			theater = th
		}
		if wt, ok := ev.Payload["worktree"].(string); ok && wt != "" {
			worktree = wt
		}
	}
	return status, theater, worktree, lastTS, runID
}

func (m *Monitor) checkStall(orderID, runID, lastTS string) {
	ts, err := time.Parse(time.RFC3339Nano, lastTS)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, lastTS); err != nil {
			return
		}
	}
	delta := time.Since(ts)
	if delta <= time.Duration(m.cfg.StallSeconds)*time.Second {
		return
	}

	msg := orderID + " stalled for " + delta.Truncate(time.Second).String()
	if m.signals.Emit("stalled", msg, runID, orderID, map[string]interface{}{
		"delta_seconds": delta.Seconds(),
		"last_status":   types.StatusRunning,
	}) {
		m.mu.Lock()
		m.stats.StalledDetected++
		m.stats.AlertsEmitted++
		m.mu.Unlock()
	}
}

// checkIntegrity verifies a completed order's surviving worktree: aar.json
// must exist and the tree must be git-clean.
func (m *Monitor) checkIntegrity(ctx context.Context, orderID, runID, worktree string) {
	if worktree == "" {
		return
	}
	if _, err := os.Stat(worktree); err != nil {
		// Already archived and removed; nothing to verify.
		return
	}

	if _, err := os.Stat(filepath.Join(worktree, "aar.json")); err != nil {
		if m.signals.Emit("integrity_failed", "completed order "+orderID+" missing aar.json", runID, orderID, map[string]interface{}{
			"missing":  "aar.json",
			"worktree": worktree,
		}) {
			m.bumpIntegrity()
		}
		return
	}

	dirty, err := gitutil.StatusPorcelain(ctx, worktree)
	if err != nil {
		return
	}
	if dirty != "" {
		if m.signals.Emit("integrity_failed", "completed order "+orderID+" has uncommitted changes", runID, orderID, map[string]interface{}{
			"git_status": dirty,
		}) {
			m.bumpIntegrity()
		}
	}
}

func (m *Monitor) bumpIntegrity() {
	m.mu.Lock()
	m.stats.IntegrityFailures++
	m.stats.AlertsEmitted++
	m.mu.Unlock()
}

// checkOrphans scans the theater's worktrees directory; an order the
// ledger has never heard of is an orphan. Terminal-state worktrees are
// logged but not alerted.
func (m *Monitor) checkOrphans(ctx context.Context) {
	wtRoot := filepath.Join(m.cfg.TheaterRoot, m.cfg.Theater, "worktrees")
	entries, err := os.ReadDir(wtRoot)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		orderID := entry.Name()
		snap, err := m.ledger.GetOrder(ctx, orderID)
		if err != nil {
			if client.IsNotFound(err) {
				m.emitOrphan(ctx, orderID, filepath.Join(wtRoot, orderID))
			}
			continue
		}
		if snap.Status == types.StatusCompleted || snap.Status == types.StatusFailed {
			m.logger.Debug().Str("order_id", orderID).Str("status", snap.Status).Msg("terminal worktree still on disk")
		}
	}
}

func (m *Monitor) emitOrphan(ctx context.Context, orderID, path string) {
	if !m.signals.Emit("orphan_worktree", "detected orphan worktree: "+orderID, "", orderID, map[string]interface{}{
		"path": path,
	}) {
		return
	}
	m.mu.Lock()
	m.stats.OrphansDetected++
	m.stats.AlertsEmitted++
	m.mu.Unlock()

	if m.cfg.EnableVaultCleanup {
		if _, err := m.vault.Remove(ctx, m.cfg.Theater, orderID); err != nil {
			m.logger.Warn().Err(err).Str("order_id", orderID).Msg("failed to trigger vault cleanup for orphan")
		}
	}
}
