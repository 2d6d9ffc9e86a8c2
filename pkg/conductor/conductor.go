package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/TLoveOps1/ironclaw/pkg/client"
	"github.com/TLoveOps1/ironclaw/pkg/config"
	"github.com/TLoveOps1/ironclaw/pkg/ids"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/metrics"
	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// Conductor orchestrates a chat: id derivation, ledger-first idempotency,
// Vault → Worker → Vault, and lifecycle event emission.
type Conductor struct {
	cfg    config.Conductor
	ledger *client.Ledger
	vault  *client.Vault
	worker *client.Worker
}

// New creates a Conductor.
func New(cfg config.Conductor) *Conductor {
	return &Conductor{
		cfg:    cfg,
		ledger: client.NewLedger(cfg.LedgerURL),
		vault:  client.NewVault(cfg.VaultURL),
		worker: client.NewWorker(cfg.WorkerURL, time.Duration(cfg.HardTimeoutSeconds+60)*time.Second),
	}
}

// chatState threads the derived identity through one orchestration, with a
// request-scoped logger carrying both ids.
type chatState struct {
	runID     string
	orderID   string
	requestID string
	logger    zerolog.Logger
}

func newChatState(runID, orderID, requestID string) *chatState {
	return &chatState{
		runID:     runID,
		orderID:   orderID,
		requestID: requestID,
		logger: log.WithRunID(runID).With().
			Str("component", "co").
			Str("order_id", orderID).
			Logger(),
	}
}

// Chat runs one request end to end. Validation mistakes return
// ErrBadRequest for the server to map to 400; every other failure is a
// domain failure serialized into the response with status=failed.
func (c *Conductor) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	theater := req.Theater
	if theater == "" {
		theater = c.cfg.Theater
	}
	runID, orderID, requestID := ids.Derive(req.RequestID)
	st := newChatState(runID, orderID, requestID)

	// Ledger-first idempotency: a completed order answers from the
	// snapshot with no worktree and no worker.
	if snap, err := c.ledger.GetOrder(ctx, orderID); err == nil && snap.Status == types.StatusCompleted {
		st.logger.Info().Msg("order already completed, short-circuiting")
		metrics.ShortCircuitsTotal.Inc()
		metrics.ChatsTotal.WithLabelValues(types.StatusCompleted).Inc()
		return &types.ChatResponse{
			RunID:       runID,
			OrderID:     orderID,
			Status:      types.StatusCompleted,
			Answer:      extraStr(snap.Extra, "answer"),
			OrderHead:   snap.OrderHead,
			ArchivePath: extraStr(snap.Extra, "archive_path"),
		}, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OrchestrationDuration)

	res, err := c.orchestrate(ctx, st, theater, req)
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			return nil, err
		}
		c.emit(ctx, st, types.EventOrderFailed, map[string]interface{}{
			"status": types.StatusFailed,
			"error":  err.Error(),
			"stage":  "orchestration",
		})
		c.emit(ctx, st, types.EventRunFailed, map[string]interface{}{
			"status":   types.StatusFailed,
			"error":    err.Error(),
			"ended_at": utcNow(),
		})
		metrics.ChatsTotal.WithLabelValues(types.StatusFailed).Inc()
		return &types.ChatResponse{
			RunID:   runID,
			OrderID: orderID,
			Status:  types.StatusFailed,
			Error:   err.Error(),
		}, nil
	}
	metrics.ChatsTotal.WithLabelValues(res.Status).Inc()
	return res, nil
}

func (c *Conductor) orchestrate(ctx context.Context, st *chatState, theater string, req *types.ChatRequest) (*types.ChatResponse, error) {
	objective := req.Objective
	if objective == "" {
		objective = "Process chat: " + truncate(req.Message, 50)
	}
	keepWorktree := c.cfg.KeepWorktree
	if req.KeepWorktree != nil {
		keepWorktree = *req.KeepWorktree
	}

	// mission_type rides in model_overrides on the original wire shape;
	// a top-level field wins when both are present.
	missionType := req.MissionType
	if missionType == "" {
		missionType = overrideStr(req.ModelOverrides, "mission_type", "")
	}
	workerMission := "default"
	if pb, ok := LookupPlaybook(missionType); ok {
		workerMission = pb.WorkerMissionType
		st.logger.Debug().Str("mission_type", pb.MissionType).Str("description", pb.Description).Msg("planning with playbook")
	}

	c.emit(ctx, st, types.EventRunCreated, map[string]interface{}{
		"status":     "created",
		"message":    req.Message,
		"started_at": utcNow(),
		"order_ids":  []string{st.orderID},
	})
	c.emit(ctx, st, types.EventOrderCreated, map[string]interface{}{
		"status":    "created",
		"theater":   theater,
		"objective": objective,
	})
	c.emit(ctx, st, types.EventOrderQueued, map[string]interface{}{
		"status": "queued",
	})

	c.emit(ctx, st, types.EventOrderWorktreeRequested, nil)
	wt, err := c.vault.CreateWorktree(ctx, theater, st.orderID, "")
	if err != nil {
		return nil, fmt.Errorf("worktree provisioning failed: %w", err)
	}
	c.emit(ctx, st, types.EventOrderWorktreeReady, map[string]interface{}{
		"worktree": wt.Path,
	})

	if workerMission == "filesystem_agent.call_summary" {
		in := &callSummaryInputs{
			MissionType: workerMission,
			RunID:       st.runID,
			OrderID:     st.orderID,
			RequestID:   st.requestID,
			Theater:     theater,
			Objective:   objective,
			Message:     req.Message,
			Overrides:   req.ModelOverrides,
		}
		if err := in.write(wt.Path); err != nil {
			return nil, fmt.Errorf("mission input preparation failed: %w", err)
		}
	}

	profile := req.ModelProfile
	if profile == "" {
		profile = c.cfg.DefaultProfile
	}
	modelCfg, err := ResolvePolicy(c.cfg.TheaterRoot, theater, profile, req.ModelOverrides)
	if err != nil {
		return nil, err
	}

	stallSeconds := req.StallSeconds
	if stallSeconds == 0 {
		stallSeconds = c.cfg.StallSeconds
	}
	hardTimeout := req.HardTimeoutSeconds
	if hardTimeout == 0 {
		hardTimeout = c.cfg.HardTimeoutSeconds
	}

	workerRes, err := c.worker.Execute(ctx, &types.ExecuteRequest{
		RunID:              st.runID,
		OrderID:            st.orderID,
		Attempt:            1,
		WorktreePath:       wt.Path,
		Objective:          objective,
		Prompt:             req.Message,
		PromptTemplate:     req.PromptTemplate,
		ModelConfig:        modelCfg,
		StallSeconds:       stallSeconds,
		HardTimeoutSeconds: hardTimeout,
		RequestID:          st.requestID,
		MissionType:        workerMission,
	})
	if err != nil {
		return nil, fmt.Errorf("worker call failed: %w", err)
	}

	if workerRes.Status != types.StatusCompleted {
		errMsg := workerRes.Error
		if errMsg == "" {
			errMsg = "worker failed without specific error"
		}
		c.emit(ctx, st, types.EventOrderFailed, map[string]interface{}{
			"status": types.StatusFailed,
			"error":  errMsg,
			"stage":  string(workerRes.Stage),
		})
		c.emit(ctx, st, types.EventRunFailed, map[string]interface{}{
			"status":   types.StatusFailed,
			"error":    errMsg,
			"ended_at": utcNow(),
		})
		return &types.ChatResponse{
			RunID:   st.runID,
			OrderID: st.orderID,
			Status:  types.StatusFailed,
			Error:   errMsg,
		}, nil
	}

	answer, err := readArtifact(wt.Path, filepath.Join("outputs", "model_output.txt"))
	if err != nil {
		return nil, err
	}
	aar, err := readAAR(wt.Path)
	if err != nil {
		return nil, err
	}

	archivePath := ""
	if !keepWorktree {
		removed, err := c.vault.Remove(ctx, theater, st.orderID)
		if err != nil {
			return nil, fmt.Errorf("worktree cleanup failed: %w", err)
		}
		archivePath = removed.ArchivePath
	}

	c.emit(ctx, st, types.EventOrderCompleted, map[string]interface{}{
		"status":       types.StatusCompleted,
		"order_head":   workerRes.OrderHead,
		"worktree":     wt.Path,
		"artifacts":    aar.Artifacts,
		"answer":       answer,
		"archive_path": archivePath,
	})
	c.emit(ctx, st, types.EventRunCompleted, map[string]interface{}{
		"status":     types.StatusCompleted,
		"order_head": workerRes.OrderHead,
		"ended_at":   utcNow(),
	})
	if archivePath != "" {
		c.emit(ctx, st, types.EventOrderArchived, map[string]interface{}{
			"archive_path": archivePath,
		})
	}

	res := &types.ChatResponse{
		RunID:       st.runID,
		OrderID:     st.orderID,
		Status:      types.StatusCompleted,
		Answer:      answer,
		OrderHead:   workerRes.OrderHead,
		ArchivePath: archivePath,
	}
	if keepWorktree {
		res.WorktreePath = wt.Path
	}
	return res, nil
}

// emit appends a lifecycle event, best-effort. The shared event id scheme
// means the worker's terminal event and the conductor's collide and the
// second becomes a no-op.
func (c *Conductor) emit(ctx context.Context, st *chatState, eventType types.EventType, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	ev := &types.Event{
		EventID:   ids.EventID(st.requestID, eventType, st.runID, st.orderID, 1),
		RunID:     st.runID,
		OrderID:   st.orderID,
		EventType: eventType,
		Payload:   payload,
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.ledger.AppendEvent(emitCtx, ev); err != nil {
		st.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("ledger emission failed")
	}
}

func readArtifact(worktreePath, rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, rel))
	if err != nil {
		return "", fmt.Errorf("artifact not found: %s: %w", rel, err)
	}
	return string(data), nil
}

func readAAR(worktreePath string) (*types.AAR, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, "aar.json"))
	if err != nil {
		return nil, fmt.Errorf("aar.json not found in worktree: %w", err)
	}
	var aar types.AAR
	if err := json.Unmarshal(data, &aar); err != nil {
		return nil, fmt.Errorf("failed to parse aar.json: %w", err)
	}
	return &aar, nil
}

func extraStr(extra map[string]interface{}, key string) string {
	s, _ := extra[key].(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
