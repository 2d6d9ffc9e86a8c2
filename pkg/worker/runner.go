package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/TLoveOps1/ironclaw/pkg/client"
	"github.com/TLoveOps1/ironclaw/pkg/fingerprint"
	"github.com/TLoveOps1/ironclaw/pkg/gitutil"
	"github.com/TLoveOps1/ironclaw/pkg/ids"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/metrics"
	"github.com/TLoveOps1/ironclaw/pkg/model"
	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// ErrInvalid marks a rejected execute request: worktree outside the
// theater root or missing its .git marker.
var ErrInvalid = errors.New("invalid")

// MissionDefault and MissionCallSummary are the dispatch tags. A new
// mission is a new tag plus a handler with the same contract: read
// inputs/, write outputs/ and aar.json, single commit.
const (
	MissionDefault     = "default"
	MissionCallSummary = "filesystem_agent.call_summary"
)

// Runner executes missions inside vault-provisioned worktrees.
type Runner struct {
	theaterRoot string
	ledger      *client.Ledger
	caller      model.Caller
}

// NewRunner creates a Runner. theaterRoot is canonicalized once.
func NewRunner(theaterRoot string, ledger *client.Ledger, caller model.Caller) (*Runner, error) {
	abs, err := filepath.Abs(theaterRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve theater root: %w", err)
	}
	return &Runner{
		theaterRoot: abs,
		ledger:      ledger,
		caller:      caller,
	}, nil
}

// ValidateWorktree canonicalizes the worktree path and applies the entry
// checks: under the theater root, .git marker present.
func (r *Runner) ValidateWorktree(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w worktree path: %q", ErrInvalid, path)
	}
	if !isUnder(abs, r.theaterRoot) {
		return "", fmt.Errorf("%w worktree path: outside theater root %s", ErrInvalid, r.theaterRoot)
	}
	if _, err := os.Stat(filepath.Join(abs, ".git")); err != nil {
		return "", fmt.Errorf("%w worktree: no .git marker found", ErrInvalid)
	}
	return abs, nil
}

// Run executes one attempt and never returns an error for domain
// failures: the response carries status=failed with stage and error.
func (r *Runner) Run(ctx context.Context, req *types.ExecuteRequest) *types.ExecuteResponse {
	if req.Attempt <= 0 {
		req.Attempt = 1
	}
	if req.MissionType == "" {
		req.MissionType = MissionDefault
	}

	reqLog := log.WithRunID(req.RunID)
	reqLog.Info().
		Str("component", "worker").
		Str("order_id", req.OrderID).
		Str("mission_type", req.MissionType).
		Int("attempt", req.Attempt).
		Msg("mission starting")

	var res *types.ExecuteResponse
	switch req.MissionType {
	case MissionCallSummary:
		res = r.runCallSummary(ctx, req)
	default:
		res = r.runGeneric(ctx, req)
	}
	metrics.ExecutionsTotal.WithLabelValues(res.Status).Inc()
	return res
}

// attempt carries the mutable state of one execution so the failure path
// can report the stage that broke, plus a request-scoped logger so every
// line of one attempt carries its ids.
type attempt struct {
	req       *types.ExecuteRequest
	wt        string
	stage     types.Stage
	startedAt string
	logger    zerolog.Logger
}

func newAttempt(req *types.ExecuteRequest) *attempt {
	return &attempt{
		req:       req,
		wt:        req.WorktreePath,
		stage:     types.StageStarting,
		startedAt: utcNow(),
		logger: log.WithOrderID(req.OrderID).With().
			Str("component", "worker").
			Str("run_id", req.RunID).
			Logger(),
	}
}

func (r *Runner) runGeneric(ctx context.Context, req *types.ExecuteRequest) *types.ExecuteResponse {
	a := newAttempt(req)

	if head, ok := r.shortCircuit(ctx, a); ok {
		return r.completed(a, head, nil)
	}

	a.stage = types.StageInitializing
	r.heartbeat(a)
	r.emit(ctx, a, types.EventOrderRunning, map[string]interface{}{
		"status": types.StatusRunning,
		"stage":  string(a.stage),
	})

	// The hard timeout wraps everything from prompt resolution through the
	// commit: model call and commit fail together or not at all.
	hardCtx := ctx
	if req.HardTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		hardCtx, cancel = context.WithTimeout(ctx, time.Duration(req.HardTimeoutSeconds)*time.Second)
		defer cancel()
	}

	prompt, templateCommit, err := r.resolvePrompt(hardCtx, a)
	if err != nil {
		return r.failed(ctx, a, err)
	}

	fp := fingerprint.Compute(req.ModelConfig, prompt, templateCommit)
	promptHash := ids.HashText(fingerprint.Normalize(prompt))
	localArtifact := fmt.Sprintf("outputs/model_output.%s.json", fp)

	out, cacheHit, err := r.resolveOutput(hardCtx, a, fp, prompt, promptHash, localArtifact)
	if err != nil {
		return r.failed(ctx, a, err)
	}

	responseHash := ids.HashText(out.Text)
	r.emit(ctx, a, types.EventModelCallCompleted, map[string]interface{}{
		"profile_name":   req.ModelConfig.ProfileName(),
		"model_id":       req.ModelConfig.Model(),
		"prompt_hash":    promptHash,
		"response_hash":  responseHash,
		"latency_ms":     out.LatencyMS,
		"cache_hit":      cacheHit,
		"artifact_paths": []string{localArtifact},
	})

	a.stage = types.StageWritingArtifacts
	r.heartbeat(a)

	if err := promoteText(filepath.Join(a.wt, "outputs"), "model_output.txt", out.Text); err != nil {
		return r.failed(ctx, a, err)
	}

	artifacts := []types.Artifact{
		{Path: "inputs/prompt.txt", Type: "text/plain"},
		{Path: localArtifact, Type: "application/json"},
		{Path: "outputs/model_output.txt", Type: "text/plain"},
	}
	aar := &types.AAR{
		OrderID:                 req.OrderID,
		RunID:                   req.RunID,
		MissionType:             req.MissionType,
		Attempt:                 req.Attempt,
		Status:                  types.StatusCompleted,
		Stage:                   types.StageDone,
		StartedAt:               a.startedAt,
		EndedAt:                 utcNow(),
		ModelProfile:            req.ModelConfig.ProfileName(),
		ModelID:                 req.ModelConfig.Model(),
		PromptTemplatePath:      req.PromptTemplate,
		PromptTemplateCommitSHA: templateCommit,
		PromptHash:              promptHash,
		ResponseHash:            responseHash,
		CacheHit:                cacheHit,
		LatencyMS:               out.LatencyMS,
		Usage:                   out.Usage,
		Artifacts:               artifacts,
	}
	if err := writeAAR(a.wt, aar); err != nil {
		return r.failed(ctx, a, err)
	}

	head, err := r.commit(hardCtx, a)
	if err != nil {
		return r.failed(ctx, a, err)
	}

	a.stage = types.StageDone
	r.heartbeat(a)
	r.emit(ctx, a, types.EventOrderCompleted, map[string]interface{}{
		"status":     types.StatusCompleted,
		"order_head": head,
		"stage":      string(a.stage),
		"artifacts":  artifacts,
		"answer":     out.Text,
	})

	return r.completed(a, head, nil)
}

// shortCircuit returns the current HEAD when a completed AAR for this
// (order, attempt) already exists. The re-emitted ORDER_COMPLETED collides
// with the original at the ledger and is a no-op.
func (r *Runner) shortCircuit(ctx context.Context, a *attempt) (string, bool) {
	data, err := os.ReadFile(filepath.Join(a.wt, "aar.json"))
	if err != nil {
		return "", false
	}
	var aar types.AAR
	if err := json.Unmarshal(data, &aar); err != nil {
		return "", false
	}
	if aar.Status != types.StatusCompleted || aar.Attempt != a.req.Attempt {
		return "", false
	}
	head, err := gitutil.Head(ctx, a.wt)
	if err != nil {
		return "", false
	}

	a.logger.Info().
		Int("attempt", a.req.Attempt).
		Msg("attempt already completed, short-circuiting")

	answer := ""
	if text, err := os.ReadFile(filepath.Join(a.wt, "outputs", "model_output.txt")); err == nil {
		answer = string(text)
	}
	a.stage = types.StageDone
	r.emit(ctx, a, types.EventOrderCompleted, map[string]interface{}{
		"status":     types.StatusCompleted,
		"order_head": head,
		"stage":      string(types.StageDone),
		"note":       "short-circuit",
		"answer":     answer,
	})
	return head, true
}

// resolvePrompt applies the template (if present in the worktree) and
// persists the final prompt to inputs/prompt.txt. The worktree HEAD at
// resolution time is the template version.
func (r *Runner) resolvePrompt(ctx context.Context, a *attempt) (prompt, templateCommit string, err error) {
	prompt = a.req.Prompt
	if a.req.PromptTemplate != "" {
		templateFile := filepath.Join(a.wt, "prompts", a.req.PromptTemplate)
		if data, readErr := os.ReadFile(templateFile); readErr == nil {
			prompt = string(data)
			if head, headErr := gitutil.Head(ctx, a.wt); headErr == nil {
				templateCommit = head
			}
		} else {
			a.logger.Warn().
				Str("template", a.req.PromptTemplate).
				Msg("prompt template not found in worktree, using raw prompt")
		}
	}

	inputsDir := filepath.Join(a.wt, "inputs")
	if err := os.MkdirAll(inputsDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create inputs dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(inputsDir, "prompt.txt"), []byte(prompt), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write prompt: %w", err)
	}
	return prompt, templateCommit, nil
}

// resolveOutput answers from the theater cache when the fingerprint is
// known, otherwise calls the model and populates both the theater cache
// and the worktree-local copy.
func (r *Runner) resolveOutput(ctx context.Context, a *attempt, fp, prompt, promptHash, localArtifact string) (*model.Result, bool, error) {
	cache := newTheaterCache(theaterDirOf(a.wt))
	localCopy := filepath.Join(a.wt, localArtifact)

	if cached, ok := cache.lookup(fp); ok {
		a.logger.Info().Str("fingerprint", fp).Msg("fingerprint cache hit, skipping model call")
		metrics.CacheHitsTotal.Inc()
		if err := copyCached(localCopy, cached); err != nil {
			return nil, false, err
		}
		return &model.Result{
			Text:      cached.Text,
			Usage:     cached.Usage,
			LatencyMS: cached.LatencyMS,
		}, true, nil
	}

	a.stage = types.StageCallingModel
	r.heartbeat(a)
	startedPayload := map[string]interface{}{
		"profile_name":   a.req.ModelConfig.ProfileName(),
		"model_id":       a.req.ModelConfig.Model(),
		"prompt_hash":    promptHash,
		"attempt":        a.req.Attempt,
		"artifact_paths": []string{localArtifact},
	}
	r.emit(ctx, a, types.EventModelCallStarted, startedPayload)

	out, err := r.caller.Call(ctx, a.req.ModelConfig, prompt)
	if err != nil {
		metrics.ModelCallsTotal.WithLabelValues("failed").Inc()
		failedPayload := map[string]interface{}{"error": err.Error()}
		for k, v := range startedPayload {
			failedPayload[k] = v
		}
		r.emit(ctx, a, types.EventModelCallFailed, failedPayload)
		return nil, false, fmt.Errorf("model call failed: %w", err)
	}
	metrics.ModelCallsTotal.WithLabelValues("completed").Inc()

	a.stage = types.StageModelReturned
	r.heartbeat(a)

	cached := &types.CachedOutput{
		Text:        out.Text,
		Usage:       out.Usage,
		LatencyMS:   out.LatencyMS,
		Fingerprint: fp,
		Timestamp:   utcNow(),
	}
	if err := cache.store(fp, cached); err != nil {
		// The cache is an optimization; the local artifact is the record.
		a.logger.Warn().Err(err).Str("fingerprint", fp).Msg("theater cache write failed")
	}
	if err := copyCached(localCopy, cached); err != nil {
		return nil, false, err
	}
	return out, false, nil
}

func (r *Runner) commit(ctx context.Context, a *attempt) (string, error) {
	a.stage = types.StageCommitting
	r.heartbeat(a)

	if err := gitutil.AddAll(ctx, a.wt); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("worker: %s attempt %d", a.req.OrderID, a.req.Attempt)
	if err := gitutil.Commit(ctx, a.wt, msg); err != nil {
		return "", err
	}
	return gitutil.Head(ctx, a.wt)
}

func (r *Runner) completed(a *attempt, head string, _ error) *types.ExecuteResponse {
	return &types.ExecuteResponse{
		OrderID:   a.req.OrderID,
		RunID:     a.req.RunID,
		Status:    types.StatusCompleted,
		OrderHead: head,
		Stage:     types.StageDone,
	}
}

// failed writes the failure AAR, emits ORDER_FAILED, and reports the
// domain failure. Transport stays successful.
func (r *Runner) failed(ctx context.Context, a *attempt, cause error) *types.ExecuteResponse {
	a.logger.Error().Err(cause).
		Str("stage", string(a.stage)).
		Msg("mission failed")

	aar := &types.AAR{
		OrderID:     a.req.OrderID,
		RunID:       a.req.RunID,
		MissionType: a.req.MissionType,
		Attempt:     a.req.Attempt,
		Status:      types.StatusFailed,
		Stage:       a.stage,
		StartedAt:   a.startedAt,
		EndedAt:     utcNow(),
		Error:       cause.Error(),
	}
	if err := writeAAR(a.wt, aar); err != nil {
		a.logger.Error().Err(err).Msg("failed to write failure AAR")
	}

	r.emit(ctx, a, types.EventOrderFailed, map[string]interface{}{
		"status": types.StatusFailed,
		"error":  cause.Error(),
		"stage":  string(a.stage),
	})

	return &types.ExecuteResponse{
		OrderID: a.req.OrderID,
		RunID:   a.req.RunID,
		Status:  types.StatusFailed,
		Stage:   a.stage,
		Error:   cause.Error(),
	}
}

// emit appends a ledger event, best-effort: ledger blips never fail the
// mission. The event id scheme makes retried emissions collide.
func (r *Runner) emit(ctx context.Context, a *attempt, eventType types.EventType, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"attempt":  a.req.Attempt,
		"run_id":   a.req.RunID,
		"order_id": a.req.OrderID,
		"worktree": a.wt,
	}
	for k, v := range extra {
		payload[k] = v
	}

	ev := &types.Event{
		EventID:   ids.EventID(a.req.RequestID, eventType, a.req.RunID, a.req.OrderID, a.req.Attempt),
		RunID:     a.req.RunID,
		OrderID:   a.req.OrderID,
		EventType: eventType,
		Payload:   payload,
	}

	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.ledger.AppendEvent(emitCtx, ev); err != nil {
		a.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("ledger emission failed")
	}
}

// heartbeat records the current stage in outputs/heartbeat.json. Written
// via temp + rename so a reader never sees a torn write.
func (r *Runner) heartbeat(a *attempt) {
	hb := types.Heartbeat{TS: utcNow(), Stage: a.stage}
	data, _ := json.Marshal(hb)
	dir := filepath.Join(a.wt, "outputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = writeFileAtomic(filepath.Join(dir, "heartbeat.json"), data)
}

func theaterDirOf(wt string) string {
	// <theater_root>/<theater>/worktrees/<order_id>
	return filepath.Dir(filepath.Dir(wt))
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
