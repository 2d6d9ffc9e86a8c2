package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TLoveOps1/ironclaw/pkg/ids"
	"github.com/TLoveOps1/ironclaw/pkg/metrics"
	"github.com/TLoveOps1/ironclaw/pkg/types"
)

const callSummarySystemPrompt = `You are an AI assistant processing a customer call transcript.
Your goal is to produce a concise summary and extract actionable items.
The user will provide the transcript and account details.
You must respond in the following format:

# Summary
[Your summary here]

---

# Action Items
- [Owner] Description

Follow any specific guidance provided in the Playbook section.`

// runCallSummary executes the filesystem_agent.call_summary mission: it
// reads the call transcript and CRM context from the worktree, composes a
// structured prompt, and splits the model reply into summary and action
// items artifacts.
func (r *Runner) runCallSummary(ctx context.Context, req *types.ExecuteRequest) *types.ExecuteResponse {
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

	hardCtx := ctx
	if req.HardTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		hardCtx, cancel = context.WithTimeout(ctx, time.Duration(req.HardTimeoutSeconds)*time.Second)
		defer cancel()
	}

	call := readOrEmpty(filepath.Join(a.wt, "inputs", "call.md"))
	account := readOrDefault(filepath.Join(a.wt, "context", "account.json"), "{}")
	playbook := readOrEmpty(filepath.Join(a.wt, "context", "playbook.md"))

	userPrompt := "# Account Info\n" + account + "\n\n" +
		"# Playbook Guidance\n" + playbook + "\n\n" +
		"# Call Transcript\n" + call
	fullPrompt := callSummarySystemPrompt + "\n\n" + userPrompt
	promptHash := ids.HashText(fullPrompt)

	a.stage = types.StageCallingModel
	r.heartbeat(a)
	startedPayload := map[string]interface{}{
		"profile_name": req.ModelConfig.ProfileName(),
		"model_id":     req.ModelConfig.Model(),
		"prompt_hash":  promptHash,
		"attempt":      req.Attempt,
		"note":         "filesystem_agent",
	}
	r.emit(ctx, a, types.EventModelCallStarted, startedPayload)

	out, err := r.caller.Call(hardCtx, req.ModelConfig, fullPrompt)
	if err != nil {
		metrics.ModelCallsTotal.WithLabelValues("failed").Inc()
		failedPayload := map[string]interface{}{"error": err.Error()}
		for k, v := range startedPayload {
			failedPayload[k] = v
		}
		r.emit(ctx, a, types.EventModelCallFailed, failedPayload)
		return r.failed(ctx, a, err)
	}
	metrics.ModelCallsTotal.WithLabelValues("completed").Inc()

	a.stage = types.StageModelReturned
	r.heartbeat(a)

	responseHash := ids.HashText(out.Text)
	r.emit(ctx, a, types.EventModelCallCompleted, map[string]interface{}{
		"profile_name":  req.ModelConfig.ProfileName(),
		"model_id":      req.ModelConfig.Model(),
		"prompt_hash":   promptHash,
		"response_hash": responseHash,
		"latency_ms":    out.LatencyMS,
		"cache_hit":     false,
		"note":          "filesystem_agent",
	})

	a.stage = types.StageWritingArtifacts
	r.heartbeat(a)

	summary, actionItems := splitCallSummary(out.Text)
	outputsDir := filepath.Join(a.wt, "outputs")
	if err := promoteText(outputsDir, "model_output.txt", out.Text); err != nil {
		return r.failed(ctx, a, err)
	}
	if err := promoteText(outputsDir, "summary.md", summary); err != nil {
		return r.failed(ctx, a, err)
	}
	if err := promoteText(outputsDir, "action_items.md", actionItems); err != nil {
		return r.failed(ctx, a, err)
	}

	artifacts := []types.Artifact{
		{Path: "inputs/call.md", Type: "text/markdown"},
		{Path: "outputs/summary.md", Type: "text/markdown"},
		{Path: "outputs/action_items.md", Type: "text/markdown"},
		{Path: "outputs/model_output.txt", Type: "text/plain"},
	}
	aar := &types.AAR{
		OrderID:      req.OrderID,
		RunID:        req.RunID,
		MissionType:  req.MissionType,
		Attempt:      req.Attempt,
		Status:       types.StatusCompleted,
		Stage:        types.StageDone,
		StartedAt:    a.startedAt,
		EndedAt:      utcNow(),
		ModelProfile: req.ModelConfig.ProfileName(),
		ModelID:      req.ModelConfig.Model(),
		PromptHash:   promptHash,
		ResponseHash: responseHash,
		LatencyMS:    out.LatencyMS,
		Usage:        out.Usage,
		Artifacts:    artifacts,
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

// splitCallSummary divides a model reply at the "# Action Items" marker,
// falling back to the "---" splitter.
func splitCallSummary(text string) (summary, actionItems string) {
	summary = text
	actionItems = "No action items parsed."

	if idx := strings.Index(text, "# Action Items"); idx >= 0 {
		head := text[:idx]
		tail := text[idx+len("# Action Items"):]

		head = strings.ReplaceAll(head, "# Summary", "")
		head = strings.TrimSpace(head)
		head = strings.TrimSuffix(head, "---")
		summary = strings.TrimSpace(head)
		actionItems = strings.TrimSpace(tail)
		return summary, actionItems
	}

	if parts := strings.SplitN(text, "---", 2); len(parts) == 2 {
		summary = strings.TrimSpace(strings.ReplaceAll(parts[0], "# Summary", ""))
		actionItems = strings.TrimSpace(strings.ReplaceAll(parts[1], "# Action Items", ""))
	}
	return summary, actionItems
}

func readOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func readOrDefault(path, def string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return def
	}
	return string(data)
}
