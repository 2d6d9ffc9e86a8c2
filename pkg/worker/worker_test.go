package worker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TLoveOps1/ironclaw/pkg/client"
	"github.com/TLoveOps1/ironclaw/pkg/ledger"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/model"
	"github.com/TLoveOps1/ironclaw/pkg/types"
	"github.com/TLoveOps1/ironclaw/pkg/vault"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// stubCaller counts model invocations and returns a fixed reply.
type stubCaller struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (s *stubCaller) Call(_ context.Context, _ types.ModelConfig, _ string) (*model.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &model.Result{
		Text:      s.text,
		Usage:     map[string]interface{}{"total_tokens": float64(7)},
		LatencyMS: 12,
	}, nil
}

func (s *stubCaller) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// harness wires a runner against a real ledger, a real theater git repo,
// and a stub model.
type harness struct {
	root    string
	store   ledger.Store
	caller  *stubCaller
	runner  *Runner
	manager *vault.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gitOrSkip(t)

	// The runner's own commits inherit this identity.
	t.Setenv("GIT_AUTHOR_NAME", "test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@test")
	t.Setenv("GIT_COMMITTER_NAME", "test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@test")

	root := t.TempDir()
	repo := filepath.Join(root, "demo", "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	runGit(t, repo, "init", "-b", "master")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("demo\n"), 0o644))
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "init")

	store, err := ledger.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	srv := httptest.NewServer(ledger.NewServer(store).Router())
	t.Cleanup(srv.Close)

	manager, err := vault.NewManager(root)
	require.NoError(t, err)

	caller := &stubCaller{text: "IronClaw reporting in."}
	runner, err := NewRunner(root, client.NewLedger(srv.URL), caller)
	require.NoError(t, err)

	return &harness{root: root, store: store, caller: caller, runner: runner, manager: manager}
}

func (h *harness) provision(t *testing.T, orderID string) string {
	t.Helper()
	path, _, err := h.manager.CreateWorktree(context.Background(), "demo", orderID, "")
	require.NoError(t, err)
	return path
}

func (h *harness) execReq(orderID, wt, requestID string) *types.ExecuteRequest {
	return &types.ExecuteRequest{
		RunID:        "run_" + orderID,
		OrderID:      orderID,
		Attempt:      1,
		WorktreePath: wt,
		Objective:    "test",
		Prompt:       "Say 'IronClaw'",
		ModelConfig: types.ModelConfig{
			"model":        "modelA",
			"profile_name": "executor_default",
			"temperature":  0.2,
			"max_tokens":   800,
		},
		StallSeconds:       300,
		HardTimeoutSeconds: 60,
		RequestID:          requestID,
	}
}

func TestRunGenericHappyPath(t *testing.T) {
	h := newHarness(t)
	wt := h.provision(t, "order_hp")

	res := h.runner.Run(context.Background(), h.execReq("order_hp", wt, "req-hp"))

	require.Equal(t, types.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.OrderHead)
	assert.Equal(t, types.StageDone, res.Stage)
	assert.Equal(t, 1, h.caller.count())

	// Promoted artifacts, never temp names.
	assert.FileExists(t, filepath.Join(wt, "outputs", "model_output.txt"))
	assert.NoFileExists(t, filepath.Join(wt, "outputs", "_tmp_model_output.txt"))
	assert.FileExists(t, filepath.Join(wt, "inputs", "prompt.txt"))

	// Heartbeat reached done.
	var hb types.Heartbeat
	data, err := os.ReadFile(filepath.Join(wt, "outputs", "heartbeat.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &hb))
	assert.Equal(t, types.StageDone, hb.Stage)

	// AAR is locked and complete.
	var aar types.AAR
	data, err = os.ReadFile(filepath.Join(wt, "aar.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &aar))
	assert.Equal(t, types.StatusCompleted, aar.Status)
	assert.Equal(t, types.StageDone, aar.Stage)
	assert.Equal(t, 1, aar.Attempt)
	assert.False(t, aar.CacheHit)
	assert.NotEmpty(t, aar.PromptHash)
	assert.NotEmpty(t, aar.ResponseHash)
	assert.NotEmpty(t, aar.Artifacts)

	// Theater cache holds exactly one entry.
	entries, err := os.ReadDir(filepath.Join(h.root, "demo", "vault_cache", "intelligence"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Worker events landed: running, model_call started+completed, completed.
	for _, et := range []types.EventType{
		types.EventOrderRunning,
		types.EventModelCallStarted,
		types.EventModelCallCompleted,
		types.EventOrderCompleted,
	} {
		events := eventsOfType(t, h.store, "order_hp", et)
		assert.Len(t, events, 1, "event %s", et)
	}
}

func TestRunCacheHitAcrossOrders(t *testing.T) {
	h := newHarness(t)

	wt1 := h.provision(t, "order_c1")
	res1 := h.runner.Run(context.Background(), h.execReq("order_c1", wt1, "req-c1"))
	require.Equal(t, types.StatusCompleted, res1.Status)
	require.Equal(t, 1, h.caller.count())

	// Different order, identical resolved config and prompt: cache hit,
	// zero additional model calls.
	wt2 := h.provision(t, "order_c2")
	res2 := h.runner.Run(context.Background(), h.execReq("order_c2", wt2, "req-c2"))
	require.Equal(t, types.StatusCompleted, res2.Status)
	assert.Equal(t, 1, h.caller.count())

	var aar types.AAR
	data, err := os.ReadFile(filepath.Join(wt2, "aar.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &aar))
	assert.True(t, aar.CacheHit)

	// Exactly one cache file in the theater.
	entries, err := os.ReadDir(filepath.Join(h.root, "demo", "vault_cache", "intelligence"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// The cache-hit completion event reports cache_hit=true.
	events := eventsOfType(t, h.store, "order_c2", types.EventModelCallCompleted)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload["cache_hit"])

	// Distinct attempts produce distinct commits.
	assert.NotEqual(t, res1.OrderHead, res2.OrderHead)
}

func TestRunShortCircuitOnCompletedAAR(t *testing.T) {
	h := newHarness(t)
	wt := h.provision(t, "order_sc")

	res1 := h.runner.Run(context.Background(), h.execReq("order_sc", wt, "req-sc"))
	require.Equal(t, types.StatusCompleted, res1.Status)
	require.Equal(t, 1, h.caller.count())

	// Same order and attempt again: AAR short-circuit, no new model call,
	// same head, and the re-emitted terminal event is a ledger no-op.
	res2 := h.runner.Run(context.Background(), h.execReq("order_sc", wt, "req-sc"))
	require.Equal(t, types.StatusCompleted, res2.Status)
	assert.Equal(t, res1.OrderHead, res2.OrderHead)
	assert.Equal(t, 1, h.caller.count())

	events := eventsOfType(t, h.store, "order_sc", types.EventOrderCompleted)
	assert.Len(t, events, 1)
}

func TestRunModelFailure(t *testing.T) {
	h := newHarness(t)
	h.caller.err = assert.AnError
	wt := h.provision(t, "order_f")

	res := h.runner.Run(context.Background(), h.execReq("order_f", wt, "req-f"))

	require.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, types.StageCallingModel, res.Stage)
	assert.NotEmpty(t, res.Error)

	var aar types.AAR
	data, err := os.ReadFile(filepath.Join(wt, "aar.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &aar))
	assert.Equal(t, types.StatusFailed, aar.Status)
	assert.Equal(t, types.StageCallingModel, aar.Stage)
	assert.NotEmpty(t, aar.Error)

	assert.Len(t, eventsOfType(t, h.store, "order_f", types.EventOrderFailed), 1)
	assert.Len(t, eventsOfType(t, h.store, "order_f", types.EventModelCallFailed), 1)
}

func TestValidateWorktree(t *testing.T) {
	root := t.TempDir()
	store, err := ledger.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	srv := httptest.NewServer(ledger.NewServer(store).Router())
	defer srv.Close()

	runner, err := NewRunner(root, client.NewLedger(srv.URL), &stubCaller{})
	require.NoError(t, err)

	_, err = runner.ValidateWorktree("/etc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)

	// Inside the root but no .git marker.
	inside := filepath.Join(root, "demo", "worktrees", "order_1")
	require.NoError(t, os.MkdirAll(inside, 0o755))
	_, err = runner.ValidateWorktree(inside)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)

	// Valid once the marker exists.
	require.NoError(t, os.WriteFile(filepath.Join(inside, ".git"), []byte("gitdir: x\n"), 0o644))
	got, err := runner.ValidateWorktree(inside)
	require.NoError(t, err)
	assert.Equal(t, inside, got)
}

func TestSplitCallSummary(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantSummary string
		wantItems   string
	}{
		{
			name:        "action items marker",
			text:        "# Summary\nAll good.\n\n---\n\n# Action Items\n- [Sam] follow up",
			wantSummary: "All good.",
			wantItems:   "- [Sam] follow up",
		},
		{
			name:        "dash splitter fallback",
			text:        "# Summary\nShort recap.\n---\nDo the thing",
			wantSummary: "Short recap.",
			wantItems:   "Do the thing",
		},
		{
			name:        "no structure",
			text:        "just a blob of text",
			wantSummary: "just a blob of text",
			wantItems:   "No action items parsed.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, items := splitCallSummary(tt.text)
			assert.Equal(t, tt.wantSummary, summary)
			assert.Equal(t, tt.wantItems, items)
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// No temp residue.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func eventsOfType(t *testing.T, store ledger.Store, orderID string, et types.EventType) []types.StoredEvent {
	t.Helper()
	all, err := store.ListEvents(ledger.EventFilter{OrderID: orderID, Limit: 1000})
	require.NoError(t, err)
	var out []types.StoredEvent
	for _, ev := range all {
		if ev.EventType == et {
			out = append(out, ev)
		}
	}
	return out
}
