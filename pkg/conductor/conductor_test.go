package conductor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TLoveOps1/ironclaw/pkg/client"
	"github.com/TLoveOps1/ironclaw/pkg/config"
	"github.com/TLoveOps1/ironclaw/pkg/ledger"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/model"
	"github.com/TLoveOps1/ironclaw/pkg/types"
	"github.com/TLoveOps1/ironclaw/pkg/vault"
	"github.com/TLoveOps1/ironclaw/pkg/worker"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func TestResolvePolicy(t *testing.T) {
	root := t.TempDir()
	writePolicy(t, root, "demo", `{
		"profiles": {
			"executor_default": {"model": "modelA", "temperature": 0.2, "max_tokens": 800}
		},
		"allowlist_models": ["modelA", "modelB"]
	}`)

	t.Run("profile resolves", func(t *testing.T) {
		cfg, err := ResolvePolicy(root, "demo", "executor_default", nil)
		require.NoError(t, err)
		assert.Equal(t, "modelA", cfg.Model())
		assert.Equal(t, "executor_default", cfg.ProfileName())
		assert.Equal(t, 0.2, cfg.FloatField("temperature", 0))
		assert.Equal(t, float64(800), cfg.FloatField("max_tokens", 0))
	})

	t.Run("unknown profile is bad request", func(t *testing.T) {
		_, err := ResolvePolicy(root, "demo", "nope", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBadRequest)
	})

	t.Run("allowlisted model override", func(t *testing.T) {
		cfg, err := ResolvePolicy(root, "demo", "executor_default", map[string]interface{}{
			"model":       "modelB",
			"temperature": 0.9,
			"max_tokens":  float64(100),
		})
		require.NoError(t, err)
		assert.Equal(t, "modelB", cfg.Model())
		assert.Equal(t, 0.9, cfg.FloatField("temperature", 0))
		assert.Equal(t, float64(100), cfg.FloatField("max_tokens", 0))
	})

	t.Run("model outside allowlist is bad request", func(t *testing.T) {
		_, err := ResolvePolicy(root, "demo", "executor_default", map[string]interface{}{
			"model": "not-listed",
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBadRequest)
	})

	t.Run("unknown override keys are ignored", func(t *testing.T) {
		cfg, err := ResolvePolicy(root, "demo", "executor_default", map[string]interface{}{
			"mission_type": "filesystem_agent.call_summary",
			"whatever":     true,
		})
		require.NoError(t, err)
		_, hasMission := cfg["mission_type"]
		assert.False(t, hasMission)
		_, hasWhatever := cfg["whatever"]
		assert.False(t, hasWhatever)
	})

	t.Run("falls back to default theater policy", func(t *testing.T) {
		writePolicy(t, root, "default", `{
			"profiles": {"fallback": {"model": "modelB", "temperature": 0.1, "max_tokens": 10}},
			"allowlist_models": ["modelB"]
		}`)
		cfg, err := ResolvePolicy(root, "ghost-theater", "fallback", nil)
		require.NoError(t, err)
		assert.Equal(t, "modelB", cfg.Model())
	})
}

// stubCaller returns a fixed model reply and counts calls.
type stubCaller struct {
	calls int
	text  string
}

func (s *stubCaller) Call(_ context.Context, _ types.ModelConfig, _ string) (*model.Result, error) {
	s.calls++
	return &model.Result{Text: s.text, Usage: map[string]interface{}{"total_tokens": float64(3)}, LatencyMS: 5}, nil
}

// stackHarness runs the ledger, vault and worker services in-process and
// points a conductor at them.
type stackHarness struct {
	root  string
	store ledger.Store
	stub  *stubCaller
	co    *Conductor
}

func newStackHarness(t *testing.T) *stackHarness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	t.Setenv("GIT_AUTHOR_NAME", "test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@test")
	t.Setenv("GIT_COMMITTER_NAME", "test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@test")

	root := t.TempDir()
	repo := filepath.Join(root, "demo", "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	mustGit(t, repo, "init", "-b", "master")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("demo\n"), 0o644))
	mustGit(t, repo, "add", ".")
	mustGit(t, repo, "commit", "-m", "init")

	writePolicy(t, root, "demo", `{
		"profiles": {
			"executor_default": {"model": "modelA", "temperature": 0.2, "max_tokens": 800}
		},
		"allowlist_models": ["modelA", "modelB"]
	}`)

	store, err := ledger.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ledgerSrv := httptest.NewServer(ledger.NewServer(store).Router())
	t.Cleanup(ledgerSrv.Close)

	manager, err := vault.NewManager(root)
	require.NoError(t, err)
	vaultSrv := httptest.NewServer(vault.NewServer(manager).Router())
	t.Cleanup(vaultSrv.Close)

	stub := &stubCaller{text: "IronClaw at your service."}
	runner, err := worker.NewRunner(root, client.NewLedger(ledgerSrv.URL), stub)
	require.NoError(t, err)
	workerSrv := httptest.NewServer(worker.NewServer(runner).Router())
	t.Cleanup(workerSrv.Close)

	co := New(config.Conductor{
		TheaterRoot:        root,
		Theater:            "demo",
		LedgerURL:          ledgerSrv.URL,
		VaultURL:           vaultSrv.URL,
		WorkerURL:          workerSrv.URL,
		StallSeconds:       300,
		HardTimeoutSeconds: 60,
		DefaultProfile:     "executor_default",
	})

	return &stackHarness{root: root, store: store, stub: stub, co: co}
}

func mustGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func writePolicy(t *testing.T, root, theater, content string) {
	t.Helper()
	dir := filepath.Join(root, theater, "repo", "policy")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_policy.json"), []byte(content), 0o644))
}

func TestChatHappyPath(t *testing.T) {
	h := newStackHarness(t)

	res, err := h.co.Chat(context.Background(), &types.ChatRequest{
		Message:   "Say 'IronClaw'",
		RequestID: "req-1",
	})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("req-1"))
	hx := hex.EncodeToString(sum[:])
	assert.Equal(t, "run_"+hx[:16], res.RunID)
	assert.Equal(t, "order_"+hx[:16], res.OrderID)

	require.Equal(t, types.StatusCompleted, res.Status)
	assert.Contains(t, res.Answer, "IronClaw")
	assert.NotEmpty(t, res.OrderHead)
	require.NotEmpty(t, res.ArchivePath)
	assert.FileExists(t, res.ArchivePath)

	// The worktree is archived and gone.
	assert.NoDirExists(t, filepath.Join(h.root, "demo", "worktrees", res.OrderID))

	// Each lifecycle event exactly once.
	for _, et := range []types.EventType{
		types.EventRunCreated,
		types.EventOrderCreated,
		types.EventOrderQueued,
		types.EventOrderWorktreeRequested,
		types.EventOrderWorktreeReady,
		types.EventOrderRunning,
		types.EventOrderCompleted,
		types.EventRunCompleted,
		types.EventOrderArchived,
	} {
		assert.Len(t, eventsOfType(t, h.store, res.RunID, et), 1, "event %s", et)
	}
}

func TestChatIdempotentRetry(t *testing.T) {
	h := newStackHarness(t)
	req := &types.ChatRequest{Message: "Say 'IronClaw'", RequestID: "req-retry"}

	first, err := h.co.Chat(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, first.Status)

	eventsBefore := countEvents(t, h.store)
	archivesBefore := countArchives(t, h.root)
	callsBefore := h.stub.calls

	second, err := h.co.Chat(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.OrderHead, second.OrderHead)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.ArchivePath, second.ArchivePath)

	// No new events, no new archive, no model call.
	assert.Equal(t, eventsBefore, countEvents(t, h.store))
	assert.Equal(t, archivesBefore, countArchives(t, h.root))
	assert.Equal(t, callsBefore, h.stub.calls)
}

func TestChatCacheHitAcrossRequestIDs(t *testing.T) {
	h := newStackHarness(t)

	first, err := h.co.Chat(context.Background(), &types.ChatRequest{Message: "same question", RequestID: "req-a"})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, first.Status)
	require.Equal(t, 1, h.stub.calls)

	second, err := h.co.Chat(context.Background(), &types.ChatRequest{Message: "same question", RequestID: "req-b"})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, second.Status)

	// Distinct orders, one model call, one cache entry.
	assert.NotEqual(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, h.stub.calls)
	entries, err := os.ReadDir(filepath.Join(h.root, "demo", "vault_cache", "intelligence"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestChatPolicyViolationIs400(t *testing.T) {
	h := newStackHarness(t)
	srv := httptest.NewServer(NewServer(h.co).Router())
	defer srv.Close()

	body, _ := json.Marshal(types.ChatRequest{
		Message:        "hello",
		RequestID:      "req-bad-model",
		ModelOverrides: map[string]interface{}{"model": "not-listed"},
	})
	resp, err := http.Post(srv.URL+"/chat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var envelope struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Contains(t, envelope.Error, "bad_request")
}

func TestChatMissingMessageIs400(t *testing.T) {
	h := newStackHarness(t)
	srv := httptest.NewServer(NewServer(h.co).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCallSummaryMission(t *testing.T) {
	h := newStackHarness(t)
	h.stub.text = "# Summary\nCustomer is happy.\n\n---\n\n# Action Items\n- [Ana] send recap"

	keep := true
	res, err := h.co.Chat(context.Background(), &types.ChatRequest{
		Message:      "transcript of the call",
		RequestID:    "req-cs",
		MissionType:  "filesystem_agent.call_summary",
		KeepWorktree: &keep,
	})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, res.Status)
	require.NotEmpty(t, res.WorktreePath)

	// The conductor staged the mission inputs...
	assert.FileExists(t, filepath.Join(res.WorktreePath, "inputs", "call.md"))
	assert.FileExists(t, filepath.Join(res.WorktreePath, "inputs", "mission.json"))
	assert.FileExists(t, filepath.Join(res.WorktreePath, "context", "account.json"))
	assert.FileExists(t, filepath.Join(res.WorktreePath, "context", "playbook.md"))

	// ...and the worker split the reply.
	summary, err := os.ReadFile(filepath.Join(res.WorktreePath, "outputs", "summary.md"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Customer is happy.")
	items, err := os.ReadFile(filepath.Join(res.WorktreePath, "outputs", "action_items.md"))
	require.NoError(t, err)
	assert.Contains(t, string(items), "[Ana] send recap")

	var aar types.AAR
	data, err := os.ReadFile(filepath.Join(res.WorktreePath, "aar.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &aar))
	assert.Equal(t, "filesystem_agent.call_summary", aar.MissionType)

	// keep_worktree leaves the tree and emits no archive event.
	assert.Empty(t, res.ArchivePath)
	assert.Empty(t, eventsOfType(t, h.store, res.RunID, types.EventOrderArchived))
}

func eventsOfType(t *testing.T, store ledger.Store, runID string, et types.EventType) []types.StoredEvent {
	t.Helper()
	all, err := store.ListEvents(ledger.EventFilter{RunID: runID, Limit: 1000})
	require.NoError(t, err)
	var out []types.StoredEvent
	for _, ev := range all {
		if ev.EventType == et {
			out = append(out, ev)
		}
	}
	return out
}

func countEvents(t *testing.T, store ledger.Store) int {
	t.Helper()
	all, err := store.ListEvents(ledger.EventFilter{Limit: 10000})
	require.NoError(t, err)
	return len(all)
}

func countArchives(t *testing.T, root string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, "demo", "archive"))
	if err != nil {
		return 0
	}
	return len(entries)
}
