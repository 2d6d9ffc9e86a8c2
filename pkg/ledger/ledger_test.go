package ledger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendEvent_DuplicateIsNoOp(t *testing.T) {
	store := newTestStore(t)

	ev := &types.Event{
		EventID:   "evt-1",
		RunID:     "run_a",
		OrderID:   "order_a",
		EventType: types.EventOrderRunning,
		Payload:   map[string]interface{}{"status": "running"},
	}

	ack, err := store.AppendEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "created", ack.Status)

	dup := &types.Event{
		EventID:   "evt-1",
		RunID:     "run_a",
		OrderID:   "order_a",
		EventType: types.EventOrderCompleted,
		Payload:   map[string]interface{}{"status": "completed"},
	}
	ack, err = store.AppendEvent(dup)
	require.NoError(t, err)
	assert.Equal(t, "exists", ack.Status)

	// Events count unchanged, snapshot unchanged.
	events, err := store.ListEvents(EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	order, err := store.GetOrder("order_a")
	require.NoError(t, err)
	assert.Equal(t, "running", order.Status)
}

func TestAppendEvent_GeneratesIDAndTS(t *testing.T) {
	store := newTestStore(t)

	ack, err := store.AppendEvent(&types.Event{
		EventType: types.EventRunCreated,
		RunID:     "run_b",
		Payload:   map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, "created", ack.Status)
	assert.NotEmpty(t, ack.EventID)

	events, err := store.ListEvents(EventFilter{RunID: "run_b"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].TS)
}

func TestOrderSnapshotFold(t *testing.T) {
	store := newTestStore(t)

	seq := []struct {
		eventType types.EventType
		payload   map[string]interface{}
	}{
		{types.EventOrderCreated, map[string]interface{}{"status": "created", "theater": "demo", "objective": "test"}},
		{types.EventOrderQueued, map[string]interface{}{"status": "queued"}},
		{types.EventOrderWorktreeReady, map[string]interface{}{"worktree": "/theaters/demo/worktrees/order_x"}},
		{types.EventOrderRunning, map[string]interface{}{"status": "running", "stage": "initializing"}},
		{types.EventOrderCompleted, map[string]interface{}{
			"status":     "completed",
			"order_head": "abc123",
			"answer":     "IronClaw",
		}},
	}
	for i, s := range seq {
		_, err := store.AppendEvent(&types.Event{
			EventID:   string(s.eventType) + "-" + string(rune('a'+i)),
			RunID:     "run_x",
			OrderID:   "order_x",
			EventType: s.eventType,
			Payload:   s.payload,
		})
		require.NoError(t, err)
	}

	order, err := store.GetOrder("order_x")
	require.NoError(t, err)

	assert.Equal(t, "completed", order.Status)
	assert.Equal(t, "run_x", order.RunID)
	assert.Equal(t, "/theaters/demo/worktrees/order_x", order.Worktree)
	assert.Equal(t, "abc123", order.OrderHead)

	// Unclaimed payload keys land in extra.
	assert.Equal(t, "IronClaw", order.Extra["answer"])
	assert.Equal(t, "demo", order.Extra["theater"])
	assert.Equal(t, "initializing", order.Extra["stage"])
}

func TestRunSnapshotFold(t *testing.T) {
	store := newTestStore(t)

	events := []*types.Event{
		{
			EventID: "r1", RunID: "run_y", EventType: types.EventRunCreated,
			Payload: map[string]interface{}{
				"status":     "created",
				"message":    "hello",
				"started_at": "2026-01-01T10:00:00Z",
				"order_ids":  []interface{}{"order_y"},
			},
		},
		{
			EventID: "r2", RunID: "run_y", EventType: types.EventRunCreated,
			Payload: map[string]interface{}{
				// Earlier started_at folds as min even when appended later.
				"started_at": "2026-01-01T09:00:00Z",
				"order_ids":  []interface{}{"order_y", "order_z"},
			},
		},
		{
			EventID: "r3", RunID: "run_y", EventType: types.EventRunCompleted,
			Payload: map[string]interface{}{
				"status":     "completed",
				"ended_at":   "2026-01-01T11:00:00Z",
				"order_head": "headsha",
			},
		},
	}
	for _, ev := range events {
		_, err := store.AppendEvent(ev)
		require.NoError(t, err)
	}

	run, err := store.GetRun("run_y")
	require.NoError(t, err)

	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, "hello", run.Message)
	assert.Equal(t, "2026-01-01T09:00:00Z", run.StartedAt)
	assert.Equal(t, "2026-01-01T11:00:00Z", run.EndedAt)
	assert.Equal(t, []string{"order_y", "order_z"}, run.OrderIDs)
	assert.Equal(t, "headsha", run.OrderHead)
}

func TestRebuildEqualsIncremental(t *testing.T) {
	store := newTestStore(t)

	for i, ev := range []*types.Event{
		{RunID: "run_r", OrderID: "order_r", EventType: types.EventOrderCreated,
			Payload: map[string]interface{}{"status": "created", "theater": "demo"}},
		{RunID: "run_r", OrderID: "order_r", EventType: types.EventOrderRunning,
			Payload: map[string]interface{}{"status": "running"}},
		{RunID: "run_r", OrderID: "order_r", EventType: types.EventOrderCompleted,
			Payload: map[string]interface{}{"status": "completed", "order_head": "sha1", "answer": "42"}},
	} {
		ev.EventID = "rb-" + string(rune('0'+i))
		_, err := store.AppendEvent(ev)
		require.NoError(t, err)
	}

	before, err := store.GetOrder("order_r")
	require.NoError(t, err)

	require.NoError(t, store.Rebuild())

	after, err := store.GetOrder("order_r")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	runBefore, err := store.GetRun("run_r")
	require.NoError(t, err)
	require.NoError(t, store.Rebuild())
	runAfter, err := store.GetRun("run_r")
	require.NoError(t, err)
	assert.Equal(t, runBefore, runAfter)
}

func TestListEventsFilterAndOrder(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		runID := "run_1"
		if i%2 == 1 {
			runID = "run_2"
		}
		_, err := store.AppendEvent(&types.Event{
			EventID:   "le-" + string(rune('0'+i)),
			RunID:     runID,
			EventType: types.EventRunCreated,
			Payload:   map[string]interface{}{"i": i},
		})
		require.NoError(t, err)
	}

	all, err := store.ListEvents(EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	// Insertion-descending: newest first.
	assert.Greater(t, all[0].ID, all[4].ID)

	filtered, err := store.ListEvents(EventFilter{RunID: "run_2"})
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	limited, err := store.ListEvents(EventFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, all[1].ID, limited[0].ID)
}

func TestGetMissingSnapshotIs404(t *testing.T) {
	store := newTestStore(t)
	srv := httptest.NewServer(NewServer(store).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/orders/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/runs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsEndpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	srv := httptest.NewServer(NewServer(store).Router())
	defer srv.Close()

	body := `{"event_id":"http-1","run_id":"run_h","order_id":"order_h","event_type":"ORDER_RUNNING","payload":{"status":"running"}}`
	resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack types.EventAck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, "created", ack.Status)
	assert.Equal(t, "http-1", ack.EventID)

	// Duplicate via HTTP is 200 exists.
	resp2, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&ack))
	assert.Equal(t, "exists", ack.Status)

	// Payload comes back as an object, not a string.
	resp3, err := http.Get(srv.URL + "/events?order_id=order_h")
	require.NoError(t, err)
	defer resp3.Body.Close()
	var events []types.StoredEvent
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "running", events[0].Payload["status"])
}

func TestIngestJSONL(t *testing.T) {
	store := newTestStore(t)

	dir := t.TempDir()
	path := dir + "/events.jsonl"
	lines := `{"event_id":"j1","run_id":"run_j","event_type":"RUN_CREATED","payload":{"status":"created"}}
{"event_id":"j2","run_id":"run_j","event_type":"RUN_COMPLETED","payload":{"status":"completed"}}
{"event_id":"j1","run_id":"run_j","event_type":"RUN_CREATED","payload":{"status":"created"}}
`
	require.NoError(t, writeFile(path, lines))

	created, exists, err := IngestJSONL(store, path)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, 1, exists)

	run, err := store.GetRun("run_j")
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
