package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TLoveOps1/ironclaw/pkg/types"
)

func TestDeriveIsDeterministic(t *testing.T) {
	run1, order1, req1 := Derive("req-1")
	run2, order2, req2 := Derive("req-1")

	assert.Equal(t, run1, run2)
	assert.Equal(t, order1, order2)
	assert.Equal(t, req1, req2)
	assert.Equal(t, "req-1", req1)

	sum := sha256.Sum256([]byte("req-1"))
	h := hex.EncodeToString(sum[:])
	assert.Equal(t, "run_"+h[:16], run1)
	assert.Equal(t, "order_"+h[:16], order1)
}

func TestDeriveWithoutRequestID(t *testing.T) {
	run1, order1, req1 := Derive("")
	run2, order2, req2 := Derive("")

	assert.NotEmpty(t, req1)
	assert.NotEqual(t, req1, req2)
	assert.NotEqual(t, run1, run2)
	assert.NotEqual(t, order1, order2)

	// Short ids derive from the UUID prefix.
	assert.Equal(t, "run_"+req1[:8], run1)
	assert.Equal(t, "order_"+req1[:8], order1)
}

func TestEventIDScheme(t *testing.T) {
	// Terminal events encode the request id directly.
	assert.Equal(t, "req-1-completed",
		EventID("req-1", types.EventOrderCompleted, "run_a", "order_a", 1))
	assert.Equal(t, "req-1-failed",
		EventID("req-1", types.EventOrderFailed, "run_a", "order_a", 1))

	// Everything else is a 32-hex prefix of a sha256 over the seed.
	id := EventID("req-1", types.EventOrderRunning, "run_a", "order_a", 1)
	assert.Len(t, id, 32)
	sum := sha256.Sum256([]byte("req-1:ORDER_RUNNING:run_a:order_a:1"))
	assert.Equal(t, hex.EncodeToString(sum[:])[:32], id)

	// Deterministic: a retried emission collides with itself.
	assert.Equal(t, id, EventID("req-1", types.EventOrderRunning, "run_a", "order_a", 1))

	// Different attempts produce different ids.
	assert.NotEqual(t, id, EventID("req-1", types.EventOrderRunning, "run_a", "order_a", 2))
}

func TestEventIDWithoutRequestID(t *testing.T) {
	// No request id: terminal events fall back to the hashed seed too,
	// never a bare "-completed".
	id := EventID("", types.EventOrderCompleted, "run_a", "order_a", 1)
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-completed")
}
