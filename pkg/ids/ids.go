package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// Derive maps a caller request id to (run_id, order_id, internal request
// id). The hash derivation is the idempotency backbone: the same request_id
// always yields the same ids. Without a request_id a random UUID is minted
// and the short ids come from its prefix; such ids are not time-ordered,
// so ordering must come from ledger insertion ids.
func Derive(requestID string) (runID, orderID, internalRequestID string) {
	if requestID != "" {
		sum := sha256.Sum256([]byte(requestID))
		h := hex.EncodeToString(sum[:])
		return "run_" + h[:16], "order_" + h[:16], requestID
	}
	internalRequestID = uuid.NewString()
	short := internalRequestID[:8]
	return "run_" + short, "order_" + short, internalRequestID
}

// EventID produces the deduplicating ledger event id for an emission.
// Terminal events encode the request id directly so a retried worker and
// the conductor collide with each other at the ledger and become no-ops.
// Everything else hashes a colon-delimited seed. Part of the wire contract.
func EventID(requestID string, eventType types.EventType, runID, orderID string, attempt int) string {
	if requestID != "" {
		switch eventType {
		case types.EventOrderCompleted:
			return requestID + "-completed"
		case types.EventOrderFailed:
			return requestID + "-failed"
		}
	}
	seed := fmt.Sprintf("%s:%s:%s:%s:%d", requestID, eventType, runID, orderID, attempt)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:32]
}

// HashText returns the hex SHA-256 of a text blob. Used for prompt and
// response hashes in model-call events and the AAR.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
