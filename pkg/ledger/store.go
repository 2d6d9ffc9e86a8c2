package ledger

import (
	"errors"

	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// ErrNotFound marks a missing snapshot id.
var ErrNotFound = errors.New("not found")

// EventFilter narrows a ListEvents query. Limit defaults to 100.
type EventFilter struct {
	RunID   string
	OrderID string
	Limit   int
	Offset  int
}

// Store is the ledger's persistence interface: durable append, idempotent
// ingestion, snapshot projection.
type Store interface {
	// AppendEvent inserts an event. A duplicate event_id is a successful
	// no-op reported as status "exists". Missing event_id and ts are
	// filled server-side.
	AppendEvent(ev *types.Event) (*types.EventAck, error)

	// ListEvents returns raw events, insertion-descending.
	ListEvents(filter EventFilter) ([]types.StoredEvent, error)

	// ListRuns returns all run snapshots, started_at descending.
	ListRuns() ([]types.RunSnapshot, error)

	// GetRun returns one run snapshot or ErrNotFound.
	GetRun(runID string) (*types.RunSnapshot, error)

	// GetOrder returns one order snapshot or ErrNotFound.
	GetOrder(orderID string) (*types.OrderSnapshot, error)

	// Rebuild refolds every snapshot from the event log.
	Rebuild() error

	// Close releases the underlying database.
	Close() error
}
