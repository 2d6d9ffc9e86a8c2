package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/metrics"
	"github.com/TLoveOps1/ironclaw/pkg/types"
)

var (
	// Bucket names
	bucketEvents     = []byte("events")      // big-endian insertion id -> event JSON
	bucketEventIndex = []byte("event_index") // event_id -> insertion id (uniqueness constraint)
	bucketRuns       = []byte("runs")        // run_id -> run snapshot JSON
	bucketOrders     = []byte("orders")      // order_id -> order snapshot JSON
)

// BoltStore implements Store using BoltDB. The events bucket is the source
// of truth; the runs and orders buckets are a pure projection of it.
type BoltStore struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// NewBoltStore opens (or creates) the ledger database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "ledger.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEvents, bucketEventIndex, bucketRuns, bucketOrders} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, logger: log.WithComponent("ledger.store")}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// AppendEvent inserts an event and refreshes the affected snapshots.
// The insert and the event_id uniqueness check are one transaction; the
// snapshot refresh runs after commit and its failure never fails the
// insert; a later /rebuild heals the projection.
func (s *BoltStore) AppendEvent(ev *types.Event) (*types.EventAck, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.TS == "" {
		ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}

	exists := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketEventIndex)
		if idx.Get([]byte(ev.EventID)) != nil {
			exists = true
			return nil
		}

		events := tx.Bucket(bucketEvents)
		seq, err := events.NextSequence()
		if err != nil {
			return err
		}

		stored := types.StoredEvent{ID: seq, Event: *ev}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := events.Put(seqKey(seq), data); err != nil {
			return err
		}
		return idx.Put([]byte(ev.EventID), seqKey(seq))
	})
	if err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(string(ev.EventType), "error").Inc()
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	if exists {
		metrics.EventsIngestedTotal.WithLabelValues(string(ev.EventType), "exists").Inc()
		return &types.EventAck{Status: "exists", EventID: ev.EventID}, nil
	}
	metrics.EventsIngestedTotal.WithLabelValues(string(ev.EventType), "created").Inc()

	if err := s.refresh(ev.RunID, ev.OrderID); err != nil {
		s.logger.Error().Err(err).
			Str("event_id", ev.EventID).
			Msg("snapshot refresh failed; event remains authoritative")
	}

	return &types.EventAck{Status: "created", EventID: ev.EventID}, nil
}

// ListEvents returns raw events, insertion-descending, with optional
// run_id/order_id filters and pagination.
func (s *BoltStore) ListEvents(filter EventFilter) ([]types.StoredEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []types.StoredEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var ev types.StoredEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if filter.RunID != "" && ev.RunID != filter.RunID {
				continue
			}
			if filter.OrderID != "" && ev.OrderID != filter.OrderID {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			out = append(out, ev)
			if len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// ListRuns returns all run snapshots, started_at descending.
func (s *BoltStore) ListRuns() ([]types.RunSnapshot, error) {
	var runs []types.RunSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var r types.RunSnapshot
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			runs = append(runs, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt > runs[j].StartedAt })
	return runs, nil
}

// GetRun returns one run snapshot or ErrNotFound.
func (s *BoltStore) GetRun(runID string) (*types.RunSnapshot, error) {
	var r types.RunSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetOrder returns one order snapshot or ErrNotFound.
func (s *BoltStore) GetOrder(orderID string) (*types.OrderSnapshot, error) {
	var o types.OrderSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOrders).Get([]byte(orderID))
		if data == nil {
			return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		return json.Unmarshal(data, &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Rebuild refolds every snapshot from the events bucket.
func (s *BoltStore) Rebuild() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotRebuildDuration)

	return s.db.Update(func(tx *bolt.Tx) error {
		f := newFolder()
		err := tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var ev types.StoredEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			f.apply(ev)
			return nil
		})
		if err != nil {
			return err
		}

		if err := tx.DeleteBucket(bucketRuns); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketOrders); err != nil {
			return err
		}
		runs, err := tx.CreateBucket(bucketRuns)
		if err != nil {
			return err
		}
		orders, err := tx.CreateBucket(bucketOrders)
		if err != nil {
			return err
		}

		for id, r := range f.runs {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := runs.Put([]byte(id), data); err != nil {
				return err
			}
		}
		for id, o := range f.orders {
			data, err := json.Marshal(o)
			if err != nil {
				return err
			}
			if err := orders.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// refresh refolds the snapshots for one run and one order. It replays the
// full log through the same folder as Rebuild, so incremental and full
// views cannot diverge.
func (s *BoltStore) refresh(runID, orderID string) error {
	if runID == "" && orderID == "" {
		return nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotRebuildDuration)

	return s.db.Update(func(tx *bolt.Tx) error {
		f := newFolder()
		err := tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var ev types.StoredEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if (runID != "" && ev.RunID == runID) || (orderID != "" && ev.OrderID == orderID) {
				f.apply(ev)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if r, ok := f.runs[runID]; ok {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketRuns).Put([]byte(runID), data); err != nil {
				return err
			}
		}
		if o, ok := f.orders[orderID]; ok {
			data, err := json.Marshal(o)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketOrders).Put([]byte(orderID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
