package ledger

import (
	"sort"

	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// claimedKeys are payload keys mapped onto snapshot columns; everything
// else lands in an order snapshot's extra.
var claimedKeys = map[string]struct{}{
	"ts":         {},
	"run_id":     {},
	"order_id":   {},
	"status":     {},
	"worktree":   {},
	"unit_head":  {},
	"order_head": {},
	"message":    {},
	"started_at": {},
	"ended_at":   {},
	"order_ids":  {},
	"max_orders": {},
}

// folder accumulates snapshots from events applied in insertion order.
// Rebuild and incremental refresh share it, so replaying the log from
// scratch always equals the incremental view.
type folder struct {
	runs   map[string]*types.RunSnapshot
	orders map[string]*types.OrderSnapshot
}

func newFolder() *folder {
	return &folder{
		runs:   make(map[string]*types.RunSnapshot),
		orders: make(map[string]*types.OrderSnapshot),
	}
}

func (f *folder) apply(ev types.StoredEvent) {
	p := ev.Payload
	if p == nil {
		p = map[string]interface{}{}
	}

	if ev.RunID != "" {
		r, ok := f.runs[ev.RunID]
		if !ok {
			r = &types.RunSnapshot{
				RunID:     ev.RunID,
				Status:    "-",
				Message:   "-",
				OrderIDs:  []string{},
				Worktree:  "-",
				OrderHead: "-",
			}
			f.runs[ev.RunID] = r
		}

		// started_at folds as min, ended_at as max. ISO-8601 UTC strings
		// compare lexicographically.
		if sa := str(p["started_at"]); sa != "" {
			if r.StartedAt == "" || sa < r.StartedAt {
				r.StartedAt = sa
			}
		}
		if ea := str(p["ended_at"]); ea != "" {
			if r.EndedAt == "" || ea > r.EndedAt {
				r.EndedAt = ea
			}
		}
		if msg := str(p["message"]); msg != "" {
			r.Message = msg
		}
		if oids, ok := p["order_ids"].([]interface{}); ok && len(oids) > 0 {
			seen := make(map[string]struct{}, len(r.OrderIDs))
			for _, id := range r.OrderIDs {
				seen[id] = struct{}{}
			}
			for _, v := range oids {
				if id := str(v); id != "" {
					if _, dup := seen[id]; !dup {
						seen[id] = struct{}{}
						r.OrderIDs = append(r.OrderIDs, id)
					}
				}
			}
			sort.Strings(r.OrderIDs)
		}
		if mo, ok := num(p["max_orders"]); ok {
			r.MaxOrders = mo
		}
		if wt := str(p["worktree"]); wt != "" {
			r.Worktree = wt
		}
		if oh := str(p["order_head"]); oh != "" {
			r.OrderHead = oh
		}
		if st := str(p["status"]); st != "" {
			r.Status = st
		}
	}

	if ev.OrderID != "" {
		o, ok := f.orders[ev.OrderID]
		if !ok {
			runID := ev.RunID
			if runID == "" {
				runID = "-"
			}
			o = &types.OrderSnapshot{
				OrderID:   ev.OrderID,
				RunID:     runID,
				TS:        ev.TS,
				Status:    "-",
				Worktree:  "-",
				UnitHead:  "-",
				OrderHead: "-",
				Extra:     map[string]interface{}{},
			}
			f.orders[ev.OrderID] = o
		}

		if st := str(p["status"]); st != "" {
			o.Status = st
			o.TS = ev.TS
		}
		if rid := str(p["run_id"]); rid != "" {
			o.RunID = rid
		}
		if wt := str(p["worktree"]); wt != "" {
			o.Worktree = wt
		}
		if uh := str(p["unit_head"]); uh != "" {
			o.UnitHead = uh
		}
		if oh := str(p["order_head"]); oh != "" {
			o.OrderHead = oh
		}
		for k, v := range p {
			if _, claimed := claimedKeys[k]; claimed {
				continue
			}
			o.Extra[k] = v
		}
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
