/*
Package ledger implements the append-only event log and its derived
snapshots, the single source of truth for request status.

The events bucket is authoritative. Run and order snapshots are a pure
fold of the log in insertion order; the same folder drives both the
per-insert refresh and the full /rebuild, which is what makes snapshots
idempotent under replay. A duplicate event_id is a successful no-op, and
that uniqueness constraint is the system's concurrency primitive.
*/
package ledger
