/*
Package observer is the passive health probe. A single background ticker
per process fetches ledger events, filters to the configured theater, and
raises alerts for three failure shapes: running orders whose last event is
too old (stalled), completed worktrees that lost their AAR or hold
uncommitted content (integrity_failed), and worktree directories the
ledger has never heard of (orphan_worktree).

Alerts are one-per-episode: deduplicated in memory with a TTL, appended to
a local alerts.jsonl audit stream, and posted to the ledger as events.
*/
package observer
