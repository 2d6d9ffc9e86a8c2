/*
Package vault manages per-order isolated workspaces over a git repository.

Each order gets a git worktree at <theater>/worktrees/<order_id> on a
branch named after the order. Removal always archives first: the tar.gz
under <theater>/archive is the evidence trail, and an archive failure
aborts the remove. Every input path is canonicalized and ancestor-checked
against the theater prefix before any filesystem operation.
*/
package vault
