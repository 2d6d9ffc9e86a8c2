/*
Package conductor is the orchestrator. One /chat request becomes: derived
ids, a ledger-first idempotency check, worktree provisioning, model policy
resolution, a blocking worker execution, artifact readback, and cleanup
with archive evidence, with each step witnessed by a lifecycle event.

The sha256(request_id) derivation and the shared event id scheme are the
idempotency backbone: a retried request reproduces the same ids and its
terminal events collide at the ledger.
*/
package conductor
