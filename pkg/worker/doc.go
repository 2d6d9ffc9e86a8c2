/*
Package worker is the execution engine: deterministic mission execution
inside a vault-provisioned worktree.

An attempt walks a fixed stage sequence (initializing → calling_model →
model_returned → writing_artifacts → committing → done), recording each
transition in outputs/heartbeat.json. Model outputs are content-addressed
in the per-theater cache keyed by a fingerprint over the canonical call
inputs, so identical questions across orders share one model call.
Artifacts are promoted with temp + rename, the AAR is locked last before
the single unconditional git commit that yields order_head.
*/
package worker
