/*
Package types defines the shared data model for IronClaw: ledger events
and snapshots, the worker's AAR, and the request/response shapes of every
service surface.

Services depend on this package instead of each other, which keeps the
dependency order Ledger → Vault → Worker → CO acyclic.
*/
package types
