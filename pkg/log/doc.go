/*
Package log provides structured logging for IronClaw using zerolog.

All five services share the global logger. Each service creates a child
logger with WithComponent ("ledger", "vault", "worker", "co", "observer")
so that a combined log stream from the local stack supervisor remains
attributable. The conductor and worker additionally build request-scoped
child loggers from WithRunID and WithOrderID, so every line of one
orchestration carries its ids.

JSON output is the default under the stack supervisor; console output is
for interactive use.
*/
package log
