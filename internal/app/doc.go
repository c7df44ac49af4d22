// Package app composes the Plaza services into a running application.
//
// New opens the backends named by the configuration (hosted database,
// ledger, cache, object storage and the realtime socket), builds every
// domain service under internal/app/services with its dependencies, and
// registers the long-running ones with a system.Manager:
//
//	realtime  ──►  unread  ──►  unread-hub
//	                             scheduler
//
// Start and Stop drive that lifecycle; Stop also closes the backends that
// New opened. HTTP handlers live in internal/app/httpapi and depend on this
// package, never the other way round.
//
// Dependencies lets callers substitute any backend. Tests pass the
// in-memory repository with LedgerBackend "memory" and get a fully wired
// application with no network access.
package app
