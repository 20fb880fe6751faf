// Package engine runs join and propagation triggers over a document store.
//
// ARCHITECTURE:
//
// Watch-fed dispatch loop:
// The engine registers a watcher on the store. Every committed change is
// appended to an unbounded FIFO queue; Run dequeues changes one at a time
// and starts one goroutine per trigger whose template matches the changed
// path. Handlers write back to the same store, and those writes are queued
// in turn, so a single edit settles only after its whole cascade has run.
//
// Change Processing Flow:
// 1. Store commit → watcher enqueues the change
// 2. Run dequeues it and matches trigger templates
// 3. The per-batch quota is charged for changes carrying a batch id
// 4. Each matched trigger handles the change concurrently
// 5. Failures are classified into PropagationErrors, logged, and reported
//
// Ordering is FIFO for dispatch only. Handlers of different changes run
// concurrently and no global order across independent cascades is kept.
//
// Trigger factories:
// Join builds one trigger per query on its source template. Propagate
// builds one trigger per referenced foreign collection. Resolve builds
// both. Trigger names are derived from the collection segments of the
// watched template.
//
// Termination:
// Writes whose normalized content is unchanged are skipped, which ends
// ordinary cascades. QuotaEnforcer bounds the rest: a batch id may cause at
// most MaxSteps changes before its cascade is dropped.
package engine
