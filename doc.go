// Package mediasched schedules CPU-bound media transforms (thumbnails,
// transcodes, previews) on a worker pool that resizes itself to the load
// of the host it shares with other services.
//
// Design goals
//
// The package is designed around the following principles:
//
//   - A live caller never waits behind backlog work
//   - The pool costs nothing while there is nothing to do
//   - Heavy hosts get fewer, cheaper transforms, never none
//   - A single broken source item cannot burn the pool forever
//
// Architecture overview
//
// A Scheduler wires a set of loosely coupled components:
//
//  1. Dispatch (Dispatcher)
//     Two bounded FIFO queues, one per Class. Dispatch is edge-triggered
//     on enqueue and completion. Interactive work always goes first, and
//     a configurable number of slots is withheld from batch work while
//     interactive work runs. Keys are deduplicated across queued and
//     running tasks.
//
//  2. Execution (WorkerPool)
//     Workers are spawned lazily on first demand and torn down after an
//     idle period. A worker that panics is replaced; the run is reported
//     as ErrWorkerCrashed.
//
//  3. Sizing (AdaptiveController, AutoBoost)
//     The controller samples load average and memory and picks a Mode,
//     each mode mapping to a Profile. The boost loop grows the pool from
//     the backlog size when the host is not heavy.
//
//  4. Outcomes (ResultHandler, RetryCoordinator)
//     Failures are retried with exponential backoff until the retry
//     budget is spent, then marked permanently failed. Unrecoverable
//     content is counted separately and removed at a threshold. Statuses
//     are written to a StatusSink in chunks.
//
//  5. Background work (AdmissionGate)
//     Maintenance jobs wait until the host is not heavy and hold a named
//     lock while they run.
//
// Coordination store
//
// Retry counters, locks, failure markers and the published profile live
// in a store.Store. Every component falls back to process memory when the
// store is unavailable, so a single process works with no store at all.
//
// Error handling
//
// Two classes of errors are reported through optional handlers:
//
//   - Task errors: returned by transforms or produced by worker crashes
//   - Internal errors: failures of the scheduler's own machinery
//
// Neither stops the scheduler.
//
// CPU pinning
//
// On Linux, workers may optionally be pinned to CPUs round-robin. This
// can help cache-sensitive transforms but is not universally beneficial.
package mediasched
