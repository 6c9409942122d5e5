// Package lock implements the hierarchical, multi-granularity lock manager:
// five lock modes (NONE, IS, IX, S, X) over named resources, fair FIFO queueing with a
// compatibleFirst escape hatch for read-dominated workloads, conversions,
// downgrades, and partitioned fast paths for intent-heavy resources.
//
// # Overview
//
// Callers do not talk to this package directly in normal operation; the
// per-operation Locker (package lockstate) and the scoped helpers (package
// locks) sit on top and enforce the hierarchy. This package's contract is
// per-resource: it decides who holds each resource in which mode and in
// which order waiters are admitted.
//
// Four lock modes are supported beyond NONE:
//
//   - [ModeIS] / [ModeIX] — intent modes declaring reads/writes below this
//     resource in the hierarchy; compatible with each other.
//   - [ModeS]  — shared access to the resource itself.
//   - [ModeX]  — exclusive access; incompatible with everything.
//
// # Components
//
//   - [Manager]  — sharded table of lock heads plus the grant policy. The
//     only public entry points: [Manager.Lock], [Manager.Convert],
//     [Manager.Unlock], [Manager.Downgrade]. None of them block.
//   - [LockHead] — per-resource state: granted list, FIFO conflict queue,
//     conversion bookkeeping, partitioned-grant accounting.
//   - [Request]  — one locker's claim on one resource, carrying the nest
//     count and the wakeup channel its owner blocks on.
//
// # Grant Policy
//
// A new request is granted immediately when its mode is compatible with all
// granted modes and either it is compatible with every queued mode or a
// granted compatibleFirst holder permits overtaking. Otherwise it waits in FIFO
// order (global S/X requests enqueue at the front).
//
// On every change to the granted set the queues are re-scanned: pending
// conversions first (they have absolute priority), then the conflict queue
// front to back. The scan stops at an incompatible request at the front —
// strict FIFO — unless a compatibleFirst request was granted in the same
// pass, in which case incompatible requests are skipped in place and the
// shared-compatible requests behind them are admitted.
//
// # Blocking and Deadlines
//
// Waiting happens outside the manager: a caller whose request returns
// [ResultWaiting] blocks on its [GrantNotification] with an absolute
// deadline. On timeout the caller cancels via [Manager.Unlock], which is
// atomic with respect to the grant under the bucket mutex — the caller
// either observes the grant or the request is fully removed.
//
// # Partitioning
//
// Intent requests on a resource with no stronger holders and no waiters are
// parked on per-partition lock heads keyed by locker, so hot intent-only
// resources (typically the global one) do not serialize on a single bucket.
// The first non-intent request migrates every partitioned grant back into
// the main head before the grant policy runs.
package lock
