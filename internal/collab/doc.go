// Package collab is the append-only collaboration log.
//
// # Overview
//
// Every decision, scheduled tool call, execution attempt, and status
// broadcast in the system lands here as an immutable entry. Entries are
// linked into causal chains through parent references, so any execution can
// be traced back to the decision that produced it.
//
// # Entry Types
//
//   - decision: reasoning produced a plan; roots a chain, has no parent
//   - schedule: a tool call was scheduled against an instance
//   - execution: one forwarded call attempt completed or failed
//   - broadcast: an agent status transition was published
//
// Ids are assigned by SQLite's AUTOINCREMENT rowid, so they are monotonic
// and insertion-ordered. A parent must exist before a child references it,
// which makes every chain acyclic by construction.
//
// # Store and Recorder
//
// Store owns the SQLite database and the raw Append/Query/Chain/GetStats
// operations. Recorder is the write-side facade the dispatcher and the
// status broadcaster use; it owns the causal-window policy that decides
// whether a broadcast entry gets parented to recent dispatch activity for
// the same agent.
//
//	store, _ := collab.NewStore("data/collab.db", logger)
//	rec := collab.NewRecorder(store, 30*time.Second, logger)
//
// # Retention
//
// The log is append-only during normal operation. Prune removes entries
// older than a cutoff as a configuration-driven retention mechanism;
// surviving children of pruned parents keep running with their parent link
// cleared.
package collab
