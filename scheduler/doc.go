// Package scheduler executes job DAGs: it dispatches ready nodes to a
// bounded worker pool in deterministic order, persists every outcome
// through the state store, retries failures with backoff up to a
// configured bound, cascades skips across dependents of terminal
// failures, and derives the job's terminal status from its nodes.
//
// The scheduler owns no persistent state of its own. The store is the
// source of truth; after a crash, ResumeAllPending rebuilds the
// scheduling picture entirely from persisted jobs and nodes.
package scheduler
