// Package store implements the durable state store for jobs, DAG
// nodes, checkpoints, and artifacts.
//
// The store is the source of truth for recovery: every write is
// transactional, and node status transitions are compare-and-swap
// operations keyed on the expected prior status, so two workers can
// never apply conflicting transitions to the same node. A node
// transition and the artifacts and checkpoints it produced commit
// atomically; a crash between "step finished" and "status recorded"
// is therefore unobservable.
package store
