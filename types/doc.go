// Package types defines the entity model shared across the engine:
// jobs, DAG nodes, execution plans, checkpoints, artifacts, failure
// records, and the unified error taxonomy.
//
// The package carries no behavior beyond small helpers on the status
// enums; all persistence and scheduling logic lives in the store and
// scheduler packages, which own the lifecycle of these records.
package types
