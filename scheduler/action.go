package scheduler

import (
	"context"

	"github.com/planforge/planforge/failmem"
	"github.com/planforge/planforge/router"
	"github.com/planforge/planforge/types"
)

// JobContext is the per-job environment handed to every step action.
// The router and memory handles are nil when the corresponding
// capability is not registered.
type JobContext struct {
	JobID     string
	JobType   string
	Config    types.KVMap
	Variables types.KVMap

	Router *router.Router
	Memory *failmem.Memory
}

// FailureInfo is a structured, diagnosable failure reported by a step
// action. Its fields feed the failure memory fingerprint.
type FailureInfo struct {
	File     string
	Line     int
	Message  string
	TestName string
}

// StepResult is the outcome of one step attempt. A non-nil Failure
// marks the attempt failed even when Execute returned no error.
type StepResult struct {
	Output      string
	Artifacts   []types.Artifact
	Checkpoints []types.Checkpoint
	Failure     *FailureInfo
}

// StepAction executes one node. The scheduler does not interpret the
// domain meaning of the work; it only applies the resulting transition.
// Execute must honor ctx, which carries the per-attempt timeout.
type StepAction interface {
	Execute(ctx context.Context, node *types.DAGNode, jobCtx *JobContext) (*StepResult, error)
}

// StepActionFunc adapts a function to StepAction.
type StepActionFunc func(ctx context.Context, node *types.DAGNode, jobCtx *JobContext) (*StepResult, error)

// Execute implements StepAction.
func (f StepActionFunc) Execute(ctx context.Context, node *types.DAGNode, jobCtx *JobContext) (*StepResult, error) {
	return f(ctx, node, jobCtx)
}
