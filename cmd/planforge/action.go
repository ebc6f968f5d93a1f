package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/planforge/planforge/router"
	"github.com/planforge/planforge/scheduler"
	"github.com/planforge/planforge/types"
)

// generateAction is the engine's built-in step action: the node task
// is a prompt template rendered with the job's variables and routed
// through the model router. The completion commits as a checkpoint in
// the same transaction as the node transition.
func generateAction(ctx context.Context, node *types.DAGNode, jobCtx *scheduler.JobContext) (*scheduler.StepResult, error) {
	if jobCtx.Router == nil {
		return nil, types.NewError(types.ErrCodeBackendConfig,
			"model_router capability is not enabled")
	}

	mode := router.Mode(jobCtx.Config["mode"])
	if mode == "" {
		mode = router.ModeFast
	}

	resp, err := jobCtx.Router.Generate(ctx, &router.GenerateRequest{
		Prompt:       renderPrompt(node.Task, jobCtx.Variables),
		SystemPrompt: jobCtx.Config["system_prompt"],
		Mode:         mode,
	})
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(map[string]string{
		"backend": resp.Backend,
		"model":   resp.Model,
		"output":  resp.Text,
	})
	if err != nil {
		return nil, err
	}
	return &scheduler.StepResult{
		Output: resp.Text,
		Checkpoints: []types.Checkpoint{
			{Name: "generation", Data: data},
		},
	}, nil
}

// renderPrompt substitutes {{name}} placeholders with job variables.
func renderPrompt(task string, vars types.KVMap) string {
	out := task
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}
