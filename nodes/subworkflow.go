package nodes

import (
	"context"

	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/types"
)

// executeWorkflowDefinition hands the input batch to another workflow and
// forwards that workflow's final output. Nesting depth is bounded by the
// caller implementation.
func executeWorkflowDefinition(opts Options) *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.executeWorkflow",
		DisplayName: "Execute Workflow",
		Capability:  registry.CapabilityAction,
		Inputs:      []string{registry.DefaultPort},
		Outputs:     []string{registry.DefaultPort},
		Parameters: []registry.ParameterSpec{
			{Name: "workflowId", Type: "string", Required: true},
		},
		Execute: func(ctx context.Context, ec registry.ExecutionContext) ([]types.Batch, error) {
			if opts.CallWorkflow == nil {
				return nil, types.NewError(types.ErrKindValidation, "no sub-workflow caller configured")
			}
			workflowID, err := stringParam(ec, "workflowId", 0)
			if err != nil {
				return nil, err
			}
			if workflowID == "" {
				return nil, types.NewError(types.ErrKindValidation, "execute workflow node has no workflowId")
			}

			out, err := opts.CallWorkflow(ctx, workflowID, ec.GetInputData())
			if err != nil {
				return nil, err
			}
			return []types.Batch{out}, nil
		},
	}
}
