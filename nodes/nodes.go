// Package nodes provides the built-in node definitions: triggers, flow
// control (condition, switch, merge, batch split, iteration container),
// transforms, the sandboxed code node, and the outbound HTTP node.
package nodes

import (
	"context"
	"time"

	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/sandbox"
	"github.com/fluxion-engine/fluxion/types"
)

// SubWorkflowCaller invokes another workflow and returns its final
// output. The trigger activation manager provides the implementation.
type SubWorkflowCaller func(ctx context.Context, workflowID string, seed types.Batch) (types.Batch, error)

// Options carries the collaborators the built-in nodes close over.
type Options struct {
	// Sandbox executes code nodes. Required for core.code.
	Sandbox sandbox.Runner
	// SandboxTimeout bounds each code node execution; zero uses the
	// sandbox default.
	SandboxTimeout time.Duration
	// CallWorkflow backs core.executeWorkflow.
	CallWorkflow SubWorkflowCaller
}

// RegisterBuiltins registers every built-in node definition.
func RegisterBuiltins(reg *registry.Registry, opts Options) error {
	defs := []*registry.NodeDefinition{
		manualTriggerDefinition(),
		webhookTriggerDefinition(),
		scheduleTriggerDefinition(),
		workflowTriggerDefinition(),
		noopDefinition(),
		setDefinition(),
		ifDefinition(),
		switchDefinition(),
		mergeDefinition(),
		splitInBatchesDefinition(),
		loopDefinition(),
		codeDefinition(opts),
		httpRequestDefinition(),
		executeWorkflowDefinition(opts),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// passthrough emits the default-port input unchanged on the default
// output.
func passthrough(ctx context.Context, ec registry.ExecutionContext) ([]types.Batch, error) {
	return []types.Batch{ec.GetInputData()}, nil
}
