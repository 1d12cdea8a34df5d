// Package registry holds the node-type registry and the contract every
// node definition implements. A Registry is an explicit handle, never
// ambient global state, so independent engine instances cannot
// cross-contaminate.
package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/types"
)

// Capability describes how a node participates in execution.
type Capability string

const (
	CapabilityTrigger   Capability = "trigger"
	CapabilityAction    Capability = "action"
	CapabilityCondition Capability = "condition"
	CapabilityTransform Capability = "transform"
)

// DefaultPort is the port name used when a node declares a single
// unnamed input or output.
const DefaultPort = "main"

// PortsFunc computes port names from a node's current parameters. Nodes
// whose shape varies with configuration (an N-way switch, a merge with a
// configurable input count) declare their ports this way; the graph
// validator evaluates it at build time.
type PortsFunc func(params map[string]any) []string

// ParameterSpec describes one entry of a node's parameter schema.
type ParameterSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, number, boolean, json
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// ExecutionContext is what every execute function receives alongside its
// input data. The engine builds one per node invocation.
type ExecutionContext interface {
	// GetNodeParameter resolves a parameter for the given item index,
	// evaluating any embedded expressions against that item.
	GetNodeParameter(name string, itemIndex int) (any, error)

	// GetCredentials resolves credentials of the given type fresh for
	// this invocation; results are never cached across invocations.
	GetCredentials(ctx context.Context, credType string) (map[string]any, error)

	// GetInputData returns the merged batch delivered on the named input
	// port, defaulting to DefaultPort.
	GetInputData(port ...string) types.Batch

	// Node returns the workflow node being executed.
	Node() *types.WorkflowNode

	// Helpers exposes outbound request and item utilities.
	Helpers() *Helpers

	// Logger is a structured logger scoped to this node invocation.
	Logger() *zap.Logger
}

// ExecuteFunc runs a node. It returns one batch per declared output port,
// index-aligned; nodes that emit sequential batches on a single port may
// return more (see types.NodeExecutionResult).
type ExecuteFunc func(ctx context.Context, ec ExecutionContext) ([]types.Batch, error)

// NodeDefinition describes one node type.
type NodeDefinition struct {
	// Type is the unique type identifier, e.g. "core.if".
	Type        string
	DisplayName string
	Capability  Capability

	// Inputs and Outputs declare static port names. InputsFunc and
	// OutputsFunc take precedence when set.
	Inputs      []string
	Outputs     []string
	InputsFunc  PortsFunc
	OutputsFunc PortsFunc

	Parameters []ParameterSpec

	// Credentials lists credential types the node may request.
	Credentials []string

	// Iterates marks a container node whose children are re-invoked once
	// per input item by the scheduler; its Execute is never called.
	Iterates bool

	Execute ExecuteFunc
}

// InputPorts resolves the effective input port names for the given
// parameters.
func (d *NodeDefinition) InputPorts(params map[string]any) []string {
	if d.InputsFunc != nil {
		return d.InputsFunc(params)
	}
	return d.Inputs
}

// OutputPorts resolves the effective output port names for the given
// parameters.
func (d *NodeDefinition) OutputPorts(params map[string]any) []string {
	if d.OutputsFunc != nil {
		return d.OutputsFunc(params)
	}
	return d.Outputs
}

// ParameterDefault returns the declared default for a parameter, if any.
func (d *NodeDefinition) ParameterDefault(name string) (any, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p.Default, p.Default != nil
		}
	}
	return nil, false
}
