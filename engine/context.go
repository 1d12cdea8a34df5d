package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/expr"
	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/types"
)

// CredentialResolver fetches decrypted credentials from the credential
// collaborator. The engine resolves fresh per node invocation and never
// caches across invocations.
type CredentialResolver interface {
	Resolve(ctx context.Context, credType, credID string) (map[string]any, error)
}

// nodeContext is the per-invocation registry.ExecutionContext the engine
// hands to an execute function.
type nodeContext struct {
	node   *types.WorkflowNode
	def    *registry.NodeDefinition
	inputs map[string]types.Batch

	nodeOutput func(name string) (types.Item, bool)
	vars       map[string]any
	local      map[string]any
	now        time.Time

	creds   CredentialResolver
	helpers *registry.Helpers
	logger  *zap.Logger
}

var _ registry.ExecutionContext = (*nodeContext)(nil)

// newNodeContext assembles the context for one node invocation. The
// evaluation timestamp is fixed at build time so $now is stable across
// the items of one invocation.
func newNodeContext(
	node *types.WorkflowNode,
	def *registry.NodeDefinition,
	inputs map[string]types.Batch,
	nodeOutput func(name string) (types.Item, bool),
	vars, local map[string]any,
	creds CredentialResolver,
	helpers *registry.Helpers,
	logger *zap.Logger,
) *nodeContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &nodeContext{
		node:       node,
		def:        def,
		inputs:     inputs,
		nodeOutput: nodeOutput,
		vars:       vars,
		local:      local,
		now:        time.Now(),
		creds:      creds,
		helpers:    helpers,
		logger: logger.With(
			zap.String("node_id", node.ID),
			zap.String("node_type", node.Type),
		),
	}
}

// GetNodeParameter resolves a parameter against the item at itemIndex.
// Parameters fall back to the definition's declared default.
func (nc *nodeContext) GetNodeParameter(name string, itemIndex int) (any, error) {
	raw, ok := nc.node.Parameters[name]
	if !ok {
		raw, ok = nc.def.ParameterDefault(name)
		if !ok {
			return nil, nil
		}
	}

	var current types.Item
	main := nc.GetInputData()
	if itemIndex >= 0 && itemIndex < len(main) {
		current = main[itemIndex]
	}

	return expr.Resolve(raw, &expr.Env{
		JSON:      current,
		Node:      nc.nodeOutput,
		Vars:      nc.vars,
		Local:     nc.local,
		Now:       nc.now,
		ItemIndex: itemIndex,
	})
}

// GetCredentials resolves credentials of the given type for this
// invocation only.
func (nc *nodeContext) GetCredentials(ctx context.Context, credType string) (map[string]any, error) {
	declared := false
	for _, c := range nc.def.Credentials {
		if c == credType {
			declared = true
			break
		}
	}
	if !declared {
		return nil, types.Errorf(types.ErrKindSecurity,
			"node type %q does not declare credential type %q", nc.node.Type, credType)
	}
	if nc.creds == nil {
		return nil, types.Errorf(types.ErrKindValidation,
			"no credential resolver configured for credential type %q", credType)
	}
	credID := nc.node.Credentials[credType]
	creds, err := nc.creds.Resolve(ctx, credType, credID)
	if err != nil {
		return nil, types.Errorf(types.ErrKindValidation,
			"resolving %q credentials failed", credType).WithCause(err)
	}
	return creds, nil
}

// GetInputData returns the merged batch delivered on a port.
func (nc *nodeContext) GetInputData(port ...string) types.Batch {
	name := registry.DefaultPort
	if len(port) > 0 {
		name = port[0]
	}
	return nc.inputs[name]
}

// Node returns the workflow node under execution.
func (nc *nodeContext) Node() *types.WorkflowNode { return nc.node }

// Helpers returns the outbound request and item utilities.
func (nc *nodeContext) Helpers() *registry.Helpers { return nc.helpers }

// Logger returns the invocation-scoped logger.
func (nc *nodeContext) Logger() *zap.Logger { return nc.logger }
