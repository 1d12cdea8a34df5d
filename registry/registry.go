package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/types"
)

// Registry maps a node type identifier to its definition. Lookups are
// read-mostly and safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*NodeDefinition
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		defs:   make(map[string]*NodeDefinition),
		logger: logger.With(zap.String("component", "node_registry")),
	}
}

// Register adds a definition. Registration is idempotent: re-registering
// an existing type replaces the previous definition and logs a warning.
func (r *Registry) Register(def *NodeDefinition) error {
	if def == nil {
		return types.NewError(types.ErrKindValidation, "node definition cannot be nil")
	}
	if def.Type == "" {
		return types.NewError(types.ErrKindValidation, "node definition has no type identifier")
	}
	if def.Execute == nil && !def.Iterates {
		return types.Errorf(types.ErrKindValidation, "node definition %q has no execute function", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Type]; exists {
		r.logger.Warn("replacing existing node definition",
			zap.String("node_type", def.Type),
		)
	}
	r.defs[def.Type] = def
	return nil
}

// Get returns the definition for a node type.
func (r *Registry) Get(nodeType string) (*NodeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[nodeType]
	return def, ok
}

// Types returns all registered type identifiers.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}

// ResolvePorts resolves the effective input and output port names for a
// node type under the given parameters. It satisfies the graph builder's
// port resolver contract.
func (r *Registry) ResolvePorts(nodeType string, params map[string]any) (inputs, outputs []string, err error) {
	def, ok := r.Get(nodeType)
	if !ok {
		return nil, nil, types.Errorf(types.ErrKindScheduling, "unknown node type %q", nodeType)
	}
	return def.InputPorts(params), def.OutputPorts(params), nil
}
