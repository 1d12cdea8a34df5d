package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/types"
)

// runIteratingGroup executes the subgraph enclosed by an iterating
// container once per input item and aggregates the per-iteration outputs
// into one batch, preserving input order. Iterations run sequentially;
// the container as a whole already occupies one pool worker.
func (r *run) runIteratingGroup(ctx context.Context, node *types.WorkflowNode, inputs map[string]types.Batch) ([]types.Batch, error) {
	childSet := make(map[string]bool)
	for _, id := range r.g.Children(node.ID) {
		childSet[id] = true
	}

	var input types.Batch
	for _, port := range r.g.InputPorts(node.ID) {
		input = append(input, inputs[port]...)
	}

	if len(childSet) == 0 {
		// An empty container degrades to a passthrough.
		return []types.Batch{input}, nil
	}

	entry, exits, err := r.groupBoundary(node.ID, childSet)
	if err != nil {
		return nil, err
	}

	var aggregated types.Batch
	for i, item := range input {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrKindRuntime, "iteration interrupted").WithCause(ctx.Err())
		}
		out, err := r.runIteration(ctx, childSet, entry, exits, item)
		if err != nil {
			return nil, types.Errorf(types.ErrKindRuntime, "iteration %d of %q failed", i, node.ID).WithCause(err)
		}
		aggregated = append(aggregated, out...)
	}

	r.logger.Debug("iterating group completed",
		zap.String("node_id", node.ID),
		zap.Int("iterations", len(input)),
		zap.Int("output_items", len(aggregated)),
	)
	return []types.Batch{aggregated}, nil
}

// groupBoundary locates the single entry child (no incoming connection
// from a sibling) and the exit children (no outgoing connection to a
// sibling).
func (r *run) groupBoundary(groupID string, childSet map[string]bool) (entry string, exits []string, err error) {
	for id := range childSet {
		hasSiblingInput := false
		for _, conns := range r.g.InputConnections(id) {
			for _, conn := range conns {
				if childSet[conn.SourceNode] {
					hasSiblingInput = true
				}
			}
		}
		if !hasSiblingInput {
			if entry != "" {
				return "", nil, types.Errorf(types.ErrKindValidation,
					"iterating container %q has multiple entry nodes", groupID)
			}
			entry = id
		}

		hasSiblingOutput := false
		for _, conns := range r.g.OutputConnections(id) {
			for _, conn := range conns {
				if childSet[conn.TargetNode] {
					hasSiblingOutput = true
				}
			}
		}
		if !hasSiblingOutput {
			exits = append(exits, id)
		}
	}
	if entry == "" {
		return "", nil, types.Errorf(types.ErrKindValidation,
			"iterating container %q has no entry node", groupID)
	}
	return entry, exits, nil
}

// runIteration pushes one item through the child subgraph synchronously
// in dependency order.
func (r *run) runIteration(ctx context.Context, childSet map[string]bool, entry string, exits []string, item types.Item) (types.Batch, error) {
	required := make(map[string]int, len(childSet))
	delivered := make(map[string]int, len(childSet))
	inputs := make(map[string]map[string]types.Batch, len(childSet))
	outputs := make(map[string][]types.Batch, len(childSet))
	for id := range childSet {
		inputs[id] = make(map[string]types.Batch)
		for _, conns := range r.g.InputConnections(id) {
			for _, conn := range conns {
				if childSet[conn.SourceNode] {
					required[id]++
				}
			}
		}
	}
	inputs[entry][registry.DefaultPort] = types.Batch{item}

	ready := []string{entry}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]

		node, _ := r.g.Node(id)
		def, ok := r.engine.registry.Get(node.Type)
		if !ok {
			return nil, types.Errorf(types.ErrKindScheduling, "unknown node type %q", node.Type)
		}

		var data []types.Batch
		if node.Disabled {
			var merged types.Batch
			for _, port := range r.g.InputPorts(id) {
				merged = append(merged, inputs[id][port]...)
			}
			data = []types.Batch{merged}
		} else {
			var err error
			data, _, err = r.engine.executeNodeOnce(ctx, node, def, inputs[id], r.tracker.NodeOutputItem, r.wf.Variables, r.local)
			if err != nil {
				return nil, err
			}
		}
		outputs[id] = data

		ports := r.g.OutputPorts(id)
		for i, port := range ports {
			var batch types.Batch
			if i < len(data) {
				batch = data[i]
			}
			for _, conn := range r.g.OutputConnections(id)[port] {
				if !childSet[conn.TargetNode] {
					continue
				}
				inputs[conn.TargetNode][conn.TargetInput] = append(inputs[conn.TargetNode][conn.TargetInput], batch...)
				delivered[conn.TargetNode]++
				if delivered[conn.TargetNode] == required[conn.TargetNode] {
					ready = append(ready, conn.TargetNode)
				}
			}
		}
	}

	var out types.Batch
	for _, exit := range exits {
		for _, batch := range outputs[exit] {
			out = append(out, batch...)
		}
	}
	return out, nil
}
