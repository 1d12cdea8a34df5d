package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/graph"
	"github.com/fluxion-engine/fluxion/types"
)

// ExecuteNode runs a single node in isolation ("test node"). Inputs are
// synthesized from pinned data or from the cached results of the node's
// immediate predecessors in the workflow's last run; nothing upstream is
// re-invoked and the cached results are never mutated.
func (e *Engine) ExecuteNode(ctx context.Context, wf *types.Workflow, nodeID string, pinned map[string]types.Batch) (*types.NodeExecutionResult, error) {
	g, err := graph.Build(wf, e.registry)
	if err != nil {
		return nil, err
	}
	node, ok := g.Node(nodeID)
	if !ok {
		return nil, types.Errorf(types.ErrKindValidation, "node %q does not exist", nodeID)
	}
	def, ok := e.registry.Get(node.Type)
	if !ok {
		return nil, types.Errorf(types.ErrKindScheduling, "unknown node type %q", node.Type)
	}

	last, _ := e.LastRun(wf.ID)

	inputs := pinned
	if inputs == nil {
		inputs, err = e.synthesizeInputs(g, nodeID, last)
		if err != nil {
			return nil, err
		}
	}

	nodeOutput := func(name string) (types.Item, bool) {
		if last == nil {
			return nil, false
		}
		ref := wf.NodeByName(name)
		if ref == nil {
			return nil, false
		}
		res, ok := last.ResultFor(ref.ID)
		if !ok || res.Status != types.NodeStatusSuccess {
			return nil, false
		}
		for _, batch := range res.Data {
			if len(batch) > 0 {
				return batch[0], true
			}
		}
		return nil, false
	}

	executionID := uuid.NewString()
	tracker := NewTracker(executionID, wf.ID, e.logger)
	for _, p := range e.publishers {
		tracker.AttachPublisher(p)
	}
	tracker.InitNodes([]*types.WorkflowNode{node})
	tracker.SetRunStatus(types.RunStatusRunning, "")
	tracker.StartNode(nodeID)

	e.logger.Info("re-testing single node",
		zap.String("workflow_id", wf.ID),
		zap.String("node_id", nodeID),
		zap.String("execution_id", executionID),
	)

	start := time.Now()
	data, attempts, execErr := e.executeNodeOnce(ctx, node, def, inputs, nodeOutput, wf.Variables, map[string]any{})
	if execErr != nil {
		tracker.FinishNode(nodeID, types.NodeStatusError, nil, execErr.Error(), attempts)
		tracker.SetRunStatus(types.RunStatusError, execErr.Error())
		e.metrics.NodeExecuted(node.Type, string(types.NodeStatusError), time.Since(start))
		res, _ := tracker.NodeResult(nodeID)
		return &res, execErr
	}

	tracker.FinishNode(nodeID, types.NodeStatusSuccess, data, "", attempts)
	tracker.SetRunStatus(types.RunStatusSuccess, "")
	e.metrics.NodeExecuted(node.Type, string(types.NodeStatusSuccess), time.Since(start))

	res, _ := tracker.NodeResult(nodeID)
	return &res, nil
}

// synthesizeInputs assembles a node's input batches from its immediate
// predecessors: pinned data first, then the cached last-run result.
func (e *Engine) synthesizeInputs(g *graph.Graph, nodeID string, last *RunResult) (map[string]types.Batch, error) {
	inputs := make(map[string]types.Batch)
	for port, conns := range g.InputConnections(nodeID) {
		for _, conn := range conns {
			src, _ := g.Node(conn.SourceNode)

			if len(src.PinnedData) > 0 {
				inputs[port] = append(inputs[port], src.PinnedData...)
				continue
			}

			if last == nil {
				return nil, types.Errorf(types.ErrKindValidation,
					"no pinned or cached data for upstream node %q; run the workflow first", conn.SourceNode)
			}
			res, ok := last.ResultFor(conn.SourceNode)
			if !ok || res.Status != types.NodeStatusSuccess {
				return nil, types.Errorf(types.ErrKindValidation,
					"upstream node %q has no successful cached result", conn.SourceNode)
			}

			inputs[port] = append(inputs[port], cachedPortBatch(g, res, conn)...)
		}
	}
	return inputs, nil
}

// cachedPortBatch extracts the batch a cached result emitted on the
// output port a connection reads from.
func cachedPortBatch(g *graph.Graph, res types.NodeExecutionResult, conn types.Connection) types.Batch {
	ports := g.OutputPorts(conn.SourceNode)

	// Sequential emissions on a single declared port flow as one batch.
	if len(ports) == 1 && len(res.Data) > 1 {
		var merged types.Batch
		for _, b := range res.Data {
			merged = append(merged, b...)
		}
		return merged
	}

	for i, port := range ports {
		if port == conn.SourceOutput && i < len(res.Data) {
			return res.Data[i]
		}
	}
	return nil
}
