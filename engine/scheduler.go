package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/graph"
	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/types"
)

// completion is what a worker reports back to the scheduling loop.
type completion struct {
	nodeID   string
	data     []types.Batch
	err      error
	attempts int
}

// run owns all mutable state of one execution. Only the scheduling loop
// goroutine touches it; workers communicate through the completions
// channel and the tracker.
type run struct {
	engine  *Engine
	g       *graph.Graph
	wf      *types.Workflow
	tracker *Tracker
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	seedNode string
	seed     types.Batch

	// scheduled is the set of nodes this run dispatches: reachable from
	// the seed, excluding children of iterating containers.
	scheduled map[string]bool
	// required counts the connection deliveries a node awaits; delivered
	// counts arrivals. A node is ready when they match.
	required  map[string]int
	delivered map[string]int
	// inputs accumulates arrivals per node and port in arrival order
	// (first-arrived, stable concatenation).
	inputs  map[string]map[string]types.Batch
	started map[string]bool
	done    map[string]bool

	local map[string]any

	completions chan completion
	inFlight    int

	// control is shared with Cancel/Pause/Resume callers.
	control struct {
		sync.Mutex
		pauseRequested  bool
		cancelRequested bool
	}
	paused bool
	held   []string
	wakeCh chan struct{}

	failErr error
}

func newRun(e *Engine, g *graph.Graph, tracker *Tracker, seedNode string, seed types.Batch, local map[string]any, parent context.Context) *run {
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		engine:    e,
		g:         g,
		wf:        g.Workflow(),
		tracker:   tracker,
		logger:    e.logger.With(zap.String("execution_id", tracker.State().ExecutionID)),
		ctx:       ctx,
		cancel:    cancel,
		seedNode:  seedNode,
		seed:      seed,
		scheduled: make(map[string]bool),
		required:  make(map[string]int),
		delivered: make(map[string]int),
		inputs:    make(map[string]map[string]types.Batch),
		started:   make(map[string]bool),
		done:      make(map[string]bool),
		local:     local,
		wakeCh:    make(chan struct{}, 1),
	}

	for id := range g.Reachable(seedNode) {
		if r.isIterationChild(id) {
			continue
		}
		r.scheduled[id] = true
		need := 0
		for _, conns := range g.InputConnections(id) {
			need += len(conns)
		}
		r.required[id] = need
		r.inputs[id] = make(map[string]types.Batch)
	}
	r.completions = make(chan completion, len(r.scheduled)+1)
	return r
}

// isIterationChild reports whether a node is scheduled by an iterating
// container instead of the top-level run. Purely visual containment does
// not qualify.
func (r *run) isIterationChild(nodeID string) bool {
	node, ok := r.g.Node(nodeID)
	if !ok || node.ParentID == "" {
		return false
	}
	parent, ok := r.g.Node(node.ParentID)
	if !ok {
		return false
	}
	def, ok := r.engine.registry.Get(parent.Type)
	return ok && def.Iterates
}

// execute drives the run to a terminal state and returns the final result.
func (r *run) execute() *RunResult {
	defer r.cancel()

	r.tracker.SetRunStatus(types.RunStatusRunning, "")

	// Seed the entry node. Its input ports have no incoming connections,
	// so it is immediately ready with the trigger payload on the default
	// port.
	r.inputs[r.seedNode][registry.DefaultPort] = r.seed
	r.maybeReady(r.seedNode)

	for r.inFlight > 0 || len(r.held) > 0 {
		if r.ctx.Err() != nil {
			r.held = nil
			if r.inFlight == 0 {
				break
			}
			c := <-r.completions
			r.inFlight--
			r.handleCompletion(c)
			continue
		}
		select {
		case c := <-r.completions:
			r.inFlight--
			r.handleCompletion(c)
		case <-r.wakeCh:
			r.applyControl()
		case <-r.ctx.Done():
		}
	}

	return r.finalize()
}

// applyControl reacts to pause/resume requests from outside the loop.
func (r *run) applyControl() {
	r.control.Lock()
	pause := r.control.pauseRequested
	r.control.Unlock()

	if pause && !r.paused {
		r.paused = true
		r.tracker.SetRunStatus(types.RunStatusPaused, "")
		return
	}
	if !pause && r.paused {
		r.paused = false
		r.tracker.SetRunStatus(types.RunStatusRunning, "")
		held := r.held
		r.held = nil
		for _, id := range held {
			r.maybeReady(id)
		}
	}
}

func (r *run) requestPause(pause bool) {
	r.control.Lock()
	r.control.pauseRequested = pause
	r.control.Unlock()
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *run) requestCancel() {
	r.control.Lock()
	r.control.cancelRequested = true
	r.control.Unlock()
	r.cancel()
}

func (r *run) cancelRequested() bool {
	r.control.Lock()
	defer r.control.Unlock()
	return r.control.cancelRequested
}

// deliver records the arrival of one connection's batch at its target.
func (r *run) deliver(conn types.Connection, batch types.Batch) {
	target := conn.TargetNode
	if !r.scheduled[target] || r.done[target] {
		return
	}
	r.inputs[target][conn.TargetInput] = append(r.inputs[target][conn.TargetInput], batch...)
	r.delivered[target]++
	if r.delivered[target] >= r.required[target] {
		r.maybeReady(target)
	}
}

// maybeReady dispatches a node whose required input deliveries have all
// arrived. Disabled nodes and nodes with only empty input complete
// inline without occupying a worker.
func (r *run) maybeReady(nodeID string) {
	if r.started[nodeID] || r.done[nodeID] || r.ctx.Err() != nil {
		return
	}
	if r.paused {
		r.held = append(r.held, nodeID)
		return
	}

	node, _ := r.g.Node(nodeID)
	def, ok := r.engine.registry.Get(node.Type)
	if !ok {
		r.started[nodeID] = true
		r.finishInline(nodeID, types.NodeStatusError, nil,
			types.Errorf(types.ErrKindScheduling, "unknown node type %q", node.Type))
		return
	}

	if node.Disabled {
		// Disabled nodes are skipped but stay transparent: input passes
		// through unchanged on the first output.
		r.started[nodeID] = true
		out := []types.Batch{r.mergedInput(nodeID)}
		r.tracker.FinishNode(nodeID, types.NodeStatusSkipped, out, "", 0)
		r.done[nodeID] = true
		r.propagate(nodeID, out)
		return
	}

	if r.required[nodeID] > 0 && r.totalInputItems(nodeID) == 0 && def.Capability != registry.CapabilityTrigger {
		// Every upstream branch delivered zero items: the node sits on a
		// dead branch and is skipped, propagating emptiness downstream.
		r.started[nodeID] = true
		r.tracker.FinishNode(nodeID, types.NodeStatusSkipped, nil, "", 0)
		r.done[nodeID] = true
		r.propagate(nodeID, nil)
		return
	}

	r.dispatch(nodeID, node, def)
}

func (r *run) dispatch(nodeID string, node *types.WorkflowNode, def *registry.NodeDefinition) {
	r.started[nodeID] = true

	inputs := make(map[string]types.Batch, len(r.inputs[nodeID]))
	for port, batch := range r.inputs[nodeID] {
		inputs[port] = batch
	}

	task := func(ctx context.Context) {
		r.tracker.StartNode(nodeID)
		var (
			data     []types.Batch
			attempts int
			err      error
		)
		if def.Iterates {
			data, err = r.runIteratingGroup(ctx, node, inputs)
			attempts = 1
		} else {
			data, attempts, err = r.engine.executeNodeOnce(ctx, node, def, inputs, r.tracker.NodeOutputItem, r.wf.Variables, r.local)
		}
		r.completions <- completion{nodeID: nodeID, data: data, err: err, attempts: attempts}
	}

	if err := r.engine.pool.Submit(r.ctx, task); err != nil {
		// Submission only fails when the run is already being torn down.
		r.logger.Debug("dispatch refused", zap.String("node_id", nodeID), zap.Error(err))
		r.started[nodeID] = false
		return
	}
	r.inFlight++
}

func (r *run) handleCompletion(c completion) {
	node, _ := r.g.Node(c.nodeID)
	r.done[c.nodeID] = true

	if c.err == nil {
		r.tracker.FinishNode(c.nodeID, types.NodeStatusSuccess, c.data, "", c.attempts)
		r.observeNode(node, string(types.NodeStatusSuccess))
		if r.ctx.Err() == nil {
			r.propagate(c.nodeID, c.data)
		}
		return
	}

	if errors.Is(c.err, context.Canceled) && r.ctx.Err() != nil {
		// Interrupted mid-flight by cancellation or a sibling's fatal
		// failure; never counted as success.
		r.tracker.FinishNode(c.nodeID, types.NodeStatusCancelled, nil, c.err.Error(), c.attempts)
		r.observeNode(node, string(types.NodeStatusCancelled))
		return
	}

	if types.KindOf(c.err) == types.ErrKindTimeout {
		r.engine.metrics.SandboxTimeout()
	}

	if node.ContinueOnFail {
		// Convert the failure into an error-shaped item on the default
		// output and keep going.
		out := make([]types.Batch, 1)
		out[0] = types.Batch{types.ErrorItem(c.err.Error())}
		r.tracker.FinishNode(c.nodeID, types.NodeStatusError, out, c.err.Error(), c.attempts)
		r.observeNode(node, string(types.NodeStatusError))
		if r.ctx.Err() == nil {
			r.propagate(c.nodeID, out)
		}
		return
	}

	r.tracker.FinishNode(c.nodeID, types.NodeStatusError, nil, c.err.Error(), c.attempts)
	r.observeNode(node, string(types.NodeStatusError))
	if r.failErr == nil {
		r.failErr = c.err
	}
	// Stop dispatching and signal in-flight executions cooperatively.
	r.cancel()
}

// finishInline completes a node without a worker round-trip.
func (r *run) finishInline(nodeID string, status types.NodeStatus, data []types.Batch, err error) {
	r.done[nodeID] = true
	msg := ""
	if err != nil {
		msg = err.Error()
		if r.failErr == nil {
			r.failErr = err
		}
		r.cancel()
	}
	r.tracker.FinishNode(nodeID, status, data, msg, 0)
}

// propagate fans a node's output batches into its outgoing connections.
// Each declared output port forwards its index-aligned batch; a node that
// emitted sequential batches on a single declared port forwards their
// concatenation.
func (r *run) propagate(nodeID string, data []types.Batch) {
	outputs := r.g.OutputPorts(nodeID)

	if len(outputs) == 1 && len(data) > 1 {
		merged := make(types.Batch, 0)
		for _, b := range data {
			merged = append(merged, b...)
		}
		data = []types.Batch{merged}
	}

	for i, port := range outputs {
		var batch types.Batch
		if i < len(data) {
			batch = data[i]
		}
		for _, conn := range r.g.OutputConnections(nodeID)[port] {
			r.deliver(conn, batch)
		}
	}
}

func (r *run) mergedInput(nodeID string) types.Batch {
	var out types.Batch
	for _, port := range r.g.InputPorts(nodeID) {
		out = append(out, r.inputs[nodeID][port]...)
	}
	return out
}

func (r *run) totalInputItems(nodeID string) int {
	n := 0
	for _, batch := range r.inputs[nodeID] {
		n += len(batch)
	}
	return n
}

func (r *run) observeNode(node *types.WorkflowNode, status string) {
	if res, ok := r.tracker.NodeResult(node.ID); ok && !res.StartTime.IsZero() {
		r.engine.metrics.NodeExecuted(node.Type, status, res.EndTime.Sub(res.StartTime))
	}
}

// finalize settles never-started nodes and the run-level status. Every
// scheduled node ends in a terminal status here; none stays idle.
func (r *run) finalize() *RunResult {
	// Cancellation arrives through Engine.Cancel or through the caller's
	// context; a cancelled context without a fatal node error ends the
	// run as cancelled either way.
	cancelled := r.cancelRequested() || (r.failErr == nil && r.ctx.Err() != nil)

	for id := range r.scheduled {
		if r.done[id] {
			continue
		}
		if cancelled {
			r.tracker.FinishNode(id, types.NodeStatusCancelled, nil, "", 0)
		} else {
			r.tracker.FinishNode(id, types.NodeStatusSkipped, nil, "", 0)
		}
	}

	switch {
	case cancelled:
		r.tracker.SetRunStatus(types.RunStatusCancelled, "")
	case r.failErr != nil:
		r.tracker.SetRunStatus(types.RunStatusError, r.failErr.Error())
	default:
		r.tracker.SetRunStatus(types.RunStatusSuccess, "")
	}

	state, results := r.tracker.Snapshot()
	return &RunResult{State: state, Results: results}
}
