package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/types"
)

// Publisher receives every tracker event as it happens. Real-time
// reporting adapters (websocket hub, redis fan-out) implement this.
type Publisher interface {
	Publish(ctx context.Context, ev types.Event) error
}

// subscriberBuffer bounds the per-subscriber event channel. A subscriber
// that stops draining loses events rather than stalling the run.
const subscriberBuffer = 256

// Tracker owns the ExecutionState and ordered NodeExecutionResult set of
// one run. Node-level status changes are published to subscribers
// immediately, never batched. The scheduler owning the run is the only
// writer.
type Tracker struct {
	mu      sync.RWMutex
	state   types.ExecutionState
	results map[string]*types.NodeExecutionResult
	order   []string
	// byName resolves display names for $node references.
	byName map[string]string

	total    int
	finished int

	publishers []Publisher
	subs       map[int]chan types.Event
	nextSub    int

	logger *zap.Logger
}

// NewTracker creates a tracker for one run in status idle.
func NewTracker(executionID, workflowID string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		state: types.ExecutionState{
			ExecutionID: executionID,
			WorkflowID:  workflowID,
			Status:      types.RunStatusIdle,
		},
		results: make(map[string]*types.NodeExecutionResult),
		byName:  make(map[string]string),
		subs:    make(map[int]chan types.Event),
		logger:  logger.With(zap.String("component", "tracker"), zap.String("execution_id", executionID)),
	}
}

// AttachPublisher adds a push channel for events. Must be called before
// the run starts.
func (t *Tracker) AttachPublisher(p Publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishers = append(t.publishers, p)
}

// Subscribe returns a channel of events and a cancel function. Events
// are delivered best-effort; a full subscriber channel drops.
func (t *Tracker) Subscribe() (<-chan types.Event, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan types.Event, subscriberBuffer)
	t.subs[id] = ch
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
}

// InitNodes registers the nodes this run will track, all idle.
func (t *Tracker) InitNodes(nodes []*types.WorkflowNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range nodes {
		if _, ok := t.results[n.ID]; ok {
			continue
		}
		t.results[n.ID] = &types.NodeExecutionResult{
			NodeID:   n.ID,
			NodeName: n.Name,
			Status:   types.NodeStatusIdle,
		}
		t.order = append(t.order, n.ID)
		if n.Name != "" {
			t.byName[n.Name] = n.ID
		}
	}
	t.total = len(t.order)
}

// SetRunStatus transitions the run-level status and publishes it.
func (t *Tracker) SetRunStatus(status types.RunStatus, errMsg string) {
	t.mu.Lock()
	now := time.Now()
	t.state.Status = status
	if status == types.RunStatusRunning && t.state.StartTime.IsZero() {
		t.state.StartTime = now
	}
	if status.Terminal() {
		t.state.EndTime = now
	}
	if errMsg != "" {
		t.state.Error = errMsg
	}
	ev := types.Event{
		ExecutionID: t.state.ExecutionID,
		WorkflowID:  t.state.WorkflowID,
		Status:      string(status),
		Timestamp:   now,
		Error:       errMsg,
	}
	t.mu.Unlock()

	t.publish(ev)
}

// StartNode marks a node running and publishes the transition.
func (t *Tracker) StartNode(nodeID string) {
	t.mu.Lock()
	res := t.results[nodeID]
	if res == nil {
		t.mu.Unlock()
		return
	}
	res.Status = types.NodeStatusRunning
	res.StartTime = time.Now()
	ev := t.nodeEvent(res, false)
	t.mu.Unlock()

	t.publish(ev)
}

// FinishNode records a node's terminal status, updates run progress, and
// publishes the transition.
func (t *Tracker) FinishNode(nodeID string, status types.NodeStatus, data []types.Batch, errMsg string, attempts int) {
	t.mu.Lock()
	res := t.results[nodeID]
	if res == nil {
		t.mu.Unlock()
		return
	}
	res.Status = status
	res.EndTime = time.Now()
	res.Data = data
	res.Error = errMsg
	res.Attempts = attempts
	t.finished++
	if t.total > 0 {
		t.state.Progress = float64(t.finished) / float64(t.total)
	}
	ev := t.nodeEvent(res, true)
	t.mu.Unlock()

	t.publish(ev)
}

func (t *Tracker) nodeEvent(res *types.NodeExecutionResult, withData bool) types.Event {
	ev := types.Event{
		ExecutionID: t.state.ExecutionID,
		WorkflowID:  t.state.WorkflowID,
		NodeID:      res.NodeID,
		Status:      string(res.Status),
		Timestamp:   time.Now(),
		Error:       res.Error,
	}
	if withData {
		ev.Data = res.Data
	}
	return ev
}

func (t *Tracker) publish(ev types.Event) {
	t.mu.RLock()
	pubs := make([]Publisher, len(t.publishers))
	copy(pubs, t.publishers)
	subs := make([]chan types.Event, 0, len(t.subs))
	for _, ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.RUnlock()

	for _, p := range pubs {
		if err := p.Publish(context.Background(), ev); err != nil {
			t.logger.Warn("publisher rejected event",
				zap.String("node_id", ev.NodeID),
				zap.Error(err),
			)
		}
	}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			t.logger.Warn("subscriber channel full, dropping event",
				zap.String("node_id", ev.NodeID),
			)
		}
	}
}

// State returns a copy of the run-level state.
func (t *Tracker) State() types.ExecutionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// NodeResult returns a copy of one node's result.
func (t *Tracker) NodeResult(nodeID string) (types.NodeExecutionResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res, ok := t.results[nodeID]
	if !ok {
		return types.NodeExecutionResult{}, false
	}
	return *res, true
}

// NodeStatus returns one node's current status.
func (t *Tracker) NodeStatus(nodeID string) types.NodeStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if res, ok := t.results[nodeID]; ok {
		return res.Status
	}
	return types.NodeStatusIdle
}

// NodeOutputItem resolves the first item a named node emitted, for
// $node["Name"] expression references.
func (t *Tracker) NodeOutputItem(name string) (types.Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	res := t.results[id]
	if res == nil || res.Status != types.NodeStatusSuccess {
		return nil, false
	}
	for _, batch := range res.Data {
		if len(batch) > 0 {
			return batch[0], true
		}
	}
	return nil, false
}

// Snapshot returns the state and the node results in registration order.
func (t *Tracker) Snapshot() (types.ExecutionState, []types.NodeExecutionResult) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.NodeExecutionResult, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.results[id])
	}
	return t.state, out
}
