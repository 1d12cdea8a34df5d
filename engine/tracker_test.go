package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/types"
)

func trackerNodes() []*types.WorkflowNode {
	return []*types.WorkflowNode{
		{ID: "a", Name: "First"},
		{ID: "b", Name: "Second"},
	}
}

func TestTrackerPublishesTransitionsImmediately(t *testing.T) {
	tr := NewTracker("exec-1", "wf-1", zap.NewNop())
	tr.InitNodes(trackerNodes())

	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.SetRunStatus(types.RunStatusRunning, "")
	tr.StartNode("a")
	tr.FinishNode("a", types.NodeStatusSuccess, []types.Batch{{{"x": 1}}}, "", 1)

	ev := <-ch
	assert.Equal(t, "exec-1", ev.ExecutionID)
	assert.Equal(t, string(types.RunStatusRunning), ev.Status)
	assert.Empty(t, ev.NodeID)

	ev = <-ch
	assert.Equal(t, "a", ev.NodeID)
	assert.Equal(t, string(types.NodeStatusRunning), ev.Status)
	assert.Nil(t, ev.Data, "start events carry no data")

	ev = <-ch
	assert.Equal(t, "a", ev.NodeID)
	assert.Equal(t, string(types.NodeStatusSuccess), ev.Status)
	require.Len(t, ev.Data, 1)
	assert.Equal(t, types.Batch{{"x": 1}}, ev.Data[0])
}

func TestTrackerProgress(t *testing.T) {
	tr := NewTracker("exec-2", "wf-1", zap.NewNop())
	tr.InitNodes(trackerNodes())

	assert.Equal(t, 0.0, tr.State().Progress)
	tr.FinishNode("a", types.NodeStatusSuccess, nil, "", 1)
	assert.Equal(t, 0.5, tr.State().Progress)
	tr.FinishNode("b", types.NodeStatusSkipped, nil, "", 0)
	assert.Equal(t, 1.0, tr.State().Progress)
}

func TestTrackerRunTimestamps(t *testing.T) {
	tr := NewTracker("exec-3", "wf-1", zap.NewNop())
	tr.InitNodes(trackerNodes())

	tr.SetRunStatus(types.RunStatusRunning, "")
	state := tr.State()
	assert.False(t, state.StartTime.IsZero())
	assert.True(t, state.EndTime.IsZero())

	tr.SetRunStatus(types.RunStatusError, "boom")
	state = tr.State()
	assert.False(t, state.EndTime.IsZero())
	assert.Equal(t, "boom", state.Error)
}

func TestTrackerNodeOutputItem(t *testing.T) {
	tr := NewTracker("exec-4", "wf-1", zap.NewNop())
	tr.InitNodes(trackerNodes())

	_, ok := tr.NodeOutputItem("First")
	assert.False(t, ok, "unfinished nodes resolve to nothing")

	tr.FinishNode("a", types.NodeStatusSuccess, []types.Batch{{}, {{"v": 7}}}, "", 1)
	item, ok := tr.NodeOutputItem("First")
	require.True(t, ok)
	assert.Equal(t, 7, item["v"])

	tr.FinishNode("b", types.NodeStatusError, nil, "failed", 1)
	_, ok = tr.NodeOutputItem("Second")
	assert.False(t, ok, "failed nodes resolve to nothing")

	_, ok = tr.NodeOutputItem("Missing")
	assert.False(t, ok)
}

func TestTrackerUnsubscribeStopsDelivery(t *testing.T) {
	tr := NewTracker("exec-5", "wf-1", zap.NewNop())
	tr.InitNodes(trackerNodes())

	ch, cancel := tr.Subscribe()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	tr.StartNode("a")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestTrackerPublisherReceivesEveryEvent(t *testing.T) {
	pub := &recordingPublisher{}
	tr := NewTracker("exec-6", "wf-1", zap.NewNop())
	tr.AttachPublisher(pub)
	tr.InitNodes(trackerNodes())

	tr.SetRunStatus(types.RunStatusRunning, "")
	tr.StartNode("a")
	tr.FinishNode("a", types.NodeStatusSuccess, nil, "", 1)
	tr.SetRunStatus(types.RunStatusSuccess, "")

	assert.Equal(t, 4, pub.count())
}

func TestTrackerPublisherErrorDoesNotStallRun(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("sink unavailable")}
	tr := NewTracker("exec-7", "wf-1", zap.NewNop())
	tr.AttachPublisher(pub)
	tr.InitNodes(trackerNodes())

	done := make(chan struct{})
	go func() {
		tr.StartNode("a")
		tr.FinishNode("a", types.NodeStatusSuccess, nil, "", 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher error blocked the tracker")
	}
}

func TestTrackerSnapshotOrder(t *testing.T) {
	tr := NewTracker("exec-8", "wf-1", zap.NewNop())
	tr.InitNodes(trackerNodes())

	// Finishing out of order does not disturb registration order.
	tr.FinishNode("b", types.NodeStatusSuccess, nil, "", 1)
	tr.FinishNode("a", types.NodeStatusSuccess, nil, "", 1)

	_, results := tr.Snapshot()
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].NodeID)
	assert.Equal(t, "b", results[1].NodeID)
}
