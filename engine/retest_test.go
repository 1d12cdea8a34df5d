package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxion-engine/fluxion/types"
)

func retestWorkflow() *types.Workflow {
	return &types.Workflow{
		ID: "wf-retest",
		Nodes: []types.WorkflowNode{
			{ID: "t", Name: "Start", Type: "core.manualTrigger"},
			{ID: "up", Name: "Upstream", Type: "test.count"},
			{ID: "target", Name: "Target", Type: "core.set", Parameters: map[string]any{
				"values": map[string]any{"tagged": true},
			}},
		},
		Connections: []types.Connection{
			{ID: "c1", SourceNode: "t", SourceOutput: "main", TargetNode: "up", TargetInput: "main"},
			{ID: "c2", SourceNode: "up", SourceOutput: "main", TargetNode: "target", TargetInput: "main"},
		},
	}
}

func TestExecuteNodeUsesCachedResults(t *testing.T) {
	counter := newInvocationCounter()
	e := newTestEngine(t, countingDef("test.count", counter))
	wf := retestWorkflow()

	_, err := e.Execute(context.Background(), wf, RunOptions{Seed: types.Batch{{"n": 1}}})
	require.NoError(t, err)
	require.Equal(t, 1, counter.get("up"))

	res, err := e.ExecuteNode(context.Background(), wf, "target", nil)
	require.NoError(t, err)

	assert.Equal(t, types.NodeStatusSuccess, res.Status)
	require.Len(t, res.Data, 1)
	assert.Equal(t, types.Batch{{"n": 1, "tagged": true}}, res.Data[0])

	// The upstream node is never re-invoked.
	assert.Equal(t, 1, counter.get("up"))
}

func TestExecuteNodeWithoutCacheFails(t *testing.T) {
	counter := newInvocationCounter()
	e := newTestEngine(t, countingDef("test.count", counter))

	_, err := e.ExecuteNode(context.Background(), retestWorkflow(), "target", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindValidation, types.KindOf(err))
	assert.Equal(t, 0, counter.get("up"))
}

func TestExecuteNodePrefersPinnedUpstreamData(t *testing.T) {
	counter := newInvocationCounter()
	e := newTestEngine(t, countingDef("test.count", counter))

	wf := retestWorkflow()
	wf.Nodes[1].PinnedData = types.Batch{{"pinned": true}}

	// No prior run needed: pinned upstream data substitutes for it.
	res, err := e.ExecuteNode(context.Background(), wf, "target", nil)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, types.Batch{{"pinned": true, "tagged": true}}, res.Data[0])
	assert.Equal(t, 0, counter.get("up"))
}

func TestExecuteNodeExplicitInputs(t *testing.T) {
	e := newTestEngine(t, countingDef("test.count", newInvocationCounter()))

	res, err := e.ExecuteNode(context.Background(), retestWorkflow(), "target",
		map[string]types.Batch{"main": {{"direct": 1}}})
	require.NoError(t, err)
	assert.Equal(t, types.Batch{{"direct": 1, "tagged": true}}, res.Data[0])
}

func TestExecuteNodeDoesNotMutateCache(t *testing.T) {
	counter := newInvocationCounter()
	e := newTestEngine(t, countingDef("test.count", counter))
	wf := retestWorkflow()

	first, err := e.Execute(context.Background(), wf, RunOptions{Seed: types.Batch{{"n": 1}}})
	require.NoError(t, err)

	_, err = e.ExecuteNode(context.Background(), wf, "target", nil)
	require.NoError(t, err)

	cached, ok := e.LastRun(wf.ID)
	require.True(t, ok)
	assert.Equal(t, first.State.ExecutionID, cached.State.ExecutionID,
		"single-node re-testing must not replace the cached run")
}

func TestExecuteNodeUnknownNode(t *testing.T) {
	e := newTestEngine(t, countingDef("test.count", newInvocationCounter()))
	_, err := e.ExecuteNode(context.Background(), retestWorkflow(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindValidation, types.KindOf(err))
}

func TestExecuteNodeMultiBatchUpstream(t *testing.T) {
	e := newTestEngine(t, countingDef("test.count", newInvocationCounter()))

	wf := &types.Workflow{
		ID: "wf-retest-split",
		Nodes: []types.WorkflowNode{
			{ID: "t", Name: "Start", Type: "core.manualTrigger"},
			{ID: "split", Name: "Split", Type: "core.splitInBatches", Parameters: map[string]any{
				"batchSize": 2,
			}},
			{ID: "target", Name: "Target", Type: "core.noop"},
		},
		Connections: []types.Connection{
			{ID: "c1", SourceNode: "t", SourceOutput: "main", TargetNode: "split", TargetInput: "main"},
			{ID: "c2", SourceNode: "split", SourceOutput: "main", TargetNode: "target", TargetInput: "main"},
		},
	}

	seed := types.Batch{{"i": 0}, {"i": 1}, {"i": 2}}
	_, err := e.Execute(context.Background(), wf, RunOptions{Seed: seed})
	require.NoError(t, err)

	// The splitting upstream's sequential batches arrive concatenated.
	res, err := e.ExecuteNode(context.Background(), wf, "target", nil)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, seed, res.Data[0])
}

func TestGetCredentialsRequiresDeclaration(t *testing.T) {
	resolver := credentialResolverFunc(func(_ context.Context, credType, _ string) (map[string]any, error) {
		return map[string]any{"token": "abc"}, nil
	})

	grabber := func(credType string) *types.WorkflowNode {
		return &types.WorkflowNode{ID: "n1", Type: "test.creds",
			Credentials: map[string]string{credType: "cred-1"}}
	}
	def := countingDef("test.creds", newInvocationCounter())
	def.Credentials = []string{"httpBearerAuth"}

	nc := newNodeContext(grabber("httpBearerAuth"), def, nil, nil, nil, nil, resolver, nil, nil)
	creds, err := nc.GetCredentials(context.Background(), "httpBearerAuth")
	require.NoError(t, err)
	assert.Equal(t, "abc", creds["token"])

	_, err = nc.GetCredentials(context.Background(), "httpBasicAuth")
	require.Error(t, err)
	assert.Equal(t, types.ErrKindSecurity, types.KindOf(err))
}

func TestGetCredentialsResolvedFreshPerCall(t *testing.T) {
	calls := 0
	resolver := credentialResolverFunc(func(_ context.Context, _, _ string) (map[string]any, error) {
		calls++
		return map[string]any{"token": "abc"}, nil
	})

	def := countingDef("test.creds", newInvocationCounter())
	def.Credentials = []string{"httpBearerAuth"}
	node := &types.WorkflowNode{ID: "n1", Type: "test.creds"}

	nc := newNodeContext(node, def, nil, nil, nil, nil, resolver, nil, nil)
	_, err := nc.GetCredentials(context.Background(), "httpBearerAuth")
	require.NoError(t, err)
	_, err = nc.GetCredentials(context.Background(), "httpBearerAuth")
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "credentials are never cached across resolutions")
}

type credentialResolverFunc func(ctx context.Context, credType, credID string) (map[string]any, error)

func (f credentialResolverFunc) Resolve(ctx context.Context, credType, credID string) (map[string]any, error) {
	return f(ctx, credType, credID)
}
