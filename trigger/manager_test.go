package trigger

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/engine"
	"github.com/fluxion-engine/fluxion/types"
)

// stubRunner records executions instead of running the engine.
type stubRunner struct {
	calls  []engine.RunOptions
	result *engine.RunResult
	err    error
}

func (s *stubRunner) Execute(_ context.Context, _ *types.Workflow, opts engine.RunOptions) (*engine.RunResult, error) {
	s.calls = append(s.calls, opts)
	if s.result != nil {
		return s.result, s.err
	}
	return &engine.RunResult{
		State: types.ExecutionState{Status: types.RunStatusSuccess},
	}, s.err
}

func webhookWorkflow(params map[string]any) *types.Workflow {
	merged := map[string]any{"path": "/hook", "httpMethod": "POST"}
	for k, v := range params {
		merged[k] = v
	}
	return &types.Workflow{
		ID: "wf-1",
		Nodes: []types.WorkflowNode{
			{ID: "t1", Name: "Hook", Type: webhookTriggerType, Parameters: merged},
		},
	}
}

func TestActivateRejectsDuplicateWebhookPath(t *testing.T) {
	m := NewManager(&stubRunner{}, Config{}, nil, zap.NewNop())
	require.NoError(t, m.Activate(webhookWorkflow(nil)))

	other := webhookWorkflow(nil)
	other.ID = "wf-2"
	err := m.Activate(other)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindValidation, types.KindOf(err))
}

func TestDeactivateRemovesBindings(t *testing.T) {
	runner := &stubRunner{}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	require.NoError(t, m.Activate(webhookWorkflow(nil)))
	m.Deactivate("wf-1")

	_, err := m.HandleWebhook(context.Background(), WebhookRequest{Method: "POST", Path: "/hook"})
	require.Error(t, err)
	assert.Empty(t, runner.calls)
}

func TestHandleWebhookSeedsPayload(t *testing.T) {
	runner := &stubRunner{}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	require.NoError(t, m.Activate(webhookWorkflow(nil)))

	_, err := m.HandleWebhook(context.Background(), WebhookRequest{
		Method:  "post",
		Path:    "/hook",
		Headers: map[string]string{"X-Source": "ci"},
		Query:   map[string]string{"v": "1"},
		Body:    map[string]any{"event": "push"},
	})
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)

	opts := runner.calls[0]
	assert.Equal(t, "t1", opts.SeedNodeID)
	require.Len(t, opts.Seed, 1)
	assert.Equal(t, map[string]any{"event": "push"}, opts.Seed[0]["body"])
	assert.Equal(t, map[string]string{"X-Source": "ci"}, opts.Seed[0]["headers"])
	assert.Equal(t, map[string]string{"v": "1"}, opts.Seed[0]["query"])
}

func TestHandleWebhookMethodMismatch(t *testing.T) {
	runner := &stubRunner{}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	require.NoError(t, m.Activate(webhookWorkflow(nil)))

	_, err := m.HandleWebhook(context.Background(), WebhookRequest{Method: "GET", Path: "/hook"})
	require.Error(t, err)
	assert.Empty(t, runner.calls, "no run may be created for an unmatched delivery")
}

func TestWebhookHeaderAuth(t *testing.T) {
	runner := &stubRunner{}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	require.NoError(t, m.Activate(webhookWorkflow(map[string]any{
		"authMode":    "header",
		"headerName":  "X-Api-Key",
		"headerValue": "s3cret",
	})))

	_, err := m.HandleWebhook(context.Background(), WebhookRequest{
		Method: "POST", Path: "/hook",
		Headers: map[string]string{"X-Api-Key": "wrong"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindSecurity, types.KindOf(err))
	assert.Empty(t, runner.calls)

	_, err = m.HandleWebhook(context.Background(), WebhookRequest{
		Method: "POST", Path: "/hook",
		Headers: map[string]string{"x-api-key": "s3cret"},
	})
	require.NoError(t, err)
	assert.Len(t, runner.calls, 1)
}

func TestWebhookQueryAuth(t *testing.T) {
	runner := &stubRunner{}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	require.NoError(t, m.Activate(webhookWorkflow(map[string]any{
		"authMode":   "query",
		"queryName":  "token",
		"queryValue": "abc",
	})))

	_, err := m.HandleWebhook(context.Background(), WebhookRequest{Method: "POST", Path: "/hook"})
	require.Error(t, err)

	_, err = m.HandleWebhook(context.Background(), WebhookRequest{
		Method: "POST", Path: "/hook",
		Query: map[string]string{"token": "abc"},
	})
	require.NoError(t, err)
}

func TestWebhookBasicAuth(t *testing.T) {
	runner := &stubRunner{}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	require.NoError(t, m.Activate(webhookWorkflow(map[string]any{
		"authMode": "basic",
		"user":     "svc",
		"password": "pw",
	})))

	good := "Basic " + base64.StdEncoding.EncodeToString([]byte("svc:pw"))
	_, err := m.HandleWebhook(context.Background(), WebhookRequest{
		Method: "POST", Path: "/hook",
		Headers: map[string]string{"Authorization": good},
	})
	require.NoError(t, err)

	bad := "Basic " + base64.StdEncoding.EncodeToString([]byte("svc:nope"))
	_, err = m.HandleWebhook(context.Background(), WebhookRequest{
		Method: "POST", Path: "/hook",
		Headers: map[string]string{"Authorization": bad},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindSecurity, types.KindOf(err))
}

func TestWebhookJWTAuth(t *testing.T) {
	runner := &stubRunner{}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	require.NoError(t, m.Activate(webhookWorkflow(map[string]any{
		"authMode":  "jwt",
		"jwtSecret": "hmac-secret",
	})))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ci",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("hmac-secret"))
	require.NoError(t, err)

	_, err = m.HandleWebhook(context.Background(), WebhookRequest{
		Method: "POST", Path: "/hook",
		Headers: map[string]string{"Authorization": "Bearer " + signed},
	})
	require.NoError(t, err)

	forged, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = m.HandleWebhook(context.Background(), WebhookRequest{
		Method: "POST", Path: "/hook",
		Headers: map[string]string{"Authorization": "Bearer " + forged},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindSecurity, types.KindOf(err))
	assert.Len(t, runner.calls, 1)
}

func TestWebhookRateLimit(t *testing.T) {
	runner := &stubRunner{}
	m := NewManager(runner, Config{WebhookRate: 1, WebhookBurst: 1}, nil, zap.NewNop())
	require.NoError(t, m.Activate(webhookWorkflow(nil)))

	req := WebhookRequest{Method: "POST", Path: "/hook"}
	_, err := m.HandleWebhook(context.Background(), req)
	require.NoError(t, err)

	_, err = m.HandleWebhook(context.Background(), req)
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Len(t, runner.calls, 1)
}

func TestRunManualUsesPinnedData(t *testing.T) {
	runner := &stubRunner{}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	wf := &types.Workflow{
		ID: "wf-m",
		Nodes: []types.WorkflowNode{
			{ID: "t1", Name: "Start", Type: manualTriggerType,
				PinnedData: types.Batch{{"fixture": 1}}},
		},
	}
	require.NoError(t, m.Activate(wf))

	_, err := m.RunManual(context.Background(), "wf-m", nil)
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "t1", runner.calls[0].SeedNodeID)
	assert.Equal(t, types.Batch{{"fixture": 1}}, runner.calls[0].Seed)
}

func TestRunManualUnknownWorkflow(t *testing.T) {
	m := NewManager(&stubRunner{}, Config{}, nil, zap.NewNop())
	_, err := m.RunManual(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindValidation, types.KindOf(err))
}

func TestFireSchedule(t *testing.T) {
	runner := &stubRunner{}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	wf := &types.Workflow{
		ID: "wf-s",
		Nodes: []types.WorkflowNode{
			{ID: "s1", Name: "Nightly", Type: scheduleTriggerType,
				Parameters: map[string]any{"cronExpression": "0 2 * * *"}},
		},
	}
	require.NoError(t, m.Activate(wf))

	firedAt := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	_, err := m.FireSchedule(context.Background(), "wf-s", "s1", firedAt)
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "s1", runner.calls[0].SeedNodeID)
	assert.Equal(t, "2026-03-01T02:00:00Z", runner.calls[0].Seed[0]["firedAt"])

	_, err = m.FireSchedule(context.Background(), "wf-s", "other", firedAt)
	require.Error(t, err)
}

func TestActivateRejectsScheduleWithoutCron(t *testing.T) {
	m := NewManager(&stubRunner{}, Config{}, nil, zap.NewNop())
	err := m.Activate(&types.Workflow{
		ID:    "wf-s",
		Nodes: []types.WorkflowNode{{ID: "s1", Type: scheduleTriggerType}},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindValidation, types.KindOf(err))
}

// calledWorkflow is a two-step chain: the workflow trigger feeding one
// terminal node.
func calledWorkflow() *types.Workflow {
	return &types.Workflow{
		ID: "wf-c",
		Nodes: []types.WorkflowNode{
			{ID: "t1", Name: "Called", Type: workflowTriggerType},
			{ID: "n2", Name: "Last", Type: "core.set"},
		},
		Connections: []types.Connection{
			{ID: "c1", SourceNode: "t1", SourceOutput: "main", TargetNode: "n2", TargetInput: "main"},
		},
	}
}

func TestCallSubWorkflowReturnsFinalOutput(t *testing.T) {
	runner := &stubRunner{
		result: &engine.RunResult{
			State: types.ExecutionState{Status: types.RunStatusSuccess},
			Results: []types.NodeExecutionResult{
				{NodeID: "t1", Status: types.NodeStatusSuccess,
					Data: []types.Batch{{{"step": 1}}}},
				{NodeID: "n2", Status: types.NodeStatusSuccess,
					Data: []types.Batch{{{"step": 2}}}},
			},
		},
	}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	require.NoError(t, m.Activate(calledWorkflow()))

	out, err := m.CallSubWorkflow(context.Background(), "wf-c", types.Batch{{"in": true}})
	require.NoError(t, err)
	assert.Equal(t, types.Batch{{"step": 2}}, out)
	assert.Equal(t, types.Batch{{"in": true}}, runner.calls[0].Seed)
}

func TestCallSubWorkflowOutputIgnoresResultPosition(t *testing.T) {
	// The terminal node is identified by topology, not by where its
	// result sits in the slice.
	runner := &stubRunner{
		result: &engine.RunResult{
			State: types.ExecutionState{Status: types.RunStatusSuccess},
			Results: []types.NodeExecutionResult{
				{NodeID: "n2", Status: types.NodeStatusSuccess,
					Data: []types.Batch{{{"step": 2}}}},
				{NodeID: "t1", Status: types.NodeStatusSuccess,
					Data: []types.Batch{{{"step": 1}}}},
			},
		},
	}
	m := NewManager(runner, Config{}, nil, zap.NewNop())
	require.NoError(t, m.Activate(calledWorkflow()))

	out, err := m.CallSubWorkflow(context.Background(), "wf-c", nil)
	require.NoError(t, err)
	assert.Equal(t, types.Batch{{"step": 2}}, out)
}

func TestCallSubWorkflowDepthLimit(t *testing.T) {
	m := NewManager(&stubRunner{}, Config{}, nil, zap.NewNop())
	wf := &types.Workflow{
		ID:    "wf-c",
		Nodes: []types.WorkflowNode{{ID: "t1", Type: workflowTriggerType}},
	}
	require.NoError(t, m.Activate(wf))

	ctx := context.WithValue(context.Background(), depthKey{}, maxSubWorkflowDepth)
	_, err := m.CallSubWorkflow(ctx, "wf-c", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindScheduling, types.KindOf(err))
}
