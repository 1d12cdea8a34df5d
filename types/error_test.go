package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrKindTimeout, "sandbox exceeded 30s")
	assert.Equal(t, "[TIMEOUT] sandbox exceeded 30s", err.Error())

	cause := errors.New("context deadline exceeded")
	err = err.WithCause(cause)
	assert.Contains(t, err.Error(), "context deadline exceeded")
	assert.True(t, errors.Is(err, cause))
}

func TestErrorKindOf(t *testing.T) {
	err := Errorf(ErrKindScheduling, "unknown node type %q", "core.bogus")
	assert.Equal(t, ErrKindScheduling, KindOf(err))

	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.Equal(t, ErrKindScheduling, KindOf(wrapped))

	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestErrorRetryable(t *testing.T) {
	err := NewError(ErrKindNetwork, "upstream unavailable").WithRetryAfter(5 * time.Second)
	require.True(t, IsRetryable(err))
	assert.Equal(t, 5*time.Second, err.RetryAfter)

	assert.False(t, IsRetryable(NewError(ErrKindValidation, "bad parameter")))
}

func TestErrorItemShape(t *testing.T) {
	it := ErrorItem("boom")
	assert.Equal(t, true, it["error"])
	assert.Equal(t, "boom", it["message"])
}

func TestWorkflowLookups(t *testing.T) {
	wf := &Workflow{
		ID: "wf1",
		Nodes: []WorkflowNode{
			{ID: "a", Name: "Start"},
			{ID: "b", Name: "End"},
		},
	}
	require.NotNil(t, wf.NodeByID("b"))
	assert.Equal(t, "End", wf.NodeByID("b").Name)
	require.NotNil(t, wf.NodeByName("Start"))
	assert.Equal(t, "a", wf.NodeByName("Start").ID)
	assert.Nil(t, wf.NodeByID("missing"))
}
