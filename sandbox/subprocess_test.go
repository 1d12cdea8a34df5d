package sandbox

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxion-engine/fluxion/types"
)

func requireNode(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node interpreter not available")
	}
}

func TestJavaScriptMap(t *testing.T) {
	requireNode(t)
	e := newTestExecutor()

	out, err := e.RunSandboxed(context.Background(), "javascript",
		`return items.map(i => ({...i, doubled: i.value * 2}))`,
		types.Batch{{"value": 16.0}}, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 16.0, out[0]["value"])
	assert.Equal(t, 32.0, out[0]["doubled"])
}

func TestJavaScriptThrownError(t *testing.T) {
	requireNode(t)
	e := newTestExecutor()

	_, err := e.RunSandboxed(context.Background(), "javascript",
		`throw new Error("boom")`, types.Batch{}, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindRuntime, types.KindOf(err))
}

func TestJavaScriptNonArrayReturn(t *testing.T) {
	requireNode(t)
	e := newTestExecutor()

	_, err := e.RunSandboxed(context.Background(), "javascript",
		`return {not: "an array"}`, types.Batch{}, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindRuntime, types.KindOf(err))
}

func TestJavaScriptInfiniteLoopTimesOut(t *testing.T) {
	requireNode(t)
	e := newTestExecutor()

	start := time.Now()
	_, err := e.RunSandboxed(context.Background(), "javascript",
		`while (true) {}`, types.Batch{}, 500*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindTimeout, types.KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestDecodeSubprocessOutputContract(t *testing.T) {
	out, err := decodeSubprocessOutput([]byte(`{"items":[{"a":1}]}`))
	require.NoError(t, err)
	require.Len(t, out, 1)

	_, err = decodeSubprocessOutput([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, types.ErrKindRuntime, types.KindOf(err))

	// A second JSON document after the payload violates the single-part
	// contract even though each part parses on its own.
	_, err = decodeSubprocessOutput([]byte(`{"items":[]}{"items":[]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multi-part")
}

func TestMissingInterpreterBinary(t *testing.T) {
	e := NewExecutor(Config{NodePath: "definitely-not-a-real-interpreter"}, nil)
	_, err := e.RunSandboxed(context.Background(), "javascript", `return items`, types.Batch{}, time.Second)
	require.Error(t, err)
}
