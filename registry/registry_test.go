package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fluxion-engine/fluxion/types"
)

func passthrough(ctx context.Context, ec ExecutionContext) ([]types.Batch, error) {
	return []types.Batch{ec.GetInputData()}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := New(zap.NewNop())
	err := r.Register(&NodeDefinition{
		Type:       "core.noop",
		Capability: CapabilityAction,
		Inputs:     []string{DefaultPort},
		Outputs:    []string{DefaultPort},
		Execute:    passthrough,
	})
	require.NoError(t, err)

	def, ok := r.Get("core.noop")
	require.True(t, ok)
	assert.Equal(t, CapabilityAction, def.Capability)

	_, ok = r.Get("core.missing")
	assert.False(t, ok)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := New(nil)
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&NodeDefinition{Execute: passthrough}))
	assert.Error(t, r.Register(&NodeDefinition{Type: "core.broken"}))
}

func TestRegisterReplaceWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := New(zap.New(core))

	first := &NodeDefinition{Type: "core.noop", Outputs: []string{DefaultPort}, Execute: passthrough}
	second := &NodeDefinition{Type: "core.noop", Outputs: []string{"out"}, Execute: passthrough}

	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	def, _ := r.Get("core.noop")
	assert.Equal(t, []string{"out"}, def.Outputs)
	assert.Equal(t, 1, logs.FilterMessage("replacing existing node definition").Len())
}

func TestResolvePortsDynamic(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(&NodeDefinition{
		Type:    "core.switch",
		Inputs:  []string{DefaultPort},
		Outputs: []string{DefaultPort},
		OutputsFunc: func(params map[string]any) []string {
			n, _ := params["outputCount"].(int)
			if n < 1 {
				n = 1
			}
			out := make([]string, n)
			for i := range out {
				out[i] = fmt.Sprintf("output%d", i)
			}
			return out
		},
		Execute: passthrough,
	}))

	_, outputs, err := r.ResolvePorts("core.switch", map[string]any{"outputCount": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"output0", "output1", "output2"}, outputs)

	_, _, err = r.ResolvePorts("core.unknown", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindScheduling, types.KindOf(err))
}

func TestConcurrentLookup(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(&NodeDefinition{
		Type: "core.noop", Outputs: []string{DefaultPort}, Execute: passthrough,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%8 == 0 {
				_ = r.Register(&NodeDefinition{
					Type: "core.noop", Outputs: []string{DefaultPort}, Execute: passthrough,
				})
			}
			_, _ = r.Get("core.noop")
			_ = r.Types()
		}(i)
	}
	wg.Wait()
}

func TestNormalizeItems(t *testing.T) {
	assert.Empty(t, NormalizeItems(nil))
	assert.Equal(t, types.Batch{{"a": 1}}, NormalizeItems(map[string]any{"a": 1}))
	assert.Equal(t,
		types.Batch{{"a": 1}, {"data": "x"}},
		NormalizeItems([]any{map[string]any{"a": 1}, "x"}),
	)
	assert.Equal(t, types.Batch{{"data": 42}}, NormalizeItems(42))
}
