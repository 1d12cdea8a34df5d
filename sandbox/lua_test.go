package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxion-engine/fluxion/types"
)

func newTestExecutor() *Executor {
	return NewExecutor(Config{DefaultTimeout: 5 * time.Second}, nil)
}

func TestLuaMap(t *testing.T) {
	e := newTestExecutor()
	src := `
		local out = {}
		for i, item in ipairs(items) do
			out[i] = { value = item.value, doubled = item.value * 2 }
		end
		return out
	`
	out, err := e.RunSandboxed(context.Background(), "lua", src, types.Batch{{"value": 16.0}}, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 16.0, out[0]["value"])
	assert.Equal(t, 32.0, out[0]["doubled"])
}

func TestLuaFilterShrinksOutput(t *testing.T) {
	e := newTestExecutor()
	src := `
		local out = {}
		for _, item in ipairs(items) do
			if item.keep then
				out[#out + 1] = item
			end
		end
		return out
	`
	out, err := e.RunSandboxed(context.Background(), "lua", src,
		types.Batch{{"keep": true, "n": 1.0}, {"keep": false, "n": 2.0}, {"keep": true, "n": 3.0}}, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1.0, out[0]["n"])
	assert.Equal(t, 3.0, out[1]["n"])
}

func TestLuaReduceToSingleItem(t *testing.T) {
	e := newTestExecutor()
	src := `
		local sum = 0
		for _, item in ipairs(items) do
			sum = sum + item.n
		end
		return { { sum = sum } }
	`
	out, err := e.RunSandboxed(context.Background(), "lua", src,
		types.Batch{{"n": 1.0}, {"n": 2.0}, {"n": 3.0}}, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 6.0, out[0]["sum"])
}

func TestLuaInfiniteLoopTimesOut(t *testing.T) {
	e := newTestExecutor()
	start := time.Now()
	_, err := e.RunSandboxed(context.Background(), "lua", `while true do end`, types.Batch{}, 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindTimeout, types.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLuaRestrictedGlobals(t *testing.T) {
	e := newTestExecutor()
	for _, src := range []string{
		`return os.execute("true")`,
		`return io.open("/etc/passwd")`,
		`return require("socket")`,
		`return loadfile("/tmp/x.lua")()`,
	} {
		_, err := e.RunSandboxed(context.Background(), "lua", src, types.Batch{}, 0)
		require.Error(t, err, "expected failure for %q", src)
	}
}

func TestLuaNonTableReturn(t *testing.T) {
	e := newTestExecutor()
	_, err := e.RunSandboxed(context.Background(), "lua", `return 42`, types.Batch{}, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindRuntime, types.KindOf(err))
}

func TestLuaSyntaxError(t *testing.T) {
	e := newTestExecutor()
	_, err := e.RunSandboxed(context.Background(), "lua", `return {`, types.Batch{}, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindValidation, types.KindOf(err))
}

func TestUnsupportedLanguage(t *testing.T) {
	e := newTestExecutor()
	_, err := e.RunSandboxed(context.Background(), "ruby", `puts 1`, types.Batch{}, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindValidation, types.KindOf(err))
}
