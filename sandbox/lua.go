package sandbox

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/types"
)

// luaStrategy executes user code inside an in-process gopher-lua state.
// The state opens only the base, table, string, and math libraries; file,
// process, and network access never enter the global surface. The user
// source sees the input batch as the "items" global and returns a table
// of items.
type luaStrategy struct {
	logger *zap.Logger
}

func (s *luaStrategy) run(ctx context.Context, source string, items types.Batch) (types.Batch, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return nil, types.NewError(types.ErrKindRuntime, "initializing lua state failed").WithCause(err)
		}
	}

	// Base still exposes filesystem-reaching loaders; remove them.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "print"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("items", batchToLua(L, items))

	fn, err := L.LoadString(source)
	if err != nil {
		return nil, types.NewError(types.ErrKindValidation, "lua source does not compile").WithCause(err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrKindTimeout, "lua execution interrupted").WithCause(err)
		}
		return nil, types.NewError(types.ErrKindRuntime, "lua execution failed").WithCause(err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return luaToBatch(ret)
}

func batchToLua(L *lua.LState, items types.Batch) *lua.LTable {
	tbl := L.NewTable()
	for _, item := range items {
		tbl.Append(goToLua(L, map[string]any(item)))
	}
	return tbl
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case map[string]any:
		tbl := L.NewTable()
		for k, el := range val {
			tbl.RawSetString(k, goToLua(L, el))
		}
		return tbl
	case types.Item:
		return goToLua(L, map[string]any(val))
	case []any:
		tbl := L.NewTable()
		for _, el := range val {
			tbl.Append(goToLua(L, el))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func luaToBatch(v lua.LValue) (types.Batch, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		if v == lua.LNil {
			return types.Batch{}, nil
		}
		return nil, types.Errorf(types.ErrKindRuntime, "lua code must return a table of items, got %s", v.Type())
	}

	out := make(types.Batch, 0, tbl.Len())
	var convErr error
	tbl.ForEach(func(_, el lua.LValue) {
		if convErr != nil {
			return
		}
		item, ok := luaToGo(el).(map[string]any)
		if !ok {
			convErr = types.NewError(types.ErrKindRuntime, "lua result entries must be tables")
			return
		}
		out = append(out, types.Item(item))
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		// A table with sequential keys becomes a slice, otherwise a map.
		if val.Len() > 0 {
			out := make([]any, 0, val.Len())
			for i := 1; i <= val.Len(); i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, el lua.LValue) {
			out[k.String()] = luaToGo(el)
		})
		return out
	default:
		return v.String()
	}
}
