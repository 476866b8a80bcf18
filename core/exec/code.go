package exec

import (
	"context"

	lua "github.com/yuin/gopher-lua"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

// supported code languages. Lua is the only sandbox shipped for now.
const languageLua = "lua"

// luaModules maps whitelistable import names to their loaders. Anything
// outside this table is rejected; os and io are deliberately absent.
var luaModules = map[string]lua.LGFunction{
	"string": lua.OpenString,
	"table":  lua.OpenTable,
	"math":   lua.OpenMath,
}

// executeCode runs user source in a Lua sandbox. The resolved inputs appear
// as the global `inputs` table; the script must assign its result to the
// global `output` table. The interpreter honours the attempt context, so
// node timeouts bound runaway scripts.
func executeCode(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.Code == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing code config", cfg.ID)
	}
	if cfg.Code.Language != languageLua {
		return nil, nil, errs.Newf(errs.Validation, "node %s: unsupported language %q", cfg.ID, cfg.Code.Language)
	}

	state := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer state.Close()
	state.SetContext(ctx)

	// Base library only, then the whitelisted imports
	lua.OpenBase(state)
	for _, name := range cfg.Code.Imports {
		loader, ok := luaModules[name]
		if !ok {
			return nil, nil, errs.Newf(errs.Validation, "node %s: import %q not allowed", cfg.ID, name)
		}
		state.Push(state.NewFunction(loader))
		state.Push(lua.LString(name))
		state.Call(1, 0)
	}

	state.SetGlobal("inputs", mapToLua(state, inputs))

	if err := state.DoString(cfg.Code.Source); err != nil {
		if ctx.Err() != nil {
			return nil, nil, errs.Wrap(errs.Timeout, "script interrupted", err)
		}
		return nil, nil, errs.Wrap(errs.Validation, "script failed", err)
	}

	raw := state.GetGlobal("output")
	table, ok := raw.(*lua.LTable)
	if !ok {
		return nil, nil, errs.Newf(errs.Validation, "node %s: script did not set an output table", cfg.ID)
	}

	output, ok := luaToGo(table).(map[string]any)
	if !ok {
		return nil, nil, errs.Newf(errs.Validation, "node %s: output is not a table of named fields", cfg.ID)
	}
	return output, nil, nil
}

func mapToLua(state *lua.LState, m map[string]any) *lua.LTable {
	table := state.NewTable()
	for k, v := range m {
		table.RawSetString(k, goToLua(state, v))
	}
	return table
}

func goToLua(state *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case []any:
		table := state.NewTable()
		for i, e := range t {
			table.RawSetInt(i+1, goToLua(state, e))
		}
		return table
	case map[string]any:
		return mapToLua(state, t)
	default:
		return lua.LString(stringifyValue(t))
	}
}

func luaToGo(v lua.LValue) any {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LString:
		return string(t)
	case lua.LNumber:
		return float64(t)
	case *lua.LTable:
		// A table with consecutive integer keys decodes as a slice
		length := t.Len()
		if length > 0 {
			arr := make([]any, 0, length)
			for i := 1; i <= length; i++ {
				arr = append(arr, luaToGo(t.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		t.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok {
				m[string(ks)] = luaToGo(value)
			}
		})
		return m
	default:
		return t.String()
	}
}
