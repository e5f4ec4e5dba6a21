package luaengine

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/scriptkv/engine"
)

// DefaultLoadTimeout bounds how long library top-level code may run while
// registering its functions.
const DefaultLoadTimeout = 500 * time.Millisecond

// loadCtx collects the functions registered during one FUNCTION LOAD.
type loadCtx struct {
	fns []*engine.CompiledFunction
}

// compileLibrary runs the library's top-level code under the load budget.
// The only permitted side effect is server.register_function; at least one
// registration must happen or the load fails.
func (e *Engine) compileLibrary(code string, timeout time.Duration) ([]*engine.CompiledFunction, error) {
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	L := e.funcState

	fn, err := compileChunk(L, code, "user_function")
	if err != nil {
		return nil, fmt.Errorf("Error compiling function: %s", err)
	}

	load := &loadCtx{}
	e.loading = load
	defer func() { e.loading = nil }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	L.SetContext(ctx)
	err = L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
	L.RemoveContext()

	if err != nil {
		// Roll back whatever registered before the failure.
		for _, cf := range load.fns {
			cf.Handle = nil
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("FUNCTION LOAD timeout")
		}
		return nil, fmt.Errorf("Error registering functions: %s", luaErrorMessage(err))
	}
	if len(load.fns) == 0 {
		return nil, fmt.Errorf("No functions registered")
	}
	for _, cf := range load.fns {
		e.funcLive[cf] = struct{}{}
	}
	return load.fns, nil
}

// luaRegisterFunction implements server.register_function. It accepts the
// positional form (name, callback) and the named form (a single table with
// function_name, callback, optional description and flags).
func (e *Engine) luaRegisterFunction(L *lua.LState) int {
	if e.loading == nil {
		L.RaiseError("server.register_function can only be called on FUNCTION LOAD command")
		return 0
	}

	argc := L.GetTop()
	var cf *engine.CompiledFunction
	switch argc {
	case 1:
		tbl, ok := L.Get(1).(*lua.LTable)
		if !ok {
			L.RaiseError("calling server.register_function with a single argument is only applicable to a table (representing named arguments)")
			return 0
		}
		parsed, errMsg := parseNamedRegisterArgs(tbl)
		if errMsg != "" {
			L.RaiseError("%s", errMsg)
			return 0
		}
		cf = parsed
	case 2:
		name, ok := L.Get(1).(lua.LString)
		if !ok {
			L.RaiseError("first argument to server.register_function must be a string")
			return 0
		}
		fn, ok := L.Get(2).(*lua.LFunction)
		if !ok {
			L.RaiseError("second argument to server.register_function must be a function")
			return 0
		}
		cf = &engine.CompiledFunction{
			Name:   string(name),
			Handle: &luaFunc{owner: e.funcState, fn: fn},
		}
	default:
		L.RaiseError("wrong number of arguments to server.register_function")
		return 0
	}

	e.loading.fns = append(e.loading.fns, cf)
	return 0
}

// parseNamedRegisterArgs reads the named-argument table. Returns the
// compiled function or an error message.
func parseNamedRegisterArgs(tbl *lua.LTable) (*engine.CompiledFunction, string) {
	cf := &engine.CompiledFunction{}
	var fn *lua.LFunction
	errMsg := ""
	tbl.ForEach(func(k, v lua.LValue) {
		if errMsg != "" {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			errMsg = "named argument key given to server.register_function is not a string"
			return
		}
		switch string(key) {
		case "function_name":
			s, ok := v.(lua.LString)
			if !ok {
				errMsg = "function_name argument given to server.register_function must be a string"
				return
			}
			cf.Name = string(s)
		case "description":
			s, ok := v.(lua.LString)
			if !ok {
				errMsg = "description argument given to server.register_function must be a string"
				return
			}
			cf.Desc = string(s)
		case "callback":
			f, ok := v.(*lua.LFunction)
			if !ok {
				errMsg = "callback argument given to server.register_function must be a function"
				return
			}
			fn = f
		case "flags":
			ft, ok := v.(*lua.LTable)
			if !ok {
				errMsg = "flags argument to server.register_function must be a table representing function flags"
				return
			}
			for i := 1; ; i++ {
				item := ft.RawGetInt(i)
				if item == lua.LNil {
					break
				}
				s, ok := item.(lua.LString)
				if !ok {
					errMsg = "unknown flag given"
					return
				}
				flag, ok := engine.ParseFlagName(string(s))
				if !ok {
					errMsg = "unknown flag given"
					return
				}
				cf.Flags |= flag
			}
		default:
			errMsg = "unknown argument given to server.register_function"
			return
		}
	})
	if errMsg != "" {
		return nil, errMsg
	}
	if cf.Name == "" {
		return nil, "server.register_function must get a function name argument"
	}
	if fn == nil {
		return nil, "server.register_function must get a callback argument"
	}
	cf.Handle = &luaFunc{fn: fn}
	return cf, ""
}

// luaErrorMessage extracts the message of an interpreter error.
func luaErrorMessage(err error) string {
	if apiErr, ok := err.(*lua.ApiError); ok {
		if tbl, ok := apiErr.Object.(*lua.LTable); ok {
			if msg := tbl.RawGetString("err"); msg != lua.LNil {
				return lua.LVAsString(msg)
			}
		}
		return lua.LVAsString(apiErr.Object)
	}
	return err.Error()
}
