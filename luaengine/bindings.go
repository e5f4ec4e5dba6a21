package luaengine

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/resp"
)

// registerServerAPI builds the server table (aliased as redis for script
// compatibility) and installs it as a global.
func (e *Engine) registerServerAPI(L *lua.LState, sub engine.Subsystem) {
	srv := L.NewTable()
	L.SetField(srv, "call", L.NewFunction(e.luaCall))
	L.SetField(srv, "pcall", L.NewFunction(e.luaPCall))
	L.SetField(srv, "error_reply", L.NewFunction(luaErrorReplyFn))
	L.SetField(srv, "status_reply", L.NewFunction(luaStatusReplyFn))
	L.SetField(srv, "sha1hex", L.NewFunction(luaSha1Hex))
	L.SetField(srv, "log", L.NewFunction(e.luaLog))

	switch sub {
	case engine.SubsystemEval:
		L.SetField(srv, "breakpoint", L.NewFunction(e.luaBreakpoint))
		L.SetField(srv, "debug", L.NewFunction(e.luaDebug))
	case engine.SubsystemFunction:
		L.SetField(srv, "register_function", L.NewFunction(e.luaRegisterFunction))
	}

	L.SetGlobal("server", srv)
	L.SetGlobal("redis", srv)
}

// luaCall executes a command and raises the error reply as a script error.
func (e *Engine) luaCall(L *lua.LState) int {
	v, err := e.runCommand(L)
	if err != nil {
		tbl := L.NewTable()
		tbl.RawSetString("err", lua.LString(err.Error()))
		L.Error(tbl, 1)
		return 0
	}
	if v.IsError() {
		tbl := L.NewTable()
		tbl.RawSetString("err", lua.LString(v.Str))
		L.Error(tbl, 1)
		return 0
	}
	L.Push(respToLua(L, v))
	return 1
}

// luaPCall executes a command; errors come back as an {err=...} table.
func (e *Engine) luaPCall(L *lua.LState) int {
	v, err := e.runCommand(L)
	if err != nil {
		v = resp.Err(err.Error())
	}
	L.Push(respToLua(L, v))
	return 1
}

// runCommand collects the argument vector from the Lua stack and runs it
// under the engine's caller identity, tracing through the debugger while
// single stepping.
func (e *Engine) runCommand(L *lua.LState) (resp.Value, error) {
	rctx := e.cur
	if rctx == nil {
		return resp.Value{}, fmt.Errorf("server.call can only be called inside a script invocation")
	}
	if rctx.Killed() {
		return resp.Value{}, fmt.Errorf("%s", rctx.KillError())
	}
	argc := L.GetTop()
	if argc == 0 {
		return resp.Value{}, fmt.Errorf("Please specify at least one argument for this call")
	}
	argv := make([][]byte, 0, argc)
	for i := 1; i <= argc; i++ {
		arg := L.Get(i)
		switch arg.Type() {
		case lua.LTString:
			argv = append(argv, []byte(lua.LVAsString(arg)))
		case lua.LTNumber:
			n := float64(arg.(lua.LNumber))
			argv = append(argv, []byte(strconv.FormatFloat(n, 'f', -1, 64)))
		default:
			return resp.Value{}, fmt.Errorf("Command arguments must be strings or integers")
		}
	}
	if e.ldb.TraceEnabled() {
		e.ldb.LogServerCommand(argv)
	}
	v := e.store.Dispatch(rctx.EngineClient(), argv)
	if e.ldb.TraceEnabled() {
		e.ldb.LogServerReply(v)
	}
	return v, nil
}

func luaErrorReplyFn(L *lua.LState) int {
	msg := L.CheckString(1)
	tbl := L.NewTable()
	tbl.RawSetString("err", lua.LString(msg))
	L.Push(tbl)
	return 1
}

func luaStatusReplyFn(L *lua.LState) int {
	msg := L.CheckString(1)
	tbl := L.NewTable()
	tbl.RawSetString("ok", lua.LString(msg))
	L.Push(tbl)
	return 1
}

func luaSha1Hex(L *lua.LState) int {
	s := L.CheckString(1)
	sum := sha1.Sum([]byte(s))
	L.Push(lua.LString(hex.EncodeToString(sum[:])))
	return 1
}

// luaLog forwards script logs to the server log. First argument is the
// level (0..3), the rest are joined.
func (e *Engine) luaLog(L *lua.LState) int {
	level := L.CheckInt(1)
	msg := ""
	for i := 2; i <= L.GetTop(); i++ {
		if i > 2 {
			msg += " "
		}
		msg += lua.LVAsString(L.Get(i))
	}
	if level >= 3 {
		e.log.Warn(msg, "source", "script")
	} else {
		e.log.Info(msg, "source", "script")
	}
	return 0
}

// luaBreakpoint stops execution at the next line when a debugging session
// is active; otherwise it is inert and returns false.
func (e *Engine) luaBreakpoint(L *lua.LState) int {
	if e.ldb.Active() {
		e.ldb.SetBreakpointOnNextLine(true)
		L.Push(lua.LTrue)
	} else {
		L.Push(lua.LFalse)
	}
	return 1
}

// luaDebug logs its arguments to the debugger console; inert without an
// active session.
func (e *Engine) luaDebug(L *lua.LState) int {
	if !e.ldb.Active() {
		return 0
	}
	msg := fmt.Sprintf("<debug> line %d: ", e.ldb.CurrentLine())
	for i := 1; i <= L.GetTop(); i++ {
		if i > 1 {
			msg += ", "
		}
		msg += renderValue(L.Get(i))
	}
	e.ldb.Log(msg)
	return 0
}

// luaToResp converts a script return value into a reply following the
// conventions scripts expect: numbers truncate to integers, false maps to
// null, tables convert as arrays up to the first nil, and tables with an
// ok or err field become status or error replies.
func luaToResp(v lua.LValue) resp.Value {
	switch v.Type() {
	case lua.LTNumber:
		return resp.Int(int64(float64(v.(lua.LNumber))))
	case lua.LTString:
		return resp.BulkString(lua.LVAsString(v))
	case lua.LTBool:
		if lua.LVAsBool(v) {
			return resp.Int(1)
		}
		return resp.Null()
	case lua.LTTable:
		tbl := v.(*lua.LTable)
		if msg := tbl.RawGetString("err"); msg != lua.LNil {
			return resp.Err(lua.LVAsString(msg))
		}
		if msg := tbl.RawGetString("ok"); msg != lua.LNil {
			return resp.Simple(lua.LVAsString(msg))
		}
		var elems []resp.Value
		for i := 1; ; i++ {
			item := tbl.RawGetInt(i)
			if item == lua.LNil {
				break
			}
			elems = append(elems, luaToResp(item))
		}
		return resp.Array(elems...)
	default:
		return resp.Null()
	}
}

// respToLua converts a command reply into the value scripts see.
func respToLua(L *lua.LState, v resp.Value) lua.LValue {
	switch v.Kind {
	case resp.KindInteger:
		return lua.LNumber(v.Int)
	case resp.KindBulk:
		return lua.LString(v.Str)
	case resp.KindSimpleString:
		tbl := L.NewTable()
		tbl.RawSetString("ok", lua.LString(v.Str))
		return tbl
	case resp.KindError:
		tbl := L.NewTable()
		tbl.RawSetString("err", lua.LString(v.Str))
		return tbl
	case resp.KindNull:
		return lua.LFalse
	case resp.KindArray, resp.KindSet:
		tbl := L.NewTable()
		for i, e := range v.Elems {
			tbl.RawSetInt(i+1, respToLua(L, e))
		}
		return tbl
	case resp.KindMap:
		tbl := L.NewTable()
		for i := 0; i+1 < len(v.Elems); i += 2 {
			tbl.RawSet(respToLua(L, v.Elems[i]), respToLua(L, v.Elems[i+1]))
		}
		return tbl
	case resp.KindBool:
		if v.Bool {
			return lua.LTrue
		}
		return lua.LFalse
	case resp.KindDouble:
		return lua.LNumber(v.Float)
	default:
		return lua.LNil
	}
}
