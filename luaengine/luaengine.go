// Package luaengine is the built-in Lua back-end. It keeps two separate
// interpreter states, one for EVAL scripts and one for named-function
// libraries, so that resetting the EVAL environment never disturbs loaded
// library functions. Scripts reach the dataset through the server table
// (server.call and friends) bound to the engine's dedicated caller
// identity.
package luaengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/scriptkv/debugger"
	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/resp"
	"github.com/caffeineduck/scriptkv/store"
)

// EngineName is the name of the built-in default engine.
const EngineName = "LUA"

// luaFunc is the engine-owned payload of a compiled function. The source
// is retained for EVAL scripts so debugging sessions can recompile an
// instrumented variant.
type luaFunc struct {
	owner  *lua.LState
	fn     *lua.LFunction
	source string
}

// Engine implements the contract on top of gopher-lua.
type Engine struct {
	store *store.Store
	ldb   *debugger.LDB
	log   *slog.Logger

	evalState *lua.LState
	funcState *lua.LState

	// cur is the run context of the in-flight call. The core is single
	// threaded so one slot suffices.
	cur *engine.RunContext

	// loading is non-nil only inside a FUNCTION LOAD compile; it is the
	// load context register_function appends to.
	loading *loadCtx

	evalLive map[*engine.CompiledFunction]struct{}
	funcLive map[*engine.CompiledFunction]struct{}
}

// New creates the engine bound to a dataset and the debugger singleton.
func New(st *store.Store, ldb *debugger.LDB) *Engine {
	e := &Engine{
		store:    st,
		ldb:      ldb,
		log:      slog.Default(),
		evalLive: make(map[*engine.CompiledFunction]struct{}),
		funcLive: make(map[*engine.CompiledFunction]struct{}),
	}
	e.evalState = e.newState(engine.SubsystemEval)
	e.funcState = e.newState(engine.SubsystemFunction)
	return e
}

// Register installs the engine as the built-in default.
func Register(mgr *engine.Manager, st *store.Store, ldb *debugger.LDB) error {
	return mgr.Register(EngineName, nil, New(st, ldb))
}

// newState builds an interpreter with the selected standard libraries and
// the server API. The EVAL state additionally carries the debugger
// bindings; the FUNCTION state carries register_function.
func (e *Engine) newState(sub engine.Subsystem) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(pair.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(pair.name)); err != nil {
			panic(fmt.Sprintf("luaengine: open %s: %v", pair.name, err))
		}
	}
	e.registerServerAPI(L, sub)
	return L
}

func (e *Engine) CompileCode(sub engine.Subsystem, code string, timeout time.Duration) ([]*engine.CompiledFunction, error) {
	if sub == engine.SubsystemFunction {
		return e.compileLibrary(code, timeout)
	}

	fn, err := compileChunk(e.evalState, code, "user_script")
	if err != nil {
		return nil, fmt.Errorf("Error compiling script (new function): %s", err)
	}
	cf := &engine.CompiledFunction{
		Handle: &luaFunc{owner: e.evalState, fn: fn, source: code},
	}
	e.evalLive[cf] = struct{}{}
	return []*engine.CompiledFunction{cf}, nil
}

func (e *Engine) FreeFunction(sub engine.Subsystem, fn *engine.CompiledFunction) {
	if sub == engine.SubsystemEval {
		delete(e.evalLive, fn)
	} else {
		delete(e.funcLive, fn)
	}
	fn.Handle = nil
}

func (e *Engine) CallFunction(rctx *engine.RunContext, cf *engine.CompiledFunction, sub engine.Subsystem, keys, args [][]byte) {
	lf, ok := cf.Handle.(*luaFunc)
	if !ok || lf == nil {
		rctx.Caller.Reply(resp.Err("ERR function was freed"))
		return
	}

	L := e.funcState
	fn := lf.fn
	if sub == engine.SubsystemEval {
		L = e.evalState
		if e.ldb.Active() {
			dfn, err := e.compileForDebug(lf.source)
			if err != nil {
				rctx.Caller.Reply(resp.Errf("ERR %s", err))
				return
			}
			fn = dfn
		} else if lf.owner != e.evalState {
			// The eval env was reset since this script was cached;
			// recompile against the fresh state.
			nfn, err := compileChunk(e.evalState, lf.source, "user_script")
			if err != nil {
				rctx.Caller.Reply(resp.Errf("ERR %s", err))
				return
			}
			lf.owner, lf.fn = e.evalState, nfn
			fn = nfn
		}
	}

	e.cur = rctx
	defer func() { e.cur = nil }()

	setArgGlobals(L, keys, args)
	defer clearArgGlobals(L)

	// Library functions receive keys and args as call arguments; EVAL
	// scripts read the KEYS/ARGV globals.
	var callArgs []lua.LValue
	if sub == engine.SubsystemFunction {
		callArgs = []lua.LValue{byteTable(L, keys), byteTable(L, args)}
	}

	// Kill propagation: cancel the interpreter context when the shared
	// execution state flips to KILLED.
	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-rctx.KillCh():
			cancel()
		case <-ctx.Done():
		}
	}()
	L.SetContext(ctx)
	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, callArgs...)
	L.RemoveContext()
	cancel()
	<-watchDone

	if err != nil {
		if rctx.Killed() {
			rctx.Caller.Reply(resp.Err(rctx.KillError()))
			return
		}
		rctx.Caller.Reply(luaErrorReply(err))
		return
	}
	ret := L.Get(-1)
	L.Pop(1)
	rctx.Caller.Reply(luaToResp(ret))
}

func (e *Engine) FunctionMemoryOverhead(fn *engine.CompiledFunction) uint64 {
	var n uint64 = 64
	if lf, ok := fn.Handle.(*luaFunc); ok && lf != nil {
		n += uint64(len(lf.source))
	}
	n += uint64(len(fn.Name)) + uint64(len(fn.Desc))
	return n
}

// ResetEvalEnv replaces the EVAL interpreter with a fresh one before
// returning. With async set, closing the old interpreter is deferred to
// the returned closure.
func (e *Engine) ResetEvalEnv(async bool) engine.LazyEvalReset {
	old := e.evalState
	e.evalState = e.newState(engine.SubsystemEval)
	e.evalLive = make(map[*engine.CompiledFunction]struct{})
	if !async {
		old.Close()
		return nil
	}
	return func() { old.Close() }
}

func (e *Engine) MemoryInfo(sub engine.Subsystem) engine.MemoryInfo {
	var info engine.MemoryInfo
	if sub == engine.SubsystemEval || sub == engine.SubsystemAll {
		for cf := range e.evalLive {
			info.UsedMemory += e.FunctionMemoryOverhead(cf)
		}
	}
	if sub == engine.SubsystemFunction || sub == engine.SubsystemAll {
		for cf := range e.funcLive {
			info.UsedMemory += e.FunctionMemoryOverhead(cf)
		}
	}
	info.EngineMemoryOverhead = 1 << 10
	return info
}

// byteTable builds a 1-based table of strings.
func byteTable(L *lua.LState, items [][]byte) *lua.LTable {
	tbl := L.NewTable()
	for i, item := range items {
		tbl.RawSetInt(i+1, lua.LString(item))
	}
	return tbl
}

// setArgGlobals installs the KEYS and ARGV tables for one call.
func setArgGlobals(L *lua.LState, keys, args [][]byte) {
	L.SetGlobal("KEYS", byteTable(L, keys))
	L.SetGlobal("ARGV", byteTable(L, args))
}

func clearArgGlobals(L *lua.LState) {
	L.SetGlobal("KEYS", lua.LNil)
	L.SetGlobal("ARGV", lua.LNil)
}

// compileChunk parses and compiles source into a function without running
// it.
func compileChunk(L *lua.LState, source, name string) (*lua.LFunction, error) {
	proto, err := parseAndCompile(source, name)
	if err != nil {
		return nil, err
	}
	return L.NewFunctionFromProto(proto), nil
}

// luaErrorReply maps an interpreter error to the client-visible reply.
// Error tables ({err=...}) pass through verbatim; everything else gets the
// ERR prefix with the source position the runtime already attached.
func luaErrorReply(err error) resp.Value {
	if apiErr, ok := err.(*lua.ApiError); ok {
		if tbl, ok := apiErr.Object.(*lua.LTable); ok {
			if msg := tbl.RawGetString("err"); msg != lua.LNil {
				return resp.Err(lua.LVAsString(msg))
			}
		}
		return resp.Errf("ERR %s", lua.LVAsString(apiErr.Object))
	}
	return resp.Errf("ERR %s", err)
}
