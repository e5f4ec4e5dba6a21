// Package jsengine is a JavaScript back-end built on goja, registered as a
// second full interpreter behind the engine contract. EVAL scripts run as
// a function body with KEYS/ARGV in scope; libraries register named
// functions through server.register_function the same way the Lua engine
// does. Cancellation maps to goja's Interrupt.
package jsengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/resp"
	"github.com/caffeineduck/scriptkv/store"
)

// EngineName is the name the back-end registers under.
const EngineName = "JS"

// DefaultLoadTimeout bounds library top-level execution.
const DefaultLoadTimeout = 500 * time.Millisecond

type jsFunc struct {
	prog     *goja.Program // EVAL scripts
	callback goja.Callable // library functions
	source   string
}

// Engine implements the contract. Like the Lua back-end it keeps two
// runtimes so an EVAL reset never disturbs loaded libraries.
type Engine struct {
	store *store.Store

	evalVM *goja.Runtime
	funcVM *goja.Runtime

	cur     *engine.RunContext
	loading *loadCtx

	evalLive map[*engine.CompiledFunction]struct{}
	funcLive map[*engine.CompiledFunction]struct{}
}

type loadCtx struct {
	fns []*engine.CompiledFunction
}

func New(st *store.Store) *Engine {
	e := &Engine{
		store:    st,
		evalLive: make(map[*engine.CompiledFunction]struct{}),
		funcLive: make(map[*engine.CompiledFunction]struct{}),
	}
	e.evalVM = e.newRuntime(engine.SubsystemEval)
	e.funcVM = e.newRuntime(engine.SubsystemFunction)
	return e
}

// Register installs the engine as a built-in.
func Register(mgr *engine.Manager, st *store.Store) error {
	return mgr.Register(EngineName, nil, New(st))
}

func (e *Engine) newRuntime(sub engine.Subsystem) *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	srv := vm.NewObject()
	_ = srv.Set("call", func(call goja.FunctionCall) goja.Value {
		v, err := e.runCommand(call)
		if err != nil {
			panic(vm.ToValue(map[string]any{"err": err.Error()}))
		}
		if v.IsError() {
			panic(vm.ToValue(map[string]any{"err": v.Str}))
		}
		return respToJS(vm, v)
	})
	_ = srv.Set("pcall", func(call goja.FunctionCall) goja.Value {
		v, err := e.runCommand(call)
		if err != nil {
			v = resp.Err(err.Error())
		}
		return respToJS(vm, v)
	})
	_ = srv.Set("error_reply", func(msg string) map[string]any {
		return map[string]any{"err": msg}
	})
	_ = srv.Set("status_reply", func(msg string) map[string]any {
		return map[string]any{"ok": msg}
	})
	if sub == engine.SubsystemFunction {
		_ = srv.Set("register_function", e.registerFunction(vm))
	}
	_ = vm.GlobalObject().Set("server", srv)
	_ = vm.GlobalObject().Set("redis", srv)
	return vm
}

func (e *Engine) runCommand(call goja.FunctionCall) (resp.Value, error) {
	rctx := e.cur
	if rctx == nil {
		return resp.Value{}, errors.New("server.call can only be called inside a script invocation")
	}
	if rctx.Killed() {
		return resp.Value{}, errors.New(rctx.KillError())
	}
	if len(call.Arguments) == 0 {
		return resp.Value{}, errors.New("Please specify at least one argument for this call")
	}
	argv := make([][]byte, len(call.Arguments))
	for i, a := range call.Arguments {
		argv[i] = []byte(a.String())
	}
	return e.store.Dispatch(rctx.EngineClient(), argv), nil
}

func (e *Engine) CompileCode(sub engine.Subsystem, code string, timeout time.Duration) ([]*engine.CompiledFunction, error) {
	if sub == engine.SubsystemFunction {
		return e.compileLibrary(code, timeout)
	}
	prog, err := goja.Compile("user_script", "(function(){\n"+code+"\n})", false)
	if err != nil {
		return nil, fmt.Errorf("Error compiling script (new function): %s", err)
	}
	cf := &engine.CompiledFunction{Handle: &jsFunc{prog: prog, source: code}}
	e.evalLive[cf] = struct{}{}
	return []*engine.CompiledFunction{cf}, nil
}

func (e *Engine) compileLibrary(code string, timeout time.Duration) ([]*engine.CompiledFunction, error) {
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	prog, err := goja.Compile("user_function", code, false)
	if err != nil {
		return nil, fmt.Errorf("Error compiling function: %s", err)
	}

	load := &loadCtx{}
	e.loading = load
	defer func() { e.loading = nil }()

	timer := time.AfterFunc(timeout, func() {
		e.funcVM.Interrupt("FUNCTION LOAD timeout")
	})
	_, err = e.funcVM.RunProgram(prog)
	timer.Stop()
	e.funcVM.ClearInterrupt()

	if err != nil {
		for _, cf := range load.fns {
			cf.Handle = nil
		}
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, errors.New("FUNCTION LOAD timeout")
		}
		return nil, fmt.Errorf("Error registering functions: %s", jsErrorMessage(err))
	}
	if len(load.fns) == 0 {
		return nil, errors.New("No functions registered")
	}
	for _, cf := range load.fns {
		e.funcLive[cf] = struct{}{}
	}
	return load.fns, nil
}

// registerFunction implements server.register_function for the library
// runtime: either (name, callback) or a single {function_name, callback,
// description, flags} object.
func (e *Engine) registerFunction(vm *goja.Runtime) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if e.loading == nil {
			panic(vm.ToValue("server.register_function can only be called on FUNCTION LOAD command"))
		}
		cf := &engine.CompiledFunction{}
		var callback goja.Value
		switch len(call.Arguments) {
		case 1:
			obj := call.Arguments[0].ToObject(vm)
			if obj == nil {
				panic(vm.ToValue("calling server.register_function with a single argument requires an object"))
			}
			if v := obj.Get("function_name"); v != nil && !goja.IsUndefined(v) {
				cf.Name = v.String()
			}
			if v := obj.Get("description"); v != nil && !goja.IsUndefined(v) {
				cf.Desc = v.String()
			}
			if v := obj.Get("flags"); v != nil && !goja.IsUndefined(v) {
				if names, ok := v.Export().([]any); ok {
					for _, n := range names {
						name, _ := n.(string)
						flag, ok := engine.ParseFlagName(name)
						if !ok {
							panic(vm.ToValue("unknown flag given"))
						}
						cf.Flags |= flag
					}
				}
			}
			callback = obj.Get("callback")
		case 2:
			cf.Name = call.Arguments[0].String()
			callback = call.Arguments[1]
		default:
			panic(vm.ToValue("wrong number of arguments to server.register_function"))
		}
		if cf.Name == "" {
			panic(vm.ToValue("server.register_function must get a function name argument"))
		}
		fn, ok := goja.AssertFunction(callback)
		if !ok {
			panic(vm.ToValue("server.register_function must get a callback argument"))
		}
		cf.Handle = &jsFunc{callback: fn}
		e.loading.fns = append(e.loading.fns, cf)
		return goja.Undefined()
	}
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
	jf, ok := cf.Handle.(*jsFunc)
	if !ok || jf == nil {
		rctx.Caller.Reply(resp.Err("ERR function was freed"))
		return
	}
	vm := e.funcVM
	if sub == engine.SubsystemEval {
		vm = e.evalVM
	}

	e.cur = rctx
	defer func() { e.cur = nil }()

	stop := make(chan struct{})
	go func() {
		select {
		case <-rctx.KillCh():
			vm.Interrupt(rctx.KillError())
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		vm.ClearInterrupt()
	}()

	keysArr := make([]any, len(keys))
	for i, k := range keys {
		keysArr[i] = string(k)
	}
	argsArr := make([]any, len(args))
	for i, a := range args {
		argsArr[i] = string(a)
	}
	_ = vm.GlobalObject().Set("KEYS", keysArr)
	_ = vm.GlobalObject().Set("ARGV", argsArr)

	var ret goja.Value
	var err error
	if sub == engine.SubsystemEval {
		var wrapper goja.Value
		wrapper, err = vm.RunProgram(jf.prog)
		if err == nil {
			if fn, ok := goja.AssertFunction(wrapper); ok {
				ret, err = fn(goja.Undefined())
			} else {
				err = errors.New("script did not compile to a function")
			}
		}
	} else {
		ret, err = jf.callback(goja.Undefined(), vm.ToValue(keysArr), vm.ToValue(argsArr))
	}

	if err != nil {
		if rctx.Killed() {
			rctx.Caller.Reply(resp.Err(rctx.KillError()))
			return
		}
		rctx.Caller.Reply(resp.Errf("ERR %s", jsErrorMessage(err)))
		return
	}
	rctx.Caller.Reply(jsToResp(ret))
}

func (e *Engine) FunctionMemoryOverhead(fn *engine.CompiledFunction) uint64 {
	var n uint64 = 64
	if jf, ok := fn.Handle.(*jsFunc); ok && jf != nil {
		n += uint64(len(jf.source))
	}
	return n + uint64(len(fn.Name)) + uint64(len(fn.Desc))
}

func (e *Engine) ResetEvalEnv(async bool) engine.LazyEvalReset {
	old := e.evalVM
	e.evalVM = e.newRuntime(engine.SubsystemEval)
	e.evalLive = make(map[*engine.CompiledFunction]struct{})
	if !async {
		_ = old // goja runtimes are garbage collected
		return nil
	}
	return func() { _ = old }
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

func jsErrorMessage(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.String()
	}
	return err.Error()
}

// jsToResp converts a script return value into a reply, mirroring the Lua
// conventions: numbers truncate, false and null map to null, arrays
// convert element-wise, objects with err/ok become error/status replies.
func jsToResp(v goja.Value) resp.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return resp.Null()
	}
	switch exported := v.Export().(type) {
	case int64:
		return resp.Int(exported)
	case float64:
		return resp.Int(int64(exported))
	case string:
		return resp.BulkString(exported)
	case bool:
		if exported {
			return resp.Int(1)
		}
		return resp.Null()
	case []any:
		elems := make([]resp.Value, 0, len(exported))
		for _, item := range exported {
			elems = append(elems, anyToResp(item))
		}
		return resp.Array(elems...)
	case map[string]any:
		if msg, ok := exported["err"].(string); ok {
			return resp.Err(msg)
		}
		if msg, ok := exported["ok"].(string); ok {
			return resp.Simple(msg)
		}
		return resp.Null()
	default:
		return resp.Null()
	}
}

func anyToResp(v any) resp.Value {
	switch x := v.(type) {
	case int64:
		return resp.Int(x)
	case float64:
		return resp.Int(int64(x))
	case string:
		return resp.BulkString(x)
	case bool:
		if x {
			return resp.Int(1)
		}
		return resp.Null()
	case []any:
		elems := make([]resp.Value, 0, len(x))
		for _, item := range x {
			elems = append(elems, anyToResp(item))
		}
		return resp.Array(elems...)
	case map[string]any:
		if msg, ok := x["err"].(string); ok {
			return resp.Err(msg)
		}
		if msg, ok := x["ok"].(string); ok {
			return resp.Simple(msg)
		}
		return resp.Null()
	default:
		return resp.Null()
	}
}

// respToJS converts a command reply into the value scripts see.
func respToJS(vm *goja.Runtime, v resp.Value) goja.Value {
	switch v.Kind {
	case resp.KindInteger:
		return vm.ToValue(v.Int)
	case resp.KindBulk:
		return vm.ToValue(v.Str)
	case resp.KindSimpleString:
		return vm.ToValue(map[string]any{"ok": v.Str})
	case resp.KindError:
		return vm.ToValue(map[string]any{"err": v.Str})
	case resp.KindNull:
		return vm.ToValue(false)
	case resp.KindArray, resp.KindSet:
		elems := make([]any, len(v.Elems))
		for i, e := range v.Elems {
			elems[i] = respToJS(vm, e).Export()
		}
		return vm.ToValue(elems)
	case resp.KindMap:
		m := make(map[string]any, len(v.Elems)/2)
		for i := 0; i+1 < len(v.Elems); i += 2 {
			m[v.Elems[i].Str] = respToJS(vm, v.Elems[i+1]).Export()
		}
		return vm.ToValue(m)
	case resp.KindBool:
		return vm.ToValue(v.Bool)
	case resp.KindDouble:
		return vm.ToValue(v.Float)
	default:
		return goja.Null()
	}
}
