package luaengine

import (
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/scriptkv/debugger"
	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/resp"
	"github.com/caffeineduck/scriptkv/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st := store.New()
	return New(st, debugger.New()), st
}

func evalScript(t *testing.T, e *Engine, code string, keys, args []string) resp.Value {
	t.Helper()
	fns, err := e.CompileCode(engine.SubsystemEval, code, 0)
	if err != nil {
		t.Fatalf("compile %q: %v", code, err)
	}
	var buf resp.Buffer
	c := store.NewClient("test", &buf)
	rctx := engine.NewRunContext(c)
	rctx.EvalMode = true
	kb := make([][]byte, len(keys))
	for i, k := range keys {
		kb[i] = []byte(k)
	}
	ab := make([][]byte, len(args))
	for i, a := range args {
		ab[i] = []byte(a)
	}
	// Install the engine caller the way the registry wrapper does.
	rctx.SetEngineClient(store.NewScriptClient("lua"))
	e.CallFunction(rctx, fns[0], engine.SubsystemEval, kb, ab)
	vs := buf.Values()
	if len(vs) != 1 {
		t.Fatalf("expected one reply, got %d", len(vs))
	}
	return vs[0]
}

func TestEvalReturnKinds(t *testing.T) {
	e, _ := newTestEngine(t)

	if v := evalScript(t, e, "return 1+1", nil, nil); v.Kind != resp.KindInteger || v.Int != 2 {
		t.Errorf("integer return: %+v", v)
	}
	if v := evalScript(t, e, "return 3.7", nil, nil); v.Int != 3 {
		t.Errorf("numbers must truncate to integers: %+v", v)
	}
	if v := evalScript(t, e, "return 'ok'", nil, nil); v.Kind != resp.KindBulk || v.Str != "ok" {
		t.Errorf("string return: %+v", v)
	}
	if v := evalScript(t, e, "return true", nil, nil); v.Kind != resp.KindInteger || v.Int != 1 {
		t.Errorf("true maps to 1: %+v", v)
	}
	if v := evalScript(t, e, "return false", nil, nil); v.Kind != resp.KindNull {
		t.Errorf("false maps to null: %+v", v)
	}
	if v := evalScript(t, e, "return", nil, nil); v.Kind != resp.KindNull {
		t.Errorf("no return maps to null: %+v", v)
	}
	if v := evalScript(t, e, "return {ok='fine'}", nil, nil); v.Kind != resp.KindSimpleString || v.Str != "fine" {
		t.Errorf("status table: %+v", v)
	}
	if v := evalScript(t, e, "return {err='boom'}", nil, nil); !v.IsError() || v.Str != "boom" {
		t.Errorf("error table: %+v", v)
	}
	v := evalScript(t, e, "return {1,'two',3,nil,5}", nil, nil)
	if v.Kind != resp.KindArray || len(v.Elems) != 3 {
		t.Errorf("array conversion must stop at the first nil: %+v", v)
	}
}

func TestKeysArgvGlobals(t *testing.T) {
	e, _ := newTestEngine(t)
	v := evalScript(t, e, "return {KEYS[1], KEYS[2], ARGV[1]}", []string{"k1", "k2"}, []string{"a1"})
	if len(v.Elems) != 3 || v.Elems[0].Str != "k1" || v.Elems[2].Str != "a1" {
		t.Fatalf("KEYS/ARGV: %+v", v)
	}
}

func TestServerCall(t *testing.T) {
	e, st := newTestEngine(t)
	v := evalScript(t, e, "server.call('set', KEYS[1], ARGV[1]); return server.call('get', KEYS[1])",
		[]string{"k"}, []string{"v"})
	if v.Str != "v" {
		t.Fatalf("server.call round trip: %+v", v)
	}
	got := st.Dispatch(nil, [][]byte{[]byte("get"), []byte("k")})
	if got.Str != "v" {
		t.Fatalf("script write did not reach the store: %+v", got)
	}
}

func TestRedisAlias(t *testing.T) {
	e, _ := newTestEngine(t)
	v := evalScript(t, e, "redis.call('set','x','1'); return redis.call('get','x')", nil, nil)
	if v.Str != "1" {
		t.Fatalf("redis alias: %+v", v)
	}
}

func TestServerCallErrorRaises(t *testing.T) {
	e, _ := newTestEngine(t)
	v := evalScript(t, e, "return server.call('nosuch')", nil, nil)
	if !v.IsError() || !strings.Contains(v.Str, "unknown command") {
		t.Fatalf("server.call error must propagate: %+v", v)
	}
}

func TestServerPCallReturnsErrorTable(t *testing.T) {
	e, _ := newTestEngine(t)
	v := evalScript(t, e, "local r = server.pcall('nosuch'); return r.err ~= nil", nil, nil)
	if v.Int != 1 {
		t.Fatalf("pcall must return an error table: %+v", v)
	}
}

func TestRuntimeErrorIncludesPosition(t *testing.T) {
	e, _ := newTestEngine(t)
	v := evalScript(t, e, "local x = nil\nreturn x.y", nil, nil)
	if !v.IsError() || !strings.Contains(v.Str, "user_script") {
		t.Fatalf("runtime errors must carry source information: %+v", v)
	}
}

func TestSha1HexBinding(t *testing.T) {
	e, _ := newTestEngine(t)
	v := evalScript(t, e, "return server.sha1hex('')", nil, nil)
	if v.Str != "da39a3ee5e6b4b0d3255bfef95601890afd80709" {
		t.Fatalf("sha1hex: %+v", v)
	}
}

func TestStatusAndErrorReplyHelpers(t *testing.T) {
	e, _ := newTestEngine(t)
	if v := evalScript(t, e, "return server.status_reply('GOOD')", nil, nil); v.Kind != resp.KindSimpleString || v.Str != "GOOD" {
		t.Fatalf("status_reply: %+v", v)
	}
	if v := evalScript(t, e, "return server.error_reply('MY bad')", nil, nil); !v.IsError() || v.Str != "MY bad" {
		t.Fatalf("error_reply: %+v", v)
	}
}

func TestBreakpointInertWithoutDebugger(t *testing.T) {
	e, _ := newTestEngine(t)
	v := evalScript(t, e, "return server.breakpoint()", nil, nil)
	if v.Kind != resp.KindNull {
		t.Fatalf("inactive server.breakpoint must return false: %+v", v)
	}
	// server.debug is a no-op without a session.
	if v := evalScript(t, e, "server.debug('x'); return 1", nil, nil); v.Int != 1 {
		t.Fatalf("inactive server.debug must be inert: %+v", v)
	}
}

func TestCompileError(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CompileCode(engine.SubsystemEval, "this is not lua", 0)
	if err == nil || !strings.Contains(err.Error(), "Error compiling script") {
		t.Fatalf("expected compile error, got %v", err)
	}
}

func TestKillLongRunningScript(t *testing.T) {
	e, _ := newTestEngine(t)
	fns, err := e.CompileCode(engine.SubsystemEval, "while true do end", 0)
	if err != nil {
		t.Fatal(err)
	}
	var buf resp.Buffer
	c := store.NewClient("test", &buf)
	rctx := engine.NewRunContext(c)
	rctx.EvalMode = true

	done := make(chan struct{})
	go func() {
		e.CallFunction(rctx, fns[0], engine.SubsystemEval, nil, nil)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	rctx.Kill()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("killed script did not stop")
	}
	vs := buf.Values()
	if len(vs) != 1 || !strings.Contains(vs[0].Str, "SCRIPT KILL") {
		t.Fatalf("expected kill error, got %+v", vs)
	}
}

func TestResetEvalEnv(t *testing.T) {
	e, _ := newTestEngine(t)
	fns, err := e.CompileCode(engine.SubsystemEval, "return 5", 0)
	if err != nil {
		t.Fatal(err)
	}
	if info := e.MemoryInfo(engine.SubsystemEval); info.UsedMemory == 0 {
		t.Fatal("compiled script must account memory")
	}

	reset := e.ResetEvalEnv(true)
	if reset == nil {
		t.Fatal("async reset must return a deferred closure")
	}
	if info := e.MemoryInfo(engine.SubsystemEval); info.UsedMemory != 0 {
		t.Fatalf("EVAL used memory must be zero after reset, got %d", info.UsedMemory)
	}
	reset()

	// The fresh environment accepts calls immediately: the cached script
	// recompiles against the new state.
	var buf resp.Buffer
	c := store.NewClient("test", &buf)
	rctx := engine.NewRunContext(c)
	e.CallFunction(rctx, fns[0], engine.SubsystemEval, nil, nil)
	if vs := buf.Values(); len(vs) != 1 || vs[0].Int != 5 {
		t.Fatalf("script must run after env reset: %+v", vs)
	}
}

func TestFunctionStateSeparateFromEval(t *testing.T) {
	e, _ := newTestEngine(t)
	lib := `server.register_function('myfunc', function(keys, args) return 7 end)`
	fns, err := e.CompileCode(engine.SubsystemFunction, lib, time.Second)
	if err != nil {
		t.Fatalf("library load: %v", err)
	}
	if len(fns) != 1 || fns[0].Name != "myfunc" {
		t.Fatalf("registered functions: %+v", fns)
	}

	// Resetting EVAL must not disturb the loaded library.
	e.ResetEvalEnv(false)
	var buf resp.Buffer
	c := store.NewClient("test", &buf)
	rctx := engine.NewRunContext(c)
	e.CallFunction(rctx, fns[0], engine.SubsystemFunction, nil, nil)
	if vs := buf.Values(); len(vs) != 1 || vs[0].Int != 7 {
		t.Fatalf("library function lost after EVAL reset: %+v", vs)
	}
}

func TestRegisterFunctionNamedForm(t *testing.T) {
	e, _ := newTestEngine(t)
	lib := `server.register_function{
		function_name='withmeta',
		callback=function(keys, args) return 1 end,
		description='a function',
		flags={'no-writes'},
	}`
	fns, err := e.CompileCode(engine.SubsystemFunction, lib, time.Second)
	if err != nil {
		t.Fatalf("named registration: %v", err)
	}
	fn := fns[0]
	if fn.Name != "withmeta" || fn.Desc != "a function" {
		t.Fatalf("metadata lost: %+v", fn)
	}
	if fn.Flags&engine.FlagNoWrites == 0 {
		t.Errorf("flags lost: %v", fn.Flags)
	}
}

func TestRegisterFunctionValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	cases := []struct {
		lib  string
		want string
	}{
		{`server.register_function{callback=function() end}`, "function name"},
		{`server.register_function{function_name='f'}`, "callback"},
		{`server.register_function{function_name='f', callback=function() end, flags={'bogus'}}`, "unknown flag"},
		{`server.register_function{function_name='f', callback=function() end, whatever=1}`, "unknown argument"},
		{`return 1`, "No functions registered"},
	}
	for _, tc := range cases {
		_, err := e.CompileCode(engine.SubsystemFunction, tc.lib, time.Second)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("library %q: expected %q error, got %v", tc.lib, tc.want, err)
		}
	}
}

func TestRegisterFunctionOutsideLoad(t *testing.T) {
	e, _ := newTestEngine(t)
	// register_function only exists in the FUNCTION state; from EVAL the
	// binding is absent entirely.
	v := evalScript(t, e, "return server.register_function ~= nil", nil, nil)
	if v.Kind != resp.KindNull {
		t.Fatalf("register_function must not leak into the EVAL state: %+v", v)
	}
}

func TestFunctionLoadTimeout(t *testing.T) {
	e, _ := newTestEngine(t)
	start := time.Now()
	_, err := e.CompileCode(engine.SubsystemFunction, "while true do end", 200*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "FUNCTION LOAD timeout") {
		t.Fatalf("expected load timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	if e.MemoryInfo(engine.SubsystemFunction).UsedMemory != 0 {
		t.Error("timed-out load must register no functions")
	}
}

func TestInstrumentInjectsLineHooks(t *testing.T) {
	src := "local a = 1\nlocal b = 2\nif a < b then\n  a = b\nend\nreturn a"
	proto, err := instrument(src, "user_script")
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	e, _ := newTestEngine(t)
	L := e.evalState
	var lines []int
	L.SetGlobal(hookGlobal, L.NewFunction(func(l *lua.LState) int {
		lines = append(lines, l.CheckInt(1))
		return 0
	}))
	fn := L.NewFunctionFromProto(proto)
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		t.Fatalf("instrumented chunk failed: %v", err)
	}
	want := []int{1, 2, 3, 4, 6}
	if len(lines) != len(want) {
		t.Fatalf("hook lines %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("hook lines %v, want %v", lines, want)
		}
	}
}
