package luaengine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/scriptkv/debugger"
)

// maxValueDepth bounds recursion while rendering nested tables.
const maxValueDepth = 10

// compileForDebug builds the instrumented variant of a script and installs
// the line hook in the EVAL state for the session's duration.
func (e *Engine) compileForDebug(source string) (*lua.LFunction, error) {
	proto, err := instrument(source, "user_script")
	if err != nil {
		return nil, fmt.Errorf("Error compiling script (new function): %s", err)
	}
	e.evalState.SetGlobal(hookGlobal, e.evalState.NewFunction(e.luaLineHook))
	return e.evalState.NewFunctionFromProto(proto), nil
}

// luaLineHook is invoked by instrumented chunks before each executable
// line. Prompt-requested aborts and protocol failures surface as script
// errors.
func (e *Engine) luaLineHook(L *lua.LState) int {
	line := L.CheckInt(1)
	t := &debugTarget{e: e, L: L}
	if err := e.ldb.OnLine(t, line); err != nil {
		switch {
		case errors.Is(err, debugger.ErrAbort):
			L.RaiseError("script aborted for user request")
		case errors.Is(err, debugger.ErrBufferLimit):
			L.RaiseError("max client buffer reached")
		default:
			L.RaiseError("protocol error")
		}
	}
	return 0
}

// debugTarget is the prompt's window into the stopped script frame.
type debugTarget struct {
	e *Engine
	L *lua.LState
}

// Print logs the first variable with the given name found walking from the
// innermost frame outwards; KEYS and ARGV resolve as globals.
func (t *debugTarget) Print(name string) {
	for level := 0; ; level++ {
		dbg, ok := t.L.GetStack(level)
		if !ok {
			break
		}
		for i := 1; ; i++ {
			varName, val := t.L.GetLocal(dbg, i)
			if varName == "" {
				break
			}
			if varName == name {
				t.e.ldb.LogWithMaxLen("<value> " + renderValue(val))
				return
			}
		}
	}
	if name == "KEYS" || name == "ARGV" {
		t.e.ldb.LogWithMaxLen("<value> " + renderValue(t.L.GetGlobal(name)))
		return
	}
	t.e.ldb.Log("No such variable.")
}

// PrintAll logs every local of the user frame stopped at the prompt.
func (t *debugTarget) PrintAll() {
	vars := 0
	if dbg, ok := t.L.GetStack(1); ok {
		for i := 1; ; i++ {
			name, val := t.L.GetLocal(dbg, i)
			if name == "" {
				break
			}
			if strings.Contains(name, "(*temporary)") {
				continue
			}
			t.e.ldb.LogWithMaxLen(fmt.Sprintf("<value> %s = %s", name, renderValue(val)))
			vars++
		}
	}
	if vars == 0 {
		t.e.ldb.Log("No local variables in the current context.")
	}
}

// Eval compiles a fragment, first as an expression and then as a
// statement, and runs it in a new call frame.
func (t *debugTarget) Eval(code string) {
	fn, err := t.L.LoadString("return " + code)
	if err != nil {
		fn, err = t.L.LoadString(code)
		if err != nil {
			t.e.ldb.Log(fmt.Sprintf("<error> %s", err))
			return
		}
	}
	if err := t.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		t.e.ldb.Log(fmt.Sprintf("<error> %s", luaErrorMessage(err)))
		return
	}
	val := t.L.Get(-1)
	t.L.Pop(1)
	t.e.ldb.LogWithMaxLen("<retval> " + renderValue(val))
}

// Trace logs a backtrace of user-script frames.
func (t *debugTarget) Trace() {
	logged := 0
	for level := 0; ; level++ {
		dbg, ok := t.L.GetStack(level)
		if !ok {
			break
		}
		if _, err := t.L.GetInfo("Snl", dbg, lua.LNil); err != nil {
			continue
		}
		if !strings.Contains(dbg.Source, "user_script") {
			continue
		}
		where := "From"
		if logged == 0 {
			where = "In"
		}
		name := dbg.Name
		if name == "" {
			name = "top level"
		}
		t.e.ldb.Log(fmt.Sprintf("%s %s:", where, name))
		t.e.ldb.LogSourceLine(dbg.CurrentLine)
		logged++
	}
	if logged == 0 {
		t.e.ldb.Log("<error> Can't retrieve the call stack.")
	}
}

// CallServerCommand runs a command through the script's binding, logging
// the command and its reply the way stepping does.
func (t *debugTarget) CallServerCommand(argv [][]byte) {
	rctx := t.e.cur
	if rctx == nil {
		t.e.ldb.Log("<error> No script context.")
		return
	}
	t.e.ldb.LogServerCommand(argv)
	v := t.e.store.Dispatch(rctx.EngineClient(), argv)
	t.e.ldb.LogServerReply(v)
}

// renderValue produces the human readable representation of a value for
// prompt output. Tables are rendered twice in parallel, as a sequence and
// as a mapping, and the sequence form wins when the keys are 1,2,3,... in
// encounter order.
func renderValue(v lua.LValue) string {
	var b strings.Builder
	renderValueRec(&b, v, 0)
	return b.String()
}

func renderValueRec(b *strings.Builder, v lua.LValue, level int) {
	if level == maxValueDepth {
		b.WriteString("<max recursion level reached! Nested table?>")
		return
	}
	switch v.Type() {
	case lua.LTString:
		b.WriteString(strconv.Quote(string(v.(lua.LString))))
	case lua.LTBool:
		if lua.LVAsBool(v) {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case lua.LTNumber:
		fmt.Fprintf(b, "%g", float64(v.(lua.LNumber)))
	case lua.LTNil:
		b.WriteString("nil")
	case lua.LTTable:
		tbl := v.(*lua.LTable)
		expected := 1
		isArray := true
		var seq, full strings.Builder
		k, item := tbl.Next(lua.LNil)
		for k != lua.LNil {
			if isArray {
				n, ok := k.(lua.LNumber)
				if !ok || int(n) != expected {
					isArray = false
				}
			}
			renderValueRec(&seq, item, level+1)
			seq.WriteString("; ")
			full.WriteString("[")
			renderValueRec(&full, k, level+1)
			full.WriteString("]=")
			renderValueRec(&full, item, level+1)
			full.WriteString("; ")
			expected++
			k, item = tbl.Next(k)
		}
		repr := full.String()
		if isArray {
			repr = seq.String()
		}
		repr = strings.TrimSuffix(repr, "; ")
		b.WriteString("{")
		b.WriteString(repr)
		b.WriteString("}")
	case lua.LTFunction:
		fmt.Fprintf(b, "%q", fmt.Sprintf("function@%p", v.(*lua.LFunction)))
	case lua.LTUserData:
		fmt.Fprintf(b, "%q", fmt.Sprintf("userdata@%p", v.(*lua.LUserData)))
	case lua.LTThread:
		b.WriteString("\"thread\"")
	default:
		b.WriteString("\"<unknown-type>\"")
	}
}
