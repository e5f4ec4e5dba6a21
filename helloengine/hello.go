// Package helloengine is a minimal stack-based VM that exercises the
// engine contract end to end. Programs are whitespace-separated token
// streams of function blocks:
//
//	FUNCTION <name> ... RETURN
//
// with CONSTI <u32> (push), ARGS <index> (push an argument parsed as u32)
// and SLEEP (pop seconds, sleep cooperatively) in between. It exists as an
// instructional back-end; its one reply type is an unsigned 32-bit
// integer.
package helloengine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/resp"
)

// EngineName is the name the back-end registers under.
const EngineName = "HELLO"

// Static program limits.
const (
	maxFunctions    = 16
	maxInstructions = 256
	maxStackDepth   = 64
)

type opcode int

const (
	opConstI opcode = iota
	opArgs
	opSleep
	opReturn
)

type instruction struct {
	op  opcode
	arg uint32
}

type program struct {
	name   string
	instrs []instruction
}

// Engine implements the contract. The engine context owns the current
// program: compiling again resets it, releasing the previous compiled
// functions one by one.
type Engine struct {
	funcs map[engine.Subsystem][]*engine.CompiledFunction
}

func New() *Engine {
	return &Engine{funcs: make(map[engine.Subsystem][]*engine.CompiledFunction)}
}

// Register installs the engine as a built-in.
func Register(mgr *engine.Manager) error {
	return mgr.Register(EngineName, nil, New())
}

func (e *Engine) CompileCode(sub engine.Subsystem, code string, timeout time.Duration) ([]*engine.CompiledFunction, error) {
	progs, err := parse(code)
	if err != nil {
		return nil, err
	}
	if sub == engine.SubsystemEval && len(progs) != 1 {
		return nil, fmt.Errorf("Eval scripts must declare exactly one function")
	}

	// A recompile resets the old program for this subsystem.
	for _, old := range e.funcs[sub] {
		e.FreeFunction(sub, old)
	}
	e.funcs[sub] = nil

	out := make([]*engine.CompiledFunction, 0, len(progs))
	for _, p := range progs {
		fn := &engine.CompiledFunction{Name: p.name, Handle: p}
		if sub == engine.SubsystemEval {
			fn.Name = ""
		}
		out = append(out, fn)
		e.funcs[sub] = append(e.funcs[sub], fn)
	}
	return out, nil
}

func (e *Engine) FreeFunction(sub engine.Subsystem, fn *engine.CompiledFunction) {
	funcs := e.funcs[sub]
	for i, f := range funcs {
		if f == fn {
			e.funcs[sub] = append(funcs[:i], funcs[i+1:]...)
			break
		}
	}
	fn.Handle = nil
}

func (e *Engine) CallFunction(rctx *engine.RunContext, fn *engine.CompiledFunction, sub engine.Subsystem, keys, args [][]byte) {
	p, ok := fn.Handle.(*program)
	if !ok || p == nil {
		rctx.Caller.Reply(resp.Err("ERR function was freed"))
		return
	}
	v, err := run(rctx, p, args)
	if err != nil {
		if rctx.Killed() {
			rctx.Caller.Reply(resp.Err(rctx.KillError()))
		} else {
			rctx.Caller.Reply(resp.Err("ERR " + err.Error()))
		}
		return
	}
	rctx.Caller.Reply(resp.Int(int64(v)))
}

func (e *Engine) FunctionMemoryOverhead(fn *engine.CompiledFunction) uint64 {
	p, ok := fn.Handle.(*program)
	if !ok || p == nil {
		return 0
	}
	return uint64(len(p.name)) + uint64(len(p.instrs))*8
}

func (e *Engine) ResetEvalEnv(async bool) engine.LazyEvalReset {
	old := e.funcs[engine.SubsystemEval]
	e.funcs[engine.SubsystemEval] = nil
	if !async {
		for _, fn := range old {
			fn.Handle = nil
		}
		return nil
	}
	return func() {
		for _, fn := range old {
			fn.Handle = nil
		}
	}
}

func (e *Engine) MemoryInfo(sub engine.Subsystem) engine.MemoryInfo {
	var info engine.MemoryInfo
	for s, funcs := range e.funcs {
		if sub != engine.SubsystemAll && s != sub {
			continue
		}
		for _, fn := range funcs {
			info.UsedMemory += e.FunctionMemoryOverhead(fn)
		}
	}
	info.EngineMemoryOverhead = 64
	return info
}

// parse tokenizes a program into function blocks, enforcing the static
// limits.
func parse(code string) ([]*program, error) {
	tokens := strings.Fields(code)
	var progs []*program
	var cur *program
	i := 0
	next := func() (string, bool) {
		if i >= len(tokens) {
			return "", false
		}
		t := tokens[i]
		i++
		return t, true
	}
	for {
		tok, ok := next()
		if !ok {
			break
		}
		switch strings.ToUpper(tok) {
		case "FUNCTION":
			if cur != nil {
				return nil, fmt.Errorf("FUNCTION without closing RETURN")
			}
			name, ok := next()
			if !ok {
				return nil, fmt.Errorf("FUNCTION requires a name")
			}
			if len(progs) == maxFunctions {
				return nil, fmt.Errorf("too many functions (max %d)", maxFunctions)
			}
			cur = &program{name: name}
		case "CONSTI":
			if cur == nil {
				return nil, fmt.Errorf("CONSTI outside of a function block")
			}
			arg, ok := next()
			if !ok {
				return nil, fmt.Errorf("CONSTI requires a value")
			}
			n, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid CONSTI value %q", arg)
			}
			if err := cur.add(instruction{op: opConstI, arg: uint32(n)}); err != nil {
				return nil, err
			}
		case "ARGS":
			if cur == nil {
				return nil, fmt.Errorf("ARGS outside of a function block")
			}
			arg, ok := next()
			if !ok {
				return nil, fmt.Errorf("ARGS requires an index")
			}
			n, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid ARGS index %q", arg)
			}
			if err := cur.add(instruction{op: opArgs, arg: uint32(n)}); err != nil {
				return nil, err
			}
		case "SLEEP":
			if cur == nil {
				return nil, fmt.Errorf("SLEEP outside of a function block")
			}
			if err := cur.add(instruction{op: opSleep}); err != nil {
				return nil, err
			}
		case "RETURN":
			if cur == nil {
				return nil, fmt.Errorf("RETURN outside of a function block")
			}
			if err := cur.add(instruction{op: opReturn}); err != nil {
				return nil, err
			}
			progs = append(progs, cur)
			cur = nil
		default:
			return nil, fmt.Errorf("unknown instruction %q", tok)
		}
	}
	if cur != nil {
		return nil, fmt.Errorf("function %q is missing RETURN", cur.name)
	}
	if len(progs) == 0 {
		return nil, fmt.Errorf("program declares no functions")
	}
	return progs, nil
}

func (p *program) add(in instruction) error {
	if len(p.instrs) == maxInstructions {
		return fmt.Errorf("function %q exceeds %d instructions", p.name, maxInstructions)
	}
	p.instrs = append(p.instrs, in)
	return nil
}

// run executes one function. SLEEP polls the shared execution state every
// millisecond so that SCRIPT KILL takes effect promptly.
func run(rctx *engine.RunContext, p *program, args [][]byte) (uint32, error) {
	stack := make([]uint32, 0, maxStackDepth)
	push := func(v uint32) error {
		if len(stack) == maxStackDepth {
			return fmt.Errorf("stack overflow in function %q", p.name)
		}
		stack = append(stack, v)
		return nil
	}
	pop := func() (uint32, error) {
		if len(stack) == 0 {
			return 0, fmt.Errorf("stack underflow in function %q", p.name)
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for _, in := range p.instrs {
		if rctx.Killed() {
			return 0, fmt.Errorf("script killed")
		}
		switch in.op {
		case opConstI:
			if err := push(in.arg); err != nil {
				return 0, err
			}
		case opArgs:
			if int(in.arg) >= len(args) {
				return 0, fmt.Errorf("argument index %d out of range", in.arg)
			}
			n, err := strconv.ParseUint(string(args[in.arg]), 10, 32)
			if err != nil {
				return 0, fmt.Errorf("argument %d is not a u32", in.arg)
			}
			if err := push(uint32(n)); err != nil {
				return 0, err
			}
		case opSleep:
			secs, err := pop()
			if err != nil {
				return 0, err
			}
			deadline := time.Now().Add(time.Duration(secs) * time.Second)
			for time.Now().Before(deadline) {
				if rctx.Killed() {
					return 0, fmt.Errorf("script killed")
				}
				time.Sleep(time.Millisecond)
			}
		case opReturn:
			return pop()
		}
	}
	return 0, fmt.Errorf("function %q fell off the end", p.name)
}
