// Package engine defines the contract every scripting back-end implements
// and the registry that serves the two script repositories (the EVAL cache
// and the named-function catalog). Back-ends are only ever reached through
// a Descriptor, which installs the engine's caller identity around every
// call.
package engine

import (
	"sync/atomic"
	"time"

	"github.com/caffeineduck/scriptkv/store"
)

// Subsystem distinguishes EVAL-style invocation from FCALL-style (library)
// invocation. Some engine operations behave differently per subsystem.
type Subsystem int

const (
	SubsystemEval Subsystem = iota
	SubsystemFunction
	SubsystemAll
)

func (s Subsystem) String() string {
	switch s {
	case SubsystemEval:
		return "eval"
	case SubsystemFunction:
		return "function"
	default:
		return "all"
	}
}

// CompiledFunction is an engine-produced artifact representing a
// ready-to-invoke script or library function. Handle is engine-owned and
// must only ever be passed back to the engine that produced it.
type CompiledFunction struct {
	Name   string // required for library functions, empty for EVAL
	Desc   string
	Handle any
	Flags  Flags
}

// MemoryInfo is the per-subsystem memory introspection an engine reports.
type MemoryInfo struct {
	UsedMemory           uint64
	EngineMemoryOverhead uint64
}

// LazyEvalReset is a self-contained teardown closure returned by
// ResetEvalEnv(async=true). It owns the discarded environment and is run
// on the lazy-free worker.
type LazyEvalReset func()

// Engine is the capability set required of a back-end.
//
// ResetEvalEnv must leave a fresh, immediately usable EVAL environment in
// place before returning, regardless of the async flag; the returned
// closure owns only the old environment.
type Engine interface {
	// CompileCode compiles code for the given subsystem. For EVAL the
	// result has exactly one element. For FUNCTION the engine may produce
	// zero or more named functions; timeout bounds the load step and the
	// engine must abort with an error on expiry.
	CompileCode(sub Subsystem, code string, timeout time.Duration) ([]*CompiledFunction, error)

	// FreeFunction releases one compiled function.
	FreeFunction(sub Subsystem, fn *CompiledFunction)

	// CallFunction runs a function, writing its reply through the run
	// context's caller.
	CallFunction(rctx *RunContext, fn *CompiledFunction, sub Subsystem, keys, args [][]byte)

	// FunctionMemoryOverhead returns bytes attributed to fn.
	FunctionMemoryOverhead(fn *CompiledFunction) uint64

	// ResetEvalEnv discards all EVAL-compiled state.
	ResetEvalEnv(async bool) LazyEvalReset

	// MemoryInfo introspects the engine's memory per subsystem.
	MemoryInfo(sub Subsystem) MemoryInfo
}

// Execution states shared between the dispatcher and a running engine.
const (
	RunExecuting int32 = iota
	RunKilled
	RunFinished
)

// RunContext is the shared runtime context of one script invocation. The
// dispatcher creates it, the engine polls it at safe points, and SCRIPT
// KILL flips its state from another connection.
type RunContext struct {
	// Caller is the client whose command started the script; replies go
	// through it.
	Caller *store.Client

	Sha      string
	FuncName string
	// EvalMode selects the EVAL kill-error variant over the FUNCTION one.
	EvalMode bool
	ReadOnly bool
	// ScriptFlags are the script's parsed flags; CmdFlags the folded
	// command planning flags.
	ScriptFlags Flags
	CmdFlags    CommandFlags

	Start time.Time

	state        atomic.Int32
	killed       chan struct{}
	engineClient atomic.Pointer[store.Client]
}

// SetEngineClient installs the engine's dedicated caller identity for the
// duration of the call. Only the registry's call wrappers use it.
func (r *RunContext) SetEngineClient(c *store.Client) { r.engineClient.Store(c) }

// EngineClient returns the engine's caller identity; commands issued by
// the script run under it. Nil outside an engine call.
func (r *RunContext) EngineClient() *store.Client { return r.engineClient.Load() }

// NewRunContext returns a context in the Executing state.
func NewRunContext(caller *store.Client) *RunContext {
	r := &RunContext{
		Caller: caller,
		Start:  time.Now(),
		killed: make(chan struct{}),
	}
	r.state.Store(RunExecuting)
	return r
}

// Kill transitions Executing -> Killed. Reports whether the transition
// happened (false if the run already finished).
func (r *RunContext) Kill() bool {
	if r.state.CompareAndSwap(RunExecuting, RunKilled) {
		close(r.killed)
		return true
	}
	return false
}

// Killed reports whether the run was cancelled. Engines poll this at safe
// points and must return promptly when it is set.
func (r *RunContext) Killed() bool { return r.state.Load() == RunKilled }

// KillCh is closed when the run is killed; engines with select-based waits
// use it instead of polling.
func (r *RunContext) KillCh() <-chan struct{} { return r.killed }

// Finish marks the run complete. After Finish, Kill reports false.
func (r *RunContext) Finish() {
	r.state.CompareAndSwap(RunExecuting, RunFinished)
}

// Running reports whether the script is still executing.
func (r *RunContext) Running() bool { return r.state.Load() == RunExecuting }

// KillError is the reply text for a killed run, in the EVAL or FUNCTION
// variant.
func (r *RunContext) KillError() string {
	if r.EvalMode {
		return "ERR Script killed by user with SCRIPT KILL."
	}
	return "ERR Script killed by user with FUNCTION KILL."
}
