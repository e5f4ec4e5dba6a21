package engine

import (
	"errors"
	"fmt"
	"time"
)

// ABIVersion is the engine registration ABI version modules compile
// against. The loader rejects mismatches.
const ABIVersion = 1

var ErrABIVersion = errors.New("unsupported engine ABI version")

// Methods is the registration record a module supplies: a struct of
// function values matching the capability set, plus an opaque context
// threaded back into every call.
type Methods struct {
	Version int

	CompileCode            func(ctx any, sub Subsystem, code string, timeout time.Duration) ([]*CompiledFunction, error)
	FreeFunction           func(ctx any, sub Subsystem, fn *CompiledFunction)
	CallFunction           func(ctx any, rctx *RunContext, fn *CompiledFunction, sub Subsystem, keys, args [][]byte)
	FunctionMemoryOverhead func(ctx any, fn *CompiledFunction) uint64
	ResetEvalEnv           func(ctx any, async bool) LazyEvalReset
	MemoryInfo             func(ctx any, sub Subsystem) MemoryInfo
}

func (m *Methods) validate() error {
	if m.Version != ABIVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrABIVersion, m.Version, ABIVersion)
	}
	if m.CompileCode == nil || m.FreeFunction == nil || m.CallFunction == nil ||
		m.FunctionMemoryOverhead == nil || m.ResetEvalEnv == nil || m.MemoryInfo == nil {
		return errors.New("engine methods struct is missing required callbacks")
	}
	return nil
}

// moduleEngine adapts a Methods record to the Engine interface.
type moduleEngine struct {
	ctx     any
	methods Methods
}

func (e *moduleEngine) CompileCode(sub Subsystem, code string, timeout time.Duration) ([]*CompiledFunction, error) {
	return e.methods.CompileCode(e.ctx, sub, code, timeout)
}

func (e *moduleEngine) FreeFunction(sub Subsystem, fn *CompiledFunction) {
	e.methods.FreeFunction(e.ctx, sub, fn)
}

func (e *moduleEngine) CallFunction(rctx *RunContext, fn *CompiledFunction, sub Subsystem, keys, args [][]byte) {
	e.methods.CallFunction(e.ctx, rctx, fn, sub, keys, args)
}

func (e *moduleEngine) FunctionMemoryOverhead(fn *CompiledFunction) uint64 {
	return e.methods.FunctionMemoryOverhead(e.ctx, fn)
}

func (e *moduleEngine) ResetEvalEnv(async bool) LazyEvalReset {
	return e.methods.ResetEvalEnv(e.ctx, async)
}

func (e *moduleEngine) MemoryInfo(sub Subsystem) MemoryInfo {
	return e.methods.MemoryInfo(e.ctx, sub)
}

// RegisterFromModule installs a module-provided engine through the
// registration ABI.
func (m *Manager) RegisterFromModule(name string, module *ModuleInfo, ctx any, methods Methods) error {
	if err := methods.validate(); err != nil {
		return err
	}
	if module == nil {
		return errors.New("module-provided engines must carry module info")
	}
	return m.Register(name, module, &moduleEngine{ctx: ctx, methods: methods})
}
