// Package wasmengine is a WebAssembly back-end registered through the
// module ABI, demonstrating an engine provided from outside the core.
// Script bodies are base64-encoded wasm modules built as WASI commands:
// compile caches the compiled module, call instantiates it with ARGV as
// argv and replies with the captured stdout. Cancellation rides on context
// cancellation closing the module.
package wasmengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/resp"
)

// EngineName is the name the back-end registers under.
const EngineName = "WASM"

type wasmFunc struct {
	compiled wazero.CompiledModule
	name     string
}

type wasmEngine struct {
	runtime  wazero.Runtime
	evalLive map[*engine.CompiledFunction]struct{}
	funcLive map[*engine.CompiledFunction]struct{}
}

func newEngine() (*wasmEngine, error) {
	ctx := context.Background()
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &wasmEngine{
		runtime:  rt,
		evalLive: make(map[*engine.CompiledFunction]struct{}),
		funcLive: make(map[*engine.CompiledFunction]struct{}),
	}, nil
}

// Register installs the engine through the module registration ABI.
func Register(mgr *engine.Manager) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	return mgr.RegisterFromModule(EngineName, &engine.ModuleInfo{
		Name:    "wasmengine",
		Version: "1.0.0",
	}, e, engine.Methods{
		Version:                engine.ABIVersion,
		CompileCode:            compileCode,
		FreeFunction:           freeFunction,
		CallFunction:           callFunction,
		FunctionMemoryOverhead: functionMemoryOverhead,
		ResetEvalEnv:           resetEvalEnv,
		MemoryInfo:             memoryInfo,
	})
}

func compileCode(ctx any, sub engine.Subsystem, code string, timeout time.Duration) ([]*engine.CompiledFunction, error) {
	e := ctx.(*wasmEngine)
	bin, err := base64.StdEncoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("Error compiling script: body is not base64-encoded wasm: %s", err)
	}

	cctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, timeout)
		defer cancel()
	}
	compiled, err := e.runtime.CompileModule(cctx, bin)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("FUNCTION LOAD timeout")
		}
		return nil, fmt.Errorf("Error compiling wasm module: %s", err)
	}

	name := compiled.Name()
	if name == "" {
		name = "main"
	}
	cf := &engine.CompiledFunction{Handle: &wasmFunc{compiled: compiled, name: name}}
	if sub == engine.SubsystemFunction {
		cf.Name = name
		e.funcLive[cf] = struct{}{}
	} else {
		e.evalLive[cf] = struct{}{}
	}
	return []*engine.CompiledFunction{cf}, nil
}

func freeFunction(ctx any, sub engine.Subsystem, fn *engine.CompiledFunction) {
	e := ctx.(*wasmEngine)
	if wf, ok := fn.Handle.(*wasmFunc); ok && wf != nil {
		wf.compiled.Close(context.Background())
	}
	delete(e.evalLive, fn)
	delete(e.funcLive, fn)
	fn.Handle = nil
}

func callFunction(ctx any, rctx *engine.RunContext, fn *engine.CompiledFunction, sub engine.Subsystem, keys, args [][]byte) {
	e := ctx.(*wasmEngine)
	wf, ok := fn.Handle.(*wasmFunc)
	if !ok || wf == nil {
		rctx.Caller.Reply(resp.Err("ERR function was freed"))
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-rctx.KillCh():
			cancel()
		case <-runCtx.Done():
		}
	}()

	argv := make([]string, 0, len(args)+1)
	argv = append(argv, wf.name)
	for _, a := range args {
		argv = append(argv, string(a))
	}

	var stdout bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithStdout(&stdout).
		WithArgs(argv...).
		WithName("")

	mod, err := e.runtime.InstantiateModule(runCtx, wf.compiled, cfg)
	if mod != nil {
		mod.Close(context.Background())
	}
	if err != nil {
		if rctx.Killed() {
			rctx.Caller.Reply(resp.Err(rctx.KillError()))
			return
		}
		// A wasi exit code of zero surfaces as an error value; treat it
		// as success.
		if !isCleanExit(err) {
			rctx.Caller.Reply(resp.Errf("ERR execution failed: %s", err))
			return
		}
	}
	rctx.Caller.Reply(resp.BulkString(strings.TrimRight(stdout.String(), "\n")))
}

func isCleanExit(err error) bool {
	return err != nil && strings.Contains(err.Error(), "exit_code(0)")
}

func functionMemoryOverhead(ctx any, fn *engine.CompiledFunction) uint64 {
	return 256
}

func resetEvalEnv(ctx any, async bool) engine.LazyEvalReset {
	e := ctx.(*wasmEngine)
	old := make([]*engine.CompiledFunction, 0, len(e.evalLive))
	for cf := range e.evalLive {
		old = append(old, cf)
	}
	e.evalLive = make(map[*engine.CompiledFunction]struct{})
	free := func() {
		for _, cf := range old {
			if wf, ok := cf.Handle.(*wasmFunc); ok && wf != nil {
				wf.compiled.Close(context.Background())
			}
			cf.Handle = nil
		}
	}
	if !async {
		free()
		return nil
	}
	return free
}

func memoryInfo(ctx any, sub engine.Subsystem) engine.MemoryInfo {
	e := ctx.(*wasmEngine)
	var info engine.MemoryInfo
	if sub == engine.SubsystemEval || sub == engine.SubsystemAll {
		info.UsedMemory += uint64(len(e.evalLive)) * 256
	}
	if sub == engine.SubsystemFunction || sub == engine.SubsystemAll {
		info.UsedMemory += uint64(len(e.funcLive)) * 256
	}
	info.EngineMemoryOverhead = 4 << 10
	return info
}
