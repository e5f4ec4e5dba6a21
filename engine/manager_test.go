package engine

import (
	"errors"
	"testing"
	"time"
)

// fakeEngine is a contract stub recording calls.
type fakeEngine struct {
	compiled int
	freed    int
	resets   int
	overhead uint64
}

func (f *fakeEngine) CompileCode(sub Subsystem, code string, timeout time.Duration) ([]*CompiledFunction, error) {
	f.compiled++
	return []*CompiledFunction{{Handle: code}}, nil
}

func (f *fakeEngine) FreeFunction(sub Subsystem, fn *CompiledFunction) { f.freed++ }

func (f *fakeEngine) CallFunction(rctx *RunContext, fn *CompiledFunction, sub Subsystem, keys, args [][]byte) {
}

func (f *fakeEngine) FunctionMemoryOverhead(fn *CompiledFunction) uint64 { return 10 }

func (f *fakeEngine) ResetEvalEnv(async bool) LazyEvalReset {
	f.resets++
	if async {
		return func() {}
	}
	return nil
}

func (f *fakeEngine) MemoryInfo(sub Subsystem) MemoryInfo {
	return MemoryInfo{UsedMemory: 100, EngineMemoryOverhead: f.overhead}
}

func TestManagerRegisterAndFind(t *testing.T) {
	mgr := NewManager()
	if err := mgr.Register("MYENG", nil, &fakeEngine{overhead: 50}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if mgr.Count() != 1 {
		t.Fatalf("expected 1 engine, got %d", mgr.Count())
	}
	// Lookup is case-insensitive.
	if mgr.Find("myeng") == nil || mgr.Find("MyEnG") == nil {
		t.Error("case-insensitive lookup failed")
	}
	if mgr.Find("other") != nil {
		t.Error("found an engine that was never registered")
	}
	if mgr.TotalMemoryOverhead() == 0 {
		t.Error("registration must capture the engine's memory overhead")
	}
}

func TestManagerDuplicateName(t *testing.T) {
	mgr := NewManager()
	if err := mgr.Register("eng", nil, &fakeEngine{}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	err := mgr.Register("ENG", nil, &fakeEngine{})
	if !errors.Is(err, ErrEngineExists) {
		t.Fatalf("expected ErrEngineExists for case-insensitive collision, got %v", err)
	}
}

func TestManagerUnregister(t *testing.T) {
	mgr := NewManager()
	dropped := 0
	mgr.SetLibraryDropper(func(d *Descriptor) { dropped++ })
	if err := mgr.Register("eng", nil, &fakeEngine{}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := mgr.Unregister("ENG"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if dropped != 1 {
		t.Errorf("unregister must drop the engine's library functions first")
	}
	if mgr.Count() != 0 || mgr.Find("eng") != nil {
		t.Error("engine still present after unregister")
	}
	if !errors.Is(mgr.Unregister("eng"), ErrEngineNotFound) {
		t.Error("expected ErrEngineNotFound on second unregister")
	}
}

func TestManagerForEach(t *testing.T) {
	mgr := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := mgr.Register(name, nil, &fakeEngine{}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	seen := map[string]bool{}
	mgr.ForEach(func(d *Descriptor) { seen[d.Name()] = true })
	if len(seen) != 3 {
		t.Errorf("iteration missed engines: %v", seen)
	}
}

func TestDescriptorInstallsEngineClient(t *testing.T) {
	mgr := NewManager()
	if err := mgr.Register("eng", nil, &fakeEngine{}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	d := mgr.Find("eng")
	rctx := NewRunContext(nil)
	probe := &probeEngine{}
	d.impl = probe
	d.CallFunction(rctx, &CompiledFunction{}, SubsystemEval, nil, nil)
	if !probe.sawClient {
		t.Error("engine client not installed during the call")
	}
	if rctx.EngineClient() != nil {
		t.Error("engine client not torn down after the call")
	}
}

type probeEngine struct {
	fakeEngine
	sawClient bool
}

func (p *probeEngine) CallFunction(rctx *RunContext, fn *CompiledFunction, sub Subsystem, keys, args [][]byte) {
	p.sawClient = rctx.EngineClient() != nil
}

func TestModuleABIVersionCheck(t *testing.T) {
	mgr := NewManager()
	methods := Methods{Version: 99}
	err := mgr.RegisterFromModule("m", &ModuleInfo{Name: "m"}, nil, methods)
	if !errors.Is(err, ErrABIVersion) {
		t.Fatalf("expected ABI version rejection, got %v", err)
	}
}

func TestRunContextKill(t *testing.T) {
	rctx := NewRunContext(nil)
	if rctx.Killed() {
		t.Fatal("fresh run context must not be killed")
	}
	if !rctx.Kill() {
		t.Fatal("kill of an executing run must succeed")
	}
	if !rctx.Killed() {
		t.Fatal("killed state not observed")
	}
	select {
	case <-rctx.KillCh():
	default:
		t.Fatal("kill channel not closed")
	}

	done := NewRunContext(nil)
	done.Finish()
	if done.Kill() {
		t.Fatal("kill after finish must report false")
	}
}
