package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/scriptkv/store"
)

var (
	ErrEngineExists   = errors.New("engine already registered")
	ErrEngineNotFound = errors.New("engine not found")
	ErrEngineBusy     = errors.New("engine registration in progress")
)

// ModuleInfo identifies the module that provides an engine. Built-in
// engines have none.
type ModuleInfo struct {
	Name    string
	Version string
}

// Descriptor is a registered engine: name, owning module, implementation,
// and the dedicated caller identity used when commands are invoked by the
// engine's scripts. All engine calls go through the descriptor so that the
// caller context is installed and torn down on every exit path.
type Descriptor struct {
	name   string
	module *ModuleInfo
	impl   Engine
	client *store.Client
}

func (d *Descriptor) Name() string          { return d.name }
func (d *Descriptor) Module() *ModuleInfo   { return d.module }
func (d *Descriptor) Client() *store.Client { return d.client }

// Impl exposes the raw back-end. Tests only; production paths use the
// Call* wrappers.
func (d *Descriptor) Impl() Engine { return d.impl }

// withClient installs the engine's caller identity on the run context and
// guarantees teardown on all exit paths, including engine panics that are
// re-raised.
func (d *Descriptor) withClient(rctx *RunContext, fn func()) {
	if rctx != nil {
		rctx.SetEngineClient(d.client)
	}
	defer func() {
		if rctx != nil {
			rctx.SetEngineClient(nil)
		}
	}()
	fn()
}

// CallCompileCode compiles code through the contract.
func (d *Descriptor) CallCompileCode(sub Subsystem, code string, timeout time.Duration) ([]*CompiledFunction, error) {
	var fns []*CompiledFunction
	var err error
	d.withClient(nil, func() {
		fns, err = d.impl.CompileCode(sub, code, timeout)
	})
	return fns, err
}

// CallFreeFunction releases one compiled function through the contract.
func (d *Descriptor) CallFreeFunction(sub Subsystem, fn *CompiledFunction) {
	d.withClient(nil, func() {
		d.impl.FreeFunction(sub, fn)
	})
}

// CallFunction runs a compiled function with the caller context installed.
func (d *Descriptor) CallFunction(rctx *RunContext, fn *CompiledFunction, sub Subsystem, keys, args [][]byte) {
	d.withClient(rctx, func() {
		d.impl.CallFunction(rctx, fn, sub, keys, args)
	})
}

// CallFunctionMemoryOverhead queries bytes attributed to fn.
func (d *Descriptor) CallFunctionMemoryOverhead(fn *CompiledFunction) uint64 {
	var n uint64
	d.withClient(nil, func() {
		n = d.impl.FunctionMemoryOverhead(fn)
	})
	return n
}

// CallResetEvalEnv resets the engine's EVAL environment.
func (d *Descriptor) CallResetEvalEnv(async bool) LazyEvalReset {
	var reset LazyEvalReset
	d.withClient(nil, func() {
		reset = d.impl.ResetEvalEnv(async)
	})
	return reset
}

// CallGetMemoryInfo queries the engine's memory introspection.
func (d *Descriptor) CallGetMemoryInfo(sub Subsystem) MemoryInfo {
	var info MemoryInfo
	d.withClient(nil, func() {
		info = d.impl.MemoryInfo(sub)
	})
	return info
}

// Manager is the engine registry: a case-insensitive name map plus the
// aggregate memory overhead reported by registered engines. It is built
// once at startup and modified only at module load/unload.
type Manager struct {
	mu          sync.Mutex
	engines     map[string]*Descriptor
	overhead    uint64
	registering bool
	log         *slog.Logger

	// dropLibraryFuncs is asked to remove an engine's library functions
	// before the engine is unregistered. Wired by the function catalog.
	dropLibraryFuncs func(*Descriptor)
}

func NewManager() *Manager {
	return &Manager{
		engines: make(map[string]*Descriptor),
		log:     slog.Default(),
	}
}

// SetLibraryDropper wires the catalog callback used at Unregister time.
func (m *Manager) SetLibraryDropper(fn func(*Descriptor)) {
	m.mu.Lock()
	m.dropLibraryFuncs = fn
	m.mu.Unlock()
}

// Register inserts an engine under a case-insensitively unique name and
// captures its self-reported memory overhead into the global total.
func (m *Manager) Register(name string, module *ModuleInfo, impl Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registering {
		return ErrEngineBusy
	}
	key := strings.ToLower(name)
	if _, ok := m.engines[key]; ok {
		m.log.Warn("scripting engine already registered", "engine", name)
		return fmt.Errorf("%w: %s", ErrEngineExists, name)
	}
	m.registering = true
	defer func() { m.registering = false }()

	d := &Descriptor{
		name:   name,
		module: module,
		impl:   impl,
		client: store.NewScriptClient(key),
	}
	m.engines[key] = d

	info := d.CallGetMemoryInfo(SubsystemAll)
	m.overhead += descriptorBytes(d) + info.EngineMemoryOverhead
	return nil
}

// Unregister removes an engine. The library catalog is asked to drop the
// engine's functions first; callers must have quiesced all engine use.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	if m.registering {
		m.mu.Unlock()
		return ErrEngineBusy
	}
	key := strings.ToLower(name)
	d, ok := m.engines[key]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("no engine registered with name", "engine", name)
		return fmt.Errorf("%w: %s", ErrEngineNotFound, name)
	}
	dropper := m.dropLibraryFuncs
	m.mu.Unlock()

	if dropper != nil {
		dropper(d)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	info := d.CallGetMemoryInfo(SubsystemAll)
	sub := descriptorBytes(d) + info.EngineMemoryOverhead
	if sub > m.overhead {
		m.overhead = 0
	} else {
		m.overhead -= sub
	}
	delete(m.engines, key)
	return nil
}

// Find is a case-insensitive lookup; nil when absent.
func (m *Manager) Find(name string) *Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[strings.ToLower(name)]
}

// ForEach iterates all engines. Order is unspecified but stable across a
// single call.
func (m *Manager) ForEach(fn func(*Descriptor)) {
	m.mu.Lock()
	descs := make([]*Descriptor, 0, len(m.engines))
	for _, d := range m.engines {
		descs = append(descs, d)
	}
	m.mu.Unlock()
	for _, d := range descs {
		fn(d)
	}
}

// TotalMemoryOverhead is the sum of the overhead of all registered engines.
func (m *Manager) TotalMemoryOverhead() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overhead
}

// Count returns the number of registered engines.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engines)
}

// ManagerBytes estimates the registry's own footprint.
func (m *Manager) ManagerBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64 = 64 // struct header estimate
	for name := range m.engines {
		n += uint64(len(name)) + 16
	}
	return n
}

func descriptorBytes(d *Descriptor) uint64 {
	return uint64(len(d.name)) + 96
}
