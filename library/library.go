// Package library is the named-function catalog served by FCALL. It keeps
// the compiled functions every engine registered through FUNCTION LOAD,
// keyed by function name, and optionally persists library sources in a
// bbolt file so they are re-compiled through the registry at startup.
package library

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/caffeineduck/scriptkv/engine"
)

// LoadTimeout bounds how long a library's top-level code may run while
// registering its functions during FUNCTION LOAD.
const LoadTimeout = 500 * time.Millisecond

var (
	ErrFunctionExists   = errors.New("function already exists")
	ErrFunctionNotFound = errors.New("function not found")
)

// Function is one catalog record.
type Function struct {
	Name   string
	Desc   string
	Engine *engine.Descriptor
	Fn     *engine.CompiledFunction
	Flags  engine.Flags
	// LibSha identifies the library source the function came from.
	LibSha string
}

// Library groups the functions of one FUNCTION LOAD call.
type Library struct {
	Sha       string
	Source    string
	Engine    string
	Functions []string
}

// Catalog is the function registry. Single-writer from the command loop;
// the mutex covers the persistence goroutine-free reads from INFO paths.
type Catalog struct {
	mu        sync.Mutex
	functions map[string]*Function
	libraries map[string]*Library
	store     *Store // optional persistence
}

func NewCatalog() *Catalog {
	return &Catalog{
		functions: make(map[string]*Function),
		libraries: make(map[string]*Library),
	}
}

// AttachStore enables persistence of library sources.
func (c *Catalog) AttachStore(s *Store) {
	c.mu.Lock()
	c.store = s
	c.mu.Unlock()
}

// AddLibrary installs the functions an engine compiled from one library
// source. Name collisions roll the whole library back. With replace set,
// an existing library with the same digest is dropped first.
func (c *Catalog) AddLibrary(d *engine.Descriptor, source, sha string, fns []*engine.CompiledFunction, replace bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old := c.libraries[sha]; old != nil {
		if !replace {
			return fmt.Errorf("Library '%s' already exists", sha)
		}
		c.dropLibraryLocked(old)
	}

	for _, fn := range fns {
		if _, ok := c.functions[fn.Name]; ok {
			return fmt.Errorf("%w: %s", ErrFunctionExists, fn.Name)
		}
	}

	lib := &Library{Sha: sha, Source: source, Engine: d.Name()}
	for _, fn := range fns {
		c.functions[fn.Name] = &Function{
			Name:   fn.Name,
			Desc:   fn.Desc,
			Engine: d,
			Fn:     fn,
			Flags:  fn.Flags,
			LibSha: sha,
		}
		lib.Functions = append(lib.Functions, fn.Name)
	}
	sort.Strings(lib.Functions)
	c.libraries[sha] = lib

	if c.store != nil {
		_ = c.store.SaveLibrary(lib)
	}
	return nil
}

// Find returns the function registered under name, or nil.
func (c *Catalog) Find(name string) *Function {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.functions[name]
}

// DeleteLibrary removes one library and every function it registered.
func (c *Catalog) DeleteLibrary(sha string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	lib := c.libraries[sha]
	if lib == nil {
		return fmt.Errorf("Library not found")
	}
	c.dropLibraryLocked(lib)
	return nil
}

func (c *Catalog) dropLibraryLocked(lib *Library) {
	for _, name := range lib.Functions {
		if f := c.functions[name]; f != nil {
			f.Engine.CallFreeFunction(engine.SubsystemFunction, f.Fn)
			delete(c.functions, name)
		}
	}
	delete(c.libraries, lib.Sha)
	if c.store != nil {
		_ = c.store.DeleteLibrary(lib.Sha)
	}
}

// DropEngine removes all functions belonging to an engine. The registry
// calls this before unregistering the engine.
func (c *Catalog) DropEngine(d *engine.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sha, lib := range c.libraries {
		if lib.Engine == d.Name() {
			c.dropLibraryLocked(c.libraries[sha])
		}
	}
}

// Flush drops every library.
func (c *Catalog) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lib := range c.libraries {
		c.dropLibraryLocked(lib)
	}
}

// List returns the libraries sorted by digest.
func (c *Catalog) List() []*Library {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Library, 0, len(c.libraries))
	for _, lib := range c.libraries {
		out = append(out, lib)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sha < out[j].Sha })
	return out
}

// Count returns the number of registered functions.
func (c *Catalog) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.functions)
}

// Sources returns the persisted library sources for startup reload.
func (c *Catalog) Sources() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.libraries))
	for sha, lib := range c.libraries {
		out[sha] = lib.Source
	}
	return out
}
