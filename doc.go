// Package scriptkv provides the scripting subsystem of an in-memory
// key/value server: a pluggable scripting-engine registry, a SHA-addressed
// EVAL script cache with LRU eviction, a named-function catalog for FCALL,
// and a line-level single-step script debugger.
//
// # Overview
//
// Language back-ends plug into the engine registry behind a uniform
// contract (compile, call, free, memory introspection, environment reset).
// Four back-ends ship in-tree: the default Lua interpreter, a JavaScript
// engine, a wasm engine registered through the module ABI, and a tiny
// instructional stack VM.
//
// # Basic usage
//
//	st := store.New()
//	mgr := engine.NewManager()
//	ldb := debugger.New()
//	luaengine.Register(mgr, st, ldb)
//	ex := executor.New(st, mgr, ldb, lazyfree.NewWorker())
//
//	var buf resp.Buffer
//	c := store.NewClient("me", &buf)
//	ex.Eval(c, [][]byte{[]byte("eval"), []byte("return 1+1"), []byte("0")}, false)
//
// See the [engine], [evalcache], [executor], [debugger] and [server]
// packages for detailed API documentation.
package scriptkv
