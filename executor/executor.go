// Package executor is the execution dispatcher: it translates the
// EVAL/EVALSHA/SCRIPT and FCALL/FUNCTION command shapes into engine calls
// through the registry, folds script flags into command planning, owns the
// shared run context used for cooperative cancellation, and routes
// debugging-armed EVALs through the debugger runtime.
package executor

import (
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/caffeineduck/scriptkv/debugger"
	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/evalcache"
	"github.com/caffeineduck/scriptkv/lazyfree"
	"github.com/caffeineduck/scriptkv/library"
	"github.com/caffeineduck/scriptkv/resp"
	"github.com/caffeineduck/scriptkv/store"
)

const noScriptErr = "NOSCRIPT No matching script. Please use EVAL."

// EngineFactory builds a fresh engine instance bound to a private dataset
// and debugger; forked debugging sessions use it to isolate their state.
type EngineFactory func(st *store.Store, ldb *debugger.LDB) engine.Engine

// Executor binds the registry, the two script repositories, the dataset
// and the debugger together behind the command surface.
type Executor struct {
	store   *store.Store
	mgr     *engine.Manager
	cache   *evalcache.Cache
	catalog *library.Catalog
	worker  *lazyfree.Worker
	ldb     *debugger.LDB
	log     *slog.Logger

	// lazyFlushAsync is the configured default for SCRIPT FLUSH without
	// an explicit SYNC/ASYNC argument.
	lazyFlushAsync bool

	running atomic.Pointer[engine.RunContext]

	debugFactories map[string]EngineFactory
}

// Option configures an Executor.
type Option func(*Executor)

// WithLazyFlushAsync sets the policy for bare SCRIPT FLUSH.
func WithLazyFlushAsync(v bool) Option {
	return func(ex *Executor) { ex.lazyFlushAsync = v }
}

// WithDebugFactory registers a per-engine factory enabling forked
// debugging sessions for that engine.
func WithDebugFactory(name string, f EngineFactory) Option {
	return func(ex *Executor) { ex.debugFactories[name] = f }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(ex *Executor) { ex.log = l }
}

func New(st *store.Store, mgr *engine.Manager, ldb *debugger.LDB, worker *lazyfree.Worker, opts ...Option) *Executor {
	ex := &Executor{
		store:          st,
		mgr:            mgr,
		cache:          evalcache.New(mgr, worker),
		catalog:        library.NewCatalog(),
		worker:         worker,
		ldb:            ldb,
		log:            slog.Default(),
		debugFactories: make(map[string]EngineFactory),
	}
	for _, opt := range opts {
		opt(ex)
	}
	mgr.SetLibraryDropper(ex.catalog.DropEngine)
	return ex
}

// Cache exposes the EVAL cache.
func (ex *Executor) Cache() *evalcache.Cache { return ex.cache }

// Catalog exposes the function catalog.
func (ex *Executor) Catalog() *library.Catalog { return ex.catalog }

// Manager exposes the engine registry.
func (ex *Executor) Manager() *engine.Manager { return ex.mgr }

// Debugger exposes the debugger singleton.
func (ex *Executor) Debugger() *debugger.LDB { return ex.ldb }

// Busy reports whether a script is executing right now.
func (ex *Executor) Busy() bool {
	rctx := ex.running.Load()
	return rctx != nil && rctx.Running()
}

// Shutdown kills forked debugging sessions and performs the synchronous
// flush the shutdown contract requires.
func (ex *Executor) Shutdown() {
	ex.ldb.Children().KillAll()
	ex.cache.Flush(false)
	ex.catalog.Flush()
}

// Eval handles EVAL and EVAL_RO.
func (ex *Executor) Eval(c *store.Client, argv [][]byte, ro bool) {
	if c.Debug != store.DebugOff && c.Conn != nil {
		ex.evalWithDebugging(c, argv, ro)
		return
	}
	ex.evalGeneric(c, argv, false, ro)
}

// EvalSha handles EVALSHA and EVALSHA_RO.
func (ex *Executor) EvalSha(c *store.Client, argv [][]byte, ro bool) {
	if len(argv) >= 2 && len(argv[1]) != 40 {
		// A match is impossible for any other length; fail fast.
		c.Reply(resp.Err(noScriptErr))
		return
	}
	if c.Debug != store.DebugOff {
		c.Reply(resp.Err("ERR Please use EVAL instead of EVALSHA for debugging"))
		return
	}
	ex.evalGeneric(c, argv, true, ro)
}

// evalGeneric is the shared EVAL/EVALSHA path: admit-or-hit the cache,
// fold flags, policy-check, run.
func (ex *Executor) evalGeneric(c *store.Client, argv [][]byte, evalsha, ro bool) {
	if len(argv) < 3 {
		c.Reply(resp.Errf("ERR wrong number of arguments for '%s' command", string(argv[0])))
		return
	}
	numkeys, err := strconv.ParseInt(string(argv[2]), 10, 64)
	if err != nil {
		c.Reply(resp.Err("ERR value is not an integer or out of range"))
		return
	}
	if numkeys > int64(len(argv)-3) {
		c.Reply(resp.Err("ERR Number of keys can't be greater than number of args"))
		return
	}
	if numkeys < 0 {
		c.Reply(resp.Err("ERR Number of keys can't be negative"))
		return
	}

	var entry *evalcache.Entry
	if evalsha {
		sha, ok := evalcache.NormalizeSha(string(argv[1]))
		if !ok {
			c.Reply(resp.Err(noScriptErr))
			return
		}
		entry = ex.cache.Lookup(sha)
		if entry == nil {
			c.Reply(resp.Err(noScriptErr))
			return
		}
	} else {
		body := string(argv[1])
		entry = ex.cache.Lookup(evalcache.Sha1Hex(body))
		if entry == nil {
			entry, err = ex.cache.Register(body, true)
			if err != nil {
				c.Reply(resp.Errf("ERR %s", err))
				return
			}
		}
	}

	keys := argv[3 : 3+numkeys]
	args := argv[3+numkeys:]
	ex.runScript(c, entry, keys, args, ro)

	// Quick removal and re-insertion after the call to maintain the LRU.
	ex.cache.Touch(entry)
}

// runScript performs flag folding, policy checks and the engine call for
// one cached script.
func (ex *Executor) runScript(c *store.Client, entry *evalcache.Entry, keys, args [][]byte, ro bool) {
	base := engine.CmdWrite
	if ro {
		base = 0
	}
	folded := engine.FoldCommandFlags(base, entry.Flags)

	// Policy is decided before the engine is ever invoked.
	if ex.store.Replica() && folded&engine.CmdWrite != 0 {
		c.Reply(resp.Err("READONLY You can't run scripts with write flags on a read only replica."))
		return
	}

	rctx := engine.NewRunContext(c)
	rctx.Sha = entry.Sha
	rctx.EvalMode = true
	rctx.ReadOnly = ro
	rctx.ScriptFlags = entry.Flags
	rctx.CmdFlags = folded

	// EVAL_RO is strictly read-only, even for compat-mode scripts.
	denyWrites := ro || entry.Flags.DeniesWrites()
	ec := entry.Engine.Client()
	ec.SetDenyWrites(denyWrites)
	ec.ResetDirty()

	ex.running.Store(rctx)
	entry.Engine.CallFunction(rctx, entry.Fn, engine.SubsystemEval, keys, args)
	rctx.Finish()
	ex.running.Store(nil)
}

// Kill signals the running script to stop at its next safe point. evalKill
// tells which command issued it, so an EVAL/FCALL mismatch is precise.
func (ex *Executor) Kill(c *store.Client, evalKill bool) {
	rctx := ex.running.Load()
	if rctx == nil || !rctx.Running() {
		c.Reply(resp.Err("NOTBUSY No scripts in execution right now."))
		return
	}
	if evalKill && !rctx.EvalMode {
		c.Reply(resp.Err("BUSY The script is running in the context of FCALL. You can use FUNCTION KILL."))
		return
	}
	if !evalKill && rctx.EvalMode {
		c.Reply(resp.Err("BUSY The script is running in the context of EVAL. You can use SCRIPT KILL."))
		return
	}
	if ec := rctx.EngineClient(); ec != nil && ec.Dirty() {
		c.Reply(resp.Err("UNKILLABLE Sorry the script already executed write commands against the dataset. You can either wait the script termination or kill the server in a hard way."))
		return
	}
	rctx.Kill()
	c.Reply(resp.OK)
}
