package executor

import (
	"strconv"
	"strings"

	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/evalcache"
	"github.com/caffeineduck/scriptkv/library"
	"github.com/caffeineduck/scriptkv/resp"
	"github.com/caffeineduck/scriptkv/store"
)

// FCall handles FCALL and FCALL_RO: the library-catalog side of the same
// dispatch path EVAL uses.
func (ex *Executor) FCall(c *store.Client, argv [][]byte, ro bool) {
	if len(argv) < 3 {
		c.Reply(resp.Errf("ERR wrong number of arguments for '%s' command", string(argv[0])))
		return
	}
	name := string(argv[1])
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

	fn := ex.catalog.Find(name)
	if fn == nil {
		c.Reply(resp.Err("ERR Function not found"))
		return
	}
	if ro && !fn.Flags.DeniesWrites() {
		c.Reply(resp.Err("ERR Can not execute a script with write flag using *_ro command."))
		return
	}

	base := engine.CmdWrite
	if ro {
		base = 0
	}
	folded := engine.FoldCommandFlags(base, fn.Flags)
	if ex.store.Replica() && folded&engine.CmdWrite != 0 {
		c.Reply(resp.Err("READONLY You can't run scripts with write flags on a read only replica."))
		return
	}

	rctx := engine.NewRunContext(c)
	rctx.FuncName = name
	rctx.EvalMode = false
	rctx.ReadOnly = ro
	rctx.ScriptFlags = fn.Flags
	rctx.CmdFlags = folded

	ec := fn.Engine.Client()
	ec.SetDenyWrites(ro || fn.Flags.DeniesWrites())
	ec.ResetDirty()

	ex.running.Store(rctx)
	fn.Engine.CallFunction(rctx, fn.Fn, engine.SubsystemFunction, argv[3:3+numkeys], argv[3+numkeys:])
	rctx.Finish()
	ex.running.Store(nil)
}

// FunctionCommand dispatches the FUNCTION subcommands.
func (ex *Executor) FunctionCommand(c *store.Client, argv [][]byte) {
	if len(argv) < 2 {
		ex.subcommandSyntaxError(c, argv)
		return
	}
	switch strings.ToLower(string(argv[1])) {
	case "load":
		ex.functionLoad(c, argv)
	case "delete":
		if len(argv) != 3 {
			ex.subcommandSyntaxError(c, argv)
			return
		}
		if err := ex.catalog.DeleteLibrary(string(argv[2])); err != nil {
			c.Reply(resp.Errf("ERR %s", err))
			return
		}
		c.Reply(resp.OK)
	case "flush":
		ex.catalog.Flush()
		c.Reply(resp.OK)
	case "list":
		ex.functionList(c)
	case "kill":
		ex.Kill(c, false)
	case "stats":
		ex.functionStats(c)
	default:
		ex.subcommandSyntaxError(c, argv)
	}
}

// functionLoad implements FUNCTION LOAD [REPLACE] <code>. The library is
// identified by the SHA of its source; the engine is selected by the
// shebang and compiles under the load budget.
func (ex *Executor) functionLoad(c *store.Client, argv [][]byte) {
	replace := false
	code := ""
	switch {
	case len(argv) == 3:
		code = string(argv[2])
	case len(argv) == 4 && strings.EqualFold(string(argv[2]), "replace"):
		replace = true
		code = string(argv[3])
	default:
		ex.subcommandSyntaxError(c, argv)
		return
	}

	sb, err := engine.ParseShebang(code)
	if err != nil {
		c.Reply(resp.Errf("ERR %s", err))
		return
	}
	d := ex.mgr.Find(sb.Engine)
	if d == nil {
		c.Reply(resp.Errf("ERR Could not find scripting engine '%s'", sb.Engine))
		return
	}

	fns, err := d.CallCompileCode(engine.SubsystemFunction, code[sb.BodyOffset:], library.LoadTimeout)
	if err != nil {
		c.Reply(resp.Errf("ERR %s", err))
		return
	}
	for _, fn := range fns {
		fn.Flags |= sb.Flags &^ engine.FlagEvalCompatMode
	}

	sha := evalcache.Sha1Hex(code)
	if err := ex.catalog.AddLibrary(d, code, sha, fns, replace); err != nil {
		for _, fn := range fns {
			d.CallFreeFunction(engine.SubsystemFunction, fn)
		}
		c.Reply(resp.Errf("ERR %s", err))
		return
	}
	c.Reply(resp.BulkString(sha))
}

func (ex *Executor) functionList(c *store.Client) {
	libs := ex.catalog.List()
	elems := make([]resp.Value, 0, len(libs))
	for _, lib := range libs {
		fnNames := make([]resp.Value, 0, len(lib.Functions))
		for _, name := range lib.Functions {
			fnNames = append(fnNames, resp.BulkString(name))
		}
		elems = append(elems, resp.Array(
			resp.BulkString("library_sha"), resp.BulkString(lib.Sha),
			resp.BulkString("engine"), resp.BulkString(lib.Engine),
			resp.BulkString("functions"), resp.Array(fnNames...),
		))
	}
	c.Reply(resp.Array(elems...))
}

func (ex *Executor) functionStats(c *store.Client) {
	var engines []resp.Value
	ex.mgr.ForEach(func(d *engine.Descriptor) {
		info := d.CallGetMemoryInfo(engine.SubsystemFunction)
		engines = append(engines,
			resp.BulkString(d.Name()),
			resp.Array(
				resp.BulkString("libraries_count"), resp.Int(int64(len(ex.catalog.List()))),
				resp.BulkString("functions_count"), resp.Int(int64(ex.catalog.Count())),
				resp.BulkString("used_memory"), resp.Int(int64(info.UsedMemory)),
			))
	})
	running := resp.Null()
	if rctx := ex.running.Load(); rctx != nil && rctx.Running() && !rctx.EvalMode {
		running = resp.BulkString(rctx.FuncName)
	}
	c.Reply(resp.Array(
		resp.BulkString("running_script"), running,
		resp.BulkString("engines"), resp.Array(engines...),
	))
}

// ReloadLibraries recompiles persisted library sources through the
// registry; called at startup when the catalog has an attached store.
func (ex *Executor) ReloadLibraries(sources map[string]string) {
	for sha, code := range sources {
		sb, err := engine.ParseShebang(code)
		if err != nil {
			ex.log.Warn("skipping persisted library", "sha", sha, "err", err)
			continue
		}
		d := ex.mgr.Find(sb.Engine)
		if d == nil {
			ex.log.Warn("skipping persisted library, engine missing", "sha", sha, "engine", sb.Engine)
			continue
		}
		fns, err := d.CallCompileCode(engine.SubsystemFunction, code[sb.BodyOffset:], library.LoadTimeout)
		if err != nil {
			ex.log.Warn("persisted library failed to compile", "sha", sha, "err", err)
			continue
		}
		if err := ex.catalog.AddLibrary(d, code, sha, fns, true); err != nil {
			for _, fn := range fns {
				d.CallFreeFunction(engine.SubsystemFunction, fn)
			}
			ex.log.Warn("persisted library failed to register", "sha", sha, "err", err)
		}
	}
}
