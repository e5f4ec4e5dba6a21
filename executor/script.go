package executor

import (
	"strings"

	"github.com/caffeineduck/scriptkv/evalcache"
	"github.com/caffeineduck/scriptkv/resp"
	"github.com/caffeineduck/scriptkv/store"
)

// ScriptCommand dispatches the SCRIPT subcommands.
func (ex *Executor) ScriptCommand(c *store.Client, argv [][]byte) {
	if len(argv) < 2 {
		ex.subcommandSyntaxError(c, argv)
		return
	}
	sub := strings.ToLower(string(argv[1]))
	switch {
	case sub == "help" && len(argv) == 2:
		ex.scriptHelp(c)
	case sub == "flush":
		ex.scriptFlush(c, argv)
	case sub == "exists" && len(argv) >= 3:
		elems := make([]resp.Value, 0, len(argv)-2)
		for _, d := range argv[2:] {
			if ex.cache.Exists(string(d)) {
				elems = append(elems, resp.Int(1))
			} else {
				elems = append(elems, resp.Int(0))
			}
		}
		c.Reply(resp.Array(elems...))
	case sub == "load" && len(argv) == 3:
		entry, err := ex.cache.Register(string(argv[2]), false)
		if err != nil {
			c.Reply(resp.Errf("ERR %s", err))
			return
		}
		c.Reply(resp.BulkString(entry.Sha))
	case sub == "kill" && len(argv) == 2:
		ex.Kill(c, true)
	case sub == "debug" && len(argv) == 3:
		ex.scriptDebug(c, argv)
	case sub == "show" && len(argv) == 3:
		sha, ok := evalcache.NormalizeSha(string(argv[2]))
		if ok {
			if entry := ex.cache.Lookup(sha); entry != nil {
				c.Reply(resp.BulkString(entry.Body))
				return
			}
		}
		c.Reply(resp.Err(noScriptErr))
	default:
		ex.subcommandSyntaxError(c, argv)
	}
}

func (ex *Executor) scriptFlush(c *store.Client, argv [][]byte) {
	var async bool
	switch {
	case len(argv) == 2:
		async = ex.lazyFlushAsync
	case len(argv) == 3 && strings.EqualFold(string(argv[2]), "sync"):
		async = false
	case len(argv) == 3 && strings.EqualFold(string(argv[2]), "async"):
		async = true
	default:
		c.Reply(resp.Err("ERR SCRIPT FLUSH only support SYNC|ASYNC option"))
		return
	}
	ex.cache.Flush(async)
	c.Reply(resp.OK)
}

func (ex *Executor) scriptDebug(c *store.Client, argv [][]byte) {
	switch strings.ToLower(string(argv[2])) {
	case "no":
		c.Debug = store.DebugOff
		c.Reply(resp.OK)
	case "yes":
		c.Debug = store.DebugForked
		c.Reply(resp.OK)
	case "sync":
		c.Debug = store.DebugSync
		c.Reply(resp.OK)
	default:
		c.Reply(resp.Err("ERR Use SCRIPT DEBUG YES/SYNC/NO"))
	}
}

func (ex *Executor) scriptHelp(c *store.Client) {
	help := []string{
		"SCRIPT <subcommand> [<arg> [value] [opt] ...]. Subcommands are:",
		"DEBUG (YES|SYNC|NO)",
		"    Set the debug mode for subsequent scripts executed.",
		"EXISTS <sha1> [<sha1> ...]",
		"    Return information about the existence of the scripts in the script cache.",
		"FLUSH [ASYNC|SYNC]",
		"    Flush the scripts cache. Very dangerous on replicas.",
		"    When called without the optional mode argument, the behavior is determined",
		"     by the lazyfree-lazy-user-flush configuration directive. Valid modes are:",
		"    * ASYNC: Asynchronously flush the scripts cache.",
		"    * SYNC: Synchronously flush the scripts cache.",
		"KILL",
		"    Kill the currently executing script.",
		"LOAD <script>",
		"    Load a script into the scripts cache without executing it.",
		"SHOW <sha1>",
		"    Show a script from the scripts cache.",
		"HELP",
		"    Print this help.",
	}
	elems := make([]resp.Value, len(help))
	for i, line := range help {
		elems[i] = resp.Simple(line)
	}
	c.Reply(resp.Array(elems...))
}

func (ex *Executor) subcommandSyntaxError(c *store.Client, argv [][]byte) {
	sub := ""
	if len(argv) > 1 {
		sub = string(argv[1])
	}
	c.Reply(resp.Errf("ERR Unknown %s subcommand or wrong number of arguments for '%s'. Try %s HELP.",
		strings.ToUpper(string(argv[0])), sub, strings.ToUpper(string(argv[0]))))
}
