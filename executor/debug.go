package executor

import (
	"github.com/caffeineduck/scriptkv/debugger"
	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/resp"
	"github.com/caffeineduck/scriptkv/store"
)

// evalWithDebugging wraps EVAL for a debugging-armed client and makes sure
// that, whatever happened, the session is ended.
//
// A synchronous session runs in place: the server is unavailable to other
// clients until it ends and dataset mutations persist. A forked session
// runs in a dedicated goroutine against a deep fork of the dataset with
// session-private engine state (the Go rendition of the child process);
// the parent hands the connection over and returns immediately, and the
// child's mutations are discarded with the fork.
func (ex *Executor) evalWithDebugging(c *store.Client, argv [][]byte, ro bool) {
	if len(argv) < 3 {
		c.Reply(resp.Errf("ERR wrong number of arguments for '%s' command", string(argv[0])))
		return
	}
	source := string(argv[1])

	if c.Debug == store.DebugSync {
		ex.ldb.Arm(c.Conn)
		ex.ldb.StartSession(source, false)
		ex.evalGeneric(c, argv, false, ro)
		ex.ldb.EndSession()
		c.Debug = store.DebugOff
		c.CloseAfterReply = true
		return
	}

	// Forked session. Build the isolated child world first so a setup
	// failure is still reported on the parent's reply path.
	childStore := ex.store.Fork()
	childLDB := debugger.New()
	childMgr := engine.NewManager()
	for name, factory := range ex.debugFactories {
		if err := childMgr.Register(name, nil, factory(childStore, childLDB)); err != nil {
			c.Reply(resp.Errf("ERR can't start debugging session: %s", err))
			return
		}
	}
	child := New(childStore, childMgr, childLDB, ex.worker)

	conn := c.Conn
	childLDB.Arm(conn)
	w := resp.NewWriter(conn)
	childClient := store.NewClient(c.Name+":ldb", w)
	childClient.Conn = conn

	id := ex.ldb.Children().Add(func() {
		if rctx := child.running.Load(); rctx != nil {
			rctx.Kill()
		}
		conn.Close()
	})

	go func() {
		defer ex.ldb.Children().Remove(id)
		childLDB.StartSession(source, true)
		child.evalGeneric(childClient, argv, false, ro)
		childLDB.EndSession()
		_ = w.Flush()
		conn.Close()
		ex.log.Info("debugging session child exiting", "id", id)
	}()

	// Parent side: the connection now belongs to the child.
	c.HandedOff = true
	c.Debug = store.DebugOff
}
