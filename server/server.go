// Package server binds the scripting subsystem to a TCP command surface.
// It keeps the single-main-thread execution discipline: one command runs
// at a time, and while a script executes other connections only get
// through for the kill commands.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/scriptkv/config"
	"github.com/caffeineduck/scriptkv/debugger"
	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/executor"
	"github.com/caffeineduck/scriptkv/helloengine"
	"github.com/caffeineduck/scriptkv/jsengine"
	"github.com/caffeineduck/scriptkv/lazyfree"
	"github.com/caffeineduck/scriptkv/library"
	"github.com/caffeineduck/scriptkv/luaengine"
	"github.com/caffeineduck/scriptkv/resp"
	"github.com/caffeineduck/scriptkv/store"
	"github.com/caffeineduck/scriptkv/wasmengine"
)

// Server is one scripting server instance.
type Server struct {
	cfg      config.Config
	st       *store.Store
	mgr      *engine.Manager
	ldb      *debugger.LDB
	worker   *lazyfree.Worker
	ex       *executor.Executor
	libStore *library.Store
	log      *slog.Logger

	ln     net.Listener
	mainMu sync.Mutex
	closed atomic.Bool
	conns  sync.WaitGroup
}

// New builds a server: store, registry, engines per config, executor and
// debugger, plus optional library persistence.
func New(cfg config.Config) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		st:     store.New(),
		mgr:    engine.NewManager(),
		ldb:    debugger.New(),
		worker: lazyfree.NewWorker(),
		log:    slog.Default(),
	}
	s.st.SetReplica(cfg.Replica)

	if cfg.Engines.Lua {
		if err := luaengine.Register(s.mgr, s.st, s.ldb); err != nil {
			return nil, fmt.Errorf("register lua engine: %w", err)
		}
	}
	if cfg.Engines.JS {
		if err := jsengine.Register(s.mgr, s.st); err != nil {
			return nil, fmt.Errorf("register js engine: %w", err)
		}
	}
	if cfg.Engines.Wasm {
		if err := wasmengine.Register(s.mgr); err != nil {
			return nil, fmt.Errorf("register wasm engine: %w", err)
		}
	}
	if cfg.Engines.Hello {
		if err := helloengine.Register(s.mgr); err != nil {
			return nil, fmt.Errorf("register hello engine: %w", err)
		}
	}

	s.ex = executor.New(s.st, s.mgr, s.ldb, s.worker,
		executor.WithLazyFlushAsync(cfg.LazyFlushAsync),
		executor.WithDebugFactory(luaengine.EngineName, func(st *store.Store, ldb *debugger.LDB) engine.Engine {
			return luaengine.New(st, ldb)
		}),
	)

	if cfg.LibraryPath != "" {
		libStore, err := library.OpenStore(cfg.LibraryPath)
		if err != nil {
			return nil, err
		}
		s.libStore = libStore
		sources, err := libStore.LoadAll()
		if err != nil {
			libStore.Close()
			return nil, err
		}
		s.ex.ReloadLibraries(sources)
		s.ex.Catalog().AttachStore(libStore)
	}
	return s, nil
}

// Executor exposes the dispatcher (tests and the run command).
func (s *Server) Executor() *executor.Executor { return s.ex }

// Store exposes the dataset.
func (s *Server) Store() *store.Store { return s.st }

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	s.log.Info("listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the bound address once serving.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close shuts the server down: stop accepting, kill forked debug children,
// flush the EVAL cache synchronously and ask every engine to reset.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.mainMu.Lock()
	s.ex.Shutdown()
	s.mainMu.Unlock()
	s.worker.Close()
	if s.libStore != nil {
		s.libStore.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	r := resp.NewReader(conn)
	w := resp.NewWriter(conn)
	c := store.NewClient(conn.RemoteAddr().String(), w)
	c.Conn = conn

	for {
		argv, err := r.ReadCommand()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				conn.Close()
			}
			return
		}
		if len(argv) == 0 {
			continue
		}

		if s.ex.Busy() && !allowedWhileBusy(argv) {
			// Kill commands bypass the main lock; everything else waits
			// for the script by erroring out, never by blocking.
			c.Reply(resp.Err("BUSY The server is busy running a script. You can only call SCRIPT KILL or FUNCTION KILL or SHUTDOWN."))
			_ = w.Flush()
			continue
		}

		if isKillCommand(argv) {
			// Handled without the main lock: the lock is held by the
			// connection whose script we are killing.
			s.dispatchKill(c, argv)
			_ = w.Flush()
			continue
		}

		s.mainMu.Lock()
		s.dispatch(c, argv)
		s.mainMu.Unlock()

		if c.HandedOff {
			// A forked debugging session owns the connection now.
			return
		}
		if err := w.Flush(); err != nil {
			conn.Close()
			return
		}
		if c.CloseAfterReply {
			conn.Close()
			return
		}
	}
}

func isKillCommand(argv [][]byte) bool {
	if len(argv) != 2 {
		return false
	}
	name := strings.ToLower(string(argv[0]))
	sub := strings.ToLower(string(argv[1]))
	return (name == "script" || name == "function") && sub == "kill"
}

func allowedWhileBusy(argv [][]byte) bool {
	name := strings.ToLower(string(argv[0]))
	if name == "quit" || name == "ping" {
		return true
	}
	return isKillCommand(argv)
}

func (s *Server) dispatchKill(c *store.Client, argv [][]byte) {
	evalKill := strings.ToLower(string(argv[0])) == "script"
	s.ex.Kill(c, evalKill)
}

// dispatch routes one command. Script commands go to the dispatcher;
// everything else is a dataset command.
func (s *Server) dispatch(c *store.Client, argv [][]byte) {
	switch strings.ToLower(string(argv[0])) {
	case "eval":
		s.ex.Eval(c, argv, false)
	case "eval_ro":
		s.ex.Eval(c, argv, true)
	case "evalsha":
		s.ex.EvalSha(c, argv, false)
	case "evalsha_ro":
		s.ex.EvalSha(c, argv, true)
	case "script":
		s.ex.ScriptCommand(c, argv)
	case "fcall":
		s.ex.FCall(c, argv, false)
	case "fcall_ro":
		s.ex.FCall(c, argv, true)
	case "function":
		s.ex.FunctionCommand(c, argv)
	case "quit":
		c.Reply(resp.OK)
		c.CloseAfterReply = true
	default:
		c.Reply(s.st.Dispatch(c, argv))
	}
}
