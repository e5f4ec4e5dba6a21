package luaengine

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/scriptkv/debugger"
	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/resp"
	"github.com/caffeineduck/scriptkv/store"
)

// ldbClient drives the debugger wire protocol from the client side.
type ldbClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func (c *ldbClient) send(args ...string) {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		c.t.Errorf("client write: %v", err)
	}
}

// readFrame reads one multi-bulk frame of simple strings.
func (c *ldbClient) readFrame() []string {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	header, err := c.br.ReadString('\n')
	if err != nil {
		c.t.Fatalf("client read header: %v", err)
	}
	if header[0] != '*' {
		c.t.Fatalf("unexpected frame header %q", header)
	}
	n, _ := strconv.Atoi(strings.TrimRight(header[1:], "\r\n"))
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := c.br.ReadString('\n')
		if err != nil {
			c.t.Fatalf("client read line: %v", err)
		}
		lines = append(lines, strings.TrimRight(strings.TrimPrefix(line, "+"), "\r\n"))
	}
	return lines
}

func frameContains(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// startSession runs a synchronous debugging session for the given script
// and returns the client half plus a channel with the script's reply.
func startSession(t *testing.T, script string) (*ldbClient, *debugger.LDB, chan resp.Value) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	st := store.New()
	ldb := debugger.New()
	e := New(st, ldb)

	fns, err := e.CompileCode(engine.SubsystemEval, script, 0)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	ldb.Arm(serverConn)
	ldb.StartSession(script, false)

	replyCh := make(chan resp.Value, 1)
	go func() {
		var buf resp.Buffer
		c := store.NewClient("debug", &buf)
		rctx := engine.NewRunContext(c)
		rctx.EvalMode = true
		rctx.SetEngineClient(store.NewScriptClient("lua"))
		e.CallFunction(rctx, fns[0], engine.SubsystemEval, nil, nil)
		ldb.EndSession()
		vs := buf.Values()
		if len(vs) == 1 {
			replyCh <- vs[0]
		} else {
			replyCh <- resp.Err("no reply")
		}
	}()

	return &ldbClient{t: t, conn: clientConn, br: bufio.NewReader(clientConn)}, ldb, replyCh
}

func TestDebugStepThrough(t *testing.T) {
	client, _, replyCh := startSession(t, "return 1+2")

	stop := client.readFrame()
	if !frameContains(stop, "Stopped at 1") {
		t.Fatalf("expected initial stop at line 1: %v", stop)
	}
	if !frameContains(stop, "-> 1   return 1+2") {
		t.Fatalf("expected current-line listing: %v", stop)
	}

	client.send("s")
	end := client.readFrame()
	if !frameContains(end, "<endsession>") {
		t.Fatalf("expected session end after stepping off the last line: %v", end)
	}

	v := <-replyCh
	if v.Int != 3 {
		t.Fatalf("final reply must be 3, got %+v", v)
	}
}

func TestDebugPrintLocals(t *testing.T) {
	client, _, replyCh := startSession(t, "local x = 10\nlocal y = x + 5\nreturn y")

	client.readFrame() // stopped at line 1
	client.send("s")
	client.readFrame() // stopped at line 2
	client.send("s")   // x assigned now

	client.readFrame() // stopped at line 3
	client.send("p", "x")
	frame := client.readFrame()
	if !frameContains(frame, "<value> 10") {
		t.Fatalf("print x: %v", frame)
	}

	client.send("p")
	frame = client.readFrame()
	if !frameContains(frame, "x = 10") || !frameContains(frame, "y = 15") {
		t.Fatalf("print all: %v", frame)
	}

	client.send("c")
	client.readFrame() // endsession
	if v := <-replyCh; v.Int != 15 {
		t.Fatalf("reply: %+v", v)
	}
}

func TestDebugBreakpointAndContinue(t *testing.T) {
	client, ldb, replyCh := startSession(t, "local a = 1\nlocal b = 2\nlocal c = 3\nreturn a+b+c")

	client.readFrame() // line 1
	client.send("b", "3")
	frame := client.readFrame()
	if !frameContains(frame, "  #3") && !frameContains(frame, "->#3") {
		t.Fatalf("breakpoint listing: %v", frame)
	}

	client.send("c")
	stop := client.readFrame()
	if !frameContains(stop, "Stopped at 3") || !frameContains(stop, "break point") {
		t.Fatalf("expected stop at breakpoint: %v", stop)
	}
	if ldb.CurrentLine() != 3 {
		t.Errorf("current line: %d", ldb.CurrentLine())
	}

	client.send("c")
	client.readFrame() // endsession
	if v := <-replyCh; v.Int != 6 {
		t.Fatalf("reply: %+v", v)
	}
}

func TestDebugEvalAndServer(t *testing.T) {
	client, _, replyCh := startSession(t, "local n = 4\nreturn n")

	client.readFrame()
	client.send("e", "1+1")
	frame := client.readFrame()
	if !frameContains(frame, "<retval> 2") {
		t.Fatalf("eval fragment: %v", frame)
	}

	client.send("v", "set", "dk", "dv")
	frame = client.readFrame()
	if !frameContains(frame, "<redis> set dk dv") || !frameContains(frame, "<reply>") {
		t.Fatalf("server command trace: %v", frame)
	}

	client.send("c")
	client.readFrame()
	if v := <-replyCh; v.Int != 4 {
		t.Fatalf("reply: %+v", v)
	}
}

func TestDebugAbort(t *testing.T) {
	client, _, replyCh := startSession(t, "local q = 1\nreturn q")

	client.readFrame()
	client.send("a")
	client.readFrame() // endsession frame

	v := <-replyCh
	if !v.IsError() || !strings.Contains(v.Str, "script aborted for user request") {
		t.Fatalf("abort must error the script: %+v", v)
	}
}

func TestDebugWholeListing(t *testing.T) {
	client, _, replyCh := startSession(t, "local a = 1\nreturn a")

	client.readFrame()
	client.send("w")
	frame := client.readFrame()
	if len(frame) != 2 || !strings.Contains(frame[1], "return a") {
		t.Fatalf("whole listing: %v", frame)
	}

	client.send("c")
	client.readFrame()
	<-replyCh
}

func TestDebugMaxlen(t *testing.T) {
	client, _, replyCh := startSession(t, "local s = string.rep('x', 500)\nreturn 1")

	client.readFrame()
	client.send("m", "30")
	frame := client.readFrame()
	if !frameContains(frame, "truncated at 60 bytes") {
		t.Fatalf("maxlen 1..59 must coerce to 60: %v", frame)
	}

	client.send("s")
	client.readFrame() // line 2
	client.send("p", "s")
	frame = client.readFrame()
	if !frameContains(frame, " ...") {
		t.Fatalf("long value must be trimmed: %v", frame)
	}

	client.send("c")
	client.readFrame()
	<-replyCh
}

func TestDebugServerBreakpointBinding(t *testing.T) {
	client, _, replyCh := startSession(t, "local i = 0\nserver.breakpoint()\ni = 1\nreturn i")

	client.readFrame() // line 1
	client.send("b", "0")
	client.readFrame()
	client.send("c") // run server.breakpoint() at line 2

	stop := client.readFrame()
	if !frameContains(stop, "Stopped at 3") || !frameContains(stop, "server.breakpoint()") {
		t.Fatalf("server.breakpoint must stop on the next line: %v", stop)
	}

	client.send("c")
	client.readFrame()
	if v := <-replyCh; v.Int != 1 {
		t.Fatalf("reply: %+v", v)
	}
}
