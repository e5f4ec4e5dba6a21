package debugger

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/scriptkv/resp"
)

func TestParseCommandComplete(t *testing.T) {
	l := New()
	l.cbuf = []byte("*2\r\n$1\r\nb\r\n$2\r\n10\r\n")
	argv, err := l.parseCommand()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(argv) != 2 || string(argv[0]) != "b" || string(argv[1]) != "10" {
		t.Fatalf("argv: %q", argv)
	}
	if len(l.cbuf) != 0 {
		t.Errorf("buffer not consumed: %q", l.cbuf)
	}
}

func TestParseCommandIncomplete(t *testing.T) {
	l := New()
	for _, partial := range []string{
		"*2\r\n$1\r\ns",
		"*2\r\n",
		"*1\r\n$4\r\nst",
	} {
		l.cbuf = []byte(partial)
		argv, err := l.parseCommand()
		if err != nil || argv != nil {
			t.Errorf("partial %q must keep reading, got %q %v", partial, argv, err)
		}
	}
}

func TestParseCommandTolerantSeek(t *testing.T) {
	l := New()
	// Garbage before the '*' is skipped, in the spirit of the forgiving
	// parser.
	l.cbuf = []byte("junk*1\r\n$1\r\ns\r\n")
	argv, err := l.parseCommand()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(argv) != 1 || string(argv[0]) != "s" {
		t.Fatalf("argv: %q", argv)
	}
}

func TestParseCommandMalformed(t *testing.T) {
	l := New()
	for _, bad := range []string{
		"no star here\r\n",
		"*0\r\n",
		"*2000\r\n",
		"*1\r\nnot-bulk\r\n",
		"*1\r\n$-1\r\n\r\n",
	} {
		l.cbuf = []byte(bad)
		if _, err := l.parseCommand(); err == nil {
			t.Errorf("input %q must be a protocol error", bad)
		}
	}
}

func TestParseCommandArgLimits(t *testing.T) {
	l := New()
	big := strings.Repeat("x", maxPromptArgLen+1)
	l.cbuf = []byte(fmt.Sprintf("*1\r\n$%d\r\n%s\r\n", len(big), big))
	if _, err := l.parseCommand(); err == nil {
		t.Error("oversized bulk must be rejected")
	}
}

func TestBreakpoints(t *testing.T) {
	l := New()
	l.src = make([]string, 100)

	if l.AddBreakpoint(0) || l.AddBreakpoint(101) {
		t.Error("out-of-range breakpoints must be rejected")
	}
	if !l.AddBreakpoint(10) || !l.IsBreakpoint(10) {
		t.Error("breakpoint not set")
	}
	if !l.AddBreakpoint(10) {
		t.Error("re-adding an existing breakpoint reports success")
	}
	if len(l.bp) != 1 {
		t.Errorf("duplicate breakpoint stored: %v", l.bp)
	}
	if !l.DelBreakpoint(10) || l.IsBreakpoint(10) {
		t.Error("breakpoint not removed")
	}
	if l.DelBreakpoint(10) {
		t.Error("removing a missing breakpoint reports success")
	}

	for i := 1; i <= BreakpointsMax; i++ {
		if !l.AddBreakpoint(i) {
			t.Fatalf("breakpoint %d rejected before the table is full", i)
		}
	}
	if l.AddBreakpoint(BreakpointsMax + 1) {
		t.Error("65th breakpoint must be rejected")
	}
}

func TestLogTrimming(t *testing.T) {
	l := New()
	l.maxlen = 10
	l.LogWithMaxLen("0123456789ABCDEF")
	if len(l.logs) != 2 {
		t.Fatalf("expected the trimmed entry plus one hint, got %v", l.logs)
	}
	if l.logs[0] != "0123456789 ..." {
		t.Errorf("trimmed entry: %q", l.logs[0])
	}
	if !strings.Contains(l.logs[1], "<hint>") {
		t.Errorf("first trim must hint about maxlen: %q", l.logs[1])
	}
	l.LogWithMaxLen("0123456789ABCDEF")
	if len(l.logs) != 3 {
		t.Errorf("hint must only be sent once")
	}
}

func TestSendLogsFraming(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	l := New()
	l.Arm(serverConn)
	l.Log("first")
	l.Log("with\r\nnewlines")

	go l.SendLogs()

	br := bufio.NewReader(clientConn)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, _ := br.ReadString('\n')
	if header != "*2\r\n" {
		t.Fatalf("frame header: %q", header)
	}
	line1, _ := br.ReadString('\n')
	if line1 != "+first\r\n" {
		t.Fatalf("line 1: %q", line1)
	}
	line2, _ := br.ReadString('\n')
	if line2 != "+with  newlines\r\n" {
		t.Fatalf("embedded CR/LF must become spaces: %q", line2)
	}
	if len(l.logs) != 0 {
		t.Error("sent entries must be consumed")
	}
}

func TestBufferLimit(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	l := New()
	l.Arm(serverConn)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.readCommand()
		errCh <- err
	}()

	// Feed a command header that never completes past the 1 MiB cap.
	go func() {
		if _, err := clientConn.Write([]byte("*")); err != nil {
			return
		}
		junk := []byte(strings.Repeat("1", 64*1024))
		for i := 0; i < 17; i++ {
			if _, err := clientConn.Write(junk); err != nil {
				break
			}
		}
	}()
	select {
	case err := <-errCh:
		if err != ErrBufferLimit {
			t.Fatalf("expected ErrBufferLimit, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("oversized buffer not rejected")
	}
}

func TestClientDisconnectClearsStepping(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	l := New()
	l.Arm(serverConn)
	l.src = []string{"line"}
	l.AddBreakpoint(1)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.readCommand()
		errCh <- err
	}()
	clientConn.Close()

	select {
	case err := <-errCh:
		if err != ErrClientClosed {
			t.Fatalf("expected ErrClientClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not observe the close")
	}
	if l.StepEnabled() || l.IsBreakpoint(1) {
		t.Error("disconnect must clear stepping and breakpoints so the script finishes")
	}
}

func TestMaxlenCoercion(t *testing.T) {
	l := New()
	l.maxlen = MaxLenDefault
	l.maxlenCmd([][]byte{[]byte("maxlen"), []byte("30")})
	if l.maxlen != 60 {
		t.Errorf("values 1..59 must coerce to 60, got %d", l.maxlen)
	}
	l.logs = nil
	l.maxlenCmd([][]byte{[]byte("maxlen"), []byte("0")})
	if l.maxlen != 0 {
		t.Errorf("zero must disable trimming, got %d", l.maxlen)
	}
	if !strings.Contains(l.logs[0], "unlimited") {
		t.Errorf("maxlen report: %v", l.logs)
	}
}

func TestChildrenBookkeeping(t *testing.T) {
	c := NewChildren()
	killed := 0
	id1 := c.Add(func() { killed++ })
	id2 := c.Add(func() { killed++ })
	if c.Pending() != 2 {
		t.Fatalf("pending: %d", c.Pending())
	}
	if !c.Remove(id1) {
		t.Error("remove of a live child failed")
	}
	if c.Remove(id1) {
		t.Error("second remove must report false")
	}
	c.KillAll()
	if killed != 1 {
		t.Errorf("only the remaining child must be killed, got %d", killed)
	}
	if c.Pending() != 0 {
		t.Errorf("pending after kill-all: %d", c.Pending())
	}
	_ = id2
}

func TestHumanReply(t *testing.T) {
	cases := []struct {
		v    resp.Value
		want string
	}{
		{resp.Int(42), "42"},
		{resp.BulkString("hi"), `"hi"`},
		{resp.Simple("OK"), `"+OK"`},
		{resp.Err("ERR nope"), `"-ERR nope"`},
		{resp.Null(), "NULL"},
		{resp.Array(resp.Int(1), resp.BulkString("a")), `[1,"a"]`},
		{resp.Boolean(true), "#true"},
	}
	for _, tc := range cases {
		if got := HumanReply(tc.v); got != tc.want {
			t.Errorf("HumanReply(%+v) = %q, want %q", tc.v, got, tc.want)
		}
	}
}

func TestSourceLineMarkers(t *testing.T) {
	l := New()
	l.src = []string{"one", "two", "three"}
	l.current = 2
	l.AddBreakpoint(2)
	l.LogSourceLine(2)
	if l.logs[0] != "->#2   two" {
		t.Errorf("current+breakpoint marker: %q", l.logs[0])
	}
	l.logs = nil
	l.LogSourceLine(3)
	if l.logs[0] != "   3   three" {
		t.Errorf("plain line: %q", l.logs[0])
	}
	l.logs = nil
	l.LogSourceLine(99)
	if !strings.Contains(l.logs[0], "<out of range source code line>") {
		t.Errorf("out of range: %q", l.logs[0])
	}
}
