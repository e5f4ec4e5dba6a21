// Package debugger implements the line-level single-step debugger for
// scripts. It owns a singleton session state: the debugging client's
// connection, breakpoints, the source split into lines, and the log buffer
// flushed to the client as multi-bulk frames. Engines drive it through
// OnLine and the predicates; the prompt loop calls back into the engine
// through the Target interface.
package debugger

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caffeineduck/scriptkv/resp"
)

const (
	// BreakpointsMax bounds the number of line breakpoints per session.
	BreakpointsMax = 64
	// MaxLenDefault is the default truncation cap for replies and value
	// dumps.
	MaxLenDefault = 256
	// sendTimeout applies to every write toward the debugging client.
	sendTimeout = 5 * time.Second
)

var (
	// ErrAbort is returned by the prompt loop when the user asked to stop
	// the script; the engine raises it as a script error.
	ErrAbort = errors.New("script aborted for user request")
	// ErrClientClosed means the debugging client went away; stepping and
	// breakpoints are already cleared so the script finishes unattended.
	ErrClientClosed = errors.New("debugger client closed connection")
	// ErrBufferLimit means the inbound command buffer passed 1 MiB.
	ErrBufferLimit = errors.New("max client buffer reached")
)

// Target is the engine-side surface the prompt commands call into. A
// target is valid only while its script frame is stopped at the prompt.
type Target interface {
	// Print logs the named local (or the KEYS/ARGV globals); PrintAll
	// logs every local in the current frame.
	Print(name string)
	PrintAll()
	// Eval runs a code fragment in a new call frame and logs the result.
	Eval(code string)
	// Trace logs a backtrace of user-script frames.
	Trace()
	// CallServerCommand executes a command through the script's command
	// binding, logging the command and its reply.
	CallServerCommand(argv [][]byte)
}

// LDB is the debugger singleton. It is touched only by the main command
// loop, or by a forked child that owns a private copy in its own session.
type LDB struct {
	conn    net.Conn
	active  bool
	forked  bool
	logs    []string
	bp      []int
	step    bool
	luabp   bool
	src     []string
	current int
	cbuf    []byte
	maxlen  int
	hinted  bool

	children *Children
	log      *slog.Logger
}

func New() *LDB {
	return &LDB{
		children: NewChildren(),
		log:      slog.Default(),
	}
}

// Children exposes the forked-session bookkeeping.
func (l *LDB) Children() *Children { return l.children }

// Arm prepares a session for the client connection that issued SCRIPT
// DEBUG. Session fields reset; step mode starts enabled so execution stops
// on the first line.
func (l *LDB) Arm(conn net.Conn) {
	l.logs = nil
	l.conn = conn
	l.step = true
	l.bp = l.bp[:0]
	l.luabp = false
	l.cbuf = nil
	l.maxlen = MaxLenDefault
	l.hinted = false
}

// Active reports whether a debugging session is running right now.
func (l *LDB) Active() bool { return l.active }

// Forked reports whether the running session is a forked one.
func (l *LDB) Forked() bool { return l.forked }

// StartSession begins debugging the given source. The source is split by
// lines after trailing newlines are trimmed, the way the prompt's list
// command addresses it.
func (l *LDB) StartSession(source string, forked bool) {
	l.forked = forked
	l.active = true
	source = strings.TrimRight(source, "\r\n")
	l.src = strings.Split(source, "\n")
	l.current = 0
	if forked {
		l.log.Info("forked for debugging eval")
	} else {
		l.log.Info("synchronous debugging eval session started")
	}
}

// EndSession emits the <endsession> sentinel and flushes remaining logs.
// The caller decides what happens to the connection (forked children stop,
// sync sessions close after the final reply).
func (l *LDB) EndSession() {
	l.Log("<endsession>")
	l.SendLogs()
	l.src = nil
	l.active = false
}

// Log appends one entry to the session log buffer.
func (l *LDB) Log(entry string) {
	l.logs = append(l.logs, entry)
}

// LogWithMaxLen appends an entry, trimming it to the session cap. The
// first trim emits a hint about the maxlen command.
func (l *LDB) LogWithMaxLen(entry string) {
	trimmed := false
	if l.maxlen > 0 && len(entry) > l.maxlen {
		entry = entry[:l.maxlen] + " ..."
		trimmed = true
	}
	l.Log(entry)
	if trimmed && !l.hinted {
		l.hinted = true
		l.Log("<hint> The above reply was trimmed. Use 'maxlen 0' to disable trimming.")
	}
}

// SendLogs flushes the log buffer as one multi-bulk of simple strings.
// Embedded CR/LF are replaced by spaces. Write errors are ignored here;
// the next read catches the broken connection.
func (l *LDB) SendLogs() {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(l.logs))
	for _, entry := range l.logs {
		entry = strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return ' '
			}
			return r
		}, entry)
		b.WriteByte('+')
		b.WriteString(entry)
		b.WriteString("\r\n")
	}
	l.logs = l.logs[:0]
	if l.conn != nil {
		_ = l.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
		_, _ = l.conn.Write([]byte(b.String()))
	}
}

// SourceLine returns the one-based source line, or a placeholder for out
// of range lines.
func (l *LDB) SourceLine(line int) string {
	idx := line - 1
	if idx < 0 || idx >= len(l.src) {
		return "<out of range source code line>"
	}
	return l.src[idx]
}

// Lines returns the number of source lines.
func (l *LDB) Lines() int { return len(l.src) }

// CurrentLine returns the line the script is stopped at.
func (l *LDB) CurrentLine() int { return l.current }

// SetCurrentLine records the interpreter's position.
func (l *LDB) SetCurrentLine(line int) { l.current = line }

// IsBreakpoint reports whether line has a breakpoint.
func (l *LDB) IsBreakpoint(line int) bool {
	for _, b := range l.bp {
		if b == line {
			return true
		}
	}
	return false
}

// AddBreakpoint sets a breakpoint. It reports false for invalid lines or
// when the table is full.
func (l *LDB) AddBreakpoint(line int) bool {
	if line <= 0 || line > len(l.src) {
		return false
	}
	if l.IsBreakpoint(line) {
		return true
	}
	if len(l.bp) == BreakpointsMax {
		return false
	}
	l.bp = append(l.bp, line)
	return true
}

// DelBreakpoint removes a breakpoint, reporting whether one existed.
func (l *LDB) DelBreakpoint(line int) bool {
	for i, b := range l.bp {
		if b == line {
			l.bp = append(l.bp[:i], l.bp[i+1:]...)
			return true
		}
	}
	return false
}

// SetBreakpointOnNextLine arms the one-shot break requested by
// server.breakpoint().
func (l *LDB) SetBreakpointOnNextLine(enable bool) { l.luabp = enable }

// BreakpointOnNextLine reports the one-shot break flag.
func (l *LDB) BreakpointOnNextLine() bool { return l.luabp }

// StepEnabled reports whether the session stops at the next line
// regardless of breakpoints.
func (l *LDB) StepEnabled() bool { return l.step }

// SetStep toggles step mode.
func (l *LDB) SetStep(enable bool) { l.step = enable }

// ShouldBreak reports whether execution must stop at the current line.
func (l *LDB) ShouldBreak() bool {
	return l.IsBreakpoint(l.current) || l.luabp
}

// TraceEnabled reports whether command tracing is on; commands issued by
// the script are logged while single-stepping.
func (l *LDB) TraceEnabled() bool { return l.active && l.step }

// OnLine is the per-line hook engines call before each executable line.
// When a breakpoint or step applies, control moves to the prompt until the
// user resumes. The returned error is ErrAbort, ErrBufferLimit, or a
// protocol error to be raised inside the script; ErrClientClosed is
// swallowed so an orphaned script runs to completion.
func (l *LDB) OnLine(t Target, line int) error {
	l.current = line
	bp := l.IsBreakpoint(line) || l.luabp
	if !l.step && !bp {
		return nil
	}
	reason := "step over"
	if bp {
		if l.luabp {
			reason = "server.breakpoint() called"
		} else {
			reason = "break point"
		}
		l.luabp = false
	}
	l.step = false
	l.Log(fmt.Sprintf("* Stopped at %d, stop reason = %s", line, reason))
	l.LogSourceLine(line)
	l.SendLogs()
	err := l.Repl(t)
	if errors.Is(err, ErrClientClosed) {
		return nil
	}
	return err
}

// LogSourceLine logs one source line with the current/breakpoint markers.
func (l *LDB) LogSourceLine(line int) {
	bp := l.IsBreakpoint(line)
	current := l.current == line
	var prefix string
	switch {
	case current && bp:
		prefix = "->#"
	case current:
		prefix = "-> "
	case bp:
		prefix = "  #"
	default:
		prefix = "   "
	}
	l.Log(fmt.Sprintf("%s%-3d %s", prefix, line, l.SourceLine(line)))
}

// list implements the list command: around=0 lists the whole file.
func (l *LDB) list(around, context int) {
	for j := 1; j <= len(l.src); j++ {
		if around != 0 {
			d := around - j
			if d < 0 {
				d = -d
			}
			if d > context {
				continue
			}
		}
		l.LogSourceLine(j)
	}
}

// breakCmd implements the break command: list, add (N), remove (-N),
// clear (0).
func (l *LDB) breakCmd(argv [][]byte) {
	if len(argv) == 1 {
		if len(l.bp) == 0 {
			l.Log("No breakpoints set. Use 'b <line>' to add one.")
			return
		}
		l.Log(fmt.Sprintf("%d breakpoints set:", len(l.bp)))
		for _, b := range l.bp {
			l.LogSourceLine(b)
		}
		return
	}
	for _, arg := range argv[1:] {
		line, err := strconv.Atoi(string(arg))
		if err != nil {
			l.Log(fmt.Sprintf("Invalid argument:'%s'", string(arg)))
			continue
		}
		switch {
		case line == 0:
			l.bp = l.bp[:0]
			l.Log("All breakpoints removed.")
		case line > 0:
			if len(l.bp) == BreakpointsMax {
				l.Log("Too many breakpoints set.")
			} else if l.AddBreakpoint(line) {
				l.list(line, 1)
			} else {
				l.Log("Wrong line number.")
			}
		default:
			if l.DelBreakpoint(-line) {
				l.Log("Breakpoint removed.")
			} else {
				l.Log("No breakpoint in the specified line.")
			}
		}
	}
}

// maxlenCmd implements the maxlen command. Values 1..59 coerce to 60;
// zero disables trimming.
func (l *LDB) maxlenCmd(argv [][]byte) {
	if len(argv) == 2 {
		newval, _ := strconv.Atoi(string(argv[1]))
		l.hinted = true
		if newval != 0 && newval <= 60 {
			newval = 60
		}
		l.maxlen = newval
	}
	if l.maxlen > 0 {
		l.Log(fmt.Sprintf("<value> replies are truncated at %d bytes.", l.maxlen))
	} else {
		l.Log("<value> replies are unlimited.")
	}
}

// LogServerCommand logs a command issued by the script while tracing.
func (l *LDB) LogServerCommand(argv [][]byte) {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = string(a)
	}
	l.LogWithMaxLen("<redis> " + strings.Join(parts, " "))
}

// LogServerReply logs a command reply in human readable form.
func (l *LDB) LogServerReply(v resp.Value) {
	l.LogWithMaxLen("<reply> " + HumanReply(v))
}

// Repl reads prompt commands until one resumes execution. Returned errors:
// ErrAbort, ErrBufferLimit, ErrClientClosed, or a protocol error.
func (l *LDB) Repl(t Target) error {
	for {
		argv, err := l.readCommand()
		if err != nil {
			return err
		}
		cmd := strings.ToLower(string(argv[0]))
		switch cmd {
		case "h", "help":
			l.help()
			l.SendLogs()
		case "s", "step", "n", "next":
			l.step = true
			return nil
		case "c", "continue":
			return nil
		case "t", "trace":
			t.Trace()
			l.SendLogs()
		case "m", "maxlen":
			l.maxlenCmd(argv)
			l.SendLogs()
		case "b", "break":
			l.breakCmd(argv)
			l.SendLogs()
		case "e", "eval":
			parts := make([]string, 0, len(argv)-1)
			for _, a := range argv[1:] {
				parts = append(parts, string(a))
			}
			t.Eval(strings.Join(parts, " "))
			l.SendLogs()
		case "a", "abort":
			return ErrAbort
		case "p", "print":
			if len(argv) == 2 {
				t.Print(string(argv[1]))
			} else {
				t.PrintAll()
			}
			l.SendLogs()
		case "l", "list":
			around, ctx := l.current, 5
			if len(argv) > 1 {
				if num, err := strconv.Atoi(string(argv[1])); err == nil && num > 0 {
					around = num
				}
			}
			if len(argv) > 2 {
				if num, err := strconv.Atoi(string(argv[2])); err == nil {
					ctx = num
				}
			}
			l.list(around, ctx)
			l.SendLogs()
		case "w", "whole":
			l.list(1, 1000000)
			l.SendLogs()
		default:
			if len(argv) > 1 && (cmd == "r" || cmd == "redis" || cmd == "v" || cmd == "valkey" || cmd == "server") {
				t.CallServerCommand(argv[1:])
				l.SendLogs()
			} else {
				l.Log("<error> Unknown debugger command or wrong number of arguments.")
				l.SendLogs()
			}
		}
	}
}

// readCommand blocks on the connection until one full command is parsed.
// A disconnect clears stepping state so the script finishes without user
// input.
func (l *LDB) readCommand() ([][]byte, error) {
	for {
		argv, err := l.parseCommand()
		if err != nil {
			return nil, err
		}
		if argv != nil {
			return argv, nil
		}
		buf := make([]byte, 1024)
		n, err := l.conn.Read(buf)
		if n <= 0 || err != nil {
			l.step = false
			l.bp = l.bp[:0]
			return nil, ErrClientClosed
		}
		l.cbuf = append(l.cbuf, buf[:n]...)
		if len(l.cbuf) > 1<<20 {
			l.cbuf = nil
			return nil, ErrBufferLimit
		}
	}
}

func (l *LDB) help() {
	for _, line := range []string{
		"Script debugger help:",
		"[h]elp               Show this help.",
		"[s]tep               Run current line and stop again.",
		"[n]ext               Alias for step.",
		"[c]ontinue           Run till next breakpoint.",
		"[l]ist               List source code around current line.",
		"[l]ist [line]        List source code around [line].",
		"                     line = 0 means: current position.",
		"[l]ist [line] [ctx]  In this form [ctx] specifies how many lines",
		"                     to show before/after [line].",
		"[w]hole              List all source code. Alias for 'list 1 1000000'.",
		"[p]rint              Show all the local variables.",
		"[p]rint <var>        Show the value of the specified variable.",
		"                     Can also show global vars KEYS and ARGV.",
		"[b]reak              Show all breakpoints.",
		"[b]reak <line>       Add a breakpoint to the specified line.",
		"[b]reak -<line>      Remove breakpoint from the specified line.",
		"[b]reak 0            Remove all breakpoints.",
		"[t]race              Show a backtrace.",
		"[e]val <code>        Execute some code (in a different callframe).",
		"[v]alkey <cmd>       Execute a command.",
		"[m]axlen [len]       Trim logged replies and var dumps to len.",
		"                     Specifying zero as <len> means unlimited.",
		"[a]bort              Stop the execution of the script. In sync",
		"                     mode dataset changes will be retained.",
		"",
		"Debugger functions you can call from a script:",
		"server.debug()       Produce logs in the debugger console.",
		"server.breakpoint()  Stop execution like if there was a breakpoint in the",
		"                     next line of code.",
	} {
		l.Log(line)
	}
}
