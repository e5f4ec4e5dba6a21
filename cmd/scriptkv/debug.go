package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var debugCmd = &cobra.Command{
	Use:   "debug [file]",
	Short: "Interactive debugging session for a script",
	Long: `Connect to a running server, arm SCRIPT DEBUG and start a
line-by-line debugging session for the given script file.

Features:
  - step / continue / breakpoints / print / eval at the prompt
  - Command history (up/down arrows)
  - 'help' at the prompt lists the debugger commands

By default the session is forked: the server runs the script on a copy of
the dataset and your writes are discarded at session end. Use --sync to
debug against the live dataset (blocks the server, retains writes).`,
	Args: cobra.ExactArgs(1),
	Run:  runDebug,
}

func init() {
	debugCmd.Flags().Bool("sync", false, "Synchronous session (blocks the server, keeps writes)")
	debugCmd.Flags().Int("numkeys", 0, "How many of the trailing arguments are KEYS")
	debugCmd.Flags().StringSlice("arg", nil, "Script argument (repeatable)")
	debugCmd.Flags().String("history", "", "History file path (default: ~/.scriptkv_debug_history)")
	rootCmd.AddCommand(debugCmd)
}

func runDebug(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Root().PersistentFlags().GetString("addr")
	sync, _ := cmd.Flags().GetBool("sync")
	numkeys, _ := cmd.Flags().GetInt("numkeys")
	scriptArgs, _ := cmd.Flags().GetStringSlice("arg")
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = home + "/.scriptkv_debug_history"
	}

	body, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	mode := "YES"
	if sync {
		mode = "SYNC"
	}
	sendCommand(conn, [][]byte{[]byte("SCRIPT"), []byte("DEBUG"), []byte(mode)})
	if err := printReply(br); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	eval := [][]byte{[]byte("EVAL"), body, []byte(strconv.Itoa(numkeys))}
	for _, a := range scriptArgs {
		eval = append(eval, []byte(a))
	}
	sendCommand(conn, eval)

	// First stop frame arrives before the prompt opens.
	if err := printReply(br); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "ldb> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}

		fields := strings.Fields(line)
		argv := make([][]byte, len(fields))
		for i, f := range fields {
			argv[i] = []byte(f)
		}
		sendCommand(conn, argv)

		if err := printReply(br); err != nil {
			if err == errSessionEnded {
				// The final script reply follows the session sentinel.
				if err := printReply(br); err != nil && err != io.EOF {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				}
				fmt.Println("(session ended)")
				return
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
	}
}

var errSessionEnded = fmt.Errorf("session ended")

func sendCommand(conn net.Conn, argv [][]byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(argv))
	for _, a := range argv {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	_, _ = conn.Write([]byte(b.String()))
}

// printReply prints one server frame. Multi-bulk frames of simple strings
// are the debugger's log format and print one line each; the sentinel
// <endsession> reports the session end to the caller.
func printReply(br *bufio.Reader) error {
	line, err := readLine(br)
	if err != nil {
		return err
	}
	if len(line) == 0 {
		return nil
	}
	switch line[0] {
	case '+':
		if line[1:] == "<endsession>" {
			return errSessionEnded
		}
		fmt.Println(line[1:])
	case '-':
		fmt.Println("(error)", line[1:])
	case ':':
		fmt.Println("(integer)", line[1:])
	case '$':
		n, _ := strconv.Atoi(line[1:])
		if n < 0 {
			fmt.Println("(nil)")
			return nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return err
		}
		fmt.Printf("%q\n", string(buf[:n]))
	case '*':
		n, _ := strconv.Atoi(line[1:])
		for i := 0; i < n; i++ {
			if err := printReply(br); err != nil {
				return err
			}
		}
	default:
		fmt.Println(line)
	}
	return nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
