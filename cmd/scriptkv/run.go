package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/scriptkv/config"
	"github.com/caffeineduck/scriptkv/debugger"
	"github.com/caffeineduck/scriptkv/resp"
	"github.com/caffeineduck/scriptkv/server"
	"github.com/caffeineduck/scriptkv/store"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute a script file against an in-process store",
	Long: `Run a script without starting the TCP server. The script's engine
is selected by its shebang (default: lua). Arguments after the file are
passed as ARGV.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runRun,
}

func init() {
	runCmd.Flags().Int("numkeys", 0, "How many of the trailing arguments are KEYS")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	body, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	numkeys, _ := cmd.Flags().GetInt("numkeys")

	cfg := config.Default()
	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	var buf resp.Buffer
	client := store.NewClient("run", &buf)

	argv := [][]byte{[]byte("eval"), body, []byte(fmt.Sprint(numkeys))}
	for _, a := range args[1:] {
		argv = append(argv, []byte(a))
	}
	srv.Executor().Eval(client, argv, false)

	for _, v := range buf.Values() {
		if v.IsError() {
			fmt.Fprintln(os.Stderr, v.Str)
			os.Exit(1)
		}
		fmt.Println(debugger.HumanReply(v))
	}
}
