package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scriptkv",
	Short: "In-memory key/value server with pluggable scripting engines",
	Long: `scriptkv - an in-memory key/value server whose scripting subsystem
accepts user scripts (Lua, JavaScript, wasm, or a tiny instructional stack
VM), caches them under content hashes, and executes them via EVAL/EVALSHA
and FCALL. Includes a line-level single-step script debugger.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringP("addr", "a", ":6389", "Server address")
}
