package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/scriptkv/config"
	"github.com/caffeineduck/scriptkv/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scripting server",
	Long: `Start the TCP server. The wire protocol is RESP; script commands
(EVAL, EVALSHA, SCRIPT, FCALL, FUNCTION) run next to a small set of data
commands (GET, SET, DEL, INCR, LPUSH, ...).`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().Bool("replica", false, "Start in replica (read-only) mode")
	serveCmd.Flags().Bool("lazy-flush", false, "Make bare SCRIPT FLUSH asynchronous")
	serveCmd.Flags().String("library-path", "", "Persist FUNCTION libraries to this file")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if cmd.Root().PersistentFlags().Changed("addr") {
		cfg.Addr, _ = cmd.Root().PersistentFlags().GetString("addr")
	}
	if cmd.Flags().Changed("replica") {
		cfg.Replica, _ = cmd.Flags().GetBool("replica")
	}
	if cmd.Flags().Changed("lazy-flush") {
		cfg.LazyFlushAsync, _ = cmd.Flags().GetBool("lazy-flush")
	}
	if cmd.Flags().Changed("library-path") {
		cfg.LibraryPath, _ = cmd.Flags().GetString("library-path")
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
