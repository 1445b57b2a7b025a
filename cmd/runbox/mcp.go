package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/gateway/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve runbox tools over MCP on stdin/stdout",
	Long: `Serve run_command, run_tests, run_linter, and runtime_status as MCP tools.
Logs go to stderr; stdout carries the protocol only.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd, "warn")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return mcpserver.New(sc.Service, version, logger).ServeStdio(ctx, os.Stdin, os.Stdout)
}
