package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/mcpserver"
)

var (
	mcpConfigPath string
	mcpNoHistory  bool
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the execute_tests and detect_language tools over MCP stdio",
	Long: `Mcp speaks the Model Context Protocol on stdin/stdout so coding agents
can run the tests they write. Logs go to stderr.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	mcpCmd.Flags().BoolVar(&mcpNoHistory, "no-history", false, "do not record executions in the history store")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// stdout carries JSON-RPC, so logging must stay on stderr.
	logger := newLogger(slog.LevelInfo)

	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger, !mcpNoHistory)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcpserver.New(sc.Engine, sc.Store, version, logger)
	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
