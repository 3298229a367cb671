package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
)

var (
	janitorConfigPath string
	janitorOnce       bool
)

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Remove leaked job directories, orphan containers and expired history",
	RunE:  runJanitor,
}

func init() {
	janitorCmd.Flags().StringVar(&janitorConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	janitorCmd.Flags().BoolVar(&janitorOnce, "once", false, "run every sweep once and exit")
}

func runJanitor(cmd *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)

	cfg, err := loadConfig(janitorConfigPath)
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	janitor, err := sc.initJanitor()
	if err != nil {
		return err
	}

	if janitorOnce {
		removed, err := janitor.RunAll(ctx)
		names := make([]string, 0, len(removed))
		for name := range removed {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d removed\n", name, removed[name])
		}
		return err
	}

	if !cfg.Janitor.Enabled() {
		return fmt.Errorf("janitor is disabled in config (janitor.disabled); use --once for a manual sweep")
	}
	stopJanitor := janitor.Start(ctx)
	<-ctx.Done()
	stopJanitor()
	return nil
}
