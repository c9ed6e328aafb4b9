package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/observ"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "traderd",
		Short:         "Session-scheduled trading daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config/config.yaml", "path to YAML config")

	load := func() (config.Root, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return cfg, err
		}
		observ.SetupLogger(os.Stdout, cfg.LogLevel)
		return cfg, nil
	}

	root.AddCommand(
		runCmd(load),
		planCmd(load),
		calendarCmd(load),
		healthcheckCmd(load),
		backupCmd(load),
		markCmd(load),
	)
	return root
}
