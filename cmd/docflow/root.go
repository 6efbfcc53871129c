package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/yourusername/docflow/internal/config"
	"github.com/yourusername/docflow/internal/logging"
)

// commandContext は設定とロガーをサブコマンド間で共有します。
type commandContext struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (c *commandContext) ensure() (*config.Config, *slog.Logger, error) {
	if c.cfg != nil {
		return c.cfg, c.logger, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	c.cfg = cfg
	c.logger = logger
	return cfg, logger, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "docflow",
		Short:         "Asynchronous document conversion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			_, _, err := ctx.ensure()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newAPICommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	return rootCmd
}
