package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired uploads and outputs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			_, lc, err := setupStorage(cfg, logger)
			if err != nil {
				return err
			}
			defer lc.Stop()

			result := lc.Sweep(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "removed %d entries (%s) from %d roots\n",
				len(result.Removed), humanize.Bytes(uint64(result.FreedBytes)), result.ScannedRoots)
			for _, root := range result.Skipped {
				fmt.Fprintf(out, "skipped %s: another process is sweeping\n", root)
			}
			for _, failure := range result.Errors {
				fmt.Fprintf(out, "failed %s: %v\n", failure.Path, failure.Error)
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("sweep finished with %d errors", len(result.Errors))
			}
			return nil
		},
	}
}
