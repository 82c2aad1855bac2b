package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lfrfrfr/beon-ipshield/internal/app"
)

var (
	exportOutput     string
	exportReputation string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Deactivate expired block entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			n, err := a.Scheduler.RunSweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d expired entries deactivated\n", n)
			return nil
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop violation events older than the history retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			n, err := a.Scheduler.RunPruneHistory(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d violation events pruned\n", n)
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Compile active block entries into a blocklist MMDB",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportOutput != "" {
			cfg.MMDB.BlocklistPath = exportOutput
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			n, err := a.Compiler.Compile(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d networks written to %s\n", n, cfg.MMDB.BlocklistPath)

			if exportReputation != "" {
				n, err := a.Compiler.CompileReputation(ctx, exportReputation)
				if err != nil {
					return err
				}
				fmt.Printf("%d networks written to %s\n", n, exportReputation)
			}

			if verbose {
				return printJSON(a.Compiler.Stats())
			}
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show threat store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			stats, err := a.Blocker.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd, pruneCmd, exportCmd, statsCmd)

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output path (default mmdb.blocklist_path)")
	exportCmd.Flags().StringVar(&exportReputation, "reputation", "", "also write a reputation MMDB snapshot to this path")
}
