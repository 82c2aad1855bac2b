package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lfrfrfr/beon-ipshield/internal/app"
	"github.com/lfrfrfr/beon-ipshield/internal/config"
	pkglogger "github.com/lfrfrfr/beon-ipshield/pkg/logger"
)

var (
	configPath string
	verbose    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ipshieldctl",
	Short: "BEON-IPShield administration CLI",
	Long:  "Command line interface for managing the threat store, rules and blocklist exports of BEON-IPShield.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFromEnv(configPath)
		if err != nil {
			return err
		}

		level := "warn"
		if verbose {
			level = "debug"
		}
		return pkglogger.Init(pkglogger.Options{Level: level, Format: "console", Output: "stdout"})
	},
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withApp builds the engine from the loaded configuration, runs fn and
// releases every resource afterwards
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./configs/config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
