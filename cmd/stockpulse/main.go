package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stockpulse/internal/config"
	"stockpulse/internal/logger"
	"stockpulse/internal/processor"
	"stockpulse/internal/rules"
	"stockpulse/internal/thresholds"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	configPath string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stockpulse",
		Short: "Event-condition-action alerting engine for inventory events",
		Long: `stockpulse consumes business events (sales, stock movements, customer
activity), evaluates tenant rules against them, dispatches the resulting
actions and manages the lifecycle of the alerts they raise.

  stockpulse serve [--config path]   Run the engine
  stockpulse defaults                Print the built-in rules and thresholds`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (YAML); STOCKPULSE_* env vars override it")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newServeCmd(), newDefaultsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Log.Level = "debug"
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return processor.New(cfg).Run(ctx)
		},
	}
}

// newDefaultsCmd prints the tables compiled into the binary so operators can
// start tenant overrides from them.
func newDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Print the default rules and system thresholds as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "# rules")
			if _, err := out.Write(rules.DefaultsYAML()); err != nil {
				return err
			}
			fmt.Fprintln(out, "\n# thresholds")
			_, err := out.Write(thresholds.SystemYAML())
			return err
		},
	}
}
