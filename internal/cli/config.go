package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kdj-trader/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate configuration files",
		Long: `Manage agent configuration files.

Subcommands:
  init     - Write the default configuration
  validate - Load a file, apply the environment and validate it`,
	}

	var output string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Default().SaveToFile(output); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created default configuration: %s\n", output)
			fmt.Fprintf(cmd.OutOrStdout(), "Run with:\n  kdjtrader run -f %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "kdj.yaml", "output config file path")

	var path string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "  Symbol: %s %s every %s\n", cfg.Symbol, cfg.Timeframe, cfg.PollInterval)
			fmt.Fprintf(cmd.OutOrStdout(), "  KDJ: period %d, oversold %.0f, overbought %.0f\n",
				cfg.Indicator.Period, cfg.Signal.Oversold, cfg.Signal.Overbought)
			fmt.Fprintf(cmd.OutOrStdout(), "  Paper: %v, Redis: %v\n", cfg.Exchange.Paper, cfg.Redis.Enabled)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&path, "file", "f", "", "path to config file (required)")
	validateCmd.MarkFlagRequired("file")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
