// Package cli is the kdjtrader command line: run the agent, manage its
// configuration file and inspect the order journal.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X kdj-trader/internal/cli.Version=...".
var Version = "dev"

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kdjtrader",
		Short: "Single-symbol KDJ crossover trading agent",
		Long: `kdjtrader trades one symbol on closed candles using the KDJ stochastic
oscillator: golden crosses below the oversold line open a long, dead crosses
above the overbought line close it.

Examples:
  kdjtrader config init -o kdj.yaml
  kdjtrader run -f kdj.yaml --paper
  kdjtrader journal orders --db data/journal.db`,
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newJournalCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kdjtrader version %s\n", Version)
		},
	}
}
