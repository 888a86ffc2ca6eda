package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kdj-trader/config"
	"kdj-trader/internal/agent"
	"kdj-trader/internal/logger"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		paper      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading agent until interrupted",
		Long: `Run the trading agent. Settings come from the config file when given,
otherwise from defaults, and are then overridden by environment variables
(EXCHANGE_API_KEY, EXCHANGE_SECRET_KEY, REDIS_ADDR, LOG_LEVEL, ...).

SIGINT or SIGTERM stops the loop after the current tick and writes a final
checkpoint.

Example:
  kdjtrader run -f kdj.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("paper") {
				cfg.Exchange.Paper = paper
			}

			level, err := logger.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger.Init("kdjtrader", logger.Options{Level: level, Format: cfg.Log.Format})

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("init agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "f", "", "path to config file (YAML or JSON)")
	cmd.Flags().BoolVar(&paper, "paper", false, "trade against the in-process paper exchange")
	return cmd
}

// loadConfig reads path (or defaults when empty) and applies the environment.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}
