package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"kdj-trader/internal/execution"
	"kdj-trader/internal/model"
)

func newJournalCmd() *cobra.Command {
	var (
		dbPath string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query the order journal",
		Long: `Display orders and fills recorded by the agent's order journal.

Examples:
  kdjtrader journal orders --db data/journal.db -n 20
  kdjtrader journal open
  kdjtrader journal fills`,
	}
	cmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "data/journal.db", "path to SQLite order journal")
	cmd.PersistentFlags().IntVarP(&limit, "limit", "n", 50, "maximum rows to show")

	open := func() (*execution.Journal, error) {
		j, err := execution.NewJournal(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		return j, nil
	}

	ordersCmd := &cobra.Command{
		Use:   "orders",
		Short: "List the most recent orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer j.Close()
			orders, err := j.GetOrders(limit)
			if err != nil {
				return fmt.Errorf("query orders: %w", err)
			}
			return printOrders(cmd, orders)
		},
	}

	openCmd := &cobra.Command{
		Use:   "open",
		Short: "List orders that are not yet final",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer j.Close()
			orders, err := j.OpenOrders()
			if err != nil {
				return fmt.Errorf("query open orders: %w", err)
			}
			return printOrders(cmd, orders)
		},
	}

	fillsCmd := &cobra.Command{
		Use:   "fills",
		Short: "List the most recent fills",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer j.Close()
			fills, err := j.GetFills(limit)
			if err != nil {
				return fmt.Errorf("query fills: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tORDER\tSIDE\tQTY\tCUM\tPRICE")
			for _, f := range fills {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%g\t%.2f\n",
					f.At.UTC().Format(time.RFC3339), f.OrderID, f.Side, f.Qty, f.CumQty, f.Price)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(ordersCmd, openCmd, fillsCmd)
	return cmd
}

func printOrders(cmd *cobra.Command, orders []model.Order) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tCLIENT ID\tSIDE\tQTY\tFILLED\tAVG\tSTATUS\tREASON")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%g\t%.2f\t%s\t%s\n",
			o.CreatedAt.UTC().Format(time.RFC3339), o.ClientOrderID, o.Side,
			o.Quantity, o.FilledQty, o.AvgFillPrice, o.Status, o.Reason)
	}
	return tw.Flush()
}
