package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/liquidation-engine/internal/history"
)

var (
	historyContract string
	historyLimit    int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show sells submitted from this machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		hist, err := history.Open(cfg.History.DSN)
		if err != nil {
			return err
		}
		defer hist.Close()

		entries, err := hist.List(cmd.Context(), historyContract, historyLimit)
		if err != nil {
			return err
		}
		return printHistory(os.Stdout, entries)
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List the user's open positions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		positions, err := c.ListPositions(cmd.Context())
		if err != nil {
			return err
		}
		return printPositions(os.Stdout, positions)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyContract, "contract", "", "only show sells of this contract")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum rows (0 for all)")
}
