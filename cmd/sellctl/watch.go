package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/liquidation-engine/internal/contract"
	"github.com/atmx/liquidation-engine/internal/cpmm"
)

var watchCmd = &cobra.Command{
	Use:   "watch <contract-id>",
	Short: "Stream probability updates for a contract",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	updates, err := c.Subscribe(ctx, args[0])
	if err != nil {
		return err
	}
	for ct := range updates {
		ts := time.Now().Format("15:04:05")
		if ct.IsMulti() {
			for _, a := range ct.Answers {
				fmt.Fprintf(os.Stdout, "%s  %-30s %s\n", ts, a.Text, contract.FormatPercent(cpmm.Probability(a.Pool, a.P)))
			}
			continue
		}
		prob := cpmm.Probability(ct.Pool, ct.P)
		fmt.Fprintf(os.Stdout, "%s  %s\n", ts, contract.FormatMappedValue(&ct, prob))
	}
	return ctx.Err()
}
