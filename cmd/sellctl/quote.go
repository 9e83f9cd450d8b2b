package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atmx/liquidation-engine/internal/model"
)

// Flags shared by quote and sell.
var (
	contractID string
	answerID   string
	outcome    string
	sharesFlag string
)

func addPositionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&contractID, "contract", "", "contract id")
	cmd.Flags().StringVar(&answerID, "answer", "", "answer id (multiple-choice contracts)")
	cmd.Flags().StringVar(&outcome, "outcome", "YES", "side of the position: YES or NO")
	cmd.Flags().StringVar(&sharesFlag, "shares", "", `shares to sell, or "all" (default: suggested amount)`)
	_ = cmd.MarkFlagRequired("contract")
}

func parseOutcome() (model.Outcome, error) {
	switch o := model.Outcome(strings.ToUpper(outcome)); o {
	case model.YES, model.NO:
		return o, nil
	default:
		return "", fmt.Errorf("invalid --outcome %q: want YES or NO", outcome)
	}
}

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price a sale without placing it",
	Args:  cobra.NoArgs,
	RunE:  runQuote,
}

func init() {
	addPositionFlags(quoteCmd)
}

func runQuote(cmd *cobra.Command, args []string) error {
	out, err := parseOutcome()
	if err != nil {
		return err
	}
	amount, _, err := parseShares(sharesFlag)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	ct, err := c.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	// An absent amount quotes the whole position, as the service does.
	q, err := c.Quote(ctx, model.SellRequest{ContractID: contractID, AnswerID: answerID, Outcome: out, Shares: amount})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s\n", ct.Question)
	return printQuote(os.Stdout, ct, q.Result, q.Decision)
}
