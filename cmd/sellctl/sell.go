package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atmx/liquidation-engine/internal/contract"
	"github.com/atmx/liquidation-engine/internal/cpmm"
	"github.com/atmx/liquidation-engine/internal/history"
	"github.com/atmx/liquidation-engine/internal/panel"
)

var assumeYes bool

var sellCmd = &cobra.Command{
	Use:   "sell",
	Short: "Sell shares of a position",
	Long: `Sell shares of a position back to the market.

The quote is kept current from the live contract stream while the command
waits for confirmation. Sales that would move the probability a lot ask
for confirmation unless --yes is given or the user has opted out of bet
warnings.`,
	Args: cobra.NoArgs,
	RunE: runSell,
}

func init() {
	addPositionFlags(sellCmd)
	sellCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")
}

func runSell(cmd *cobra.Command, args []string) error {
	out, err := parseOutcome()
	if err != nil {
		return err
	}
	amount, all, err := parseShares(sharesFlag)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	hist, err := history.Open(cfg.History.DSN)
	if err != nil {
		return err
	}
	defer hist.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := c.LoadSession(ctx, contractID, answerID, out)
	if err != nil {
		return err
	}

	rec := history.NewRecorder(c, hist, c.UserID())
	p, err := panel.New(panel.Config{
		Contract:          *s.Contract,
		Position:          *s.Position,
		Orders:            s.Orders,
		Balances:          s.Balances,
		OptOutBetWarnings: s.User.OptOutBetWarnings,
		Oracle:            cpmm.NewPricer(cfg.Pricing.Fees),
		Gate:              cfg.Gate(),
		Seller:            rec,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	switch {
	case all:
		p.Max()
	case amount != nil:
		p.SetAmount(amount)
	case p.Amount() == nil:
		return errors.New("selling the whole position would move the probability too far; pass --shares")
	}

	go func() {
		if err := p.Follow(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("live updates unavailable, quote will not refresh", "error", err)
		}
	}()

	fmt.Fprintln(os.Stdout, s.Contract.Question)
	for {
		shown, err := p.Show()
		if err != nil {
			return fmt.Errorf("quote: %w", err)
		}
		if err := printQuote(os.Stdout, s.Contract, shown.Result, shown.Decision); err != nil {
			return err
		}
		if p.Disabled() {
			return errors.New("nothing to sell")
		}
		if shown.Decision.RequiresConfirmation && !assumeYes {
			if !prompt(os.Stdin, os.Stdout, shown.Decision.Message) {
				fmt.Fprintln(os.Stdout, "Cancelled.")
				return nil
			}
		}

		// The gate was answered for exactly this quote.
		err = p.SubmitShown(ctx, shown, true)
		if errors.Is(err, panel.ErrQuoteChanged) {
			fmt.Fprintln(os.Stdout, "The market moved while waiting. New quote:")
			continue
		}
		if err != nil {
			if msg := p.ErrorMessage(); msg != "" {
				return errors.New(msg)
			}
			return err
		}
		break
	}

	sold, ok := rec.Last()
	if !ok {
		return nil
	}
	cash := s.Contract.IsCash()
	fmt.Fprintf(os.Stdout, "Sold %s shares for %s (loan repaid %s). Now at %s.\n",
		contract.FormatShares(sold.SoldShares, cash),
		contract.FormatMoney(sold.SaleValue, cash),
		contract.FormatMoney(sold.LoanPaid, cash),
		contract.FormatMappedValue(s.Contract, sold.ProbAfter),
	)
	return nil
}

// prompt asks a yes/no question, defaulting to no.
func prompt(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
