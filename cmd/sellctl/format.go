package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/confirm"
	"github.com/atmx/liquidation-engine/internal/contract"
	"github.com/atmx/liquidation-engine/internal/history"
	"github.com/atmx/liquidation-engine/internal/model"
	"github.com/atmx/liquidation-engine/internal/settlement"
)

// parseShares reads the --shares flag. "" keeps the default amount, "all"
// sells the whole position.
func parseShares(s string) (amount *decimal.Decimal, all bool, err error) {
	switch s {
	case "":
		return nil, false, nil
	case "all", "max":
		return nil, true, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, false, fmt.Errorf("invalid --shares %q: %w", s, err)
	}
	return &v, false, nil
}

func printQuote(w io.Writer, c *model.Contract, res settlement.Result, dec confirm.Decision) error {
	cash := c.IsCash()
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")

	rows := [][]string{
		{"Shares", contract.FormatShares(res.SoldShares, cash)},
		{"Sale value", contract.FormatMoney(res.Quote.SaleValue, cash)},
		{"Fees", contract.FormatMoney(res.TotalFees, cash)},
		{"Loan repaid", contract.FormatMoney(res.LoanPaid, cash)},
		{"Net proceeds", contract.FormatMoney(res.NetProceeds, cash)},
		{"Profit", contract.FormatMoney(res.Profit, cash)},
		{"Value", res.InitialValue + " -> " + res.ResultValue},
		{"Limit order fills", fmt.Sprint(len(res.Quote.Makers))},
	}
	if res.IsSellingAllShares {
		rows[0][1] += " (all)"
	}
	for _, r := range rows {
		if err := table.Append(r); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	if res.Validation != nil {
		fmt.Fprintln(w, res.Validation.Message)
	}
	if dec.RequiresConfirmation {
		fmt.Fprintln(w, dec.Message)
	}
	return nil
}

func printHistory(w io.Writer, entries []history.Entry) error {
	table := tablewriter.NewWriter(w)
	table.Header("Time", "Contract", "Outcome", "Requested", "Sold", "Value", "Status", "Message")
	for _, e := range entries {
		requested := "all"
		if e.Requested != nil {
			requested = e.Requested.String()
		}
		if err := table.Append(
			e.SubmittedAt.Local().Format("2006-01-02 15:04:05"),
			e.ContractID,
			string(e.Outcome),
			requested,
			e.SoldShares.StringFixed(2),
			e.SaleValue.StringFixed(2),
			e.Status,
			e.Message,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func printPositions(w io.Writer, positions []model.Position) error {
	table := tablewriter.NewWriter(w)
	table.Header("Contract", "Answer", "Outcome", "Shares", "Invested", "Loan")
	for _, p := range positions {
		if !p.Shares.IsPositive() {
			continue
		}
		if err := table.Append(
			p.ContractID, p.AnswerID, string(p.Outcome),
			p.Shares.StringFixed(2), p.Invested.StringFixed(2), p.Loan.StringFixed(2),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
