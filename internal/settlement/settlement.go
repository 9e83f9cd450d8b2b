// Package settlement derives the figures of a share sale (sold shares, loan
// repayment, cost basis, proceeds and probability impact) from a pricing
// oracle quote and the seller's position.
//
// Calculate is a pure function of its inputs and is safe to call on every
// input change.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/contract"
	"github.com/atmx/liquidation-engine/internal/cpmm"
	"github.com/atmx/liquidation-engine/internal/model"
)

// ErrMaxSharesExceeded is matched by the validation error reported when the
// requested quantity is larger than the position.
var ErrMaxSharesExceeded = errors.New("settlement: maximum shares exceeded")

// DefaultAmountMaxProbChange is the largest probability move for which the
// input starts pre-filled with the whole position.
var DefaultAmountMaxProbChange = decimal.NewFromFloat(0.2)

// Oracle prices a hypothetical sale. *cpmm.Pricer is the production implementation.
type Oracle interface {
	SaleResult(c *model.Contract, shares decimal.Decimal, outcome model.Outcome,
		orders []model.LimitOrder, balances map[string]decimal.Decimal, answerID string) (model.Quote, error)
	SaleResultSumsToOne(c *model.Contract, answerID string, shares decimal.Decimal, outcome model.Outcome,
		orders []model.LimitOrder, balances map[string]decimal.Decimal) (model.Quote, error)
}

// ValidationError is an input error shown next to the amount field.
type ValidationError struct {
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrMaxSharesExceeded }

// Input is everything the calculator reads. Requested is nil when the amount
// field is empty.
type Input struct {
	Contract  *model.Contract
	AnswerID  string
	Outcome   model.Outcome
	Shares    decimal.Decimal // total held
	Invested  decimal.Decimal
	Loan      decimal.Decimal
	Requested *decimal.Decimal
	Orders    []model.LimitOrder
	Balances  map[string]decimal.Decimal
}

// InputFromPosition fills the position fields of an Input.
func InputFromPosition(c *model.Contract, pos model.Position, requested *decimal.Decimal,
	orders []model.LimitOrder, balances map[string]decimal.Decimal) Input {
	return Input{
		Contract:  c,
		AnswerID:  pos.AnswerID,
		Outcome:   pos.Outcome,
		Shares:    pos.Shares,
		Invested:  pos.Invested,
		Loan:      pos.Loan,
		Requested: requested,
		Orders:    orders,
		Balances:  balances,
	}
}

// Result holds the derived figures of one sale.
type Result struct {
	Requested          *decimal.Decimal `json:"requested,omitempty"`
	IsSellingAllShares bool             `json:"isSellingAllShares"`
	SellQuantity       decimal.Decimal  `json:"sellQuantity"`
	SoldShares         decimal.Decimal  `json:"soldShares"`
	SaleFrac           decimal.Decimal  `json:"saleFrac"`
	LoanPaid           decimal.Decimal  `json:"loanPaid"`
	CostBasis          decimal.Decimal  `json:"costBasis"`

	Quote       model.Quote     `json:"quote"`
	TotalFees   decimal.Decimal `json:"totalFees"`
	NetProceeds decimal.Decimal `json:"netProceeds"`
	Profit      decimal.Decimal `json:"profit"`

	InitialProb         decimal.Decimal `json:"initialProb"`
	ResultProb          decimal.Decimal `json:"resultProb"`
	ProbChange          decimal.Decimal `json:"probChange"`
	InitialValue        string          `json:"initialValue"`
	ResultValue         string          `json:"resultValue"`
	RawDifference       decimal.Decimal `json:"rawDifference"`
	DisplayedDifference string          `json:"displayedDifference"`

	// Validation is non-nil when the requested amount exceeds the position.
	Validation *ValidationError `json:"validation,omitempty"`
}

// Calculate runs the settlement computation. The only error returned is an
// oracle failure; input problems are reported through Result.Validation.
func Calculate(o Oracle, in Input) (Result, error) {
	c := in.Contract
	res := Result{Requested: in.Requested}

	requested := decimal.Zero
	if in.Requested != nil {
		requested = *in.Requested
	}
	if requested.IsNegative() {
		requested = decimal.Zero
	}
	if requested.GreaterThan(in.Shares) {
		res.Validation = &ValidationError{
			Message: fmt.Sprintf("Maximum %s shares", contract.FormatShares(in.Shares.Floor(), c.IsCash())),
		}
		requested = in.Shares
	}

	res.IsSellingAllShares = in.Requested != nil && in.Requested.Equal(in.Shares.Floor())
	if res.IsSellingAllShares {
		res.SellQuantity = in.Shares
	} else {
		res.SellQuantity = requested
	}

	res.SoldShares = decimal.Min(res.SellQuantity, in.Shares)
	if in.Shares.IsPositive() {
		res.SaleFrac = res.SoldShares.Div(in.Shares)
	}
	res.LoanPaid = res.SaleFrac.Mul(in.Loan)
	res.CostBasis = in.Invested.Mul(res.SaleFrac)

	var (
		q   model.Quote
		err error
	)
	if c.SumsToOne() {
		q, err = o.SaleResultSumsToOne(c, in.AnswerID, res.SellQuantity, in.Outcome, in.Orders, in.Balances)
	} else {
		orders := in.Orders
		if in.AnswerID != "" {
			orders = ordersForAnswer(orders, in.AnswerID)
		}
		q, err = o.SaleResult(c, res.SellQuantity, in.Outcome, orders, in.Balances, in.AnswerID)
	}
	if err != nil {
		return res, fmt.Errorf("settlement: pricing sale: %w", err)
	}
	res.Quote = q

	res.TotalFees = q.Fees.Total()
	res.NetProceeds = q.SaleValue.Sub(res.LoanPaid)
	res.Profit = q.SaleValue.Sub(res.CostBasis)

	res.InitialProb = q.InitialProb
	res.ResultProb = cpmm.StateProbability(q.State)
	res.ProbChange = res.ResultProb.Sub(res.InitialProb).Abs()

	res.InitialValue = contract.FormatMappedValue(c, res.InitialProb)
	res.ResultValue = contract.FormatMappedValue(c, res.ResultProb)
	res.RawDifference = contract.MappedValue(c, res.ResultProb).Sub(contract.MappedValue(c, res.InitialProb)).Abs()
	if c.OutcomeType == model.PseudoNumeric {
		res.DisplayedDifference = contract.FormatLargeNumber(res.RawDifference)
	} else {
		res.DisplayedDifference = contract.FormatPercent(res.RawDifference)
	}

	return res, nil
}

// Submittable reports whether the result may be sent: an amount is present,
// positive, and within the position.
func (r Result) Submittable() bool {
	return r.Requested != nil && r.Requested.IsPositive() && r.Validation == nil
}

// Deps returns the distinct user ids of the makers this quote fills against,
// in fill order.
func (r Result) Deps() []string {
	seen := make(map[string]bool, len(r.Quote.Makers))
	deps := make([]string, 0, len(r.Quote.Makers))
	for _, m := range r.Quote.Makers {
		if seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		deps = append(deps, m.UserID)
	}
	return deps
}

// SellRequest builds the mutation payload for this result. Selling all shares
// sends no explicit quantity so no dust is left behind.
func (r Result) SellRequest(contractID, answerID string, outcome model.Outcome) model.SellRequest {
	req := model.SellRequest{
		Outcome:    outcome,
		ContractID: contractID,
		AnswerID:   answerID,
		Deps:       r.Deps(),
	}
	if !r.IsSellingAllShares && r.Requested != nil {
		shares := *r.Requested
		req.Shares = &shares
	}
	return req
}

// DefaultAmount returns the initial amount for a fresh sell form: the whole
// position, unless selling all of it would move the probability by more than
// DefaultAmountMaxProbChange, in which case the form starts empty.
func DefaultAmount(o Oracle, in Input) (*decimal.Decimal, error) {
	all := in.Shares
	in.Requested = &all
	res, err := Calculate(o, in)
	if err != nil {
		return nil, err
	}
	if res.ProbChange.GreaterThan(DefaultAmountMaxProbChange) {
		return nil, nil
	}
	return &all, nil
}

func ordersForAnswer(orders []model.LimitOrder, answerID string) []model.LimitOrder {
	out := make([]model.LimitOrder, 0, len(orders))
	for _, o := range orders {
		if o.AnswerID == answerID {
			out = append(out, o)
		}
	}
	return out
}
