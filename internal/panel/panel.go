// Package panel holds one seller's sell form: the amount input and the
// quote, confirmation and submission state derived from it.
package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/confirm"
	"github.com/atmx/liquidation-engine/internal/live"
	"github.com/atmx/liquidation-engine/internal/model"
	"github.com/atmx/liquidation-engine/internal/settlement"
	"github.com/atmx/liquidation-engine/internal/submit"
)

var (
	ErrDisabled             = errors.New("panel: submission disabled")
	ErrConfirmationRequired = errors.New("panel: confirmation required")
	ErrQuoteChanged         = errors.New("panel: quote changed since it was shown")
)

// Shown is a quote as it was put in front of the seller: the figures and the
// gate's verdict on them.
type Shown struct {
	Result   settlement.Result
	Decision confirm.Decision
}

// Config wires a panel. Contract and Position are snapshots; the panel never
// reads shared state.
type Config struct {
	Contract model.Contract
	Position model.Position
	Orders   []model.LimitOrder
	Balances map[string]decimal.Decimal

	// OptOutBetWarnings is the seller's standing preference.
	OptOutBetWarnings bool

	Oracle settlement.Oracle
	Gate   confirm.Gate
	Seller submit.Seller
	Logger *slog.Logger

	// OnSuccess runs after a sell succeeds and the input is cleared.
	OnSuccess func()
}

// Panel is safe for concurrent use.
type Panel struct {
	oracle    settlement.Oracle
	gate      confirm.Gate
	ctrl      *submit.Controller
	logger    *slog.Logger
	onSuccess func()
	optedOut  bool

	mu        sync.Mutex
	contract  model.Contract
	position  model.Position
	orders    []model.LimitOrder
	balances  map[string]decimal.Decimal
	amount    *decimal.Decimal
	submitted bool

	result settlement.Result
	err    error
}

// New builds a panel and pre-fills the amount with the default for the position.
func New(cfg Config) (*Panel, error) {
	if cfg.Oracle == nil || cfg.Seller == nil {
		return nil, errors.New("panel: oracle and seller are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Panel{
		oracle:    cfg.Oracle,
		gate:      cfg.Gate,
		logger:    logger,
		onSuccess: cfg.OnSuccess,
		optedOut:  cfg.OptOutBetWarnings,
		contract:  cfg.Contract,
		position:  cfg.Position,
		orders:    cfg.Orders,
		balances:  cfg.Balances,
	}
	p.ctrl = submit.New(cfg.Seller, logger, p.succeeded)

	amt, err := settlement.DefaultAmount(p.oracle, p.input())
	if err != nil {
		return nil, fmt.Errorf("panel: default amount: %w", err)
	}
	p.amount = amt
	p.recalc()
	return p, nil
}

// SetAmount replaces the input. nil means the field is empty.
func (p *Panel) SetAmount(amount *decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.amount = amount
	p.recalc()
}

// Max fills the input with the whole position.
func (p *Panel) Max() {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.position.Shares.Floor()
	p.amount = &all
	p.recalc()
}

// Amount returns the current input.
func (p *Panel) Amount() *decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amount
}

// Result returns the settlement figures for the current input. err is set
// when the oracle could not price the sale.
func (p *Panel) Result() (settlement.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

// Decision returns the confirmation gate's verdict on the current quote.
func (p *Panel) Decision() confirm.Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return confirm.Decision{}
	}
	return p.gate.Evaluate(p.result, p.optedOut)
}

// Show captures the current quote for display. Pass it back to SubmitShown
// so that what is sold is what was shown.
func (p *Panel) Show() (Shown, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return Shown{}, p.err
	}
	return Shown{Result: p.result, Decision: p.gate.Evaluate(p.result, p.optedOut)}, nil
}

// Disabled reports whether the submit control is disabled: a sell is in
// flight, the amount is missing, or the amount exceeds the position.
func (p *Panel) Disabled() bool {
	if p.ctrl.Submitting() {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabledLocked()
}

func (p *Panel) disabledLocked() bool {
	if p.amount == nil || !p.amount.IsPositive() || p.err != nil {
		return true
	}
	return p.result.Validation != nil && strings.Contains(p.result.Validation.Message, "Maximum")
}

// Submit sends the current quote. When the gate requires confirmation and
// confirmed is false it returns ErrConfirmationRequired without sending.
func (p *Panel) Submit(ctx context.Context, confirmed bool) error {
	return p.submit(ctx, nil, confirmed)
}

// SubmitShown sends shown, provided the panel still quotes the same sale:
// same quantity, proceeds, resulting probability and makers. Otherwise it
// returns ErrQuoteChanged and the caller must show the new quote.
func (p *Panel) SubmitShown(ctx context.Context, shown Shown, confirmed bool) error {
	return p.submit(ctx, &shown.Result, confirmed)
}

func (p *Panel) submit(ctx context.Context, shown *settlement.Result, confirmed bool) error {
	p.mu.Lock()
	if p.disabledLocked() {
		p.mu.Unlock()
		return ErrDisabled
	}
	if shown != nil && !sameSale(*shown, p.result) {
		p.mu.Unlock()
		return ErrQuoteChanged
	}
	dec := p.gate.Evaluate(p.result, p.optedOut)
	if dec.RequiresConfirmation && !confirmed {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConfirmationRequired, dec.Message)
	}
	req := p.result.SellRequest(p.contract.ID, p.position.AnswerID, p.position.Outcome)
	p.mu.Unlock()

	return p.ctrl.Submit(ctx, req)
}

func sameSale(a, b settlement.Result) bool {
	return a.IsSellingAllShares == b.IsSellingAllShares &&
		a.SoldShares.Equal(b.SoldShares) &&
		a.Quote.SaleValue.Equal(b.Quote.SaleValue) &&
		a.ResultProb.Equal(b.ResultProb) &&
		slices.Equal(a.Deps(), b.Deps())
}

// ErrorMessage is the message of the last failed submission.
func (p *Panel) ErrorMessage() string {
	return p.ctrl.ErrorMessage()
}

// WasSubmitted reports whether a sell from this panel has succeeded.
func (p *Panel) WasSubmitted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted
}

// Refresh swaps in a newer contract snapshot and re-quotes.
func (p *Panel) Refresh(c model.Contract) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contract = c
	p.recalc()
}

// UpdateBook swaps in fresh resting orders and balances and re-quotes.
func (p *Panel) UpdateBook(orders []model.LimitOrder, balances map[string]decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = orders
	p.balances = balances
	p.recalc()
}

// UpdatePosition swaps in the seller's current position and re-quotes.
func (p *Panel) UpdatePosition(pos model.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = pos
	p.recalc()
}

// Follow refreshes the panel from sub until ctx is done or the stream ends.
func (p *Panel) Follow(ctx context.Context, sub live.Subscriber) error {
	updates, err := sub.Subscribe(ctx, p.contractID())
	if err != nil {
		return fmt.Errorf("panel: subscribe: %w", err)
	}
	for c := range updates {
		p.Refresh(c)
	}
	return ctx.Err()
}

// Close detaches the panel; an in-flight sell completes but is not applied.
func (p *Panel) Close() {
	p.ctrl.Detach()
}

func (p *Panel) contractID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contract.ID
}

func (p *Panel) succeeded() {
	p.mu.Lock()
	p.amount = nil
	p.submitted = true
	p.recalc()
	cb := p.onSuccess
	p.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (p *Panel) input() settlement.Input {
	c := p.contract
	return settlement.InputFromPosition(&c, p.position, p.amount, p.orders, p.balances)
}

// recalc must be called with p.mu held.
func (p *Panel) recalc() {
	p.result, p.err = settlement.Calculate(p.oracle, p.input())
	if p.err != nil {
		p.logger.Debug("quote failed", "contract_id", p.contract.ID, "error", p.err)
	}
}
