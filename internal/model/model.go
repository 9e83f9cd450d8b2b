// Package model defines the core domain types shared across the liquidation engine.
// Monetary values and share quantities are shopspring/decimal values.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the side of a contract or answer a position holds.
type Outcome string

const (
	YES Outcome = "YES"
	NO  Outcome = "NO"
)

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool {
	return o == YES || o == NO
}

// Opposite returns the other side.
func (o Outcome) Opposite() Outcome {
	if o == YES {
		return NO
	}
	return YES
}

// Contract mechanisms.
const (
	MechanismCPMM      = "cpmm-1"
	MechanismCPMMMulti = "cpmm-multi-1"
)

// Contract outcome types.
const (
	Binary         = "BINARY"
	PseudoNumeric  = "PSEUDO_NUMERIC"
	Stonk          = "STONK"
	MultipleChoice = "MULTIPLE_CHOICE"
)

// Tokens a contract can trade in.
const (
	TokenMana = "MANA"
	TokenCash = "CASH"
)

var (
	ErrUnknownAnswer = errors.New("model: unknown answer")
	ErrNoAnswer      = errors.New("model: answer id required for multi-answer contract")
)

// Pool holds the liquidity pool share balances of a CPMM market.
type Pool struct {
	YES decimal.Decimal `json:"YES"`
	NO  decimal.Decimal `json:"NO"`
}

// Get returns the pool balance for one side.
func (p Pool) Get(o Outcome) decimal.Decimal {
	if o == YES {
		return p.YES
	}
	return p.NO
}

// PoolState is the full CPMM state: pool balances plus the weight p.
type PoolState struct {
	Pool Pool            `json:"pool"`
	P    decimal.Decimal `json:"p"`
}

// Answer is one option of a multi-answer contract. Each answer has its own pool.
type Answer struct {
	ID         string          `json:"id"`
	ContractID string          `json:"contractId"`
	Text       string          `json:"text"`
	Index      int             `json:"index"`
	Pool       Pool            `json:"pool"`
	P          decimal.Decimal `json:"p"`
}

// Contract is a market. Binary-like contracts carry a single pool;
// cpmm-multi-1 contracts carry one pool per answer.
type Contract struct {
	ID                    string          `json:"id"`
	Slug                  string          `json:"slug"`
	Question              string          `json:"question"`
	Mechanism             string          `json:"mechanism"`
	OutcomeType           string          `json:"outcomeType"`
	Token                 string          `json:"token"`
	Pool                  Pool            `json:"pool"`
	P                     decimal.Decimal `json:"p"`
	Answers               []Answer        `json:"answers,omitempty"`
	ShouldAnswersSumToOne bool            `json:"shouldAnswersSumToOne"`
	Min                   decimal.Decimal `json:"min"`
	Max                   decimal.Decimal `json:"max"`
	IsLogScale            bool            `json:"isLogScale"`
	Status                string          `json:"status"` // "open", "closed"
	CreatedAt             time.Time       `json:"createdAt"`
}

// SumsToOne reports whether answer probabilities are constrained to sum to 1,
// which selects the sum-to-one sale pricing path.
func (c *Contract) SumsToOne() bool {
	return c.Mechanism == MechanismCPMMMulti && c.ShouldAnswersSumToOne
}

// IsMulti reports whether the contract prices per answer.
func (c *Contract) IsMulti() bool {
	return c.Mechanism == MechanismCPMMMulti
}

// IsCash reports whether the contract trades in the cash token.
func (c *Contract) IsCash() bool {
	return c.Token == TokenCash
}

// Answer looks up an answer by id.
func (c *Contract) Answer(id string) (*Answer, bool) {
	for i := range c.Answers {
		if c.Answers[i].ID == id {
			return &c.Answers[i], true
		}
	}
	return nil, false
}

// PoolState is the single accessor for a contract's pricing state. For
// multi-answer contracts answerID selects the answer; otherwise it is ignored.
func (c *Contract) PoolState(answerID string) (PoolState, error) {
	if !c.IsMulti() {
		return PoolState{Pool: c.Pool, P: c.P}, nil
	}
	if answerID == "" {
		return PoolState{}, ErrNoAnswer
	}
	a, ok := c.Answer(answerID)
	if !ok {
		return PoolState{}, fmt.Errorf("%w: %s", ErrUnknownAnswer, answerID)
	}
	return PoolState{Pool: a.Pool, P: a.P}, nil
}

// Pools returns every pool of the contract keyed by answer id, with "" for
// the single pool of a binary-like contract.
func (c *Contract) Pools() map[string]Pool {
	if !c.IsMulti() {
		return map[string]Pool{"": c.Pool}
	}
	pools := make(map[string]Pool, len(c.Answers))
	for _, a := range c.Answers {
		pools[a.ID] = a.Pool
	}
	return pools
}

// Equal reports whether both sides hold the same balances.
func (p Pool) Equal(o Pool) bool {
	return p.YES.Equal(o.YES) && p.NO.Equal(o.NO)
}

// Position is a user's holding in one side of one contract or answer.
type Position struct {
	UserID     string          `json:"userId"`
	ContractID string          `json:"contractId"`
	AnswerID   string          `json:"answerId,omitempty"`
	Outcome    Outcome         `json:"outcome"`
	Shares     decimal.Decimal `json:"shares"`
	Invested   decimal.Decimal `json:"invested"` // cost basis
	Loan       decimal.Decimal `json:"loan"`
}

// LimitOrder is a resting, not yet fully filled buy order.
type LimitOrder struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	ContractID  string          `json:"contractId"`
	AnswerID    string          `json:"answerId,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	LimitProb   decimal.Decimal `json:"limitProb"`
	OrderAmount decimal.Decimal `json:"orderAmount"`
	Amount      decimal.Decimal `json:"amount"` // filled so far
	IsFilled    bool            `json:"isFilled"`
	IsCancelled bool            `json:"isCancelled"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Remaining returns the unfilled order amount.
func (o LimitOrder) Remaining() decimal.Decimal {
	r := o.OrderAmount.Sub(o.Amount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// User carries the profile fields the sell flow needs.
type User struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Balance           decimal.Decimal `json:"balance"`
	OptOutBetWarnings bool            `json:"optOutBetWarnings"`
}

// Fees is the fee breakdown of one trade.
type Fees struct {
	CreatorFee   decimal.Decimal `json:"creatorFee"`
	PlatformFee  decimal.Decimal `json:"platformFee"`
	LiquidityFee decimal.Decimal `json:"liquidityFee"`
}

// Total returns the sum of all fee components.
func (f Fees) Total() decimal.Decimal {
	return f.CreatorFee.Add(f.PlatformFee).Add(f.LiquidityFee)
}

// Add returns the component-wise sum.
func (f Fees) Add(o Fees) Fees {
	return Fees{
		CreatorFee:   f.CreatorFee.Add(o.CreatorFee),
		PlatformFee:  f.PlatformFee.Add(o.PlatformFee),
		LiquidityFee: f.LiquidityFee.Add(o.LiquidityFee),
	}
}

// MakerFill records the part of a sale matched against one resting order.
type MakerFill struct {
	OrderID   string          `json:"orderId"`
	UserID    string          `json:"userId"`
	Shares    decimal.Decimal `json:"shares"`
	Amount    decimal.Decimal `json:"amount"`
	LimitProb decimal.Decimal `json:"limitProb"`
}

// Quote is the pricing oracle's answer for one hypothetical sale.
// It is request-scoped and never persisted.
type Quote struct {
	InitialProb decimal.Decimal `json:"initialProb"`
	State       PoolState       `json:"state"`
	SaleValue   decimal.Decimal `json:"saleValue"` // after fees
	Fees        Fees            `json:"fees"`
	Makers      []MakerFill     `json:"makers"`
	// OtherAnswers holds the rebalanced pools of the remaining answers of a
	// sum-to-one contract, keyed by answer id.
	OtherAnswers map[string]Pool `json:"otherAnswers,omitempty"`
}

// SellRequest is the mutation payload for the settlement endpoint.
// A nil Shares means "sell all".
type SellRequest struct {
	Shares     *decimal.Decimal `json:"shares,omitempty"`
	Outcome    Outcome          `json:"outcome"`
	ContractID string           `json:"contractId"`
	AnswerID   string           `json:"answerId,omitempty"`
	Deps       []string         `json:"deps"`
}

// Sale is the atomic server-side mutation produced by a settled sell.
type Sale struct {
	UserID       string
	ContractID   string
	AnswerID     string
	Outcome      Outcome
	SoldShares   decimal.Decimal
	SellAll      bool
	SaleValue    decimal.Decimal
	LoanPaid     decimal.Decimal
	CostBasis    decimal.Decimal
	State        PoolState
	OtherAnswers map[string]Pool
	// PricedOn holds the pools the sale was priced against, keyed by answer
	// id ("" for a single-pool contract). The sale is only applied while
	// every pool it rewrites still matches.
	PricedOn map[string]Pool
	Makers       []MakerFill
	Entries      []LedgerEntry
}

// LedgerEntry is an immutable record of a trade fill.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	ContractID string          `json:"contractId"`
	AnswerID   string          `json:"answerId,omitempty"`
	Outcome    Outcome         `json:"outcome"`
	Shares     decimal.Decimal `json:"shares"` // signed: +buy, -sell
	Amount     decimal.Decimal `json:"amount"` // signed cash flow for the user: +received, -paid
	ProbBefore decimal.Decimal `json:"probBefore"`
	ProbAfter  decimal.Decimal `json:"probAfter"`
	IsMaker    bool            `json:"isMaker"`
	Timestamp  time.Time       `json:"timestamp"`
}
