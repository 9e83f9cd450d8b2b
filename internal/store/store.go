// Package store defines the persistence interface for the liquidation engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/model"
)

var (
	ErrNotFound           = errors.New("store: not found")
	ErrExists             = errors.New("store: already exists")
	ErrInsufficientShares = errors.New("store: insufficient shares")
	ErrMakerBalance       = errors.New("store: maker balance too low")
	ErrOrderClosed        = errors.New("store: limit order no longer open")
)

// dust is the share remainder treated as zero when a position is reduced.
var dust = decimal.New(1, -8)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Contracts ---

	// CreateContract persists a new contract with its answers.
	CreateContract(ctx context.Context, c *model.Contract) error

	// GetContract retrieves a contract and its answers by ID.
	GetContract(ctx context.Context, id string) (*model.Contract, error)

	// ListContracts returns all contracts, newest first.
	ListContracts(ctx context.Context) ([]model.Contract, error)

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetBalances returns the balance of every known user in ids. Unknown
	// ids are absent from the result.
	GetBalances(ctx context.Context, ids []string) (map[string]decimal.Decimal, error)

	// --- Positions ---

	// GetPosition returns ErrNotFound if the user never held the outcome.
	GetPosition(ctx context.Context, userID, contractID, answerID string, outcome model.Outcome) (*model.Position, error)

	// PutPosition creates or replaces a position.
	PutPosition(ctx context.Context, p *model.Position) error

	// ListPositions returns the user's positions with shares remaining.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Resting limit orders ---

	CreateLimitOrder(ctx context.Context, o *model.LimitOrder) error

	// ListUnfilledOrders returns open orders on a contract, oldest first. An
	// empty answerID returns the orders of every answer.
	ListUnfilledOrders(ctx context.Context, contractID, answerID string) ([]model.LimitOrder, error)

	// --- Settlement ---

	// ApplySale commits a sale atomically: the seller's position and balance,
	// the contract pools, every maker fill and the ledger entries. Either all
	// of it is written or none of it. A pool that moved since sale.PricedOn
	// was read fails the sale with *ConflictError.
	ApplySale(ctx context.Context, sale *model.Sale) error

	// --- Immutable ledger ---

	GetLedgerEntriesByContract(ctx context.Context, contractID string) ([]model.LedgerEntry, error)
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)
}

// reducePosition returns pos after selling per sale. A sale of all shares
// zeroes the position.
func reducePosition(pos model.Position, sale *model.Sale) (model.Position, error) {
	if sale.SoldShares.Sub(pos.Shares).GreaterThan(dust) {
		return pos, ErrInsufficientShares
	}
	if sale.SellAll {
		pos.Shares, pos.Invested, pos.Loan = decimal.Zero, decimal.Zero, decimal.Zero
		return pos, nil
	}
	pos.Shares = pos.Shares.Sub(sale.SoldShares)
	pos.Invested = pos.Invested.Sub(sale.CostBasis)
	pos.Loan = pos.Loan.Sub(sale.LoanPaid)
	if pos.Shares.Abs().LessThanOrEqual(dust) {
		pos.Shares = decimal.Zero
	}
	if pos.Invested.IsNegative() {
		pos.Invested = decimal.Zero
	}
	if pos.Loan.IsNegative() {
		pos.Loan = decimal.Zero
	}
	return pos, nil
}

// fillOrder applies one maker fill to its order.
func fillOrder(o model.LimitOrder, f model.MakerFill) (model.LimitOrder, error) {
	if o.IsFilled || o.IsCancelled {
		return o, ErrOrderClosed
	}
	o.Amount = o.Amount.Add(f.Amount)
	if o.Remaining().LessThanOrEqual(dust) {
		o.IsFilled = true
	}
	return o, nil
}

// ConflictError reports a transient serialization conflict. Message starts
// with "could not serialize access", the text clients recognise and ask the
// user to retry on. PostgreSQL's own 40001 message is passed through as is.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

const msgPoolMoved = "could not serialize access: pool changed since the sale was priced"

// checkPriced refuses a sale whose pricing snapshot of answerID no longer
// matches the stored pool.
func checkPriced(sale *model.Sale, answerID string, current model.Pool) error {
	priced, ok := sale.PricedOn[answerID]
	if !ok || !priced.Equal(current) {
		return &ConflictError{Message: msgPoolMoved}
	}
	return nil
}

// applyPools writes the resulting pool state of a sale into c, after
// checking that none of the pools it rewrites moved since pricing.
func applyPools(c *model.Contract, sale *model.Sale) error {
	if !c.IsMulti() {
		if err := checkPriced(sale, "", c.Pool); err != nil {
			return err
		}
		c.Pool = sale.State.Pool
		return nil
	}
	a, ok := c.Answer(sale.AnswerID)
	if !ok {
		return model.ErrUnknownAnswer
	}
	if err := checkPriced(sale, a.ID, a.Pool); err != nil {
		return err
	}
	for id := range sale.OtherAnswers {
		other, ok := c.Answer(id)
		if !ok {
			return model.ErrUnknownAnswer
		}
		if err := checkPriced(sale, id, other.Pool); err != nil {
			return err
		}
	}
	a.Pool = sale.State.Pool
	for id, pool := range sale.OtherAnswers {
		other, _ := c.Answer(id)
		other.Pool = pool
	}
	return nil
}
