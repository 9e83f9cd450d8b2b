// Package history keeps a local SQLite log of every sell submitted from the
// CLI, successful or not.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/liquidation-engine/internal/model"
	"github.com/atmx/liquidation-engine/internal/sell"
	"github.com/atmx/liquidation-engine/internal/submit"
)

const schema = `
CREATE TABLE IF NOT EXISTS sells (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    submitted_at DATETIME NOT NULL,
    user_id      TEXT NOT NULL,
    contract_id  TEXT NOT NULL,
    answer_id    TEXT NOT NULL DEFAULT '',
    outcome      TEXT NOT NULL,
    requested    TEXT,              -- NULL when selling all
    sold_shares  TEXT NOT NULL DEFAULT '0',
    sale_value   TEXT NOT NULL DEFAULT '0',
    loan_paid    TEXT NOT NULL DEFAULT '0',
    prob_after   TEXT NOT NULL DEFAULT '0',
    status       TEXT NOT NULL,
    message      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sells_contract ON sells(contract_id, submitted_at DESC);
`

// Submission outcomes.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Entry is one submitted sell.
type Entry struct {
	ID          int64
	SubmittedAt time.Time
	UserID      string
	ContractID  string
	AnswerID    string
	Outcome     model.Outcome
	Requested   *decimal.Decimal // nil means all shares
	SoldShares  decimal.Decimal
	SaleValue   decimal.Decimal
	LoanPaid    decimal.Decimal
	ProbAfter   decimal.Decimal
	Status      string
	Message     string
}

// Store is the SQLite-backed log (pure Go, no cgo).
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history.Open: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends e and returns its id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = time.Now().UTC()
	}
	var requested sql.NullString
	if e.Requested != nil {
		requested = sql.NullString{String: e.Requested.String(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sells (submitted_at, user_id, contract_id, answer_id, outcome, requested,
		                   sold_shares, sale_value, loan_paid, prob_after, status, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SubmittedAt.UTC(), e.UserID, e.ContractID, e.AnswerID, string(e.Outcome), requested,
		e.SoldShares.String(), e.SaleValue.String(), e.LoanPaid.String(), e.ProbAfter.String(),
		e.Status, e.Message,
	)
	if err != nil {
		return 0, fmt.Errorf("history.Record: %w", err)
	}
	return res.LastInsertId()
}

// List returns the most recent entries first. An empty contractID lists all
// contracts; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, contractID string, limit int) ([]Entry, error) {
	q := `SELECT id, submitted_at, user_id, contract_id, answer_id, outcome, requested,
	             sold_shares, sale_value, loan_paid, prob_after, status, message
	      FROM sells`
	var args []any
	if contractID != "" {
		q += ` WHERE contract_id = ?`
		args = append(args, contractID)
	}
	q += ` ORDER BY submitted_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history.List: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                            Entry
			outcome                      string
			requested                    sql.NullString
			sold, value, loan, probAfter string
		)
		if err := rows.Scan(&e.ID, &e.SubmittedAt, &e.UserID, &e.ContractID, &e.AnswerID, &outcome, &requested,
			&sold, &value, &loan, &probAfter, &e.Status, &e.Message); err != nil {
			return nil, fmt.Errorf("history.List: scan: %w", err)
		}
		e.Outcome = model.Outcome(outcome)
		if requested.Valid {
			r, err := decimal.NewFromString(requested.String)
			if err != nil {
				return nil, fmt.Errorf("history.List: requested: %w", err)
			}
			e.Requested = &r
		}
		e.SoldShares = decimal.RequireFromString(sold)
		e.SaleValue = decimal.RequireFromString(value)
		e.LoanPaid = decimal.RequireFromString(loan)
		e.ProbAfter = decimal.RequireFromString(probAfter)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Executor places a sell and reports the executed sale.
type Executor interface {
	SellWithResponse(ctx context.Context, req model.SellRequest) (*sell.SellResponse, error)
}

// Recorder is a submit.Seller that logs every submission to a Store.
type Recorder struct {
	exec   Executor
	store  *Store
	userID string

	mu   sync.Mutex
	last *Entry
}

var _ submit.Seller = (*Recorder)(nil)

// NewRecorder wraps exec, recording submissions made as userID.
func NewRecorder(exec Executor, store *Store, userID string) *Recorder {
	return &Recorder{exec: exec, store: store, userID: userID}
}

// Sell implements submit.Seller. A failure to write the log never hides the
// outcome of the sell itself.
func (r *Recorder) Sell(ctx context.Context, req model.SellRequest) error {
	resp, err := r.exec.SellWithResponse(ctx, req)

	e := Entry{
		SubmittedAt: time.Now().UTC(),
		UserID:      r.userID,
		ContractID:  req.ContractID,
		AnswerID:    req.AnswerID,
		Outcome:     req.Outcome,
		Requested:   req.Shares,
		Status:      StatusSucceeded,
	}
	if err != nil {
		e.Status = StatusFailed
		e.Message = submit.UserMessage(err)
	} else {
		e.SoldShares = resp.SoldShares
		e.SaleValue = resp.SaleValue
		e.LoanPaid = resp.LoanPaid
		e.ProbAfter = resp.ProbAfter
	}
	// The log is written even when the caller's context is already done.
	if id, recErr := r.store.Record(context.WithoutCancel(ctx), e); recErr != nil {
		slog.Warn("history write failed", "contract_id", req.ContractID, "error", recErr)
	} else {
		e.ID = id
	}

	r.mu.Lock()
	r.last = &e
	r.mu.Unlock()
	return err
}

// Last returns the most recent submission made through r, as executed by
// the service.
func (r *Recorder) Last() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Entry{}, false
	}
	return *r.last, true
}
