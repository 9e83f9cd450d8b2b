package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/model"
)

//go:embed schema.sql
var schema string

// sqlStateSerializationFailure is returned by PostgreSQL when a SERIALIZABLE
// transaction loses a conflict.
const sqlStateSerializationFailure = "40001"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Contracts ---

const contractColumns = `id, slug, question, mechanism, outcome_type, token,
	pool_yes::TEXT, pool_no::TEXT, p::TEXT, should_answers_sum_to_one,
	min_value::TEXT, max_value::TEXT, is_log_scale, status, created_at`

func (s *PostgresStore) CreateContract(ctx context.Context, c *model.Contract) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO contracts (id, slug, question, mechanism, outcome_type, token,
		                        pool_yes, pool_no, p, should_answers_sum_to_one,
		                        min_value, max_value, is_log_scale, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10,
		         $11::NUMERIC, $12::NUMERIC, $13, $14, $15)`,
		c.ID, c.Slug, c.Question, c.Mechanism, c.OutcomeType, c.Token,
		c.Pool.YES.String(), c.Pool.NO.String(), c.P.String(), c.ShouldAnswersSumToOne,
		c.Min.String(), c.Max.String(), c.IsLogScale, c.Status, c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("contract %s: %w", c.ID, ErrExists)
		}
		return err
	}

	for _, a := range c.Answers {
		_, err = tx.Exec(ctx,
			`INSERT INTO answers (id, contract_id, text, idx, pool_yes, pool_no, p)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)`,
			a.ID, c.ID, a.Text, a.Index, a.Pool.YES.String(), a.Pool.NO.String(), a.P.String(),
		)
		if err != nil {
			return fmt.Errorf("insert answer %s: %w", a.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	return getContract(ctx, s.pool, id, false)
}

func getContract(ctx context.Context, q querier, id string, forUpdate bool) (*model.Contract, error) {
	sql := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	c, err := scanContract(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFound(err, "contract "+id)
	}

	answers, err := listAnswers(ctx, q, id)
	if err != nil {
		return nil, err
	}
	c.Answers = answers
	return c, nil
}

func (s *PostgresStore) ListContracts(ctx context.Context) ([]model.Contract, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+contractColumns+` FROM contracts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range contracts {
		if !contracts[i].IsMulti() {
			continue
		}
		if contracts[i].Answers, err = listAnswers(ctx, s.pool, contracts[i].ID); err != nil {
			return nil, err
		}
	}
	return contracts, nil
}

func scanContract(row pgx.Row) (*model.Contract, error) {
	var c model.Contract
	var poolYes, poolNo, p, minV, maxV string
	if err := row.Scan(&c.ID, &c.Slug, &c.Question, &c.Mechanism, &c.OutcomeType, &c.Token,
		&poolYes, &poolNo, &p, &c.ShouldAnswersSumToOne,
		&minV, &maxV, &c.IsLogScale, &c.Status, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Pool = model.Pool{YES: num(poolYes), NO: num(poolNo)}
	c.P = num(p)
	c.Min = num(minV)
	c.Max = num(maxV)
	return &c, nil
}

func listAnswers(ctx context.Context, q querier, contractID string) ([]model.Answer, error) {
	rows, err := q.Query(ctx,
		`SELECT id, contract_id, text, idx, pool_yes::TEXT, pool_no::TEXT, p::TEXT
		 FROM answers WHERE contract_id = $1 ORDER BY idx`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		var poolYes, poolNo, p string
		if err := rows.Scan(&a.ID, &a.ContractID, &a.Text, &a.Index, &poolYes, &poolNo, &p); err != nil {
			return nil, err
		}
		a.Pool = model.Pool{YES: num(poolYes), NO: num(poolNo)}
		a.P = num(p)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, balance, opt_out_bet_warnings) VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Name, u.Balance.String(), u.OptOutBetWarnings)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("user %s: %w", u.ID, ErrExists)
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, balance::TEXT, opt_out_bet_warnings FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &balance, &u.OptOutBetWarnings)
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	u.Balance = num(balance)
	return &u, nil
}

func (s *PostgresStore) GetBalances(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	balances := make(map[string]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return balances, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, balance::TEXT FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, balance string
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, err
		}
		balances[id] = num(balance)
	}
	return balances, rows.Err()
}

// --- Positions ---

const positionColumns = `user_id, contract_id, answer_id, outcome, shares::TEXT, invested::TEXT, loan::TEXT`

func (s *PostgresStore) GetPosition(ctx context.Context, userID, contractID, answerID string, outcome model.Outcome) (*model.Position, error) {
	return getPosition(ctx, s.pool, userID, contractID, answerID, outcome, false)
}

func getPosition(ctx context.Context, q querier, userID, contractID, answerID string, outcome model.Outcome, forUpdate bool) (*model.Position, error) {
	sql := `SELECT ` + positionColumns + ` FROM positions
	        WHERE user_id = $1 AND contract_id = $2 AND answer_id = $3 AND outcome = $4`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	p, err := scanPosition(q.QueryRow(ctx, sql, userID, contractID, answerID, string(outcome)))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("position %s/%s/%s", userID, contractID, outcome))
	}
	return p, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var outcome, shares, invested, loan string
	if err := row.Scan(&p.UserID, &p.ContractID, &p.AnswerID, &outcome, &shares, &invested, &loan); err != nil {
		return nil, err
	}
	p.Outcome = model.Outcome(outcome)
	p.Shares = num(shares)
	p.Invested = num(invested)
	p.Loan = num(loan)
	return &p, nil
}

func (s *PostgresStore) PutPosition(ctx context.Context, p *model.Position) error {
	return putPosition(ctx, s.pool, p)
}

func putPosition(ctx context.Context, q querier, p *model.Position) error {
	_, err := q.Exec(ctx,
		`INSERT INTO positions (user_id, contract_id, answer_id, outcome, shares, invested, loan)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)
		 ON CONFLICT (user_id, contract_id, answer_id, outcome)
		 DO UPDATE SET shares = EXCLUDED.shares, invested = EXCLUDED.invested, loan = EXCLUDED.loan`,
		p.UserID, p.ContractID, p.AnswerID, string(p.Outcome),
		p.Shares.String(), p.Invested.String(), p.Loan.String())
	return err
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND shares > 0
		 ORDER BY contract_id, answer_id, outcome`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Limit orders ---

const orderColumns = `id, user_id, contract_id, answer_id, outcome, limit_prob::TEXT,
	order_amount::TEXT, amount::TEXT, is_filled, is_cancelled, created_at`

func (s *PostgresStore) CreateLimitOrder(ctx context.Context, o *model.LimitOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO limit_orders (id, user_id, contract_id, answer_id, outcome, limit_prob,
		                           order_amount, amount, is_filled, is_cancelled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		o.ID, o.UserID, o.ContractID, o.AnswerID, string(o.Outcome), o.LimitProb.String(),
		o.OrderAmount.String(), o.Amount.String(), o.IsFilled, o.IsCancelled, o.CreatedAt)
	return err
}

func (s *PostgresStore) ListUnfilledOrders(ctx context.Context, contractID, answerID string) ([]model.LimitOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM limit_orders
		 WHERE contract_id = $1 AND ($2 = '' OR answer_id = $2)
		   AND NOT is_filled AND NOT is_cancelled
		 ORDER BY created_at, id`, contractID, answerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.LimitOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*model.LimitOrder, error) {
	var o model.LimitOrder
	var outcome, limitProb, orderAmount, amount string
	if err := row.Scan(&o.ID, &o.UserID, &o.ContractID, &o.AnswerID, &outcome, &limitProb,
		&orderAmount, &amount, &o.IsFilled, &o.IsCancelled, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Outcome = model.Outcome(outcome)
	o.LimitProb = num(limitProb)
	o.OrderAmount = num(orderAmount)
	o.Amount = num(amount)
	return &o, nil
}

// --- Settlement ---

// ApplySale runs the whole sale in one SERIALIZABLE transaction. A lost
// serialization conflict is returned as *ConflictError.
func (s *PostgresStore) ApplySale(ctx context.Context, sale *model.Sale) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return applySale(ctx, tx, sale)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateSerializationFailure {
		return &ConflictError{Message: pgErr.Message}
	}
	return err
}

func applySale(ctx context.Context, tx pgx.Tx, sale *model.Sale) error {
	c, err := getContract(ctx, tx, sale.ContractID, true)
	if err != nil {
		return err
	}
	pos, err := getPosition(ctx, tx, sale.UserID, sale.ContractID, sale.AnswerID, sale.Outcome, true)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("position %s/%s: %w", sale.UserID, sale.ContractID, ErrInsufficientShares)
	}
	if err != nil {
		return err
	}

	newPos, err := reducePosition(*pos, sale)
	if err != nil {
		return err
	}
	if err := putPosition(ctx, tx, &newPos); err != nil {
		return fmt.Errorf("update seller position: %w", err)
	}

	if err := applyPools(c, sale); err != nil {
		return err
	}
	if c.IsMulti() {
		for _, a := range c.Answers {
			if _, err := tx.Exec(ctx,
				`UPDATE answers SET pool_yes = $2::NUMERIC, pool_no = $3::NUMERIC WHERE id = $1`,
				a.ID, a.Pool.YES.String(), a.Pool.NO.String()); err != nil {
				return fmt.Errorf("update answer %s: %w", a.ID, err)
			}
		}
	} else {
		if _, err := tx.Exec(ctx,
			`UPDATE contracts SET pool_yes = $2::NUMERIC, pool_no = $3::NUMERIC WHERE id = $1`,
			c.ID, c.Pool.YES.String(), c.Pool.NO.String()); err != nil {
			return fmt.Errorf("update contract pool: %w", err)
		}
	}

	for _, f := range sale.Makers {
		if err := applyFill(ctx, tx, sale, f); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
		sale.UserID, sale.SaleValue.Sub(sale.LoanPaid).String()); err != nil {
		return fmt.Errorf("credit seller: %w", err)
	}

	for i := range sale.Entries {
		if err := insertLedgerEntry(ctx, tx, &sale.Entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func applyFill(ctx context.Context, tx pgx.Tx, sale *model.Sale, f model.MakerFill) error {
	o, err := scanOrder(tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM limit_orders WHERE id = $1 FOR UPDATE`, f.OrderID))
	if err != nil {
		return notFound(err, "limit order "+f.OrderID)
	}
	filled, err := fillOrder(*o, f)
	if err != nil {
		return fmt.Errorf("limit order %s: %w", f.OrderID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE limit_orders SET amount = $2::NUMERIC, is_filled = $3 WHERE id = $1`,
		filled.ID, filled.Amount.String(), filled.IsFilled); err != nil {
		return fmt.Errorf("update limit order %s: %w", f.OrderID, err)
	}

	var balance string
	if err := tx.QueryRow(ctx, `SELECT balance::TEXT FROM users WHERE id = $1 FOR UPDATE`, f.UserID).
		Scan(&balance); err != nil {
		return notFound(err, "maker "+f.UserID)
	}
	if f.Amount.Sub(num(balance)).GreaterThan(dust) {
		return fmt.Errorf("maker %s: %w", f.UserID, ErrMakerBalance)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance - $2::NUMERIC WHERE id = $1`,
		f.UserID, f.Amount.String()); err != nil {
		return fmt.Errorf("debit maker %s: %w", f.UserID, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO positions (user_id, contract_id, answer_id, outcome, shares, invested, loan)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, 0)
		 ON CONFLICT (user_id, contract_id, answer_id, outcome)
		 DO UPDATE SET shares = positions.shares + EXCLUDED.shares,
		               invested = positions.invested + EXCLUDED.invested`,
		f.UserID, sale.ContractID, sale.AnswerID, string(sale.Outcome), f.Shares.String(), f.Amount.String())
	if err != nil {
		return fmt.Errorf("credit maker position %s: %w", f.UserID, err)
	}
	return nil
}

// --- Immutable ledger ---

const ledgerColumns = `id, user_id, contract_id, answer_id, outcome, shares::TEXT, amount::TEXT,
	prob_before::TEXT, prob_after::TEXT, is_maker, timestamp`

func insertLedgerEntry(ctx context.Context, q querier, e *model.LedgerEntry) error {
	_, err := q.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, contract_id, answer_id, outcome, shares, amount,
		                             prob_before, prob_after, is_maker, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		e.ID, e.UserID, e.ContractID, e.AnswerID, string(e.Outcome),
		e.Shares.String(), e.Amount.String(), e.ProbBefore.String(), e.ProbAfter.String(),
		e.IsMaker, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetLedgerEntriesByContract(ctx context.Context, contractID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE contract_id = $1 ORDER BY timestamp, id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var outcome, shares, amount, before, after string
		if err := rows.Scan(&e.ID, &e.UserID, &e.ContractID, &e.AnswerID, &outcome,
			&shares, &amount, &before, &after, &e.IsMaker, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Outcome = model.Outcome(outcome)
		e.Shares = num(shares)
		e.Amount = num(amount)
		e.ProbBefore = num(before)
		e.ProbAfter = num(after)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
