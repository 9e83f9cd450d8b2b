package sell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/liquidation-engine/internal/confirm"
	"github.com/atmx/liquidation-engine/internal/contract"
	"github.com/atmx/liquidation-engine/internal/cpmm"
	"github.com/atmx/liquidation-engine/internal/metrics"
	"github.com/atmx/liquidation-engine/internal/model"
	"github.com/atmx/liquidation-engine/internal/settlement"
	"github.com/atmx/liquidation-engine/internal/store"
)

// MsgStaleQuote is returned when the book changed between quote and sale.
const MsgStaleQuote = "Limit orders changed since your quote. Please review the new price and try again."

// SellResponse is the JSON body returned from a successful sell.
type SellResponse struct {
	ContractID    string              `json:"contractId"`
	AnswerID      string              `json:"answerId,omitempty"`
	Outcome       model.Outcome       `json:"outcome"`
	SoldShares    decimal.Decimal     `json:"soldShares"`
	SaleValue     decimal.Decimal     `json:"saleValue"`
	LoanPaid      decimal.Decimal     `json:"loanPaid"`
	NetProceeds   decimal.Decimal     `json:"netProceeds"`
	Profit        decimal.Decimal     `json:"profit"`
	Fees          model.Fees          `json:"fees"`
	ProbBefore    decimal.Decimal     `json:"probBefore"`
	ProbAfter     decimal.Decimal     `json:"probAfter"`
	Makers        []model.MakerFill   `json:"makers"`
	Position      model.Position      `json:"position"`
	LedgerEntries []model.LedgerEntry `json:"ledgerEntries"`
}

// QuoteResponse is the JSON body returned from the quote endpoint.
type QuoteResponse struct {
	Result   settlement.Result `json:"result"`
	Decision confirm.Decision  `json:"decision"`
	Deps     []string          `json:"deps"`
}

// requestError is a failure with its HTTP status.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(format string, args ...any) *requestError {
	return &requestError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

// prepared is everything a quote or a sale is computed from.
type prepared struct {
	userID   string
	user     *model.User
	contract *model.Contract
	position *model.Position
	result   settlement.Result
}

// prepare validates req and prices it against the current book.
func (s *Service) prepare(ctx context.Context, userID, contractID string, req model.SellRequest) (*prepared, error) {
	if req.ContractID != "" && req.ContractID != contractID {
		return nil, badRequest("contractId %s does not match path", req.ContractID)
	}
	if !req.Outcome.Valid() {
		return nil, badRequest("outcome must be YES or NO")
	}
	if req.Shares != nil && !req.Shares.IsPositive() {
		return nil, badRequest("shares must be positive")
	}

	c, err := s.store.GetContract(ctx, contractID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &requestError{status: http.StatusNotFound, message: "market not found: " + contractID}
	}
	if err != nil {
		return nil, err
	}
	if c.Status != "open" {
		return nil, &requestError{status: http.StatusConflict, message: "market is not open for trading"}
	}
	if c.IsMulti() {
		if req.AnswerID == "" {
			return nil, badRequest("answerId is required for this market")
		}
		if _, ok := c.Answer(req.AnswerID); !ok {
			return nil, badRequest("unknown answer %s", req.AnswerID)
		}
	} else {
		req.AnswerID = ""
	}

	var (
		user   *model.User
		pos    *model.Position
		orders []model.LimitOrder
	)
	// All three loads run to completion so a missing user is told apart from
	// a missing position.
	var g errgroup.Group
	g.Go(func() (err error) {
		user, err = s.store.GetUser(ctx, userID)
		return err
	})
	g.Go(func() (err error) {
		pos, err = s.store.GetPosition(ctx, userID, contractID, req.AnswerID, req.Outcome)
		return err
	})
	g.Go(func() (err error) {
		// Sum-to-one pricing reads the book of every answer.
		answerID := req.AnswerID
		if c.SumsToOne() {
			answerID = ""
		}
		orders, err = s.store.ListUnfilledOrders(ctx, contractID, answerID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if user == nil {
				return nil, &requestError{status: http.StatusNotFound, message: "user not found: " + userID}
			}
			return nil, badRequest("You don't have any %s shares to sell", req.Outcome)
		}
		return nil, err
	}
	if !pos.Shares.IsPositive() {
		return nil, badRequest("You don't have any %s shares to sell", req.Outcome)
	}

	balances, err := s.store.GetBalances(ctx, makerIDs(orders))
	if err != nil {
		return nil, err
	}

	requested := req.Shares
	if requested == nil {
		all := pos.Shares.Floor()
		requested = &all
	}
	res, err := settlement.Calculate(s.oracle, settlement.InputFromPosition(c, *pos, requested, orders, balances))
	if err != nil {
		if errors.Is(err, cpmm.ErrEmptyPool) || errors.Is(err, cpmm.ErrInvalidShares) || errors.Is(err, model.ErrUnknownAnswer) {
			return nil, badRequest("%s", err.Error())
		}
		return nil, err
	}

	return &prepared{userID: userID, user: user, contract: c, position: pos, result: res}, nil
}

func makerIDs(orders []model.LimitOrder) []string {
	seen := make(map[string]bool, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if !seen[o.UserID] {
			seen[o.UserID] = true
			ids = append(ids, o.UserID)
		}
	}
	return ids
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request) (string, model.SellRequest, bool) {
	var req model.SellRequest
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeError(w, UserHeader+" header is required", http.StatusUnauthorized)
		return "", req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return "", req, false
	}
	return userID, req, true
}

func (s *Service) fail(w http.ResponseWriter, err error, msg string) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		writeError(w, reqErr.message, reqErr.status)
		return
	}
	s.logger.Error(msg, "err", err)
	writeError(w, msg, http.StatusInternalServerError)
}

// Quote handles POST /api/v1/market/{contractID}/sell-quote.
// It prices the request without changing anything and reports whether the
// seller will have to confirm it.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := s.decode(w, r)
	if !ok {
		return
	}
	p, err := s.prepare(r.Context(), userID, chi.URLParam(r, "contractID"), req)
	if err != nil {
		s.fail(w, err, "failed to quote sale")
		return
	}

	dec := s.gate.Evaluate(p.result, p.user.OptOutBetWarnings)
	metrics.QuotesServed.Inc()
	if dec.RequiresConfirmation {
		metrics.ConfirmationsRequired.Inc()
	}
	writeJSON(w, http.StatusOK, QuoteResponse{Result: p.result, Decision: dec, Deps: p.result.Deps()})
}

// Sell handles POST /api/v1/market/{contractID}/sell.
// The sale is re-priced against the current book. If it would fill orders of
// a maker the caller's quote did not include, it is refused as stale;
// otherwise it is applied atomically.
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID, req, ok := s.decode(w, r)
	if !ok {
		return
	}
	contractID := chi.URLParam(r, "contractID")
	ctx := r.Context()

	// Serialize sale execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.prepare(ctx, userID, contractID, req)
	if err != nil {
		metrics.ObserveSell(string(req.Outcome), "rejected", start, 0)
		s.fail(w, err, "failed to price sale")
		return
	}
	res := p.result

	if res.Validation != nil {
		metrics.ObserveSell(string(req.Outcome), "rejected", start, 0)
		writeError(w, res.Validation.Message, http.StatusBadRequest)
		return
	}
	if !res.SoldShares.IsPositive() {
		metrics.ObserveSell(string(req.Outcome), "rejected", start, 0)
		writeError(w, "nothing to sell", http.StatusBadRequest)
		return
	}

	quoted := make(map[string]bool, len(req.Deps))
	for _, id := range req.Deps {
		quoted[id] = true
	}
	for _, id := range res.Deps() {
		if !quoted[id] {
			s.logger.Info("stale sell quote", "user", userID, "contract", contractID, "maker", id)
			metrics.ObserveSell(string(req.Outcome), "conflict", start, 0)
			writeError(w, MsgStaleQuote, http.StatusConflict)
			return
		}
	}

	sale := buildSale(p)
	if err := s.store.ApplySale(ctx, sale); err != nil {
		var conflict *store.ConflictError
		switch {
		case errors.As(err, &conflict):
			metrics.ObserveSell(string(req.Outcome), "conflict", start, 0)
			writeError(w, conflict.Message, http.StatusConflict)
		case errors.Is(err, store.ErrInsufficientShares):
			metrics.ObserveSell(string(req.Outcome), "rejected", start, 0)
			writeError(w, fmt.Sprintf("You only have %s shares to sell", displayShares(p.contract, p.position.Shares)), http.StatusBadRequest)
		case errors.Is(err, store.ErrMakerBalance), errors.Is(err, store.ErrOrderClosed):
			metrics.ObserveSell(string(req.Outcome), "conflict", start, 0)
			writeError(w, MsgStaleQuote, http.StatusConflict)
		default:
			metrics.ObserveSell(string(req.Outcome), "error", start, 0)
			s.logger.Error("apply sale failed", "user", userID, "contract", contractID, "err", err)
			writeError(w, "failed to record sale", http.StatusInternalServerError)
		}
		return
	}

	metrics.ObserveSell(string(req.Outcome), "ok", start, len(sale.Makers))
	metrics.SharesSold.WithLabelValues(contractID, string(req.Outcome)).Add(sale.SoldShares.InexactFloat64())

	s.logger.Info("sell executed",
		"user", userID,
		"contract", contractID,
		"answer", sale.AnswerID,
		"outcome", sale.Outcome,
		"shares", sale.SoldShares.String(),
		"sell_all", sale.SellAll,
		"sale_value", sale.SaleValue.String(),
		"loan_paid", sale.LoanPaid.String(),
		"makers", len(sale.Makers),
		"prob_after", res.ResultProb.String(),
	)

	// Broadcast the new contract state.
	if s.publisher != nil {
		if c, err := s.store.GetContract(ctx, contractID); err == nil {
			s.publisher.Publish(*c)
		}
	}

	pos, err := s.store.GetPosition(ctx, userID, contractID, sale.AnswerID, sale.Outcome)
	if err != nil {
		pos = &model.Position{UserID: userID, ContractID: contractID, AnswerID: sale.AnswerID, Outcome: sale.Outcome}
	}
	makers := sale.Makers
	if makers == nil {
		makers = []model.MakerFill{}
	}

	writeJSON(w, http.StatusOK, SellResponse{
		ContractID:    contractID,
		AnswerID:      sale.AnswerID,
		Outcome:       sale.Outcome,
		SoldShares:    sale.SoldShares,
		SaleValue:     sale.SaleValue,
		LoanPaid:      sale.LoanPaid,
		NetProceeds:   res.NetProceeds,
		Profit:        res.Profit,
		Fees:          res.Quote.Fees,
		ProbBefore:    res.InitialProb,
		ProbAfter:     res.ResultProb,
		Makers:        makers,
		Position:      *pos,
		LedgerEntries: sale.Entries,
	})
}

// buildSale turns a priced request into the store mutation and its ledger
// entries: one for the seller and one per maker fill.
func buildSale(p *prepared) *model.Sale {
	res := p.result
	now := time.Now().UTC()
	answerID := p.position.AnswerID
	outcome := p.position.Outcome

	sale := &model.Sale{
		UserID:       p.userID,
		ContractID:   p.contract.ID,
		AnswerID:     answerID,
		Outcome:      outcome,
		SoldShares:   res.SoldShares,
		SellAll:      res.IsSellingAllShares,
		SaleValue:    res.Quote.SaleValue,
		LoanPaid:     res.LoanPaid,
		CostBasis:    res.CostBasis,
		State:        res.Quote.State,
		OtherAnswers: res.Quote.OtherAnswers,
		PricedOn:     p.contract.Pools(),
		Makers:       res.Quote.Makers,
	}

	sale.Entries = append(sale.Entries, model.LedgerEntry{
		ID:         uuid.New().String(),
		UserID:     p.userID,
		ContractID: p.contract.ID,
		AnswerID:   answerID,
		Outcome:    outcome,
		Shares:     res.SoldShares.Neg(),
		Amount:     res.Quote.SaleValue,
		ProbBefore: res.InitialProb,
		ProbAfter:  res.ResultProb,
		Timestamp:  now,
	})
	for _, m := range res.Quote.Makers {
		sale.Entries = append(sale.Entries, model.LedgerEntry{
			ID:         uuid.New().String(),
			UserID:     m.UserID,
			ContractID: p.contract.ID,
			AnswerID:   answerID,
			Outcome:    outcome,
			Shares:     m.Shares,
			Amount:     m.Amount.Neg(),
			ProbBefore: res.InitialProb,
			ProbAfter:  res.ResultProb,
			IsMaker:    true,
			Timestamp:  now,
		})
	}
	return sale
}

// displayShares formats a share count the way the contract displays it.
func displayShares(c *model.Contract, shares decimal.Decimal) string {
	return contract.FormatShares(shares, c.IsCash())
}
