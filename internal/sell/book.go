package sell

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/cpmm"
	"github.com/atmx/liquidation-engine/internal/model"
	"github.com/atmx/liquidation-engine/internal/store"
)

// PlaceBetRequest is the JSON body for POST /api/v1/bets. It rests a limit
// order that buys Outcome at LimitProb for up to Amount.
type PlaceBetRequest struct {
	ContractID string          `json:"contractId"`
	AnswerID   string          `json:"answerId,omitempty"`
	Outcome    model.Outcome   `json:"outcome"`
	LimitProb  decimal.Decimal `json:"limitProb"`
	Amount     decimal.Decimal `json:"amount"`
}

// CreateUserRequest is the JSON body for POST /api/v1/users.
type CreateUserRequest struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Balance           decimal.Decimal `json:"balance"`
	OptOutBetWarnings bool            `json:"optOutBetWarnings"`
}

// ListBets handles GET /api/v1/bets?contractId=&answerId=
// Returns the contract's unfilled limit orders, oldest first.
func (s *Service) ListBets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contractID := q.Get("contractId")
	if contractID == "" {
		writeError(w, "contractId is required", http.StatusBadRequest)
		return
	}

	orders, err := s.store.ListUnfilledOrders(r.Context(), contractID, q.Get("answerId"))
	if err != nil {
		s.fail(w, err, "failed to list limit orders")
		return
	}
	if orders == nil {
		orders = []model.LimitOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// PlaceBet handles POST /api/v1/bets.
// Only resting orders are accepted: an order priced through the market
// would fill immediately, which this service does not do.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeError(w, UserHeader+" header is required", http.StatusUnauthorized)
		return
	}
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Outcome.Valid() {
		writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
		return
	}
	if !req.LimitProb.IsPositive() || req.LimitProb.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		writeError(w, "limitProb must be between 0 and 1", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.GetContract(ctx, req.ContractID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "market not found: "+req.ContractID, http.StatusNotFound)
			return
		}
		s.fail(w, err, "failed to load market")
		return
	}
	if c.Status != "open" {
		writeError(w, "market is not open for trading", http.StatusConflict)
		return
	}
	if !c.IsMulti() {
		req.AnswerID = ""
	}
	state, err := c.PoolState(req.AnswerID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	prob := cpmm.StateProbability(state)
	if (req.Outcome == model.YES && req.LimitProb.GreaterThanOrEqual(prob)) ||
		(req.Outcome == model.NO && req.LimitProb.LessThanOrEqual(prob)) {
		writeError(w, "limit order would cross the market", http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "user not found: "+userID, http.StatusNotFound)
			return
		}
		s.fail(w, err, "failed to load user")
		return
	}
	if user.Balance.LessThan(req.Amount) {
		writeError(w, "Insufficient balance", http.StatusBadRequest)
		return
	}

	order := &model.LimitOrder{
		ID:          uuid.New().String(),
		UserID:      userID,
		ContractID:  c.ID,
		AnswerID:    req.AnswerID,
		Outcome:     req.Outcome,
		LimitProb:   req.LimitProb,
		OrderAmount: req.Amount,
		Amount:      decimal.Zero,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateLimitOrder(ctx, order); err != nil {
		s.fail(w, err, "failed to place limit order")
		return
	}

	s.logger.Info("limit order placed",
		"order_id", order.ID,
		"user", userID,
		"contract", c.ID,
		"answer", order.AnswerID,
		"outcome", order.Outcome,
		"limit_prob", order.LimitProb.String(),
		"amount", order.OrderAmount.String(),
	)
	writeJSON(w, http.StatusCreated, order)
}

// GetBalances handles GET /api/v1/users/by-id/balance?ids=a,b
// Unknown users are left out of the response.
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	balances, err := s.store.GetBalances(r.Context(), ids)
	if err != nil {
		s.fail(w, err, "failed to load balances")
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// CreateUser handles POST /api/v1/users.
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, "balance must not be negative", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	u := &model.User{ID: req.ID, Name: req.Name, Balance: req.Balance, OptOutBetWarnings: req.OptOutBetWarnings}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, store.ErrExists) {
			writeError(w, "user already exists: "+req.ID, http.StatusConflict)
			return
		}
		s.fail(w, err, "failed to create user")
		return
	}
	s.logger.Info("user created", "id", u.ID, "balance", u.Balance.String())
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	u, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "user not found: "+userID, http.StatusNotFound)
			return
		}
		s.fail(w, err, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ListPositions handles GET /api/v1/users/{userID}/positions
// With contractId, answerId and outcome query parameters it returns that
// single position instead.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()

	if contractID := q.Get("contractId"); contractID != "" {
		outcome := model.Outcome(q.Get("outcome"))
		if !outcome.Valid() {
			writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
			return
		}
		pos, err := s.store.GetPosition(r.Context(), userID, contractID, q.Get("answerId"), outcome)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, "position not found", http.StatusNotFound)
				return
			}
			s.fail(w, err, "failed to load position")
			return
		}
		writeJSON(w, http.StatusOK, pos)
		return
	}

	positions, err := s.store.ListPositions(r.Context(), userID)
	if err != nil {
		s.fail(w, err, "failed to load positions")
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// PutPosition handles PUT /api/v1/users/{userID}/positions.
// It sets a holding directly and exists for seeding and administration.
func (s *Service) PutPosition(w http.ResponseWriter, r *http.Request) {
	var pos model.Position
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pos.UserID = chi.URLParam(r, "userID")
	if !pos.Outcome.Valid() {
		writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
		return
	}
	if pos.Shares.IsNegative() || pos.Invested.IsNegative() || pos.Loan.IsNegative() {
		writeError(w, "shares, invested and loan must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetUser(ctx, pos.UserID); err != nil {
		writeError(w, "user not found: "+pos.UserID, http.StatusNotFound)
		return
	}
	c, err := s.store.GetContract(ctx, pos.ContractID)
	if err != nil {
		writeError(w, "market not found: "+pos.ContractID, http.StatusNotFound)
		return
	}
	if !c.IsMulti() {
		pos.AnswerID = ""
	} else if _, ok := c.Answer(pos.AnswerID); !ok {
		writeError(w, "unknown answer "+pos.AnswerID, http.StatusBadRequest)
		return
	}

	if err := s.store.PutPosition(ctx, &pos); err != nil {
		s.fail(w, err, "failed to store position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
