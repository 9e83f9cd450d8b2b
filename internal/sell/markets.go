package sell

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/contract"
	"github.com/atmx/liquidation-engine/internal/cpmm"
	"github.com/atmx/liquidation-engine/internal/metrics"
	"github.com/atmx/liquidation-engine/internal/model"
	"github.com/atmx/liquidation-engine/internal/store"
)

var half = decimal.NewFromFloat(0.5)

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Slug                  string          `json:"slug"`
	Question              string          `json:"question"`
	OutcomeType           string          `json:"outcomeType"`
	Token                 string          `json:"token"`
	Liquidity             decimal.Decimal `json:"liquidity"`   // NO-side pool balance; 0 → default 100
	InitialProb           decimal.Decimal `json:"initialProb"` // 0 → 0.5, or 1/n for sum-to-one answers
	Answers               []string        `json:"answers,omitempty"`
	ShouldAnswersSumToOne bool            `json:"shouldAnswersSumToOne"`
	Min                   decimal.Decimal `json:"min"`
	Max                   decimal.Decimal `json:"max"`
	IsLogScale            bool            `json:"isLogScale"`
}

// MarketResponse adds display values to a contract.
type MarketResponse struct {
	model.Contract
	Prob         decimal.Decimal `json:"prob,omitempty"`
	DisplayValue string          `json:"displayValue,omitempty"`
}

func marketResponse(c model.Contract) MarketResponse {
	resp := MarketResponse{Contract: c}
	if !c.IsMulti() {
		resp.Prob = cpmm.Probability(c.Pool, c.P)
		resp.DisplayValue = contract.FormatMappedValue(&c, resp.Prob)
	}
	return resp
}

// newContract builds a contract from req with pools seeded at the initial
// probability.
func newContract(req CreateMarketRequest) (*model.Contract, error) {
	liquidity := req.Liquidity
	if !liquidity.IsPositive() {
		liquidity = decimal.NewFromInt(100) // default liquidity
	}
	token := req.Token
	if token == "" {
		token = model.TokenMana
	}

	c := &model.Contract{
		ID:                    uuid.New().String(),
		Slug:                  req.Slug,
		Question:              req.Question,
		OutcomeType:           req.OutcomeType,
		Token:                 token,
		P:                     half,
		ShouldAnswersSumToOne: req.ShouldAnswersSumToOne,
		Min:                   req.Min,
		Max:                   req.Max,
		IsLogScale:            req.IsLogScale,
		Status:                "open",
		CreatedAt:             time.Now().UTC(),
	}

	prob := req.InitialProb
	if req.OutcomeType == model.MultipleChoice {
		c.Mechanism = model.MechanismCPMMMulti
		if !prob.IsPositive() {
			prob = half
			if req.ShouldAnswersSumToOne && len(req.Answers) > 0 {
				prob = decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(req.Answers))))
			}
		}
		for i, text := range req.Answers {
			c.Answers = append(c.Answers, model.Answer{
				ID:         uuid.New().String(),
				ContractID: c.ID,
				Text:       text,
				Index:      i,
				Pool:       cpmm.PoolAtProb(liquidity, half, prob),
				P:          half,
			})
		}
	} else {
		c.Mechanism = model.MechanismCPMM
		if !prob.IsPositive() {
			prob = half
		}
		c.Pool = cpmm.PoolAtProb(liquidity, half, prob)
	}

	if prob.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("initialProb must be below 1")
	}
	if err := contract.Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := newContract(req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.CreateContract(r.Context(), c); err != nil {
		if errors.Is(err, store.ErrExists) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		s.fail(w, err, "failed to create market")
		return
	}
	metrics.ActiveMarkets.Inc()

	s.logger.Info("market created",
		"id", c.ID,
		"slug", c.Slug,
		"outcome_type", c.OutcomeType,
		"mechanism", c.Mechanism,
		"answers", len(c.Answers),
	)
	writeJSON(w, http.StatusCreated, marketResponse(*c))
}

// GetMarket handles GET /api/v1/markets/{contractID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")

	c, err := s.store.GetContract(r.Context(), contractID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "market not found", http.StatusNotFound)
			return
		}
		s.fail(w, err, "failed to load market")
		return
	}
	writeJSON(w, http.StatusOK, marketResponse(*c))
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?outcomeType=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.store.ListContracts(r.Context())
	if err != nil {
		s.fail(w, err, "failed to list markets")
		return
	}

	outcomeType := r.URL.Query().Get("outcomeType")
	markets := make([]MarketResponse, 0, len(contracts))
	for _, c := range contracts {
		if outcomeType != "" && c.OutcomeType != outcomeType {
			continue
		}
		markets = append(markets, marketResponse(c))
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarketHistory handles GET /api/v1/markets/{contractID}/history
// Returns ledger entries to reconstruct price history.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")

	entries, err := s.store.GetLedgerEntriesByContract(r.Context(), contractID)
	if err != nil {
		s.fail(w, err, "failed to get market history")
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
