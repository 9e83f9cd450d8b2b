package sell_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/confirm"
	"github.com/atmx/liquidation-engine/internal/cpmm"
	"github.com/atmx/liquidation-engine/internal/model"
	"github.com/atmx/liquidation-engine/internal/sell"
	"github.com/atmx/liquidation-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

type recordingPublisher struct {
	mu        sync.Mutex
	contracts []model.Contract
}

func (p *recordingPublisher) Publish(c model.Contract) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contracts = append(p.contracts, c)
}

func (p *recordingPublisher) published() []model.Contract {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Contract(nil), p.contracts...)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, *recordingPublisher, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	pub := &recordingPublisher{}
	svc := sell.NewService(ms, cpmm.NewPricer(cpmm.FeeSchedule{}), confirm.Gate{}, pub, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, pub, r
}

// seedMarket creates a binary market with a symmetric pool directly in the store.
func seedMarket(t *testing.T, ms *store.MemoryStore, id string, liquidity float64) *model.Contract {
	t.Helper()
	c := &model.Contract{
		ID:          id,
		Slug:        "market-" + id,
		Question:    "Will it rain?",
		Mechanism:   model.MechanismCPMM,
		OutcomeType: model.Binary,
		Token:       model.TokenMana,
		Pool:        model.Pool{YES: d(liquidity), NO: d(liquidity)},
		P:           d(0.5),
		Status:      "open",
		CreatedAt:   time.Now().UTC(),
	}
	if err := ms.CreateContract(context.Background(), c); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return c
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64, optOut bool) {
	t.Helper()
	u := &model.User{ID: id, Name: id, Balance: d(balance), OptOutBetWarnings: optOut}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func seedPosition(t *testing.T, ms *store.MemoryStore, userID, contractID string, shares, invested, loan float64) {
	t.Helper()
	pos := &model.Position{
		UserID:     userID,
		ContractID: contractID,
		Outcome:    model.YES,
		Shares:     d(shares),
		Invested:   d(invested),
		Loan:       d(loan),
	}
	if err := ms.PutPosition(context.Background(), pos); err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}
}

func seedOrder(t *testing.T, ms *store.MemoryStore, id, userID, contractID string, limit, amount float64) {
	t.Helper()
	o := &model.LimitOrder{
		ID:          id,
		UserID:      userID,
		ContractID:  contractID,
		Outcome:     model.YES,
		LimitProb:   d(limit),
		OrderAmount: d(amount),
		CreatedAt:   time.Now().UTC(),
	}
	if err := ms.CreateLimitOrder(context.Background(), o); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
}

func do(t *testing.T, router chi.Router, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(sell.UserHeader, userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp sell.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Message
}

// --- Sell execution tests ---

func TestSell_All(t *testing.T) {
	ms, pub, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 100)
	seedUser(t, ms, "seller", 10, false)
	seedPosition(t, ms, "seller", "c1", 100.4, 50, 20)

	w := do(t, router, "POST", "/api/v1/market/c1/sell", "seller", model.SellRequest{Outcome: model.YES})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp sell.SellResponse
	json.NewDecoder(w.Body).Decode(&resp)

	// Selling all takes the fractional dust too.
	if !resp.SoldShares.Equal(d(100.4)) {
		t.Errorf("expected 100.4 shares sold, got %s", resp.SoldShares)
	}
	if !resp.LoanPaid.Equal(d(20)) {
		t.Errorf("expected full loan repaid, got %s", resp.LoanPaid)
	}
	if !resp.Position.Shares.IsZero() || !resp.Position.Loan.IsZero() {
		t.Errorf("expected empty position, got %+v", resp.Position)
	}
	if !resp.ProbAfter.LessThan(resp.ProbBefore) {
		t.Errorf("selling YES should lower the probability: %s -> %s", resp.ProbBefore, resp.ProbAfter)
	}
	if len(resp.LedgerEntries) != 1 {
		t.Errorf("expected 1 ledger entry, got %d", len(resp.LedgerEntries))
	}

	u, _ := ms.GetUser(context.Background(), "seller")
	want := d(10).Add(resp.SaleValue).Sub(resp.LoanPaid)
	if !u.Balance.Equal(want) {
		t.Errorf("balance = %s, want %s", u.Balance, want)
	}
	if len(pub.published()) != 1 {
		t.Errorf("expected 1 published contract, got %d", len(pub.published()))
	}
}

func TestSell_Partial(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 100)
	seedUser(t, ms, "seller", 0, false)
	seedPosition(t, ms, "seller", "c1", 100, 50, 20)

	w := do(t, router, "POST", "/api/v1/market/c1/sell", "seller",
		model.SellRequest{Outcome: model.YES, Shares: ptr(d(25))})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp sell.SellResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.SoldShares.Equal(d(25)) {
		t.Errorf("expected 25 shares sold, got %s", resp.SoldShares)
	}
	if !resp.LoanPaid.Equal(d(5)) {
		t.Errorf("expected loan paid 5, got %s", resp.LoanPaid)
	}
	if !resp.Position.Shares.Equal(d(75)) || !resp.Position.Invested.Equal(d(37.5)) || !resp.Position.Loan.Equal(d(15)) {
		t.Errorf("unexpected remaining position %+v", resp.Position)
	}
	if !resp.Profit.Equal(resp.SaleValue.Sub(d(12.5))) {
		t.Errorf("profit = %s, want saleValue - 12.5", resp.Profit)
	}
}

func TestSell_ExceedsPosition(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 100)
	seedUser(t, ms, "seller", 0, false)
	seedPosition(t, ms, "seller", "c1", 100, 50, 0)

	w := do(t, router, "POST", "/api/v1/market/c1/sell", "seller",
		model.SellRequest{Outcome: model.YES, Shares: ptr(d(150))})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if msg := errorMessage(t, w); msg != "Maximum 100 shares" {
		t.Errorf("message = %q", msg)
	}

	pos, _ := ms.GetPosition(context.Background(), "seller", "c1", "", model.YES)
	if !pos.Shares.Equal(d(100)) {
		t.Errorf("position changed after rejected sale: %s", pos.Shares)
	}
}

func TestSell_Validation(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 100)
	seedUser(t, ms, "seller", 0, false)
	seedPosition(t, ms, "seller", "c1", 10, 5, 0)

	tests := []struct {
		name   string
		path   string
		user   string
		req    model.SellRequest
		status int
	}{
		{"missing user header", "/api/v1/market/c1/sell", "", model.SellRequest{Outcome: model.YES}, http.StatusUnauthorized},
		{"bad outcome", "/api/v1/market/c1/sell", "seller", model.SellRequest{Outcome: "MAYBE"}, http.StatusBadRequest},
		{"zero shares", "/api/v1/market/c1/sell", "seller", model.SellRequest{Outcome: model.YES, Shares: ptr(decimal.Zero)}, http.StatusBadRequest},
		{"no position", "/api/v1/market/c1/sell", "seller", model.SellRequest{Outcome: model.NO}, http.StatusBadRequest},
		{"unknown market", "/api/v1/market/nope/sell", "seller", model.SellRequest{Outcome: model.YES}, http.StatusNotFound},
		{"unknown user", "/api/v1/market/c1/sell", "ghost", model.SellRequest{Outcome: model.YES}, http.StatusNotFound},
		{"mismatched contract", "/api/v1/market/c1/sell", "seller", model.SellRequest{Outcome: model.YES, ContractID: "c2"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", tt.path, tt.user, tt.req)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestSell_ClosedMarket(t *testing.T) {
	ms, _, router := newTestEnv(t)
	closed := model.Contract{
		ID:          "c2",
		Slug:        "closed-market",
		Mechanism:   model.MechanismCPMM,
		OutcomeType: model.Binary,
		Token:       model.TokenMana,
		Pool:        model.Pool{YES: d(100), NO: d(100)},
		P:           d(0.5),
		Status:      "closed",
	}
	if err := ms.CreateContract(context.Background(), &closed); err != nil {
		t.Fatal(err)
	}
	seedUser(t, ms, "seller", 0, false)
	seedPosition(t, ms, "seller", "c2", 10, 5, 0)

	w := do(t, router, "POST", "/api/v1/market/c2/sell", "seller", model.SellRequest{Outcome: model.YES})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestSell_StaleDeps(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 100)
	seedUser(t, ms, "seller", 0, false)
	seedUser(t, ms, "maker", 100, false)
	seedPosition(t, ms, "seller", "c1", 100, 50, 0)
	seedOrder(t, ms, "o1", "maker", "c1", 0.45, 30)

	req := model.SellRequest{Outcome: model.YES}
	w := do(t, router, "POST", "/api/v1/market/c1/sell", "seller", req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unquoted maker, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorMessage(t, w); msg != sell.MsgStaleQuote {
		t.Errorf("message = %q", msg)
	}

	req.Deps = []string{"maker"}
	w = do(t, router, "POST", "/api/v1/market/c1/sell", "seller", req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp sell.SellResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Makers) != 1 || resp.Makers[0].UserID != "maker" {
		t.Fatalf("expected one maker fill, got %+v", resp.Makers)
	}
	if len(resp.LedgerEntries) != 2 {
		t.Errorf("expected seller and maker ledger entries, got %d", len(resp.LedgerEntries))
	}

	maker, _ := ms.GetUser(context.Background(), "maker")
	if !maker.Balance.Equal(d(100).Sub(resp.Makers[0].Amount)) {
		t.Errorf("maker balance = %s", maker.Balance)
	}
	makerPos, err := ms.GetPosition(context.Background(), "maker", "c1", "", model.YES)
	if err != nil || !makerPos.Shares.Equal(resp.Makers[0].Shares) {
		t.Errorf("maker position = %+v, err %v", makerPos, err)
	}
}

func TestSell_MultiRequiresAnswer(t *testing.T) {
	ms, _, router := newTestEnv(t)
	c := &model.Contract{
		ID:          "m1",
		Slug:        "who-wins",
		Mechanism:   model.MechanismCPMMMulti,
		OutcomeType: model.MultipleChoice,
		Token:       model.TokenMana,
		Answers: []model.Answer{
			{ID: "a", ContractID: "m1", Pool: model.Pool{YES: d(100), NO: d(100)}, P: d(0.5)},
			{ID: "b", ContractID: "m1", Pool: model.Pool{YES: d(100), NO: d(100)}, P: d(0.5), Index: 1},
		},
		ShouldAnswersSumToOne: true,
		Status:                "open",
	}
	if err := ms.CreateContract(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	seedUser(t, ms, "seller", 0, false)
	ms.PutPosition(context.Background(), &model.Position{
		UserID: "seller", ContractID: "m1", AnswerID: "a", Outcome: model.YES, Shares: d(10), Invested: d(5),
	})

	w := do(t, router, "POST", "/api/v1/market/m1/sell", "seller", model.SellRequest{Outcome: model.YES})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without answerId, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/market/m1/sell", "seller", model.SellRequest{Outcome: model.YES, AnswerID: "a"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := ms.GetContract(context.Background(), "m1")
	var sum decimal.Decimal
	for _, a := range got.Answers {
		sum = sum.Add(cpmm.Probability(a.Pool, a.P))
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("answer probabilities sum to %s after sale", sum)
	}
}

// --- Quote tests ---

func TestQuote_RequiresConfirmation(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 20)
	seedUser(t, ms, "seller", 0, false)
	seedUser(t, ms, "brave", 0, true)
	seedPosition(t, ms, "seller", "c1", 100, 50, 0)
	seedPosition(t, ms, "brave", "c1", 100, 50, 0)

	tests := []struct {
		name    string
		user    string
		shares  *decimal.Decimal
		confirm bool
	}{
		{"large sale", "seller", nil, true},
		{"small sale", "seller", ptr(d(5)), false},
		{"opted out", "brave", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/market/c1/sell-quote", tt.user,
				model.SellRequest{Outcome: model.YES, Shares: tt.shares})
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			var resp sell.QuoteResponse
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Decision.RequiresConfirmation != tt.confirm {
				t.Errorf("requiresConfirmation = %v, want %v (probChange %s)",
					resp.Decision.RequiresConfirmation, tt.confirm, resp.Result.ProbChange)
			}
			if tt.confirm && !strings.HasPrefix(resp.Decision.Message, "Are you sure you want to move the probability by ") {
				t.Errorf("message = %q", resp.Decision.Message)
			}
		})
	}

	// Quoting never changes state.
	pos, _ := ms.GetPosition(context.Background(), "seller", "c1", "", model.YES)
	if !pos.Shares.Equal(d(100)) {
		t.Errorf("quote changed position: %s", pos.Shares)
	}
}

func TestQuote_ReportsOverSell(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 100)
	seedUser(t, ms, "seller", 0, false)
	seedPosition(t, ms, "seller", "c1", 100, 50, 0)

	w := do(t, router, "POST", "/api/v1/market/c1/sell-quote", "seller",
		model.SellRequest{Outcome: model.YES, Shares: ptr(d(150))})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp sell.QuoteResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Result.Validation == nil || resp.Result.Validation.Message != "Maximum 100 shares" {
		t.Errorf("validation = %+v", resp.Result.Validation)
	}
	if !resp.Result.SoldShares.Equal(d(100)) {
		t.Errorf("quote should be computed on the clamped amount, got %s", resp.Result.SoldShares)
	}
}

// --- Book, user and market tests ---

func TestPlaceBet(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 100)
	seedUser(t, ms, "maker", 50, false)

	tests := []struct {
		name   string
		req    sell.PlaceBetRequest
		status int
	}{
		{"resting order", sell.PlaceBetRequest{ContractID: "c1", Outcome: model.YES, LimitProb: d(0.4), Amount: d(20)}, http.StatusCreated},
		{"crosses market", sell.PlaceBetRequest{ContractID: "c1", Outcome: model.YES, LimitProb: d(0.6), Amount: d(20)}, http.StatusBadRequest},
		{"NO crosses market", sell.PlaceBetRequest{ContractID: "c1", Outcome: model.NO, LimitProb: d(0.4), Amount: d(20)}, http.StatusBadRequest},
		{"insufficient balance", sell.PlaceBetRequest{ContractID: "c1", Outcome: model.YES, LimitProb: d(0.4), Amount: d(500)}, http.StatusBadRequest},
		{"bad limit", sell.PlaceBetRequest{ContractID: "c1", Outcome: model.YES, LimitProb: d(1), Amount: d(20)}, http.StatusBadRequest},
		{"unknown market", sell.PlaceBetRequest{ContractID: "nope", Outcome: model.YES, LimitProb: d(0.4), Amount: d(20)}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/bets", "maker", tt.req)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	w := do(t, router, "GET", "/api/v1/bets?contractId=c1", "", nil)
	var orders []model.LimitOrder
	json.NewDecoder(w.Body).Decode(&orders)
	if len(orders) != 1 || !orders[0].LimitProb.Equal(d(0.4)) {
		t.Errorf("unexpected open orders %+v", orders)
	}
}

func TestGetBalances(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedUser(t, ms, "a", 10, false)
	seedUser(t, ms, "b", 20, false)

	w := do(t, router, "GET", "/api/v1/users/by-id/balance?ids=a,b,ghost", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var balances map[string]decimal.Decimal
	json.NewDecoder(w.Body).Decode(&balances)
	if len(balances) != 2 || !balances["a"].Equal(d(10)) || !balances["b"].Equal(d(20)) {
		t.Errorf("balances = %v", balances)
	}
}

func TestUsersAndPositions(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 100)

	w := do(t, router, "POST", "/api/v1/users", "", sell.CreateUserRequest{ID: "u1", Name: "Ada", Balance: d(100)})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/users", "", sell.CreateUserRequest{ID: "u1", Name: "Ada"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate user, got %d", w.Code)
	}

	pos := model.Position{ContractID: "c1", Outcome: model.YES, Shares: d(40), Invested: d(20)}
	w = do(t, router, "PUT", "/api/v1/users/u1/positions", "", pos)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/users/u1/positions?contractId=c1&outcome=YES", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got model.Position
	json.NewDecoder(w.Body).Decode(&got)
	if got.UserID != "u1" || !got.Shares.Equal(d(40)) {
		t.Errorf("position = %+v", got)
	}

	w = do(t, router, "GET", "/api/v1/users/u1/positions", "", nil)
	var all []model.Position
	json.NewDecoder(w.Body).Decode(&all)
	if len(all) != 1 {
		t.Errorf("expected 1 position, got %d", len(all))
	}

	w = do(t, router, "GET", "/api/v1/users/ghost", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCreateMarket(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/markets", "", sell.CreateMarketRequest{
		Slug:        "will-it-rain",
		Question:    "Will it rain?",
		OutcomeType: model.Binary,
		InitialProb: d(0.7),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var m sell.MarketResponse
	json.NewDecoder(w.Body).Decode(&m)
	if m.Prob.Sub(d(0.7)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected prob 0.7, got %s", m.Prob)
	}
	if m.Mechanism != model.MechanismCPMM || m.Status != "open" {
		t.Errorf("unexpected market %+v", m.Contract)
	}

	w = do(t, router, "GET", "/api/v1/markets/"+m.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/markets", "", sell.CreateMarketRequest{
		Slug:                  "who-wins",
		OutcomeType:           model.MultipleChoice,
		Answers:               []string{"A", "B", "C", "D"},
		ShouldAnswersSumToOne: true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var multi sell.MarketResponse
	json.NewDecoder(w.Body).Decode(&multi)
	if len(multi.Answers) != 4 {
		t.Fatalf("expected 4 answers, got %d", len(multi.Answers))
	}
	for _, a := range multi.Answers {
		if p := cpmm.Probability(a.Pool, a.P); p.Sub(d(0.25)).Abs().GreaterThan(d(0.0001)) {
			t.Errorf("answer %s prob = %s, want 0.25", a.Text, p)
		}
	}

	w = do(t, router, "GET", "/api/v1/markets?outcomeType="+model.MultipleChoice, "", nil)
	var list []sell.MarketResponse
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 {
		t.Errorf("expected 1 multiple choice market, got %d", len(list))
	}
}

func TestCreateMarket_Invalid(t *testing.T) {
	_, _, router := newTestEnv(t)

	tests := []struct {
		name string
		req  sell.CreateMarketRequest
	}{
		{"bad slug", sell.CreateMarketRequest{Slug: "Bad Slug", OutcomeType: model.Binary}},
		{"unknown type", sell.CreateMarketRequest{Slug: "x", OutcomeType: "POLL"}},
		{"one answer", sell.CreateMarketRequest{Slug: "x", OutcomeType: model.MultipleChoice, Answers: []string{"A"}}},
		{"empty range", sell.CreateMarketRequest{Slug: "x", OutcomeType: model.PseudoNumeric, Min: d(10), Max: d(10)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/markets", "", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}

	w := do(t, router, "GET", "/api/v1/markets/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestMarketHistory(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 100)
	seedUser(t, ms, "seller", 0, false)
	seedPosition(t, ms, "seller", "c1", 30, 15, 0)

	w := do(t, router, "GET", "/api/v1/markets/c1/history", "", nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty history, got %s", w.Body.String())
	}

	do(t, router, "POST", "/api/v1/market/c1/sell", "seller", model.SellRequest{Outcome: model.YES, Shares: ptr(d(10))})
	do(t, router, "POST", "/api/v1/market/c1/sell", "seller", model.SellRequest{Outcome: model.YES, Shares: ptr(d(10))})

	w = do(t, router, "GET", "/api/v1/markets/c1/history", "", nil)
	var entries []model.LedgerEntry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[1].ProbBefore.Equal(entries[0].ProbAfter) {
		t.Errorf("history is not continuous: %s != %s", entries[1].ProbBefore, entries[0].ProbAfter)
	}
}

// --- Concurrency ---

func TestSell_ConcurrentSalesSerialize(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "c1", 100)
	seedUser(t, ms, "seller", 0, false)
	seedPosition(t, ms, "seller", "c1", 50, 25, 0)

	var wg sync.WaitGroup
	codes := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := do(t, router, "POST", "/api/v1/market/c1/sell", "seller",
				model.SellRequest{Outcome: model.YES, Shares: ptr(d(10))})
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	ok := 0
	for c := range codes {
		if c == http.StatusOK {
			ok++
		}
	}
	if ok != 5 {
		t.Errorf("expected exactly 5 successful sales of 10 from 50, got %d", ok)
	}
	pos, _ := ms.GetPosition(context.Background(), "seller", "c1", "", model.YES)
	if !pos.Shares.IsZero() {
		t.Errorf("expected position exhausted, got %s", pos.Shares)
	}
}

// snapshotStore serves one frozen contract snapshot, like a second instance
// or a cache that has not seen the latest sale.
type snapshotStore struct {
	*store.MemoryStore
	snapshot model.Contract
}

func (s *snapshotStore) GetContract(context.Context, string) (*model.Contract, error) {
	c := s.snapshot
	return &c, nil
}

func TestSell_PricedOnMovedPoolConflicts(t *testing.T) {
	ms := store.NewMemoryStore()
	c := seedMarket(t, ms, "c1", 100)
	seedUser(t, ms, "alice", 0, false)
	seedUser(t, ms, "bob", 0, false)
	seedPosition(t, ms, "alice", "c1", 25, 10, 0)
	seedPosition(t, ms, "bob", "c1", 25, 10, 0)

	st := &snapshotStore{MemoryStore: ms, snapshot: *c}
	svc := sell.NewService(st, cpmm.NewPricer(cpmm.FeeSchedule{}), confirm.Gate{}, nil, nil)
	router := chi.NewRouter()
	router.Route("/api/v1", svc.Routes)

	req := model.SellRequest{Outcome: model.YES, Shares: ptr(d(25))}
	if w := do(t, router, "POST", "/api/v1/market/c1/sell", "alice", req); w.Code != http.StatusOK {
		t.Fatalf("first sale: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	moved, _ := ms.GetContract(context.Background(), "c1")

	w := do(t, router, "POST", "/api/v1/market/c1/sell", "bob", req)
	if w.Code != http.StatusConflict {
		t.Fatalf("sale on a stale pool: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorMessage(t, w); !strings.Contains(msg, "could not serialize access") {
		t.Errorf("conflict message = %q", msg)
	}

	pos, _ := ms.GetPosition(context.Background(), "bob", "c1", "", model.YES)
	if !pos.Shares.Equal(d(25)) {
		t.Errorf("refused sale changed bob's position: %s", pos.Shares)
	}
	after, _ := ms.GetContract(context.Background(), "c1")
	if !after.Pool.Equal(moved.Pool) {
		t.Errorf("pool = %+v, want first sale's %+v", after.Pool, moved.Pool)
	}
}
