package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/liquidation-engine/internal/confirm"
	"github.com/atmx/liquidation-engine/internal/cpmm"
	"github.com/atmx/liquidation-engine/internal/live"
	"github.com/atmx/liquidation-engine/internal/model"
	"github.com/atmx/liquidation-engine/internal/sell"
	"github.com/atmx/liquidation-engine/internal/store"
	"github.com/atmx/liquidation-engine/internal/submit"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type testEnv struct {
	store  *store.MemoryStore
	broker *live.Broker
	srv    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	broker := live.NewBroker(8)
	hub := live.NewHub(broker, nil)
	svc := sell.NewService(ms, cpmm.NewPricer(cpmm.FeeSchedule{}), confirm.Gate{}, broker, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	r.Get("/api/v1/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		broker.Close()
	})

	ctx := context.Background()
	require.NoError(t, ms.CreateContract(ctx, &model.Contract{
		ID:          "c1",
		Slug:        "will-it-rain",
		Mechanism:   model.MechanismCPMM,
		OutcomeType: model.Binary,
		Token:       model.TokenMana,
		Pool:        model.Pool{YES: d(100), NO: d(100)},
		P:           d(0.5),
		Status:      "open",
	}))
	require.NoError(t, ms.CreateUser(ctx, &model.User{ID: "seller", Name: "seller", Balance: d(10)}))
	require.NoError(t, ms.CreateUser(ctx, &model.User{ID: "maker", Name: "maker", Balance: d(100)}))
	require.NoError(t, ms.PutPosition(ctx, &model.Position{
		UserID: "seller", ContractID: "c1", Outcome: model.YES, Shares: d(100), Invested: d(50), Loan: d(20),
	}))
	require.NoError(t, ms.CreateLimitOrder(ctx, &model.LimitOrder{
		ID: "o1", UserID: "maker", ContractID: "c1", Outcome: model.YES,
		LimitProb: d(0.45), OrderAmount: d(30), CreatedAt: time.Now(),
	}))

	return &testEnv{store: ms, broker: broker, srv: srv}
}

func TestClient_LoadSession(t *testing.T) {
	env := newTestEnv(t)
	c := New(env.srv.URL, "seller", WithRateLimit(1000, 10))

	s, err := c.LoadSession(context.Background(), "c1", "", model.YES)
	require.NoError(t, err)
	assert.Equal(t, "c1", s.Contract.ID)
	assert.Equal(t, "seller", s.User.ID)
	assert.True(t, s.Position.Shares.Equal(d(100)))
	require.Len(t, s.Orders, 1)
	assert.True(t, s.Balances["maker"].Equal(d(100)))
}

func TestClient_QuoteThenSell(t *testing.T) {
	env := newTestEnv(t)
	c := New(env.srv.URL, "seller", WithRateLimit(1000, 10))
	ctx := context.Background()

	q, err := c.Quote(ctx, model.SellRequest{ContractID: "c1", Outcome: model.YES})
	require.NoError(t, err)
	assert.True(t, q.Result.IsSellingAllShares)
	assert.Equal(t, []string{"maker"}, q.Deps)

	// Without the maker in deps the service refuses the sale.
	err = c.Sell(ctx, model.SellRequest{ContractID: "c1", Outcome: model.YES})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, sell.MsgStaleQuote, submit.UserMessage(err))

	resp, err := c.SellWithResponse(ctx, model.SellRequest{ContractID: "c1", Outcome: model.YES, Deps: q.Deps})
	require.NoError(t, err)
	assert.True(t, resp.SoldShares.Equal(d(100)))
	assert.True(t, resp.Position.Shares.IsZero())

	pos, err := c.GetPosition(ctx, "c1", "", model.YES)
	require.NoError(t, err)
	assert.True(t, pos.Shares.IsZero())
}

func TestClient_NotFound(t *testing.T) {
	env := newTestEnv(t)
	c := New(env.srv.URL, "seller", WithRateLimit(1000, 10))

	_, err := c.GetContract(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "market not found", submit.UserMessage(err))
}

func TestClient_GetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"u1","name":"Ada","balance":"5"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "u1", WithRateLimit(1000, 10))
	u, err := c.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_SellIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "u1", r.Header.Get(sell.UserHeader))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message":"could not serialize access due to read/write dependencies"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "u1", WithRateLimit(1000, 10))
	err := c.Sell(context.Background(), model.SellRequest{ContractID: "c1", Outcome: model.YES})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, submit.MsgTradeConflict, submit.UserMessage(err))
}

// A sell that outlasts the GET bound still completes: only the caller's
// context may end the mutation.
func TestClient_SlowSellSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Write([]byte(`{"soldShares":"10","saleValue":"4.5"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "u1", WithRateLimit(1000, 10), WithGetTimeout(20*time.Millisecond))
	ctrl := submit.New(c, nil, nil)
	shares := d(10)
	err := ctrl.Submit(context.Background(), model.SellRequest{ContractID: "c1", Outcome: model.YES, Shares: &shares})
	require.NoError(t, err)
	assert.Equal(t, submit.Succeeded, ctrl.State())
	assert.Empty(t, ctrl.ErrorMessage())
}

func TestClient_GetAttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
			return
		}
		w.Write([]byte(`{"id":"u1","name":"Ada","balance":"5"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "u1", WithRateLimit(1000, 10), WithGetTimeout(50*time.Millisecond))
	u, err := c.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClient_DecodeErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	c := New(srv.URL, "u1", WithRateLimit(1000, 10))
	_, err := c.GetUser(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errDecode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_RateLimiterHonoursContext(t *testing.T) {
	c := New("http://127.0.0.1:0", "u1", WithRateLimit(0.001, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_Subscribe(t *testing.T) {
	env := newTestEnv(t)
	c := New(env.srv.URL, "seller")

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := c.Subscribe(ctx, "c1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.broker.Subscribers("c1") == 1 }, 2*time.Second, 10*time.Millisecond)

	snap, err := env.store.GetContract(ctx, "c1")
	require.NoError(t, err)
	snap.Pool.YES = d(80)
	env.broker.Publish(*snap)

	select {
	case got := <-updates:
		assert.Equal(t, "c1", got.ID)
		assert.True(t, got.Pool.YES.Equal(d(80)))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	cancel()
	select {
	case _, ok := <-updates:
		for ok {
			_, ok = <-updates
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}
