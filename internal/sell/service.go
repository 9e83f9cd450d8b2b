// Package sell provides the HTTP handlers for the settlement service: the
// sell mutation and its quote, the resting order book, balances, users and
// market management.
package sell

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/liquidation-engine/internal/confirm"
	"github.com/atmx/liquidation-engine/internal/live"
	"github.com/atmx/liquidation-engine/internal/settlement"
	"github.com/atmx/liquidation-engine/internal/store"
)

// UserHeader identifies the calling user.
const UserHeader = "X-User-ID"

// Service handles settlement operations. Uses a mutex for serialized sale
// execution within one instance. Pricing reads happen outside the store's
// transaction, so ApplySale re-checks the priced pools and reports a moved
// pool as a conflict; that is what keeps several instances consistent.
type Service struct {
	store     store.Store
	oracle    settlement.Oracle
	gate      confirm.Gate
	publisher live.Publisher // optional; receives contract snapshots after each sale
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewService creates a new settlement service.
// Pass nil for publisher if realtime broadcasting is not needed.
func NewService(st store.Store, oracle settlement.Oracle, gate confirm.Gate, publisher live.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		oracle:    oracle,
		gate:      gate,
		publisher: publisher,
		logger:    logger,
	}
}

// Routes mounts the service's handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/market/{contractID}/sell", s.Sell)
	r.Post("/market/{contractID}/sell-quote", s.Quote)

	r.Get("/bets", s.ListBets)
	r.Post("/bets", s.PlaceBet)

	r.Get("/users/by-id/balance", s.GetBalances)
	r.Post("/users", s.CreateUser)
	r.Get("/users/{userID}", s.GetUser)
	r.Get("/users/{userID}/positions", s.ListPositions)
	r.Put("/users/{userID}/positions", s.PutPosition)

	r.Post("/markets", s.CreateMarket)
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{contractID}", s.GetMarket)
	r.Get("/markets/{contractID}/history", s.GetMarketHistory)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
