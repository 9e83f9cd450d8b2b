package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Balances and resting orders are never cached: the sell path must price
// against the current book.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateContract(ctx context.Context, c *model.Contract) error {
	if err := s.primary.CreateContract(ctx, c); err != nil {
		return err
	}
	s.cache(ctx, contractKey(c.ID), c)
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) PutPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.PutPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

func (s *CachedStore) CreateLimitOrder(ctx context.Context, o *model.LimitOrder) error {
	return s.primary.CreateLimitOrder(ctx, o)
}

// ApplySale invalidates the contract and the position lists of the seller
// and every maker.
func (s *CachedStore) ApplySale(ctx context.Context, sale *model.Sale) error {
	if err := s.primary.ApplySale(ctx, sale); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			// The cached contract is the likely stale snapshot.
			s.rdb.Del(ctx, contractKey(sale.ContractID))
		}
		return err
	}
	keys := []string{contractKey(sale.ContractID), positionsKey(sale.UserID)}
	for _, m := range sale.Makers {
		keys = append(keys, positionsKey(m.UserID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, contractKey(id)).Bytes()
	if err == nil {
		var c model.Contract
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	// Cache miss: read from primary.
	c, err := s.primary.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, contractKey(id), c)
	return c, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListContracts(ctx context.Context) ([]model.Contract, error) {
	return s.primary.ListContracts(ctx)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetBalances(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	return s.primary.GetBalances(ctx, ids)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, contractID, answerID string, outcome model.Outcome) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, contractID, answerID, outcome)
}

func (s *CachedStore) ListUnfilledOrders(ctx context.Context, contractID, answerID string) ([]model.LimitOrder, error) {
	return s.primary.ListUnfilledOrders(ctx, contractID, answerID)
}

func (s *CachedStore) GetLedgerEntriesByContract(ctx context.Context, contractID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByContract(ctx, contractID)
}

func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func contractKey(id string) string   { return fmt.Sprintf("contract:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
