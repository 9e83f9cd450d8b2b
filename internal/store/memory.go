package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*model.Contract
	users     map[string]*model.User
	positions map[string]*model.Position
	orders    map[string]*model.LimitOrder
	ledger    []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*model.Contract),
		users:     make(map[string]*model.User),
		positions: make(map[string]*model.Position),
		orders:    make(map[string]*model.LimitOrder),
	}
}

func positionKey(userID, contractID, answerID string, outcome model.Outcome) string {
	return fmt.Sprintf("%s|%s|%s|%s", userID, contractID, answerID, outcome)
}

// cloneContract copies c including its answers so callers cannot mutate
// stored state.
func cloneContract(c *model.Contract) model.Contract {
	cp := *c
	if c.Answers != nil {
		cp.Answers = make([]model.Answer, len(c.Answers))
		copy(cp.Answers, c.Answers)
	}
	return cp
}

func (s *MemoryStore) CreateContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s: %w", c.ID, ErrExists)
	}
	for _, existing := range s.contracts {
		if existing.Slug == c.Slug {
			return fmt.Errorf("contract slug %s: %w", c.Slug, ErrExists)
		}
	}

	cp := cloneContract(c)
	s.contracts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	cp := cloneContract(c)
	return &cp, nil
}

func (s *MemoryStore) ListContracts(_ context.Context) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contracts := make([]model.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		contracts = append(contracts, cloneContract(c))
	}
	sort.Slice(contracts, func(i, j int) bool {
		return contracts[i].CreatedAt.After(contracts[j].CreatedAt)
	})
	return contracts, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrExists)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetBalances(_ context.Context, ids []string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make(map[string]decimal.Decimal, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			balances[id] = u.Balance
		}
	}
	return balances, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, contractID, answerID string, outcome model.Outcome) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(userID, contractID, answerID, outcome)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, contractID, outcome, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) PutPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.positions[positionKey(p.UserID, p.ContractID, p.AnswerID, p.Outcome)] = &cp
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Shares.IsPositive() {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positionKey(positions[i].UserID, positions[i].ContractID, positions[i].AnswerID, positions[i].Outcome) <
			positionKey(positions[j].UserID, positions[j].ContractID, positions[j].AnswerID, positions[j].Outcome)
	})
	return positions, nil
}

func (s *MemoryStore) CreateLimitOrder(_ context.Context, o *model.LimitOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("limit order %s: %w", o.ID, ErrExists)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) ListUnfilledOrders(_ context.Context, contractID, answerID string) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.LimitOrder
	for _, o := range s.orders {
		if o.ContractID != contractID || o.IsFilled || o.IsCancelled {
			continue
		}
		if answerID != "" && o.AnswerID != answerID {
			continue
		}
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	return orders, nil
}

// ApplySale stages every change on copies and commits only when all of
// them are valid, so a failed sale leaves the store untouched.
func (s *MemoryStore) ApplySale(_ context.Context, sale *model.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[sale.ContractID]
	if !ok {
		return fmt.Errorf("contract %s: %w", sale.ContractID, ErrNotFound)
	}
	sellerKey := positionKey(sale.UserID, sale.ContractID, sale.AnswerID, sale.Outcome)
	pos, ok := s.positions[sellerKey]
	if !ok {
		return fmt.Errorf("position %s: %w", sellerKey, ErrInsufficientShares)
	}
	if _, ok := s.users[sale.UserID]; !ok {
		return fmt.Errorf("user %s: %w", sale.UserID, ErrNotFound)
	}

	newPos, err := reducePosition(*pos, sale)
	if err != nil {
		return err
	}
	newContract := cloneContract(c)
	if err := applyPools(&newContract, sale); err != nil {
		return err
	}

	balances := make(map[string]decimal.Decimal)
	balanceOf := func(id string) (decimal.Decimal, bool) {
		if b, ok := balances[id]; ok {
			return b, true
		}
		u, ok := s.users[id]
		if !ok {
			return decimal.Zero, false
		}
		return u.Balance, true
	}

	orders := make(map[string]model.LimitOrder)
	makerPositions := make(map[string]model.Position)
	for _, f := range sale.Makers {
		o, ok := orders[f.OrderID]
		if !ok {
			stored, found := s.orders[f.OrderID]
			if !found {
				return fmt.Errorf("limit order %s: %w", f.OrderID, ErrNotFound)
			}
			o = *stored
		}
		o, err = fillOrder(o, f)
		if err != nil {
			return fmt.Errorf("limit order %s: %w", f.OrderID, err)
		}
		orders[f.OrderID] = o

		bal, ok := balanceOf(f.UserID)
		if !ok {
			return fmt.Errorf("maker %s: %w", f.UserID, ErrNotFound)
		}
		if f.Amount.Sub(bal).GreaterThan(dust) {
			return fmt.Errorf("maker %s: %w", f.UserID, ErrMakerBalance)
		}
		balances[f.UserID] = bal.Sub(f.Amount)

		key := positionKey(f.UserID, sale.ContractID, sale.AnswerID, sale.Outcome)
		mp, ok := makerPositions[key]
		if !ok {
			if stored, found := s.positions[key]; found {
				mp = *stored
			} else {
				mp = model.Position{UserID: f.UserID, ContractID: sale.ContractID, AnswerID: sale.AnswerID, Outcome: sale.Outcome}
			}
		}
		mp.Shares = mp.Shares.Add(f.Shares)
		mp.Invested = mp.Invested.Add(f.Amount)
		makerPositions[key] = mp
	}

	sellerBal, _ := balanceOf(sale.UserID)
	balances[sale.UserID] = sellerBal.Add(sale.SaleValue).Sub(sale.LoanPaid)

	// Commit.
	s.contracts[c.ID] = &newContract
	s.positions[sellerKey] = &newPos
	for key, mp := range makerPositions {
		s.positions[key] = &mp
	}
	for id, o := range orders {
		s.orders[id] = &o
	}
	for id, b := range balances {
		s.users[id].Balance = b
	}
	s.ledger = append(s.ledger, sale.Entries...)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByContract(_ context.Context, contractID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.ContractID == contractID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}
