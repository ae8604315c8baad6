package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	params      *model.Params
	balances    map[BalanceKey]signed.Decimal
	insurance   map[string]signed.Decimal
	orders      map[uint64]model.Order
	positions   map[PositionKey]model.Position
	marks       map[pair.Pair]signed.Decimal
	funding     map[pair.Pair][]model.FundingPaymentRate
	settlements []model.SettlementRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[BalanceKey]signed.Decimal),
		insurance: make(map[string]signed.Decimal),
		orders:    make(map[uint64]model.Order),
		positions: make(map[PositionKey]model.Position),
		marks:     make(map[pair.Pair]signed.Decimal),
		funding:   make(map[pair.Pair][]model.FundingPaymentRate),
	}
}

func (s *MemoryStore) GetParams(_ context.Context) (*model.Params, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.params == nil {
		return nil, fmt.Errorf("params: %w", ErrNotFound)
	}
	return s.params.Clone(), nil
}

func (s *MemoryStore) GetBalance(_ context.Context, account, denom string) (signed.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[BalanceKey{Account: account, Denom: denom}], nil
}

func (s *MemoryStore) GetBalances(_ context.Context, account string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Balance
	for k, v := range s.balances {
		if k.Account == account {
			out = append(out, model.Balance{Denom: k.Denom, Amount: v})
		}
	}
	sortBalances(out)
	return out, nil
}

func (s *MemoryStore) GetInsuranceFund(_ context.Context, denom string) (signed.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.insurance[denom], nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id uint64) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, account string, p pair.Pair) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Account == account && o.Pair() == p {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, account string, p pair.Pair, dir model.PositionDirection) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[PositionKey{Account: account, Pair: p, Direction: dir}]
	if !ok {
		return nil, fmt.Errorf("position %s %s %s: %w", account, p, dir, ErrNotFound)
	}
	return &pos, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, account string) ([]model.AccountPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AccountPosition
	for k, pos := range s.positions {
		if k.Account == account {
			out = append(out, model.AccountPosition{Account: account, Pair: k.Pair, Position: pos})
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) GetFundingRates(_ context.Context, p pair.Pair, start, end int64) ([]model.FundingPaymentRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.FundingPaymentRate
	for _, r := range s.funding[p] {
		if r.Epoch >= start && r.Epoch <= end {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestFundingRate(_ context.Context, p pair.Pair) (model.FundingPaymentRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rates := s.funding[p]
	if len(rates) == 0 {
		return model.FundingPaymentRate{}, fmt.Errorf("funding rate %s: %w", p, ErrNotFound)
	}
	return rates[len(rates)-1], nil
}

func (s *MemoryStore) GetMarkPrice(_ context.Context, p pair.Pair) (signed.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.marks[p]
	if !ok {
		return signed.Zero(), fmt.Errorf("mark price %s: %w", p, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) ListSettlements(_ context.Context, account string) ([]model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementRecord
	for _, r := range s.settlements {
		if r.Account == account {
			out = append(out, r)
		}
	}
	return out, nil
}

// Commit applies cs under the write lock. Values are copied in so later
// mutation of cs has no effect.
func (s *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.Params != nil {
		s.params = cs.Params.Clone()
	}
	for k, v := range cs.Balances {
		s.balances[k] = v
	}
	for k, v := range cs.Insurance {
		s.insurance[k] = v
	}
	for id, o := range cs.Orders {
		if o == nil {
			delete(s.orders, id)
			continue
		}
		s.orders[id] = *o
	}
	for k, pos := range cs.Positions {
		if pos.IsEmpty() {
			delete(s.positions, k)
			continue
		}
		s.positions[k] = pos
	}
	for k, v := range cs.MarkPrices {
		s.marks[k] = v
	}
	for _, w := range cs.FundingRates {
		rates := append(s.funding[w.Pair], w.Rate)
		sortRates(rates)
		s.funding[w.Pair] = rates
	}
	s.settlements = append(s.settlements, cs.Settlements...)
	return nil
}

var _ Store = (*MemoryStore)(nil)
