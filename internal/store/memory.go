package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/model"
)

type lockKey struct {
	user   common.Address
	market common.Address
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	positions   map[common.Hash]*model.Position
	balances    map[common.Hash]map[common.Address]decimal.Decimal
	prices      map[common.Hash]decimal.Decimal
	settlements map[common.Hash][]model.Settlement
	sequences   map[common.Address]uint64
	supplied    map[common.Address]decimal.Decimal
	locked      map[lockKey]decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:   make(map[common.Hash]*model.Position),
		balances:    make(map[common.Hash]map[common.Address]decimal.Decimal),
		prices:      make(map[common.Hash]decimal.Decimal),
		settlements: make(map[common.Hash][]model.Settlement),
		sequences:   make(map[common.Address]uint64),
		supplied:    make(map[common.Address]decimal.Decimal),
		locked:      make(map[lockKey]decimal.Decimal),
	}
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p.ID.Hex())
	}

	// Store a copy to avoid external mutation.
	copy := *p
	s.positions[p.ID] = &copy
	s.balances[p.ID] = map[common.Address]decimal.Decimal{p.Owner: p.Notional}
	return nil
}

func (s *MemoryStore) DiscardPosition(_ context.Context, id common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("%w: position %s", model.ErrNotFound, id.Hex())
	}
	bals := s.balances[id]
	if p.Settled || len(bals) != 1 || !bals[p.Owner].Equal(p.Notional) {
		return fmt.Errorf("store: position %s has moved balance, cannot discard", id.Hex())
	}
	delete(s.positions, id)
	delete(s.balances, id)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id common.Hash) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", model.ErrNotFound, id.Hex())
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, owner common.Address) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Owner == owner {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, asOf time.Time) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if !p.Settled && !p.Expiry.After(asOf) {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) NextSequence(_ context.Context, market common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequences[market]++
	return s.sequences[market], nil
}

func (s *MemoryStore) BalanceOf(_ context.Context, id common.Hash, holder common.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[id][holder], nil
}

func (s *MemoryStore) Holders(_ context.Context, id common.Hash) (map[common.Address]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[common.Address]decimal.Decimal)
	for h, bal := range s.balances[id] {
		if bal.IsPositive() {
			out[h] = bal
		}
	}
	return out, nil
}

func (s *MemoryStore) Transfer(_ context.Context, id common.Hash, from, to common.Address, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("%w: position %s", model.ErrNotFound, id.Hex())
	}
	if p.Settled {
		return model.ErrAlreadySettled
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: transfer amount must be positive", model.ErrValidation)
	}
	bals := s.balances[id]
	if bals[from].LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, transfer %s", model.ErrZeroBalance, from.Hex(), bals[from], amount)
	}
	bals[from] = bals[from].Sub(amount)
	if bals[from].IsZero() {
		delete(bals, from)
	}
	bals[to] = bals[to].Add(amount)
	return nil
}

func (s *MemoryStore) SettlementPrice(_ context.Context, id common.Hash) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[id]
	return p, ok, nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, st *model.Settlement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[st.PositionID]
	if !ok {
		return false, fmt.Errorf("%w: position %s", model.ErrNotFound, st.PositionID.Hex())
	}
	if p.Settled {
		return true, model.ErrAlreadySettled
	}
	bals := s.balances[st.PositionID]
	have := bals[st.Holder]
	if !have.IsPositive() {
		return false, model.ErrZeroBalance
	}
	if !have.Equal(st.Amount) {
		return false, fmt.Errorf("store: holder balance %s changed, settlement burns %s", have, st.Amount)
	}

	delete(bals, st.Holder)
	if _, cached := s.prices[st.PositionID]; !cached {
		s.prices[st.PositionID] = st.Price
	}
	s.settlements[st.PositionID] = append(s.settlements[st.PositionID], *st)
	if len(bals) == 0 {
		p.Settled = true
	}
	return p.Settled, nil
}

func (s *MemoryStore) RevertSettlement(_ context.Context, st *model.Settlement, dropPrice bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[st.PositionID]
	if !ok {
		return fmt.Errorf("%w: position %s", model.ErrNotFound, st.PositionID.Hex())
	}
	hist := s.settlements[st.PositionID]
	if len(hist) == 0 || hist[len(hist)-1].Holder != st.Holder {
		return fmt.Errorf("store: no settlement for %s by %s to revert", st.PositionID.Hex(), st.Holder.Hex())
	}
	s.settlements[st.PositionID] = hist[:len(hist)-1]

	bals := s.balances[st.PositionID]
	bals[st.Holder] = bals[st.Holder].Add(st.Amount)
	p.Settled = false
	if dropPrice {
		delete(s.prices, st.PositionID)
	}
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.settlements[st.PositionID]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Holder == st.Holder {
			hist[i].Delivered = st.Delivered
			hist[i].DeliveredRaw = st.DeliveredRaw
			hist[i].Fallback = st.Fallback
			return nil
		}
	}
	return fmt.Errorf("%w: settlement of %s by %s", model.ErrNotFound, st.PositionID.Hex(), st.Holder.Hex())
}

func (s *MemoryStore) ListSettlements(_ context.Context, id common.Hash) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.settlements[id]
	out := make([]model.Settlement, len(hist))
	copy(out, hist)
	return out, nil
}

func (s *MemoryStore) RecordLock(_ context.Context, user, market common.Address, underlying, minted decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{user: user, market: market}
	s.locked[k] = s.locked[k].Add(underlying)
	s.supplied[market] = s.supplied[market].Add(minted)
	return nil
}

func (s *MemoryStore) AdjustSupplied(_ context.Context, market common.Address, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.supplied[market].Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("store: supplied for %s would go negative (%s)", market.Hex(), next)
	}
	s.supplied[market] = next
	return nil
}

func (s *MemoryStore) VaultLedger(_ context.Context, market common.Address) (model.VaultLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.VaultLedger{Market: market, Supplied: s.supplied[market]}, nil
}

func (s *MemoryStore) LockedUnderlying(_ context.Context, user, market common.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked[lockKey{user: user, market: market}], nil
}

// sortPositions orders by creation time, then id, for stable listings.
func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID.Hex() < ps[j].ID.Hex()
	})
}
