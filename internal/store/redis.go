package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Positions are cached whole. Settlement prices are cached with no TTL
// once set since a cached price never changes unless a settlement is
// reverted, which invalidates it.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.cachePosition(ctx, p)
	s.rdb.Del(ctx, ownerKey(p.Owner))
	return nil
}

func (s *CachedStore) DiscardPosition(ctx context.Context, id common.Hash) error {
	p, _ := s.primary.GetPosition(ctx, id)
	if err := s.primary.DiscardPosition(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(id))
	if p != nil {
		s.rdb.Del(ctx, ownerKey(p.Owner))
	}
	return nil
}

func (s *CachedStore) Transfer(ctx context.Context, id common.Hash, from, to common.Address, amount decimal.Decimal) error {
	return s.primary.Transfer(ctx, id, from, to, amount)
}

func (s *CachedStore) ApplySettlement(ctx context.Context, st *model.Settlement) (bool, error) {
	settled, err := s.primary.ApplySettlement(ctx, st)
	s.invalidateSettlement(ctx, st.PositionID)
	return settled, err
}

func (s *CachedStore) RevertSettlement(ctx context.Context, st *model.Settlement, dropPrice bool) error {
	err := s.primary.RevertSettlement(ctx, st, dropPrice)
	s.invalidateSettlement(ctx, st.PositionID)
	return err
}

func (s *CachedStore) RecordLock(ctx context.Context, user, market common.Address, underlying, minted decimal.Decimal) error {
	return s.primary.RecordLock(ctx, user, market, underlying, minted)
}

func (s *CachedStore) AdjustSupplied(ctx context.Context, market common.Address, delta decimal.Decimal) error {
	return s.primary.AdjustSupplied(ctx, market, delta)
}

func (s *CachedStore) NextSequence(ctx context.Context, market common.Address) (uint64, error) {
	return s.primary.NextSequence(ctx, market)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id common.Hash) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePosition(ctx, p)
	return p, nil
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, owner common.Address) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, ownerKey(owner)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, ownerKey(owner), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) SettlementPrice(ctx context.Context, id common.Hash) (decimal.Decimal, bool, error) {
	if v, err := s.rdb.Get(ctx, priceKey(id)).Result(); err == nil {
		if price, err := decimal.NewFromString(v); err == nil {
			return price, true, nil
		}
	}

	price, ok, err := s.primary.SettlementPrice(ctx, id)
	if err != nil || !ok {
		return price, ok, err
	}
	s.rdb.Set(ctx, priceKey(id), price.String(), 0)
	return price, true, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListExpired(ctx context.Context, asOf time.Time) ([]model.Position, error) {
	return s.primary.ListExpired(ctx, asOf)
}

func (s *CachedStore) BalanceOf(ctx context.Context, id common.Hash, holder common.Address) (decimal.Decimal, error) {
	return s.primary.BalanceOf(ctx, id, holder)
}

func (s *CachedStore) Holders(ctx context.Context, id common.Hash) (map[common.Address]decimal.Decimal, error) {
	return s.primary.Holders(ctx, id)
}

func (s *CachedStore) RecordDelivery(ctx context.Context, st *model.Settlement) error {
	return s.primary.RecordDelivery(ctx, st)
}

func (s *CachedStore) ListSettlements(ctx context.Context, id common.Hash) ([]model.Settlement, error) {
	return s.primary.ListSettlements(ctx, id)
}

func (s *CachedStore) VaultLedger(ctx context.Context, market common.Address) (model.VaultLedger, error) {
	return s.primary.VaultLedger(ctx, market)
}

func (s *CachedStore) LockedUnderlying(ctx context.Context, user, market common.Address) (decimal.Decimal, error) {
	return s.primary.LockedUnderlying(ctx, user, market)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, p *model.Position) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.ID), data, s.ttl)
	}
}

// invalidateSettlement drops everything a settlement can change: the
// settled flag on the position, the owner listing and the cached price.
func (s *CachedStore) invalidateSettlement(ctx context.Context, id common.Hash) {
	keys := []string{positionKey(id), priceKey(id)}
	if p, err := s.primary.GetPosition(ctx, id); err == nil {
		keys = append(keys, ownerKey(p.Owner))
	}
	s.rdb.Del(ctx, keys...)
}

func positionKey(id common.Hash) string { return fmt.Sprintf("position:%s", id.Hex()) }
func priceKey(id common.Hash) string    { return fmt.Sprintf("settle_price:%s", id.Hex()) }
func ownerKey(a common.Address) string  { return fmt.Sprintf("positions:%s", a.Hex()) }
