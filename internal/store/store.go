// Package store defines the persistence interface for position records,
// position balances, settlement history and the vault ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for development and testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/model"
)

// ErrAlreadyExists is returned when creating a position whose id is taken.
var ErrAlreadyExists = errors.New("store: position already exists")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Position records ---

	// CreatePosition persists a new position and mints its full notional
	// as balance to the owner.
	CreatePosition(ctx context.Context, p *model.Position) error

	// DiscardPosition removes a position created by an entry that is being
	// unwound. It fails once any balance has moved or been burned.
	DiscardPosition(ctx context.Context, id common.Hash) error

	// GetPosition returns model.ErrNotFound for unknown ids.
	GetPosition(ctx context.Context, id common.Hash) (*model.Position, error)

	// ListPositionsByOwner returns every position created for owner.
	ListPositionsByOwner(ctx context.Context, owner common.Address) ([]model.Position, error)

	// ListExpired returns unsettled positions whose expiry is at or before asOf.
	ListExpired(ctx context.Context, asOf time.Time) ([]model.Position, error)

	// NextSequence returns the next entry sequence number for a market.
	NextSequence(ctx context.Context, market common.Address) (uint64, error)

	// --- Position balances ---

	BalanceOf(ctx context.Context, id common.Hash, holder common.Address) (decimal.Decimal, error)

	// Holders returns every holder with a non-zero balance.
	Holders(ctx context.Context, id common.Hash) (map[common.Address]decimal.Decimal, error)

	// Transfer moves balance between holders of an unsettled position.
	Transfer(ctx context.Context, id common.Hash, from, to common.Address, amount decimal.Decimal) error

	// --- Settlement ---

	// SettlementPrice returns the cached price and whether one exists.
	SettlementPrice(ctx context.Context, id common.Hash) (decimal.Decimal, bool, error)

	// ApplySettlement atomically burns s.Amount from s.Holder, caches
	// s.Price if none is cached, appends s to history, and marks the
	// position settled once no balance remains. It reports whether the
	// position is now settled.
	ApplySettlement(ctx context.Context, s *model.Settlement) (bool, error)

	// RevertSettlement undoes ApplySettlement for s. When dropPrice is set
	// the cached price is removed as well.
	RevertSettlement(ctx context.Context, s *model.Settlement, dropPrice bool) error

	// RecordDelivery stores the payout outcome (Delivered, DeliveredRaw,
	// Fallback) on the holder's latest settlement record.
	RecordDelivery(ctx context.Context, s *model.Settlement) error

	// ListSettlements returns settlement history for a position.
	ListSettlements(ctx context.Context, id common.Hash) ([]model.Settlement, error)

	// --- Vault ledger ---

	// RecordLock credits underlying to user's locked amount in market and
	// minted deposit units to the market's supplied total.
	RecordLock(ctx context.Context, user, market common.Address, underlying, minted decimal.Decimal) error

	// AdjustSupplied adds delta (possibly negative) to a market's supplied total.
	AdjustSupplied(ctx context.Context, market common.Address, delta decimal.Decimal) error

	VaultLedger(ctx context.Context, market common.Address) (model.VaultLedger, error)
	LockedUnderlying(ctx context.Context, user, market common.Address) (decimal.Decimal, error)
}
