// Package manager is the entry point for opening positions. It validates
// terms, asks the risk guard for admission, moves custody through the
// vault, persists the position and books exposure, fees and rewards.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/borrow"
	"github.com/atmx/dual-engine/internal/events"
	"github.com/atmx/dual-engine/internal/lending"
	"github.com/atmx/dual-engine/internal/model"
	"github.com/atmx/dual-engine/internal/risk"
	"github.com/atmx/dual-engine/internal/serial"
	"github.com/atmx/dual-engine/internal/store"
	"github.com/atmx/dual-engine/internal/vault"
)

// Config holds entry parameters.
type Config struct {
	Markets model.MarketConfig

	// FeeRate is the protocol fee as a fraction of position value.
	FeeRate decimal.Decimal

	// RewardRate is the reward accrued per USD of position value.
	RewardRate decimal.Decimal
}

// Deps are the manager's collaborators.
type Deps struct {
	Store       store.Store
	Guard       *risk.Guard
	RiskWriter  *risk.Writer
	Router      *borrow.Router
	Vault       *vault.Vault
	Authority   *vault.Authority
	Comptroller lending.Comptroller
	Prices      lending.PriceSource
	Executor    *serial.Executor
	Events      events.Publisher
	Logger      *slog.Logger
	Now         func() time.Time
}

// Manager opens positions.
type Manager struct {
	cfg    Config
	store  store.Store
	guard  *risk.Guard
	writer *risk.Writer
	router *borrow.Router
	vault  *vault.Vault
	auth   *vault.Authority
	comp   lending.Comptroller
	prices lending.PriceSource
	exec   *serial.Executor
	pub    events.Publisher
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	rewards map[common.Address]decimal.Decimal
	fees    map[common.Address]decimal.Decimal
}

// New creates a manager.
func New(cfg Config, d Deps) *Manager {
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Executor == nil {
		d.Executor = &serial.Executor{}
	}
	return &Manager{
		cfg:     cfg,
		store:   d.Store,
		guard:   d.Guard,
		writer:  d.RiskWriter,
		router:  d.Router,
		vault:   d.Vault,
		auth:    d.Authority,
		comp:    d.Comptroller,
		prices:  d.Prices,
		exec:    d.Executor,
		pub:     d.Events,
		logger:  d.Logger,
		now:     d.Now,
		rewards: make(map[common.Address]decimal.Decimal),
		fees:    make(map[common.Address]decimal.Decimal),
	}
}

// EntryRequest are the terms of one position.
type EntryRequest struct {
	User         common.Address  `json:"user"`
	InputMarket  common.Address  `json:"input_market"`
	OutputMarket common.Address  `json:"output_market"`
	Amount       decimal.Decimal `json:"amount"`
	Direction    model.Direction `json:"direction"`
	Strike       decimal.Decimal `json:"strike"`
	Expiry       time.Time       `json:"expiry"`
}

// ExpiryBounds returns the earliest and latest expiry accepted now.
func (m *Manager) ExpiryBounds() (time.Time, time.Time) {
	now := m.now()
	return now.Add(m.cfg.Markets.MinExpiry), now.Add(m.cfg.Markets.MaxExpiry)
}

// Rewards returns the rewards accrued to user.
func (m *Manager) Rewards(user common.Address) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rewards[user]
}

// FeesCollected returns the protocol fees booked on market, in USD.
func (m *Manager) FeesCollected(market common.Address) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fees[market]
}

// validate checks the static terms and returns the input market params.
func (m *Manager) validate(req EntryRequest) (model.MarketParams, model.MarketParams, error) {
	in, ok := m.cfg.Markets.Market(req.InputMarket)
	if !ok {
		return in, in, fmt.Errorf("%w: input market %s", model.ErrUnsupportedAsset, req.InputMarket.Hex())
	}
	out, ok := m.cfg.Markets.Market(req.OutputMarket)
	if !ok {
		return in, out, fmt.Errorf("%w: output market %s", model.ErrUnsupportedAsset, req.OutputMarket.Hex())
	}
	if req.InputMarket == req.OutputMarket {
		return in, out, fmt.Errorf("%w: input and output markets must differ", model.ErrUnsupportedAsset)
	}
	if _, listed := m.comp.Market(req.InputMarket); !listed {
		return in, out, fmt.Errorf("%w: input market %s not listed", model.ErrUnsupportedAsset, req.InputMarket.Hex())
	}
	if _, listed := m.comp.Market(req.OutputMarket); !listed {
		return in, out, fmt.Errorf("%w: output market %s not listed", model.ErrUnsupportedAsset, req.OutputMarket.Hex())
	}

	if !req.Amount.IsPositive() ||
		req.Amount.LessThan(m.cfg.Markets.MinNotional) ||
		(m.cfg.Markets.MaxNotional.IsPositive() && req.Amount.GreaterThan(m.cfg.Markets.MaxNotional)) {
		return in, out, fmt.Errorf("%w: %s not in [%s, %s]", model.ErrSizeOutOfBounds,
			req.Amount, m.cfg.Markets.MinNotional, m.cfg.Markets.MaxNotional)
	}
	if !req.Direction.Valid() {
		return in, out, fmt.Errorf("%w: %d", model.ErrInvalidDirection, req.Direction)
	}
	if !req.Strike.IsPositive() || model.StrikeUnits(req.Strike).Sign() <= 0 {
		return in, out, fmt.Errorf("%w: %s", model.ErrInvalidStrike, req.Strike)
	}

	now := m.now()
	lo, hi := now.Add(m.cfg.Markets.MinExpiry), now.Add(m.cfg.Markets.MaxExpiry)
	if !req.Expiry.After(now) || req.Expiry.Before(lo) || req.Expiry.After(hi) {
		return in, out, fmt.Errorf("%w: %s not in [%s, %s]", model.ErrExpiryOutOfBounds,
			req.Expiry.UTC().Format(time.RFC3339), lo.UTC().Format(time.RFC3339), hi.UTC().Format(time.RFC3339))
	}
	return in, out, nil
}

// priceAsset is the underlying whose price settles the position: the
// input underlying for CALL, the output underlying for PUT.
func priceAsset(req EntryRequest, in, out model.MarketParams) common.Address {
	if req.Direction == model.Put {
		return out.Underlying
	}
	return in.Underlying
}

func (m *Manager) emit(ctx context.Context, ev model.Event) {
	m.pub.Publish(ctx, events.Stamp(ev, m.now()))
}

// Transfer moves amount of position id from one holder to another while
// the position is unsettled.
func (m *Manager) Transfer(ctx context.Context, id common.Hash, from, to common.Address, amount decimal.Decimal) error {
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		return m.store.Transfer(ctx, id, from, to, amount)
	})
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "position transferred",
		"position_id", id.Hex(), "from", from.Hex(), "to", to.Hex(), "amount", amount.String())
	return nil
}
