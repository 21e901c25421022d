// Package vault holds assets for every open position collectively. It
// redeems user deposits and re-supplies them under its own account, and at
// settlement withdraws, optionally swaps, and delivers payouts. Every
// amount it books is a measured balance delta around the external call,
// never a rate-based estimate.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/lending"
	"github.com/atmx/dual-engine/internal/metrics"
	"github.com/atmx/dual-engine/internal/model"
	"github.com/atmx/dual-engine/internal/serial"
	"github.com/atmx/dual-engine/internal/store"
	"github.com/atmx/dual-engine/internal/swap"
)

// Authority is the capability to move custody. Only New creates them.
type Authority struct {
	v    *Vault
	role string
}

// Role names the holder, for logs.
func (a *Authority) Role() string { return a.role }

// Keys are the authorities handed to the two components allowed to move
// custody.
type Keys struct {
	Manager    *Authority
	Settlement *Authority
}

// Receipt is what one lock booked.
type Receipt struct {
	Market     common.Address  `json:"market"`
	Underlying decimal.Decimal `json:"underlying"`
	Minted     decimal.Decimal `json:"minted"`
}

// Delivery is what a payout handed to its recipient.
type Delivery struct {
	Market common.Address  `json:"market"`
	Amount decimal.Decimal `json:"amount"` // deposit units, or underlying when Raw
	Raw    bool            `json:"raw"`
}

// Vault is the custody account.
type Vault struct {
	addr     common.Address
	comp     lending.Comptroller
	tokens   lending.Tokens
	exchange swap.Exchange
	routes   []swap.Route
	store    store.Store
	guard    *serial.Guard
	logger   *slog.Logger
}

// Config wires a vault.
type Config struct {
	Address     common.Address
	Comptroller lending.Comptroller
	Tokens      lending.Tokens
	Exchange    swap.Exchange
	Routes      []swap.Route // nil means swap.DefaultRoutes
	Store       store.Store
	Logger      *slog.Logger
}

// New creates a vault and the authorities allowed to use it.
func New(cfg Config) (*Vault, Keys) {
	if cfg.Routes == nil {
		cfg.Routes = swap.DefaultRoutes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	v := &Vault{
		addr:     cfg.Address,
		comp:     cfg.Comptroller,
		tokens:   cfg.Tokens,
		exchange: cfg.Exchange,
		routes:   cfg.Routes,
		store:    cfg.Store,
		guard:    serial.NewGuard("vault"),
		logger:   cfg.Logger,
	}
	return v, Keys{
		Manager:    &Authority{v: v, role: "manager"},
		Settlement: &Authority{v: v, role: "settlement"},
	}
}

// Address is the custody account users approve and borrows are sent to.
func (v *Vault) Address() common.Address { return v.addr }

// Ledger returns the vault's booked supply for market.
func (v *Vault) Ledger(ctx context.Context, market common.Address) (model.VaultLedger, error) {
	return v.store.VaultLedger(ctx, market)
}

// Held returns the deposit units of market the vault actually holds.
func (v *Vault) Held(ctx context.Context, market common.Address) (decimal.Decimal, error) {
	m, err := v.market(market)
	if err != nil {
		return decimal.Zero, err
	}
	return m.BalanceOf(ctx, v.addr)
}

// enter authorizes a and marks ctx as inside a custody operation.
func (v *Vault) enter(ctx context.Context, a *Authority) (context.Context, error) {
	if a == nil || a.v != v {
		return ctx, fmt.Errorf("%w: vault", model.ErrUnauthorized)
	}
	return v.guard.Enter(ctx)
}

func (v *Vault) market(addr common.Address) (lending.Market, error) {
	m, ok := v.comp.Market(addr)
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrUnsupportedAsset, addr.Hex())
	}
	return m, nil
}

// measure runs op and returns how much token's balance at account grew.
func (v *Vault) measure(ctx context.Context, token, account common.Address, op func() error) (decimal.Decimal, error) {
	before, err := v.tokens.BalanceOf(ctx, token, account)
	if err != nil {
		return decimal.Zero, err
	}
	if err := op(); err != nil {
		return decimal.Zero, err
	}
	after, err := v.tokens.BalanceOf(ctx, token, account)
	if err != nil {
		return decimal.Zero, err
	}
	return after.Sub(before), nil
}

func (v *Vault) observe(ctx context.Context, market common.Address) {
	if l, err := v.store.VaultLedger(ctx, market); err == nil {
		f, _ := l.Supplied.Float64()
		metrics.VaultSupplied.WithLabelValues(market.Hex()).Set(f)
	}
}

// RedeemAndLock pulls amount deposit units of market from user, redeems
// them, re-supplies the measured underlying under the vault, and books
// both measured deltas. The vault must be approved for amount.
func (v *Vault) RedeemAndLock(ctx context.Context, a *Authority, user, market common.Address, amount decimal.Decimal) (Receipt, error) {
	ctx, err := v.enter(ctx, a)
	if err != nil {
		return Receipt{}, err
	}
	m, err := v.market(market)
	if err != nil {
		return Receipt{}, err
	}

	if err := v.tokens.TransferFrom(ctx, market, v.addr, user, v.addr, amount); err != nil {
		return Receipt{}, fmt.Errorf("vault: pull deposit: %w", err)
	}

	underlying, err := v.measure(ctx, m.Underlying(), v.addr, func() error {
		return m.Redeem(ctx, v.addr, amount)
	})
	if err != nil {
		if rerr := v.tokens.Transfer(ctx, market, v.addr, user, amount); rerr != nil {
			v.logger.ErrorContext(ctx, "vault: return deposit after failed redeem",
				"user", user.Hex(), "market", market.Hex(), "amount", amount.String(), "err", rerr)
		}
		return Receipt{}, fmt.Errorf("%w: redeem %s of %s: %v", model.ErrCapacityShortfall, amount, market.Hex(), err)
	}

	r, err := v.lock(ctx, m, user, underlying)
	if err != nil {
		return Receipt{}, err
	}
	v.logger.InfoContext(ctx, "collateral locked",
		"user", user.Hex(),
		"market", market.Hex(),
		"deposit", amount.String(),
		"underlying", r.Underlying.String(),
		"minted", r.Minted.String(),
	)
	return r, nil
}

// LockUnderlying supplies underlying already held by the vault (e.g. just
// borrowed into it) and books it against user.
func (v *Vault) LockUnderlying(ctx context.Context, a *Authority, user, market common.Address, underlying decimal.Decimal) (Receipt, error) {
	ctx, err := v.enter(ctx, a)
	if err != nil {
		return Receipt{}, err
	}
	m, err := v.market(market)
	if err != nil {
		return Receipt{}, err
	}
	return v.lock(ctx, m, user, underlying)
}

// PullAndLock pulls underlying from user under an allowance, then supplies
// and books it like LockUnderlying.
func (v *Vault) PullAndLock(ctx context.Context, a *Authority, user, market common.Address, underlying decimal.Decimal) (Receipt, error) {
	ctx, err := v.enter(ctx, a)
	if err != nil {
		return Receipt{}, err
	}
	m, err := v.market(market)
	if err != nil {
		return Receipt{}, err
	}
	pulled, err := v.measure(ctx, m.Underlying(), v.addr, func() error {
		return v.tokens.TransferFrom(ctx, m.Underlying(), v.addr, user, v.addr, underlying)
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("vault: pull underlying: %w", err)
	}
	return v.lock(ctx, m, user, pulled)
}

// MintUnderlyingInto supplies underlying held by the vault to market and
// books the measured minted units as protocol supply.
func (v *Vault) MintUnderlyingInto(ctx context.Context, a *Authority, market common.Address, underlying decimal.Decimal) (decimal.Decimal, error) {
	ctx, err := v.enter(ctx, a)
	if err != nil {
		return decimal.Zero, err
	}
	m, err := v.market(market)
	if err != nil {
		return decimal.Zero, err
	}
	minted, err := v.supply(ctx, m, underlying)
	if err != nil {
		return decimal.Zero, err
	}
	if err := v.store.AdjustSupplied(ctx, market, minted); err != nil {
		return decimal.Zero, fmt.Errorf("vault: book supply: %w", err)
	}
	v.observe(ctx, market)
	return minted, nil
}

func (v *Vault) lock(ctx context.Context, m lending.Market, user common.Address, underlying decimal.Decimal) (Receipt, error) {
	minted, err := v.supply(ctx, m, underlying)
	if err != nil {
		return Receipt{}, err
	}
	if err := v.store.RecordLock(ctx, user, m.Address(), underlying, minted); err != nil {
		return Receipt{}, fmt.Errorf("vault: record lock: %w", err)
	}
	v.observe(ctx, m.Address())
	return Receipt{Market: m.Address(), Underlying: underlying, Minted: minted}, nil
}

// supply mints deposit units for underlying held by the vault and returns
// the measured units minted.
func (v *Vault) supply(ctx context.Context, m lending.Market, underlying decimal.Decimal) (decimal.Decimal, error) {
	if !underlying.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: nothing to supply", model.ErrValidation)
	}
	minted, err := v.measure(ctx, m.Address(), v.addr, func() error {
		return m.Supply(ctx, v.addr, underlying)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("vault: supply %s to %s: %w", underlying, m.Address().Hex(), err)
	}
	return minted, nil
}

// WithdrawUnderlying redeems enough deposit units of market for requested
// underlying, clamped to what the vault holds and the market can pay. It
// returns the measured underlying received, which never exceeds requested
// and is zero when nothing could be withdrawn.
func (v *Vault) WithdrawUnderlying(ctx context.Context, a *Authority, market common.Address, requested decimal.Decimal) (decimal.Decimal, error) {
	ctx, err := v.enter(ctx, a)
	if err != nil {
		return decimal.Zero, err
	}
	m, err := v.market(market)
	if err != nil {
		return decimal.Zero, err
	}
	return v.withdraw(ctx, m, requested)
}

func (v *Vault) withdraw(ctx context.Context, m lending.Market, requested decimal.Decimal) (decimal.Decimal, error) {
	if !requested.IsPositive() {
		return decimal.Zero, nil
	}
	rate, err := m.ExchangeRate(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("vault: exchange rate: %w", err)
	}
	held, err := m.BalanceOf(ctx, v.addr)
	if err != nil {
		return decimal.Zero, err
	}
	booked, err := v.store.VaultLedger(ctx, m.Address())
	if err != nil {
		return decimal.Zero, err
	}
	cash, err := m.Cash(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	units := decimal.Min(requested.Div(rate), held, booked.Supplied, cash.Div(rate)).
		Truncate(m.Decimals())
	if !units.IsPositive() {
		return decimal.Zero, nil
	}

	var burned decimal.Decimal
	received, err := v.measure(ctx, m.Underlying(), v.addr, func() error {
		var merr error
		burned, merr = v.measureUnits(ctx, m, func() error { return m.Redeem(ctx, v.addr, units) })
		return merr
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("vault: redeem %s of %s: %w", units, m.Address().Hex(), err)
	}
	if err := v.store.AdjustSupplied(ctx, m.Address(), burned.Neg()); err != nil {
		return decimal.Zero, fmt.Errorf("vault: book redeem: %w", err)
	}
	v.observe(ctx, m.Address())

	// A redeem never pays more than requested; anything above stays in
	// custody as underlying rather than leaking to the recipient.
	return decimal.Min(received, requested), nil
}

// measureUnits returns how many deposit units of m the vault lost in op.
func (v *Vault) measureUnits(ctx context.Context, m lending.Market, op func() error) (decimal.Decimal, error) {
	before, err := m.BalanceOf(ctx, v.addr)
	if err != nil {
		return decimal.Zero, err
	}
	if err := op(); err != nil {
		return decimal.Zero, err
	}
	after, err := m.BalanceOf(ctx, v.addr)
	if err != nil {
		return decimal.Zero, err
	}
	return before.Sub(after), nil
}

// MintFor supplies underlying held by the vault to market on behalf of
// recipient and delivers the minted units. Amounts too small to mint one
// unit are delivered as raw underlying.
func (v *Vault) MintFor(ctx context.Context, a *Authority, market, recipient common.Address, underlying decimal.Decimal) (Delivery, error) {
	ctx, err := v.enter(ctx, a)
	if err != nil {
		return Delivery{}, err
	}
	m, err := v.market(market)
	if err != nil {
		return Delivery{}, err
	}
	return v.deliver(ctx, m, recipient, underlying)
}

func (v *Vault) deliver(ctx context.Context, m lending.Market, recipient common.Address, underlying decimal.Decimal) (Delivery, error) {
	rate, err := m.ExchangeRate(ctx)
	if err != nil {
		return Delivery{}, fmt.Errorf("vault: exchange rate: %w", err)
	}

	// Below one indivisible unit a supply would mint nothing and swallow
	// the underlying, so hand over the underlying itself.
	if oneUnit := rate.Shift(-m.Decimals()); underlying.LessThan(oneUnit) {
		if underlying.IsPositive() {
			if err := v.tokens.Transfer(ctx, m.Underlying(), v.addr, recipient, underlying); err != nil {
				return Delivery{}, fmt.Errorf("vault: deliver raw underlying: %w", err)
			}
		}
		return Delivery{Market: m.Address(), Amount: underlying, Raw: true}, nil
	}

	minted, err := v.supply(ctx, m, underlying)
	if err != nil {
		return Delivery{}, err
	}
	if err := v.tokens.Transfer(ctx, m.Address(), v.addr, recipient, minted); err != nil {
		return Delivery{}, fmt.Errorf("vault: deliver units: %w", err)
	}
	return Delivery{Market: m.Address(), Amount: minted}, nil
}

// SwapAndDeliver swaps amountIn of tokenIn held by the vault into the
// underlying of outMarket, trying each route in order, then delivers the
// proceeds to recipient as deposit units of outMarket (or raw underlying
// when too small to mint).
func (v *Vault) SwapAndDeliver(ctx context.Context, a *Authority, tokenIn, outMarket, recipient common.Address, amountIn, minOut decimal.Decimal) (Delivery, error) {
	ctx, err := v.enter(ctx, a)
	if err != nil {
		return Delivery{}, err
	}
	m, err := v.market(outMarket)
	if err != nil {
		return Delivery{}, err
	}
	if v.exchange == nil {
		return Delivery{}, fmt.Errorf("%w: no exchange configured", model.ErrSwapFailure)
	}
	tokenOut := m.Underlying()

	var errs []error
	for _, route := range v.routes {
		proceeds, err := v.measure(ctx, tokenOut, v.addr, func() error {
			_, serr := v.exchange.Swap(ctx, route, tokenIn, tokenOut, amountIn, minOut, v.addr, v.addr)
			return serr
		})
		if err != nil {
			metrics.SwapRoutes.WithLabelValues(route.String(), "failed").Inc()
			v.logger.WarnContext(ctx, "swap route failed", "route", route.String(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", route, err))
			continue
		}
		metrics.SwapRoutes.WithLabelValues(route.String(), "ok").Inc()
		return v.deliver(ctx, m, recipient, proceeds)
	}
	return Delivery{}, fmt.Errorf("%w: %v", model.ErrSwapFailure, errors.Join(errs...))
}

// RepayFor repays user's debt in market with underlying held by the vault.
func (v *Vault) RepayFor(ctx context.Context, a *Authority, user, market common.Address, amount decimal.Decimal) error {
	ctx, err := v.enter(ctx, a)
	if err != nil {
		return err
	}
	m, err := v.market(market)
	if err != nil {
		return err
	}
	if err := m.Repay(ctx, v.addr, user, amount); err != nil {
		return fmt.Errorf("vault: repay for %s: %w", user.Hex(), err)
	}
	return nil
}

// Unlock reverses a lock by handing the minted units to user.
func (v *Vault) Unlock(ctx context.Context, a *Authority, user common.Address, r Receipt) error {
	ctx, err := v.enter(ctx, a)
	if err != nil {
		return err
	}
	if err := v.tokens.Transfer(ctx, r.Market, v.addr, user, r.Minted); err != nil {
		return fmt.Errorf("vault: return units: %w", err)
	}
	if err := v.store.RecordLock(ctx, user, r.Market, r.Underlying.Neg(), r.Minted.Neg()); err != nil {
		return fmt.Errorf("vault: unbook lock: %w", err)
	}
	v.observe(ctx, r.Market)
	return nil
}

// UnlockAndRepay reverses a borrow-funded lock: the minted units are
// redeemed and the proceeds repay user's debt.
func (v *Vault) UnlockAndRepay(ctx context.Context, a *Authority, user common.Address, r Receipt) error {
	ctx, err := v.enter(ctx, a)
	if err != nil {
		return err
	}
	m, err := v.market(r.Market)
	if err != nil {
		return err
	}
	received, err := v.measure(ctx, m.Underlying(), v.addr, func() error {
		return m.Redeem(ctx, v.addr, r.Minted)
	})
	if err != nil {
		return fmt.Errorf("%w: redeem for unwind: %v", model.ErrCapacityShortfall, err)
	}
	if err := v.store.RecordLock(ctx, user, r.Market, r.Underlying.Neg(), r.Minted.Neg()); err != nil {
		return fmt.Errorf("vault: unbook lock: %w", err)
	}
	v.observe(ctx, r.Market)
	if err := m.Repay(ctx, v.addr, user, received); err != nil {
		return fmt.Errorf("vault: repay for %s: %w", user.Hex(), err)
	}
	return nil
}
