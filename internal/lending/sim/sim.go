// Package sim is an in-memory lending market used in development mode and
// tests. It models deposit-unit exchange rates, a redemption spread, cash
// limits, collateral factors and debt, which is enough to exercise every
// custody and risk path of the engine.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/lending"
)

var (
	ErrInsufficientBalance   = errors.New("sim: insufficient balance")
	ErrInsufficientAllowance = errors.New("sim: insufficient allowance")
	ErrInsufficientCash      = errors.New("sim: insufficient market cash")
	ErrInsufficientLiquidity = errors.New("sim: insufficient account liquidity")
	ErrUnknownMarket         = errors.New("sim: market not listed")
)

// UnderlyingDecimals is the precision every simulated underlying uses.
const UnderlyingDecimals = 18

// World holds all token balances and markets. Every method is safe for
// concurrent use.
type World struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]decimal.Decimal
	allowances map[common.Address]map[common.Address]map[common.Address]decimal.Decimal
	markets    map[common.Address]*Market
	order      []common.Address
	prices     lending.PriceSource
}

// NewWorld creates an empty world priced by prices.
func NewWorld(prices lending.PriceSource) *World {
	return &World{
		balances:   make(map[common.Address]map[common.Address]decimal.Decimal),
		allowances: make(map[common.Address]map[common.Address]map[common.Address]decimal.Decimal),
		markets:    make(map[common.Address]*Market),
		prices:     prices,
	}
}

// MarketOptions configures a listed market.
type MarketOptions struct {
	ExchangeRate     decimal.Decimal // underlying per deposit unit
	Decimals         int32           // deposit-unit precision
	CollateralFactor decimal.Decimal
	RedeemSpread     decimal.Decimal // fraction withheld on redeem
}

// ListMarket registers a market for underlying at addr.
func (w *World) ListMarket(addr, underlying common.Address, opts MarketOptions) *Market {
	w.mu.Lock()
	defer w.mu.Unlock()

	if opts.ExchangeRate.IsZero() {
		opts.ExchangeRate = decimal.NewFromInt(1)
	}
	if opts.Decimals == 0 {
		opts.Decimals = 8
	}
	if opts.CollateralFactor.IsZero() {
		opts.CollateralFactor = decimal.NewFromFloat(0.75)
	}
	m := &Market{
		w:          w,
		addr:       addr,
		underlying: underlying,
		opts:       opts,
		debt:       make(map[common.Address]decimal.Decimal),
	}
	w.markets[addr] = m
	w.order = append(w.order, addr)
	return m
}

// Mint credits amount of token to account out of thin air.
func (w *World) Mint(token, account common.Address, amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.credit(token, account, amount)
}

// Approve sets spender's allowance over owner's token.
func (w *World) Approve(token, owner, spender common.Address, amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	byOwner, ok := w.allowances[token]
	if !ok {
		byOwner = make(map[common.Address]map[common.Address]decimal.Decimal)
		w.allowances[token] = byOwner
	}
	bySpender, ok := byOwner[owner]
	if !ok {
		bySpender = make(map[common.Address]decimal.Decimal)
		byOwner[owner] = bySpender
	}
	bySpender[spender] = amount
}

// --- lending.Tokens ---

func (w *World) BalanceOf(_ context.Context, token, account common.Address) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance(token, account), nil
}

func (w *World) Transfer(_ context.Context, token, from, to common.Address, amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.move(token, from, to, amount)
}

func (w *World) TransferFrom(_ context.Context, token, spender, from, to common.Address, amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	allowed := w.allowances[token][from][spender]
	if allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s allowed %s, need %s", ErrInsufficientAllowance, spender.Hex(), allowed, amount)
	}
	if err := w.move(token, from, to, amount); err != nil {
		return err
	}
	w.allowances[token][from][spender] = allowed.Sub(amount)
	return nil
}

// --- lending.Comptroller ---

func (w *World) Market(addr common.Address) (lending.Market, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.markets[addr]
	if !ok {
		return nil, false
	}
	return m, true
}

func (w *World) Markets() []lending.Market {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]lending.Market, 0, len(w.order))
	for _, addr := range w.order {
		out = append(out, w.markets[addr])
	}
	return out
}

func (w *World) AccountLiquidity(ctx context.Context, account common.Address) (decimal.Decimal, decimal.Decimal, error) {
	coll, borrows, err := w.accountValues(ctx, account)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if coll.GreaterThanOrEqual(borrows) {
		return coll.Sub(borrows), decimal.Zero, nil
	}
	return decimal.Zero, borrows.Sub(coll), nil
}

func (w *World) BorrowAllowed(ctx context.Context, market, borrower common.Address, amount decimal.Decimal) error {
	w.mu.Lock()
	m, ok := w.markets[market]
	var cash decimal.Decimal
	if ok {
		cash = w.balance(m.underlying, m.addr)
	}
	w.mu.Unlock()
	if !ok {
		return ErrUnknownMarket
	}
	if cash.LessThan(amount) {
		return fmt.Errorf("%w: cash %s, need %s", ErrInsufficientCash, cash, amount)
	}

	price, err := w.prices.PriceOf(ctx, m.underlying)
	if err != nil {
		return err
	}
	coll, borrows, err := w.accountValues(ctx, borrower)
	if err != nil {
		return err
	}
	if coll.LessThan(borrows.Add(amount.Mul(price))) {
		return ErrInsufficientLiquidity
	}
	return nil
}

// accountValues returns risk-weighted collateral and borrows in USD.
func (w *World) accountValues(ctx context.Context, account common.Address) (decimal.Decimal, decimal.Decimal, error) {
	type row struct {
		underlying common.Address
		supplied   decimal.Decimal
		debt       decimal.Decimal
		factor     decimal.Decimal
	}

	w.mu.Lock()
	rows := make([]row, 0, len(w.order))
	for _, addr := range w.order {
		m := w.markets[addr]
		rows = append(rows, row{
			underlying: m.underlying,
			supplied:   w.balance(m.addr, account).Mul(m.opts.ExchangeRate),
			debt:       m.debt[account],
			factor:     m.opts.CollateralFactor,
		})
	}
	w.mu.Unlock()

	coll, borrows := decimal.Zero, decimal.Zero
	for _, r := range rows {
		if r.supplied.IsZero() && r.debt.IsZero() {
			continue
		}
		price, err := w.prices.PriceOf(ctx, r.underlying)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		coll = coll.Add(r.supplied.Mul(price).Mul(r.factor))
		borrows = borrows.Add(r.debt.Mul(price))
	}
	return coll, borrows, nil
}

// --- internal ledger helpers; callers hold w.mu ---

func (w *World) balance(token, account common.Address) decimal.Decimal {
	return w.balances[token][account]
}

func (w *World) credit(token, account common.Address, amount decimal.Decimal) {
	byAccount, ok := w.balances[token]
	if !ok {
		byAccount = make(map[common.Address]decimal.Decimal)
		w.balances[token] = byAccount
	}
	byAccount[account] = byAccount[account].Add(amount)
}

func (w *World) debit(token, account common.Address, amount decimal.Decimal) error {
	have := w.balance(token, account)
	if have.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, need %s",
			ErrInsufficientBalance, account.Hex(), have, token.Hex(), amount)
	}
	w.balances[token][account] = have.Sub(amount)
	return nil
}

func (w *World) move(token, from, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("sim: negative transfer %s", amount)
	}
	if err := w.debit(token, from, amount); err != nil {
		return err
	}
	w.credit(token, to, amount)
	return nil
}
