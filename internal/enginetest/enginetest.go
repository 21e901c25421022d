// Package enginetest wires a complete engine over the simulated lending
// world and an in-memory store for use in tests.
package enginetest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/borrow"
	"github.com/atmx/dual-engine/internal/events"
	"github.com/atmx/dual-engine/internal/lending/sim"
	"github.com/atmx/dual-engine/internal/manager"
	"github.com/atmx/dual-engine/internal/model"
	"github.com/atmx/dual-engine/internal/oracle"
	"github.com/atmx/dual-engine/internal/risk"
	"github.com/atmx/dual-engine/internal/serial"
	"github.com/atmx/dual-engine/internal/settlement"
	"github.com/atmx/dual-engine/internal/store"
	"github.com/atmx/dual-engine/internal/swap"
	"github.com/atmx/dual-engine/internal/vault"
)

// Fixed addresses used by every harness.
var (
	USDC     = common.HexToAddress("0x00000000000000000000000000000000000a0001")
	WETH     = common.HexToAddress("0x00000000000000000000000000000000000a0002")
	CUSDC    = common.HexToAddress("0x00000000000000000000000000000000000c0001")
	CWETH    = common.HexToAddress("0x00000000000000000000000000000000000c0002")
	VaultAcc = common.HexToAddress("0x000000000000000000000000000000000000d0a1")
	Exchange = common.HexToAddress("0x000000000000000000000000000000000000e0c4")
	LP       = common.HexToAddress("0x00000000000000000000000000000000000001b0")
	Alice    = common.HexToAddress("0x0000000000000000000000000000000000a11ce0")
	Bob      = common.HexToAddress("0x0000000000000000000000000000000000b0b000")
	Carol    = common.HexToAddress("0x0000000000000000000000000000000000ca0100")
)

// Start is the harness clock's initial time.
var Start = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// D parses a decimal literal and panics on malformed input.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Options adjust a harness before it is built.
type Options struct {
	Risk        risk.Params
	Caps        map[common.Address]decimal.Decimal
	FeeRate     decimal.Decimal
	RewardRate  decimal.Decimal
	MarketCash  decimal.Decimal // underlying an LP supplies to each market
	MaxNotional decimal.Decimal
}

// DefaultOptions are the options New uses.
func DefaultOptions() Options {
	return Options{
		Risk: risk.Params{
			MinHealthFactor:      D("1.2"),
			MaxPositionSizeRatio: D("0.5"),
		},
		FeeRate:     D("0.001"),
		RewardRate:  D("0.01"),
		MarketCash:  D("1000000"),
		MaxNotional: D("1000000"),
	}
}

// Harness is a fully wired engine.
type Harness struct {
	T        testing.TB
	Ctx      context.Context
	Clock    *Clock
	World    *sim.World
	Prices   *oracle.Static
	Exchange *swap.Simulated
	USDCMkt  *sim.Market
	WETHMkt  *sim.Market
	Store    *store.MemoryStore
	Markets  model.MarketConfig
	State    *risk.State
	Writer   *risk.Writer
	Guard    *risk.Guard
	Router   *borrow.Router
	Vault    *vault.Vault
	Keys     vault.Keys
	Executor *serial.Executor
	Events   *events.Recorder
	Manager  *manager.Manager
	Engine   *settlement.Engine
	Logger   *slog.Logger
}

// New builds a harness with DefaultOptions.
func New(t testing.TB) *Harness {
	t.Helper()
	return NewWith(t, DefaultOptions())
}

// NewWith builds a harness. USDC is priced at 1 and WETH at 2000; both
// markets use an exchange rate of 1 and 8-decimal deposit units.
func NewWith(t testing.TB, opts Options) *Harness {
	t.Helper()

	h := &Harness{
		T:        t,
		Ctx:      context.Background(),
		Clock:    &Clock{now: Start},
		Prices:   oracle.NewStatic(),
		Store:    store.NewMemoryStore(),
		Executor: &serial.Executor{},
		Events:   events.NewRecorder(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.Prices.Set(USDC, D("1"))
	h.Prices.Set(WETH, D("2000"))

	h.World = sim.NewWorld(h.Prices)
	h.USDCMkt = h.World.ListMarket(CUSDC, USDC, sim.MarketOptions{ExchangeRate: D("1"), Decimals: 8})
	h.WETHMkt = h.World.ListMarket(CWETH, WETH, sim.MarketOptions{ExchangeRate: D("1"), Decimals: 8})

	h.Exchange = swap.NewSimulated(Exchange, h.World, h.Prices)
	h.World.Mint(USDC, Exchange, D("100000000"))
	h.World.Mint(WETH, Exchange, D("100000"))

	if opts.MarketCash.IsPositive() {
		for _, m := range []*sim.Market{h.USDCMkt, h.WETHMkt} {
			h.World.Mint(m.Underlying(), LP, opts.MarketCash)
			if err := m.Supply(h.Ctx, LP, opts.MarketCash); err != nil {
				t.Fatalf("seed market cash: %v", err)
			}
		}
	}

	h.Markets = model.MarketConfig{
		Markets: map[common.Address]model.MarketParams{
			CUSDC: {Address: CUSDC, Underlying: USDC, Decimals: 8},
			CWETH: {Address: CWETH, Underlying: WETH, Decimals: 8},
		},
		MinNotional:      D("1"),
		MaxNotional:      opts.MaxNotional,
		MinExpiry:        time.Minute,
		MaxExpiry:        30 * 24 * time.Hour,
		SettlementWindow: 24 * time.Hour,
	}

	h.State, h.Writer = risk.NewState(opts.Risk, opts.Caps)
	h.Guard = risk.NewGuard(h.State, h.World, h.Prices, h.Events, h.Logger)
	h.Router = borrow.NewRouter(h.World, h.Prices, h.State, h.Logger)

	h.Vault, h.Keys = vault.New(vault.Config{
		Address:     VaultAcc,
		Comptroller: h.World,
		Tokens:      h.World,
		Exchange:    h.Exchange,
		Store:       h.Store,
		Logger:      h.Logger,
	})

	h.Manager = manager.New(manager.Config{
		Markets:    h.Markets,
		FeeRate:    opts.FeeRate,
		RewardRate: opts.RewardRate,
	}, manager.Deps{
		Store:       h.Store,
		Guard:       h.Guard,
		RiskWriter:  h.Writer,
		Router:      h.Router,
		Vault:       h.Vault,
		Authority:   h.Keys.Manager,
		Comptroller: h.World,
		Prices:      h.Prices,
		Executor:    h.Executor,
		Events:      h.Events,
		Logger:      h.Logger,
		Now:         h.Clock.Now,
	})

	h.Engine = settlement.New(settlement.Config{
		Window:          h.Markets.SettlementWindow,
		SlippageBuffer:  D("0.001"),
		MaxSwapSlippage: D("0.01"),
	}, settlement.Deps{
		Store:       h.Store,
		Vault:       h.Vault,
		Authority:   h.Keys.Settlement,
		Comptroller: h.World,
		Prices:      h.Prices,
		Executor:    h.Executor,
		Events:      h.Events,
		Logger:      h.Logger,
		Now:         h.Clock.Now,
	})
	return h
}

// Market returns the simulated market at addr.
func (h *Harness) Market(addr common.Address) *sim.Market {
	switch addr {
	case CUSDC:
		return h.USDCMkt
	case CWETH:
		return h.WETHMkt
	}
	h.T.Fatalf("unknown market %s", addr.Hex())
	return nil
}

// FundDeposit gives user deposit units of market worth underlying and
// approves the vault to pull them. It returns the units minted.
func (h *Harness) FundDeposit(user, market common.Address, underlying decimal.Decimal) decimal.Decimal {
	h.T.Helper()
	m := h.Market(market)
	h.World.Mint(m.Underlying(), user, underlying)
	before, _ := m.BalanceOf(h.Ctx, user)
	if err := m.Supply(h.Ctx, user, underlying); err != nil {
		h.T.Fatalf("fund deposit: %v", err)
	}
	after, _ := m.BalanceOf(h.Ctx, user)
	units := after.Sub(before)
	h.World.Approve(market, user, VaultAcc, after)
	return units
}

// FundUnderlying gives user underlying of market and approves the vault
// to pull it.
func (h *Harness) FundUnderlying(user, market common.Address, amount decimal.Decimal) {
	h.T.Helper()
	m := h.Market(market)
	h.World.Mint(m.Underlying(), user, amount)
	bal, _ := h.World.BalanceOf(h.Ctx, m.Underlying(), user)
	h.World.Approve(m.Underlying(), user, VaultAcc, bal)
}

// Request builds an entry expiring in one hour.
func (h *Harness) Request(user, in, out common.Address, amount string, dir model.Direction, strike string) manager.EntryRequest {
	return manager.EntryRequest{
		User:         user,
		InputMarket:  in,
		OutputMarket: out,
		Amount:       D(amount),
		Direction:    dir,
		Strike:       D(strike),
		Expiry:       h.Clock.Now().Add(time.Hour),
	}
}

// OpenCollateral funds user and opens a collateral-path position.
func (h *Harness) OpenCollateral(user, in, out common.Address, amount string, dir model.Direction, strike string) *model.Position {
	h.T.Helper()
	h.FundDeposit(user, in, D(amount))
	id, err := h.Manager.EnterWithCollateral(h.Ctx, h.Request(user, in, out, amount, dir, strike))
	if err != nil {
		h.T.Fatalf("open position: %v", err)
	}
	p, err := h.Store.GetPosition(h.Ctx, id)
	if err != nil {
		h.T.Fatalf("load position: %v", err)
	}
	return p
}

// Balance returns account's balance of token.
func (h *Harness) Balance(token, account common.Address) decimal.Decimal {
	h.T.Helper()
	bal, err := h.World.BalanceOf(h.Ctx, token, account)
	if err != nil {
		h.T.Fatalf("balance: %v", err)
	}
	return bal
}

// Supplied returns the vault's booked supply for market.
func (h *Harness) Supplied(market common.Address) decimal.Decimal {
	h.T.Helper()
	l, err := h.Vault.Ledger(h.Ctx, market)
	if err != nil {
		h.T.Fatalf("ledger: %v", err)
	}
	return l.Supplied
}

// Held returns the deposit units the vault actually holds in market.
func (h *Harness) Held(market common.Address) decimal.Decimal {
	h.T.Helper()
	held, err := h.Vault.Held(h.Ctx, market)
	if err != nil {
		h.T.Fatalf("held: %v", err)
	}
	return held
}

// ExpectDecimal fails when got != want.
func ExpectDecimal(t testing.TB, what string, want, got decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: expected %s, got %s", what, want, got)
	}
}
