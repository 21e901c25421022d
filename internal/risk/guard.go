// Package risk implements admission control for new positions. The Guard
// decides; the position manager applies the exposure changes of admitted
// entries through the Writer capability.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/events"
	"github.com/atmx/dual-engine/internal/lending"
	"github.com/atmx/dual-engine/internal/metrics"
	"github.com/atmx/dual-engine/internal/model"
)

// Guard makes admission decisions against State and the lending market.
type Guard struct {
	state  *State
	comp   lending.Comptroller
	prices lending.PriceSource
	pub    events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewGuard creates a guard. pub and logger may be nil.
func NewGuard(state *State, comp lending.Comptroller, prices lending.PriceSource, pub events.Publisher, logger *slog.Logger) *Guard {
	if pub == nil {
		pub = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		state:  state,
		comp:   comp,
		prices: prices,
		pub:    pub,
		logger: logger,
		now:    time.Now,
	}
}

// State returns the state the guard reads.
func (g *Guard) State() *State { return g.state }

// Entry is one admission request.
type Entry struct {
	User           common.Address
	Market         common.Address
	ValueUSD       decimal.Decimal
	Collateralized bool
}

// CheckEntry returns nil when the entry is admitted, or a *model.Rejection
// carrying the reason. Errors from the lending market or oracle are
// returned as-is.
func (g *Guard) CheckEntry(ctx context.Context, user, market common.Address, valueUSD decimal.Decimal, collateralized bool) error {
	return g.check(ctx, Entry{User: user, Market: market, ValueUSD: valueUSD, Collateralized: collateralized}, nil, nil)
}

// CheckBatch admits every entry as if the earlier ones had already been
// applied. It returns the index of the first rejected entry, or -1.
func (g *Guard) CheckBatch(ctx context.Context, entries []Entry) (int, error) {
	users := make(map[common.Address]decimal.Decimal)
	markets := make(map[common.Address]decimal.Decimal)
	for i, e := range entries {
		if err := g.check(ctx, e, users, markets); err != nil {
			return i, err
		}
		users[e.User] = users[e.User].Add(e.ValueUSD)
		markets[e.Market] = markets[e.Market].Add(e.ValueUSD)
	}
	return -1, nil
}

func (g *Guard) check(ctx context.Context, e Entry, pendingUsers, pendingMarkets map[common.Address]decimal.Decimal) error {
	// 1. Pause switches.
	if g.state.GlobalPaused() {
		return g.reject(ctx, "pause", e, model.Reject("protocol is paused"))
	}
	if g.state.MarketPaused(e.Market) {
		return g.reject(ctx, "pause", e, model.Reject("market %s is paused", e.Market.Hex()))
	}

	// 2. Fully collateral-backed entries carry no borrow risk.
	if e.Collateralized {
		return nil
	}

	params := g.state.Params()

	// 3. Health factor, unless the account has no borrows.
	health, err := lending.AccountHealth(ctx, g.comp, g.prices, e.User)
	if err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if health.Borrows.IsPositive() {
		if hf := health.Factor(); hf.LessThan(params.MinHealthFactor) {
			return g.reject(ctx, "health_factor", e,
				model.Reject("health factor %s below minimum %s", hf.StringFixed(4), params.MinHealthFactor))
		}
	}

	// 4. Position size against liquidity.
	if !g.state.Whitelisted(e.User) {
		total := g.state.UserPositionValue(e.User).Add(pendingUsers[e.User]).Add(e.ValueUSD)
		limit := health.Liquidity.Mul(params.MaxPositionSizeRatio)
		if total.GreaterThan(limit) {
			return g.reject(ctx, "position_size", e,
				model.Reject("total position value %s exceeds limit %s", total.StringFixed(2), limit.StringFixed(2)))
		}
	}

	// 5. Market utilization cap.
	if limit := g.state.UtilizationCap(e.Market); limit.IsPositive() {
		util := g.state.MarketUtilization(e.Market).Add(pendingMarkets[e.Market]).Add(e.ValueUSD)
		if util.GreaterThan(limit) {
			return g.reject(ctx, "utilization", e,
				model.Reject("market utilization %s exceeds cap %s", util.StringFixed(2), limit.StringFixed(2)))
		}
	}

	// 6. Borrow-path check in underlying terms.
	return g.checkBorrowable(ctx, e, health)
}

func (g *Guard) checkBorrowable(ctx context.Context, e Entry, health lending.Health) error {
	m, ok := g.comp.Market(e.Market)
	if !ok {
		return fmt.Errorf("%w: market %s", model.ErrUnsupportedAsset, e.Market.Hex())
	}
	price, err := g.prices.PriceOf(ctx, m.Underlying())
	if err != nil {
		return err
	}
	amount := e.ValueUSD.DivRound(price, 18)

	if err := g.comp.BorrowAllowed(ctx, e.Market, e.User, amount); err != nil {
		return g.reject(ctx, "borrow_allowed", e, model.Reject("borrow not allowed: %v", err))
	}
	if capacity := health.Liquidity.DivRound(price, 18); capacity.LessThan(amount) {
		return g.reject(ctx, "borrow_liquidity", e,
			model.Reject("liquidity covers %s underlying, need %s", capacity, amount))
	}
	cash, err := m.Cash(ctx)
	if err != nil {
		return fmt.Errorf("risk: market cash: %w", err)
	}
	if cash.LessThan(amount) {
		rej := model.Reject("market cash %s below %s", cash, amount)
		rej.Kind = model.ErrCapacityShortfall
		return g.reject(ctx, "market_cash", e, rej)
	}
	return nil
}

func (g *Guard) reject(ctx context.Context, check string, e Entry, rej *model.Rejection) error {
	metrics.AdmissionRejections.WithLabelValues(check).Inc()
	g.logger.WarnContext(ctx, "entry rejected",
		"check", check,
		"user", e.User.Hex(),
		"market", e.Market.Hex(),
		"value_usd", e.ValueUSD.String(),
		"reason", rej.Reason,
	)
	return rej
}
