// Package settlement resolves expired positions: it snapshots one price per
// position, decides the payout side, burns the holder's balance and pays
// out through the vault. Single settlements are atomic; batch settlement
// isolates every item.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/events"
	"github.com/atmx/dual-engine/internal/lending"
	"github.com/atmx/dual-engine/internal/metrics"
	"github.com/atmx/dual-engine/internal/model"
	"github.com/atmx/dual-engine/internal/serial"
	"github.com/atmx/dual-engine/internal/store"
	"github.com/atmx/dual-engine/internal/vault"
)

// Config holds the settlement parameters.
type Config struct {
	// Window is how long after expiry a position stays settleable.
	Window time.Duration

	// SlippageBuffer is the extra fraction of input withdrawn for a
	// fallback swap, e.g. 0.001 for 0.1%.
	SlippageBuffer decimal.Decimal

	// MaxSwapSlippage bounds the fallback swap's output below the oracle
	// conversion of what was withdrawn.
	MaxSwapSlippage decimal.Decimal
}

// Engine settles positions.
type Engine struct {
	cfg    Config
	store  store.Store
	vault  *vault.Vault
	auth   *vault.Authority
	comp   lending.Comptroller
	prices lending.PriceSource
	exec   *serial.Executor
	pub    events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// Deps are the engine's collaborators.
type Deps struct {
	Store       store.Store
	Vault       *vault.Vault
	Authority   *vault.Authority
	Comptroller lending.Comptroller
	Prices      lending.PriceSource
	Executor    *serial.Executor
	Events      events.Publisher
	Logger      *slog.Logger
	Now         func() time.Time
}

// New creates a settlement engine.
func New(cfg Config, d Deps) *Engine {
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
	return &Engine{
		cfg:    cfg,
		store:  d.Store,
		vault:  d.Vault,
		auth:   d.Authority,
		comp:   d.Comptroller,
		prices: d.Prices,
		exec:   d.Executor,
		pub:    d.Events,
		logger: d.Logger,
		now:    d.Now,
	}
}

// Window returns the configured settlement window.
func (e *Engine) Window() time.Duration { return e.cfg.Window }

// Settle settles holder's whole balance of position id. Either the balance
// is burned and the payout delivered, or nothing changes.
func (e *Engine) Settle(ctx context.Context, id common.Hash, holder common.Address) (*model.Settlement, error) {
	var out *model.Settlement
	err := e.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.settle(ctx, id, holder)
		return err
	})
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		e.logger.WarnContext(ctx, "settlement failed",
			"position_id", id.Hex(), "holder", holder.Hex(), "reason", model.Reason(err))
		return nil, err
	}
	return out, nil
}

func (e *Engine) settle(ctx context.Context, id common.Hash, holder common.Address) (*model.Settlement, error) {
	p, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.checkState(p, e.now()); err != nil {
		return nil, err
	}

	balance, err := e.store.BalanceOf(ctx, id, holder)
	if err != nil {
		return nil, err
	}
	if !balance.IsPositive() {
		return nil, fmt.Errorf("%w: %s on %s", model.ErrZeroBalance, holder.Hex(), id.Hex())
	}

	price, cached, err := e.resolvePrice(ctx, p)
	if err != nil {
		return nil, err
	}

	st := &model.Settlement{
		PositionID:   id,
		Holder:       holder,
		Price:        price,
		Won:          p.Wins(price),
		PayoutMarket: p.PayoutMarket(price),
		Amount:       balance,
		SettledAt:    e.now().UTC(),
	}

	// Effects first: burn and mark settled, then pay.
	settled, err := e.store.ApplySettlement(ctx, st)
	if err != nil {
		return nil, err
	}

	d, fallback, err := e.payout(ctx, p, st)
	if err != nil {
		if rerr := e.store.RevertSettlement(ctx, st, !cached); rerr != nil {
			e.logger.ErrorContext(ctx, "revert settlement failed",
				"position_id", id.Hex(), "holder", holder.Hex(), "err", rerr)
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}

	st.Delivered = d.Amount
	st.DeliveredRaw = d.Raw
	st.Fallback = fallback
	if err := e.store.RecordDelivery(ctx, st); err != nil {
		// The payout is done; only the history row is stale.
		e.logger.ErrorContext(ctx, "record delivery failed", "position_id", id.Hex(), "err", err)
	}

	outcome := "lost"
	if st.Won {
		outcome = "won"
	}
	metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
	e.logger.InfoContext(ctx, "position settled",
		"position_id", id.Hex(),
		"holder", holder.Hex(),
		"price", price.String(),
		"strike", p.Strike.String(),
		"direction", p.Direction.String(),
		"won", st.Won,
		"payout_market", st.PayoutMarket.Hex(),
		"amount", st.Amount.String(),
		"delivered", d.Amount.String(),
		"raw", d.Raw,
		"fallback", fallback,
		"position_closed", settled,
	)
	e.pub.Publish(ctx, events.Stamp(model.Event{
		Type:       model.EventPositionSettled,
		PositionID: &st.PositionID,
		User:       &st.Holder,
		Market:     &st.PayoutMarket,
		Amount:     &st.Delivered,
		Price:      &st.Price,
		Direction:  p.Direction.String(),
		Won:        &st.Won,
	}, e.now()))
	return st, nil
}

// checkState applies the state machine: Active positions inside
// [expiry, expiry+window] may settle.
func (e *Engine) checkState(p *model.Position, now time.Time) error {
	switch {
	case p.Settled:
		return model.ErrAlreadySettled
	case now.Before(p.Expiry):
		return fmt.Errorf("%w: expires %s", model.ErrNotYetExpired, p.Expiry.UTC().Format(time.RFC3339))
	case now.After(p.Expiry.Add(e.cfg.Window)):
		return fmt.Errorf("%w: closed %s", model.ErrWindowClosed, p.Expiry.Add(e.cfg.Window).UTC().Format(time.RFC3339))
	}
	return nil
}

// resolvePrice returns the cached price for p, or asks the oracle once.
// The bool reports whether the price was already cached.
func (e *Engine) resolvePrice(ctx context.Context, p *model.Position) (decimal.Decimal, bool, error) {
	price, ok, err := e.store.SettlementPrice(ctx, p.ID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if ok {
		return price, true, nil
	}
	price, err = e.prices.PriceOf(ctx, p.PriceAsset)
	if err != nil {
		if !errors.Is(err, model.ErrOracleFailure) {
			err = fmt.Errorf("%w: %v", model.ErrOracleFailure, err)
		}
		return decimal.Zero, false, err
	}
	if !price.IsPositive() {
		return decimal.Zero, false, fmt.Errorf("%w: price %s", model.ErrOracleFailure, price)
	}
	return price, false, nil
}

// payout delivers st.Amount deposit units' worth of the payout market to
// the holder, converting units to underlying at the current rate. It tries
// the payout market's own custody first, then withdraws input and swaps.
// Input custody is only ever drawn up to the holder's share of what the
// position locked. Custody left over from a failed attempt is re-supplied.
func (e *Engine) payout(ctx context.Context, p *model.Position, st *model.Settlement) (vault.Delivery, bool, error) {
	in, ok := e.comp.Market(p.InputMarket)
	if !ok {
		return vault.Delivery{}, false, fmt.Errorf("%w: market %s", model.ErrUnsupportedAsset, p.InputMarket.Hex())
	}
	out, ok := e.comp.Market(st.PayoutMarket)
	if !ok {
		return vault.Delivery{}, false, fmt.Errorf("%w: market %s", model.ErrUnsupportedAsset, st.PayoutMarket.Hex())
	}

	share := lockedShare(p, st.Amount, in.Decimals())
	units := st.Amount
	if st.PayoutMarket == p.InputMarket {
		units = decimal.Min(units, share)
	}
	rateOut, err := out.ExchangeRate(ctx)
	if err != nil {
		return vault.Delivery{}, false, fmt.Errorf("settlement: exchange rate: %w", err)
	}
	target := units.Mul(rateOut).Truncate(18)

	got, err := e.vault.WithdrawUnderlying(ctx, e.auth, st.PayoutMarket, target)
	if err != nil {
		return vault.Delivery{}, false, err
	}
	if got.IsPositive() {
		d, err := e.vault.MintFor(ctx, e.auth, st.PayoutMarket, st.Holder, got)
		if err != nil {
			e.resupply(ctx, st.PayoutMarket, got)
			return vault.Delivery{}, false, err
		}
		return d, false, nil
	}

	if st.PayoutMarket == p.InputMarket {
		return vault.Delivery{}, false, fmt.Errorf("%w: no custody in %s for payout", model.ErrCapacityShortfall, st.PayoutMarket.Hex())
	}

	rateIn, err := in.ExchangeRate(ctx)
	if err != nil {
		return vault.Delivery{}, false, fmt.Errorf("settlement: exchange rate: %w", err)
	}
	pin, err := e.prices.PriceOf(ctx, in.Underlying())
	if err != nil {
		return vault.Delivery{}, false, err
	}
	pout, err := e.prices.PriceOf(ctx, out.Underlying())
	if err != nil {
		return vault.Delivery{}, false, err
	}

	one := decimal.NewFromInt(1)
	need := target.Mul(pout).Div(pin).Mul(one.Add(e.cfg.SlippageBuffer))
	need = decimal.Min(need, share.Mul(rateIn)).Truncate(18)
	withdrawn, err := e.vault.WithdrawUnderlying(ctx, e.auth, p.InputMarket, need)
	if err != nil {
		return vault.Delivery{}, false, err
	}
	if !withdrawn.IsPositive() {
		return vault.Delivery{}, false, fmt.Errorf("%w: no custody in %s or %s", model.ErrCapacityShortfall,
			st.PayoutMarket.Hex(), p.InputMarket.Hex())
	}

	minOut := withdrawn.Mul(pin).Div(pout).Mul(one.Sub(e.cfg.MaxSwapSlippage)).Truncate(18)
	d, err := e.vault.SwapAndDeliver(ctx, e.auth, in.Underlying(), st.PayoutMarket, st.Holder, withdrawn, minOut)
	if err != nil {
		e.resupply(ctx, p.InputMarket, withdrawn)
		return vault.Delivery{}, true, err
	}
	metrics.PayoutFallbacks.Inc()
	return d, true, nil
}

// lockedShare is the part of p's locked deposit units that a balance of
// amount accounts for.
func lockedShare(p *model.Position, amount decimal.Decimal, decimals int32) decimal.Decimal {
	locked := p.LockedUnits
	if !locked.IsPositive() {
		// Rows written before locked units were recorded.
		locked = p.Notional
	}
	if amount.GreaterThanOrEqual(p.Notional) {
		return locked
	}
	return locked.Mul(amount).Div(p.Notional).Truncate(decimals)
}

// resupply puts underlying withdrawn for a failed payout back to work.
func (e *Engine) resupply(ctx context.Context, market common.Address, underlying decimal.Decimal) {
	if _, err := e.vault.MintUnderlyingInto(ctx, e.auth, market, underlying); err != nil {
		e.logger.ErrorContext(ctx, "resupply after failed payout",
			"market", market.Hex(), "underlying", underlying.String(), "err", err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, model.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, model.ErrNotYetExpired):
		return "not_expired"
	case errors.Is(err, model.ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, model.ErrOracleFailure):
		return "oracle_failure"
	case errors.Is(err, model.ErrSwapFailure):
		return "swap_failure"
	case errors.Is(err, model.ErrCapacityShortfall):
		return "capacity_shortfall"
	case errors.Is(err, model.ErrZeroBalance):
		return "zero_balance"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
