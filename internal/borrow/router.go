// Package borrow wraps the lending market's borrow primitive with health
// checks before and after the borrow.
package borrow

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
	"github.com/atmx/dual-engine/internal/risk"
)

// ErrPostBorrowHealth marks a borrow that executed but left the account
// below the minimum health factor. The borrowed funds are already at the
// destination; the caller must unwind them.
var ErrPostBorrowHealth = errors.New("borrow: post-borrow health below minimum")

// Router verifies and executes borrows on behalf of users.
type Router struct {
	comp   lending.Comptroller
	prices lending.PriceSource
	risk   *risk.State
	logger *slog.Logger
}

// NewRouter creates a router. The minimum health factor is read from the
// risk state on every call so admin updates apply immediately.
func NewRouter(comp lending.Comptroller, prices lending.PriceSource, state *risk.State, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{comp: comp, prices: prices, risk: state, logger: logger}
}

// VerifyAndBorrow borrows amount of market's underlying against user and
// delivers it to destination. It rejects an account already in shortfall
// before borrowing. When the post-borrow health factor is below the
// minimum it returns a rejection matching ErrPostBorrowHealth; the borrow
// has happened by then.
func (r *Router) VerifyAndBorrow(ctx context.Context, user, market common.Address, amount decimal.Decimal, destination common.Address) error {
	m, ok := r.comp.Market(market)
	if !ok {
		return fmt.Errorf("%w: market %s", model.ErrUnsupportedAsset, market.Hex())
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: borrow amount must be positive", model.ErrValidation)
	}

	_, shortfall, err := r.comp.AccountLiquidity(ctx, user)
	if err != nil {
		return fmt.Errorf("borrow: account liquidity: %w", err)
	}
	if shortfall.IsPositive() {
		return r.reject(ctx, "shortfall", user, market, model.Reject("account has shortfall %s", shortfall))
	}

	pre, err := lending.AccountHealth(ctx, r.comp, r.prices, user)
	if err != nil {
		return fmt.Errorf("borrow: %w", err)
	}

	if err := m.Borrow(ctx, user, destination, amount); err != nil {
		return fmt.Errorf("%w: borrow %s from %s: %v", model.ErrCapacityShortfall, amount, market.Hex(), err)
	}

	post, err := lending.AccountHealth(ctx, r.comp, r.prices, user)
	if err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	minHF := r.risk.Params().MinHealthFactor
	if hf := post.Factor(); hf.LessThan(minHF) {
		rej := model.Reject("post-borrow health factor %s below minimum %s", hf.StringFixed(4), minHF)
		rej.Kind = ErrPostBorrowHealth
		return r.reject(ctx, "post_borrow_health", user, market, rej)
	}

	r.logger.DebugContext(ctx, "borrow executed",
		"user", user.Hex(),
		"market", market.Hex(),
		"amount", amount.String(),
		"health_before", pre.Factor().StringFixed(4),
		"health_after", post.Factor().StringFixed(4),
	)
	return nil
}

// CanBorrow is a read-only pre-flight for VerifyAndBorrow.
func (r *Router) CanBorrow(ctx context.Context, user, market common.Address, amount decimal.Decimal) (bool, string) {
	m, ok := r.comp.Market(market)
	if !ok {
		return false, fmt.Sprintf("market %s not listed", market.Hex())
	}
	if err := r.comp.BorrowAllowed(ctx, market, user, amount); err != nil {
		return false, fmt.Sprintf("borrow not allowed: %v", err)
	}
	cash, err := m.Cash(ctx)
	if err != nil {
		return false, fmt.Sprintf("market cash: %v", err)
	}
	if cash.LessThan(amount) {
		return false, fmt.Sprintf("market cash %s below %s", cash, amount)
	}

	health, err := lending.AccountHealth(ctx, r.comp, r.prices, user)
	if err != nil {
		return false, err.Error()
	}
	if health.Shortfall.IsPositive() {
		return false, fmt.Sprintf("account has shortfall %s", health.Shortfall)
	}
	price, err := r.prices.PriceOf(ctx, m.Underlying())
	if err != nil {
		return false, err.Error()
	}
	minHF := r.risk.Params().MinHealthFactor
	if hf := health.ProjectedFactor(amount.Mul(price)); hf.LessThan(minHF) {
		return false, fmt.Sprintf("projected health factor %s below minimum %s", hf.StringFixed(4), minHF)
	}
	return true, ""
}

func (r *Router) reject(ctx context.Context, check string, user, market common.Address, rej *model.Rejection) error {
	metrics.AdmissionRejections.WithLabelValues(check).Inc()
	r.logger.WarnContext(ctx, "borrow rejected",
		"check", check,
		"user", user.Hex(),
		"market", market.Hex(),
		"reason", rej.Reason,
	)
	return rej
}
