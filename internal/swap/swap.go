// Package swap declares the exchange capability used as the settlement
// payout fallback, and a simulated two-route exchange for development and
// tests.
package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/lending"
)

// Route selects a routing strategy.
type Route uint8

const (
	RouteConcentrated Route = iota
	RouteConstantProduct
)

func (r Route) String() string {
	switch r {
	case RouteConcentrated:
		return "concentrated"
	case RouteConstantProduct:
		return "constant_product"
	default:
		return fmt.Sprintf("route(%d)", uint8(r))
	}
}

// DefaultRoutes is the preference order: concentrated liquidity first.
var DefaultRoutes = []Route{RouteConcentrated, RouteConstantProduct}

var (
	ErrRouteUnavailable = errors.New("swap: route unavailable")
	ErrSlippage         = errors.New("swap: output below minimum")
)

// Exchange swaps tokenIn held by payer for tokenOut delivered to recipient.
type Exchange interface {
	Quote(ctx context.Context, route Route, tokenIn, tokenOut common.Address, amountIn decimal.Decimal) (decimal.Decimal, error)
	Swap(ctx context.Context, route Route, tokenIn, tokenOut common.Address, amountIn, minOut decimal.Decimal, payer, recipient common.Address) (decimal.Decimal, error)
}

// Simulated prices swaps off an oracle with a per-route fee and settles
// against its own inventory in the token ledger.
type Simulated struct {
	addr   common.Address
	tokens lending.Tokens
	prices lending.PriceSource

	mu       sync.Mutex
	fees     map[Route]decimal.Decimal
	disabled map[Route]bool
}

// NewSimulated creates an exchange whose inventory lives at addr.
func NewSimulated(addr common.Address, tokens lending.Tokens, prices lending.PriceSource) *Simulated {
	return &Simulated{
		addr:   addr,
		tokens: tokens,
		prices: prices,
		fees: map[Route]decimal.Decimal{
			RouteConcentrated:    decimal.NewFromFloat(0.0005),
			RouteConstantProduct: decimal.NewFromFloat(0.003),
		},
		disabled: make(map[Route]bool),
	}
}

// Address is the account holding the exchange inventory.
func (s *Simulated) Address() common.Address { return s.addr }

// SetEnabled toggles a route.
func (s *Simulated) SetEnabled(route Route, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[route] = !enabled
}

func (s *Simulated) Quote(ctx context.Context, route Route, tokenIn, tokenOut common.Address, amountIn decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	fee, known := s.fees[route]
	off := s.disabled[route]
	s.mu.Unlock()
	if !known || off {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrRouteUnavailable, route)
	}

	pin, err := s.prices.PriceOf(ctx, tokenIn)
	if err != nil {
		return decimal.Zero, err
	}
	pout, err := s.prices.PriceOf(ctx, tokenOut)
	if err != nil {
		return decimal.Zero, err
	}
	out := amountIn.Mul(pin).Div(pout).Mul(decimal.NewFromInt(1).Sub(fee))
	return out.Truncate(18), nil
}

func (s *Simulated) Swap(ctx context.Context, route Route, tokenIn, tokenOut common.Address, amountIn, minOut decimal.Decimal, payer, recipient common.Address) (decimal.Decimal, error) {
	out, err := s.Quote(ctx, route, tokenIn, tokenOut, amountIn)
	if err != nil {
		return decimal.Zero, err
	}
	if out.LessThan(minOut) {
		return decimal.Zero, fmt.Errorf("%w: %s < %s", ErrSlippage, out, minOut)
	}
	inventory, err := s.tokens.BalanceOf(ctx, tokenOut, s.addr)
	if err != nil {
		return decimal.Zero, err
	}
	if inventory.LessThan(out) {
		return decimal.Zero, fmt.Errorf("%w: %s inventory %s", ErrRouteUnavailable, route, inventory)
	}
	if err := s.tokens.Transfer(ctx, tokenIn, payer, s.addr, amountIn); err != nil {
		return decimal.Zero, fmt.Errorf("swap: pull input: %w", err)
	}
	if err := s.tokens.Transfer(ctx, tokenOut, s.addr, recipient, out); err != nil {
		return decimal.Zero, fmt.Errorf("swap: deliver output: %w", err)
	}
	return out, nil
}
