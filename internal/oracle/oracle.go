// Package oracle provides USD price sources for underlying assets. A price
// of zero is never returned: implementations fail loudly with
// model.ErrOracleFailure instead.
package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/model"
)

// Oracle quotes an 18-decimal USD price for an asset.
type Oracle interface {
	PriceOf(ctx context.Context, asset common.Address) (decimal.Decimal, error)
}

// Static is an in-memory oracle. Used in development mode and tests.
type Static struct {
	mu     sync.RWMutex
	prices map[common.Address]decimal.Decimal
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{prices: make(map[common.Address]decimal.Decimal)}
}

// Set stores a price. Setting zero makes the asset fail on lookup.
func (s *Static) Set(asset common.Address, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = price
}

func (s *Static) PriceOf(_ context.Context, asset common.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	p, ok := s.prices[asset]
	s.mu.RUnlock()
	return checked(asset, p, ok)
}

func checked(asset common.Address, p decimal.Decimal, ok bool) (decimal.Decimal, error) {
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", model.ErrOracleFailure, asset.Hex())
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: price %s for %s", model.ErrOracleFailure, p, asset.Hex())
	}
	return p, nil
}
