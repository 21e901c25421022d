package risk

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Params are the tunable admission parameters.
type Params struct {
	// MinHealthFactor is the lowest health factor an indebted account may
	// have and still open an uncollateralized position.
	MinHealthFactor decimal.Decimal `json:"min_health_factor"`

	// MaxPositionSizeRatio caps a user's total open position value as a
	// fraction of the account's liquidity.
	MaxPositionSizeRatio decimal.Decimal `json:"max_position_size_ratio"`
}

// Validate checks that params are within usable ranges.
func (p Params) Validate() error {
	if !p.MinHealthFactor.IsPositive() {
		return fmt.Errorf("min_health_factor must be > 0, got %s", p.MinHealthFactor)
	}
	if !p.MaxPositionSizeRatio.IsPositive() {
		return fmt.Errorf("max_position_size_ratio must be > 0, got %s", p.MaxPositionSizeRatio)
	}
	return nil
}

// State is the mutable risk state: per-user open position value,
// per-market utilization, pause flags and the whitelist. Exposure counters
// only change through a Writer.
type State struct {
	mu           sync.RWMutex
	params       Params
	userValue    map[common.Address]decimal.Decimal
	marketUtil   map[common.Address]decimal.Decimal
	utilCap      map[common.Address]decimal.Decimal
	globalPaused bool
	marketPaused map[common.Address]bool
	whitelist    map[common.Address]bool
}

// Writer is the capability to move exposure counters. NewState hands out
// the only one; the position manager holds it.
type Writer struct {
	s *State
}

// NewState creates risk state with the given params and per-market
// utilization caps (USD; zero means uncapped).
func NewState(params Params, caps map[common.Address]decimal.Decimal) (*State, *Writer) {
	s := &State{
		params:       params,
		userValue:    make(map[common.Address]decimal.Decimal),
		marketUtil:   make(map[common.Address]decimal.Decimal),
		utilCap:      make(map[common.Address]decimal.Decimal),
		marketPaused: make(map[common.Address]bool),
		whitelist:    make(map[common.Address]bool),
	}
	for m, c := range caps {
		s.utilCap[m] = c
	}
	return s, &Writer{s: s}
}

func (s *State) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

func (s *State) UserPositionValue(user common.Address) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userValue[user]
}

func (s *State) MarketUtilization(market common.Address) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marketUtil[market]
}

func (s *State) UtilizationCap(market common.Address) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.utilCap[market]
}

func (s *State) GlobalPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalPaused
}

func (s *State) MarketPaused(market common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marketPaused[market]
}

func (s *State) Whitelisted(user common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.whitelist[user]
}

// UpdateUserPositionValue subtracts old from the user's counter, floored
// at zero, then adds next.
func (w *Writer) UpdateUserPositionValue(user common.Address, old, next decimal.Decimal) decimal.Decimal {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	v := rebase(w.s.userValue[user], old, next)
	w.s.userValue[user] = v
	return v
}

// UpdateMarketUtilization subtracts old from the market's counter, floored
// at zero, then adds next.
func (w *Writer) UpdateMarketUtilization(market common.Address, old, next decimal.Decimal) decimal.Decimal {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	v := rebase(w.s.marketUtil[market], old, next)
	w.s.marketUtil[market] = v
	return v
}

func rebase(cur, old, next decimal.Decimal) decimal.Decimal {
	v := cur.Sub(old)
	if v.IsNegative() {
		v = decimal.Zero
	}
	return v.Add(next)
}
