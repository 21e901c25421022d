// Package model defines the core domain types shared across the dual
// investment engine. All monetary values use shopspring/decimal, never
// float64 for money.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Direction is the side of a position. CALL wins when the settlement price
// is at or above the strike, PUT wins when it is strictly below.
type Direction uint8

const (
	Call Direction = 0
	Put  Direction = 1
)

// Valid reports whether d is one of the two defined directions.
func (d Direction) Valid() bool {
	return d == Call || d == Put
}

func (d Direction) String() string {
	switch d {
	case Call:
		return "CALL"
	case Put:
		return "PUT"
	default:
		return "INVALID"
	}
}

// ParseDirection accepts "CALL" or "PUT", case-insensitively.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL":
		return Call, nil
	case "PUT":
		return Put, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// EntryPath records how the custody side of a position was funded.
type EntryPath string

const (
	PathCollateral EntryPath = "collateral"
	PathBorrow     EntryPath = "borrow"
	PathUnderlying EntryPath = "underlying"
)

// Position is created once by the position manager and never deleted.
// Only Settled ever changes after creation, and only false to true.
type Position struct {
	ID           common.Hash     `json:"id" db:"id"`
	Owner        common.Address  `json:"owner" db:"owner"`
	InputMarket  common.Address  `json:"input_market" db:"input_market"`
	OutputMarket common.Address  `json:"output_market" db:"output_market"`
	PriceAsset   common.Address  `json:"price_asset" db:"price_asset"` // underlying priced at settlement
	Notional     decimal.Decimal `json:"notional" db:"notional"`                   // deposit units of the input market
	Locked       decimal.Decimal `json:"locked_underlying" db:"locked_underlying"` // measured at entry
	LockedUnits  decimal.Decimal `json:"locked_units" db:"locked_units"`           // vault deposit units minted at entry
	Strike       decimal.Decimal `json:"strike" db:"strike"`
	Expiry       time.Time       `json:"expiry" db:"expiry"`
	Direction    Direction       `json:"direction" db:"direction"`
	Sequence     uint64          `json:"sequence" db:"sequence"`
	Path         EntryPath       `json:"path" db:"path"`
	ValueUSD     decimal.Decimal `json:"value_usd" db:"value_usd"`
	Settled      bool            `json:"settled" db:"settled"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Wins reports whether the position's direction wins at price.
func (p *Position) Wins(price decimal.Decimal) bool {
	if p.Direction == Call {
		return price.GreaterThanOrEqual(p.Strike)
	}
	return price.LessThan(p.Strike)
}

// PayoutMarket returns the market paid out at the given price: the output
// market when the direction wins, otherwise the input market.
func (p *Position) PayoutMarket(price decimal.Decimal) common.Address {
	if p.Wins(price) {
		return p.OutputMarket
	}
	return p.InputMarket
}

// Settleable reports whether now falls inside [expiry, expiry+window].
func (p *Position) Settleable(now time.Time, window time.Duration) bool {
	if p.Settled {
		return false
	}
	return !now.Before(p.Expiry) && !now.After(p.Expiry.Add(window))
}

// Settlement is the outcome of settling one holder's balance of a position.
type Settlement struct {
	PositionID   common.Hash     `json:"position_id"`
	Holder       common.Address  `json:"holder"`
	Price        decimal.Decimal `json:"price"`
	Won          bool            `json:"won"`
	PayoutMarket common.Address  `json:"payout_market"`
	Amount       decimal.Decimal `json:"amount"`    // burned balance, in deposit units
	Delivered    decimal.Decimal `json:"delivered"` // deposit units, or raw underlying when DeliveredRaw
	DeliveredRaw bool            `json:"delivered_raw"`
	Fallback     bool            `json:"fallback"` // paid via input withdrawal plus swap
	SettledAt    time.Time       `json:"settled_at"`
}

// MarketParams describes one supported lending market.
type MarketParams struct {
	Address        common.Address  `json:"address" toml:"address"`
	Underlying     common.Address  `json:"underlying" toml:"underlying"`
	Decimals       int32           `json:"decimals" toml:"decimals"` // deposit-unit precision
	UtilizationCap decimal.Decimal `json:"utilization_cap" toml:"utilization_cap"`
}

// MarketConfig is the static configuration consumed by entry validation
// and settlement.
type MarketConfig struct {
	Markets          map[common.Address]MarketParams
	MinNotional      decimal.Decimal
	MaxNotional      decimal.Decimal
	MinExpiry        time.Duration
	MaxExpiry        time.Duration
	SettlementWindow time.Duration
}

// Market returns the params for a supported market.
func (c *MarketConfig) Market(addr common.Address) (MarketParams, bool) {
	m, ok := c.Markets[addr]
	return m, ok
}

// VaultLedger is the per-market custody record kept by the vault.
type VaultLedger struct {
	Market   common.Address  `json:"market"`
	Supplied decimal.Decimal `json:"supplied"` // deposit units held by the vault
}
