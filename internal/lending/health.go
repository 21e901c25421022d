package lending

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MaxHealth stands in for the health factor of an account with no borrows.
var MaxHealth = decimal.New(1, 18)

// Health is an account's borrow position in USD.
type Health struct {
	Liquidity decimal.Decimal
	Shortfall decimal.Decimal
	Borrows   decimal.Decimal
}

// Collateral is the risk-weighted collateral implied by the snapshot.
func (h Health) Collateral() decimal.Decimal {
	return h.Borrows.Add(h.Liquidity).Sub(h.Shortfall)
}

// Factor is weighted collateral over borrows. Zero borrows is maximal.
func (h Health) Factor() decimal.Decimal {
	return h.ProjectedFactor(decimal.Zero)
}

// ProjectedFactor is the factor after borrowing a further extraUSD whose
// proceeds do not return to the account as collateral.
func (h Health) ProjectedFactor(extraUSD decimal.Decimal) decimal.Decimal {
	borrows := h.Borrows.Add(extraUSD)
	if !borrows.IsPositive() {
		return MaxHealth
	}
	return h.Collateral().DivRound(borrows, 18)
}

// AccountHealth snapshots account's liquidity and prices every open borrow.
func AccountHealth(ctx context.Context, c Comptroller, prices PriceSource, account common.Address) (Health, error) {
	liq, short, err := c.AccountLiquidity(ctx, account)
	if err != nil {
		return Health{}, fmt.Errorf("lending: account liquidity: %w", err)
	}

	borrows := decimal.Zero
	for _, m := range c.Markets() {
		bal, err := m.BorrowBalance(ctx, account)
		if err != nil {
			return Health{}, fmt.Errorf("lending: borrow balance %s: %w", m.Address().Hex(), err)
		}
		if bal.IsZero() {
			continue
		}
		price, err := prices.PriceOf(ctx, m.Underlying())
		if err != nil {
			return Health{}, err
		}
		borrows = borrows.Add(bal.Mul(price))
	}

	return Health{Liquidity: liq, Shortfall: short, Borrows: borrows}, nil
}

// UnderlyingValue converts deposit units of m into USD.
func UnderlyingValue(ctx context.Context, m Market, prices PriceSource, units decimal.Decimal) (decimal.Decimal, error) {
	rate, err := m.ExchangeRate(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lending: exchange rate: %w", err)
	}
	price, err := prices.PriceOf(ctx, m.Underlying())
	if err != nil {
		return decimal.Zero, err
	}
	return units.Mul(rate).Mul(price), nil
}
