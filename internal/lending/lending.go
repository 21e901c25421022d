// Package lending declares the capabilities the engine consumes from the
// external lending market: per-market supply/redeem/borrow primitives, the
// account-level liquidity view, and the token ledger that custody transfers
// go through. The market itself is out of scope; implementations live
// elsewhere (see package sim for the in-memory one).
package lending

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Market is a single lending market. Its deposit unit is a yield-bearing
// token whose address is the market address.
type Market interface {
	Address() common.Address
	Underlying() common.Address

	// Decimals is the precision of the deposit unit.
	Decimals() int32

	// Redeem burns amount deposit units held by account and credits the
	// underlying to account. Fails when the market lacks cash.
	Redeem(ctx context.Context, account common.Address, amount decimal.Decimal) error

	// Supply pulls underlying from account and mints deposit units to it.
	Supply(ctx context.Context, account common.Address, underlying decimal.Decimal) error

	// Borrow records debt against borrower and sends the underlying to
	// recipient.
	Borrow(ctx context.Context, borrower, recipient common.Address, amount decimal.Decimal) error

	// Repay pays down borrower's debt with underlying held by payer.
	Repay(ctx context.Context, payer, borrower common.Address, amount decimal.Decimal) error

	// ExchangeRate is underlying per deposit unit.
	ExchangeRate(ctx context.Context) (decimal.Decimal, error)

	BalanceOf(ctx context.Context, account common.Address) (decimal.Decimal, error)
	BorrowBalance(ctx context.Context, account common.Address) (decimal.Decimal, error)
	Cash(ctx context.Context) (decimal.Decimal, error)
}

// Comptroller is the account-level view across all markets.
type Comptroller interface {
	Market(addr common.Address) (Market, bool)
	Markets() []Market

	// AccountLiquidity returns the USD excess (liquidity) or deficit
	// (shortfall) of risk-weighted collateral over borrows.
	AccountLiquidity(ctx context.Context, account common.Address) (liquidity, shortfall decimal.Decimal, err error)

	// BorrowAllowed returns nil when borrower may borrow amount of the
	// market's underlying.
	BorrowAllowed(ctx context.Context, market, borrower common.Address, amount decimal.Decimal) error
}

// Tokens is the fungible token ledger for both deposit units and
// underlying assets.
type Tokens interface {
	BalanceOf(ctx context.Context, token, account common.Address) (decimal.Decimal, error)

	// Transfer moves tokens owned by from.
	Transfer(ctx context.Context, token, from, to common.Address, amount decimal.Decimal) error

	// TransferFrom moves tokens owned by from using spender's allowance.
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount decimal.Decimal) error
}

// PriceSource quotes USD prices for underlying assets.
type PriceSource interface {
	PriceOf(ctx context.Context, asset common.Address) (decimal.Decimal, error)
}
