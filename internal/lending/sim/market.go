package sim

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Market is one simulated lending market inside a World.
type Market struct {
	w          *World
	addr       common.Address
	underlying common.Address
	opts       MarketOptions
	debt       map[common.Address]decimal.Decimal
}

func (m *Market) Address() common.Address    { return m.addr }
func (m *Market) Underlying() common.Address { return m.underlying }
func (m *Market) Decimals() int32            { return m.opts.Decimals }

// SetExchangeRate moves the deposit-unit rate, e.g. to simulate accrual.
func (m *Market) SetExchangeRate(rate decimal.Decimal) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	m.opts.ExchangeRate = rate
}

// SetRedeemSpread sets the fraction of underlying withheld on redeem.
func (m *Market) SetRedeemSpread(spread decimal.Decimal) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	m.opts.RedeemSpread = spread
}

func (m *Market) Redeem(_ context.Context, account common.Address, amount decimal.Decimal) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	out := amount.Mul(m.opts.ExchangeRate).
		Mul(decimal.NewFromInt(1).Sub(m.opts.RedeemSpread)).
		Truncate(UnderlyingDecimals)
	cash := m.w.balance(m.underlying, m.addr)
	if cash.LessThan(out) {
		return fmt.Errorf("%w: cash %s, need %s", ErrInsufficientCash, cash, out)
	}
	if err := m.w.debit(m.addr, account, amount); err != nil {
		return err
	}
	return m.w.move(m.underlying, m.addr, account, out)
}

func (m *Market) Supply(_ context.Context, account common.Address, underlying decimal.Decimal) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	if err := m.w.move(m.underlying, account, m.addr, underlying); err != nil {
		return err
	}
	minted := underlying.Div(m.opts.ExchangeRate).Truncate(m.opts.Decimals)
	m.w.credit(m.addr, account, minted)
	return nil
}

func (m *Market) Borrow(_ context.Context, borrower, recipient common.Address, amount decimal.Decimal) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	if err := m.w.move(m.underlying, m.addr, recipient, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientCash, err)
	}
	m.debt[borrower] = m.debt[borrower].Add(amount)
	return nil
}

func (m *Market) Repay(_ context.Context, payer, borrower common.Address, amount decimal.Decimal) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	owed := m.debt[borrower]
	if amount.GreaterThan(owed) {
		amount = owed
	}
	if err := m.w.move(m.underlying, payer, m.addr, amount); err != nil {
		return err
	}
	m.debt[borrower] = owed.Sub(amount)
	return nil
}

func (m *Market) ExchangeRate(context.Context) (decimal.Decimal, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	return m.opts.ExchangeRate, nil
}

func (m *Market) BalanceOf(_ context.Context, account common.Address) (decimal.Decimal, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	return m.w.balance(m.addr, account), nil
}

func (m *Market) BorrowBalance(_ context.Context, account common.Address) (decimal.Decimal, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	return m.debt[account], nil
}

func (m *Market) Cash(context.Context) (decimal.Decimal, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	return m.w.balance(m.underlying, m.addr), nil
}
