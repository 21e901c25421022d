package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/borrow"
	"github.com/atmx/dual-engine/internal/lending"
	"github.com/atmx/dual-engine/internal/metrics"
	"github.com/atmx/dual-engine/internal/model"
	"github.com/atmx/dual-engine/internal/risk"
	"github.com/atmx/dual-engine/internal/vault"
)

// EnterWithCollateral opens a position backed by amount deposit units of
// the input market that the user has approved the vault to pull.
func (m *Manager) EnterWithCollateral(ctx context.Context, req EntryRequest) (common.Hash, error) {
	return m.enter(ctx, model.PathCollateral, req)
}

// EnterWithBorrow opens a position funded by borrowing the underlying
// worth amount deposit units of the input market against the user's
// existing collateral. The borrow goes straight into vault custody.
func (m *Manager) EnterWithBorrow(ctx context.Context, req EntryRequest) (common.Hash, error) {
	return m.enter(ctx, model.PathBorrow, req)
}

// EnterWithUserSuppliedUnderlying opens a position funded by amount of the
// input market's underlying that the user has approved the vault to pull.
// The position's notional is the deposit units that supply mints.
func (m *Manager) EnterWithUserSuppliedUnderlying(ctx context.Context, req EntryRequest) (common.Hash, error) {
	return m.enter(ctx, model.PathUnderlying, req)
}

// Enter dispatches on path.
func (m *Manager) Enter(ctx context.Context, path model.EntryPath, req EntryRequest) (common.Hash, error) {
	switch path {
	case model.PathCollateral, model.PathBorrow, model.PathUnderlying:
		return m.enter(ctx, path, req)
	default:
		return common.Hash{}, fmt.Errorf("%w: unknown entry path %q", model.ErrValidation, path)
	}
}

func (m *Manager) enter(ctx context.Context, path model.EntryPath, req EntryRequest) (common.Hash, error) {
	start := time.Now()
	var id common.Hash

	err := m.exec.Do(ctx, func(ctx context.Context) error {
		pr, err := m.prepare(ctx, path, req)
		if err != nil {
			return err
		}
		if err := m.guard.CheckEntry(ctx, req.User, req.InputMarket, pr.value, pr.collateralized()); err != nil {
			return err
		}
		if err := m.preflight(ctx, pr); err != nil {
			return err
		}
		ex, err := m.execute(ctx, pr)
		if err != nil {
			return err
		}
		m.commit(ctx, ex)
		id = ex.pos.ID
		return nil
	})

	metrics.EntryLatency.WithLabelValues(string(path)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EntriesTotal.WithLabelValues(string(path), "rejected").Inc()
		m.logger.WarnContext(ctx, "entry failed",
			"path", path,
			"user", req.User.Hex(),
			"input_market", req.InputMarket.Hex(),
			"amount", req.Amount.String(),
			"reason", model.Reason(err),
		)
		return common.Hash{}, err
	}
	metrics.EntriesTotal.WithLabelValues(string(path), "ok").Inc()
	return id, nil
}

// prepared is a validated, priced entry.
type prepared struct {
	path       model.EntryPath
	req        EntryRequest
	in, out    model.MarketParams
	value      decimal.Decimal // USD
	underlying decimal.Decimal // borrow path: underlying to borrow
}

func (p prepared) collateralized() bool {
	return p.path != model.PathBorrow
}

func (p prepared) riskEntry() risk.Entry {
	return risk.Entry{
		User:           p.req.User,
		Market:         p.req.InputMarket,
		ValueUSD:       p.value,
		Collateralized: p.collateralized(),
	}
}

func (m *Manager) prepare(ctx context.Context, path model.EntryPath, req EntryRequest) (prepared, error) {
	in, out, err := m.validate(req)
	if err != nil {
		return prepared{}, err
	}
	mkt, _ := m.comp.Market(req.InputMarket)
	pr := prepared{path: path, req: req, in: in, out: out}

	switch path {
	case model.PathUnderlying:
		price, err := m.prices.PriceOf(ctx, mkt.Underlying())
		if err != nil {
			return prepared{}, err
		}
		pr.value = req.Amount.Mul(price)
	default:
		pr.value, err = lending.UnderlyingValue(ctx, mkt, m.prices, req.Amount)
		if err != nil {
			return prepared{}, err
		}
		if path == model.PathBorrow {
			rate, err := mkt.ExchangeRate(ctx)
			if err != nil {
				return prepared{}, fmt.Errorf("manager: exchange rate: %w", err)
			}
			pr.underlying = req.Amount.Mul(rate).Truncate(18)
		}
	}
	return pr, nil
}

// preflight runs the borrow router's read-only check on the borrow path.
func (m *Manager) preflight(ctx context.Context, pr prepared) error {
	if pr.path != model.PathBorrow {
		return nil
	}
	if ok, reason := m.router.CanBorrow(ctx, pr.req.User, pr.req.InputMarket, pr.underlying); !ok {
		metrics.AdmissionRejections.WithLabelValues("can_borrow").Inc()
		return model.Reject("%s", reason)
	}
	return nil
}

// executed is an entry whose effects are applied but not yet announced.
type executed struct {
	pr      prepared
	pos     *model.Position
	receipt vault.Receipt
	fee     decimal.Decimal
	reward  decimal.Decimal
}

func (m *Manager) execute(ctx context.Context, pr prepared) (*executed, error) {
	req := pr.req
	seq, err := m.store.NextSequence(ctx, req.InputMarket)
	if err != nil {
		return nil, fmt.Errorf("manager: next sequence: %w", err)
	}
	id := model.DerivePositionID(model.IDTerms{
		Owner:      req.User,
		Underlying: pr.in.Underlying,
		Strike:     req.Strike,
		Expiry:     req.Expiry,
		Direction:  req.Direction,
		Sequence:   seq,
	})

	receipt, err := m.custody(ctx, pr)
	if err != nil {
		return nil, err
	}

	// Notional is always counted in deposit units of the input market. The
	// underlying path only learns that amount from the supply.
	notional := req.Amount
	if pr.path == model.PathUnderlying {
		notional = receipt.Minted
	}
	if !notional.IsPositive() {
		m.release(ctx, pr, receipt)
		return nil, fmt.Errorf("%w: %s underlying mints no deposit units", model.ErrSizeOutOfBounds, req.Amount)
	}

	pos := &model.Position{
		ID:           id,
		Owner:        req.User,
		InputMarket:  req.InputMarket,
		OutputMarket: req.OutputMarket,
		PriceAsset:   priceAsset(req, pr.in, pr.out),
		Notional:     notional,
		Locked:       receipt.Underlying,
		LockedUnits:  receipt.Minted,
		Strike:       req.Strike,
		Expiry:       req.Expiry.UTC(),
		Direction:    req.Direction,
		Sequence:     seq,
		Path:         pr.path,
		ValueUSD:     pr.value,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.CreatePosition(ctx, pos); err != nil {
		m.release(ctx, pr, receipt)
		return nil, fmt.Errorf("manager: persist position: %w", err)
	}

	// Exposure only grows; settlement does not hand it back.
	m.writer.UpdateUserPositionValue(req.User, decimal.Zero, pr.value)
	m.writer.UpdateMarketUtilization(req.InputMarket, decimal.Zero, pr.value)

	return &executed{
		pr:      pr,
		pos:     pos,
		receipt: receipt,
		fee:     pr.value.Mul(m.cfg.FeeRate),
		reward:  pr.value.Mul(m.cfg.RewardRate),
	}, nil
}

// custody moves the entry's funds into the vault.
func (m *Manager) custody(ctx context.Context, pr prepared) (vault.Receipt, error) {
	req := pr.req
	switch pr.path {
	case model.PathCollateral:
		return m.vault.RedeemAndLock(ctx, m.auth, req.User, req.InputMarket, req.Amount)

	case model.PathUnderlying:
		return m.vault.PullAndLock(ctx, m.auth, req.User, req.InputMarket, req.Amount)

	case model.PathBorrow:
		err := m.router.VerifyAndBorrow(ctx, req.User, req.InputMarket, pr.underlying, m.vault.Address())
		if errors.Is(err, borrow.ErrPostBorrowHealth) {
			m.repay(ctx, req.User, req.InputMarket, pr.underlying)
			return vault.Receipt{}, err
		}
		if err != nil {
			return vault.Receipt{}, err
		}
		r, err := m.vault.LockUnderlying(ctx, m.auth, req.User, req.InputMarket, pr.underlying)
		if err != nil {
			m.repay(ctx, req.User, req.InputMarket, pr.underlying)
			return vault.Receipt{}, err
		}
		return r, nil
	}
	return vault.Receipt{}, fmt.Errorf("%w: unknown entry path %q", model.ErrValidation, pr.path)
}

// repay unwinds a borrow whose proceeds sit unused in the vault.
func (m *Manager) repay(ctx context.Context, user, market common.Address, amount decimal.Decimal) {
	if err := m.vault.RepayFor(ctx, m.auth, user, market, amount); err != nil {
		m.logger.ErrorContext(ctx, "unwind borrow failed",
			"user", user.Hex(), "market", market.Hex(), "amount", amount.String(), "err", err)
	}
}

// release returns a lock's custody to the user.
func (m *Manager) release(ctx context.Context, pr prepared, r vault.Receipt) {
	var err error
	if pr.path == model.PathBorrow {
		err = m.vault.UnlockAndRepay(ctx, m.auth, pr.req.User, r)
	} else {
		err = m.vault.Unlock(ctx, m.auth, pr.req.User, r)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "release custody failed",
			"user", pr.req.User.Hex(), "market", r.Market.Hex(), "err", err)
	}
}

// compensate undoes execute for an entry that must not stand.
func (m *Manager) compensate(ctx context.Context, ex *executed) {
	if err := m.store.DiscardPosition(ctx, ex.pos.ID); err != nil {
		m.logger.ErrorContext(ctx, "discard position failed", "position_id", ex.pos.ID.Hex(), "err", err)
	}
	m.writer.UpdateUserPositionValue(ex.pr.req.User, ex.pr.value, decimal.Zero)
	m.writer.UpdateMarketUtilization(ex.pr.req.InputMarket, ex.pr.value, decimal.Zero)
	m.release(ctx, ex.pr, ex.receipt)
}

// commit books fees and rewards and announces the entry.
func (m *Manager) commit(ctx context.Context, ex *executed) {
	p := ex.pos
	m.mu.Lock()
	m.fees[p.InputMarket] = m.fees[p.InputMarket].Add(ex.fee)
	m.rewards[p.Owner] = m.rewards[p.Owner].Add(ex.reward)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "position created",
		"position_id", p.ID.Hex(),
		"user", p.Owner.Hex(),
		"path", p.Path,
		"input_market", p.InputMarket.Hex(),
		"output_market", p.OutputMarket.Hex(),
		"notional", p.Notional.String(),
		"locked_underlying", p.Locked.String(),
		"locked_units", p.LockedUnits.String(),
		"strike", p.Strike.String(),
		"expiry", p.Expiry,
		"direction", p.Direction.String(),
		"value_usd", p.ValueUSD.String(),
	)

	m.emit(ctx, model.Event{
		Type:       model.EventPositionCreated,
		PositionID: &p.ID,
		User:       &p.Owner,
		Market:     &p.InputMarket,
		Amount:     &p.Notional,
		Price:      &p.Strike,
		Direction:  p.Direction.String(),
		Detail:     string(p.Path),
	})
	if ex.fee.IsPositive() {
		m.emit(ctx, model.Event{
			Type:       model.EventFeeCollected,
			PositionID: &p.ID,
			User:       &p.Owner,
			Market:     &p.InputMarket,
			Amount:     &ex.fee,
		})
	}
	if ex.reward.IsPositive() {
		m.emit(ctx, model.Event{
			Type:       model.EventRewardAccrued,
			PositionID: &p.ID,
			User:       &p.Owner,
			Amount:     &ex.reward,
		})
	}
}
