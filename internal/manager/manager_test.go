package manager_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/enginetest"
	"github.com/atmx/dual-engine/internal/manager"
	"github.com/atmx/dual-engine/internal/model"
)

var d = enginetest.D

func TestEnter_Validation(t *testing.T) {
	h := enginetest.New(t)
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, d("100"))
	base := h.Request(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "1")

	tests := []struct {
		name   string
		mutate func(r *manager.EntryRequest)
		want   error
	}{
		{"unsupported input", func(r *manager.EntryRequest) { r.InputMarket = common.HexToAddress("0x99") }, model.ErrUnsupportedAsset},
		{"unsupported output", func(r *manager.EntryRequest) { r.OutputMarket = common.HexToAddress("0x99") }, model.ErrUnsupportedAsset},
		{"same markets", func(r *manager.EntryRequest) { r.OutputMarket = r.InputMarket }, model.ErrUnsupportedAsset},
		{"zero amount", func(r *manager.EntryRequest) { r.Amount = decimal.Zero }, model.ErrSizeOutOfBounds},
		{"below minimum", func(r *manager.EntryRequest) { r.Amount = d("0.5") }, model.ErrSizeOutOfBounds},
		{"above maximum", func(r *manager.EntryRequest) { r.Amount = d("1000001") }, model.ErrSizeOutOfBounds},
		{"bad direction", func(r *manager.EntryRequest) { r.Direction = 7 }, model.ErrInvalidDirection},
		{"zero strike", func(r *manager.EntryRequest) { r.Strike = decimal.Zero }, model.ErrInvalidStrike},
		{"sub-unit strike", func(r *manager.EntryRequest) { r.Strike = d("0.0000000000000000001") }, model.ErrInvalidStrike},
		{"past expiry", func(r *manager.EntryRequest) { r.Expiry = enginetest.Start.Add(-time.Minute) }, model.ErrExpiryOutOfBounds},
		{"expiry too soon", func(r *manager.EntryRequest) { r.Expiry = enginetest.Start.Add(30 * time.Second) }, model.ErrExpiryOutOfBounds},
		{"expiry too far", func(r *manager.EntryRequest) { r.Expiry = enginetest.Start.Add(31 * 24 * time.Hour) }, model.ErrExpiryOutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := h.Manager.EnterWithCollateral(h.Ctx, req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}

	enginetest.ExpectDecimal(t, "alice units untouched", d("100"), h.Balance(enginetest.CUSDC, enginetest.Alice))
	if n := len(h.Events.Events()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestEnterWithCollateral(t *testing.T) {
	h := enginetest.New(t)
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, d("100"))
	req := h.Request(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "1.05")

	id, err := h.Manager.EnterWithCollateral(h.Ctx, req)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	want := model.DerivePositionID(model.IDTerms{
		Owner:      enginetest.Alice,
		Underlying: enginetest.USDC,
		Strike:     req.Strike,
		Expiry:     req.Expiry,
		Direction:  model.Call,
		Sequence:   1,
	})
	if id != want {
		t.Errorf("expected id %s, got %s", want.Hex(), id.Hex())
	}

	p, err := h.Store.GetPosition(h.Ctx, id)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if p.Owner != enginetest.Alice || p.Path != model.PathCollateral || p.PriceAsset != enginetest.USDC {
		t.Errorf("unexpected position %+v", p)
	}
	if p.Settled {
		t.Error("expected new position active")
	}
	enginetest.ExpectDecimal(t, "notional", d("100"), p.Notional)
	enginetest.ExpectDecimal(t, "locked", d("100"), p.Locked)
	enginetest.ExpectDecimal(t, "value", d("100"), p.ValueUSD)

	bal, _ := h.Store.BalanceOf(h.Ctx, id, enginetest.Alice)
	enginetest.ExpectDecimal(t, "owner balance", d("100"), bal)
	enginetest.ExpectDecimal(t, "alice units", decimal.Zero, h.Balance(enginetest.CUSDC, enginetest.Alice))
	enginetest.ExpectDecimal(t, "supplied", d("100"), h.Supplied(enginetest.CUSDC))

	enginetest.ExpectDecimal(t, "exposure", d("100"), h.State.UserPositionValue(enginetest.Alice))
	enginetest.ExpectDecimal(t, "utilization", d("100"), h.State.MarketUtilization(enginetest.CUSDC))
	enginetest.ExpectDecimal(t, "fees", d("0.1"), h.Manager.FeesCollected(enginetest.CUSDC))
	enginetest.ExpectDecimal(t, "rewards", d("1"), h.Manager.Rewards(enginetest.Alice))

	for _, typ := range []model.EventType{model.EventPositionCreated, model.EventFeeCollected, model.EventRewardAccrued} {
		if n := len(h.Events.OfType(typ)); n != 1 {
			t.Errorf("expected 1 %s event, got %d", typ, n)
		}
	}
}

func TestEnter_SequenceKeepsIdenticalTermsDistinct(t *testing.T) {
	h := enginetest.New(t)
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, d("200"))
	req := h.Request(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "1")

	a, err := h.Manager.EnterWithCollateral(h.Ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := h.Manager.EnterWithCollateral(h.Ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if a == b {
		t.Error("expected distinct ids for identical terms")
	}
}

func TestEnterWithUserSuppliedUnderlying(t *testing.T) {
	h := enginetest.New(t)
	h.FundUnderlying(enginetest.Alice, enginetest.CWETH, d("2"))

	id, err := h.Manager.EnterWithUserSuppliedUnderlying(h.Ctx,
		h.Request(enginetest.Alice, enginetest.CWETH, enginetest.CUSDC, "2", model.Put, "1"))
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	p, _ := h.Store.GetPosition(h.Ctx, id)
	if p.PriceAsset != enginetest.USDC {
		t.Errorf("expected PUT priced on output underlying, got %s", p.PriceAsset.Hex())
	}
	enginetest.ExpectDecimal(t, "value", d("4000"), p.ValueUSD)
	enginetest.ExpectDecimal(t, "locked", d("2"), p.Locked)
	enginetest.ExpectDecimal(t, "alice WETH", decimal.Zero, h.Balance(enginetest.WETH, enginetest.Alice))
	enginetest.ExpectDecimal(t, "supplied", d("2"), h.Supplied(enginetest.CWETH))
}

func TestEnterWithBorrow(t *testing.T) {
	h := enginetest.New(t)
	h.FundDeposit(enginetest.Alice, enginetest.CWETH, d("10"))

	id, err := h.Manager.EnterWithBorrow(h.Ctx,
		h.Request(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "1"))
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	p, _ := h.Store.GetPosition(h.Ctx, id)
	if p.Path != model.PathBorrow {
		t.Errorf("expected borrow path, got %s", p.Path)
	}
	enginetest.ExpectDecimal(t, "locked", d("100"), p.Locked)

	debt, _ := h.USDCMkt.BorrowBalance(h.Ctx, enginetest.Alice)
	enginetest.ExpectDecimal(t, "debt", d("100"), debt)
	enginetest.ExpectDecimal(t, "supplied", d("100"), h.Supplied(enginetest.CUSDC))
	enginetest.ExpectDecimal(t, "alice USDC", decimal.Zero, h.Balance(enginetest.USDC, enginetest.Alice))
}

func TestEnter_NotionalCountsDepositUnits(t *testing.T) {
	tests := []struct {
		path     model.EntryPath
		amount   string
		notional string
		locked   string
	}{
		{model.PathCollateral, "100", "100", "2"},
		{model.PathBorrow, "100", "100", "2"},
		{model.PathUnderlying, "3", "150", "3"},
	}

	for _, tt := range tests {
		t.Run(string(tt.path), func(t *testing.T) {
			h := enginetest.New(t)
			h.USDCMkt.SetExchangeRate(d("0.02"))
			switch tt.path {
			case model.PathCollateral:
				h.FundDeposit(enginetest.Alice, enginetest.CUSDC, d("2"))
			case model.PathBorrow:
				h.FundDeposit(enginetest.Alice, enginetest.CWETH, d("10"))
			case model.PathUnderlying:
				h.FundUnderlying(enginetest.Alice, enginetest.CUSDC, d("3"))
			}

			id, err := h.Manager.Enter(h.Ctx, tt.path,
				h.Request(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, tt.amount, model.Call, "1"))
			if err != nil {
				t.Fatalf("enter: %v", err)
			}
			p, _ := h.Store.GetPosition(h.Ctx, id)
			enginetest.ExpectDecimal(t, "notional", d(tt.notional), p.Notional)
			enginetest.ExpectDecimal(t, "locked", d(tt.locked), p.Locked)
			enginetest.ExpectDecimal(t, "locked units", d(tt.notional), p.LockedUnits)
			bal, _ := h.Store.BalanceOf(h.Ctx, id, enginetest.Alice)
			enginetest.ExpectDecimal(t, "owner balance", d(tt.notional), bal)
			enginetest.ExpectDecimal(t, "held", d(tt.notional), h.Held(enginetest.CUSDC))
		})
	}
}

func TestEnterWithBorrow_RejectedWithoutCollateral(t *testing.T) {
	h := enginetest.New(t)

	_, err := h.Manager.EnterWithBorrow(h.Ctx,
		h.Request(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "1"))
	if !errors.Is(err, model.ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected, got %v", err)
	}
	debt, _ := h.USDCMkt.BorrowBalance(h.Ctx, enginetest.Alice)
	enginetest.ExpectDecimal(t, "debt", decimal.Zero, debt)
	enginetest.ExpectDecimal(t, "exposure", decimal.Zero, h.State.UserPositionValue(enginetest.Alice))
}

func TestEnter_PausedLeavesFundsUntouched(t *testing.T) {
	h := enginetest.New(t)
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, d("100"))
	h.Guard.SetGlobalPause(h.Ctx, true)

	_, err := h.Manager.EnterWithCollateral(h.Ctx,
		h.Request(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "1"))
	if !errors.Is(err, model.ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected, got %v", err)
	}
	enginetest.ExpectDecimal(t, "alice units", d("100"), h.Balance(enginetest.CUSDC, enginetest.Alice))
	if ps, _ := h.Store.ListPositionsByOwner(h.Ctx, enginetest.Alice); len(ps) != 0 {
		t.Errorf("expected no positions, got %d", len(ps))
	}
}

func TestEnter_ReentryRejected(t *testing.T) {
	h := enginetest.New(t)
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, d("100"))

	err := h.Executor.Do(h.Ctx, func(ctx context.Context) error {
		_, err := h.Manager.EnterWithCollateral(ctx,
			h.Request(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "1"))
		return err
	})
	if !errors.Is(err, model.ErrReentrant) {
		t.Errorf("expected ErrReentrant, got %v", err)
	}
}

func TestEnter_UnknownPath(t *testing.T) {
	h := enginetest.New(t)
	_, err := h.Manager.Enter(h.Ctx, model.EntryPath("margin"),
		h.Request(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "1"))
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	h := enginetest.New(t)
	p := h.OpenCollateral(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "2")

	if err := h.Manager.Transfer(h.Ctx, p.ID, enginetest.Alice, enginetest.Bob, d("30")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	holders, _ := h.Store.Holders(h.Ctx, p.ID)
	enginetest.ExpectDecimal(t, "alice", d("70"), holders[enginetest.Alice])
	enginetest.ExpectDecimal(t, "bob", d("30"), holders[enginetest.Bob])

	if err := h.Manager.Transfer(h.Ctx, p.ID, enginetest.Bob, enginetest.Carol, d("31")); !errors.Is(err, model.ErrZeroBalance) {
		t.Errorf("expected ErrZeroBalance on overdraw, got %v", err)
	}

	h.Clock.Advance(time.Hour)
	for _, holder := range []common.Address{enginetest.Alice, enginetest.Bob} {
		if _, err := h.Engine.Settle(h.Ctx, p.ID, holder); err != nil {
			t.Fatalf("settle: %v", err)
		}
	}
	if err := h.Manager.Transfer(h.Ctx, p.ID, enginetest.Bob, enginetest.Carol, d("1")); !errors.Is(err, model.ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestExpiryBounds(t *testing.T) {
	h := enginetest.New(t)
	lo, hi := h.Manager.ExpiryBounds()
	if !lo.Equal(enginetest.Start.Add(time.Minute)) {
		t.Errorf("expected min %s, got %s", enginetest.Start.Add(time.Minute), lo)
	}
	if !hi.Equal(enginetest.Start.Add(30 * 24 * time.Hour)) {
		t.Errorf("expected max %s, got %s", enginetest.Start.Add(30*24*time.Hour), hi)
	}
}

func batchOf(h *enginetest.Harness, path model.EntryPath, users []common.Address, amounts ...string) manager.BatchRequest {
	b := manager.BatchRequest{Path: path}
	for i, u := range users {
		b.Users = append(b.Users, u)
		b.InputMarkets = append(b.InputMarkets, enginetest.CUSDC)
		b.OutputMarkets = append(b.OutputMarkets, enginetest.CWETH)
		b.Amounts = append(b.Amounts, d(amounts[i]))
		b.Directions = append(b.Directions, model.Call)
		b.Strikes = append(b.Strikes, d("1"))
		b.Expiries = append(b.Expiries, h.Clock.Now().Add(time.Hour))
	}
	return b
}

func TestBatchEnter(t *testing.T) {
	h := enginetest.New(t)
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, d("100"))
	h.FundDeposit(enginetest.Bob, enginetest.CUSDC, d("50"))

	ids, err := h.Manager.BatchEnter(h.Ctx, batchOf(h, model.PathCollateral,
		[]common.Address{enginetest.Alice, enginetest.Bob}, "100", "50"))
	if err != nil {
		t.Fatalf("batch enter: %v", err)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected 2 distinct ids, got %v", ids)
	}
	enginetest.ExpectDecimal(t, "supplied", d("150"), h.Supplied(enginetest.CUSDC))
	enginetest.ExpectDecimal(t, "utilization", d("150"), h.State.MarketUtilization(enginetest.CUSDC))
	if n := len(h.Events.OfType(model.EventPositionCreated)); n != 2 {
		t.Errorf("expected 2 created events, got %d", n)
	}
}

func TestBatchEnter_FailureUnwindsEarlierItems(t *testing.T) {
	h := enginetest.New(t)
	h.FundDeposit(enginetest.Alice, enginetest.CUSDC, d("100"))
	h.FundDeposit(enginetest.Bob, enginetest.CUSDC, d("50"))
	// Carol never funds her deposit, so her custody step fails.

	_, err := h.Manager.BatchEnter(h.Ctx, batchOf(h, model.PathCollateral,
		[]common.Address{enginetest.Alice, enginetest.Bob, enginetest.Carol}, "100", "50", "10"))
	if err == nil || !strings.Contains(err.Error(), "batch item 2") {
		t.Fatalf("expected item 2 to fail the batch, got %v", err)
	}

	for _, u := range []common.Address{enginetest.Alice, enginetest.Bob} {
		if ps, _ := h.Store.ListPositionsByOwner(h.Ctx, u); len(ps) != 0 {
			t.Errorf("expected no positions for %s, got %d", u.Hex(), len(ps))
		}
		enginetest.ExpectDecimal(t, "exposure", decimal.Zero, h.State.UserPositionValue(u))
		enginetest.ExpectDecimal(t, "rewards", decimal.Zero, h.Manager.Rewards(u))
	}
	enginetest.ExpectDecimal(t, "alice units", d("100"), h.Balance(enginetest.CUSDC, enginetest.Alice))
	enginetest.ExpectDecimal(t, "bob units", d("50"), h.Balance(enginetest.CUSDC, enginetest.Bob))
	enginetest.ExpectDecimal(t, "supplied", decimal.Zero, h.Supplied(enginetest.CUSDC))
	enginetest.ExpectDecimal(t, "utilization", decimal.Zero, h.State.MarketUtilization(enginetest.CUSDC))
	enginetest.ExpectDecimal(t, "fees", decimal.Zero, h.Manager.FeesCollected(enginetest.CUSDC))
	if n := len(h.Events.OfType(model.EventPositionCreated)); n != 0 {
		t.Errorf("expected no created events, got %d", n)
	}
}

func TestBatchEnter_CumulativeRisk(t *testing.T) {
	h := enginetest.New(t)
	h.FundDeposit(enginetest.Alice, enginetest.CWETH, d("10"))

	_, err := h.Manager.BatchEnter(h.Ctx, batchOf(h, model.PathBorrow,
		[]common.Address{enginetest.Alice, enginetest.Alice}, "4000", "4000"))
	if !errors.Is(err, model.ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "batch item 1") {
		t.Errorf("expected item 1 rejected, got %v", err)
	}
	debt, _ := h.USDCMkt.BorrowBalance(h.Ctx, enginetest.Alice)
	enginetest.ExpectDecimal(t, "debt", decimal.Zero, debt)
}

func TestBatchEnter_Shape(t *testing.T) {
	h := enginetest.New(t)

	b := batchOf(h, model.PathCollateral, []common.Address{enginetest.Alice, enginetest.Bob}, "1", "1")
	b.Amounts = b.Amounts[:1]
	if _, err := h.Manager.BatchEnter(h.Ctx, b); !errors.Is(err, model.ErrBatchLength) {
		t.Errorf("expected ErrBatchLength on ragged arrays, got %v", err)
	}
	if _, err := h.Manager.BatchEnter(h.Ctx, manager.BatchRequest{Path: model.PathCollateral}); !errors.Is(err, model.ErrBatchLength) {
		t.Errorf("expected ErrBatchLength on empty batch, got %v", err)
	}
	b = batchOf(h, "margin", []common.Address{enginetest.Alice}, "1")
	if _, err := h.Manager.BatchEnter(h.Ctx, b); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation on unknown path, got %v", err)
	}
}
