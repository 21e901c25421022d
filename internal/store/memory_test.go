package store_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/model"
	"github.com/atmx/dual-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	owner  = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	other  = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	market = common.HexToAddress("0x00000000000000000000000000000000000c0001")
	now    = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
)

func seedPosition(t *testing.T, s *store.MemoryStore, seq uint64, expiry time.Time) *model.Position {
	t.Helper()
	p := &model.Position{
		ID:           common.BigToHash(new(big.Int).SetUint64(seq)),
		Owner:        owner,
		InputMarket:  market,
		OutputMarket: common.HexToAddress("0x00000000000000000000000000000000000c0002"),
		Notional:     d("100"),
		Locked:       d("100"),
		Strike:       d("20"),
		Expiry:       expiry,
		Direction:    model.Call,
		Sequence:     seq,
		Path:         model.PathCollateral,
		ValueUSD:     d("100"),
		CreatedAt:    now.Add(time.Duration(seq) * time.Second),
	}
	if err := s.CreatePosition(context.Background(), p); err != nil {
		t.Fatalf("create position: %v", err)
	}
	return p
}

func settlement(p *model.Position, holder common.Address, amount, price string) *model.Settlement {
	return &model.Settlement{
		PositionID:   p.ID,
		Holder:       holder,
		Price:        d(price),
		Won:          true,
		PayoutMarket: p.OutputMarket,
		Amount:       d(amount),
		SettledAt:    now,
	}
}

func TestCreatePosition_MintsNotionalToOwner(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := seedPosition(t, s, 1, now.Add(time.Hour))

	bal, _ := s.BalanceOf(ctx, p.ID, owner)
	if !bal.Equal(d("100")) {
		t.Errorf("expected owner balance 100, got %s", bal)
	}
	if err := s.CreatePosition(ctx, p); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := s.GetPosition(ctx, common.Hash{}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := seedPosition(t, s, 1, now.Add(time.Hour))

	if err := s.Transfer(ctx, p.ID, owner, other, d("40")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	holders, _ := s.Holders(ctx, p.ID)
	if len(holders) != 2 || !holders[owner].Equal(d("60")) || !holders[other].Equal(d("40")) {
		t.Errorf("expected 60/40 split, got %v", holders)
	}

	if err := s.Transfer(ctx, p.ID, other, owner, d("41")); !errors.Is(err, model.ErrZeroBalance) {
		t.Errorf("expected ErrZeroBalance on overdraw, got %v", err)
	}
	if err := s.Transfer(ctx, p.ID, owner, other, decimal.Zero); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation on zero amount, got %v", err)
	}
}

func TestApplySettlement_CachesFirstPrice(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := seedPosition(t, s, 1, now)
	s.Transfer(ctx, p.ID, owner, other, d("40"))

	settled, err := s.ApplySettlement(ctx, settlement(p, owner, "60", "25"))
	if err != nil {
		t.Fatalf("first settlement: %v", err)
	}
	if settled {
		t.Error("expected position to stay open while other holds balance")
	}

	// A later settlement carrying a different price must not move the cache.
	settled, err = s.ApplySettlement(ctx, settlement(p, other, "40", "30"))
	if err != nil {
		t.Fatalf("second settlement: %v", err)
	}
	if !settled {
		t.Error("expected position settled once no balance remains")
	}

	price, ok, _ := s.SettlementPrice(ctx, p.ID)
	if !ok || !price.Equal(d("25")) {
		t.Errorf("expected cached price 25, got %s (cached=%v)", price, ok)
	}
	if _, err := s.ApplySettlement(ctx, settlement(p, owner, "60", "25")); !errors.Is(err, model.ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}
	if err := s.Transfer(ctx, p.ID, other, owner, d("1")); !errors.Is(err, model.ErrAlreadySettled) {
		t.Errorf("expected transfer of settled position to fail, got %v", err)
	}
}

func TestApplySettlement_RejectsStaleAmount(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := seedPosition(t, s, 1, now)

	if _, err := s.ApplySettlement(ctx, settlement(p, owner, "50", "25")); err == nil {
		t.Fatal("expected error when burn amount differs from balance")
	}
	if _, err := s.ApplySettlement(ctx, settlement(p, other, "50", "25")); !errors.Is(err, model.ErrZeroBalance) {
		t.Errorf("expected ErrZeroBalance, got %v", err)
	}
}

func TestRevertSettlement(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := seedPosition(t, s, 1, now)

	st := settlement(p, owner, "100", "25")
	if _, err := s.ApplySettlement(ctx, st); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.RevertSettlement(ctx, st, true); err != nil {
		t.Fatalf("revert: %v", err)
	}

	got, _ := s.GetPosition(ctx, p.ID)
	if got.Settled {
		t.Error("expected position unsettled after revert")
	}
	bal, _ := s.BalanceOf(ctx, p.ID, owner)
	if !bal.Equal(d("100")) {
		t.Errorf("expected balance restored to 100, got %s", bal)
	}
	if _, ok, _ := s.SettlementPrice(ctx, p.ID); ok {
		t.Error("expected price dropped")
	}
	hist, _ := s.ListSettlements(ctx, p.ID)
	if len(hist) != 0 {
		t.Errorf("expected empty history, got %d records", len(hist))
	}
}

func TestRecordDelivery(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := seedPosition(t, s, 1, now)

	st := settlement(p, owner, "100", "25")
	s.ApplySettlement(ctx, st)
	st.Delivered = d("0.5")
	st.DeliveredRaw = true
	st.Fallback = true
	if err := s.RecordDelivery(ctx, st); err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	hist, _ := s.ListSettlements(ctx, p.ID)
	if len(hist) != 1 || !hist[0].Delivered.Equal(d("0.5")) || !hist[0].DeliveredRaw || !hist[0].Fallback {
		t.Errorf("expected delivery recorded, got %+v", hist)
	}

	missing := settlement(p, other, "1", "25")
	if err := s.RecordDelivery(ctx, missing); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDiscardPosition(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := seedPosition(t, s, 1, now.Add(time.Hour))
	moved := seedPosition(t, s, 2, now.Add(time.Hour))
	s.Transfer(ctx, moved.ID, owner, other, d("1"))

	if err := s.DiscardPosition(ctx, p.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := s.GetPosition(ctx, p.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected discarded position gone, got %v", err)
	}
	if err := s.DiscardPosition(ctx, moved.ID); err == nil {
		t.Error("expected discard to fail once balance moved")
	}
}

func TestListExpired(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	past := seedPosition(t, s, 1, now.Add(-time.Hour))
	atNow := seedPosition(t, s, 2, now)
	seedPosition(t, s, 3, now.Add(time.Hour))
	done := seedPosition(t, s, 4, now.Add(-time.Hour))
	s.ApplySettlement(ctx, settlement(done, owner, "100", "25"))

	got, err := s.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(got) != 2 || got[0].ID != past.ID || got[1].ID != atNow.ID {
		t.Errorf("expected [past, atNow], got %d positions", len(got))
	}
}

func TestNextSequence_PerMarket(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	a1, _ := s.NextSequence(ctx, market)
	a2, _ := s.NextSequence(ctx, market)
	b1, _ := s.NextSequence(ctx, owner)
	if a1 != 1 || a2 != 2 || b1 != 1 {
		t.Errorf("expected 1, 2, 1, got %d, %d, %d", a1, a2, b1)
	}
}

func TestVaultLedger(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	s.RecordLock(ctx, owner, market, d("99.97"), d("99.97"))
	s.AdjustSupplied(ctx, market, d("10"))
	s.AdjustSupplied(ctx, market, d("-9.97"))

	l, _ := s.VaultLedger(ctx, market)
	if !l.Supplied.Equal(d("100")) {
		t.Errorf("expected supplied 100, got %s", l.Supplied)
	}
	locked, _ := s.LockedUnderlying(ctx, owner, market)
	if !locked.Equal(d("99.97")) {
		t.Errorf("expected locked 99.97, got %s", locked)
	}
	if err := s.AdjustSupplied(ctx, market, d("-100.01")); err == nil {
		t.Error("expected negative supply to be rejected")
	}
}
