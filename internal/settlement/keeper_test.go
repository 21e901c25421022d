package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dual-engine/internal/enginetest"
	"github.com/atmx/dual-engine/internal/model"
	"github.com/atmx/dual-engine/internal/serial"
	"github.com/atmx/dual-engine/internal/settlement"
)

func TestKeeper_SettlesAndForfeits(t *testing.T) {
	h := enginetest.New(t)
	stale := h.OpenCollateral(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "2")

	h.Clock.Advance(26 * time.Hour)
	fresh := h.OpenCollateral(enginetest.Bob, enginetest.CUSDC, enginetest.CWETH, "50", model.Call, "2")
	h.Clock.Advance(time.Hour)

	k := settlement.NewKeeper(h.Engine, h.Store, serial.NewLocalLocker(), time.Minute, h.Logger)
	report, err := k.Scan(h.Ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Settled != 1 || report.Forfeited != 1 || report.Failed != 0 {
		t.Errorf("expected 1 settled and 1 forfeited, got %+v", report)
	}

	got, _ := h.Store.GetPosition(h.Ctx, fresh.ID)
	if !got.Settled {
		t.Error("expected fresh position settled")
	}
	got, _ = h.Store.GetPosition(h.Ctx, stale.ID)
	if got.Settled {
		t.Error("expected stale position left unsettled")
	}
	enginetest.ExpectDecimal(t, "bob cUSDC", enginetest.D("50"), h.Balance(enginetest.CUSDC, enginetest.Bob))
}

func TestKeeper_SettlesEveryHolder(t *testing.T) {
	h := enginetest.New(t)
	p := h.OpenCollateral(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "2")
	for holder, amount := range map[common.Address]string{enginetest.Bob: "30", enginetest.Carol: "20"} {
		if err := h.Manager.Transfer(h.Ctx, p.ID, enginetest.Alice, holder, enginetest.D(amount)); err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}
	h.Clock.Advance(time.Hour)

	k := settlement.NewKeeper(h.Engine, h.Store, serial.NewLocalLocker(), time.Minute, h.Logger)
	report, err := k.Scan(h.Ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Settled != 3 {
		t.Errorf("expected 3 holders settled, got %+v", report)
	}
	hist, _ := h.Store.ListSettlements(h.Ctx, p.ID)
	if len(hist) != 3 {
		t.Errorf("expected 3 settlement rows, got %d", len(hist))
	}
}

func TestKeeper_SkipsWhenLockHeld(t *testing.T) {
	h := enginetest.New(t)
	h.OpenCollateral(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "2")
	h.Clock.Advance(time.Hour)

	locker := serial.NewLocalLocker()
	release, err := locker.Acquire(h.Ctx, "settlement-keeper", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	k := settlement.NewKeeper(h.Engine, h.Store, locker, time.Minute, h.Logger)
	report, err := k.Scan(h.Ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report != (settlement.ScanReport{}) {
		t.Errorf("expected empty report while another scan holds the lock, got %+v", report)
	}
}

// leaseRecorder is a Locker that remembers the leases it hands out.
type leaseRecorder struct {
	ttls     []time.Duration
	released int
}

func (l *leaseRecorder) Acquire(_ context.Context, _ string, ttl time.Duration) (func(), error) {
	l.ttls = append(l.ttls, ttl)
	return func() { l.released++ }, nil
}

func TestKeeper_LeaseOutlivesShortIntervals(t *testing.T) {
	h := enginetest.New(t)
	h.OpenCollateral(enginetest.Alice, enginetest.CUSDC, enginetest.CWETH, "100", model.Call, "2")
	h.Clock.Advance(time.Hour)

	locker := &leaseRecorder{}
	k := settlement.NewKeeper(h.Engine, h.Store, locker, 10*time.Millisecond, h.Logger)
	if _, err := k.Scan(h.Ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(locker.ttls) != 1 {
		t.Fatalf("expected 1 lease, got %d", len(locker.ttls))
	}
	if locker.ttls[0] < time.Second {
		t.Errorf("expected a lease independent of the scan interval, got %s", locker.ttls[0])
	}
	if locker.released != 1 {
		t.Errorf("expected the lease released after the scan, got %d releases", locker.released)
	}
}
