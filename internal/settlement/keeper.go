package settlement

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dual-engine/internal/metrics"
	"github.com/atmx/dual-engine/internal/serial"
	"github.com/atmx/dual-engine/internal/store"
)

const (
	keeperLockKey = "settlement-keeper"
	// keeperLockTTL is how long a crashed keeper blocks the others. A live
	// scan renews its lease for as long as it runs.
	keeperLockTTL = 30 * time.Second
)

// Keeper periodically settles every holder of every expired position.
type Keeper struct {
	engine   *Engine
	store    store.Store
	locker   serial.Locker
	interval time.Duration
	logger   *slog.Logger
}

// NewKeeper creates a keeper. locker keeps concurrent instances from
// scanning at the same time.
func NewKeeper(engine *Engine, st store.Store, locker serial.Locker, interval time.Duration, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Keeper{engine: engine, store: st, locker: locker, interval: interval, logger: logger}
}

// Run scans every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := k.Scan(ctx); err != nil {
				k.logger.ErrorContext(ctx, "keeper scan failed", "err", err)
			}
		}
	}
}

// ScanReport summarizes one scan.
type ScanReport struct {
	Settled   int
	Failed    int
	Forfeited int
}

// Scan settles what is settleable now. A scan skipped because another
// instance holds the lock returns a zero report and no error.
func (k *Keeper) Scan(ctx context.Context) (ScanReport, error) {
	release, err := k.locker.Acquire(ctx, keeperLockKey, keeperLockTTL)
	if errors.Is(err, serial.ErrLockHeld) {
		metrics.KeeperScans.WithLabelValues("skipped").Inc()
		return ScanReport{}, nil
	}
	if err != nil {
		metrics.KeeperScans.WithLabelValues("error").Inc()
		return ScanReport{}, err
	}
	defer release()

	now := k.engine.now()
	expired, err := k.store.ListExpired(ctx, now)
	if err != nil {
		metrics.KeeperScans.WithLabelValues("error").Inc()
		return ScanReport{}, err
	}

	var report ScanReport
	var ids []common.Hash
	var holders []common.Address
	for _, p := range expired {
		if now.After(p.Expiry.Add(k.engine.Window())) {
			// Missed windows are forfeited; nothing can settle them.
			report.Forfeited++
			k.logger.WarnContext(ctx, "position missed settlement window",
				"position_id", p.ID.Hex(), "expiry", p.Expiry, "owner", p.Owner.Hex())
			continue
		}
		balances, err := k.store.Holders(ctx, p.ID)
		if err != nil {
			k.logger.WarnContext(ctx, "keeper: list holders", "position_id", p.ID.Hex(), "err", err)
			continue
		}
		hs := make([]common.Address, 0, len(balances))
		for h := range balances {
			hs = append(hs, h)
		}
		sort.Slice(hs, func(i, j int) bool { return bytes.Compare(hs[i][:], hs[j][:]) < 0 })
		for _, h := range hs {
			ids = append(ids, p.ID)
			holders = append(holders, h)
		}
	}

	results, err := k.engine.BatchSettle(ctx, ids, holders)
	if err != nil {
		metrics.KeeperScans.WithLabelValues("error").Inc()
		return report, err
	}
	for _, r := range results {
		if r.OK() {
			report.Settled++
		} else {
			report.Failed++
		}
	}
	metrics.KeeperScans.WithLabelValues("ok").Inc()
	if len(results) > 0 || report.Forfeited > 0 {
		k.logger.InfoContext(ctx, "keeper scan complete",
			"settled", report.Settled, "failed", report.Failed, "forfeited", report.Forfeited)
	}
	return report, nil
}
