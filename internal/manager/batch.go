package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/metrics"
	"github.com/atmx/dual-engine/internal/model"
	"github.com/atmx/dual-engine/internal/risk"
)

// BatchRequest carries a batch as parallel arrays; item i is made of the
// i-th element of every array.
type BatchRequest struct {
	Path          model.EntryPath   `json:"path"`
	Users         []common.Address  `json:"users"`
	InputMarkets  []common.Address  `json:"input_markets"`
	OutputMarkets []common.Address  `json:"output_markets"`
	Amounts       []decimal.Decimal `json:"amounts"`
	Directions    []model.Direction `json:"directions"`
	Strikes       []decimal.Decimal `json:"strikes"`
	Expiries      []time.Time       `json:"expiries"`
}

// Items checks that every array has the same length and zips them.
func (b BatchRequest) Items() ([]EntryRequest, error) {
	n := len(b.Users)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty batch", model.ErrBatchLength)
	}
	for _, l := range []int{len(b.InputMarkets), len(b.OutputMarkets), len(b.Amounts),
		len(b.Directions), len(b.Strikes), len(b.Expiries)} {
		if l != n {
			return nil, fmt.Errorf("%w: %d users, found an array of %d", model.ErrBatchLength, n, l)
		}
	}
	out := make([]EntryRequest, n)
	for i := range out {
		out[i] = EntryRequest{
			User:         b.Users[i],
			InputMarket:  b.InputMarkets[i],
			OutputMarket: b.OutputMarkets[i],
			Amount:       b.Amounts[i],
			Direction:    b.Directions[i],
			Strike:       b.Strikes[i],
			Expiry:       b.Expiries[i],
		}
	}
	return out, nil
}

// BatchEnter opens every position in b or none. All items are validated
// and admitted together before any custody moves; if executing an item
// fails, the items already executed are unwound in reverse order.
func (m *Manager) BatchEnter(ctx context.Context, b BatchRequest) ([]common.Hash, error) {
	items, err := b.Items()
	if err != nil {
		return nil, err
	}
	switch b.Path {
	case model.PathCollateral, model.PathBorrow, model.PathUnderlying:
	default:
		return nil, fmt.Errorf("%w: unknown entry path %q", model.ErrValidation, b.Path)
	}

	var ids []common.Hash
	err = m.exec.Do(ctx, func(ctx context.Context) error {
		prs := make([]prepared, len(items))
		entries := make([]risk.Entry, len(items))
		for i, req := range items {
			pr, err := m.prepare(ctx, b.Path, req)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			prs[i] = pr
			entries[i] = pr.riskEntry()
		}
		if i, err := m.guard.CheckBatch(ctx, entries); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
		for i, pr := range prs {
			if err := m.preflight(ctx, pr); err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
		}

		done := make([]*executed, 0, len(prs))
		for i, pr := range prs {
			ex, err := m.execute(ctx, pr)
			if err != nil {
				for j := len(done) - 1; j >= 0; j-- {
					m.compensate(ctx, done[j])
				}
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			done = append(done, ex)
		}

		ids = make([]common.Hash, len(done))
		for i, ex := range done {
			m.commit(ctx, ex)
			ids[i] = ex.pos.ID
		}
		return nil
	})
	if err != nil {
		metrics.EntriesTotal.WithLabelValues(string(b.Path), "batch_rejected").Inc()
		m.logger.WarnContext(ctx, "batch entry failed", "path", b.Path, "items", len(items), "reason", model.Reason(err))
		return nil, err
	}
	metrics.EntriesTotal.WithLabelValues(string(b.Path), "ok").Add(float64(len(ids)))
	return ids, nil
}
