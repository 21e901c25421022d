package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/metrics"
	"github.com/atmx/dual-engine/internal/model"
)

// Result is the outcome of one batch item.
type Result struct {
	PositionID common.Hash       `json:"position_id"`
	Holder     common.Address    `json:"holder"`
	Settlement *model.Settlement `json:"settlement,omitempty"`
	Err        error             `json:"-"`
}

// OK reports whether the item settled.
func (r Result) OK() bool { return r.Err == nil }

// BatchSettle settles ids[i] for holders[i]. Each item runs on its own; a
// failing item is logged and skipped and never undoes the others. Only a
// length mismatch fails the whole call.
func (e *Engine) BatchSettle(ctx context.Context, ids []common.Hash, holders []common.Address) ([]Result, error) {
	if len(ids) != len(holders) {
		return nil, fmt.Errorf("%w: %d ids, %d holders", model.ErrBatchLength, len(ids), len(holders))
	}

	results := make([]Result, len(ids))
	for i := range ids {
		st, err := e.Settle(ctx, ids[i], holders[i])
		results[i] = Result{PositionID: ids[i], Holder: holders[i], Settlement: st, Err: err}
		if err != nil {
			metrics.BatchItemFailures.Inc()
			e.logger.WarnContext(ctx, "batch item skipped",
				"index", i,
				"position_id", ids[i].Hex(),
				"holder", holders[i].Hex(),
				"reason", model.Reason(err),
			)
		}
	}
	return results, nil
}

// CanSettle reports whether id is settleable now, and why not.
func (e *Engine) CanSettle(ctx context.Context, id common.Hash) (bool, string) {
	p, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return false, model.Reason(err)
	}
	if err := e.checkState(p, e.now()); err != nil {
		return false, model.Reason(err)
	}
	return true, ""
}

// Info is the read-only settlement status of a position.
type Info struct {
	PositionID  common.Hash     `json:"position_id"`
	Settled     bool            `json:"settled"`
	Price       decimal.Decimal `json:"price"`
	PriceCached bool            `json:"price_cached"`
	CanSettle   bool            `json:"can_settle"`
	Reason      string          `json:"reason,omitempty"`
}

// SettlementInfo returns the settled flag, the cached price (zero when
// none) and whether the position can be settled now.
func (e *Engine) SettlementInfo(ctx context.Context, id common.Hash) (Info, error) {
	p, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return Info{}, err
	}
	price, cached, err := e.store.SettlementPrice(ctx, id)
	if err != nil {
		return Info{}, err
	}
	info := Info{PositionID: id, Settled: p.Settled, Price: price, PriceCached: cached}
	if err := e.checkState(p, e.now()); err != nil {
		info.Reason = model.Reason(err)
	} else {
		info.CanSettle = true
	}
	return info, nil
}
