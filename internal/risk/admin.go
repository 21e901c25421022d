package risk

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/events"
	"github.com/atmx/dual-engine/internal/model"
)

// SetGlobalPause toggles the protocol-wide pause.
func (g *Guard) SetGlobalPause(ctx context.Context, paused bool) {
	g.state.mu.Lock()
	g.state.globalPaused = paused
	g.state.mu.Unlock()

	g.logger.InfoContext(ctx, "global pause toggled", "paused", paused)
	g.emit(ctx, model.Event{Type: model.EventPauseToggled, Paused: &paused, Detail: "global"})
}

// SetMarketPause toggles a single market.
func (g *Guard) SetMarketPause(ctx context.Context, market common.Address, paused bool) {
	g.state.mu.Lock()
	g.state.marketPaused[market] = paused
	g.state.mu.Unlock()

	g.logger.InfoContext(ctx, "market pause toggled", "market", market.Hex(), "paused", paused)
	g.emit(ctx, model.Event{Type: model.EventPauseToggled, Market: &market, Paused: &paused, Detail: "market"})
}

// SetWhitelisted exempts (or stops exempting) user from the size limit.
func (g *Guard) SetWhitelisted(ctx context.Context, user common.Address, whitelisted bool) {
	g.state.mu.Lock()
	if whitelisted {
		g.state.whitelist[user] = true
	} else {
		delete(g.state.whitelist, user)
	}
	g.state.mu.Unlock()

	g.logger.InfoContext(ctx, "whitelist updated", "user", user.Hex(), "whitelisted", whitelisted)
	g.emit(ctx, model.Event{
		Type:   model.EventRiskParamsChanged,
		User:   &user,
		Detail: fmt.Sprintf("whitelisted=%t", whitelisted),
	})
}

// SetParams replaces the admission params after validating them.
func (g *Guard) SetParams(ctx context.Context, p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	g.state.mu.Lock()
	g.state.params = p
	g.state.mu.Unlock()

	g.logger.InfoContext(ctx, "risk params updated",
		"min_health_factor", p.MinHealthFactor.String(),
		"max_position_size_ratio", p.MaxPositionSizeRatio.String(),
	)
	g.emit(ctx, model.Event{
		Type: model.EventRiskParamsChanged,
		Detail: fmt.Sprintf("min_health_factor=%s max_position_size_ratio=%s",
			p.MinHealthFactor, p.MaxPositionSizeRatio),
	})
	return nil
}

// SetUtilizationCap sets a market's utilization cap in USD. Zero removes it.
func (g *Guard) SetUtilizationCap(ctx context.Context, market common.Address, limit decimal.Decimal) error {
	if limit.IsNegative() {
		return fmt.Errorf("%w: utilization cap must not be negative", model.ErrValidation)
	}
	g.state.mu.Lock()
	g.state.utilCap[market] = limit
	g.state.mu.Unlock()

	g.logger.InfoContext(ctx, "utilization cap updated", "market", market.Hex(), "cap", limit.String())
	g.emit(ctx, model.Event{
		Type:   model.EventRiskParamsChanged,
		Market: &market,
		Amount: &limit,
		Detail: "utilization_cap",
	})
	return nil
}

func (g *Guard) emit(ctx context.Context, ev model.Event) {
	g.pub.Publish(ctx, events.Stamp(ev, g.now()))
}
