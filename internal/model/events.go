package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// EventType names an observable engine event.
type EventType string

const (
	EventPositionCreated   EventType = "position_created"
	EventFeeCollected      EventType = "fee_collected"
	EventRewardAccrued     EventType = "reward_accrued"
	EventPositionSettled   EventType = "position_settled"
	EventRiskParamsChanged EventType = "risk_params_changed"
	EventPauseToggled      EventType = "pause_toggled"
)

// Event is the envelope published to monitoring sinks. Fields that do not
// apply to a type are left zero and omitted from JSON.
type Event struct {
	ID         string           `json:"id"`
	Type       EventType        `json:"type"`
	PositionID *common.Hash     `json:"position_id,omitempty"`
	User       *common.Address  `json:"user,omitempty"`
	Market     *common.Address  `json:"market,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Direction  string           `json:"direction,omitempty"`
	Won        *bool            `json:"won,omitempty"`
	Paused     *bool            `json:"paused,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}
