package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Payment directions and kinds stored in the ledger.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"

	KindStability = "stability"

	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// PegRecord is one entry of the persisted peg registry.
type PegRecord struct {
	ChannelID string          `json:"channel_id"`
	TargetUSD decimal.Decimal `json:"target_usd"`
	NativeBTC decimal.Decimal `json:"native_btc_reference"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON writes the amounts as JSON numbers and omits a zero UpdatedAt.
func (p PegRecord) MarshalJSON() ([]byte, error) {
	wire := struct {
		ChannelID string      `json:"channel_id"`
		TargetUSD json.Number `json:"target_usd"`
		NativeBTC json.Number `json:"native_btc_reference"`
		UpdatedAt *time.Time  `json:"updated_at,omitempty"`
	}{
		ChannelID: p.ChannelID,
		TargetUSD: json.Number(p.TargetUSD.String()),
		NativeBTC: json.Number(p.NativeBTC.String()),
	}
	if !p.UpdatedAt.IsZero() {
		at := p.UpdatedAt.UTC()
		wire.UpdatedAt = &at
	}
	return json.Marshal(wire)
}

// PaymentRecord is a ledger row for a sent or received payment.
type PaymentRecord struct {
	ID           string
	ChannelID    string
	PaymentRef   string
	Direction    string
	Kind         string
	AmountMsat   uint64
	AmountUSD    decimal.Decimal
	BTCPrice     decimal.Decimal
	Counterparty string
	Status       string
	Error        *string
	CreatedAt    time.Time
}

// PriceRecord is one aggregated reference price.
type PriceRecord struct {
	ID         int64
	Price      decimal.Decimal
	Sources    int
	CapturedAt time.Time
}
