// Package lightning defines the narrow Channel Provider capability the peg
// loop consumes. Transport backends live in subpackages.
package lightning

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownCounterparty is returned when no channel with the peer exists.
	ErrUnknownCounterparty = errors.New("lightning: counterparty not found among channels")
	// ErrInvalidAmount is returned for zero-value payments.
	ErrInvalidAmount = errors.New("lightning: payment amount must be positive")
	// ErrNoEvent is returned by AckEvent when the queue is empty.
	ErrNoEvent = errors.New("lightning: no pending event to acknowledge")
)

// ChannelInfo is the provider's view of one open channel.
type ChannelInfo struct {
	ID                     string `json:"id"`
	CounterpartyID         string `json:"counterparty_id"`
	CapacitySats           uint64 `json:"capacity_sats"`
	OutboundMsat           uint64 `json:"outbound_msat"`
	InboundMsat            uint64 `json:"inbound_msat"`
	UnspendableReserveSats uint64 `json:"unspendable_reserve_sats"`
	Ready                  bool   `json:"ready"`
	Usable                 bool   `json:"usable"`
}

// OurSats is our side of the channel in satoshis, reserve included.
func (c ChannelInfo) OurSats() uint64 {
	return c.OutboundMsat/1000 + c.UnspendableReserveSats
}

// TheirSats is the counterparty's side; it saturates at zero.
func (c ChannelInfo) TheirSats() uint64 {
	return SaturatingSub(c.CapacitySats, c.OurSats())
}

// SaturatingSub returns a-b, or 0 when b > a.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Balances summarises node funds.
type Balances struct {
	OnchainSats   uint64 `json:"onchain_sats"`
	LightningSats uint64 `json:"lightning_sats"`
}

// EventKind classifies provider events.
type EventKind int

const (
	EventOther EventKind = iota
	EventChannelReady
	EventPaymentSent
	EventPaymentReceived
	EventChannelClosed
)

func (k EventKind) String() string {
	switch k {
	case EventChannelReady:
		return "channel_ready"
	case EventPaymentSent:
		return "payment_sent"
	case EventPaymentReceived:
		return "payment_received"
	case EventChannelClosed:
		return "channel_closed"
	default:
		return "other"
	}
}

// Event is a provider notification.
type Event struct {
	Kind           EventKind
	ChannelID      string
	CounterpartyID string
	PaymentRef     string
	AmountMsat     uint64
	Reason         string
}

func (e Event) String() string {
	return fmt.Sprintf("%s(channel=%s ref=%s amount=%d)", e.Kind, e.ChannelID, e.PaymentRef, e.AmountMsat)
}

// Provider is the Channel Provider capability.
type Provider interface {
	ListChannels(ctx context.Context) ([]ChannelInfo, error)
	ListBalances(ctx context.Context) (Balances, error)
	PaySpontaneous(ctx context.Context, amountMsat uint64, counterpartyID string) (string, error)
	// NextEvent peeks the oldest unacknowledged event. ok is false when the
	// queue is empty. The same event is returned until AckEvent is called.
	NextEvent(ctx context.Context) (ev Event, ok bool, err error)
	AckEvent(ctx context.Context) error
}

// FindChannel returns the channel with id, if listed.
func FindChannel(channels []ChannelInfo, id string) (ChannelInfo, bool) {
	for _, ch := range channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChannelInfo{}, false
}
