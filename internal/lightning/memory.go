package lightning

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Memory is an in-process Provider. Payments move funds between the two
// sides of the matching channel so repeated cycles observe their effect.
type Memory struct {
	mu       sync.Mutex
	channels []ChannelInfo
	balances Balances
	events   []Event
	payments []Payment
	payErr   error
}

// Payment records a payment sent through Memory.
type Payment struct {
	Ref            string
	AmountMsat     uint64
	CounterpartyID string
}

// NewMemory seeds a provider with channels.
func NewMemory(channels ...ChannelInfo) *Memory {
	return &Memory{channels: append([]ChannelInfo(nil), channels...)}
}

// SetChannels replaces the channel list.
func (m *Memory) SetChannels(channels ...ChannelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append([]ChannelInfo(nil), channels...)
}

// SetBalances sets the node balance summary.
func (m *Memory) SetBalances(b Balances) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = b
}

// FailPayments makes every subsequent payment return err; nil restores success.
func (m *Memory) FailPayments(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payErr = err
}

// Push enqueues an event.
func (m *Memory) Push(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Payments returns the payments sent so far.
func (m *Memory) Payments() []Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Payment(nil), m.payments...)
}

// PendingEvents reports the unacknowledged queue length.
func (m *Memory) PendingEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// ListChannels implements Provider.
func (m *Memory) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChannelInfo(nil), m.channels...), nil
}

// ListBalances implements Provider.
func (m *Memory) ListBalances(ctx context.Context) (Balances, error) {
	if err := ctx.Err(); err != nil {
		return Balances{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances, nil
}

// PaySpontaneous implements Provider.
func (m *Memory) PaySpontaneous(ctx context.Context, amountMsat uint64, counterpartyID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amountMsat == 0 {
		return "", ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payErr != nil {
		return "", m.payErr
	}

	idx := -1
	for i, ch := range m.channels {
		if ch.CounterpartyID == counterpartyID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", ErrUnknownCounterparty
	}
	ch := &m.channels[idx]
	if ch.OutboundMsat < amountMsat {
		return "", fmt.Errorf("lightning: insufficient outbound liquidity: have %d msat, need %d", ch.OutboundMsat, amountMsat)
	}
	ch.OutboundMsat -= amountMsat
	ch.InboundMsat += amountMsat

	ref := randomRef()
	m.payments = append(m.payments, Payment{Ref: ref, AmountMsat: amountMsat, CounterpartyID: counterpartyID})
	m.events = append(m.events, Event{Kind: EventPaymentSent, ChannelID: ch.ID, CounterpartyID: counterpartyID, PaymentRef: ref, AmountMsat: amountMsat})
	return ref, nil
}

// NextEvent implements Provider.
func (m *Memory) NextEvent(ctx context.Context) (Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return Event{}, false, nil
	}
	return m.events[0], true, nil
}

// AckEvent implements Provider.
func (m *Memory) AckEvent(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return ErrNoEvent
	}
	m.events = m.events[1:]
	return nil
}

func randomRef() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

var _ Provider = (*Memory)(nil)
