// Package state keeps the per-channel records the peg loop reads and writes.
// Every mutation happens under one lock; readers receive copies.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stable-peg/internal/lightning"
	"stable-peg/internal/stability"
)

// UnboundID marks a placeholder record that binds to the first channel the
// provider reports.
const UnboundID = "0000000000000000000000000000000000000000000000000000000000000000"

// DefaultPaymentHold bounds how long a payment blocks the next one when the
// balance change is never observed.
const DefaultPaymentHold = 2 * time.Minute

// ErrChannelNotFound is returned for channels the store or provider does not know.
var ErrChannelNotFound = errors.New("state: channel not found")

// Channel is one managed channel.
type Channel struct {
	ID             string          `json:"channel_id"`
	CounterpartyID string          `json:"counterparty_id"`
	Role           stability.Role  `json:"role"`
	TargetUSD      decimal.Decimal `json:"target_usd"`
	NativeBTC      decimal.Decimal `json:"native_btc_reference"`
	CapacitySats   uint64          `json:"capacity_sats"`
	ReceiverSats   uint64          `json:"receiver_sats"`
	ProviderSats   uint64          `json:"provider_sats"`
	ReceiverUSD    decimal.Decimal `json:"receiver_usd"`
	ProviderUSD    decimal.Decimal `json:"provider_usd"`
	Price          decimal.Decimal `json:"price"`
	RiskCounter    int             `json:"risk_counter"`

	PaymentMadeThisCycle bool      `json:"payment_made"`
	LastCheckedAt        time.Time `json:"last_checked_at"`
	Initialized          bool      `json:"initialized"`
	Closed               bool      `json:"closed"`
	ClosedAt             time.Time `json:"closed_at,omitempty"`
	LastSeenAt           time.Time `json:"last_seen_at,omitempty"`
	LastDecision         string    `json:"last_decision"`
	LastError            string    `json:"last_error,omitempty"`
	LastPaymentRef       string    `json:"last_payment_ref,omitempty"`
	LastPaymentAt        time.Time `json:"last_payment_at,omitempty"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`

	ourSats        uint64
	paymentOurSats uint64
}

// Bound reports whether the record refers to a concrete channel.
func (c Channel) Bound() bool { return c.ID != UnboundID }

// Snapshot returns the fields the decision policy reads.
func (c Channel) Snapshot() stability.Snapshot {
	return stability.Snapshot{
		Role:        c.Role,
		TargetUSD:   c.TargetUSD,
		ReceiverUSD: c.ReceiverUSD,
		Price:       c.Price,
		RiskCounter: c.RiskCounter,
	}
}

// Options parameterise the store.
type Options struct {
	PaymentHold time.Duration
	Now         func() time.Time
}

// Store holds managed channels.
type Store struct {
	provider lightning.Provider
	hold     time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// New constructs an empty store backed by provider.
func New(provider lightning.Provider, opts Options, logger zerolog.Logger) *Store {
	hold := opts.PaymentHold
	if hold <= 0 {
		hold = DefaultPaymentHold
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		provider: provider,
		hold:     hold,
		now:      now,
		logger:   logger.With().Str("component", "channel_store").Logger(),
		channels: make(map[string]*Channel),
	}
}

// Register starts managing id. Registering a managed channel again updates
// its role and targets in place.
func (s *Store) Register(ctx context.Context, id string, role stability.Role, target, nativeBTC decimal.Decimal) error {
	chans, err := s.provider.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	info, ok := lightning.FindChannel(chans, id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, exists := s.channels[id]; exists {
		rec.Role = role
		rec.TargetUSD = target
		rec.NativeBTC = nativeBTC
		rec.CounterpartyID = info.CounterpartyID
		return nil
	}

	s.channels[id] = &Channel{
		ID:             id,
		CounterpartyID: info.CounterpartyID,
		Role:           role,
		TargetUSD:      target,
		NativeBTC:      nativeBTC,
		CapacitySats:   info.CapacitySats,
		LastDecision:   stability.ActionNotInitialized.String(),
	}
	s.logger.Info().Str("channel_id", id).Str("role", role.String()).Str("target_usd", target.String()).Msg("channel registered")
	return nil
}

// RegisterUnbound adds the placeholder record. It is a no-op when a
// placeholder already exists.
func (s *Store) RegisterUnbound(role stability.Role, target decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[UnboundID]; ok {
		return
	}
	s.channels[UnboundID] = &Channel{
		ID:           UnboundID,
		Role:         role,
		TargetUSD:    target,
		LastDecision: stability.ActionNotInitialized.String(),
	}
}

// RefreshBalances re-reads the provider's channel list and applies the
// balances of id at price in one critical section. It returns the updated
// record and whether a matching channel was found. A placeholder binds to the
// first reported channel, so the returned record may carry a new ID.
func (s *Store) RefreshBalances(ctx context.Context, id string, price decimal.Decimal) (Channel, bool, error) {
	chans, err := s.provider.ListChannels(ctx)
	if err != nil {
		return Channel{}, false, fmt.Errorf("list channels: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[id]
	if !ok {
		return Channel{}, false, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	now := s.now()
	rec.LastCheckedAt = now

	if !rec.Bound() {
		if len(chans) == 0 {
			return *rec, false, nil
		}
		rec = s.bindLocked(rec, chans[0])
	}

	info, found := lightning.FindChannel(chans, rec.ID)
	if !found {
		if rec.Initialized {
			s.logger.Warn().Str("channel_id", rec.ID).Msg("channel no longer reported by provider")
		}
		rec.Initialized = false
		return *rec, false, nil
	}

	our, their := info.OurSats(), info.TheirSats()
	if rec.Role == stability.RoleReceiver {
		rec.ReceiverSats, rec.ProviderSats = our, their
	} else {
		rec.ReceiverSats, rec.ProviderSats = their, our
	}
	rec.CounterpartyID = info.CounterpartyID
	rec.CapacitySats = info.CapacitySats
	rec.ReceiverUSD = stability.USDFromSats(rec.ReceiverSats, price)
	rec.ProviderUSD = stability.USDFromSats(rec.ProviderSats, price)
	rec.Price = price
	rec.ourSats = our
	rec.LastSeenAt = now
	rec.Initialized = !rec.Closed

	if rec.PaymentMadeThisCycle && (our != rec.paymentOurSats || now.Sub(rec.LastPaymentAt) >= s.hold) {
		rec.PaymentMadeThisCycle = false
	}
	return *rec, true, nil
}

func (s *Store) bindLocked(placeholder *Channel, info lightning.ChannelInfo) *Channel {
	delete(s.channels, UnboundID)
	if existing, ok := s.channels[info.ID]; ok {
		return existing
	}
	placeholder.ID = info.ID
	placeholder.CounterpartyID = info.CounterpartyID
	s.channels[info.ID] = placeholder
	s.logger.Info().Str("channel_id", info.ID).Msg("placeholder bound to channel")
	return placeholder
}

// MarkPaymentMade records a sent payment. Further payments for the channel
// are suppressed until a refresh observes the balance move or the hold
// elapses.
func (s *Store) MarkPaymentMade(id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.channels[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	rec.PaymentMadeThisCycle = true
	rec.LastPaymentRef = ref
	rec.LastPaymentAt = s.now()
	rec.paymentOurSats = rec.ourSats
	return nil
}

// Snapshot returns a copy of the record for id.
func (s *Store) Snapshot(id string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.channels[id]
	if !ok {
		return Channel{}, false
	}
	return *rec, true
}

// List returns copies of every record ordered by ID.
func (s *Store) List() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Channel, 0, len(s.channels))
	for _, rec := range s.channels {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the managed channel IDs in order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of records, placeholder included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// MarkClosed flags id as closed. It reports whether id was managed.
func (s *Store) MarkClosed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.channels[id]
	if !ok {
		return false
	}
	if !rec.Closed {
		rec.Closed = true
		rec.ClosedAt = s.now()
	}
	rec.Initialized = false
	return true
}

// Remove stops managing id.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return false
	}
	delete(s.channels, id)
	return true
}

// PruneClosed drops channels closed for longer than grace and returns their IDs.
func (s *Store) PruneClosed(grace time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var pruned []string
	for id, rec := range s.channels {
		if rec.Closed && now.Sub(rec.ClosedAt) >= grace {
			delete(s.channels, id)
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// RecordDecision stores the operator-facing status of the last evaluation.
func (s *Store) RecordDecision(id, status string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.channels[id]
	if !ok {
		return
	}
	rec.LastDecision = status
	if err != nil {
		rec.LastError = err.Error()
	} else {
		rec.LastError = ""
	}
}

// SetRisk overwrites the risk counter. Negative values clamp to zero.
func (s *Store) SetRisk(id string, risk int) {
	if risk < 0 {
		risk = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.channels[id]; ok {
		rec.RiskCounter = risk
	}
}

// RecordFailure increments the consecutive failure count and returns it.
func (s *Store) RecordFailure(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.channels[id]
	if !ok {
		return 0
	}
	rec.ConsecutiveFailures++
	return rec.ConsecutiveFailures
}

// RecordSuccess resets the consecutive failure count.
func (s *Store) RecordSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.channels[id]; ok {
		rec.ConsecutiveFailures = 0
	}
}
