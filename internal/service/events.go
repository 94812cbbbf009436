package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stable-peg/internal/lightning"
	"stable-peg/internal/observability"
	"stable-peg/internal/stability"
	"stable-peg/internal/state"
	"stable-peg/internal/storage"
)

// ConsumeEvents handles provider events until ctx is cancelled. Each event is
// acknowledged only after it was handled, so a crash redelivers it.
func (s *Service) ConsumeEvents(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := s.DrainEvents(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Msg("event stream error")
		}
		timer.Reset(s.pollInterval)
	}
}

// DrainEvents handles every pending event and returns how many were handled.
func (s *Service) DrainEvents(ctx context.Context) (int, error) {
	handled := 0
	for {
		ev, ok, err := s.provider.NextEvent(ctx)
		if err != nil {
			return handled, fmt.Errorf("next event: %w", err)
		}
		if !ok {
			return handled, nil
		}

		s.handleEvent(ctx, ev)
		handled++

		if err := s.provider.AckEvent(ctx); err != nil && !errors.Is(err, lightning.ErrNoEvent) {
			return handled, fmt.Errorf("ack event: %w", err)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, ev lightning.Event) {
	logger := s.logger.With().Str("event", ev.Kind.String()).Str("channel_id", ev.ChannelID).Logger()

	switch ev.Kind {
	case lightning.EventChannelReady:
		s.emit(observability.EventChannelReady, map[string]any{
			"channel_id":   ev.ChannelID,
			"counterparty": ev.CounterpartyID,
		})
		s.onChannelReady(ctx, logger, ev)
	case lightning.EventChannelClosed:
		if s.store.MarkClosed(ev.ChannelID) {
			s.store.RecordDecision(ev.ChannelID, statusClosed, nil)
			logger.Info().Str("reason", ev.Reason).Msg("managed channel closed")
		}
		s.emit(observability.EventChannelClosed, map[string]any{
			"channel_id": ev.ChannelID,
			"reason":     ev.Reason,
		})
	case lightning.EventPaymentReceived:
		s.onPaymentReceived(ctx, logger, ev)
	case lightning.EventPaymentSent:
		logger.Debug().Str("payment_ref", ev.PaymentRef).Uint64("amount_msat", ev.AmountMsat).Msg("payment sent")
	default:
		logger.Debug().Msg("ignoring provider event")
	}
}

func (s *Service) onChannelReady(ctx context.Context, logger zerolog.Logger, ev lightning.Event) {
	if _, ok := s.store.Snapshot(ev.ChannelID); ok {
		return
	}

	if _, ok := s.store.Snapshot(state.UnboundID); ok {
		price := s.oracle.ReferencePrice(ctx)
		rec, found, err := s.store.RefreshBalances(ctx, state.UnboundID, price)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to bind placeholder")
			return
		}
		if found && rec.Bound() {
			s.persistPeg(ctx, logger, rec.ID, rec.TargetUSD, rec.NativeBTC)
			s.emit(observability.EventChannelDesignated, map[string]any{
				"channel_id": rec.ID,
				"target_usd": rec.TargetUSD,
				"source":     "placeholder",
			})
		}
		return
	}

	if !s.autoDesignate || s.store.Len() > 0 || s.defaultTarget.Sign() <= 0 {
		return
	}
	if err := s.Designate(ctx, ev.ChannelID, s.defaultTarget, decimal.Zero); err != nil {
		logger.Warn().Err(err).Msg("auto designation failed")
	}
}

func (s *Service) onPaymentReceived(ctx context.Context, logger zerolog.Logger, ev lightning.Event) {
	price := s.oracle.ReferencePrice(ctx)
	amountUSD := decimal.Zero
	if price.Sign() > 0 {
		amountUSD = stability.USDFromSats(ev.AmountMsat/1000, price)
	}

	s.emit(observability.EventPaymentReceived, map[string]any{
		"channel_id":   ev.ChannelID,
		"payment_ref":  ev.PaymentRef,
		"amount_msat":  ev.AmountMsat,
		"amount_usd":   amountUSD,
		"counterparty": ev.CounterpartyID,
	})
	s.recordPayment(ctx, logger, storage.PaymentRecord{
		ID:           uuid.NewString(),
		ChannelID:    ev.ChannelID,
		PaymentRef:   ev.PaymentRef,
		Direction:    storage.DirectionInbound,
		Kind:         storage.KindStability,
		AmountMsat:   ev.AmountMsat,
		AmountUSD:    amountUSD,
		BTCPrice:     price,
		Counterparty: ev.CounterpartyID,
		Status:       storage.StatusSucceeded,
		CreatedAt:    s.now().UTC(),
	})
}
