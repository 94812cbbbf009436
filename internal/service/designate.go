package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stable-peg/internal/observability"
	"stable-peg/internal/storage"
)

// Designate starts pegging channel id to target USD and persists the choice.
func (s *Service) Designate(ctx context.Context, id string, target, nativeBTC decimal.Decimal) error {
	if target.Sign() <= 0 {
		return fmt.Errorf("target must be positive, got %s", target)
	}
	if err := s.store.Register(ctx, id, s.role, target, nativeBTC); err != nil {
		return fmt.Errorf("register channel %s: %w", id, err)
	}
	if s.registry != nil {
		if err := s.registry.UpsertPeg(ctx, storage.PegRecord{
			ChannelID: id,
			TargetUSD: target,
			NativeBTC: nativeBTC,
			UpdatedAt: s.now().UTC(),
		}); err != nil {
			return fmt.Errorf("persist peg %s: %w", id, err)
		}
	}

	s.emit(observability.EventChannelDesignated, map[string]any{
		"channel_id": id,
		"target_usd": target,
		"source":     "operator",
	})
	s.logger.Info().Str("channel_id", id).Str("target_usd", target.String()).Msg("channel designated")
	return nil
}

// Undesignate stops pegging channel id. Unknown channels are removed from the
// registry all the same.
func (s *Service) Undesignate(ctx context.Context, id string) error {
	removed := s.store.Remove(id)
	if s.registry != nil {
		if err := s.registry.DeletePeg(ctx, id); err != nil {
			return fmt.Errorf("delete peg %s: %w", id, err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.DropChannel(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("channel_id", id).Msg("failed to drop mirrored channel")
		}
	}
	s.emit(observability.EventChannelUndesignated, map[string]any{"channel_id": id})
	s.logger.Info().Str("channel_id", id).Bool("was_managed", removed).Msg("channel undesignated")
	return nil
}

func (s *Service) persistPeg(ctx context.Context, logger zerolog.Logger, id string, target, nativeBTC decimal.Decimal) {
	if s.registry == nil {
		return
	}
	if err := s.registry.UpsertPeg(ctx, storage.PegRecord{
		ChannelID: id,
		TargetUSD: target,
		NativeBTC: nativeBTC,
		UpdatedAt: s.now().UTC(),
	}); err != nil {
		logger.Warn().Err(err).Str("channel_id", id).Msg("failed to persist peg")
	}
}
