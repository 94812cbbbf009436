package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"stable-peg/internal/alerting"
	"stable-peg/internal/config"
	"stable-peg/internal/lightning"
	"stable-peg/internal/observability"
	"stable-peg/internal/scheduler"
	"stable-peg/internal/stability"
	"stable-peg/internal/state"
	"stable-peg/internal/storage"
)

var (
	errNoPrice     = errors.New("no price")
	errNotReported = errors.New("channel not reported by provider")
)

// Status strings recorded on channels besides the decision actions.
const (
	statusPaymentPending = "payment_pending"
	statusPaymentFailed  = "payment_failed"
	statusClosed         = "closed"
)

// PriceOracle supplies the aggregated reference price. A zero value means no
// price is available.
type PriceOracle interface {
	ReferencePrice(ctx context.Context) decimal.Decimal
}

// StatusPublisher mirrors state for out-of-process readers.
type StatusPublisher interface {
	PublishPrice(ctx context.Context, price decimal.Decimal, capturedAt time.Time) error
	PublishChannel(ctx context.Context, channelID string, snapshot any) error
	DropChannel(ctx context.Context, channelID string) error
}

// Deps bundles the collaborators of the service. Registry, Payments, Locker,
// Mirror and Notifier are optional.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Oracle    PriceOracle
	Provider  lightning.Provider
	Store     *state.Store
	Registry  storage.PegRegistry
	Payments  storage.PaymentStore
	Locker    storage.AdvisoryLocker
	Mirror    StatusPublisher
	Notifier  alerting.Notifier
	Emitter   observability.Emitter
	Risk      RiskPolicy
}

// Service orchestrates price refresh, balance refresh, decisions and payments.
type Service struct {
	scheduler *scheduler.Scheduler
	oracle    PriceOracle
	provider  lightning.Provider
	store     *state.Store
	registry  storage.PegRegistry
	payments  storage.PaymentStore
	mirror    StatusPublisher
	notifier  alerting.Notifier
	emitter   observability.Emitter
	risk      RiskPolicy
	logger    zerolog.Logger

	policy          stability.Policy
	role            stability.Role
	defaultTarget   decimal.Decimal
	recheckAfter    time.Duration
	closedGrace     time.Duration
	pollInterval    time.Duration
	autoDesignate   bool
	bindPlaceholder bool
	alertsOn        bool
	locker          storage.AdvisoryLocker
	lockKey         int64
	now             func() time.Time
}

// New constructs the stability service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	locker := deps.Locker
	if locker == nil {
		if l, ok := deps.Payments.(storage.AdvisoryLocker); ok {
			locker = l
		}
	}

	risk := deps.Risk
	if risk == nil {
		risk = NewRiskPolicy(cfg.Stability.RiskPolicy, cfg.Stability.RiskStep)
	}

	emitter := deps.Emitter
	if emitter == nil {
		emitter = observability.Nop
	}

	poll := cfg.Stability.EventPollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &Service{
		scheduler:       deps.Scheduler,
		oracle:          deps.Oracle,
		provider:        deps.Provider,
		store:           deps.Store,
		registry:        deps.Registry,
		payments:        deps.Payments,
		mirror:          deps.Mirror,
		notifier:        deps.Notifier,
		emitter:         emitter,
		risk:            risk,
		logger:          logger.With().Str("component", "service").Logger(),
		policy:          cfg.Policy(),
		role:            cfg.Role(),
		defaultTarget:   cfg.DefaultTarget(),
		recheckAfter:    cfg.Scheduler.Interval / 2,
		closedGrace:     cfg.Stability.ClosedGrace,
		pollInterval:    poll,
		autoDesignate:   cfg.Stability.AutoDesignate,
		bindPlaceholder: cfg.Stability.BindPlaceholder,
		alertsOn:        cfg.Alerting.Enabled,
		locker:          locker,
		lockKey:         cfg.Scheduler.AdvisoryLockKey,
		now:             time.Now,
	}
}

// Run starts the stability loop and the provider event consumer and blocks
// until ctx is cancelled or either task fails.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.scheduler.Run(gctx, s.RunCycle)
	})
	group.Go(func() error {
		return s.ConsumeEvents(gctx)
	})
	return group.Wait()
}

// RunCycle 执行一次完整的稳定性检查。
func (s *Service) RunCycle(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := time.Now()
	defer observability.ObserveCycle(start)

	logger := s.logger.With().Str("cycle_id", uuid.NewString()).Logger()
	s.executeCycle(ctx, logger, tick)
	return nil
}

func (s *Service) executeCycle(ctx context.Context, logger zerolog.Logger, tick time.Time) {
	s.syncRegistry(ctx, logger)

	price := s.oracle.ReferencePrice(ctx)
	if price.Sign() <= 0 {
		for _, id := range s.store.IDs() {
			s.store.RecordDecision(id, stability.ActionNotInitialized.String(), errNoPrice)
		}
		s.emit(observability.EventStabilitySkipped, map[string]any{
			"reason":   errNoPrice.Error(),
			"channels": s.store.Len(),
		})
		logger.Warn().Time("tick", tick).Msg("no reference price, cycle skipped")
		return
	}

	if s.mirror != nil {
		if err := s.mirror.PublishPrice(ctx, price, tick); err != nil {
			logger.Warn().Err(err).Msg("failed to mirror reference price")
		}
	}

	for _, ch := range s.store.List() {
		if ctx.Err() != nil {
			return
		}
		s.checkChannel(ctx, logger, ch, price)
	}

	s.pruneClosed(ctx, logger)
	observability.ManagedChannels.Set(float64(s.store.Len()))
}

func (s *Service) checkChannel(ctx context.Context, logger zerolog.Logger, ch state.Channel, price decimal.Decimal) {
	if ch.Closed {
		s.store.RecordDecision(ch.ID, statusClosed, nil)
		return
	}
	if !ch.LastCheckedAt.IsZero() && s.now().Sub(ch.LastCheckedAt) < s.recheckAfter {
		logger.Debug().Str("channel_id", ch.ID).Msg("channel checked recently, skipping")
		return
	}

	rec, found, err := s.store.RefreshBalances(ctx, ch.ID, price)
	if err != nil || !found {
		id := ch.ID
		if rec.ID != "" {
			id = rec.ID
		}
		reason := err
		if reason == nil {
			reason = errNotReported
		}
		s.store.RecordDecision(id, stability.ActionNotInitialized.String(), reason)
		s.emit(observability.EventBalanceRefreshFailed, map[string]any{
			"channel_id": id,
			"error":      reason.Error(),
		})
		return
	}
	if ch.ID == state.UnboundID && rec.Bound() {
		s.persistPeg(ctx, logger, rec.ID, rec.TargetUSD, rec.NativeBTC)
		s.emit(observability.EventChannelDesignated, map[string]any{
			"channel_id": rec.ID,
			"target_usd": rec.TargetUSD,
			"source":     "placeholder",
		})
	}
	s.emit(observability.EventBalanceRefreshCompleted, map[string]any{
		"channel_id":    rec.ID,
		"receiver_sats": rec.ReceiverSats,
		"provider_sats": rec.ProviderSats,
		"receiver_usd":  rec.ReceiverUSD,
		"provider_usd":  rec.ProviderUSD,
	})

	decision := s.policy.Decide(rec.Snapshot())
	s.emit(observability.EventStabilityDecision, map[string]any{
		"channel_id":    rec.ID,
		"action":        decision.Action.String(),
		"target_usd":    rec.TargetUSD,
		"receiver_usd":  rec.ReceiverUSD,
		"deviation_usd": decision.DeviationUSD,
		"deviation_pct": decision.DeviationPct,
		"amount_msat":   decision.AmountMsat,
		"risk":          rec.RiskCounter,
	})

	outcome := OutcomeNeutral
	switch decision.Action {
	case stability.ActionPay:
		if rec.PaymentMadeThisCycle {
			logger.Info().Str("channel_id", rec.ID).Str("payment_ref", rec.LastPaymentRef).
				Msg("previous payment not yet reflected in balances, skipping")
			s.store.RecordDecision(rec.ID, statusPaymentPending, nil)
			break
		}
		outcome = s.pay(ctx, logger, rec, decision)
	case stability.ActionDoNothing:
		outcome = OutcomeInBand
		s.store.RecordDecision(rec.ID, decision.String(), nil)
	case stability.ActionHighRisk:
		if s.policy.WithinDeadband(decision.DeviationPct) {
			outcome = OutcomeInBand
		}
		s.store.RecordDecision(rec.ID, decision.String(), nil)
		s.alert(ctx, logger, alerting.Notification{
			Kind:         alerting.KindHighRisk,
			ChannelID:    rec.ID,
			Role:         rec.Role.String(),
			TargetUSD:    rec.TargetUSD,
			ReceiverUSD:  rec.ReceiverUSD,
			DeviationPct: decision.DeviationPct,
			Price:        price,
			RiskLevel:    decision.RiskLevel,
		})
	default:
		s.store.RecordDecision(rec.ID, decision.String(), nil)
	}

	if next := s.risk.Next(rec.RiskCounter, outcome); next != rec.RiskCounter {
		s.store.SetRisk(rec.ID, next)
		logger.Info().Str("channel_id", rec.ID).Int("risk", next).Str("outcome", outcome.String()).Msg("risk level changed")
	}

	s.publishChannel(ctx, logger, rec.ID)
}

func (s *Service) pay(ctx context.Context, logger zerolog.Logger, rec state.Channel, decision stability.Decision) Outcome {
	s.emit(observability.EventPaymentAttempted, map[string]any{
		"channel_id":   rec.ID,
		"amount_msat":  decision.AmountMsat,
		"counterparty": rec.CounterpartyID,
	})

	ref, err := s.provider.PaySpontaneous(ctx, decision.AmountMsat, rec.CounterpartyID)
	entry := storage.PaymentRecord{
		ID:           uuid.NewString(),
		ChannelID:    rec.ID,
		PaymentRef:   ref,
		Direction:    storage.DirectionOutbound,
		Kind:         storage.KindStability,
		AmountMsat:   decision.AmountMsat,
		AmountUSD:    decision.DeviationUSD.Abs(),
		BTCPrice:     rec.Price,
		Counterparty: rec.CounterpartyID,
		CreatedAt:    s.now().UTC(),
	}

	if err != nil {
		msg := err.Error()
		entry.Status = storage.StatusFailed
		entry.Error = &msg
		s.recordPayment(ctx, logger, entry)

		failures := s.store.RecordFailure(rec.ID)
		s.store.RecordDecision(rec.ID, statusPaymentFailed, err)
		s.emit(observability.EventPaymentFailed, map[string]any{
			"channel_id":  rec.ID,
			"amount_msat": decision.AmountMsat,
			"error":       msg,
			"failures":    failures,
		})
		logger.Error().Err(err).Str("channel_id", rec.ID).Uint64("amount_msat", decision.AmountMsat).Msg("stability payment failed")
		s.alert(ctx, logger, alerting.Notification{
			Kind:         alerting.KindPaymentFailed,
			ChannelID:    rec.ID,
			Role:         rec.Role.String(),
			TargetUSD:    rec.TargetUSD,
			ReceiverUSD:  rec.ReceiverUSD,
			DeviationPct: decision.DeviationPct,
			Price:        rec.Price,
			AmountMsat:   decision.AmountMsat,
			RiskLevel:    rec.RiskCounter,
			Error:        msg,
		})
		return OutcomePaymentFailed
	}

	if err := s.store.MarkPaymentMade(rec.ID, ref); err != nil {
		logger.Warn().Err(err).Str("channel_id", rec.ID).Msg("failed to mark payment")
	}
	s.store.RecordSuccess(rec.ID)
	s.store.RecordDecision(rec.ID, decision.String(), nil)

	entry.Status = storage.StatusSucceeded
	s.recordPayment(ctx, logger, entry)

	s.emit(observability.EventPaymentSucceeded, map[string]any{
		"channel_id":  rec.ID,
		"amount_msat": decision.AmountMsat,
		"payment_ref": ref,
	})
	logger.Info().Str("channel_id", rec.ID).Uint64("amount_msat", decision.AmountMsat).Str("payment_ref", ref).Msg("stability payment sent")
	return OutcomePaid
}

// syncRegistry 将持久化的锚定记录同步到内存状态。
func (s *Service) syncRegistry(ctx context.Context, logger zerolog.Logger) {
	if s.registry != nil {
		pegs, err := s.registry.LoadPegs(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load peg registry")
		} else {
			s.dropUnregistered(ctx, logger, pegs)
		}
		for _, peg := range pegs {
			if cur, ok := s.store.Snapshot(peg.ChannelID); ok &&
				cur.TargetUSD.Equal(peg.TargetUSD) && cur.NativeBTC.Equal(peg.NativeBTC) && cur.Role == s.role {
				continue
			}
			err := s.store.Register(ctx, peg.ChannelID, s.role, peg.TargetUSD, peg.NativeBTC)
			switch {
			case errors.Is(err, state.ErrChannelNotFound):
				logger.Debug().Str("channel_id", peg.ChannelID).Msg("registered peg not reported by provider")
			case err != nil:
				logger.Warn().Err(err).Str("channel_id", peg.ChannelID).Msg("failed to register peg")
			}
		}
	}

	if s.bindPlaceholder && s.store.Len() == 0 && s.defaultTarget.Sign() > 0 {
		s.store.RegisterUnbound(s.role, s.defaultTarget)
	}
}

// dropUnregistered 移除已从注册表删除的通道（例如另一个进程执行了 undesignate）。
func (s *Service) dropUnregistered(ctx context.Context, logger zerolog.Logger, pegs []storage.PegRecord) {
	registered := make(map[string]struct{}, len(pegs))
	for _, peg := range pegs {
		registered[peg.ChannelID] = struct{}{}
	}

	for _, id := range s.store.IDs() {
		if id == state.UnboundID {
			continue
		}
		if _, ok := registered[id]; ok {
			continue
		}
		if !s.store.Remove(id) {
			continue
		}
		if s.mirror != nil {
			if err := s.mirror.DropChannel(ctx, id); err != nil {
				logger.Warn().Err(err).Str("channel_id", id).Msg("failed to drop mirrored channel")
			}
		}
		s.emit(observability.EventChannelUndesignated, map[string]any{"channel_id": id})
		logger.Info().Str("channel_id", id).Msg("peg removed from registry, channel no longer managed")
	}
}

func (s *Service) pruneClosed(ctx context.Context, logger zerolog.Logger) {
	for _, id := range s.store.PruneClosed(s.closedGrace) {
		if s.registry != nil {
			if err := s.registry.DeletePeg(ctx, id); err != nil {
				logger.Warn().Err(err).Str("channel_id", id).Msg("failed to delete pruned peg")
			}
		}
		if s.mirror != nil {
			if err := s.mirror.DropChannel(ctx, id); err != nil {
				logger.Warn().Err(err).Str("channel_id", id).Msg("failed to drop mirrored channel")
			}
		}
		s.emit(observability.EventChannelPruned, map[string]any{"channel_id": id})
		logger.Info().Str("channel_id", id).Msg("closed channel pruned")
	}
}

func (s *Service) recordPayment(ctx context.Context, logger zerolog.Logger, entry storage.PaymentRecord) {
	if s.payments == nil {
		return
	}
	if err := s.payments.InsertPayment(ctx, entry); err != nil {
		logger.Error().Err(err).Str("channel_id", entry.ChannelID).Msg("failed to persist payment record")
	}
}

func (s *Service) publishChannel(ctx context.Context, logger zerolog.Logger, id string) {
	if s.mirror == nil {
		return
	}
	snap, ok := s.store.Snapshot(id)
	if !ok {
		return
	}
	if err := s.mirror.PublishChannel(ctx, id, snap); err != nil {
		logger.Warn().Err(err).Str("channel_id", id).Msg("failed to mirror channel")
	}
}

func (s *Service) alert(ctx context.Context, logger zerolog.Logger, note alerting.Notification) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	note.At = s.now().UTC()
	if err := s.notifier.Notify(ctx, note); err != nil {
		logger.Error().Err(err).Str("kind", note.Kind).Str("channel_id", note.ChannelID).Msg("failed to dispatch alert")
	}
}

func (s *Service) emit(name string, payload map[string]any) {
	s.emitter.Emit(observability.New(name, payload))
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
