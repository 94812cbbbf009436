package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stable-peg/internal/alerting"
	"stable-peg/internal/config"
	"stable-peg/internal/lightning"
	"stable-peg/internal/observability"
	"stable-peg/internal/state"
	"stable-peg/internal/storage"
)

type staticOracle struct {
	mu    sync.Mutex
	price decimal.Decimal
}

func (o *staticOracle) ReferencePrice(ctx context.Context) decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.price
}

func (o *staticOracle) set(p int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = decimal.NewFromInt(p)
}

type memLedger struct {
	mu      sync.Mutex
	records []storage.PaymentRecord
}

func (l *memLedger) InsertPayment(ctx context.Context, rec storage.PaymentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *memLedger) ListRecentPayments(ctx context.Context, limit int) ([]storage.PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.PaymentRecord(nil), l.records...), nil
}

func (l *memLedger) DeletePaymentsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (l *memLedger) count(status string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if r.Status == status {
			n++
		}
	}
	return n
}

type eventLog struct {
	mu     sync.Mutex
	events []observability.Event
}

func (e *eventLog) Emit(ev observability.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type noteSink struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *noteSink) Notify(ctx context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *noteSink) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Kind)
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc      *Service
	provider *lightning.Memory
	store    *state.Store
	oracle   *staticOracle
	registry *storage.FileRegistry
	ledger   *memLedger
	events   *eventLog
	notes    *noteSink
	clock    *clock
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: 30 * time.Second},
		Stability: config.StabilityConfig{
			Role:              "receiver",
			DefaultTargetUSD:  100,
			ThresholdPct:      0.1,
			MaxRisk:           100,
			RiskPolicy:        config.RiskPolicyConsecutiveFailures,
			RiskStep:          25,
			ClosedGrace:       time.Hour,
			EventPollInterval: 10 * time.Millisecond,
		},
		Alerting: config.AlertingConfig{Enabled: true},
	}
}

func newHarness(t *testing.T, cfg *config.Config, channels ...lightning.ChannelInfo) *harness {
	t.Helper()
	h := &harness{
		provider: lightning.NewMemory(channels...),
		oracle:   &staticOracle{price: decimal.NewFromInt(100_000)},
		registry: storage.NewFileRegistry(filepath.Join(t.TempDir(), "pegs.json")),
		ledger:   &memLedger{},
		events:   &eventLog{},
		notes:    &noteSink{},
		clock:    &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.store = state.New(h.provider, state.Options{Now: h.clock.now}, zerolog.Nop())
	h.svc = New(cfg, Deps{
		Oracle:   h.oracle,
		Provider: h.provider,
		Store:    h.store,
		Registry: h.registry,
		Payments: h.ledger,
		Notifier: h.notes,
		Emitter:  h.events,
	}, zerolog.Nop())
	h.svc.now = h.clock.now
	return h
}

func (h *harness) cycle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.RunCycle(context.Background(), h.clock.now()))
}

func (h *harness) channel(t *testing.T, id string) state.Channel {
	t.Helper()
	ch, ok := h.store.Snapshot(id)
	require.True(t, ok, "channel %s should be managed", id)
	return ch
}

// surplusChannel holds $105 on our side at $100,000/BTC.
func surplusChannel() lightning.ChannelInfo {
	return channelWithOurSats(105_000)
}

func channelWithOurSats(our uint64) lightning.ChannelInfo {
	return lightning.ChannelInfo{
		ID:             "chan-a",
		CounterpartyID: "peer-a",
		CapacitySats:   200_000,
		OutboundMsat:   our * 1000,
		InboundMsat:    (200_000 - our) * 1000,
		Ready:          true,
		Usable:         true,
	}
}

func TestRunCyclePaysReceiverSurplus(t *testing.T) {
	h := newHarness(t, testConfig(), surplusChannel())
	ctx := context.Background()
	require.NoError(t, h.svc.Designate(ctx, "chan-a", decimal.NewFromInt(100), decimal.Zero))

	h.cycle(t)

	payments := h.provider.Payments()
	require.Len(t, payments, 1)
	assert.Equal(t, uint64(5_000_000), payments[0].AmountMsat)
	assert.Equal(t, "peer-a", payments[0].CounterpartyID)

	ch := h.channel(t, "chan-a")
	assert.True(t, ch.PaymentMadeThisCycle)
	assert.Equal(t, payments[0].Ref, ch.LastPaymentRef)
	assert.Equal(t, "pay(5000000 msat)", ch.LastDecision)
	assert.Equal(t, 1, h.ledger.count(storage.StatusSucceeded))
	assert.Equal(t, 1, h.events.count(observability.EventPaymentSucceeded))

	pegs, err := h.registry.LoadPegs(ctx)
	require.NoError(t, err)
	require.Len(t, pegs, 1)
	assert.Equal(t, "chan-a", pegs[0].ChannelID)
}

func TestRunCycleSkipsRecentlyCheckedChannel(t *testing.T) {
	h := newHarness(t, testConfig(), surplusChannel())
	require.NoError(t, h.svc.Designate(context.Background(), "chan-a", decimal.NewFromInt(100), decimal.Zero))

	h.cycle(t)
	h.cycle(t)
	assert.Equal(t, 1, h.events.count(observability.EventBalanceRefreshCompleted))

	h.clock.advance(30 * time.Second)
	h.cycle(t)

	ch := h.channel(t, "chan-a")
	assert.Equal(t, "do_nothing", ch.LastDecision)
	assert.False(t, ch.PaymentMadeThisCycle)
	assert.Len(t, h.provider.Payments(), 1)
}

func TestPaymentNotRepeatedUntilBalanceMovesOrHoldElapses(t *testing.T) {
	h := newHarness(t, testConfig(), surplusChannel())
	require.NoError(t, h.svc.Designate(context.Background(), "chan-a", decimal.NewFromInt(100), decimal.Zero))

	h.cycle(t)
	require.Len(t, h.provider.Payments(), 1)

	// The provider has not reflected the payment yet.
	h.provider.SetChannels(surplusChannel())
	h.clock.advance(30 * time.Second)
	h.cycle(t)
	assert.Len(t, h.provider.Payments(), 1)
	assert.Equal(t, statusPaymentPending, h.channel(t, "chan-a").LastDecision)

	h.clock.advance(2 * time.Minute)
	h.cycle(t)
	assert.Len(t, h.provider.Payments(), 2)
}

func TestFailedPaymentsEscalateToHighRisk(t *testing.T) {
	h := newHarness(t, testConfig(), surplusChannel())
	require.NoError(t, h.svc.Designate(context.Background(), "chan-a", decimal.NewFromInt(100), decimal.Zero))
	h.provider.FailPayments(errors.New("no route"))

	for i := 1; i <= 5; i++ {
		h.cycle(t)
		ch := h.channel(t, "chan-a")
		assert.Equal(t, 25*i, ch.RiskCounter)
		assert.Equal(t, i, ch.ConsecutiveFailures)
		assert.Equal(t, "no route", ch.LastError)
		h.clock.advance(30 * time.Second)
	}
	assert.Equal(t, 5, h.ledger.count(storage.StatusFailed))

	h.cycle(t)
	ch := h.channel(t, "chan-a")
	assert.Equal(t, "high_risk(125)", ch.LastDecision)
	assert.Equal(t, 5, h.ledger.count(storage.StatusFailed), "no payment is attempted at high risk")
	assert.Contains(t, h.notes.kinds(), alerting.KindPaymentFailed)
	assert.Contains(t, h.notes.kinds(), alerting.KindHighRisk)

	// Back in band the risk level resets and normal operation resumes.
	h.provider.FailPayments(nil)
	h.provider.SetChannels(channelWithOurSats(100_000))
	h.clock.advance(30 * time.Second)
	h.cycle(t)
	assert.Equal(t, 0, h.channel(t, "chan-a").RiskCounter)

	h.clock.advance(30 * time.Second)
	h.cycle(t)
	assert.Equal(t, "do_nothing", h.channel(t, "chan-a").LastDecision)
}

func TestNoopRiskPolicyKeepsRisk(t *testing.T) {
	cfg := testConfig()
	cfg.Stability.RiskPolicy = config.RiskPolicyNone
	h := newHarness(t, cfg, surplusChannel())
	require.NoError(t, h.svc.Designate(context.Background(), "chan-a", decimal.NewFromInt(100), decimal.Zero))
	h.provider.FailPayments(errors.New("no route"))

	h.cycle(t)
	assert.Equal(t, 0, h.channel(t, "chan-a").RiskCounter)
	assert.Equal(t, 1, h.channel(t, "chan-a").ConsecutiveFailures)
}

func TestProviderRoleWaitsWhenReceiverAboveTarget(t *testing.T) {
	cfg := testConfig()
	cfg.Stability.Role = "provider"
	// Our side is 95k sats, so the receiver holds $105.
	h := newHarness(t, cfg, channelWithOurSats(95_000))
	require.NoError(t, h.svc.Designate(context.Background(), "chan-a", decimal.NewFromInt(100), decimal.Zero))

	h.cycle(t)

	assert.Equal(t, "wait", h.channel(t, "chan-a").LastDecision)
	assert.Empty(t, h.provider.Payments())
}

func TestRunCycleWithoutPriceMarksChannelsUninitialised(t *testing.T) {
	h := newHarness(t, testConfig(), surplusChannel())
	require.NoError(t, h.svc.Designate(context.Background(), "chan-a", decimal.NewFromInt(100), decimal.Zero))
	h.oracle.set(0)

	h.cycle(t)

	ch := h.channel(t, "chan-a")
	assert.Equal(t, "not_initialized", ch.LastDecision)
	assert.Equal(t, "no price", ch.LastError)
	assert.Equal(t, 1, h.events.count(observability.EventStabilitySkipped))
	assert.Empty(t, h.provider.Payments())
}

func TestRunCycleRefreshMissMarksNotInitialised(t *testing.T) {
	h := newHarness(t, testConfig(), surplusChannel())
	require.NoError(t, h.svc.Designate(context.Background(), "chan-a", decimal.NewFromInt(100), decimal.Zero))
	h.provider.SetChannels()

	h.cycle(t)

	ch := h.channel(t, "chan-a")
	assert.Equal(t, "not_initialized", ch.LastDecision)
	assert.Equal(t, 1, h.events.count(observability.EventBalanceRefreshFailed))
}

func TestRegistrySyncRegistersKnownChannels(t *testing.T) {
	h := newHarness(t, testConfig(), channelWithOurSats(100_000))
	ctx := context.Background()
	require.NoError(t, h.registry.UpsertPeg(ctx, storage.PegRecord{ChannelID: "chan-a", TargetUSD: decimal.NewFromInt(100)}))
	require.NoError(t, h.registry.UpsertPeg(ctx, storage.PegRecord{ChannelID: "chan-gone", TargetUSD: decimal.NewFromInt(50)}))

	h.cycle(t)

	assert.Equal(t, []string{"chan-a"}, h.store.IDs())
	assert.Equal(t, "do_nothing", h.channel(t, "chan-a").LastDecision)
}

func TestChannelClosedEventThenPrune(t *testing.T) {
	h := newHarness(t, testConfig(), channelWithOurSats(100_000))
	ctx := context.Background()
	require.NoError(t, h.svc.Designate(ctx, "chan-a", decimal.NewFromInt(100), decimal.Zero))

	h.provider.Push(lightning.Event{Kind: lightning.EventChannelClosed, ChannelID: "chan-a", Reason: "cooperative"})
	n, err := h.svc.DrainEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.provider.PendingEvents())
	assert.True(t, h.channel(t, "chan-a").Closed)

	h.cycle(t)
	assert.Equal(t, statusClosed, h.channel(t, "chan-a").LastDecision)

	h.clock.advance(2 * time.Hour)
	h.cycle(t)
	assert.Zero(t, h.store.Len())
	pegs, err := h.registry.LoadPegs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pegs)
	assert.Equal(t, 1, h.events.count(observability.EventChannelPruned))
}

func TestChannelReadyAutoDesignates(t *testing.T) {
	cfg := testConfig()
	cfg.Stability.AutoDesignate = true
	h := newHarness(t, cfg, channelWithOurSats(100_000))
	ctx := context.Background()

	h.provider.Push(lightning.Event{Kind: lightning.EventChannelReady, ChannelID: "chan-a", CounterpartyID: "peer-a"})
	_, err := h.svc.DrainEvents(ctx)
	require.NoError(t, err)

	ch := h.channel(t, "chan-a")
	assert.Equal(t, "100", ch.TargetUSD.String())
	pegs, err := h.registry.LoadPegs(ctx)
	require.NoError(t, err)
	require.Len(t, pegs, 1)
	assert.Equal(t, 1, h.events.count(observability.EventChannelDesignated))
}

func TestChannelReadyBindsPlaceholder(t *testing.T) {
	cfg := testConfig()
	cfg.Stability.BindPlaceholder = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.cycle(t)
	ph := h.channel(t, state.UnboundID)
	assert.Equal(t, "not_initialized", ph.LastDecision)

	h.provider.SetChannels(channelWithOurSats(100_000))
	h.provider.Push(lightning.Event{Kind: lightning.EventChannelReady, ChannelID: "chan-a"})
	_, err := h.svc.DrainEvents(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"chan-a"}, h.store.IDs())
	pegs, err := h.registry.LoadPegs(ctx)
	require.NoError(t, err)
	require.Len(t, pegs, 1)
	assert.Equal(t, "chan-a", pegs[0].ChannelID)
}

func TestRunCycleBindsPlaceholderAndPersistsPeg(t *testing.T) {
	cfg := testConfig()
	cfg.Stability.BindPlaceholder = true
	h := newHarness(t, cfg, channelWithOurSats(100_000))
	ctx := context.Background()

	h.cycle(t)

	assert.Equal(t, []string{"chan-a"}, h.store.IDs())
	pegs, err := h.registry.LoadPegs(ctx)
	require.NoError(t, err)
	require.Len(t, pegs, 1)
	assert.Equal(t, "chan-a", pegs[0].ChannelID)
	assert.Equal(t, "100", pegs[0].TargetUSD.String())
	assert.Equal(t, 1, h.events.count(observability.EventChannelDesignated))

	// 重新同步注册表后通道仍然保留
	h.clock.advance(time.Minute)
	h.cycle(t)
	assert.Equal(t, []string{"chan-a"}, h.store.IDs())
}

func TestPaymentReceivedRecordsInboundLedger(t *testing.T) {
	h := newHarness(t, testConfig(), channelWithOurSats(100_000))

	h.provider.Push(lightning.Event{Kind: lightning.EventPaymentReceived, ChannelID: "chan-a", PaymentRef: "ref-1", AmountMsat: 2_000_000})
	_, err := h.svc.DrainEvents(context.Background())
	require.NoError(t, err)

	records, err := h.ledger.ListRecentPayments(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, storage.DirectionInbound, records[0].Direction)
	assert.Equal(t, "2", records[0].AmountUSD.String())
	assert.Equal(t, 1, h.events.count(observability.EventPaymentReceived))
}

type busyLocker struct{ calls int }

func (b *busyLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	b.calls++
	return nil, false, nil
}

func TestRunCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42
	h := newHarness(t, cfg, surplusChannel())
	require.NoError(t, h.svc.Designate(context.Background(), "chan-a", decimal.NewFromInt(100), decimal.Zero))
	locker := &busyLocker{}
	h.svc.locker = locker

	h.cycle(t)

	assert.Equal(t, 1, locker.calls)
	assert.Empty(t, h.provider.Payments())
}

func TestUndesignateRemovesChannel(t *testing.T) {
	h := newHarness(t, testConfig(), surplusChannel())
	ctx := context.Background()
	require.NoError(t, h.svc.Designate(ctx, "chan-a", decimal.NewFromInt(100), decimal.Zero))

	require.NoError(t, h.svc.Undesignate(ctx, "chan-a"))

	assert.Zero(t, h.store.Len())
	pegs, err := h.registry.LoadPegs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pegs)
}

func TestRegistryDeletionStopsManagingChannel(t *testing.T) {
	h := newHarness(t, testConfig(), surplusChannel())
	ctx := context.Background()
	require.NoError(t, h.svc.Designate(ctx, "chan-a", decimal.NewFromInt(100), decimal.Zero))

	// 另一个进程执行 undesignate 只会修改注册表
	require.NoError(t, h.registry.DeletePeg(ctx, "chan-a"))

	h.cycle(t)

	assert.Zero(t, h.store.Len())
	assert.Empty(t, h.provider.Payments())
	assert.Equal(t, 1, h.events.count(observability.EventChannelUndesignated))
}

type brokenRegistry struct{}

func (brokenRegistry) LoadPegs(ctx context.Context) ([]storage.PegRecord, error) {
	return nil, errors.New("registry unavailable")
}

func (brokenRegistry) UpsertPeg(ctx context.Context, rec storage.PegRecord) error { return nil }

func (brokenRegistry) DeletePeg(ctx context.Context, channelID string) error { return nil }

func TestRegistryReadFailureKeepsChannels(t *testing.T) {
	h := newHarness(t, testConfig(), surplusChannel())
	ctx := context.Background()
	require.NoError(t, h.svc.Designate(ctx, "chan-a", decimal.NewFromInt(100), decimal.Zero))
	h.svc.registry = brokenRegistry{}

	h.cycle(t)

	assert.Equal(t, []string{"chan-a"}, h.store.IDs())
	assert.Len(t, h.provider.Payments(), 1)
}

func TestDesignateRejectsUnknownChannel(t *testing.T) {
	h := newHarness(t, testConfig())
	err := h.svc.Designate(context.Background(), "missing", decimal.NewFromInt(100), decimal.Zero)
	assert.ErrorIs(t, err, state.ErrChannelNotFound)
}

func TestConsumeEventsStopsOnCancel(t *testing.T) {
	h := newHarness(t, testConfig(), channelWithOurSats(100_000))
	h.provider.Push(lightning.Event{Kind: lightning.EventPaymentSent, ChannelID: "chan-a", PaymentRef: "ref"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.ConsumeEvents(ctx) }()

	require.Eventually(t, func() bool { return h.provider.PendingEvents() == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("event consumer did not stop")
	}
}

func TestConsecutiveFailurePolicy(t *testing.T) {
	p := ConsecutiveFailurePolicy{Step: 25}
	assert.Equal(t, 75, p.Next(50, OutcomePaymentFailed))
	assert.Equal(t, 0, p.Next(75, OutcomePaid))
	assert.Equal(t, 0, p.Next(75, OutcomeInBand))
	assert.Equal(t, 75, p.Next(75, OutcomeNeutral))

	assert.Equal(t, 40, NoopRiskPolicy{}.Next(40, OutcomePaymentFailed))
	assert.IsType(t, NoopRiskPolicy{}, NewRiskPolicy(config.RiskPolicyNone, 0))
	assert.Equal(t, ConsecutiveFailurePolicy{Step: 25}, NewRiskPolicy(config.RiskPolicyConsecutiveFailures, 0))
}
