package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"stable-peg/internal/alerting"
	"stable-peg/internal/config"
	"stable-peg/internal/lightning"
	"stable-peg/internal/lightning/lnd"
	"stable-peg/internal/observability"
	"stable-peg/internal/oracle"
	"stable-peg/internal/scheduler"
	"stable-peg/internal/service"
	"stable-peg/internal/state"
	"stable-peg/internal/status"
	"stable-peg/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	// provider overrides the configured backend; used by tests.
	provider lightning.Provider
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newProvider() (lightning.Provider, error) {
	if a.provider != nil {
		return a.provider, nil
	}
	switch a.Config.Provider.Backend {
	case config.ProviderMemory:
		a.Logger.Warn().Msg("using in-memory channel provider; no real payments will be sent")
		a.provider = lightning.NewMemory()
	default:
		cfg := a.Config.Provider.LND
		client, err := lnd.New(lnd.Options{
			BaseURL:      cfg.URL,
			MacaroonHex:  cfg.MacaroonHex,
			MacaroonPath: cfg.MacaroonPath,
			TLSCertPath:  cfg.TLSCertPath,
			Timeout:      cfg.Timeout,
			PollInterval: cfg.PollInterval,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("init lnd client: %w", err)
		}
		a.provider = client
	}
	return a.provider, nil
}

func (a *App) newOracle(emitter observability.Emitter, recorder oracle.PriceRecorder) *oracle.Oracle {
	sources := oracle.NewHTTPSources(a.Config.Oracle.Sources, a.Config.HTTPOptions(), a.Logger)
	return oracle.New(sources, oracle.Options{
		TTL:      a.Config.Oracle.TTL,
		Emitter:  emitter,
		Recorder: recorder,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	return alerting.NewThrottle(telegram, a.Config.Alerting.Cooldown)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openMirror(ctx context.Context) (*storage.StatusMirror, error) {
	if a.Config.Redis.URL == "" {
		return nil, nil
	}
	rdb, err := storage.NewRedis(ctx, a.Config.Redis)
	if err != nil {
		return nil, err
	}
	return storage.NewStatusMirror(rdb, a.Config.Redis.KeyPrefix, a.Config.Redis.TTL), nil
}

func (a *App) newRegistry(pg *storage.Store) (storage.PegRegistry, error) {
	switch a.Config.Registry.Backend {
	case config.RegistryPostgres:
		if pg == nil {
			return nil, errors.New("registry.backend=postgres requires database.dsn")
		}
		return pg, nil
	default:
		return storage.NewFileRegistry(a.Config.Registry.Path), nil
	}
}

func (a *App) newEmitter() observability.Emitter {
	return observability.Multi{observability.NewLogEmitter(a.Logger), observability.MetricsEmitter{}}
}

// runtime is the dependency graph shared by Run and the operator commands.
type runtime struct {
	provider lightning.Provider
	pg       *storage.Store
	registry storage.PegRegistry
	mirror   *storage.StatusMirror
	oracle   *oracle.Oracle
	store    *state.Store
	emitter  observability.Emitter
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) buildRuntime(ctx context.Context, withMirror bool) (*runtime, error) {
	rt := &runtime{emitter: a.newEmitter()}

	pg, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if pg == nil {
		a.Logger.Warn().Msg("database.dsn not configured; ledger and price history disabled")
	} else {
		rt.pg = pg
		rt.closers = append(rt.closers, closeStore)
	}

	if rt.provider, err = a.newProvider(); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.registry, err = a.newRegistry(rt.pg); err != nil {
		rt.Close()
		return nil, err
	}

	if withMirror {
		mirror, err := a.openMirror(ctx)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if mirror != nil {
			rt.mirror = mirror
			rt.closers = append(rt.closers, func() { _ = mirror.Close() })
		}
	}

	var recorder oracle.PriceRecorder
	if rt.pg != nil && a.Config.Oracle.RecordHistory {
		recorder = rt.pg
	}
	rt.oracle = a.newOracle(rt.emitter, recorder)
	rt.store = state.New(rt.provider, state.Options{PaymentHold: a.Config.Stability.PaymentHold}, a.Logger)
	return rt, nil
}

func (a *App) newService(rt *runtime, sched *scheduler.Scheduler) *service.Service {
	deps := service.Deps{
		Scheduler: sched,
		Oracle:    rt.oracle,
		Provider:  rt.provider,
		Store:     rt.store,
		Registry:  rt.registry,
		Emitter:   rt.emitter,
	}
	if rt.pg != nil {
		deps.Payments = rt.pg
		deps.Locker = rt.pg
	}
	if rt.mirror != nil {
		deps.Mirror = rt.mirror
	}
	if notifier := a.newNotifier(); notifier != nil {
		deps.Notifier = notifier
	}
	return service.New(a.Config, deps, a.Logger)
}

// Run executes the long-running stability service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.buildRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched := scheduler.New(scheduler.Options{
		Interval:        a.Config.Scheduler.Interval,
		AlignToInterval: a.Config.Scheduler.AlignToInterval,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
		RunImmediately:  a.Config.Scheduler.RunImmediately,
	}, a.Logger)
	svc := a.newService(rt, sched)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return svc.Run(gctx)
	})
	if a.Config.Status.Enabled {
		srv := status.New(status.Options{Listen: a.Config.Status.Listen}, rt.store, rt.oracle.Cache(), rt.provider, a.Logger)
		group.Go(func() error {
			return srv.Run(gctx)
		})
	}

	a.Logger.Info().
		Str("role", a.Config.Role().String()).
		Dur("interval", a.Config.Scheduler.Interval).
		Str("provider", a.Config.Provider.Backend).
		Msg("starting stability service")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("stability service stopped")
	return nil
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PruneOptions configure ledger and history retention.
type PruneOptions struct {
	Before time.Time
	DryRun bool
}

// DesignateOptions configure the designate command.
type DesignateOptions struct {
	ChannelID string
	TargetUSD decimal.Decimal
	NativeBTC decimal.Decimal
}

// SimulateOptions describe one hypothetical channel state.
type SimulateOptions struct {
	Role         string
	TargetUSD    decimal.Decimal
	ReceiverSats uint64
	Price        decimal.Decimal
	Risk         int
	Notify       bool
}
