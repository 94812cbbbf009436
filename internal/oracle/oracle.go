// Package oracle aggregates BTC/USD quotes from several public feeds into one
// reference price, cached for a short TTL.
package oracle

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"stable-peg/internal/observability"
)

// DefaultTTL is how long an aggregated price is served without refetching.
const DefaultTTL = 5 * time.Second

// Quote is one source's answer.
type Quote struct {
	Source string
	Value  decimal.Decimal
}

// PriceRecorder persists aggregated prices. It may be nil.
type PriceRecorder interface {
	InsertPrice(ctx context.Context, price decimal.Decimal, sources int, capturedAt time.Time) error
}

// Options parameterise the oracle.
type Options struct {
	TTL      time.Duration
	Cache    *Cache
	Emitter  observability.Emitter
	Recorder PriceRecorder
}

// Oracle produces the reference price.
type Oracle struct {
	sources  []Source
	ttl      time.Duration
	cache    *Cache
	emitter  observability.Emitter
	recorder PriceRecorder
	logger   zerolog.Logger
}

// New constructs an oracle over sources.
func New(sources []Source, opts Options, logger zerolog.Logger) *Oracle {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewCache()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = observability.Nop
	}

	return &Oracle{
		sources:  sources,
		ttl:      ttl,
		cache:    cache,
		emitter:  emitter,
		recorder: opts.Recorder,
		logger:   logger.With().Str("component", "price_oracle").Logger(),
	}
}

// Cache exposes the oracle's cache.
func (o *Oracle) Cache() *Cache { return o.cache }

// ReferencePrice returns the median of the configured sources. It never
// fails: when no source answers, the last good value (zero if none) is
// returned. Callers that lose the race for a refresh get the cached value
// immediately.
func (o *Oracle) ReferencePrice(ctx context.Context) decimal.Decimal {
	if value, fresh := o.cache.Fresh(o.ttl); fresh {
		return value
	}
	if !o.cache.TryBeginRefresh() {
		value, _ := o.cache.Snapshot()
		return value
	}

	var (
		median decimal.Decimal
		stored bool
	)
	defer func() { o.cache.EndRefresh(median, stored) }()

	quotes := o.fetchAll(ctx)
	if len(quotes) == 0 {
		previous, _ := o.cache.Snapshot()
		o.logger.Warn().Int("sources", len(o.sources)).Str("previous", previous.String()).Msg("no price source answered")
		o.emitter.Emit(observability.New(observability.EventPriceFetchFailed, map[string]any{
			"successful":         0,
			"sources_configured": len(o.sources),
		}))
		return previous
	}

	values := make([]decimal.Decimal, len(quotes))
	for i, q := range quotes {
		values[i] = q.Value
	}
	median, stored = Median(values), true

	o.logger.Debug().Str("price", median.String()).Int("sources_used", len(quotes)).Msg("reference price refreshed")
	o.emitter.Emit(observability.New(observability.EventPriceFetchCompleted, map[string]any{
		"price":              median,
		"sources_used":       len(quotes),
		"sources_configured": len(o.sources),
	}))

	if o.recorder != nil {
		if err := o.recorder.InsertPrice(ctx, median, len(quotes), time.Now().UTC()); err != nil {
			o.logger.Warn().Err(err).Msg("persist price history failed")
		}
	}
	return median
}

// fetchAll queries every source concurrently and returns the usable quotes in
// source order. A failing or panicking source never cancels the others.
func (o *Oracle) fetchAll(ctx context.Context) []Quote {
	results := make([]*Quote, len(o.sources))

	var g errgroup.Group
	for i, src := range o.sources {
		i, src := i, src
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error().Interface("panic", r).Str("source", src.Name()).Msg("price source panicked")
				}
			}()
			value, err := src.Fetch(ctx)
			if err != nil {
				o.logger.Warn().Err(err).Str("source", src.Name()).Msg("price source failed")
				return nil
			}
			results[i] = &Quote{Source: src.Name(), Value: value}
			return nil
		})
	}
	_ = g.Wait()

	quotes := make([]Quote, 0, len(results))
	for _, q := range results {
		if q != nil {
			quotes = append(quotes, *q)
		}
	}
	return quotes
}

// Median returns the middle value, or the mean of the two middle values for
// an even count. It returns zero for an empty slice.
func Median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Decimal{}
	}
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

// NewHTTPSources builds HTTP sources for cfgs.
func NewHTTPSources(cfgs []SourceConfig, opts HTTPOptions, logger zerolog.Logger) []Source {
	out := make([]Source, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, NewHTTPSource(cfg, opts, logger))
	}
	return out
}
