package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	// ErrMissingKey is returned when the response lacks a key on the path.
	ErrMissingKey = errors.New("oracle: key not found in response")
	// ErrBadValue is returned when the addressed value is not a positive number.
	ErrBadValue = errors.New("oracle: price value is not a positive number")
)

// Source fetches a single BTC price quote.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

// SourceConfig describes an HTTP JSON price feed. URL and Path entries may
// contain {currency} and {currency_lc} placeholders.
type SourceConfig struct {
	Name string   `mapstructure:"name"`
	URL  string   `mapstructure:"url"`
	Path []string `mapstructure:"path"`
}

// DefaultSources returns the built-in feeds.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{Name: "Bitstamp", URL: "https://www.bitstamp.net/api/v2/ticker/btc{currency_lc}/", Path: []string{"last"}},
		{Name: "CoinGecko", URL: "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies={currency_lc}", Path: []string{"bitcoin", "{currency_lc}"}},
		{Name: "Kraken", URL: "https://api.kraken.com/0/public/Ticker?pair=XXBTZ{currency}", Path: []string{"result", "XXBTZ{currency}", "c"}},
		{Name: "Coinbase", URL: "https://api.coinbase.com/v2/prices/spot?currency={currency}", Path: []string{"data", "amount"}},
		{Name: "Blockchain.com", URL: "https://blockchain.info/ticker", Path: []string{"{currency}", "last"}},
	}
}

// HTTPOptions parameterise HTTP sources.
type HTTPOptions struct {
	Currency          string
	Timeout           time.Duration
	Attempts          int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	UserAgent         string
}

// HTTPSource queries one JSON endpoint and walks a key path to the price.
type HTTPSource struct {
	name    string
	url     string
	path    []string
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHTTPSource builds a source from cfg, expanding currency placeholders.
func NewHTTPSource(cfg SourceConfig, opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 300 * time.Millisecond
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	path := make([]string, len(cfg.Path))
	for i, key := range cfg.Path {
		path[i] = expand(key, opts.Currency)
	}

	return &HTTPSource{
		name:    cfg.Name,
		url:     expand(cfg.URL, opts.Currency),
		path:    path,
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "price_source").Str("source", cfg.Name).Logger(),
	}
}

func expand(s, currency string) string {
	upper := strings.ToUpper(currency)
	s = strings.ReplaceAll(s, "{currency_lc}", strings.ToLower(upper))
	return strings.ReplaceAll(s, "{currency}", upper)
}

// Name implements Source.
func (s *HTTPSource) Name() string { return s.name }

// URL returns the expanded endpoint.
func (s *HTTPSource) URL() string { return s.url }

// Fetch implements Source. Transport errors, non-2xx responses and malformed
// JSON are retried with a fixed delay; a missing key or unusable value is not.
func (s *HTTPSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	var price decimal.Decimal
	attempt := 0

	op := func() error {
		attempt++
		payload, err := s.get(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Int("attempt", attempt).Msg("price request failed")
			return err
		}

		var doc any
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		p, err := extract(doc, s.path)
		if err != nil {
			return backoff.Permanent(err)
		}
		price = p
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryDelay), uint64(s.opts.Attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", s.name, err)
	}
	return price, nil
}

func (s *HTTPSource) get(ctx context.Context) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "stablepeg/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return payload, nil
}

// extract walks path through doc and coerces the final value to a price.
// Arrays along the way or at the end resolve to their first element.
func extract(doc any, path []string) (decimal.Decimal, error) {
	cur := doc
	for _, key := range path {
		cur = firstElement(cur)
		obj, ok := cur.(map[string]any)
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrMissingKey, key)
		}
		next, ok := obj[key]
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrMissingKey, key)
		}
		cur = next
	}

	var (
		value decimal.Decimal
		err   error
	)
	switch v := firstElement(cur).(type) {
	case json.Number:
		value, err = decimal.NewFromString(v.String())
	case string:
		value, err = decimal.NewFromString(strings.TrimSpace(v))
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: %T", ErrBadValue, v)
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	if value.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrBadValue, value)
	}
	return value, nil
}

func firstElement(v any) any {
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		return arr[0]
	}
	return v
}

var _ Source = (*HTTPSource)(nil)
