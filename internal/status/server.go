// Package status serves a read-only view of the peg loop over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stable-peg/internal/lightning"
	"stable-peg/internal/observability"
	"stable-peg/internal/state"
	"stable-peg/internal/version"
)

// ChannelReader exposes managed channel copies.
type ChannelReader interface {
	List() []state.Channel
	Snapshot(id string) (state.Channel, bool)
}

// PriceReader exposes the cached reference price without triggering a fetch.
type PriceReader interface {
	Snapshot() (decimal.Decimal, time.Time)
}

// Options configure the server.
type Options struct {
	Listen          string
	ShutdownTimeout time.Duration
}

// Server is the status HTTP server.
type Server struct {
	opts     Options
	channels ChannelReader
	price    PriceReader
	balances lightning.Provider
	logger   zerolog.Logger
	started  time.Time
}

// New constructs a status server. balances may be nil.
func New(opts Options, channels ChannelReader, price PriceReader, balances lightning.Provider, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		opts:     opts,
		channels: channels,
		price:    price,
		balances: balances,
		logger:   logger.With().Str("component", "status").Logger(),
		started:  time.Now().UTC(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(observability.Middleware)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", observability.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/channels", s.listChannels)
		r.Get("/channels/{channelID}", s.getChannel)
		r.Get("/price", s.getPrice)
		r.Get("/balances", s.getBalances)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("status server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

type healthResponse struct {
	Status   string    `json:"status"`
	Version  string    `json:"version"`
	Started  time.Time `json:"started_at"`
	Channels int       `json:"channels"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  version.Version,
		Started:  s.started,
		Channels: len(s.channels.List()),
	})
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.channels.List())
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	ch, ok := s.channels.Snapshot(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel not managed"})
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type priceResponse struct {
	Price      decimal.Decimal `json:"price"`
	CapturedAt *time.Time      `json:"captured_at,omitempty"`
	AgeSeconds float64         `json:"age_seconds"`
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	price, at := s.price.Snapshot()
	resp := priceResponse{Price: price}
	if !at.IsZero() {
		resp.CapturedAt = &at
		resp.AgeSeconds = time.Since(at).Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	if s.balances == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "provider not configured"})
		return
	}
	b, err := s.balances.ListBalances(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("list balances failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
