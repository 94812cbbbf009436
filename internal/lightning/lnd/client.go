// Package lnd implements the Channel Provider over LND's REST gateway.
package lnd

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stable-peg/internal/lightning"
)

// keysendRecord is the TLV type carrying the keysend preimage.
const keysendRecord = "5482373484"

// Options parameterise the LND client.
type Options struct {
	BaseURL      string
	MacaroonHex  string
	MacaroonPath string
	TLSCertPath  string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Client talks to one LND node.
type Client struct {
	opts     Options
	baseURL  string
	macaroon string
	client   *http.Client
	logger   zerolog.Logger

	mu       sync.Mutex
	known    map[string]lightning.ChannelInfo
	primed   bool
	lastPoll time.Time
	events   []lightning.Event
}

// New builds a client. The macaroon and TLS certificate are read eagerly so
// misconfiguration surfaces at startup.
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("lnd: base url not configured")
	}

	macaroon := strings.TrimSpace(opts.MacaroonHex)
	if macaroon == "" && opts.MacaroonPath != "" {
		raw, err := os.ReadFile(opts.MacaroonPath)
		if err != nil {
			return nil, fmt.Errorf("read macaroon: %w", err)
		}
		macaroon = hex.EncodeToString(raw)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLSCertPath != "" {
		pem, err := os.ReadFile(opts.TLSCertPath)
		if err != nil {
			return nil, fmt.Errorf("read tls cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("lnd: tls cert contains no certificates")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	return &Client{
		opts:     opts,
		baseURL:  baseURL,
		macaroon: macaroon,
		client:   &http.Client{Timeout: timeout, Transport: transport},
		logger:   logger.With().Str("component", "lnd_client").Logger(),
		known:    make(map[string]lightning.ChannelInfo),
	}, nil
}

type channelsResponse struct {
	Channels []struct {
		Active           bool   `json:"active"`
		RemotePubkey     string `json:"remote_pubkey"`
		ChanID           string `json:"chan_id"`
		Capacity         uint64 `json:"capacity,string"`
		LocalBalance     uint64 `json:"local_balance,string"`
		RemoteBalance    uint64 `json:"remote_balance,string"`
		LocalConstraints struct {
			ChanReserveSat uint64 `json:"chan_reserve_sat,string"`
		} `json:"local_constraints"`
	} `json:"channels"`
}

// ListChannels implements lightning.Provider.
func (c *Client) ListChannels(ctx context.Context) ([]lightning.ChannelInfo, error) {
	var res channelsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/channels", nil, &res); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	out := make([]lightning.ChannelInfo, 0, len(res.Channels))
	for _, ch := range res.Channels {
		reserve := ch.LocalConstraints.ChanReserveSat
		if reserve > ch.LocalBalance {
			reserve = ch.LocalBalance
		}
		out = append(out, lightning.ChannelInfo{
			ID:                     ch.ChanID,
			CounterpartyID:         ch.RemotePubkey,
			CapacitySats:           ch.Capacity,
			OutboundMsat:           (ch.LocalBalance - reserve) * 1000,
			InboundMsat:            ch.RemoteBalance * 1000,
			UnspendableReserveSats: reserve,
			Ready:                  ch.Active,
			Usable:                 ch.Active,
		})
	}

	c.observe(out)
	return out, nil
}

type walletBalanceResponse struct {
	ConfirmedBalance uint64 `json:"confirmed_balance,string"`
}

type channelBalanceResponse struct {
	Balance      uint64 `json:"balance,string"`
	LocalBalance *struct {
		Sat uint64 `json:"sat,string"`
	} `json:"local_balance"`
}

// ListBalances implements lightning.Provider.
func (c *Client) ListBalances(ctx context.Context) (lightning.Balances, error) {
	var wallet walletBalanceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/balance/blockchain", nil, &wallet); err != nil {
		return lightning.Balances{}, fmt.Errorf("wallet balance: %w", err)
	}
	var chans channelBalanceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/balance/channels", nil, &chans); err != nil {
		return lightning.Balances{}, fmt.Errorf("channel balance: %w", err)
	}

	ln := chans.Balance
	if chans.LocalBalance != nil {
		ln = chans.LocalBalance.Sat
	}
	return lightning.Balances{OnchainSats: wallet.ConfirmedBalance, LightningSats: ln}, nil
}

type sendRequest struct {
	Dest              string            `json:"dest"`
	AmtMsat           string            `json:"amt_msat"`
	PaymentHash       string            `json:"payment_hash"`
	DestCustomRecords map[string]string `json:"dest_custom_records"`
}

type sendResponse struct {
	PaymentError string `json:"payment_error"`
	PaymentHash  string `json:"payment_hash"`
}

// PaySpontaneous sends a keysend payment and returns the hex payment hash.
func (c *Client) PaySpontaneous(ctx context.Context, amountMsat uint64, counterpartyID string) (string, error) {
	if amountMsat == 0 {
		return "", lightning.ErrInvalidAmount
	}
	dest, err := hex.DecodeString(counterpartyID)
	if err != nil || len(dest) != 33 {
		return "", fmt.Errorf("invalid counterparty pubkey %q", counterpartyID)
	}

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", fmt.Errorf("generate preimage: %w", err)
	}
	hash := sha256.Sum256(preimage[:])

	req := sendRequest{
		Dest:        base64.StdEncoding.EncodeToString(dest),
		AmtMsat:     strconv.FormatUint(amountMsat, 10),
		PaymentHash: base64.StdEncoding.EncodeToString(hash[:]),
		DestCustomRecords: map[string]string{
			keysendRecord: base64.StdEncoding.EncodeToString(preimage[:]),
		},
	}

	var res sendResponse
	if err := c.do(ctx, http.MethodPost, "/v1/channels/transactions", req, &res); err != nil {
		return "", fmt.Errorf("send keysend: %w", err)
	}
	if res.PaymentError != "" {
		return "", fmt.Errorf("keysend failed: %s", res.PaymentError)
	}

	ref := hex.EncodeToString(hash[:])
	c.enqueue(lightning.Event{Kind: lightning.EventPaymentSent, CounterpartyID: counterpartyID, PaymentRef: ref, AmountMsat: amountMsat})
	c.logger.Info().Str("payment_hash", ref).Uint64("amount_msat", amountMsat).Msg("keysend payment sent")
	return ref, nil
}

// NextEvent implements lightning.Provider. LND's REST gateway has no simple
// event queue, so channel events are derived from successive channel lists.
func (c *Client) NextEvent(ctx context.Context) (lightning.Event, bool, error) {
	c.mu.Lock()
	due := len(c.events) == 0 && time.Since(c.lastPoll) >= c.opts.PollInterval
	c.mu.Unlock()

	if due {
		if _, err := c.ListChannels(ctx); err != nil {
			return lightning.Event{}, false, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return lightning.Event{}, false, nil
	}
	return c.events[0], true, nil
}

// AckEvent implements lightning.Provider.
func (c *Client) AckEvent(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return lightning.ErrNoEvent
	}
	c.events = c.events[1:]
	return nil
}

func (c *Client) enqueue(ev lightning.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *Client) observe(channels []lightning.ChannelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastPoll = time.Now()
	seen := make(map[string]lightning.ChannelInfo, len(channels))
	for _, ch := range channels {
		seen[ch.ID] = ch
		prev, existed := c.known[ch.ID]
		// the first listing establishes the baseline without replaying history
		if c.primed && ch.Ready && (!existed || !prev.Ready) {
			c.events = append(c.events, lightning.Event{Kind: lightning.EventChannelReady, ChannelID: ch.ID, CounterpartyID: ch.CounterpartyID})
		}
	}
	if c.primed {
		for id, prev := range c.known {
			if _, ok := seen[id]; !ok {
				c.events = append(c.events, lightning.Event{Kind: lightning.EventChannelClosed, ChannelID: id, CounterpartyID: prev.CounterpartyID})
			}
		}
	}
	c.known = seen
	c.primed = true
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("lnd api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("lnd api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("lnd api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("lnd api error (%d)", status)
}

var _ lightning.Provider = (*Client)(nil)
