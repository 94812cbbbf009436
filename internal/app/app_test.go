package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stable-peg/internal/config"
	"stable-peg/internal/lightning"
	"stable-peg/internal/stability"
	"stable-peg/internal/storage"
)

func loadTestConfig(t *testing.T, priceURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
provider:
  backend: memory
registry:
  backend: file
  path: %s
oracle:
  retry_delay: 1ms
  sources:
    - name: local
      url: %s
      path: [last]
`, filepath.Join(dir, "pegs.json"), priceURL)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestSimulateReceiverSurplus(t *testing.T) {
	a := NewApp(loadTestConfig(t, "http://127.0.0.1:1/price"), zerolog.Nop())

	var out bytes.Buffer
	decision, err := a.Simulate(context.Background(), SimulateOptions{
		Role:         "receiver",
		TargetUSD:    decimal.NewFromInt(100),
		ReceiverSats: 105_000,
		Price:        decimal.NewFromInt(100_000),
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, stability.ActionPay, decision.Action)
	assert.Equal(t, uint64(5_000_000), decision.AmountMsat)
	assert.Contains(t, out.String(), "pay(5000000 msat)")
}

func TestSimulateRejectsUnknownRole(t *testing.T) {
	a := NewApp(loadTestConfig(t, "http://127.0.0.1:1/price"), zerolog.Nop())
	_, err := a.Simulate(context.Background(), SimulateOptions{Role: "banker"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestChannelsEvaluatesRegisteredPegs(t *testing.T) {
	priceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"last":"100000"}`))
	}))
	defer priceSrv.Close()

	cfg := loadTestConfig(t, priceSrv.URL)
	a := NewApp(cfg, zerolog.Nop())
	a.provider = lightning.NewMemory(lightning.ChannelInfo{
		ID:             "chan-a",
		CounterpartyID: "peer-a",
		CapacitySats:   200_000,
		OutboundMsat:   100_000_000,
		InboundMsat:    100_000_000,
	})
	a.provider.(*lightning.Memory).SetBalances(lightning.Balances{OnchainSats: 250_000_000, LightningSats: 100_000})

	ctx := context.Background()
	require.NoError(t, a.Designate(ctx, DesignateOptions{ChannelID: "chan-a", TargetUSD: decimal.NewFromInt(100)}))
	err := a.Designate(ctx, DesignateOptions{ChannelID: "chan-missing", TargetUSD: decimal.NewFromInt(100)})
	assert.Error(t, err)

	var out bytes.Buffer
	require.NoError(t, a.Channels(ctx, &out))
	assert.Contains(t, out.String(), "chan-a")
	assert.Contains(t, out.String(), "do_nothing")
	assert.Contains(t, out.String(), "100000.00")
	assert.Contains(t, out.String(), "On-chain: 250000000 sats (2.5 BTC), Lightning: 100000 sats (0.001 BTC)")

	require.NoError(t, a.Undesignate(ctx, "chan-a"))
	out.Reset()
	require.NoError(t, a.Channels(ctx, &out))
	assert.Contains(t, out.String(), "no stable channels registered")
}

func TestDownsamplePrices(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	prices := make([]storage.PriceRecord, 10)
	for i := range prices {
		prices[i] = storage.PriceRecord{ID: int64(i), Price: decimal.NewFromInt(int64(100_000 + i)), CapturedAt: base.Add(time.Duration(i) * time.Minute)}
	}

	got := downsamplePrices(prices, 4)
	require.Len(t, got, 4)
	assert.Equal(t, int64(0), got[0].ID)
	assert.Equal(t, int64(9), got[3].ID)

	assert.Len(t, downsamplePrices(prices, 0), 10)
	assert.Len(t, downsamplePrices(prices, 20), 10)
}

func TestWritePricesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "prices.csv")
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, writePricesCSV(path, []storage.PriceRecord{{Price: decimal.RequireFromString("100000.5"), Sources: 3, CapturedAt: at}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "captured_at,btc_usd,sources\n2025-01-01T12:00:00Z,100000.5,3\n", string(data))
}

func TestPruneRejectsFutureCutoff(t *testing.T) {
	a := NewApp(loadTestConfig(t, "http://127.0.0.1:1/price"), zerolog.Nop())
	err := a.Prune(context.Background(), PruneOptions{Before: time.Now().Add(time.Hour)})
	assert.Error(t, err)
}
