package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stable-peg/internal/lightning"
	"stable-peg/internal/stability"
	"stable-peg/internal/state"
)

type fixedPrice struct {
	price decimal.Decimal
	at    time.Time
}

func (f fixedPrice) Snapshot() (decimal.Decimal, time.Time) { return f.price, f.at }

func newTestServer(t *testing.T) (*httptest.Server, *lightning.Memory) {
	t.Helper()
	provider := lightning.NewMemory(lightning.ChannelInfo{
		ID:             "chan-a",
		CounterpartyID: "peer-a",
		CapacitySats:   200_000,
		OutboundMsat:   100_000_000,
		InboundMsat:    100_000_000,
	})
	provider.SetBalances(lightning.Balances{OnchainSats: 5000, LightningSats: 100_000})

	store := state.New(provider, state.Options{}, zerolog.Nop())
	require.NoError(t, store.Register(context.Background(), "chan-a", stability.RoleReceiver, decimal.NewFromInt(100), decimal.Zero))

	srv := New(Options{}, store, fixedPrice{price: decimal.NewFromInt(100_000), at: time.Now()}, provider, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, provider
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	var body healthResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Channels)
}

func TestChannels(t *testing.T) {
	ts, _ := newTestServer(t)

	var list []map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/channels", &list))
	require.Len(t, list, 1)
	assert.Equal(t, "chan-a", list[0]["channel_id"])
	assert.Equal(t, "receiver", list[0]["role"])

	var one map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/channels/chan-a", &one))
	assert.Equal(t, "not_initialized", one["last_decision"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/channels/unknown", nil))
}

func TestPriceAndBalances(t *testing.T) {
	ts, _ := newTestServer(t)

	var price map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/price", &price))
	assert.Equal(t, "100000", price["price"])

	var balances lightning.Balances
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/balances", &balances))
	assert.Equal(t, uint64(5000), balances.OnchainSats)
	assert.Equal(t, uint64(100_000), balances.LightningSats)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/metrics", nil))
}
