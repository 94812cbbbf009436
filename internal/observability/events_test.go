package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEmitterWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(zerolog.New(&buf))

	emitter.Emit(New(EventPaymentFailed, map[string]any{"channel_id": "abc", "amount_msat": uint64(42)}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "payment_failed", line["event"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "abc", line["channel_id"])
	assert.Equal(t, "events", line["component"])
}

func TestMetricsEmitterTracksPrice(t *testing.T) {
	MetricsEmitter{}.Emit(New(EventPriceFetchCompleted, map[string]any{
		"price":        decimal.NewFromInt(101_500),
		"sources_used": 3,
	}))
	assert.Equal(t, 101_500.0, testutil.ToFloat64(ReferencePrice))
	assert.Equal(t, 3.0, testutil.ToFloat64(PriceSources))

	before := testutil.ToFloat64(PriceFetches.WithLabelValues("failed"))
	MetricsEmitter{}.Emit(New(EventPriceFetchFailed, map[string]any{"successful": 0}))
	assert.Equal(t, before+1, testutil.ToFloat64(PriceFetches.WithLabelValues("failed")))
	assert.Zero(t, testutil.ToFloat64(PriceSources))
}

func TestMultiFansOut(t *testing.T) {
	var got []string
	rec := EmitterFunc(func(ev Event) { got = append(got, ev.Name) })
	Multi{rec, nil, rec}.Emit(New(EventChannelReady, nil))
	assert.Equal(t, []string{EventChannelReady, EventChannelReady}, got)
}
