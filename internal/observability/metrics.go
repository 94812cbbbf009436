package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// ReferencePrice is the last aggregated BTC/USD price.
	ReferencePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stablepeg_reference_price_usd",
		Help: "Last aggregated BTC/USD reference price",
	})

	// PriceSources tracks how many sources contributed to the last aggregation.
	PriceSources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stablepeg_price_sources_used",
		Help: "Number of price sources that returned a usable quote in the last refresh",
	})

	// PriceFetches counts refresh batches by outcome.
	PriceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stablepeg_price_fetches_total",
		Help: "Price refresh batches by outcome",
	}, []string{"outcome"})

	// Decisions counts stability decisions by action.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stablepeg_decisions_total",
		Help: "Stability decisions by action",
	}, []string{"action"})

	// Payments counts stability payments by status.
	Payments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stablepeg_payments_total",
		Help: "Stability payments by status",
	}, []string{"status"})

	// DeviationPct is the last observed deviation from target per channel.
	DeviationPct = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stablepeg_deviation_pct",
		Help: "Absolute deviation of the receiver balance from target, in percent",
	}, []string{"channel_id"})

	// RefreshFailures counts failed balance refreshes.
	RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stablepeg_balance_refresh_failures_total",
		Help: "Balance refreshes that failed or found no matching channel",
	})

	// ManagedChannels tracks the number of managed channels.
	ManagedChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stablepeg_managed_channels",
		Help: "Channels currently managed by the stability loop",
	})

	// CycleDuration tracks orchestrator cycle latency.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stablepeg_cycle_duration_seconds",
		Help:    "Duration of one stability cycle",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// HTTPRequestsTotal counts status server requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stablepeg_http_requests_total",
		Help: "Status server requests",
	}, []string{"method", "path", "status"})
)

// MetricsEmitter folds events into the Prometheus series above.
type MetricsEmitter struct{}

// Emit implements Emitter.
func (MetricsEmitter) Emit(ev Event) {
	switch ev.Name {
	case EventPriceFetchCompleted:
		PriceFetches.WithLabelValues("ok").Inc()
		if p, ok := ev.Payload["price"].(decimal.Decimal); ok {
			ReferencePrice.Set(p.InexactFloat64())
		}
		if n, ok := ev.Payload["sources_used"].(int); ok {
			PriceSources.Set(float64(n))
		}
	case EventPriceFetchFailed:
		PriceFetches.WithLabelValues("failed").Inc()
		PriceSources.Set(0)
	case EventStabilityDecision:
		if a, ok := ev.Payload["action"].(string); ok {
			Decisions.WithLabelValues(a).Inc()
		}
		id, _ := ev.Payload["channel_id"].(string)
		if pct, ok := ev.Payload["deviation_pct"].(decimal.Decimal); ok && id != "" {
			DeviationPct.WithLabelValues(id).Set(pct.InexactFloat64())
		}
	case EventPaymentSucceeded:
		Payments.WithLabelValues("succeeded").Inc()
	case EventPaymentFailed:
		Payments.WithLabelValues("failed").Inc()
	case EventBalanceRefreshFailed:
		RefreshFailures.Inc()
	case EventChannelPruned, EventChannelClosed, EventChannelUndesignated:
		if id, ok := ev.Payload["channel_id"].(string); ok {
			DeviationPct.DeleteLabelValues(id)
		}
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts for the status server.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
	})
}

// ObserveCycle records how long a cycle took.
func ObserveCycle(start time.Time) {
	CycleDuration.Observe(time.Since(start).Seconds())
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

var _ Emitter = MetricsEmitter{}
