package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics wraps collectors tracking the payment-request lifecycle.
type PaymentMetrics struct {
	settlements    *prometheus.CounterVec
	redemptions    *prometheus.CounterVec
	depositClaims  *prometheus.CounterVec
	sweeps         *prometheus.CounterVec
	quotes         *prometheus.CounterVec
	quoteRate      prometheus.Gauge
	watchers       prometheus.Gauge
	backendLatency *prometheus.HistogramVec
	receipts       prometheus.Counter
	authFailures   *prometheus.CounterVec
}

var (
	paymentMetricsOnce sync.Once
	paymentRegistry    *PaymentMetrics
)

// Payments returns the lazily initialised payment metrics registry.
func Payments() *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentRegistry = &PaymentMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "low",
				Subsystem: "payments",
				Name:      "settlements_total",
				Help:      "Settlements observed segmented by rail and outcome.",
			}, []string{"rail", "outcome"}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "low",
				Subsystem: "payments",
				Name:      "redemptions_total",
				Help:      "Discount redemption attempts segmented by outcome.",
			}, []string{"outcome"}),
			depositClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "low",
				Subsystem: "payments",
				Name:      "deposit_claims_total",
				Help:      "On-chain deposit claims segmented by outcome.",
			}, []string{"outcome"}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "low",
				Subsystem: "payments",
				Name:      "sweeps_total",
				Help:      "Sub-account sweeps segmented by rail and outcome.",
			}, []string{"rail", "outcome"}),
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "low",
				Subsystem: "payments",
				Name:      "quotes_total",
				Help:      "Quote computations segmented by outcome.",
			}, []string{"outcome"}),
			quoteRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "low",
				Subsystem: "payments",
				Name:      "fiat_per_btc",
				Help:      "Most recently accepted fiat per BTC rate.",
			}),
			watchers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "low",
				Subsystem: "payments",
				Name:      "active_watchers",
				Help:      "Settlement watchers currently polling.",
			}),
			backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "low",
				Subsystem: "backend",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for backend API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "status"}),
			receipts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "low",
				Subsystem: "payments",
				Name:      "receipts_issued_total",
				Help:      "Loyalty receipts minted.",
			}),
			authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "low",
				Subsystem: "identity",
				Name:      "auth_failures_total",
				Help:      "Authentication failures segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			paymentRegistry.settlements,
			paymentRegistry.redemptions,
			paymentRegistry.depositClaims,
			paymentRegistry.sweeps,
			paymentRegistry.quotes,
			paymentRegistry.quoteRate,
			paymentRegistry.watchers,
			paymentRegistry.backendLatency,
			paymentRegistry.receipts,
			paymentRegistry.authFailures,
		)
	})
	return paymentRegistry
}

// RecordSettlement counts an observed settlement transition.
func (m *PaymentMetrics) RecordSettlement(rail, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(label(rail), label(outcome)).Inc()
}

// RecordRedemption counts a redemption attempt outcome.
func (m *PaymentMetrics) RecordRedemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(label(outcome)).Inc()
}

// RecordDepositClaim counts a single deposit claim outcome.
func (m *PaymentMetrics) RecordDepositClaim(err error) {
	if m == nil {
		return
	}
	outcome := "claimed"
	if err != nil {
		outcome = "failed"
	}
	m.depositClaims.WithLabelValues(outcome).Inc()
}

// RecordSweep counts a sub-account sweep.
func (m *PaymentMetrics) RecordSweep(rail, outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(label(rail), label(outcome)).Inc()
}

// RecordQuote counts a quote computation and tracks the accepted rate.
func (m *PaymentMetrics) RecordQuote(rate float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.quotes.WithLabelValues("unavailable").Inc()
		return
	}
	m.quotes.WithLabelValues("ok").Inc()
	if rate > 0 {
		m.quoteRate.Set(rate)
	}
}

// WatcherStarted increments the active watcher gauge.
func (m *PaymentMetrics) WatcherStarted() {
	if m == nil {
		return
	}
	m.watchers.Inc()
}

// WatcherStopped decrements the active watcher gauge.
func (m *PaymentMetrics) WatcherStopped() {
	if m == nil {
		return
	}
	m.watchers.Dec()
}

// ObserveBackend records the latency of a backend API call.
func (m *PaymentMetrics) ObserveBackend(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.backendLatency.WithLabelValues(route, statusLabel(status)).Observe(d.Seconds())
}

// RecordReceipt counts a minted receipt.
func (m *PaymentMetrics) RecordReceipt() {
	if m == nil {
		return
	}
	m.receipts.Inc()
}

// RecordAuthFailure counts an authentication failure.
func (m *PaymentMetrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(label(reason)).Inc()
}

func label(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func statusLabel(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
