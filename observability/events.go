package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// WalletEventMetrics counts events received from the wallet daemon stream.
type WalletEventMetrics struct {
	events *prometheus.CounterVec
}

var (
	walletEventsOnce     sync.Once
	walletEventsRegistry *WalletEventMetrics
)

// WalletEvents returns the metrics registry tracking streamed wallet events.
func WalletEvents() *WalletEventMetrics {
	walletEventsOnce.Do(func() {
		walletEventsRegistry = &WalletEventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loopofwork",
				Subsystem: "wallet",
				Name:      "events_total",
				Help:      "Count of wallet daemon events segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(walletEventsRegistry.events)
	})
	return walletEventsRegistry
}

// RecordEvent increments the counter for kind. Events the stream could not
// decode are counted as "unknown".
func (m *WalletEventMetrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(kind)
	if normalized == "" {
		normalized = "unknown"
	}
	m.events.WithLabelValues(normalized).Inc()
}
