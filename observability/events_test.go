package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWalletEventsCountsByKind(t *testing.T) {
	m := WalletEvents()
	before := testutil.ToFloat64(m.events.WithLabelValues("paymentReceived"))
	unknown := testutil.ToFloat64(m.events.WithLabelValues("unknown"))

	m.RecordEvent("paymentReceived")
	m.RecordEvent(" paymentReceived ")
	m.RecordEvent("")

	require.Equal(t, before+2, testutil.ToFloat64(m.events.WithLabelValues("paymentReceived")))
	require.Equal(t, unknown+1, testutil.ToFloat64(m.events.WithLabelValues("unknown")))

	var nilMetrics *WalletEventMetrics
	nilMetrics.RecordEvent("synced")
}
