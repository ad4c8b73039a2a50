package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionsAccepted.Inc()
	m.ConnectionsClosed.WithLabelValues("permanent").Inc()
	m.BytesRelayed.WithLabelValues("client_to_server").Add(42)

	if got := testutil.ToFloat64(m.ConnectionsAccepted); got != 1 {
		t.Errorf("ConnectionsAccepted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("permanent")); got != 1 {
		t.Errorf("ConnectionsClosed{permanent} = %v, want 1", got)
	}
}
