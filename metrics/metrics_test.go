package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Request("sign_event", OutcomeOK)
	m.Request("sign_event", OutcomeOK)
	m.Request("sign_event", OutcomeDenied)
	m.Request("", OutcomeDropped)
	m.Publish(nil)
	m.Publish(errors.New("relay gone"))
	m.ConnectionState(2)
	m.Relays(3)
	m.Activations(4, 1)

	require.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("sign_event", OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("sign_event", OutcomeDenied)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unknown", OutcomeDropped)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.publishes.WithLabelValues("error")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.state))
	require.Equal(t, 3.0, testutil.ToFloat64(m.relays))
	require.Equal(t, 4.0, testutil.ToFloat64(m.activations.WithLabelValues("active")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.activations.WithLabelValues("pending")))

	n, err := testutil.GatherAndCount(reg, "nostria_signer_requests_total")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestNilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Request("ping", OutcomeOK)
		m.Publish(nil)
		m.ConnectionState(1)
		m.Relays(1)
		m.Activations(1, 1)
	})
}
