package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Tick()
		m.TickSkipped()
		m.FetchError("network")
		m.Merged(1, 2, 3, 4)
		m.SendFailed(0)
		m.Pending(1)
		m.Send("accepted")
	})
}

func TestMerged(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Merged(2, 3, 1, 4)
	m.Merged(0, 1, 0, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.merges))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesConfirmed))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.messagesInserted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesFailed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingSends))
}

func TestLabelledCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.FetchError("timeout")
	m.FetchError("timeout")
	m.FetchError("server")
	m.Send("accepted")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetchErrors.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchErrors.WithLabelValues("server")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("accepted")))
}

func TestTicks(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Tick()
	m.Tick()
	m.TickSkipped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pollTicks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollTicksSkipped))
}
