// Package metrics exposes Prometheus collectors for the poll loop and the
// reconciliation engine. Every recorder method is safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	pollTicks         prometheus.Counter
	pollTicksSkipped  prometheus.Counter
	fetchErrors       *prometheus.CounterVec
	merges            prometheus.Counter
	messagesConfirmed prometheus.Counter
	messagesInserted  prometheus.Counter
	messagesFailed    prometheus.Counter
	pendingSends      prometheus.Gauge
	sends             *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pollTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_poll_ticks_total",
			Help: "Poll ticks that issued a fetch.",
		}),
		pollTicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_poll_ticks_skipped_total",
			Help: "Poll ticks skipped because a fetch was still in flight.",
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_fetch_errors_total",
			Help: "Failed snapshot fetches by error kind.",
		}, []string{"kind"}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_merges_total",
			Help: "Snapshots merged into the transcript.",
		}),
		messagesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_confirmed_total",
			Help: "Optimistic messages replaced by their server copy.",
		}),
		messagesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_inserted_total",
			Help: "Server messages added without a local counterpart.",
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_failed_total",
			Help: "Optimistic messages marked failed.",
		}),
		pendingSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_pending_sends",
			Help: "Sends awaiting confirmation in the active channel.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Send attempts by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.pollTicks,
			m.pollTicksSkipped,
			m.fetchErrors,
			m.merges,
			m.messagesConfirmed,
			m.messagesInserted,
			m.messagesFailed,
			m.pendingSends,
			m.sends,
		)
	}
	return m
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.pollTicks.Inc()
}

func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.pollTicksSkipped.Inc()
}

func (m *Metrics) FetchError(kind string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(kind).Inc()
}

// Merged records the outcome of one merge.
func (m *Metrics) Merged(confirmed, inserted, failed, pending int) {
	if m == nil {
		return
	}
	m.merges.Inc()
	m.messagesConfirmed.Add(float64(confirmed))
	m.messagesInserted.Add(float64(inserted))
	m.messagesFailed.Add(float64(failed))
	m.pendingSends.Set(float64(pending))
}

// SendFailed counts a send failed outside of a merge.
func (m *Metrics) SendFailed(pending int) {
	if m == nil {
		return
	}
	m.messagesFailed.Inc()
	m.pendingSends.Set(float64(pending))
}

func (m *Metrics) Pending(n int) {
	if m == nil {
		return
	}
	m.pendingSends.Set(float64(n))
}

func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}
