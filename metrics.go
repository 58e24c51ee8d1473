package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================================
// Metrics
// ============================================================================

// Metrics exposes delivery and sync counters. A nil *Metrics is valid and
// records nothing, so instrumentation stays optional.
type Metrics struct {
	MessagesSent    *prometheus.CounterVec // channel: push|http
	SendFailures    prometheus.Counter
	Refreshes       *prometheus.CounterVec // trigger: poll|push|send|manual
	RefreshSkips    prometheus.Counter
	PushReconnects  prometheus.Counter
	TransportState  prometheus.Gauge
	AckLatency      prometheus.Histogram
	MessagesMarked  prometheus.Counter
}

// NewMetrics registers the chatsync metric set on reg. Pass
// prometheus.DefaultRegisterer for the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_sent_total",
			Help:      "Messages delivered, by channel.",
		}, []string{"channel"}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_failures_total",
			Help:      "Messages that reached a terminal failed state.",
		}),
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "refreshes_total",
			Help:      "Completed store reconciliations, by trigger.",
		}, []string{"trigger"}),
		RefreshSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "refresh_skips_total",
			Help:      "Refreshes dropped by the in-flight or throttle guard.",
		}),
		PushReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "push_reconnects_total",
			Help:      "Push channel reconnection attempts.",
		}),
		TransportState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "transport_state",
			Help:      "Active transport: 0 idle, 1 connecting, 2 push, 3 pull.",
		}),
		AckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatsync",
			Name:      "ack_latency_seconds",
			Help:      "Time from push emission to delivery acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}),
		MessagesMarked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_marked_read_total",
			Help:      "Received messages flipped to read.",
		}),
	}
}

func (m *Metrics) sent(channel string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(channel).Inc()
}

func (m *Metrics) sendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

func (m *Metrics) refreshed(trigger string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(trigger).Inc()
}

func (m *Metrics) refreshSkipped() {
	if m == nil {
		return
	}
	m.RefreshSkips.Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.PushReconnects.Inc()
}

func (m *Metrics) transport(s TransportState) {
	if m == nil {
		return
	}
	m.TransportState.Set(float64(s))
}

func (m *Metrics) markedRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesMarked.Add(float64(n))
}
