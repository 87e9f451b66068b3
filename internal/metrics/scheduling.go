package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scheduling exposes counters/histograms for booking, status and fan-out flows.
// A nil *Scheduling is valid and records nothing.
type Scheduling struct {
	proposalsTotal   *prometheus.CounterVec
	proposalLatency  *prometheus.HistogramVec
	transitionsTotal *prometheus.CounterVec
	txRetriesTotal   prometheus.Counter
	broadcastsTotal  *prometheus.CounterVec
	outboxTotal      *prometheus.CounterVec
	subscribers      prometheus.Gauge
}

func NewScheduling(reg prometheus.Registerer) *Scheduling {
	m := &Scheduling{
		proposalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicwave",
			Subsystem: "scheduling",
			Name:      "proposals_total",
			Help:      "Appointment proposals by kind and outcome",
		}, []string{"kind", "outcome"}),
		proposalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinicwave",
			Subsystem: "scheduling",
			Name:      "proposal_duration_seconds",
			Help:      "Latency of appointment proposals including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicwave",
			Subsystem: "scheduling",
			Name:      "transitions_total",
			Help:      "Status transitions by target status and outcome",
		}, []string{"to", "outcome"}),
		txRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicwave",
			Subsystem: "scheduling",
			Name:      "tx_retries_total",
			Help:      "Booking transactions retried after a serialization failure",
		}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicwave",
			Subsystem: "realtime",
			Name:      "messages_total",
			Help:      "Realtime messages by result (delivered, dropped, failed)",
		}, []string{"event_type", "result"}),
		outboxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicwave",
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Outbox event deliveries by sink and result",
		}, []string{"sink", "result"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinicwave",
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Open realtime subscriptions on this instance",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.proposalsTotal,
		m.proposalLatency,
		m.transitionsTotal,
		m.txRetriesTotal,
		m.broadcastsTotal,
		m.outboxTotal,
		m.subscribers,
	)
	return m
}

func (m *Scheduling) ObserveProposal(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.proposalsTotal.WithLabelValues(kind, outcome).Inc()
	m.proposalLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Scheduling) ObserveTransition(to, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to, outcome).Inc()
}

func (m *Scheduling) IncTxRetry() {
	if m == nil {
		return
	}
	m.txRetriesTotal.Inc()
}

func (m *Scheduling) ObserveBroadcast(eventType, result string) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(eventType, result).Inc()
}

func (m *Scheduling) ObserveOutbox(sink, result string) {
	if m == nil {
		return
	}
	m.outboxTotal.WithLabelValues(sink, result).Inc()
}

func (m *Scheduling) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
