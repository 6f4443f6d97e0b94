package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the session's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	messagesSent   prometheus.Counter
	acks           *prometheus.CounterVec
	ackTimeouts    prometheus.Counter
	retries        prometheus.Counter
	reconnects     prometheus.Counter
	framesDropped  *prometheus.CounterVec
	receiptsSent   prometheus.Counter
	connectedGauge prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_sent_total",
			Help:      "Messages handed to the connection, including retries.",
		}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "acks_total",
			Help:      "Acknowledgments received, by result.",
		}, []string{"result"}),
		ackTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "ack_timeouts_total",
			Help:      "Messages failed because no acknowledgment arrived in time.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "retries_total",
			Help:      "User-triggered retries of failed messages.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
		receiptsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "read_receipts_sent_total",
			Help:      "Read receipts sent.",
		}),
		connectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connected",
			Help:      "1 while the connection is open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messagesSent, m.acks, m.ackTimeouts, m.retries,
			m.reconnects, m.framesDropped, m.receiptsSent, m.connectedGauge,
		)
	}
	return m
}

func (m *Metrics) sent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) ack(result string) {
	if m != nil {
		m.acks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.ackTimeouts.Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) receipt() {
	if m != nil {
		m.receiptsSent.Inc()
	}
}

func (m *Metrics) connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connectedGauge.Set(1)
	} else {
		m.connectedGauge.Set(0)
	}
}
