package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec

	commandsTotal *prometheus.CounterVec

	messagesAcceptedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	forwardsTotal *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec

	lockConflictsTotal prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailrelay_connections_total",
			Help: "Total number of connections opened.",
		}, []string{"proto"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailrelay_connections_active",
			Help: "Number of currently active connections.",
		}, []string{"proto"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailrelay_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"proto", "command"}),

		messagesAcceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailrelay_messages_accepted_total",
			Help: "Total number of messages accepted at end of DATA.",
		}, []string{"result"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailrelay_messages_size_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760},
		}),

		forwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailrelay_forwards_total",
			Help: "Total number of completed forward jobs.",
		}, []string{"outcome"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailrelay_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"proto", "result"}),

		lockConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailrelay_mailbox_lock_conflicts_total",
			Help: "Total number of POP3 logins rejected due to a locked mailbox.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.commandsTotal,
		c.messagesAcceptedTotal,
		c.messagesSizeBytes,
		c.forwardsTotal,
		c.authAttemptsTotal,
		c.lockConflictsTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(proto string) {
	c.connectionsTotal.WithLabelValues(proto).Inc()
	c.connectionsActive.WithLabelValues(proto).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(proto string) {
	c.connectionsActive.WithLabelValues(proto).Dec()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(proto string, command string) {
	c.commandsTotal.WithLabelValues(proto, command).Inc()
}

// MessageAccepted increments the accepted-message counter and observes the size.
func (c *PrometheusCollector) MessageAccepted(result string, sizeBytes int64) {
	c.messagesAcceptedTotal.WithLabelValues(result).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// ForwardCompleted increments the forward outcome counter.
func (c *PrometheusCollector) ForwardCompleted(outcome string) {
	c.forwardsTotal.WithLabelValues(outcome).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(proto string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(proto, result).Inc()
}

// MailboxLockConflict increments the lock conflict counter.
func (c *PrometheusCollector) MailboxLockConflict() {
	c.lockConflictsTotal.Inc()
}
