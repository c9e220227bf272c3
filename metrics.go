package ncoap

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the dispatcher and reliability
// engine update in-process as events occur.
type Metrics struct {
	Registry *prometheus.Registry

	RetransmissionsTotal prometheus.Counter
	DuplicatesTotal      prometheus.Counter
	TimeoutsTotal        prometheus.Counter
	DecodeErrorsTotal    prometheus.Counter
	ActiveExchanges      prometheus.Gauge
	PendingRetransmits   prometheus.Gauge
	ActiveObservers      prometheus.Gauge
	NotificationsTotal   prometheus.Counter
}

// NewMetrics builds a Metrics bound to a fresh registry. Passing an empty
// namespace uses "ncoap".
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ncoap"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RetransmissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retransmissions_total",
			Help: "Total number of CON retransmissions sent.",
		}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicates_total",
			Help: "Total number of duplicate CON messages suppressed.",
		}),
		TimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "timeouts_total",
			Help: "Total number of exchanges that exhausted MAX_RETRANSMIT.",
		}),
		DecodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_errors_total",
			Help: "Total number of inbound frames that failed to parse.",
		}),
		ActiveExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_exchanges",
			Help: "Number of exchanges currently awaiting a response.",
		}),
		PendingRetransmits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_retransmits",
			Help: "Number of outbound CON messages awaiting ACK/RST.",
		}),
		ActiveObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_observers",
			Help: "Number of registered resource observers.",
		}),
		NotificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Total number of observe notifications sent.",
		}),
	}
	reg.MustRegister(
		m.RetransmissionsTotal, m.DuplicatesTotal, m.TimeoutsTotal,
		m.DecodeErrorsTotal, m.ActiveExchanges, m.PendingRetransmits,
		m.ActiveObservers, m.NotificationsTotal,
	)
	return m
}
