package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamhub"

type Metrics struct {
	Paths       *prometheus.GaugeVec
	Connections *prometheus.GaugeVec
	Delivered   *prometheus.CounterVec
	Failed      *prometheus.CounterVec
	Evicted     *prometheus.CounterVec
	Broadcasts  *prometheus.CounterVec
}

// New builds the collectors and registers them on registerer. A nil
// registerer leaves them unregistered, which is what tests use.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Paths: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paths",
			Help:      "Registered stream paths.",
		}, []string{"kind"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open connections.",
		}, []string{"kind"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages enqueued on a connection.",
		}, []string{"kind"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages that could not be enqueued on a connection.",
		}, []string{"kind"}),
		Evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_evicted_total",
			Help:      "Connections closed by the server.",
		}, []string{"reason"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast requests.",
		}, []string{"kind"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.Paths,
			m.Connections,
			m.Delivered,
			m.Failed,
			m.Evicted,
			m.Broadcasts,
		)
	}

	return m
}
