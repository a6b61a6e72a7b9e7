package rendezvous

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "lockstep_rendezvous"

// metrics holds every collector the server updates.
type metrics struct {
	packets     *prometheus.CounterVec
	dropped     prometheus.Counter
	faults      *prometheus.CounterVec
	logins      prometheus.Counter
	mediations  *prometheus.CounterVec
	clients     prometheus.Gauge
	pendingConv prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		packets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_total",
			Help:      "Accepted packets by op",
		}, []string{"op"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped as malformed, unsigned, or from unknown players",
		}),
		faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "faults_total",
			Help:      "ERROR replies by the op they answered",
		}, []string{"op"}),
		logins: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logins_total",
			Help:      "Successful INSERTs",
		}),
		mediations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mediations_total",
			Help:      "Completed mediations by outcome",
		}, []string{"outcome"}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "clients",
			Help:      "Currently registered players",
		}),
		pendingConv: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_conveys",
			Help:      "Mediations awaiting the target's verdict",
		}),
	}
}
