package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     bool

	// SIP metrics
	SIPDatagramsReceived *prometheus.CounterVec
	SIPDatagramsDropped  *prometheus.CounterVec
	SIPInvitationsTotal  prometheus.Counter
	SIPAnswersTotal      *prometheus.CounterVec
	SIPTransportBound    prometheus.Gauge
)

// Init creates the registry and registers all collectors. Safe to call more than once.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SIPDatagramsReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voip_sip_datagrams_received_total",
				Help: "Total number of UDP datagrams handed to the SIP handler",
			},
			[]string{"transport"},
		)

		SIPDatagramsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voip_sip_datagrams_dropped_total",
				Help: "Total number of datagrams dropped without producing a call invitation",
			},
			[]string{"reason"},
		)

		SIPInvitationsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voip_sip_invitations_total",
				Help: "Total number of call invitations forwarded to the observer",
			},
		)

		SIPAnswersTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voip_sip_answers_total",
				Help: "Total number of 200 OK answers attempted",
			},
			[]string{"status"},
		)

		SIPTransportBound = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voip_sip_transport_bound",
				Help: "1 while the SIP UDP socket is bound",
			},
		)

		registry.MustRegister(
			SIPDatagramsReceived,
			SIPDatagramsDropped,
			SIPInvitationsTotal,
			SIPAnswersTotal,
			SIPTransportBound,
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)

		if logger != nil {
			logger.Info("Prometheus metrics initialized")
		}
	})
	metricsEnabled = true
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if !metricsEnabled {
		return
	}
	mux.Handle(defaultMetricsPath, Handler())
}

// Handler returns the promhttp handler for the registry
func Handler() http.Handler {
	return promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
}

// RecordDatagram records a datagram handed to the SIP handler
func RecordDatagram(transport string) {
	if metricsEnabled {
		SIPDatagramsReceived.WithLabelValues(transport).Inc()
	}
}

// RecordDrop records a datagram dropped on the receive path
func RecordDrop(reason string) {
	if metricsEnabled {
		SIPDatagramsDropped.WithLabelValues(reason).Inc()
	}
}

// RecordInvitation records a call invitation forwarded to the observer
func RecordInvitation() {
	if metricsEnabled {
		SIPInvitationsTotal.Inc()
	}
}

// RecordAnswer records an Answer attempt, status is "sent" or the error code
func RecordAnswer(status string) {
	if metricsEnabled {
		SIPAnswersTotal.WithLabelValues(status).Inc()
	}
}

// SetTransportBound tracks whether the SIP socket is bound
func SetTransportBound(bound bool) {
	if !metricsEnabled {
		return
	}
	if bound {
		SIPTransportBound.Set(1)
	} else {
		SIPTransportBound.Set(0)
	}
}
