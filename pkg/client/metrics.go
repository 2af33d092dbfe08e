package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gatewaykit"

type metrics struct {
	reconnects prometheus.Counter
	requests   *prometheus.CounterVec
	events     prometheus.Counter
	seqGaps    prometheus.Counter
	pending    prometheus.Gauge
	rateQueue  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		// Private registry: metrics stay collectable without polluting the
		// default registerer when several clients live in one process.
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &metrics{
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Reconnection attempts triggered by unexpected closes or watchdog timeouts.",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Outbound gateway requests by method and outcome.",
		}, []string{"method", "outcome"}),
		events: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Inbound gateway events delivered to the event bus.",
		}),
		seqGaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sequence_gaps_total",
			Help:      "Event sequence gaps that triggered a state refresh.",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_requests",
			Help:      "Requests currently awaiting a response.",
		}),
		rateQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_queue",
			Help:      "Callers queued behind the rate limiter.",
		}),
	}
}

const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeTimeout  = "timeout"
	outcomeRejected = "rejected"
)
