package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eureka_client"

// MetricsObserver exports events as Prometheus metrics.
type MetricsObserver struct {
	transitions      *prometheus.CounterVec
	callFailures     *prometheus.CounterVec
	heartbeatFailing prometheus.Gauge
	instances        prometheus.Gauge
	services         prometheus.Gauge
	refreshes        *prometheus.CounterVec
	refreshFailures  prometheus.Counter
	rejected         prometheus.Counter
	resolveMisses    *prometheus.CounterVec
}

// NewMetricsObserver registers its collectors with reg; a nil reg uses the default registry.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &MetricsObserver{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Registration state transitions by target state.",
		}, []string{"to"}),
		callFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_failures_total",
			Help:      "Failed registry calls by operation.",
		}, []string{"op"}),
		heartbeatFailing: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_consecutive_failures",
			Help:      "Consecutive failed heartbeats once the warning threshold is reached.",
		}),
		instances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_instances",
			Help:      "Instances in the cached registry snapshot.",
		}),
		services: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_services",
			Help:      "Services in the cached registry snapshot.",
		}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Successful registry refreshes by kind.",
		}, []string{"kind"}),
		refreshFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_failures_total",
			Help:      "Failed registry refreshes.",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Malformed instance records skipped while decoding.",
		}),
		resolveMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_misses_total",
			Help:      "Resolutions that returned no endpoint, by service.",
		}, []string{"service"}),
	}
}

// StateChanged labels by state name only; "HeartbeatFailing(3)" counts as HeartbeatFailing.
func (o *MetricsObserver) StateChanged(_, _, to string) {
	to, _, _ = strings.Cut(to, "(")
	o.transitions.WithLabelValues(to).Inc()
	if to == "Registered" {
		o.heartbeatFailing.Set(0)
	}
}

func (o *MetricsObserver) CallFailed(op string, _ error) {
	o.callFailures.WithLabelValues(op).Inc()
}

func (o *MetricsObserver) HeartbeatThreshold(_ string, consecutive int) {
	o.heartbeatFailing.Set(float64(consecutive))
}

func (o *MetricsObserver) Refreshed(services, instances int, delta bool) {
	kind := "full"
	if delta {
		kind = "delta"
	}
	o.refreshes.WithLabelValues(kind).Inc()
	o.services.Set(float64(services))
	o.instances.Set(float64(instances))
}

func (o *MetricsObserver) RefreshFailed(error) {
	o.refreshFailures.Inc()
}

func (o *MetricsObserver) RecordRejected(error) {
	o.rejected.Inc()
}

func (o *MetricsObserver) ResolveMissed(service string, _ error) {
	o.resolveMisses.WithLabelValues(service).Inc()
}
