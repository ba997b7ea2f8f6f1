// Package metrics exposes platform counters in the Prometheus format.
//
// Metrics implements the observer interfaces of the dispatcher, the MQTT
// client and the connectors, and is an info pack sink for instance states.
// Handler serves the registry at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/panduza/panduza-core/internal/errkind"
	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/instance"
)

const namespace = "panduza"

// Metrics holds the platform collectors.
type Metrics struct {
	registry *prometheus.Registry

	dispatched    *prometheus.CounterVec
	published     *prometheus.CounterVec
	exchanges     *prometheus.CounterVec
	exchangeTime  *prometheus.HistogramVec
	instanceState *prometheus.GaugeVec
	alerts        *prometheus.CounterVec
}

// New creates the collectors and registers them, with the Go runtime and
// process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "messages_total",
			Help:      "Inbound messages, by whether an endpoint received them",
		}, []string{"delivered"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publish_total",
			Help:      "Publishes, by outcome",
		}, []string{"status"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "exchanges_total",
			Help:      "Transport operations, by connector and error kind",
		}, []string{"connector", "kind"}),
		exchangeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "exchange_duration_seconds",
			Help:      "Duration of transport operations",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"connector"}),
		instanceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "state",
			Help:      "1 for the current state of each instance, 0 for the others",
		}, []string{"instance", "state"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "alerts_total",
			Help:      "Alerts raised by each instance",
		}, []string{"instance"}),
	}

	m.registry.MustRegister(
		m.dispatched, m.published, m.exchanges, m.exchangeTime, m.instanceState, m.alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDispatch implements dispatcher.Observer.
func (m *Metrics) ObserveDispatch(delivered bool) {
	if delivered {
		m.dispatched.WithLabelValues("true").Inc()
	} else {
		m.dispatched.WithLabelValues("false").Inc()
	}
}

// ObservePublish implements mqtt.Observer.
func (m *Metrics) ObservePublish(_ string, err error) {
	if err != nil {
		m.published.WithLabelValues("error").Inc()
		return
	}
	m.published.WithLabelValues("ok").Inc()
}

// ObserveExchange implements connector.Observer.
func (m *Metrics) ObserveExchange(key string, d time.Duration, err error) {
	kind := "ok"
	if err != nil {
		kind = errkind.Kind(err)
	}
	m.exchanges.WithLabelValues(key, kind).Inc()
	m.exchangeTime.WithLabelValues(key).Observe(d.Seconds())
}

// OnState implements infopack.Sink.
func (m *Metrics) OnState(inst, state string) {
	for _, s := range instance.States() {
		v := 0.0
		if s.String() == state {
			v = 1
		}
		m.instanceState.WithLabelValues(inst, s.String()).Set(v)
	}
}

// OnAlert implements infopack.Sink.
func (m *Metrics) OnAlert(inst string, _ infopack.Alert) {
	m.alerts.WithLabelValues(inst).Inc()
}

// Forget drops the series of a removed instance.
func (m *Metrics) Forget(inst string) {
	m.instanceState.DeletePartialMatch(prometheus.Labels{"instance": inst})
	m.alerts.DeleteLabelValues(inst)
}
