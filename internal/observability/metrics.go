package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the daemon. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Sessions         *prometheus.GaugeVec
	AdjacenciesUp    prometheus.Gauge
	Commands         *prometheus.CounterVec
	StatusUpdates    *prometheus.CounterVec
	LivenessFailures prometheus.Counter
	Replays          prometheus.Counter
	ServiceConnected prometheus.Gauge
	Reconnects       prometheus.Counter
	QueueDepth       prometheus.Gauge
	EventDuration    *prometheus.HistogramVec
	ConfigReloads    *prometheus.CounterVec
}

// NewMetrics registers all metrics against reg, defaulting to the global
// registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		gatherer: gatherer,
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "isisbfd_sessions",
			Help: "Number of liveness sessions per address family.",
		}, []string{"family"}),
		AdjacenciesUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "isisbfd_adjacencies_liveness_up",
			Help: "Number of adjacencies whose aggregate liveness is up.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isisbfd_commands_total",
			Help: "Commands issued to the detection service, by kind and result.",
		}, []string{"kind", "result"}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isisbfd_status_updates_total",
			Help: "Status updates received from the detection service.",
		}, []string{"status", "matched"}),
		LivenessFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isisbfd_liveness_failures_total",
			Help: "Adjacencies whose aggregate liveness went from up to down.",
		}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isisbfd_replays_total",
			Help: "Replay requests handled.",
		}),
		ServiceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "isisbfd_service_connected",
			Help: "Whether the detection service connection is up.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isisbfd_service_reconnects_total",
			Help: "Connection attempts to the detection service after a failure.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "isisbfd_command_queue_depth",
			Help: "Commands waiting to be sent to the detection service.",
		}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "isisbfd_event_duration_seconds",
			Help:    "Time spent handling one event in the event loop.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"event"}),
		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isisbfd_config_reloads_total",
			Help: "Configuration reloads applied, by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.Sessions,
		m.AdjacenciesUp,
		m.Commands,
		m.StatusUpdates,
		m.LivenessFailures,
		m.Replays,
		m.ServiceConnected,
		m.Reconnects,
		m.QueueDepth,
		m.EventDuration,
		m.ConfigReloads,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SetSessions(family string, n int) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(family).Set(float64(n))
}

func (m *Metrics) SetAdjacenciesUp(n int) {
	if m == nil {
		return
	}
	m.AdjacenciesUp.Set(float64(n))
}

// IncCommand counts one command. result is "sent", "dropped" or "failed".
func (m *Metrics) IncCommand(kind, result string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncStatusUpdate(status string, matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.StatusUpdates.WithLabelValues(status, label).Inc()
}

func (m *Metrics) IncLivenessFailure() {
	if m == nil {
		return
	}
	m.LivenessFailures.Inc()
}

func (m *Metrics) IncReplay() {
	if m == nil {
		return
	}
	m.Replays.Inc()
}

func (m *Metrics) SetServiceConnected(up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.ServiceConnected.Set(v)
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) ObserveEvent(event string, seconds float64) {
	if m == nil {
		return
	}
	m.EventDuration.WithLabelValues(event).Observe(seconds)
}

func (m *Metrics) IncConfigReload(result string) {
	if m == nil {
		return
	}
	m.ConfigReloads.WithLabelValues(result).Inc()
}
