package delivery

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the delivery core's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Sequenced      prometheus.Counter
	AppendRetries  prometheus.Counter
	AppendFailures prometheus.Counter
	Pushes         *prometheus.CounterVec // result=queued|held|skipped|dropped|overflow
	Connections    prometheus.Gauge
	Evictions      *prometheus.CounterVec // reason=idle|overflow|drain|unregister
	CatchUps       *prometheus.CounterVec // truncated=true|false
	Acks           *prometheus.CounterVec // result=advanced|stale
	BusMessages    *prometheus.CounterVec // direction=out|in, result=ok|error
}

// NewMetrics builds and registers the collectors on reg. A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sequenced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "sequencer", Name: "messages_total",
			Help: "Messages assigned a seq and persisted.",
		}),
		AppendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "sequencer", Name: "append_retries_total",
			Help: "Store append attempts retried after a failure or seq conflict.",
		}),
		AppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "sequencer", Name: "append_failures_total",
			Help: "Appends that exhausted retries and surfaced a persistence error.",
		}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "fanout", Name: "pushes_total",
			Help: "Per-connection push outcomes.",
		}, []string{"result"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier", Subsystem: "registry", Name: "connections",
			Help: "Live registered connections.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "registry", Name: "removals_total",
			Help: "Connections removed from the registry by reason.",
		}, []string{"reason"}),
		CatchUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "catchup", Name: "batches_total",
			Help: "Catch-up batches served.",
		}, []string{"truncated"}),
		Acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "acks", Name: "total",
			Help: "Acknowledgements processed.",
		}, []string{"result"}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "bus", Name: "messages_total",
			Help: "Cross-node bus traffic.",
		}, []string{"direction", "result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Sequenced, m.AppendRetries, m.AppendFailures, m.Pushes,
			m.Connections, m.Evictions, m.CatchUps, m.Acks, m.BusMessages,
		)
	}
	return m
}

func (m *Metrics) incSequenced() {
	if m != nil {
		m.Sequenced.Inc()
	}
}

func (m *Metrics) incAppendRetry() {
	if m != nil {
		m.AppendRetries.Inc()
	}
}

func (m *Metrics) incAppendFailure() {
	if m != nil {
		m.AppendFailures.Inc()
	}
}

func (m *Metrics) incPush(result PushResult) {
	if m != nil {
		m.Pushes.WithLabelValues(result.String()).Inc()
	}
}

func (m *Metrics) setConnections(n int) {
	if m != nil {
		m.Connections.Set(float64(n))
	}
}

func (m *Metrics) incRemoval(reason string) {
	if m != nil {
		m.Evictions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incCatchUp(truncated bool) {
	if m == nil {
		return
	}
	if truncated {
		m.CatchUps.WithLabelValues("true").Inc()
		return
	}
	m.CatchUps.WithLabelValues("false").Inc()
}

func (m *Metrics) incAck(advanced bool) {
	if m == nil {
		return
	}
	if advanced {
		m.Acks.WithLabelValues("advanced").Inc()
		return
	}
	m.Acks.WithLabelValues("stale").Inc()
}

func (m *Metrics) incBus(direction string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BusMessages.WithLabelValues(direction, result).Inc()
}
