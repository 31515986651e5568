package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collectors holds the Prometheus instrumentation for pipeline executions.
type collectors struct {
	executionsTotal *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	active          prometheus.Gauge
	alertsTotal     *prometheus.CounterVec
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "executions_total",
			Help:      "Pipeline executions by terminal status.",
		}, []string{"pipeline", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowline",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end pipeline execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"pipeline"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "active_executions",
			Help:      "Executions currently in flight.",
		}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "alerts_fired_total",
			Help:      "Alerts fired by rule and severity.",
		}, []string{"rule", "severity"}),
	}
	if reg != nil {
		reg.MustRegister(c.executionsTotal, c.duration, c.active, c.alertsTotal)
	}
	return c
}
