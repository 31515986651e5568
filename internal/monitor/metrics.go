package monitor

import (
	"sort"
	"time"

	"github.com/mfujita/flowline/internal/model"
)

// windowSize bounds the per-pipeline sliding window used for latency
// percentiles and the derived error rate.
const windowSize = 100

type completionRecord struct {
	status      model.ExecutionStatus
	duration    time.Duration
	completedAt time.Time
}

// pipelineStats is the mutable per-pipeline state. Guarded by Monitor.mu.
type pipelineStats struct {
	total     int64
	succeeded int64
	failed    int64
	active    int
	window    []completionRecord
}

func (s *pipelineStats) record(rec completionRecord) {
	s.total++
	switch rec.status {
	case model.ExecutionCompleted:
		s.succeeded++
	case model.ExecutionFailed:
		s.failed++
	}
	s.window = append(s.window, rec)
	if len(s.window) > windowSize {
		s.window = s.window[len(s.window)-windowSize:]
	}
}

// Metrics is a point-in-time snapshot of one pipeline's health. Latency
// figures and ErrorRate are computed over the sliding window; counts are
// lifetime totals.
type Metrics struct {
	Pipeline    string
	Executions  int64
	Succeeded   int64
	Failed      int64
	Active      int
	MinDuration time.Duration
	AvgDuration time.Duration
	MaxDuration time.Duration
	P50         time.Duration
	P90         time.Duration
	P95         time.Duration
	P99         time.Duration
	ErrorRate   float64
	PerHour     float64
}

func (s *pipelineStats) snapshot(pipeline string, now time.Time) Metrics {
	m := Metrics{
		Pipeline:   pipeline,
		Executions: s.total,
		Succeeded:  s.succeeded,
		Failed:     s.failed,
		Active:     s.active,
	}
	if len(s.window) == 0 {
		return m
	}

	durations := make([]time.Duration, 0, len(s.window))
	var sum time.Duration
	var windowFailed int
	for _, rec := range s.window {
		durations = append(durations, rec.duration)
		sum += rec.duration
		if rec.status == model.ExecutionFailed {
			windowFailed++
		}
		if now.Sub(rec.completedAt) <= time.Hour {
			m.PerHour++
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	m.MinDuration = durations[0]
	m.MaxDuration = durations[len(durations)-1]
	m.AvgDuration = sum / time.Duration(len(durations))
	m.P50 = percentile(durations, 0.50)
	m.P90 = percentile(durations, 0.90)
	m.P95 = percentile(durations, 0.95)
	m.P99 = percentile(durations, 0.99)
	m.ErrorRate = float64(windowFailed) / float64(len(s.window))
	return m
}

// percentile expects a sorted slice and uses the nearest-rank method.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// metricValue maps an alert rule's metric name onto a snapshot field.
func metricValue(m Metrics, name string) (float64, bool) {
	switch name {
	case "error_rate":
		return m.ErrorRate, true
	case "avg_duration_seconds":
		return m.AvgDuration.Seconds(), true
	case "p95_duration_seconds":
		return m.P95.Seconds(), true
	case "p99_duration_seconds":
		return m.P99.Seconds(), true
	case "executions_per_hour":
		return m.PerHour, true
	case "active_executions":
		return float64(m.Active), true
	default:
		return 0, false
	}
}
