// Package monitor tracks per-pipeline execution metrics over a bounded
// sliding window and evaluates threshold alert rules against them.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mfujita/flowline/internal/events"
	"github.com/mfujita/flowline/internal/model"
)

// Options configures a Monitor.
type Options struct {
	// Registerer receives the Prometheus collectors. Nil skips registration
	// but still records through unregistered collectors.
	Registerer prometheus.Registerer

	// Rules overrides DefaultRules when non-nil.
	Rules []*AlertRule

	// SweepInterval is the period of the background rule evaluation.
	// Defaults to one minute.
	SweepInterval time.Duration
}

// Monitor is safe for concurrent use.
type Monitor struct {
	logger *zap.Logger
	bus    *events.Bus
	prom   *collectors

	sweepInterval time.Duration

	mu        sync.Mutex
	pipelines map[string]*pipelineStats
	rules     []*AlertRule
	alerts    []*Alert
	notifiers []Notifier
}

func New(logger *zap.Logger, bus *events.Bus, opts Options) *Monitor {
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		logger:        logger.Named("monitor"),
		bus:           bus,
		prom:          newCollectors(opts.Registerer),
		sweepInterval: interval,
		pipelines:     make(map[string]*pipelineStats),
		rules:         rules,
	}
}

// AddNotifier registers a sink for fired alerts.
func (m *Monitor) AddNotifier(n Notifier) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

// StartExecution records that an execution of the named pipeline began.
func (m *Monitor) StartExecution(pipeline string) {
	m.mu.Lock()
	m.statsLocked(pipeline).active++
	m.mu.Unlock()
	m.prom.active.Inc()
}

// CompleteExecution records a terminal execution outcome and evaluates the
// alert rules against the pipeline's updated metrics.
func (m *Monitor) CompleteExecution(pipeline string, status model.ExecutionStatus, duration time.Duration) {
	now := time.Now()

	m.mu.Lock()
	stats := m.statsLocked(pipeline)
	if stats.active > 0 {
		stats.active--
	}
	stats.record(completionRecord{status: status, duration: duration, completedAt: now})
	fired := m.evaluateLocked(pipeline, now)
	m.mu.Unlock()

	m.prom.active.Dec()
	m.prom.executionsTotal.WithLabelValues(pipeline, string(status)).Inc()
	m.prom.duration.WithLabelValues(pipeline).Observe(duration.Seconds())

	m.dispatch(fired)
}

// Metrics returns a snapshot for one pipeline.
func (m *Monitor) Metrics(pipeline string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.pipelines[pipeline]
	if !ok {
		return Metrics{Pipeline: pipeline}, false
	}
	return stats.snapshot(pipeline, time.Now()), true
}

// AllMetrics returns snapshots for every pipeline seen so far.
func (m *Monitor) AllMetrics() []Metrics {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metrics, 0, len(m.pipelines))
	for name, stats := range m.pipelines {
		out = append(out, stats.snapshot(name, now))
	}
	return out
}

// AddRule installs an alert rule. Rules with a duplicate name are rejected.
func (m *Monitor) AddRule(rule *AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.Name == rule.Name {
			return fmt.Errorf("monitor: rule %q already exists", rule.Name)
		}
	}
	m.rules = append(m.rules, rule)
	return nil
}

// RemoveRule deletes a rule by name.
func (m *Monitor) RemoveRule(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.Name == name {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the installed rule set.
func (m *Monitor) Rules() []*AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AlertRule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Alerts returns fired alerts, newest first. With activeOnly set, only
// unacknowledged alerts are returned.
func (m *Monitor) Alerts(activeOnly bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if activeOnly && a.Acknowledged {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Acknowledge marks an alert as seen.
func (m *Monitor) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == id {
			a.Acknowledged = true
			a.AcknowledgedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("monitor: alert %q not found", id)
}

// Start runs the periodic rule sweep until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evaluates every rule against every pipeline once.
func (m *Monitor) Sweep() {
	now := time.Now()
	m.mu.Lock()
	var fired []Alert
	for name := range m.pipelines {
		fired = append(fired, m.evaluateLocked(name, now)...)
	}
	m.mu.Unlock()
	m.dispatch(fired)
}

func (m *Monitor) statsLocked(pipeline string) *pipelineStats {
	stats, ok := m.pipelines[pipeline]
	if !ok {
		stats = &pipelineStats{}
		m.pipelines[pipeline] = stats
	}
	return stats
}

// evaluateLocked checks every rule against one pipeline's current snapshot
// and returns copies of the alerts that fired. Caller holds m.mu.
func (m *Monitor) evaluateLocked(pipeline string, now time.Time) []Alert {
	stats := m.pipelines[pipeline]
	if stats == nil || len(stats.window) == 0 {
		return nil
	}
	snap := stats.snapshot(pipeline, now)

	var fired []Alert
	for _, rule := range m.rules {
		value, ok := metricValue(snap, rule.Metric)
		if !ok {
			continue
		}
		if !rule.Operator.compare(value, rule.Threshold) {
			continue
		}
		if !rule.ready(pipeline, now) {
			continue
		}
		rule.markFired(pipeline, now)

		alert := &Alert{
			ID:        model.MustGenerateID(model.IDKindAlert),
			Rule:      rule.Name,
			Pipeline:  pipeline,
			Severity:  rule.Severity,
			Message:   formatAlertMessage(rule, pipeline, value),
			Metric:    rule.Metric,
			Value:     value,
			Threshold: rule.Threshold,
			FiredAt:   now,
		}
		m.alerts = append(m.alerts, alert)
		fired = append(fired, *alert)
	}
	return fired
}

// dispatch fans fired alerts out to the notifiers and the event bus.
// Called without m.mu held.
func (m *Monitor) dispatch(fired []Alert) {
	if len(fired) == 0 {
		return
	}
	m.mu.Lock()
	notifiers := make([]Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.mu.Unlock()

	for i := range fired {
		alert := fired[i]
		m.prom.alertsTotal.WithLabelValues(alert.Rule, string(alert.Severity)).Inc()
		if m.bus != nil {
			m.bus.Publish(events.EventAlertFired, map[string]any{
				"alert_id": alert.ID,
				"rule":     alert.Rule,
				"pipeline": alert.Pipeline,
				"severity": string(alert.Severity),
				"message":  alert.Message,
			})
		}
		for _, n := range notifiers {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := n.Notify(ctx, &alert); err != nil {
				m.logger.Warn("alert notification failed",
					zap.String("rule", alert.Rule), zap.Error(err))
			}
			cancel()
		}
	}
}
