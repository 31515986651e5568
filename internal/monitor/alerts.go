package monitor

import (
	"fmt"
	"time"
)

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Operator is the comparison applied between a metric value and a rule's
// threshold.
type Operator string

const (
	OpGreaterThan  Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLessThan     Operator = "<"
	OpLessEqual    Operator = "<="
)

func (op Operator) compare(value, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	default:
		return false
	}
}

// AlertRule describes a threshold condition over a pipeline metric. A rule
// fires at most once per cooldown window; lastFired is guarded by the
// owning Monitor's mutex.
type AlertRule struct {
	Name      string        `yaml:"name"`
	Metric    string        `yaml:"metric"`
	Operator  Operator      `yaml:"operator"`
	Threshold float64       `yaml:"threshold"`
	Severity  Severity      `yaml:"severity"`
	Message   string        `yaml:"message,omitempty"`
	Cooldown  time.Duration `yaml:"cooldown"`

	lastFired map[string]time.Time
}

// ready reports whether the cooldown for the given pipeline has elapsed.
func (r *AlertRule) ready(pipeline string, now time.Time) bool {
	last, ok := r.lastFired[pipeline]
	return !ok || now.Sub(last) >= r.Cooldown
}

func (r *AlertRule) markFired(pipeline string, now time.Time) {
	if r.lastFired == nil {
		r.lastFired = make(map[string]time.Time)
	}
	r.lastFired[pipeline] = now
}

// Alert is a materialized rule violation.
type Alert struct {
	ID             string    `json:"id"`
	Rule           string    `json:"rule"`
	Pipeline       string    `json:"pipeline"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Metric         string    `json:"metric"`
	Value          float64   `json:"value"`
	Threshold      float64   `json:"threshold"`
	FiredAt        time.Time `json:"fired_at"`
	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`
}

// DefaultRules returns the standard rule set applied to every pipeline.
func DefaultRules() []*AlertRule {
	return []*AlertRule{
		{
			Name:      "high_error_rate",
			Metric:    "error_rate",
			Operator:  OpGreaterThan,
			Threshold: 0.10,
			Severity:  SeverityWarning,
			Message:   "error rate above 10%",
			Cooldown:  15 * time.Minute,
		},
		{
			Name:      "critical_error_rate",
			Metric:    "error_rate",
			Operator:  OpGreaterThan,
			Threshold: 0.50,
			Severity:  SeverityCritical,
			Message:   "error rate above 50%",
			Cooldown:  5 * time.Minute,
		},
		{
			Name:      "long_avg_execution",
			Metric:    "avg_duration_seconds",
			Operator:  OpGreaterThan,
			Threshold: 600,
			Severity:  SeverityWarning,
			Message:   "average execution time above 10m",
			Cooldown:  30 * time.Minute,
		},
		{
			Name:      "low_throughput",
			Metric:    "executions_per_hour",
			Operator:  OpLessThan,
			Threshold: 1,
			Severity:  SeverityInfo,
			Message:   "fewer than one execution in the past hour",
			Cooldown:  time.Hour,
		},
	}
}

func formatAlertMessage(rule *AlertRule, pipeline string, value float64) string {
	msg := rule.Message
	if msg == "" {
		msg = fmt.Sprintf("%s %s %g", rule.Metric, rule.Operator, rule.Threshold)
	}
	return fmt.Sprintf("[%s] %s: %s (%s=%.3f)", rule.Severity, pipeline, msg, rule.Metric, value)
}
