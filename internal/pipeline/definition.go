// Package pipeline defines immutable pipeline definitions, their validation,
// and the staged execution order derived from the task dependency graph.
package pipeline

import (
	"fmt"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mfujita/flowline/internal/model"
)

const (
	defaultTaskTimeoutSec  = 300
	defaultCacheTTLSec     = 3600
	defaultMaxParallel     = 4
	defaultReviewThreshold = 0.7
)

// Definition describes a workflow: ordered task configs, global parameters,
// and cache policy. Immutable once loaded and validated.
type Definition struct {
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description,omitempty"`
	Version          string         `yaml:"version"`
	Tasks            []TaskConfig   `yaml:"tasks"`
	GlobalParameters map[string]any `yaml:"global_parameters,omitempty"`
	CacheTTLSec      int            `yaml:"cache_ttl,omitempty"`
	MaxParallelTasks int            `yaml:"max_parallel_tasks,omitempty"`
}

// TaskConfig describes one task within a pipeline.
type TaskConfig struct {
	Name                 string         `yaml:"name"`
	Type                 model.TaskType `yaml:"type"`
	Model                string         `yaml:"model,omitempty"`
	ModelVersion         string         `yaml:"model_version,omitempty"`
	Parameters           map[string]any `yaml:"parameters,omitempty"`
	Dependencies         []string       `yaml:"dependencies,omitempty"`
	TimeoutSec           int            `yaml:"timeout,omitempty"`
	Retries              int            `yaml:"retries,omitempty"`
	CacheEnabled         bool           `yaml:"cache_enabled,omitempty"`
	HumanReviewRequired  bool           `yaml:"human_review_required,omitempty"`
	HumanReviewThreshold float64        `yaml:"human_review_threshold,omitempty"`
}

func (t *TaskConfig) Timeout() time.Duration {
	if t.TimeoutSec <= 0 {
		return defaultTaskTimeoutSec * time.Second
	}
	return time.Duration(t.TimeoutSec) * time.Second
}

// ReviewThreshold returns the confidence cutoff for routing this task's
// output to human review. An omitted threshold falls back to the default,
// so human_review_required without one still gates the task.
func (t *TaskConfig) ReviewThreshold() float64 {
	if t.HumanReviewThreshold <= 0 {
		return defaultReviewThreshold
	}
	return t.HumanReviewThreshold
}

func (d *Definition) CacheTTL() time.Duration {
	if d.CacheTTLSec <= 0 {
		return defaultCacheTTLSec * time.Second
	}
	return time.Duration(d.CacheTTLSec) * time.Second
}

func (d *Definition) MaxParallel() int {
	if d.MaxParallelTasks <= 0 {
		return defaultMaxParallel
	}
	return d.MaxParallelTasks
}

// Task returns the task config by name, or nil.
func (d *Definition) Task(name string) *TaskConfig {
	for i := range d.Tasks {
		if d.Tasks[i].Name == name {
			return &d.Tasks[i]
		}
	}
	return nil
}

// OutputMapping extracts global_parameters.output_mapping as a map of
// output field name → dot-path into task outputs (e.g. "classify.label").
func (d *Definition) OutputMapping() map[string]string {
	raw, ok := d.GlobalParameters["output_mapping"]
	if !ok {
		return nil
	}
	mapping := make(map[string]string)
	switch m := raw.(type) {
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				mapping[k] = s
			}
		}
	case map[string]string:
		for k, v := range m {
			mapping[k] = v
		}
	}
	return mapping
}

// Parse decodes a yaml pipeline definition document. The result is not yet
// validated; callers run Validate before registering.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yamlv3.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline definition: %w", err)
	}
	return &def, nil
}
