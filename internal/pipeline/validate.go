package pipeline

import (
	"fmt"

	"github.com/mfujita/flowline/internal/model"
)

// Validate checks a parsed definition: required fields, duplicate task names,
// unknown task types, unknown or self-referencing dependencies, review
// threshold bounds, and dependency cycles. Field errors accumulate; the
// cycle check runs only when the name graph is otherwise well formed.
func (d *Definition) Validate() error {
	errs := &ValidationErrors{}

	if d.Name == "" {
		errs.Add("name", "is required")
	}
	if d.Version == "" {
		errs.Add("version", "is required")
	}
	if len(d.Tasks) == 0 {
		errs.Add("tasks", "at least one task is required")
	}

	seen := make(map[string]bool, len(d.Tasks))
	for i, t := range d.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if t.Name == "" {
			errs.Add(path+".name", "is required")
			continue
		}
		if seen[t.Name] {
			errs.Add(path+".name", fmt.Sprintf("duplicate task name %q", t.Name))
		}
		seen[t.Name] = true

		if err := model.ValidateTaskType(t.Type); err != nil {
			errs.Add(path+".type", err.Error())
		}
		if t.TimeoutSec < 0 {
			errs.Add(path+".timeout", "must not be negative")
		}
		if t.Retries < 0 {
			errs.Add(path+".retries", "must not be negative")
		}
		if t.HumanReviewThreshold < 0 || t.HumanReviewThreshold > 1 {
			errs.Add(path+".human_review_threshold", "must be within [0, 1]")
		}
		if t.Type == model.TaskTypeHumanReview && len(t.Dependencies) == 0 && len(d.Tasks) > 1 {
			// A review gate with nothing to review is almost always a config
			// mistake, but single-task review pipelines are legitimate.
			errs.Add(path+".dependencies", "human_review task should depend on the task it reviews")
		}
	}

	for i, t := range d.Tasks {
		for j, dep := range t.Dependencies {
			path := fmt.Sprintf("tasks[%d].dependencies[%d]", i, j)
			if dep == t.Name {
				errs.Add(path, "self-reference is not allowed")
				continue
			}
			if !seen[dep] {
				errs.Add(path, fmt.Sprintf("references unknown task %q", dep))
			}
		}
	}

	if d.MaxParallelTasks < 0 {
		errs.Add("max_parallel_tasks", "must not be negative")
	}
	if d.CacheTTLSec < 0 {
		errs.Add("cache_ttl", "must not be negative")
	}

	if errs.HasErrors() {
		return errs
	}

	if _, err := ExecutionOrder(d); err != nil {
		errs.Add("tasks", err.Error())
		return errs
	}
	return nil
}
