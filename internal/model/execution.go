package model

import "time"

// TaskResult is the per-task slice of an execution record.
type TaskResult struct {
	TaskName    string         `json:"task_name"`
	Status      TaskStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	CacheHit    bool           `json:"cache_hit"`
}

// Duration returns the wall time the task ran for, or zero while running.
func (r *TaskResult) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// PipelineExecution is the mutable record of one pipeline run. It is owned
// and mutated only by the orchestrator; callers receive deep-copied snapshots.
type PipelineExecution struct {
	ID           string                 `json:"id"`
	PipelineID   string                 `json:"pipeline_id"`
	PipelineName string                 `json:"pipeline_name"`
	Status       ExecutionStatus        `json:"status"`
	Input        map[string]any         `json:"input"`
	TaskResults  map[string]*TaskResult `json:"task_results"`
	Output       map[string]any         `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// Snapshot returns a copy safe to hand to callers while the orchestrator
// keeps mutating the original. Task outputs are shared read-only maps;
// tasks never mutate an output after publishing it.
func (e *PipelineExecution) Snapshot() *PipelineExecution {
	cp := *e
	cp.TaskResults = make(map[string]*TaskResult, len(e.TaskResults))
	for name, tr := range e.TaskResults {
		trCopy := *tr
		cp.TaskResults[name] = &trCopy
	}
	return &cp
}
