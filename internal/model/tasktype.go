package model

import "fmt"

// TaskType is the closed set of task kinds a pipeline definition may use.
// Custom tasks reference a statically registered handler by name; there is
// no dynamic code-loading path.
type TaskType string

const (
	TaskTypeGeneration     TaskType = "generation"
	TaskTypeClassification TaskType = "classification"
	TaskTypeExtraction     TaskType = "extraction"
	TaskTypeValidation     TaskType = "validation"
	TaskTypeHumanReview    TaskType = "human_review"
	TaskTypeCustom         TaskType = "custom"
)

var validTaskTypes = map[TaskType]bool{
	TaskTypeGeneration:     true,
	TaskTypeClassification: true,
	TaskTypeExtraction:     true,
	TaskTypeValidation:     true,
	TaskTypeHumanReview:    true,
	TaskTypeCustom:         true,
}

func ValidateTaskType(t TaskType) error {
	if !validTaskTypes[t] {
		return fmt.Errorf("unknown task type %q", t)
	}
	return nil
}

// Priority orders review requests: urgent > high > medium > low.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityRanks = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

// Rank returns the sort rank for a priority; lower sorts first.
// Unknown priorities rank after low.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return len(priorityRanks)
}
