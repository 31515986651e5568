// Package model defines the shared vocabulary for pipeline executions,
// task results, reviews, and their status machines.
package model

import "fmt"

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionPaused    ExecutionStatus = "paused"
)

type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskRunning       TaskStatus = "running"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskRetrying      TaskStatus = "retrying"
	TaskCancelled     TaskStatus = "cancelled"
	TaskWaitingReview TaskStatus = "waiting_human_review"
)

type ReviewStatus string

const (
	ReviewPending    ReviewStatus = "pending"
	ReviewInProgress ReviewStatus = "in_progress"
	ReviewCompleted  ReviewStatus = "completed"
	ReviewRejected   ReviewStatus = "rejected"
	ReviewExpired    ReviewStatus = "expired"
	ReviewCancelled  ReviewStatus = "cancelled"
)

var terminalExecutionStatuses = map[ExecutionStatus]bool{
	ExecutionCompleted: true,
	ExecutionFailed:    true,
	ExecutionCancelled: true,
}

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskCompleted: true,
	TaskFailed:    true,
	TaskCancelled: true,
}

var terminalReviewStatuses = map[ReviewStatus]bool{
	ReviewCompleted: true,
	ReviewRejected:  true,
	ReviewExpired:   true,
	ReviewCancelled: true,
}

// Execution transitions: pending → running → terminal, with a running ↔ paused loop.
var validExecutionTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionPending: {
		ExecutionRunning:   true,
		ExecutionCancelled: true,
	},
	ExecutionRunning: {
		ExecutionCompleted: true,
		ExecutionFailed:    true,
		ExecutionCancelled: true,
		ExecutionPaused:    true,
	},
	ExecutionPaused: {
		ExecutionRunning:   true,
		ExecutionCancelled: true,
	},
}

var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskRunning:   true,
		TaskCancelled: true,
	},
	TaskRunning: {
		TaskCompleted:     true,
		TaskFailed:        true,
		TaskRetrying:      true,
		TaskCancelled:     true,
		TaskWaitingReview: true,
	},
	TaskRetrying: {
		TaskRunning:   true,
		TaskFailed:    true,
		TaskCancelled: true,
	},
	TaskWaitingReview: {
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
	},
}

// Review transitions: pending → in_progress → completed|rejected,
// expiry sweep from pending/in_progress, cancel from any non-terminal state.
var validReviewTransitions = map[ReviewStatus]map[ReviewStatus]bool{
	ReviewPending: {
		ReviewInProgress: true,
		ReviewExpired:    true,
		ReviewCancelled:  true,
	},
	ReviewInProgress: {
		ReviewCompleted: true,
		ReviewRejected:  true,
		ReviewExpired:   true,
		ReviewCancelled: true,
	},
}

func IsExecutionTerminal(s ExecutionStatus) bool {
	return terminalExecutionStatuses[s]
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsReviewTerminal(s ReviewStatus) bool {
	return terminalReviewStatuses[s]
}

func ValidateExecutionTransition(from, to ExecutionStatus) error {
	if IsExecutionTerminal(from) {
		return fmt.Errorf("cannot transition from terminal execution status %q", from)
	}
	allowed, ok := validExecutionTransitions[from]
	if !ok {
		return fmt.Errorf("unknown execution status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid execution transition: %q → %q", from, to)
	}
	return nil
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateReviewTransition(from, to ReviewStatus) error {
	if IsReviewTerminal(from) {
		return fmt.Errorf("cannot transition from terminal review status %q", from)
	}
	allowed, ok := validReviewTransitions[from]
	if !ok {
		return fmt.Errorf("unknown review status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid review transition: %q → %q", from, to)
	}
	return nil
}
