// Package review implements the human-in-the-loop manager: a priority queue
// of review requests, reviewer profiles with capacity limits, auto
// assignment, and a wake-on-transition wait primitive.
package review

import (
	"container/heap"
	"errors"
	"time"

	"github.com/mfujita/flowline/internal/model"
)

var (
	ErrReviewNotFound   = errors.New("review: request not found")
	ErrReviewerNotFound = errors.New("review: reviewer not found")
	ErrReviewerAtCap    = errors.New("review: reviewer at max concurrent reviews")
	ErrReviewerAway     = errors.New("review: reviewer unavailable")
	ErrWaitTimeout      = errors.New("review: wait timed out")
)

// Request is one pending human-approval step.
type Request struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	TaskName    string          `json:"task_name"`
	TaskType    model.TaskType  `json:"task_type"`
	Status      model.ReviewStatus `json:"status"`
	Priority    model.Priority  `json:"priority"`
	Input       map[string]any  `json:"input,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	Feedback    string          `json:"feedback,omitempty"`
	AssignedTo  string          `json:"assigned_to,omitempty"`
	AssignedAt  *time.Time      `json:"assigned_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// Reviewer is a human reviewer's profile and live workload.
type Reviewer struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Specializations      []model.TaskType `json:"specializations"`
	Available            bool             `json:"available"`
	MaxConcurrentReviews int              `json:"max_concurrent_reviews"`
	CurrentReviews       map[string]bool  `json:"current_reviews"`
	AvgCompletionTime    time.Duration    `json:"avg_completion_time"`
	CompletedCount       int              `json:"completed_count"`
	RejectedCount        int              `json:"rejected_count"`
}

func (r *Reviewer) atCapacity() bool {
	return len(r.CurrentReviews) >= r.MaxConcurrentReviews
}

func (r *Reviewer) specializesIn(t model.TaskType) bool {
	if len(r.Specializations) == 0 {
		return true // generalist
	}
	for _, s := range r.Specializations {
		if s == t {
			return true
		}
	}
	return false
}

// workloadRatio is current reviews over capacity, in [0, 1].
func (r *Reviewer) workloadRatio() float64 {
	if r.MaxConcurrentReviews <= 0 {
		return 1
	}
	return float64(len(r.CurrentReviews)) / float64(r.MaxConcurrentReviews)
}

// requestQueue orders pending requests by priority rank, then creation time,
// then ID for a stable total order.
type requestQueue []*Request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].Priority.Rank() != q[j].Priority.Rank() {
		return q[i].Priority.Rank() < q[j].Priority.Rank()
	}
	if !q[i].CreatedAt.Equal(q[j].CreatedAt) {
		return q[i].CreatedAt.Before(q[j].CreatedAt)
	}
	return q[i].ID < q[j].ID
}

func (q requestQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *requestQueue) Push(x any) { *q = append(*q, x.(*Request)) }

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// remove deletes the request with the given ID from the queue, if present.
func (q *requestQueue) remove(id string) {
	for i, req := range *q {
		if req.ID == id {
			heap.Remove(q, i)
			return
		}
	}
}
