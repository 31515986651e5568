package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mfujita/flowline/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(zap.NewNop(), nil)
}

func addReviewer(m *Manager, id string, capacity int, specs ...model.TaskType) {
	m.RegisterReviewer(Reviewer{
		ID:                   id,
		Name:                 id,
		Specializations:      specs,
		Available:            true,
		MaxConcurrentReviews: capacity,
	})
}

func TestCreateReview_AutoAssigns(t *testing.T) {
	m := newTestManager(t)
	addReviewer(m, "alice", 2, model.TaskTypeHumanReview)

	id, err := m.CreateReview(CreateParams{
		TaskName: "approve",
		TaskType: model.TaskTypeHumanReview,
		Priority: model.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("CreateReview: %v", err)
	}

	req, err := m.GetReview(id)
	if err != nil {
		t.Fatalf("GetReview: %v", err)
	}
	if req.Status != model.ReviewInProgress {
		t.Errorf("expected auto-assigned in_progress, got %s", req.Status)
	}
	if req.AssignedTo != "alice" {
		t.Errorf("expected alice, got %q", req.AssignedTo)
	}
}

func TestCreateReview_QueuesWhenNoReviewer(t *testing.T) {
	m := newTestManager(t)

	id, err := m.CreateReview(CreateParams{
		TaskName: "approve",
		TaskType: model.TaskTypeHumanReview,
	})
	if err != nil {
		t.Fatalf("CreateReview: %v", err)
	}

	req, _ := m.GetReview(id)
	if req.Status != model.ReviewPending {
		t.Errorf("expected pending with no reviewers, got %s", req.Status)
	}

	// Registering a reviewer does not drain the queue by itself; flipping
	// availability does.
	m.RegisterReviewer(Reviewer{
		ID: "bob", Available: false, MaxConcurrentReviews: 1,
	})
	if err := m.SetAvailability("bob", true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}

	req, _ = m.GetReview(id)
	if req.Status != model.ReviewInProgress || req.AssignedTo != "bob" {
		t.Errorf("expected assignment to bob after availability flip, got %s/%s", req.Status, req.AssignedTo)
	}
}

func TestCapacityInvariant(t *testing.T) {
	m := newTestManager(t)
	addReviewer(m, "carol", 2)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.CreateReview(CreateParams{
			TaskName: "approve",
			TaskType: model.TaskTypeHumanReview,
		})
		if err != nil {
			t.Fatalf("CreateReview: %v", err)
		}
		ids = append(ids, id)
	}

	reviewer, _ := m.GetReviewer("carol")
	if got := len(reviewer.CurrentReviews); got != 2 {
		t.Fatalf("expected carol at capacity 2, got %d", got)
	}

	third, _ := m.GetReview(ids[2])
	if third.Status != model.ReviewPending {
		t.Errorf("expected third review to stay pending, got %s", third.Status)
	}

	// Explicit assignment past capacity must be refused.
	if err := m.Assign(ids[2], "carol"); !errors.Is(err, ErrReviewerAtCap) {
		t.Errorf("expected ErrReviewerAtCap, got %v", err)
	}

	// Completing one frees the slot and pulls in the queued review.
	if err := m.Complete(ids[0], map[string]any{"approved": true}, "ok"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	third, _ = m.GetReview(ids[2])
	if third.Status != model.ReviewInProgress {
		t.Errorf("expected queued review picked up after completion, got %s", third.Status)
	}
}

func TestPriorityOrdering(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for _, p := range []model.Priority{model.PriorityLow, model.PriorityUrgent, model.PriorityMedium} {
		id, err := m.CreateReview(CreateParams{
			TaskName: "approve",
			TaskType: model.TaskTypeHumanReview,
			Priority: p,
		})
		if err != nil {
			t.Fatalf("CreateReview: %v", err)
		}
		ids = append(ids, id)
	}

	// A single-slot reviewer must receive the urgent review first.
	addReviewer(m, "dave", 1)
	m.SetAvailability("dave", true)

	urgent, _ := m.GetReview(ids[1])
	if urgent.Status != model.ReviewInProgress {
		t.Errorf("expected urgent review assigned first, got %s", urgent.Status)
	}
	low, _ := m.GetReview(ids[0])
	if low.Status != model.ReviewPending {
		t.Errorf("expected low review still pending, got %s", low.Status)
	}
}

func TestAssignment_PrefersLowerWorkload(t *testing.T) {
	m := newTestManager(t)
	addReviewer(m, "busy", 4)
	addReviewer(m, "idle", 4)

	// Load up "busy" with two reviews by making idle unavailable first.
	m.SetAvailability("idle", false)
	for i := 0; i < 2; i++ {
		if _, err := m.CreateReview(CreateParams{TaskName: "approve", TaskType: model.TaskTypeHumanReview}); err != nil {
			t.Fatal(err)
		}
	}
	m.SetAvailability("idle", true)

	id, err := m.CreateReview(CreateParams{TaskName: "approve", TaskType: model.TaskTypeHumanReview})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := m.GetReview(id)
	if req.AssignedTo != "idle" {
		t.Errorf("expected idle reviewer to win, got %q", req.AssignedTo)
	}
}

func TestAssignment_SpecializationFilter(t *testing.T) {
	m := newTestManager(t)
	addReviewer(m, "classifier-only", 2, model.TaskTypeClassification)

	id, err := m.CreateReview(CreateParams{
		TaskName: "approve",
		TaskType: model.TaskTypeHumanReview,
	})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := m.GetReview(id)
	if req.Status != model.ReviewPending {
		t.Errorf("expected no assignment for unmatched specialization, got %s", req.Status)
	}
}

func TestComplete_UpdatesRunningAverage(t *testing.T) {
	m := newTestManager(t)
	addReviewer(m, "eve", 5)

	id, err := m.CreateReview(CreateParams{TaskName: "approve", TaskType: model.TaskTypeHumanReview})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(id, nil, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	reviewer, _ := m.GetReviewer("eve")
	first := reviewer.AvgCompletionTime
	if reviewer.CompletedCount != 1 {
		t.Errorf("expected 1 completion, got %d", reviewer.CompletedCount)
	}

	id2, _ := m.CreateReview(CreateParams{TaskName: "approve", TaskType: model.TaskTypeHumanReview})
	if err := m.Complete(id2, nil, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	reviewer, _ = m.GetReviewer("eve")
	// new_avg = (old_avg + duration) / 2; both durations are near zero here,
	// so the smoothed value stays below old_avg + a generous bound.
	if reviewer.AvgCompletionTime > first+time.Second {
		t.Errorf("unexpected smoothed average: %v (first %v)", reviewer.AvgCompletionTime, first)
	}
}

func TestReject(t *testing.T) {
	m := newTestManager(t)
	addReviewer(m, "frank", 1)

	id, _ := m.CreateReview(CreateParams{TaskName: "approve", TaskType: model.TaskTypeHumanReview})
	if err := m.Reject(id, "not good enough"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	req, _ := m.GetReview(id)
	if req.Status != model.ReviewRejected || req.Feedback != "not good enough" {
		t.Errorf("unexpected rejected request: %+v", req)
	}
	reviewer, _ := m.GetReviewer("frank")
	if len(reviewer.CurrentReviews) != 0 {
		t.Error("expected reviewer freed after rejection")
	}
	if reviewer.RejectedCount != 1 {
		t.Errorf("expected 1 rejection, got %d", reviewer.RejectedCount)
	}
}

func TestCancel_FromPendingAndInProgress(t *testing.T) {
	m := newTestManager(t)

	pending, _ := m.CreateReview(CreateParams{TaskName: "a", TaskType: model.TaskTypeHumanReview})
	if err := m.Cancel(pending); err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}
	req, _ := m.GetReview(pending)
	if req.Status != model.ReviewCancelled {
		t.Errorf("expected cancelled, got %s", req.Status)
	}

	addReviewer(m, "gina", 1)
	assigned, _ := m.CreateReview(CreateParams{TaskName: "b", TaskType: model.TaskTypeHumanReview})
	if err := m.Cancel(assigned); err != nil {
		t.Fatalf("Cancel in-progress: %v", err)
	}
	if err := m.Cancel(assigned); err == nil {
		t.Error("expected second cancel to fail on terminal state")
	}
}

func TestSweepExpired(t *testing.T) {
	m := newTestManager(t)
	addReviewer(m, "henry", 1)

	expiring, _ := m.CreateReview(CreateParams{
		TaskName: "stale",
		TaskType: model.TaskTypeHumanReview,
		TTL:      10 * time.Millisecond,
	})
	fresh, _ := m.CreateReview(CreateParams{
		TaskName: "fresh",
		TaskType: model.TaskTypeHumanReview,
		TTL:      time.Hour,
	})

	time.Sleep(30 * time.Millisecond)
	if swept := m.SweepExpired(); swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}

	req, _ := m.GetReview(expiring)
	if req.Status != model.ReviewExpired {
		t.Errorf("expected expired, got %s", req.Status)
	}
	reviewer, _ := m.GetReviewer("henry")
	if len(reviewer.CurrentReviews) != 1 {
		t.Errorf("expected henry to hold only the fresh review, got %d", len(reviewer.CurrentReviews))
	}
	freshReq, _ := m.GetReview(fresh)
	if model.IsReviewTerminal(freshReq.Status) {
		t.Errorf("fresh review should survive the sweep, got %s", freshReq.Status)
	}
}

func TestWait_WakesOnCompletion(t *testing.T) {
	m := newTestManager(t)
	addReviewer(m, "iris", 1)

	id, _ := m.CreateReview(CreateParams{TaskName: "approve", TaskType: model.TaskTypeHumanReview})

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Complete(id, map[string]any{"approved": true}, "lgtm")
	}()

	start := time.Now()
	req, err := m.Wait(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if req.Status != model.ReviewCompleted {
		t.Errorf("expected completed, got %s", req.Status)
	}
	if time.Since(start) > time.Second {
		t.Error("wait did not wake promptly on transition")
	}
}

func TestWait_Timeout(t *testing.T) {
	m := newTestManager(t)
	id, _ := m.CreateReview(CreateParams{TaskName: "approve", TaskType: model.TaskTypeHumanReview})

	_, err := m.Wait(context.Background(), id, 30*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestWait_TerminalReturnsImmediately(t *testing.T) {
	m := newTestManager(t)
	addReviewer(m, "jack", 1)

	id, _ := m.CreateReview(CreateParams{TaskName: "approve", TaskType: model.TaskTypeHumanReview})
	m.Reject(id, "no")

	req, err := m.Wait(context.Background(), id, time.Millisecond)
	if err != nil {
		t.Fatalf("Wait on terminal review: %v", err)
	}
	if req.Status != model.ReviewRejected {
		t.Errorf("expected rejected, got %s", req.Status)
	}
}

func TestComplete_AverageExcludesQueueTime(t *testing.T) {
	m := newTestManager(t)

	id, err := m.CreateReview(CreateParams{TaskName: "approve", TaskType: model.TaskTypeHumanReview})
	if err != nil {
		t.Fatal(err)
	}

	// Age the request as if it sat unassigned for an hour.
	m.mu.Lock()
	m.requests[id].CreatedAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.RegisterReviewer(Reviewer{ID: "eve", Name: "eve", Available: false, MaxConcurrentReviews: 1})
	if err := m.SetAvailability("eve", true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	req, _ := m.GetReview(id)
	if req.Status != model.ReviewInProgress {
		t.Fatalf("expected assignment, got %s", req.Status)
	}
	if req.AssignedAt == nil {
		t.Fatal("assignment time not recorded")
	}

	if err := m.Complete(id, nil, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	reviewer, _ := m.GetReviewer("eve")
	if reviewer.AvgCompletionTime > time.Minute {
		t.Errorf("average includes queue time: %v", reviewer.AvgCompletionTime)
	}
}
