package review

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mfujita/flowline/internal/events"
	"github.com/mfujita/flowline/internal/model"
)

const defaultReviewTTL = 24 * time.Hour

// Manager owns review requests and reviewer profiles. A single mutex guards
// both record sets, so every request+reviewer mutation (assign, complete,
// reject, cancel, expire) is one atomic step: the reviewer's current-review
// set can never drift from the request's assignment.
type Manager struct {
	logger *zap.Logger
	bus    *events.Bus // optional

	mu        sync.Mutex
	requests  map[string]*Request
	reviewers map[string]*Reviewer
	pending   requestQueue
	waiters   map[string]chan struct{} // closed on terminal transition
}

func NewManager(logger *zap.Logger, bus *events.Bus) *Manager {
	m := &Manager{
		logger:    logger,
		bus:       bus,
		requests:  make(map[string]*Request),
		reviewers: make(map[string]*Reviewer),
		waiters:   make(map[string]chan struct{}),
	}
	heap.Init(&m.pending)
	return m
}

// RegisterReviewer adds or replaces a reviewer profile. Live workload fields
// are preserved when the reviewer already exists.
func (m *Manager) RegisterReviewer(r Reviewer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.reviewers[r.ID]; ok {
		existing.Name = r.Name
		existing.Specializations = r.Specializations
		existing.Available = r.Available
		existing.MaxConcurrentReviews = r.MaxConcurrentReviews
		return
	}
	if r.CurrentReviews == nil {
		r.CurrentReviews = make(map[string]bool)
	}
	m.reviewers[r.ID] = &r
}

// SetAvailability flips a reviewer's availability flag.
func (m *Manager) SetAvailability(reviewerID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reviewer, ok := m.reviewers[reviewerID]
	if !ok {
		return ErrReviewerNotFound
	}
	reviewer.Available = available
	if available {
		m.assignPendingLocked()
	}
	return nil
}

// CreateParams configures a new review request.
type CreateParams struct {
	ExecutionID string
	TaskName    string
	TaskType    model.TaskType
	Priority    model.Priority
	Input       map[string]any
	TTL         time.Duration
}

// CreateReview enqueues a review request by priority and attempts immediate
// auto-assignment. Returns the review ID.
func (m *Manager) CreateReview(p CreateParams) (string, error) {
	id, err := model.GenerateID(model.IDKindReview)
	if err != nil {
		return "", fmt.Errorf("generate review id: %w", err)
	}
	if p.Priority == "" {
		p.Priority = model.PriorityMedium
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = defaultReviewTTL
	}

	now := time.Now()
	req := &Request{
		ID:          id,
		ExecutionID: p.ExecutionID,
		TaskName:    p.TaskName,
		TaskType:    p.TaskType,
		Status:      model.ReviewPending,
		Priority:    p.Priority,
		Input:       p.Input,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	m.mu.Lock()
	m.requests[id] = req
	heap.Push(&m.pending, req)
	m.assignPendingLocked()
	snapshot := *req
	m.mu.Unlock()

	m.logger.Info("review request created",
		zap.String("review", id),
		zap.String("task", p.TaskName),
		zap.String("priority", string(p.Priority)))
	m.publish(events.EventReviewCreated, snapshot)
	return id, nil
}

// Assign moves a pending request to the named reviewer, enforcing
// availability and the max-concurrent-reviews invariant.
func (m *Manager) Assign(reviewID, reviewerID string) error {
	m.mu.Lock()
	req, reviewer, err := m.assignLocked(reviewID, reviewerID)
	var snapshot Request
	var assignee string
	if err == nil {
		snapshot = *req
		assignee = reviewer.ID
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("review assigned",
		zap.String("review", snapshot.ID),
		zap.String("reviewer", assignee))
	m.publish(events.EventReviewAssigned, snapshot)
	return nil
}

func (m *Manager) assignLocked(reviewID, reviewerID string) (*Request, *Reviewer, error) {
	req, ok := m.requests[reviewID]
	if !ok {
		return nil, nil, ErrReviewNotFound
	}
	reviewer, ok := m.reviewers[reviewerID]
	if !ok {
		return nil, nil, ErrReviewerNotFound
	}
	if !reviewer.Available {
		return nil, nil, ErrReviewerAway
	}
	if reviewer.atCapacity() {
		return nil, nil, ErrReviewerAtCap
	}
	if err := model.ValidateReviewTransition(req.Status, model.ReviewInProgress); err != nil {
		return nil, nil, err
	}

	req.Status = model.ReviewInProgress
	req.AssignedTo = reviewerID
	assignedAt := time.Now()
	req.AssignedAt = &assignedAt
	reviewer.CurrentReviews[reviewID] = true
	m.pending.remove(reviewID)
	return req, reviewer, nil
}

// Complete resolves an in-progress review with the reviewer's result and
// updates the reviewer's running-average completion time:
// new_avg = (old_avg + this_duration) / 2.
func (m *Manager) Complete(reviewID string, result map[string]any, feedback string) error {
	return m.resolve(reviewID, model.ReviewCompleted, result, feedback)
}

// Reject resolves an in-progress review as rejected.
func (m *Manager) Reject(reviewID string, feedback string) error {
	return m.resolve(reviewID, model.ReviewRejected, nil, feedback)
}

func (m *Manager) resolve(reviewID string, status model.ReviewStatus, result map[string]any, feedback string) error {
	m.mu.Lock()
	req, ok := m.requests[reviewID]
	if !ok {
		m.mu.Unlock()
		return ErrReviewNotFound
	}
	if err := model.ValidateReviewTransition(req.Status, status); err != nil {
		m.mu.Unlock()
		return err
	}

	now := time.Now()
	req.Status = status
	req.Result = result
	req.Feedback = feedback
	req.ResolvedAt = &now

	if reviewer, ok := m.reviewers[req.AssignedTo]; ok {
		delete(reviewer.CurrentReviews, reviewID)
		// Averages track how long the reviewer actually worked, not how
		// long the request sat in the queue.
		workedFrom := req.CreatedAt
		if req.AssignedAt != nil {
			workedFrom = *req.AssignedAt
		}
		duration := now.Sub(workedFrom)
		switch status {
		case model.ReviewCompleted:
			reviewer.CompletedCount++
			if reviewer.AvgCompletionTime == 0 {
				reviewer.AvgCompletionTime = duration
			} else {
				reviewer.AvgCompletionTime = (reviewer.AvgCompletionTime + duration) / 2
			}
		case model.ReviewRejected:
			reviewer.RejectedCount++
		}
	}

	m.wakeLocked(reviewID)
	m.assignPendingLocked()
	snapshot := *req
	m.mu.Unlock()

	m.logger.Info("review resolved",
		zap.String("review", reviewID),
		zap.String("status", string(status)))
	m.publish(events.EventReviewResolved, snapshot)
	return nil
}

// Cancel moves any non-terminal review to cancelled and releases the
// assigned reviewer, if any.
func (m *Manager) Cancel(reviewID string) error {
	m.mu.Lock()
	req, ok := m.requests[reviewID]
	if !ok {
		m.mu.Unlock()
		return ErrReviewNotFound
	}
	if err := model.ValidateReviewTransition(req.Status, model.ReviewCancelled); err != nil {
		m.mu.Unlock()
		return err
	}

	now := time.Now()
	req.Status = model.ReviewCancelled
	req.ResolvedAt = &now
	if reviewer, ok := m.reviewers[req.AssignedTo]; ok {
		delete(reviewer.CurrentReviews, reviewID)
	}
	m.pending.remove(reviewID)
	m.wakeLocked(reviewID)
	m.assignPendingLocked()
	snapshot := *req
	m.mu.Unlock()

	m.publish(events.EventReviewResolved, snapshot)
	return nil
}

// GetReview returns a copy of the request, or ErrReviewNotFound.
func (m *Manager) GetReview(reviewID string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reviewID]
	if !ok {
		return Request{}, ErrReviewNotFound
	}
	return *req, nil
}

// GetReviewer returns a copy of the reviewer profile.
func (m *Manager) GetReviewer(reviewerID string) (Reviewer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reviewer, ok := m.reviewers[reviewerID]
	if !ok {
		return Reviewer{}, ErrReviewerNotFound
	}
	cp := *reviewer
	cp.CurrentReviews = make(map[string]bool, len(reviewer.CurrentReviews))
	for k := range reviewer.CurrentReviews {
		cp.CurrentReviews[k] = true
	}
	return cp, nil
}

// Wait blocks until the review reaches a terminal state, the timeout
// elapses (ErrWaitTimeout), or ctx is cancelled. The wake is edge-triggered
// by the manager on transition; there is no polling loop.
func (m *Manager) Wait(ctx context.Context, reviewID string, timeout time.Duration) (Request, error) {
	m.mu.Lock()
	req, ok := m.requests[reviewID]
	if !ok {
		m.mu.Unlock()
		return Request{}, ErrReviewNotFound
	}
	if model.IsReviewTerminal(req.Status) {
		cp := *req
		m.mu.Unlock()
		return cp, nil
	}
	waiter, ok := m.waiters[reviewID]
	if !ok {
		waiter = make(chan struct{})
		m.waiters[reviewID] = waiter
	}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-waiter:
		return m.GetReview(reviewID)
	case <-timer.C:
		return Request{}, ErrWaitTimeout
	case <-ctx.Done():
		return Request{}, ctx.Err()
	}
}

// SweepExpired transitions pending and in-progress requests past their
// expiry to expired, releasing reviewers. Returns the number swept.
func (m *Manager) SweepExpired() int {
	now := time.Now()
	var swept []Request

	m.mu.Lock()
	for _, req := range m.requests {
		if model.IsReviewTerminal(req.Status) || now.Before(req.ExpiresAt) {
			continue
		}
		req.Status = model.ReviewExpired
		resolvedAt := now
		req.ResolvedAt = &resolvedAt
		if reviewer, ok := m.reviewers[req.AssignedTo]; ok {
			delete(reviewer.CurrentReviews, req.ID)
		}
		m.pending.remove(req.ID)
		m.wakeLocked(req.ID)
		swept = append(swept, *req)
	}
	if len(swept) > 0 {
		m.assignPendingLocked()
	}
	m.mu.Unlock()

	for _, req := range swept {
		m.logger.Warn("review expired",
			zap.String("review", req.ID),
			zap.String("task", req.TaskName))
		m.publish(events.EventReviewResolved, req)
	}
	return len(swept)
}

// Start runs the expiry sweeper until ctx is cancelled.
func (m *Manager) Start(ctx context.Context, sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepExpired()
			}
		}
	}()
}

// assignPendingLocked walks the pending queue in priority order and assigns
// each request to its best-scoring eligible reviewer. Requests with no
// eligible reviewer stay queued.
func (m *Manager) assignPendingLocked() {
	// Snapshot in priority order without disturbing the heap.
	queued := make([]*Request, len(m.pending))
	copy(queued, m.pending)
	sort.Sort(requestQueue(queued))

	for _, req := range queued {
		if req.Status != model.ReviewPending {
			continue
		}
		reviewer := m.bestReviewerLocked(req.TaskType)
		if reviewer == nil {
			continue
		}
		if _, _, err := m.assignLocked(req.ID, reviewer.ID); err == nil {
			m.logger.Info("review auto-assigned",
				zap.String("review", req.ID),
				zap.String("reviewer", reviewer.ID))
			m.publish(events.EventReviewAssigned, *req)
		}
	}
}

// bestReviewerLocked scores each available, under-capacity reviewer whose
// specializations cover the task type by workload_ratio plus normalized
// average completion time (capped at one hour); lowest score wins and ties
// break arbitrarily.
func (m *Manager) bestReviewerLocked(taskType model.TaskType) *Reviewer {
	var best *Reviewer
	bestScore := 0.0
	for _, r := range m.reviewers {
		if !r.Available || r.atCapacity() || !r.specializesIn(taskType) {
			continue
		}
		normalizedAvg := float64(r.AvgCompletionTime) / float64(time.Hour)
		if normalizedAvg > 1 {
			normalizedAvg = 1
		}
		score := r.workloadRatio() + normalizedAvg
		if best == nil || score < bestScore {
			best = r
			bestScore = score
		}
	}
	return best
}

func (m *Manager) wakeLocked(reviewID string) {
	if waiter, ok := m.waiters[reviewID]; ok {
		close(waiter)
		delete(m.waiters, reviewID)
	}
}

// publish takes a value copy so event payloads are read race-free even when
// the caller has already released the manager lock.
func (m *Manager) publish(eventType events.EventType, req Request) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventType, map[string]any{
		"review_id":    req.ID,
		"execution_id": req.ExecutionID,
		"task":         req.TaskName,
		"status":       string(req.Status),
	})
}
