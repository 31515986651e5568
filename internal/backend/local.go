package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mfujita/flowline/internal/model"
	"github.com/mfujita/flowline/internal/pipeline"
)

const (
	backoffBase = 250 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// job is one submitted task's lifecycle. Guarded by LocalBackend.mu.
type job struct {
	result Result
	cancel context.CancelFunc
	done   chan struct{}
}

// LocalBackend runs tasks in-process on a bounded worker pool. Each task
// type maps to a statically registered Handler; there is no dynamic
// dispatch beyond this table.
type LocalBackend struct {
	logger   *zap.Logger
	handlers map[model.TaskType]Handler
	sem      *semaphore.Weighted

	mu   sync.Mutex
	jobs map[Handle]*job
}

// NewLocal builds a backend with the given handler table. Handlers may be
// registered for any type except human_review, which is routed to the
// review manager upstream and never reaches a backend.
func NewLocal(logger *zap.Logger, workers int, handlers map[model.TaskType]Handler) (*LocalBackend, error) {
	if workers <= 0 {
		workers = 4
	}
	table := make(map[model.TaskType]Handler, len(handlers))
	for taskType, handler := range handlers {
		if err := model.ValidateTaskType(taskType); err != nil {
			return nil, err
		}
		if taskType == model.TaskTypeHumanReview {
			return nil, fmt.Errorf("backend: human_review tasks are not executable")
		}
		if handler == nil {
			return nil, fmt.Errorf("backend: nil handler for %s", taskType)
		}
		table[taskType] = handler
	}
	return &LocalBackend{
		logger:   logger.Named("backend"),
		handlers: table,
		sem:      semaphore.NewWeighted(int64(workers)),
		jobs:     make(map[Handle]*job),
	}, nil
}

// Submit accepts a task and returns a handle immediately. ctx bounds
// admission only; the running task is governed by its own timeout and by
// Cancel.
func (b *LocalBackend) Submit(ctx context.Context, task *pipeline.TaskConfig, input map[string]any) (Handle, error) {
	handler, ok := b.handlers[task.Type]
	if !ok {
		return "", fmt.Errorf("backend: no handler registered for task type %q", task.Type)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h := Handle(model.MustGenerateID(model.IDKindHandle))
	runCtx, cancel := context.WithCancel(context.Background())
	j := &job{
		result: Result{Status: model.TaskPending},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.jobs[h] = j
	b.mu.Unlock()

	go b.run(runCtx, h, j, handler, task, input)
	return h, nil
}

// Poll returns a copy of the task's current state.
func (b *LocalBackend) Poll(_ context.Context, h Handle) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	res := j.result
	return &res, nil
}

// Cancel stops a running task. Returns false for unknown handles and for
// tasks that already reached a terminal status.
func (b *LocalBackend) Cancel(_ context.Context, h Handle) bool {
	b.mu.Lock()
	j, ok := b.jobs[h]
	if !ok || model.IsTaskTerminal(j.result.Status) {
		b.mu.Unlock()
		return false
	}
	j.result.Status = model.TaskCancelled
	j.result.Err = "cancelled"
	b.mu.Unlock()

	j.cancel()
	return true
}

// Wait blocks until the task finishes or ctx expires. A convenience over
// Poll for callers that want completion, not progress.
func (b *LocalBackend) Wait(ctx context.Context, h Handle) (*Result, error) {
	b.mu.Lock()
	j, ok := b.jobs[h]
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownHandle
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
		return b.Poll(ctx, h)
	}
}

// Forget drops a terminal job's record. Non-terminal jobs are kept so
// their result is not lost while still running.
func (b *LocalBackend) Forget(h Handle) {
	b.mu.Lock()
	if j, ok := b.jobs[h]; ok && model.IsTaskTerminal(j.result.Status) {
		delete(b.jobs, h)
	}
	b.mu.Unlock()
}

// JobCount reports how many job records the backend is tracking.
func (b *LocalBackend) JobCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

func (b *LocalBackend) run(ctx context.Context, h Handle, j *job, handler Handler, task *pipeline.TaskConfig, input map[string]any) {
	defer close(j.done)
	defer j.cancel()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		b.finish(j, model.TaskCancelled, nil, "cancelled before start", 0)
		return
	}
	defer b.sem.Release(1)

	b.setStatus(j, model.TaskRunning)

	attempts := 0
	for {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, task.Timeout())
		output, err := handler(attemptCtx, task, input)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			b.finish(j, model.TaskCompleted, output, "", attempts)
			return
		}
		if ctx.Err() != nil {
			// Cancelled from outside; Cancel already set the status.
			b.mu.Lock()
			j.result.Attempts = attempts
			b.mu.Unlock()
			return
		}
		if timedOut {
			b.finish(j, model.TaskFailed, nil,
				fmt.Sprintf("task %s timed out after %s (attempt %d)", task.Name, task.Timeout(), attempts), attempts)
			return
		}
		if !IsRetryable(err) || attempts > task.Retries {
			b.finish(j, model.TaskFailed, nil, err.Error(), attempts)
			return
		}

		b.setStatus(j, model.TaskRetrying)
		b.logger.Debug("retrying task",
			zap.String("task", task.Name),
			zap.Int("attempt", attempts),
			zap.Error(err))

		select {
		case <-ctx.Done():
			b.mu.Lock()
			j.result.Attempts = attempts
			b.mu.Unlock()
			return
		case <-time.After(backoff(attempts)):
		}
		b.setStatus(j, model.TaskRunning)
	}
}

func (b *LocalBackend) setStatus(j *job, status model.TaskStatus) {
	b.mu.Lock()
	if !model.IsTaskTerminal(j.result.Status) {
		j.result.Status = status
	}
	b.mu.Unlock()
}

func (b *LocalBackend) finish(j *job, status model.TaskStatus, output map[string]any, errMsg string, attempts int) {
	b.mu.Lock()
	if !model.IsTaskTerminal(j.result.Status) {
		j.result.Status = status
		j.result.Output = output
		j.result.Err = errMsg
	}
	j.result.Attempts = attempts
	b.mu.Unlock()
}

// backoff grows exponentially per attempt and is capped.
func backoff(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}
