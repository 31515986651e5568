package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mfujita/flowline/internal/cache"
	"github.com/mfujita/flowline/internal/events"
	"github.com/mfujita/flowline/internal/model"
	"github.com/mfujita/flowline/internal/pipeline"
	"github.com/mfujita/flowline/internal/review"
)

// run executes all stages of one pipeline run. It is the only goroutine
// that moves the execution to a terminal status.
func (o *Orchestrator) run(ctx context.Context, state *execState, reg *registered) {
	defer close(state.done)
	defer state.cancel()

	def := reg.def
	if o.opts.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.PipelineTimeout)
		defer cancel()
	}

	pipelineKey, keyErr := pipelineCacheKey(def, state.exec.Input)
	if keyErr != nil {
		o.logger.Warn("pipeline cache key derivation failed, running uncached",
			zap.String("pipeline", def.Name), zap.Error(keyErr))
	} else if cached, ok := o.cache.Get(ctx, pipelineKey); ok {
		if output, ok := cached.(map[string]any); ok {
			o.finalize(state, def, model.ExecutionCompleted, output, "")
			return
		}
	}

	for i, stage := range reg.stages {
		if err := state.gate(ctx); err != nil {
			o.fail(state, def, ctx, err)
			return
		}
		if err := o.runStage(ctx, state, def, stage); err != nil {
			o.fail(state, def, ctx, fmt.Errorf("stage %d: %w", i+1, err))
			return
		}
	}

	output := aggregateOutput(def, state.exec.TaskResults)
	if keyErr == nil {
		if err := o.cache.Set(ctx, pipelineKey, output, def.CacheTTL(), "pipeline:"+def.Name); err != nil {
			o.logger.Warn("pipeline result cache write failed",
				zap.String("pipeline", def.Name), zap.Error(err))
		}
	}
	o.finalize(state, def, model.ExecutionCompleted, output, "")
}

// runStage dispatches every task in the stage concurrently, bounded by the
// definition's max_parallel_tasks. The first terminal task failure cancels
// the group context, aborting siblings.
func (o *Orchestrator) runStage(ctx context.Context, state *execState, def *pipeline.Definition, stage []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(def.MaxParallel())

	for _, name := range stage {
		task := def.Task(name)
		g.Go(func() error {
			return o.runTask(gctx, state, def, task)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runTask(ctx context.Context, state *execState, def *pipeline.Definition, task *pipeline.TaskConfig) error {
	now := time.Now()
	result := &model.TaskResult{
		TaskName:  task.Name,
		Status:    model.TaskRunning,
		StartedAt: &now,
	}
	state.mu.Lock()
	state.exec.TaskResults[task.Name] = result
	globalInput := state.exec.Input
	depOutputs := make(map[string]map[string]any, len(task.Dependencies))
	for _, dep := range task.Dependencies {
		if depRes, ok := state.exec.TaskResults[dep]; ok {
			depOutputs[dep] = depRes.Output
		}
	}
	state.mu.Unlock()

	var taskKey string
	if task.CacheEnabled {
		key, err := taskCacheKey(task.Name, globalInput, depOutputs)
		if err != nil {
			o.logger.Warn("task cache key derivation failed, running uncached",
				zap.String("task", task.Name), zap.Error(err))
		} else {
			taskKey = key
			if cached, ok := o.cache.Get(ctx, taskKey); ok {
				if output, ok := cached.(map[string]any); ok {
					o.completeTask(state, task.Name, output, true, 0)
					return nil
				}
			}
		}
	}

	input := mergeInput(globalInput, task, depOutputs)

	if task.Model != "" {
		mv, err := o.registry.Get(task.Model, task.ModelVersion)
		if err != nil {
			return o.failTask(state, task.Name, fmt.Errorf("resolve model %s: %w", task.Model, err))
		}
		input["model"] = map[string]any{
			"name":          mv.Name,
			"version":       mv.Version,
			"artifact_path": mv.ArtifactPath,
			"checksum":      mv.Checksum,
		}
	}

	var (
		output  map[string]any
		retries int
		err     error
	)
	if task.Type == model.TaskTypeHumanReview {
		output, err = o.runReview(ctx, state, task, input)
	} else {
		output, retries, err = o.runBackend(ctx, state, task, input)
	}
	if err != nil {
		return o.failTask(state, task.Name, err)
	}

	// A post-execution review gate: low-confidence outputs get a second
	// pair of eyes before downstream tasks consume them.
	if task.HumanReviewRequired && task.Type != model.TaskTypeHumanReview && needsReview(output, task.ReviewThreshold()) {
		output, err = o.runReview(ctx, state, task, output)
		if err != nil {
			return o.failTask(state, task.Name, err)
		}
	}

	o.completeTask(state, task.Name, output, false, retries)

	if task.CacheEnabled && taskKey != "" {
		if cerr := o.cache.Set(ctx, taskKey, output, def.CacheTTL(), "pipeline:"+def.Name, "task:"+task.Name); cerr != nil {
			o.logger.Warn("task result cache write failed",
				zap.String("task", task.Name), zap.Error(cerr))
		}
	}
	return nil
}

// runBackend submits the task and polls until it reaches a terminal status.
func (o *Orchestrator) runBackend(ctx context.Context, state *execState, task *pipeline.TaskConfig, input map[string]any) (map[string]any, int, error) {
	h, err := o.backend.Submit(ctx, task, input)
	if err != nil {
		return nil, 0, err
	}

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()
	for {
		res, err := o.backend.Poll(ctx, h)
		if err != nil {
			return nil, 0, err
		}
		if res.Status == model.TaskRetrying {
			o.setTaskStatus(state, task.Name, model.TaskRetrying, res.Attempts)
		}
		if model.IsTaskTerminal(res.Status) {
			o.backend.Forget(h)
			retries := res.Attempts - 1
			if retries < 0 {
				retries = 0
			}
			switch res.Status {
			case model.TaskCompleted:
				return res.Output, retries, nil
			case model.TaskCancelled:
				return nil, retries, fmt.Errorf("task %s cancelled", task.Name)
			default:
				return nil, retries, fmt.Errorf("task %s failed: %s", task.Name, res.Err)
			}
		}
		select {
		case <-ctx.Done():
			o.backend.Cancel(context.Background(), h)
			o.backend.Forget(h)
			return nil, 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// runReview creates a review request and blocks until a reviewer resolves
// it or the review timeout elapses.
func (o *Orchestrator) runReview(ctx context.Context, state *execState, task *pipeline.TaskConfig, input map[string]any) (map[string]any, error) {
	o.setTaskStatus(state, task.Name, model.TaskWaitingReview, 0)

	state.mu.Lock()
	execID := state.exec.ID
	state.mu.Unlock()

	reviewID, err := o.reviews.CreateReview(review.CreateParams{
		ExecutionID: execID,
		TaskName:    task.Name,
		TaskType:    task.Type,
		Priority:    reviewPriority(task),
		Input:       input,
	})
	if err != nil {
		return nil, fmt.Errorf("create review for task %s: %w", task.Name, err)
	}

	req, err := o.reviews.Wait(ctx, reviewID, o.opts.ReviewTimeout)
	if err != nil {
		o.reviews.Cancel(reviewID)
		if errors.Is(err, review.ErrWaitTimeout) {
			return nil, fmt.Errorf("review for task %s timed out after %s", task.Name, o.opts.ReviewTimeout)
		}
		return nil, err
	}

	switch req.Status {
	case model.ReviewCompleted:
		if req.Result != nil {
			return req.Result, nil
		}
		return input, nil
	case model.ReviewRejected:
		return nil, fmt.Errorf("task %s rejected by reviewer: %s", task.Name, req.Feedback)
	case model.ReviewExpired:
		return nil, fmt.Errorf("review for task %s expired", task.Name)
	default:
		return nil, fmt.Errorf("review for task %s resolved with status %s", task.Name, req.Status)
	}
}

func (o *Orchestrator) completeTask(state *execState, name string, output map[string]any, cacheHit bool, retries int) {
	done := time.Now()
	state.mu.Lock()
	if res, ok := state.exec.TaskResults[name]; ok {
		res.Status = model.TaskCompleted
		res.Output = output
		res.CompletedAt = &done
		res.CacheHit = cacheHit
		res.RetryCount = retries
	}
	state.mu.Unlock()
}

func (o *Orchestrator) failTask(state *execState, name string, err error) error {
	status := model.TaskFailed
	if errors.Is(err, context.Canceled) {
		status = model.TaskCancelled
	}
	done := time.Now()
	state.mu.Lock()
	if res, ok := state.exec.TaskResults[name]; ok {
		res.Status = status
		res.Error = err.Error()
		res.CompletedAt = &done
	}
	state.mu.Unlock()
	return err
}

func (o *Orchestrator) setTaskStatus(state *execState, name string, status model.TaskStatus, attempts int) {
	state.mu.Lock()
	if res, ok := state.exec.TaskResults[name]; ok && !model.IsTaskTerminal(res.Status) {
		res.Status = status
		if attempts > 1 {
			res.RetryCount = attempts - 1
		}
	}
	state.mu.Unlock()
}

// fail moves the execution to its terminal failure status, distinguishing
// cancellation and pipeline timeout from task failure.
func (o *Orchestrator) fail(state *execState, def *pipeline.Definition, ctx context.Context, cause error) {
	status := model.ExecutionFailed
	msg := cause.Error()
	switch ctx.Err() {
	case context.DeadlineExceeded:
		msg = fmt.Sprintf("pipeline timed out after %s", o.opts.PipelineTimeout)
	case context.Canceled:
		status = model.ExecutionCancelled
		msg = "execution cancelled"
	}

	// Tasks still marked in-flight were aborted with the stage.
	state.mu.Lock()
	for _, res := range state.exec.TaskResults {
		if !model.IsTaskTerminal(res.Status) {
			res.Status = model.TaskCancelled
			res.Error = "aborted with stage"
		}
	}
	state.mu.Unlock()

	o.finalize(state, def, status, nil, msg)
}

func (o *Orchestrator) finalize(state *execState, def *pipeline.Definition, status model.ExecutionStatus, output map[string]any, errMsg string) {
	done := time.Now()
	state.mu.Lock()
	state.exec.Status = status
	state.exec.Output = output
	state.exec.Error = errMsg
	state.exec.CompletedAt = &done
	duration := done.Sub(state.exec.StartedAt)
	snapshot := state.exec.Snapshot()
	state.mu.Unlock()

	o.monitor.CompleteExecution(def.Name, status, duration)

	eventType := events.EventExecutionCompleted
	if status != model.ExecutionCompleted {
		eventType = events.EventExecutionFailed
	}
	o.publish(eventType, snapshot)

	if status == model.ExecutionCompleted {
		o.logger.Info("execution completed",
			zap.String("execution_id", snapshot.ID),
			zap.String("pipeline", def.Name),
			zap.Duration("duration", duration))
	} else {
		o.logger.Warn("execution did not complete",
			zap.String("execution_id", snapshot.ID),
			zap.String("pipeline", def.Name),
			zap.String("status", string(status)),
			zap.String("error", errMsg))
	}
}

// mergeInput builds one task's input: the execution's global input, then
// the task's own parameters, then each dependency's output under
// "<dep>_output". Later layers win on key collision.
func mergeInput(global map[string]any, task *pipeline.TaskConfig, depOutputs map[string]map[string]any) map[string]any {
	merged := make(map[string]any, len(global)+len(task.Parameters)+len(depOutputs))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range task.Parameters {
		merged[k] = v
	}
	for dep, out := range depOutputs {
		merged[dep+"_output"] = out
	}
	return merged
}

func taskCacheKey(taskName string, input map[string]any, depOutputs map[string]map[string]any) (string, error) {
	return cache.Key(map[string]any{
		"task":  taskName,
		"input": input,
		"deps":  depOutputs,
	})
}

func pipelineCacheKey(def *pipeline.Definition, input map[string]any) (string, error) {
	return cache.Key(map[string]any{
		"pipeline": def.Name,
		"version":  def.Version,
		"input":    input,
	})
}

// needsReview checks the task output's self-reported confidence against the
// configured threshold. Outputs that do not report confidence are always
// reviewed.
func needsReview(output map[string]any, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	raw, ok := output["confidence"]
	if !ok {
		return true
	}
	switch v := raw.(type) {
	case float64:
		return v < threshold
	case int:
		return float64(v) < threshold
	default:
		return true
	}
}

func reviewPriority(task *pipeline.TaskConfig) model.Priority {
	if raw, ok := task.Parameters["review_priority"]; ok {
		if s, ok := raw.(string); ok {
			return model.Priority(s)
		}
	}
	return model.PriorityMedium
}

// aggregateOutput applies the definition's output mapping: each mapped
// field is a dot-path whose first segment names a task and the rest walk
// into that task's output. Without a mapping, every task's output is
// exposed under "<task>_output".
func aggregateOutput(def *pipeline.Definition, results map[string]*model.TaskResult) map[string]any {
	mapping := def.OutputMapping()
	out := make(map[string]any)
	if len(mapping) == 0 {
		for name, res := range results {
			if res.Status == model.TaskCompleted {
				out[name+"_output"] = res.Output
			}
		}
		return out
	}
	for field, path := range mapping {
		if value, ok := lookupPath(results, path); ok {
			out[field] = value
		}
	}
	return out
}

func lookupPath(results map[string]*model.TaskResult, path string) (any, bool) {
	segments := strings.Split(path, ".")
	res, ok := results[segments[0]]
	if !ok || res.Output == nil {
		return nil, false
	}
	var current any = res.Output
	for _, seg := range segments[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
