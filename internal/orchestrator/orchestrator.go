// Package orchestrator drives pipeline executions: it resolves the stage
// order from a pipeline definition, dispatches each stage's tasks
// concurrently against the cache, the model registry, the execution backend
// and the review manager, and maintains the execution record callers poll.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mfujita/flowline/internal/backend"
	"github.com/mfujita/flowline/internal/cache"
	"github.com/mfujita/flowline/internal/events"
	"github.com/mfujita/flowline/internal/model"
	"github.com/mfujita/flowline/internal/monitor"
	"github.com/mfujita/flowline/internal/pipeline"
	"github.com/mfujita/flowline/internal/registry"
	"github.com/mfujita/flowline/internal/review"
)

var (
	ErrPipelineNotFound  = errors.New("orchestrator: pipeline not found")
	ErrExecutionNotFound = errors.New("orchestrator: execution not found")
	ErrNotPausable       = errors.New("orchestrator: execution is not running")
	ErrNotPaused         = errors.New("orchestrator: execution is not paused")
)

// Options tunes execution behavior.
type Options struct {
	// PipelineTimeout bounds one whole execution. Zero means no bound.
	PipelineTimeout time.Duration

	// ReviewTimeout bounds the wait for a single human review.
	// Defaults to one hour.
	ReviewTimeout time.Duration

	// PollInterval is how often backend tasks are polled for completion.
	// Defaults to 100ms.
	PollInterval time.Duration
}

// registered pairs a definition with its precomputed stage order.
type registered struct {
	def    *pipeline.Definition
	stages [][]string
}

// execState is the orchestrator's private view of one running execution.
type execState struct {
	mu     sync.Mutex
	exec   *model.PipelineExecution
	cancel context.CancelFunc
	paused bool
	resume chan struct{}
	done   chan struct{}
}

// gate blocks while the execution is paused.
func (s *execState) gate(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.paused {
			s.mu.Unlock()
			return nil
		}
		resume := s.resume
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

type Orchestrator struct {
	logger   *zap.Logger
	cache    *cache.Cache
	registry *registry.Registry
	monitor  *monitor.Monitor
	reviews  *review.Manager
	backend  backend.Backend
	bus      *events.Bus
	opts     Options

	mu         sync.Mutex
	pipelines  map[string]*registered
	executions map[string]*execState
}

// Deps are the collaborators an Orchestrator needs. All are required
// except Bus.
type Deps struct {
	Logger   *zap.Logger
	Cache    *cache.Cache
	Registry *registry.Registry
	Monitor  *monitor.Monitor
	Reviews  *review.Manager
	Backend  backend.Backend
	Bus      *events.Bus
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.ReviewTimeout <= 0 {
		opts.ReviewTimeout = time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Orchestrator{
		logger:     deps.Logger.Named("orchestrator"),
		cache:      deps.Cache,
		registry:   deps.Registry,
		monitor:    deps.Monitor,
		reviews:    deps.Reviews,
		backend:    deps.Backend,
		bus:        deps.Bus,
		opts:       opts,
		pipelines:  make(map[string]*registered),
		executions: make(map[string]*execState),
	}
}

// Register validates a definition, precomputes its stage order and returns
// the pipeline ID. Invalid definitions never reach execution.
func (o *Orchestrator) Register(def *pipeline.Definition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	stages, err := pipeline.ExecutionOrder(def)
	if err != nil {
		return "", err
	}

	id := model.MustGenerateID(model.IDKindPipeline)
	o.mu.Lock()
	o.pipelines[id] = &registered{def: def, stages: stages}
	o.mu.Unlock()

	o.logger.Info("pipeline registered",
		zap.String("pipeline_id", id),
		zap.String("name", def.Name),
		zap.Int("tasks", len(def.Tasks)),
		zap.Int("stages", len(stages)))
	return id, nil
}

// Deregister removes a registered pipeline. In-flight executions keep the
// definition they started with; new Execute calls for the ID fail.
func (o *Orchestrator) Deregister(pipelineID string) error {
	o.mu.Lock()
	reg, ok := o.pipelines[pipelineID]
	if ok {
		delete(o.pipelines, pipelineID)
	}
	o.mu.Unlock()
	if !ok {
		return ErrPipelineNotFound
	}
	o.logger.Info("pipeline deregistered",
		zap.String("pipeline_id", pipelineID),
		zap.String("name", reg.def.Name))
	return nil
}

// Definition returns the registered definition for a pipeline ID.
func (o *Orchestrator) Definition(pipelineID string) (*pipeline.Definition, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, ok := o.pipelines[pipelineID]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	return reg.def, nil
}

// Execute starts an asynchronous run of a registered pipeline and returns
// the execution ID immediately.
func (o *Orchestrator) Execute(ctx context.Context, pipelineID string, input map[string]any) (string, error) {
	o.mu.Lock()
	reg, ok := o.pipelines[pipelineID]
	o.mu.Unlock()
	if !ok {
		return "", ErrPipelineNotFound
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	execID := model.MustGenerateID(model.IDKindExecution)
	exec := &model.PipelineExecution{
		ID:           execID,
		PipelineID:   pipelineID,
		PipelineName: reg.def.Name,
		Status:       model.ExecutionRunning,
		Input:        input,
		TaskResults:  make(map[string]*model.TaskResult),
		StartedAt:    time.Now(),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	state := &execState{
		exec:   exec,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	o.executions[execID] = state
	o.mu.Unlock()

	o.monitor.StartExecution(reg.def.Name)
	o.publish(events.EventExecutionStarted, exec)

	go o.run(runCtx, state, reg)
	return execID, nil
}

// GetStatus returns a deep-copied snapshot of the execution record.
func (o *Orchestrator) GetStatus(execID string) (*model.PipelineExecution, error) {
	o.mu.Lock()
	state, ok := o.executions[execID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrExecutionNotFound
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.exec.Snapshot(), nil
}

// Pause stops a running execution at the next stage boundary. Tasks already
// in flight finish their current stage.
func (o *Orchestrator) Pause(execID string) error {
	state, err := o.state(execID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.exec.Status != model.ExecutionRunning {
		return ErrNotPausable
	}
	if err := model.ValidateExecutionTransition(state.exec.Status, model.ExecutionPaused); err != nil {
		return err
	}
	state.exec.Status = model.ExecutionPaused
	state.paused = true
	state.resume = make(chan struct{})
	return nil
}

// Resume releases a paused execution.
func (o *Orchestrator) Resume(execID string) error {
	state, err := o.state(execID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.paused {
		return ErrNotPaused
	}
	if err := model.ValidateExecutionTransition(state.exec.Status, model.ExecutionRunning); err != nil {
		return err
	}
	state.exec.Status = model.ExecutionRunning
	state.paused = false
	close(state.resume)
	return nil
}

// Cancel aborts an execution. In-flight backend tasks are cancelled on a
// best-effort basis through the run context.
func (o *Orchestrator) Cancel(execID string) error {
	state, err := o.state(execID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	if model.IsExecutionTerminal(state.exec.Status) {
		state.mu.Unlock()
		return fmt.Errorf("orchestrator: execution %s already %s", execID, state.exec.Status)
	}
	if state.paused {
		state.paused = false
		close(state.resume)
	}
	state.mu.Unlock()

	state.cancel()
	<-state.done
	return nil
}

// WaitDone blocks until the execution reaches a terminal status.
func (o *Orchestrator) WaitDone(ctx context.Context, execID string) (*model.PipelineExecution, error) {
	state, err := o.state(execID)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-state.done:
		return o.GetStatus(execID)
	}
}

// Executions lists snapshots of all known executions.
func (o *Orchestrator) Executions() []*model.PipelineExecution {
	o.mu.Lock()
	states := make([]*execState, 0, len(o.executions))
	for _, s := range o.executions {
		states = append(states, s)
	}
	o.mu.Unlock()

	out := make([]*model.PipelineExecution, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		out = append(out, s.exec.Snapshot())
		s.mu.Unlock()
	}
	return out
}

func (o *Orchestrator) state(execID string) (*execState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.executions[execID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return state, nil
}

func (o *Orchestrator) publish(eventType events.EventType, exec *model.PipelineExecution) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventType, map[string]any{
		"execution_id": exec.ID,
		"pipeline_id":  exec.PipelineID,
		"pipeline":     exec.PipelineName,
		"status":       string(exec.Status),
	})
}
