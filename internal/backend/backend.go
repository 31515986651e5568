// Package backend defines the task execution contract consumed by the
// orchestrator and a local worker-pool implementation of it.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/mfujita/flowline/internal/model"
	"github.com/mfujita/flowline/internal/pipeline"
)

// Handle identifies a submitted task within a backend.
type Handle string

// Result is the observable state of a submitted task.
type Result struct {
	Status model.TaskStatus
	Output map[string]any
	Err    string
	// Attempts counts handler invocations, including the successful one.
	Attempts int
}

// Backend executes pipeline tasks asynchronously. Submit returns once the
// task is accepted; progress is observed through Poll. Callers release the
// handle with Forget once they have consumed a terminal result, so the
// backend does not accumulate finished job records.
type Backend interface {
	Submit(ctx context.Context, task *pipeline.TaskConfig, input map[string]any) (Handle, error)
	Poll(ctx context.Context, h Handle) (*Result, error)
	Cancel(ctx context.Context, h Handle) bool
	Forget(h Handle)
}

// Handler executes one task type. Handlers must respect ctx cancellation;
// the backend enforces the task's timeout through it.
type Handler func(ctx context.Context, task *pipeline.TaskConfig, input map[string]any) (map[string]any, error)

// ErrUnknownHandle is returned by Poll for handles the backend never issued.
var ErrUnknownHandle = errors.New("backend: unknown handle")

// retryableError marks a failure as transient. Handlers wrap errors with
// Retryable to request another attempt within the task's retry budget;
// unwrapped errors are terminal.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err so the backend will retry it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Retryablef is shorthand for Retryable(fmt.Errorf(...)).
func Retryablef(format string, args ...any) error {
	return &retryableError{err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether err was marked transient.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
