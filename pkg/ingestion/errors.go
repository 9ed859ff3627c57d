package ingestion

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrCheckpointNotFound means the checkpoint has not been produced yet.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrDecode means a checkpoint could not be decoded; it is never retried.
	ErrDecode = errors.New("checkpoint decode failed")
)

// Class is the retry classification of an error.
type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type classifiedError struct {
	err   error
	class Class
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient}
}

// Terminal marks err as not retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTerminal}
}

// Classify decides whether err is worth retrying. Errors are terminal unless
// marked transient, caused by a missing checkpoint, or a network timeout.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}
	var marked *classifiedError
	if errors.As(err, &marked) {
		return marked.class
	}
	if errors.Is(err, ErrDecode) || errors.Is(err, context.Canceled) {
		return ClassTerminal
	}
	if errors.Is(err, ErrCheckpointNotFound) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassTerminal
}

// IsTransient reports whether Classify(err) is ClassTransient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// PoolError reports the fatal failure of one worker pool.
type PoolError struct {
	Workflow       string
	SequenceNumber uint64
	Err            error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("worker %s failed at checkpoint %d: %v", e.Workflow, e.SequenceNumber, e.Err)
}

func (e *PoolError) Unwrap() error { return e.Err }

// RunError aggregates the pool failures of an executor run.
type RunError struct {
	Failures []*PoolError
}

func (e *RunError) Error() string {
	if len(e.Failures) == 1 {
		return e.Failures[0].Error()
	}
	return fmt.Sprintf("%d workers failed, first: %v", len(e.Failures), e.Failures[0])
}

func (e *RunError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}
