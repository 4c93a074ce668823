package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline execution
var (
	// ErrCollectorTimeout indicates a collector group missed its deadline.
	// Cyclic slot dependencies surface as this error.
	ErrCollectorTimeout = errors.New("collector group timed out")

	// ErrCollectorExecuted indicates Run was called twice on one collector
	ErrCollectorExecuted = errors.New("collector already executed")

	// ErrCollectorNotRunning indicates a slot read before Run
	ErrCollectorNotRunning = errors.New("collector is not running")

	// ErrDuplicateStep indicates a member name registered twice, or the reserved "payload" name
	ErrDuplicateStep = errors.New("duplicate collector step")

	// ErrUnknownSlot indicates a read of a slot that no member provides
	ErrUnknownSlot = errors.New("unknown collector slot")

	// ErrStageTimeout indicates a stage exceeded its own timeout
	ErrStageTimeout = errors.New("stage timed out")

	// ErrUnknownStream indicates a resume from a stream no segment consumes
	ErrUnknownStream = errors.New("no segment consumes stream")

	// ErrNoPublisher indicates a SHUFFLE reached without a publisher configured
	ErrNoPublisher = errors.New("no publisher configured")
)

// StageError reports the stage that failed an invocation
type StageError struct {
	Stage        string
	InvocationID string
	Err          error
}

// Error implements the error interface
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (invocation %s): %v", e.Stage, e.InvocationID, e.Err)
}

// Unwrap returns the underlying cause
func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage string, inv *Invocation, err error) error {
	var se *StageError
	if errors.As(err, &se) && se.Stage == stage {
		return err
	}
	return &StageError{Stage: stage, InvocationID: inv.ID(), Err: err}
}
