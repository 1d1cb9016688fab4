package pipeline

import (
	"errors"
	"fmt"
)

// ErrCancelled reports cooperative cancellation of a run.
var ErrCancelled = errors.New("pipeline: run cancelled")

// ErrRunActive reports an attempt to start a run that is already
// executing.
var ErrRunActive = errors.New("pipeline: run already active")

// NodeError reports a non-parallel node failure. Required-node errors
// fail the run; the checkpoint written before the node is preserved so
// the run stays retryable.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// BranchError reports one DispatchUnit exhausting its retries. Recorded
// in the error log and excluded from fan-in; never fails the run by
// itself.
type BranchError struct {
	Node  string
	Index int
	Err   error
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("node %s branch %d: %v", e.Node, e.Index, e.Err)
}

func (e *BranchError) Unwrap() error { return e.Err }

// RunError is the terminal failure attached to a failed run record.
// The message is specific by construction: it names the node and wraps
// the cause.
type RunError struct {
	RunID string
	Node  string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed at %s: %v", e.RunID, e.Node, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
