package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dschulmeist/slide2anki/internal/capability"
	"github.com/dschulmeist/slide2anki/internal/logging"
)

// ErrUnusableOutput marks a quality failure: the capability responded,
// but nothing decodable came back within the repair budget. Callers
// that can degrade check for it with errors.Is; everything else treats
// it as an ordinary branch failure.
var ErrUnusableOutput = errors.New("unusable capability output")

// Executor runs capability invocations for pipeline nodes and enforces
// output quality through a bounded verify-and-repair loop. Transport
// retries for transient faults belong to the invoker; the executor only
// judges and repairs content.
type Executor struct {
	invoker    capability.Invoker
	maxRepairs int
}

// NewExecutor wraps an invoker. maxRepairs bounds how many times a
// rejected output is sent back with a complaint before the executor
// gives up and marks the result low-confidence.
func NewExecutor(invoker capability.Invoker, maxRepairs int) *Executor {
	if maxRepairs < 0 {
		maxRepairs = 0
	}
	return &Executor{invoker: invoker, maxRepairs: maxRepairs}
}

// Invoke performs a single capability call with no output verification.
func (e *Executor) Invoke(ctx context.Context, name string, in capability.Input) (capability.Output, error) {
	return e.invoker.Invoke(ctx, name, in)
}

// InvokeStructured calls a capability expecting a JSON object, decodes
// it into out, and verifies it with verify (which returns a complaint
// describing what is wrong, or empty when the output is acceptable).
// Rejected outputs are retried with the complaint injected as feedback,
// up to maxRepairs times. When repairs are exhausted the last decodable
// output is kept and lowConfidence is returned true; the caller decides
// whether a degraded result is usable. Invocation errors are returned
// as-is and end the loop immediately.
func (e *Executor) InvokeStructured(ctx context.Context, name string, in capability.Input, out any, verify func() string) (lowConfidence bool, err error) {
	log := logging.Get(logging.CategoryCapability)
	attempts := 1 + e.maxRepairs
	complaint := ""
	decoded := false
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		call := in
		if complaint != "" {
			call.Feedback = complaint
		}
		resp, err := e.invoker.Invoke(ctx, name, call)
		if err != nil {
			return false, err
		}
		if err := json.Unmarshal(resp.JSON, out); err != nil {
			complaint = fmt.Sprintf("the response was not the requested JSON object: %v", err)
			log.Warnw("capability output undecodable", "capability", name, "attempt", attempt+1, "error", err)
			continue
		}
		decoded = true
		if verify == nil {
			return false, nil
		}
		complaint = verify()
		if complaint == "" {
			return false, nil
		}
		log.Infow("capability output rejected, repairing", "capability", name, "attempt", attempt+1, "complaint", complaint)
	}
	if !decoded {
		return false, &capability.Error{Capability: name, Err: fmt.Errorf("%w after %d attempts: %s", ErrUnusableOutput, attempts, complaint)}
	}
	log.Warnw("repairs exhausted, keeping low-confidence output", "capability", name, "complaint", complaint)
	return true, nil
}
