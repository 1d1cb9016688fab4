// Package capability is the outbound boundary to external inference
// services. The core speaks one uniform call shape, Invoke(name, input),
// and never encodes provider-specific request or response formats.
package capability

import (
	"context"
	"errors"
	"fmt"
)

// Input is the structured request handed to a capability.
type Input struct {
	// Prompt is the instruction text.
	Prompt string `json:"prompt"`
	// Attachments carries page images or other binary context.
	Attachments []Attachment `json:"attachments,omitempty"`
	// Feedback carries a validity complaint on repair attempts.
	Feedback string `json:"feedback,omitempty"`
}

// Attachment is one binary artifact sent with a request.
type Attachment struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
	Label    string `json:"label,omitempty"`
}

// Output is the structured response from a capability.
type Output struct {
	// JSON is the raw structured payload when the capability returns
	// machine-readable output.
	JSON []byte `json:"json,omitempty"`
	// Text is the plain-text payload otherwise.
	Text string `json:"text,omitempty"`
}

// Invoker is the single uniform contract for calling any inference
// capability: given input X, return structured output Y, or fail.
type Invoker interface {
	Invoke(ctx context.Context, name string, input Input) (Output, error)
}

// TransientError marks a failure worth retrying: timeouts, connection
// resets, rate limits. Wrap-and-check via errors.As.
type TransientError struct {
	Err error
	// RetryAfter is a provider-suggested delay, zero if none.
	RetryAfterSeconds int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient capability error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Error reports a non-retryable capability failure.
type Error struct {
	Capability string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capability %s: %v", e.Capability, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
