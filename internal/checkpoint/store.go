// Package checkpoint persists pipeline run records and immutable,
// sequenced state snapshots. Checkpoints for a run form a total order;
// resume always starts from the highest sequence. Writes never mutate
// or delete earlier checkpoints; superseded snapshots stay for audit.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/dschulmeist/slide2anki/internal/dedupe"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further execution
// without an explicit retry.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RunRecord is the durable view of one run.
type RunRecord struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	LatestSeq int       `json:"latest_seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpoint is an immutable snapshot of pipeline state taken after the
// named node completed.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	NodeName  string    `json:"node_name"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrNotFound reports a missing run or checkpoint.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrDuplicateSeq reports an attempt to rewrite history: a
	// (runID, seq) pair may only ever be written once.
	ErrDuplicateSeq = errors.New("checkpoint: sequence already written")
)

// Store is the persistence collaborator of the orchestrator. The
// orchestrator serializes writes per run; different runs may write
// concurrently, so implementations must be safe for concurrent use.
type Store interface {
	// PutCheckpoint appends one snapshot. Fails with ErrDuplicateSeq
	// if the sequence number was already written for this run.
	PutCheckpoint(ctx context.Context, runID string, seq int, nodeName string, state []byte) error
	// LatestCheckpoint returns the highest-sequence checkpoint.
	LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)
	// ListCheckpoints returns all checkpoints in sequence order.
	ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error)

	// PutRun upserts the run record.
	PutRun(ctx context.Context, rec RunRecord) error
	// GetRun fetches one run record.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	// ListRuns returns all run records, newest first.
	ListRuns(ctx context.Context) ([]RunRecord, error)

	// PutCanonicalUnits stores the final assembled output, handed off
	// once per run (a later hand-off for the same run replaces it).
	PutCanonicalUnits(ctx context.Context, runID string, units []dedupe.CanonicalUnit) error
	// CanonicalUnits fetches the final output of a run.
	CanonicalUnits(ctx context.Context, runID string) ([]dedupe.CanonicalUnit, error)

	Close() error
}
