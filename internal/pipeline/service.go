package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dschulmeist/slide2anki/internal/checkpoint"
	"github.com/dschulmeist/slide2anki/internal/dedupe"
)

// Service is the application-facing surface over the orchestrator:
// submit a document, poll status, retry, cancel, fetch output.
type Service struct {
	orch  *Orchestrator
	store checkpoint.Store
}

// NewService wires the service over an orchestrator and its store.
func NewService(orch *Orchestrator, store checkpoint.Store) *Service {
	return &Service{orch: orch, store: store}
}

// Submit starts processing a document under a fresh run id.
func (s *Service) Submit(ctx context.Context, payload DocumentPayload) (*RunHandle, error) {
	if len(payload.Pages) == 0 {
		return nil, fmt.Errorf("submit: document has no pages")
	}
	return s.orch.Run(ctx, uuid.NewString(), payload)
}

// Retry resumes a failed or cancelled run from its latest checkpoint.
func (s *Service) Retry(ctx context.Context, runID string) (*RunHandle, error) {
	return s.orch.Resume(ctx, runID)
}

// Cancel requests cooperative cancellation of a run.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	return s.orch.Cancel(ctx, runID)
}

// RunStatus is a point-in-time view of one run.
type RunStatus struct {
	RunID     string               `json:"run_id"`
	Status    checkpoint.RunStatus `json:"status"`
	Step      string               `json:"step,omitempty"`
	Progress  int                  `json:"progress"`
	LatestSeq int                  `json:"latest_seq"`
	LastError string               `json:"last_error,omitempty"`
	Errors    []string             `json:"errors,omitempty"`
	CardCount int                  `json:"card_count"`
}

// Status reports the durable view of a run, folding in the step and
// error log from its latest checkpoint.
func (s *Service) Status(ctx context.Context, runID string) (*RunStatus, error) {
	rec, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := &RunStatus{
		RunID:     rec.ID,
		Status:    rec.Status,
		LatestSeq: rec.LatestSeq,
		LastError: rec.LastError,
	}
	cp, err := s.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return out, nil
		}
		return nil, err
	}
	st, err := UnmarshalState(cp.State)
	if err != nil {
		return nil, err
	}
	out.Step = st.CurrentStep
	out.Progress = st.Progress
	out.Errors = st.ErrorLog
	out.CardCount = len(st.Cards)
	return out, nil
}

// List returns all known runs, newest first.
func (s *Service) List(ctx context.Context) ([]checkpoint.RunRecord, error) {
	return s.store.ListRuns(ctx)
}

// Units fetches the canonical output of a completed run.
func (s *Service) Units(ctx context.Context, runID string) ([]dedupe.CanonicalUnit, error) {
	return s.store.CanonicalUnits(ctx, runID)
}

// Reassemble re-runs assembly and everything after it against a revised
// chapter outline. Extraction is not repeated; the existing canonical
// units seed the dedupe index, so user edits and merged evidence
// survive the rebuild.
func (s *Service) Reassemble(ctx context.Context, runID string, outline *ChapterOutline) (*RunHandle, error) {
	rec, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Terminal() {
		return nil, fmt.Errorf("reassemble: run %s is still %s", runID, rec.Status)
	}
	cp, err := s.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	st, err := UnmarshalState(cp.State)
	if err != nil {
		return nil, err
	}
	if len(st.ChunkResults) == 0 {
		return nil, fmt.Errorf("reassemble: run %s has no extracted content", runID)
	}
	st.Outline = outline
	rec.Status = checkpoint.StatusRunning
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.PutRun(ctx, *rec); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	return s.orch.start(ctx, runID, st, "assemble", cp.Seq)
}
