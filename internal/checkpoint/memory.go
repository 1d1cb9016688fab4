package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dschulmeist/slide2anki/internal/dedupe"
)

// MemoryStore is an in-process Store used by tests and dry runs. It
// honors the same append-only invariants as the SQLite store.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]RunRecord
	checkpoints map[string][]Checkpoint // keyed by run id, kept sorted by seq
	units       map[string][]dedupe.CanonicalUnit
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]RunRecord),
		checkpoints: make(map[string][]Checkpoint),
		units:       make(map[string][]dedupe.CanonicalUnit),
	}
}

func (m *MemoryStore) PutCheckpoint(_ context.Context, runID string, seq int, nodeName string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cp := range m.checkpoints[runID] {
		if cp.Seq == seq {
			return fmt.Errorf("%w: run %s seq %d", ErrDuplicateSeq, runID, seq)
		}
	}
	stateCopy := make([]byte, len(state))
	copy(stateCopy, state)
	m.checkpoints[runID] = append(m.checkpoints[runID], Checkpoint{
		RunID:     runID,
		Seq:       seq,
		NodeName:  nodeName,
		State:     stateCopy,
		CreatedAt: time.Now(),
	})
	sort.Slice(m.checkpoints[runID], func(i, j int) bool {
		return m.checkpoints[runID][i].Seq < m.checkpoints[runID][j].Seq
	})
	if rec, ok := m.runs[runID]; ok && seq > rec.LatestSeq {
		rec.LatestSeq = seq
		rec.UpdatedAt = time.Now()
		m.runs[runID] = rec
	}
	return nil
}

func (m *MemoryStore) LatestCheckpoint(_ context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.checkpoints[runID]
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: run %s has no checkpoints", ErrNotFound, runID)
	}
	cp := cps[len(cps)-1]
	return &cp, nil
}

func (m *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Checkpoint, len(m.checkpoints[runID]))
	copy(out, m.checkpoints[runID])
	return out, nil
}

func (m *MemoryStore) PutRun(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if existing, ok := m.runs[rec.ID]; ok {
		if existing.LatestSeq > rec.LatestSeq {
			rec.LatestSeq = existing.LatestSeq
		}
		rec.CreatedAt = existing.CreatedAt
	}
	rec.UpdatedAt = now
	m.runs[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return &rec, nil
}

func (m *MemoryStore) ListRuns(_ context.Context) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PutCanonicalUnits(_ context.Context, runID string, units []dedupe.CanonicalUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]dedupe.CanonicalUnit, len(units))
	copy(copied, units)
	m.units[runID] = copied
	return nil
}

func (m *MemoryStore) CanonicalUnits(_ context.Context, runID string) ([]dedupe.CanonicalUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	units, ok := m.units[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s has no canonical units", ErrNotFound, runID)
	}
	out := make([]dedupe.CanonicalUnit, len(units))
	copy(out, units)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
