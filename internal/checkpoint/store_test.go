package checkpoint

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dschulmeist/slide2anki/internal/dedupe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must satisfy the same contract.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestCheckpointAppendOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutRun(ctx, RunRecord{ID: "r1", Status: StatusRunning}))
		require.NoError(t, s.PutCheckpoint(ctx, "r1", 0, "ingest", []byte(`{"a":1}`)))
		require.NoError(t, s.PutCheckpoint(ctx, "r1", 1, "render", []byte(`{"a":2}`)))

		err := s.PutCheckpoint(ctx, "r1", 1, "render", []byte(`{"a":3}`))
		require.ErrorIs(t, err, ErrDuplicateSeq)

		cps, err := s.ListCheckpoints(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, cps, 2)
		assert.Equal(t, []byte(`{"a":2}`), cps[1].State, "original state must survive the rejected rewrite")
	})
}

func TestLatestCheckpoint(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutRun(ctx, RunRecord{ID: "r1", Status: StatusRunning}))

		_, err := s.LatestCheckpoint(ctx, "r1")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PutCheckpoint(ctx, "r1", 0, "ingest", []byte(`0`)))
		require.NoError(t, s.PutCheckpoint(ctx, "r1", 1, "render", []byte(`1`)))
		require.NoError(t, s.PutCheckpoint(ctx, "r1", 2, "extract", []byte(`2`)))

		cp, err := s.LatestCheckpoint(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, 2, cp.Seq)
		assert.Equal(t, "extract", cp.NodeName)

		rec, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.LatestSeq)
	})
}

func TestRunRecordUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutRun(ctx, RunRecord{ID: "r1", Status: StatusPending}))
		require.NoError(t, s.PutRun(ctx, RunRecord{ID: "r1", Status: StatusFailed, LastError: "extract: all branches failed"}))

		rec, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, "extract: all branches failed", rec.LastError)

		_, err = s.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCanonicalUnitsHandoff(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		units := []dedupe.CanonicalUnit{
			{Anchor: "a1", Content: "unit one", Position: 0,
				Evidence: []dedupe.EvidenceRef{{Source: "chunk:0"}}},
			{Anchor: "a2", Content: "unit two", Position: 1, UserEdited: true},
		}
		require.NoError(t, s.PutCanonicalUnits(ctx, "r1", units))

		got, err := s.CanonicalUnits(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, units, got)

		_, err = s.CanonicalUnits(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIndependentRunsWriteConcurrently(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for _, runID := range []string{"r1", "r2", "r3", "r4"} {
			require.NoError(t, s.PutRun(ctx, RunRecord{ID: runID, Status: StatusRunning}))
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for seq := 0; seq < 10; seq++ {
					if err := s.PutCheckpoint(ctx, id, seq, "node", []byte(`{}`)); err != nil {
						t.Errorf("run %s seq %d: %v", id, seq, err)
						return
					}
				}
			}(runID)
		}
		wg.Wait()

		for _, runID := range []string{"r1", "r2", "r3", "r4"} {
			cps, err := s.ListCheckpoints(ctx, runID)
			require.NoError(t, err)
			assert.Len(t, cps, 10)
		}
	})
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
