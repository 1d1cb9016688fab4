package chunk

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanFixedBoundaries(t *testing.T) {
	// 23 units, size 10, 15% overlap: overlap = round(1.5) = 2.
	got, err := Plan(23, 10, 0.15)
	require.NoError(t, err)

	want := []Range{{0, 10}, {9, 19}, {17, 23}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanSingleWindowForSmallInputs(t *testing.T) {
	for _, total := range []int{1, 5, 10} {
		got, err := Plan(total, 10, 0.15)
		require.NoError(t, err)
		require.Len(t, got, 1, "total=%d", total)
		assert.Equal(t, Range{0, total}, got[0])
	}
}

func TestPlanEmptyInput(t *testing.T) {
	got, err := Plan(0, 10, 0.15)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPlanRejectsInvalidArgs(t *testing.T) {
	_, err := Plan(10, 0, 0.15)
	assert.Error(t, err)
	_, err = Plan(10, 5, -0.1)
	assert.Error(t, err)
}

func TestPlanZeroOverlapIsContiguous(t *testing.T) {
	got, err := Plan(23, 10, 0)
	require.NoError(t, err)

	want := []Range{{0, 10}, {10, 20}, {20, 23}}
	assert.Equal(t, want, got)
}

// Coverage and determinism laws over a spread of shapes.
func TestPlanProperties(t *testing.T) {
	shapes := []struct {
		total, size int
		ratio       float64
	}{
		{23, 10, 0.15},
		{100, 10, 0.15},
		{47, 7, 0.3},
		{11, 10, 0.15},
		{200, 20, 0.5},
		{9, 3, 0.15},
		{61, 13, 0.25},
	}
	for _, s := range shapes {
		first, err := Plan(s.total, s.size, s.ratio)
		require.NoError(t, err)
		second, err := Plan(s.total, s.size, s.ratio)
		require.NoError(t, err)
		assert.Equal(t, first, second, "plan must be deterministic for %+v", s)

		// Full coverage, no gaps, ordered starts, bounded size.
		covered := make([]bool, s.total)
		prevStart := -1
		for _, r := range first {
			require.Greater(t, r.Start, prevStart, "starts must increase for %+v", s)
			prevStart = r.Start
			require.LessOrEqual(t, r.Size(), s.size, "window too large for %+v", s)
			require.Greater(t, r.Size(), 0, "empty window for %+v", s)
			for i := r.Start; i < r.End; i++ {
				covered[i] = true
			}
		}
		for i, ok := range covered {
			require.True(t, ok, "unit %d uncovered for %+v", i, s)
		}
		assert.Equal(t, 0, first[0].Start)
		assert.Equal(t, s.total, first[len(first)-1].End)
	}
}

func TestRangeHelpers(t *testing.T) {
	r := Range{3, 8}
	assert.Equal(t, 5, r.Size())
	assert.True(t, r.Contains(3))
	assert.False(t, r.Contains(8))
	assert.Equal(t, 2, r.Overlap(Range{6, 12}))
	assert.Equal(t, 0, r.Overlap(Range{8, 12}))
}
