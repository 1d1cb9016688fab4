package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dschulmeist/slide2anki/internal/config"
)

func TestBuildGraphValidates(t *testing.T) {
	assert.NoError(t, BuildGraph(fastConfig(), t.TempDir()).Validate())
}

func TestConditionalEdges(t *testing.T) {
	cfg := fastConfig()
	cfg.FastMode = false
	cfg.DetectChapters = true
	g := BuildGraph(cfg, t.TempDir())

	// Fast mode routes straight to extraction.
	fast := BuildGraph(fastConfig(), t.TempDir())
	next, err := fast.NextOf("render", State{})
	require.NoError(t, err)
	assert.Equal(t, "extract_document", next)

	next, err = g.NextOf("render", State{})
	require.NoError(t, err)
	assert.Equal(t, "extract_images", next)

	// No figures means the classification stage is skipped.
	next, err = g.NextOf("extract_images", State{})
	require.NoError(t, err)
	assert.Equal(t, "extract_document", next)

	next, err = g.NextOf("extract_images", State{ExtractedImages: []ExtractedImage{{}}})
	require.NoError(t, err)
	assert.Equal(t, "classify_images", next)

	// Only documents with figures worth transcribing fan out.
	next, err = g.NextOf("classify_images", State{ImageKinds: []ImageKind{ImageDecor}})
	require.NoError(t, err)
	assert.Equal(t, "extract_document", next)

	next, err = g.NextOf("classify_images", State{ImageKinds: []ImageKind{ImageDecor, ImageFormula}})
	require.NoError(t, err)
	assert.Equal(t, "transcribe_images", next)

	// Chapter detection only runs for multi-chunk documents.
	short := State{Pages: make([]Page, 5)}
	next, err = g.NextOf("extract_document", short)
	require.NoError(t, err)
	assert.Equal(t, "assemble", next)

	long := State{Pages: make([]Page, 30)}
	next, err = g.NextOf("extract_document", long)
	require.NoError(t, err)
	assert.Equal(t, "detect_chapters", next)

	// The pipeline ends after export.
	next, err = g.NextOf("export", State{})
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestGraphValidateRejectsMalformedSpecs(t *testing.T) {
	run := func(ctx context.Context, ex *Executor, st State) (State, error) { return st, nil }

	t.Run("missing entry", func(t *testing.T) {
		g := NewGraph("nope")
		g.AddNode(NodeSpec{Name: "a", Kind: KindPure, Run: run})
		assert.Error(t, g.Validate())
	})

	t.Run("dangling edge", func(t *testing.T) {
		g := NewGraph("a")
		g.AddNode(NodeSpec{Name: "a", Kind: KindPure, Run: run, Next: "missing"})
		assert.Error(t, g.Validate())
	})

	t.Run("fan-out without merge", func(t *testing.T) {
		g := NewGraph("a")
		g.AddNode(NodeSpec{Name: "a", Kind: KindFanOut,
			Route: func(st State, cfg config.PipelineConfig) ([]DispatchUnit, error) { return nil, nil },
			Branch: func(ctx context.Context, ex *Executor, st State, du DispatchUnit) (BranchResult, error) {
				return BranchResult{}, nil
			},
		})
		assert.Error(t, g.Validate())
	})

	t.Run("static cycle", func(t *testing.T) {
		g := NewGraph("a")
		g.AddNode(NodeSpec{Name: "a", Kind: KindPure, Run: run, Next: "b"})
		g.AddNode(NodeSpec{Name: "b", Kind: KindPure, Run: run, Next: "a"})
		assert.Error(t, g.Validate())
	})
}
