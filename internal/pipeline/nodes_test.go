package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dschulmeist/slide2anki/internal/capability"
	"github.com/dschulmeist/slide2anki/internal/checkpoint"
)

func TestRunWithFigureTranscription(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensusWorker)

	fake := capability.NewFakeInvoker().
		ScriptJSON(capClassifyImages, `{"kinds": ["formula", "decor"]}`).
		ScriptJSON(capTranscribeImage, `{"transcription": "E = mc^2"}`).
		ScriptJSON(capExtractChunk, chunkJSON("## Physics\nmass-energy equivalence", "Physics")).
		ScriptJSON(capWriteCards, cardJSON("Q1", "A1")).
		ScriptJSON(capWriteCards, cardJSON("Q2", "A2"))

	cfg := fastConfig()
	cfg.FastMode = false
	orch, store, _ := newTestOrchestrator(t, fake, cfg)
	ctx := context.Background()

	pages := textPages(3)
	pages[0].Images = []PageImage{
		{PNG: []byte("png-a"), AreaFrac: 0.4, Top: 0.2},
		{PNG: []byte("png-b"), AreaFrac: 0.01, Top: 0.9}, // too small, dropped
	}
	pages[1].Images = []PageImage{
		{PNG: []byte("png-c"), AreaFrac: 0.3, Top: 0.5}, // classified decor
	}
	handle, err := orch.Run(ctx, "run-img", DocumentPayload{Name: "doc", Pages: pages})
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))

	cps, err := store.ListCheckpoints(ctx, "run-img")
	require.NoError(t, err)
	var names []string
	for _, cp := range cps {
		names = append(names, cp.NodeName)
	}
	assert.Equal(t, []string{"init", "ingest", "render", "extract_images", "classify_images",
		"transcribe_images", "extract_document", "assemble", "write_cards", "export"}, names)

	st, err := UnmarshalState(cps[len(cps)-1].State)
	require.NoError(t, err)
	// Two figures survived the area filter, one survived classification.
	require.Len(t, st.ExtractedImages, 2)
	require.Len(t, st.ProcessedImages, 1)
	assert.Equal(t, ImageFormula, st.ProcessedImages[0].Kind)
	assert.Equal(t, "E = mc^2", st.ProcessedImages[0].Transcription)

	// The transcription became its own canonical unit.
	units, err := store.CanonicalUnits(ctx, "run-img")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "E = mc^2", units[1].Content)
	assert.Equal(t, "image:0:0", units[1].Evidence[0].Source)

	// The chunk prompt carried the transcription as context.
	for _, call := range fake.Calls() {
		if call.Name == capExtractChunk {
			assert.Contains(t, call.Input.Prompt, "E = mc^2")
		}
	}
}

func TestDetectChaptersDegradesOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensusWorker)

	fake := capability.NewFakeInvoker().
		ScriptJSON(capExtractChunk, chunkJSON("## One\nfact", "T")).
		ScriptJSON(capExtractChunk, chunkJSON("## Two\nfact two", "")).
		ScriptJSON(capExtractChunk, chunkJSON("## Three\nfact three", "")).
		Script(capDetectChapters, capability.FakeResponse{
			Err: &capability.Error{Capability: capDetectChapters, Err: errors.New("refused")},
		}).
		ScriptJSON(capWriteCards, cardJSON("Q1", "A1")).
		ScriptJSON(capWriteCards, cardJSON("Q2", "A2")).
		ScriptJSON(capWriteCards, cardJSON("Q3", "A3"))

	cfg := fastConfig()
	cfg.DetectChapters = true
	orch, store, _ := newTestOrchestrator(t, fake, cfg)
	ctx := context.Background()
	handle, err := orch.Run(ctx, "run-flat", DocumentPayload{Name: "doc", Pages: textPages(23)})
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))

	rec, err := store.GetRun(ctx, "run-flat")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)

	cp, err := store.LatestCheckpoint(ctx, "run-flat")
	require.NoError(t, err)
	st, err := UnmarshalState(cp.State)
	require.NoError(t, err)
	assert.Nil(t, st.Outline)
	require.Len(t, st.ErrorLog, 1)
	assert.Contains(t, st.ErrorLog[0], "detect_chapters")
}

func TestDetectChaptersBuildsOutline(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensusWorker)

	fake := capability.NewFakeInvoker().
		ScriptJSON(capExtractChunk, chunkJSON("## One\nfact", "T")).
		ScriptJSON(capExtractChunk, chunkJSON("## Two\nfact two", "")).
		ScriptJSON(capExtractChunk, chunkJSON("## Three\nfact three", "")).
		ScriptJSON(capDetectChapters, `{"chapters": [
			{"title": "Basics", "start_page": 0, "end_page": 10},
			{"title": "Advanced", "start_page": 11, "end_page": 22}
		]}`).
		ScriptJSON(capWriteCards, cardJSON("Q1", "A1")).
		ScriptJSON(capWriteCards, cardJSON("Q2", "A2")).
		ScriptJSON(capWriteCards, cardJSON("Q3", "A3"))

	cfg := fastConfig()
	cfg.DetectChapters = true
	orch, store, _ := newTestOrchestrator(t, fake, cfg)
	ctx := context.Background()
	handle, err := orch.Run(ctx, "run-ch", DocumentPayload{Name: "doc", Pages: textPages(23)})
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))

	cp, err := store.LatestCheckpoint(ctx, "run-ch")
	require.NoError(t, err)
	st, err := UnmarshalState(cp.State)
	require.NoError(t, err)
	require.NotNil(t, st.Outline)
	require.Len(t, st.Outline.Chapters, 2)
	assert.Equal(t, "Basics", st.Outline.Chapters[0].Title)
	assert.NotEmpty(t, st.Outline.Chapters[0].ID)
	assert.Contains(t, st.Markdown, "## Basics")
	assert.Contains(t, st.Markdown, "## Advanced")
}
