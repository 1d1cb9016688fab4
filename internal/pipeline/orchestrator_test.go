package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dschulmeist/slide2anki/internal/capability"
	"github.com/dschulmeist/slide2anki/internal/checkpoint"
	"github.com/dschulmeist/slide2anki/internal/config"
	"github.com/dschulmeist/slide2anki/internal/events"
)

func fastConfig() config.PipelineConfig {
	return config.PipelineConfig{
		ChunkSize:      10,
		ChunkOverlap:   0.15,
		MaxConcurrency: 1,
		MaxRepairs:     2,
		MaxRetries:     3,
		FastMode:       true,
	}
}

func textPages(n int) []PagePayload {
	pages := make([]PagePayload, n)
	for i := range pages {
		pages[i] = PagePayload{Text: fmt.Sprintf("slide %d content", i)}
	}
	return pages
}

func newTestOrchestrator(t *testing.T, invoker capability.Invoker, cfg config.PipelineConfig) (*Orchestrator, checkpoint.Store, string) {
	t.Helper()
	workspace := t.TempDir()
	store := checkpoint.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	orch, err := NewOrchestrator(BuildGraph(cfg, workspace), store, NewExecutor(invoker, cfg.MaxRepairs), cfg, nil)
	require.NoError(t, err)
	return orch, store, workspace
}

func chunkJSON(markdown, topic string) string {
	b, _ := json.Marshal(map[string]any{
		"markdown":     markdown,
		"main_topic":   topic,
		"key_concepts": []string{topic},
	})
	return string(b)
}

func cardJSON(front, back string) string {
	return fmt.Sprintf(`{"cards": [{"front": %q, "back": %q, "tags": ["test"]}]}`, front, back)
}

func TestRunCompletesWithEvidenceMerge(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensusWorker)

	fake := capability.NewFakeInvoker().
		ScriptJSON(capExtractChunk, chunkJSON("## Alpha\nFirst fact.\n## Shared\nThe shared fact.", "Biology")).
		ScriptJSON(capExtractChunk, chunkJSON("## Shared\nThe shared fact.\n## Beta\nSecond fact.", "")).
		ScriptJSON(capExtractChunk, chunkJSON("## Gamma\nThird fact.", "")).
		ScriptJSON(capWriteCards, cardJSON("Q1", "A1")).
		ScriptJSON(capWriteCards, cardJSON("Q2", "A2")).
		ScriptJSON(capWriteCards, cardJSON("Q3", "A3")).
		ScriptJSON(capWriteCards, cardJSON("Q4", "A4"))

	cfg := fastConfig()
	emitter := events.NewChannelEmitter(64)
	workspace := t.TempDir()
	store := checkpoint.NewMemoryStore()
	defer store.Close()
	orch, err := NewOrchestrator(BuildGraph(cfg, workspace), store, NewExecutor(fake, cfg.MaxRepairs), cfg, emitter)
	require.NoError(t, err)

	ctx := context.Background()
	handle, err := orch.Run(ctx, "run-1", DocumentPayload{Name: "Cell Biology", Pages: textPages(23)})
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))

	rec, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)

	// 23 pages at chunk size 10 yields three chunks.
	assert.Equal(t, 3, fake.CallCount(capExtractChunk))

	// One checkpoint per completed node, sequence strictly increasing,
	// image nodes skipped in fast mode.
	cps, err := store.ListCheckpoints(ctx, "run-1")
	require.NoError(t, err)
	var names []string
	for i, cp := range cps {
		assert.Equal(t, i, cp.Seq)
		names = append(names, cp.NodeName)
	}
	assert.Equal(t, []string{"init", "ingest", "render", "extract_document", "assemble", "write_cards", "export"}, names)

	// The section shared by both chunks collapses into one unit whose
	// evidence cites both producers.
	units, err := store.CanonicalUnits(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, units, 4)
	var sharedEvidence int
	for _, u := range units {
		if u.Content == "## Shared\nThe shared fact." {
			sharedEvidence = len(u.Evidence)
			assert.Equal(t, "chunk:0", u.Evidence[0].Source)
			assert.Equal(t, "chunk:1", u.Evidence[1].Source)
		}
	}
	assert.Equal(t, 2, sharedEvidence)

	// One card per unit, exported.
	cp := cps[len(cps)-1]
	st, err := UnmarshalState(cp.State)
	require.NoError(t, err)
	assert.Len(t, st.Cards, 4)
	assert.Equal(t, "Biology", st.MainTopic)
	assert.Equal(t, 100, st.Progress)
	require.NotEmpty(t, st.ExportPath)
	_, err = os.Stat(st.ExportPath)
	assert.NoError(t, err)

	var sawDone bool
	for len(emitter.Events()) > 0 {
		ev := <-emitter.Events()
		if ev.Progress == 100 {
			sawDone = true
		}
	}
	assert.True(t, sawDone)
}

func TestFanOutPartialFailureCompletes(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensusWorker)

	// One chunk producing ten units; two card branches fail
	// persistently, the other eight succeed.
	var md string
	for i := 0; i < 10; i++ {
		md += fmt.Sprintf("## Section %d\nFact %d.\n", i, i)
	}
	fake := capability.NewFakeInvoker().
		ScriptJSON(capExtractChunk, chunkJSON(md, "Topic"))
	for i := 0; i < 10; i++ {
		if i == 2 || i == 6 {
			fake.Script(capWriteCards, capability.FakeResponse{
				Err: &capability.Error{Capability: capWriteCards, Err: errors.New("refused")},
			})
			continue
		}
		fake.ScriptJSON(capWriteCards, cardJSON(fmt.Sprintf("Q%d", i), fmt.Sprintf("A%d", i)))
	}

	orch, store, _ := newTestOrchestrator(t, fake, fastConfig())
	ctx := context.Background()
	handle, err := orch.Run(ctx, "run-partial", DocumentPayload{Name: "doc", Pages: textPages(5)})
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))

	rec, err := store.GetRun(ctx, "run-partial")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)

	cp, err := store.LatestCheckpoint(ctx, "run-partial")
	require.NoError(t, err)
	st, err := UnmarshalState(cp.State)
	require.NoError(t, err)
	assert.Len(t, st.Cards, 8)
	assert.Len(t, st.ErrorLog, 2)
}

func TestRequiredFanOutAllBranchesFail(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensusWorker)

	fake := capability.NewFakeInvoker().Script(capExtractChunk, capability.FakeResponse{
		Err: &capability.Error{Capability: capExtractChunk, Err: errors.New("refused")},
	})
	orch, store, _ := newTestOrchestrator(t, fake, fastConfig())
	ctx := context.Background()
	handle, err := orch.Run(ctx, "run-fail", DocumentPayload{Name: "doc", Pages: textPages(23)})
	require.NoError(t, err)

	err = handle.Wait(ctx)
	var rerr *RunError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "extract_document", rerr.Node)

	rec, err := store.GetRun(ctx, "run-fail")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "extract_document")

	// No checkpoint exists for the failed node.
	cp, err := store.LatestCheckpoint(ctx, "run-fail")
	require.NoError(t, err)
	assert.Equal(t, "render", cp.NodeName)
}

// blockingInvoker parks every call until its context dies, signalling
// the first arrival.
type blockingInvoker struct {
	started chan struct{}
}

func (b *blockingInvoker) Invoke(ctx context.Context, name string, in capability.Input) (capability.Output, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return capability.Output{}, ctx.Err()
}

func TestCancelMidFlight(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensusWorker)

	inv := &blockingInvoker{started: make(chan struct{}, 1)}
	orch, store, _ := newTestOrchestrator(t, inv, fastConfig())
	ctx := context.Background()
	handle, err := orch.Run(ctx, "run-cancel", DocumentPayload{Name: "doc", Pages: textPages(23)})
	require.NoError(t, err)

	select {
	case <-inv.started:
	case <-time.After(5 * time.Second):
		t.Fatal("capability call never started")
	}
	require.NoError(t, orch.Cancel(ctx, "run-cancel"))
	assert.ErrorIs(t, handle.Wait(ctx), ErrCancelled)

	rec, err := store.GetRun(ctx, "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCancelled, rec.Status)

	// Nothing checkpointed past the last completed node.
	cp, err := store.LatestCheckpoint(ctx, "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, "render", cp.NodeName)

	// A second cancel is rejected: the run is already terminal.
	err = orch.Cancel(ctx, "run-cancel")
	assert.ErrorContains(t, err, "already cancelled")
}

func TestResumeAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensusWorker)

	fake := capability.NewFakeInvoker()
	for i := 0; i < 3; i++ {
		fake.Script(capExtractChunk, capability.FakeResponse{
			Err: &capability.Error{Capability: capExtractChunk, Err: errors.New("outage")},
		})
	}
	fake.ScriptJSON(capExtractChunk, chunkJSON("## One\nFact one.", "Topic")).
		ScriptJSON(capExtractChunk, chunkJSON("## Two\nFact two.", "")).
		ScriptJSON(capExtractChunk, chunkJSON("## Three\nFact three.", "")).
		ScriptJSON(capWriteCards, cardJSON("Q1", "A1")).
		ScriptJSON(capWriteCards, cardJSON("Q2", "A2")).
		ScriptJSON(capWriteCards, cardJSON("Q3", "A3"))

	orch, store, _ := newTestOrchestrator(t, fake, fastConfig())
	ctx := context.Background()
	handle, err := orch.Run(ctx, "run-resume", DocumentPayload{Name: "doc", Pages: textPages(23)})
	require.NoError(t, err)
	require.Error(t, handle.Wait(ctx))

	// Resume picks up after the last checkpoint; ingest and render are
	// never redone.
	handle, err = orch.Resume(ctx, "run-resume")
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))

	rec, err := store.GetRun(ctx, "run-resume")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)

	cps, err := store.ListCheckpoints(ctx, "run-resume")
	require.NoError(t, err)
	var names []string
	for i, cp := range cps {
		assert.Equal(t, i, cp.Seq)
		names = append(names, cp.NodeName)
	}
	assert.Equal(t, []string{"init", "ingest", "render", "extract_document", "assemble", "write_cards", "export"}, names)

	units, err := store.CanonicalUnits(ctx, "run-resume")
	require.NoError(t, err)
	assert.Len(t, units, 3)

	// Resuming a completed run is refused.
	_, err = orch.Resume(ctx, "run-resume")
	assert.ErrorContains(t, err, "already completed")
}

func TestResumeWhileActive(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensusWorker)

	inv := &blockingInvoker{started: make(chan struct{}, 1)}
	orch, _, _ := newTestOrchestrator(t, inv, fastConfig())
	ctx := context.Background()
	handle, err := orch.Run(ctx, "run-active", DocumentPayload{Name: "doc", Pages: textPages(5)})
	require.NoError(t, err)
	<-inv.started

	_, err = orch.Resume(ctx, "run-active")
	assert.ErrorIs(t, err, ErrRunActive)

	require.NoError(t, orch.Cancel(ctx, "run-active"))
	assert.ErrorIs(t, handle.Wait(ctx), ErrCancelled)
}

func TestDuplicateRunRejected(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensusWorker)

	fake := capability.NewFakeInvoker().
		ScriptJSON(capExtractChunk, chunkJSON("## One\nFact.", "T")).
		ScriptJSON(capWriteCards, cardJSON("Q", "A"))
	orch, _, _ := newTestOrchestrator(t, fake, fastConfig())
	ctx := context.Background()
	handle, err := orch.Run(ctx, "run-dup", DocumentPayload{Name: "doc", Pages: textPages(3)})
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))

	_, err = orch.Run(ctx, "run-dup", DocumentPayload{Name: "doc", Pages: textPages(3)})
	assert.ErrorContains(t, err, "already exists")
}
