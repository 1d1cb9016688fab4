package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dschulmeist/slide2anki/internal/checkpoint"
	"github.com/dschulmeist/slide2anki/internal/config"
	"github.com/dschulmeist/slide2anki/internal/events"
	"github.com/dschulmeist/slide2anki/internal/logging"
)

// checkpointInit names the sequence-zero checkpoint holding the initial
// input, written before any node runs.
const checkpointInit = "init"

// Orchestrator drives runs through the graph: one node at a time, a
// checkpoint after every completed node, fan-out branches dispatched
// through a bounded worker group and merged in dispatch order.
type Orchestrator struct {
	graph   *Graph
	store   checkpoint.Store
	exec    *Executor
	cfg     config.PipelineConfig
	emitter events.Emitter

	mu     sync.Mutex
	active map[string]*runControl
}

type runControl struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error // set before done closes
}

// RunHandle tracks one in-flight run.
type RunHandle struct {
	RunID string
	ctrl  *runControl
}

// Done closes when the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} { return h.ctrl.done }

// Err returns the run's outcome once Done has closed: nil on
// completion, ErrCancelled on cancellation, a RunError on failure.
func (h *RunHandle) Err() error {
	select {
	case <-h.ctrl.done:
		return h.ctrl.err
	default:
		return nil
	}
}

// Wait blocks until the run finishes or ctx expires.
func (h *RunHandle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctrl.done:
		return h.ctrl.err
	}
}

// NewOrchestrator validates the graph and wires the collaborators.
// emitter may be nil when no consumer wants progress.
func NewOrchestrator(graph *Graph, store checkpoint.Store, exec *Executor, cfg config.PipelineConfig, emitter events.Emitter) (*Orchestrator, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		graph:   graph,
		store:   store,
		exec:    exec,
		cfg:     cfg,
		emitter: emitter,
		active:  make(map[string]*runControl),
	}, nil
}

// Run starts a new run over the payload. The returned handle reports
// completion; the run itself executes on its own goroutine.
func (o *Orchestrator) Run(ctx context.Context, runID string, payload DocumentPayload) (*RunHandle, error) {
	if runID == "" {
		return nil, fmt.Errorf("pipeline: empty run id")
	}
	if rec, err := o.store.GetRun(ctx, runID); err == nil && rec != nil {
		return nil, fmt.Errorf("pipeline: run %s already exists with status %s", runID, rec.Status)
	}
	st := State{RunID: runID, DocumentName: payload.Name, Payload: &payload}
	data, err := st.Marshal()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := o.store.PutRun(ctx, checkpoint.RunRecord{ID: runID, Status: checkpoint.StatusRunning, CreatedAt: now, UpdatedAt: now}); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	if err := o.store.PutCheckpoint(ctx, runID, 0, checkpointInit, data); err != nil {
		return nil, fmt.Errorf("write initial checkpoint: %w", err)
	}
	return o.start(ctx, runID, st, o.graph.Entry(), 0)
}

// Resume restarts a run from its latest checkpoint. Completed work is
// never redone: execution picks up at the node after the last durable
// snapshot.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*RunHandle, error) {
	o.mu.Lock()
	_, running := o.active[runID]
	o.mu.Unlock()
	if running {
		return nil, ErrRunActive
	}
	rec, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Status == checkpoint.StatusCompleted {
		return nil, fmt.Errorf("pipeline: run %s already completed", runID)
	}
	cp, err := o.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	st, err := UnmarshalState(cp.State)
	if err != nil {
		return nil, err
	}
	next := o.graph.Entry()
	if cp.NodeName != checkpointInit {
		if next, err = o.graph.NextOf(cp.NodeName, st); err != nil {
			return nil, err
		}
	}
	if next == "" {
		// Every node had checkpointed; only the terminal bookkeeping
		// was lost. Redo it and report the run complete.
		if err := o.completeRun(ctx, runID, st); err != nil {
			return nil, err
		}
		ctrl := &runControl{done: make(chan struct{}), cancel: func() {}}
		close(ctrl.done)
		return &RunHandle{RunID: runID, ctrl: ctrl}, nil
	}
	if err := o.store.PutRun(ctx, checkpoint.RunRecord{ID: runID, Status: checkpoint.StatusRunning, LatestSeq: rec.LatestSeq, CreatedAt: rec.CreatedAt, UpdatedAt: time.Now().UTC()}); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	logging.Pipeline("resuming run %s from checkpoint %d (%s) at node %s", runID, cp.Seq, cp.NodeName, next)
	return o.start(ctx, runID, st, next, cp.Seq)
}

// Cancel requests cooperative cancellation. An in-flight run stops at
// its next cancellation point; a stale non-terminal record is marked
// cancelled directly.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.Lock()
	ctrl, running := o.active[runID]
	o.mu.Unlock()
	if running {
		ctrl.cancel()
		return nil
	}
	rec, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("pipeline: run %s already %s", runID, rec.Status)
	}
	o.setStatus(runID, checkpoint.StatusCancelled, "")
	return nil
}

// Handle returns the control handle of an in-flight run, if any.
func (o *Orchestrator) Handle(runID string) (*RunHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ctrl, ok := o.active[runID]
	if !ok {
		return nil, false
	}
	return &RunHandle{RunID: runID, ctrl: ctrl}, true
}

func (o *Orchestrator) start(ctx context.Context, runID string, st State, node string, seq int) (*RunHandle, error) {
	o.mu.Lock()
	if _, dup := o.active[runID]; dup {
		o.mu.Unlock()
		return nil, ErrRunActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	ctrl := &runControl{cancel: cancel, done: make(chan struct{})}
	o.active[runID] = ctrl
	o.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.active, runID)
			o.mu.Unlock()
			close(ctrl.done)
		}()
		ctrl.err = o.execute(runCtx, runID, st, node, seq)
	}()
	return &RunHandle{RunID: runID, ctrl: ctrl}, nil
}

// execute walks the graph from node, checkpointing after each step. It
// owns the run's terminal status transition.
func (o *Orchestrator) execute(ctx context.Context, runID string, st State, node string, seq int) error {
	for node != "" {
		if ctx.Err() != nil {
			return o.cancelled(runID, node)
		}
		spec, err := o.graph.Node(node)
		if err != nil {
			return o.failed(runID, node, err)
		}
		timer := logging.StartTimer(logging.CategoryPipeline, node)
		if spec.Kind == KindFanOut {
			st, err = o.runFanOut(ctx, spec, st)
		} else {
			st, err = spec.Run(ctx, o.exec, st)
		}
		timer.Stop()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
				return o.cancelled(runID, node)
			}
			return o.failed(runID, node, &NodeError{Node: node, Err: err})
		}
		// A snapshot after cancellation could capture work the user
		// asked to abandon, so the cancel check precedes the write.
		if ctx.Err() != nil {
			return o.cancelled(runID, node)
		}
		seq++
		data, err := st.Marshal()
		if err != nil {
			return o.failed(runID, node, err)
		}
		if err := o.store.PutCheckpoint(ctx, runID, seq, node, data); err != nil {
			return o.failed(runID, node, fmt.Errorf("checkpoint %d: %w", seq, err))
		}
		o.setStatusSeq(runID, checkpoint.StatusRunning, "", seq)
		o.emit(events.Event{RunID: runID, Level: events.LevelInfo, Step: node, Progress: st.Progress, Message: fmt.Sprintf("%s complete", node)})
		logging.Checkpoint("run %s: checkpoint %d after %s (progress %d%%)", runID, seq, node, st.Progress)
		if node, err = o.graph.NextOf(node, st); err != nil {
			return o.failed(runID, node, err)
		}
	}
	return o.completeRun(context.Background(), runID, st)
}

// runFanOut dispatches branches over a bounded worker group, then
// merges the surviving results in dispatch-index order. Branch failures
// are collected, never propagated through the group: one bad branch
// must not tear down its siblings.
func (o *Orchestrator) runFanOut(ctx context.Context, spec NodeSpec, st State) (State, error) {
	units, err := spec.Route(st, o.cfg)
	if err != nil {
		return st, err
	}
	if len(units) == 0 {
		return spec.Merge(st, nil, nil)
	}
	// Branches read a detached snapshot so nothing they hold aliases
	// the state the merge mutates.
	branchState, err := st.Clone()
	if err != nil {
		return st, err
	}
	results := make([]*BranchResult, len(units))
	brErrs := make([]*BranchError, len(units))
	var eg errgroup.Group
	limit := o.cfg.MaxConcurrency
	if limit < 1 {
		limit = 1
	}
	eg.SetLimit(limit)
	for i, du := range units {
		i, du := i, du
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := spec.Branch(ctx, o.exec, branchState, du)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logging.Executor("branch %s[%d] failed: %v", spec.Name, du.Index, err)
				brErrs[i] = &BranchError{Node: spec.Name, Index: du.Index, Err: err}
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	_ = eg.Wait()
	if ctx.Err() != nil {
		// Cancellation discards unmerged branch output wholesale; a
		// partial merge would be indistinguishable from a torn write.
		return st, ErrCancelled
	}
	var (
		successes []BranchResult
		failures  []BranchError
	)
	for i := range units {
		if results[i] != nil {
			successes = append(successes, *results[i])
		} else if brErrs[i] != nil {
			failures = append(failures, *brErrs[i])
		}
	}
	if spec.Required && len(successes) == 0 {
		return st, fmt.Errorf("all %d branches failed, first: %w", len(units), failures[0].Err)
	}
	return spec.Merge(st, successes, failures)
}

func (o *Orchestrator) completeRun(ctx context.Context, runID string, st State) error {
	if err := o.store.PutCanonicalUnits(ctx, runID, st.Units); err != nil {
		return o.failed(runID, "handoff", err)
	}
	o.setStatus(runID, checkpoint.StatusCompleted, "")
	o.emit(events.Event{RunID: runID, Level: events.LevelInfo, Step: st.CurrentStep, Progress: 100, Message: "run completed"})
	logging.Pipeline("run %s completed: %d units, %d cards", runID, len(st.Units), len(st.Cards))
	return nil
}

func (o *Orchestrator) cancelled(runID, node string) error {
	o.setStatus(runID, checkpoint.StatusCancelled, "")
	o.emit(events.Event{RunID: runID, Level: events.LevelWarn, Step: node, Message: "run cancelled"})
	logging.Pipeline("run %s cancelled at %s", runID, node)
	return ErrCancelled
}

func (o *Orchestrator) failed(runID, node string, err error) error {
	rerr := &RunError{RunID: runID, Node: node, Err: err}
	o.setStatus(runID, checkpoint.StatusFailed, rerr.Error())
	o.emit(events.Event{RunID: runID, Level: events.LevelError, Step: node, Message: rerr.Error()})
	logging.Pipeline("run %s failed at %s: %v", runID, node, err)
	return rerr
}

func (o *Orchestrator) setStatus(runID string, status checkpoint.RunStatus, lastError string) {
	o.setStatusSeq(runID, status, lastError, 0)
}

// setStatusSeq records status with a detached context: terminal writes
// must land even when the run context is gone.
func (o *Orchestrator) setStatusSeq(runID string, status checkpoint.RunStatus, lastError string, seq int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := checkpoint.RunRecord{ID: runID, Status: status, LastError: lastError, LatestSeq: seq, UpdatedAt: time.Now().UTC()}
	if err := o.store.PutRun(ctx, rec); err != nil {
		logging.Pipeline("run %s: status write failed: %v", runID, err)
	}
}

func (o *Orchestrator) emit(ev events.Event) {
	if o.emitter == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	o.emitter.Emit(ev)
}
