package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dschulmeist/slide2anki/internal/logging"
)

// LoadOutline reads a chapter outline from a JSON file.
func LoadOutline(path string) (*ChapterOutline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read outline: %w", err)
	}
	var outline ChapterOutline
	if err := json.Unmarshal(data, &outline); err != nil {
		return nil, fmt.Errorf("parse outline: %w", err)
	}
	for i, ch := range outline.Chapters {
		if ch.Title == "" {
			return nil, fmt.Errorf("outline chapter %d has no title", i)
		}
		if ch.StartPage < 0 || ch.EndPage < ch.StartPage {
			return nil, fmt.Errorf("outline chapter %d has range [%d, %d]", i, ch.StartPage, ch.EndPage)
		}
	}
	return &outline, nil
}

// SaveOutline writes a run's detected outline to a JSON file so the
// user can revise the boundaries by hand.
func SaveOutline(path string, outline *ChapterOutline) error {
	data, err := json.MarshalIndent(outline, "", "  ")
	if err != nil {
		return fmt.Errorf("encode outline: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write outline: %w", err)
	}
	return nil
}

// WatchBoundaries watches an outline file and reassembles the run each
// time the file settles after an edit. Extraction never re-runs; only
// assembly and card generation follow the revised boundaries. Blocks
// until ctx is done.
func WatchBoundaries(ctx context.Context, svc *Service, runID, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch outline: %w", err)
	}
	defer watcher.Close()
	// Watch the directory: editors typically replace the file, which
	// drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch outline: %w", err)
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	logging.Pipeline("watching %s for boundary revisions of run %s", path, runID)

	// Editors fire bursts of events per save; the debounce timer lets
	// the file settle before the rebuild starts.
	const settle = 500 * time.Millisecond
	debounce := time.NewTimer(settle)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Pipeline("outline watcher: %v", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || abs != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(settle)
		case <-debounce.C:
			if err := reassembleFromFile(ctx, svc, runID, path); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				logging.Pipeline("reassembly of run %s failed: %v", runID, err)
			}
		}
	}
}

func reassembleFromFile(ctx context.Context, svc *Service, runID, path string) error {
	outline, err := LoadOutline(path)
	if err != nil {
		return err
	}
	handle, err := svc.Reassemble(ctx, runID, outline)
	if err != nil {
		return err
	}
	logging.Pipeline("outline changed, reassembling run %s (%d chapters)", runID, len(outline.Chapters))
	return handle.Wait(ctx)
}
