package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dschulmeist/slide2anki/internal/chunk"
	"github.com/dschulmeist/slide2anki/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <payload.json>",
	Short: "Process a document and export its deck",
	Long: `Submits a document payload (a JSON file holding the rendered
pages) and blocks until the run finishes, printing progress. The deck
TSV and the assembled markdown land under <workspace>/exports.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		payload, err := loadPayload(args[0])
		if err != nil {
			return err
		}
		handle, err := a.service.Submit(ctx, *payload)
		if err != nil {
			return err
		}
		fmt.Printf("run %s started: %q, %d pages\n", handle.RunID, payload.Name, len(payload.Pages))
		return followRun(ctx, a, handle)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a failed or cancelled run from its latest checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		handle, err := a.service.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("run %s resumed\n", handle.RunID)
		return followRun(ctx, a, handle)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the durable status of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.service.Status(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("run:      %s\n", status.RunID)
		fmt.Printf("status:   %s\n", status.Status)
		fmt.Printf("step:     %s (%d%%)\n", status.Step, status.Progress)
		fmt.Printf("cards:    %d\n", status.CardCount)
		if status.LastError != "" {
			fmt.Printf("error:    %s\n", status.LastError)
		}
		for _, e := range status.Errors {
			fmt.Printf("degraded: %s\n", e)
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List all runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.service.List(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs")
			return nil
		}
		for _, r := range runs {
			line := fmt.Sprintf("%s  %-10s  %s", r.ID, r.Status, r.UpdatedAt.Local().Format(time.DateTime))
			if r.LastError != "" {
				line += "  " + r.LastError
			}
			fmt.Println(line)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.service.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("run %s cancelled\n", args[0])
		return nil
	},
}

var unitsCmd = &cobra.Command{
	Use:   "units <run-id>",
	Short: "Print the canonical units of a completed run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		units, err := a.service.Units(ctx, args[0])
		if err != nil {
			return err
		}
		for _, u := range units {
			fmt.Printf("[%s] %d sources\n%s\n\n", u.Anchor[:12], len(u.Evidence), u.Content)
		}
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <pages>",
	Short: "Preview the chunk windows for a page count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pages, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("page count must be a number: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ranges, err := chunk.Plan(pages, cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap)
		if err != nil {
			return err
		}
		fmt.Printf("%d pages, chunk size %d, overlap %.2f -> %d chunks\n",
			pages, cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap, len(ranges))
		for i, r := range ranges {
			fmt.Printf("  chunk %d: pages %d-%d (%d pages)\n", i, r.Start, r.End-1, r.Size())
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <run-id> <outline.json>",
	Short: "Reassemble a run whenever its chapter outline file changes",
	Long: `Watches an outline file and rebuilds the run's notes and cards
against the revised chapter boundaries on every save. Extraction is
never repeated, and user edits to units survive each rebuild.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		err = pipeline.WatchBoundaries(ctx, a.service, args[0], args[1])
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func loadPayload(path string) (*pipeline.DocumentPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	var payload pipeline.DocumentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return &payload, nil
}

// followRun streams progress to stdout until the run reaches a
// terminal state.
func followRun(ctx context.Context, a *app, handle *pipeline.RunHandle) error {
	for {
		select {
		case ev := <-a.emitter.Events():
			if ev.RunID == handle.RunID {
				fmt.Printf("[%3d%%] %s: %s\n", ev.Progress, ev.Step, ev.Message)
			}
		case <-handle.Done():
			err := handle.Err()
			switch {
			case err == nil:
				status, serr := a.service.Status(context.Background(), handle.RunID)
				if serr == nil {
					fmt.Printf("run %s completed: %d cards\n", handle.RunID, status.CardCount)
				} else {
					fmt.Printf("run %s completed\n", handle.RunID)
				}
				return nil
			case errors.Is(err, pipeline.ErrCancelled):
				fmt.Printf("run %s cancelled; resume with: slide2anki resume %s\n", handle.RunID, handle.RunID)
				return nil
			default:
				return fmt.Errorf("run %s failed: %w (resume with: slide2anki resume %s)", handle.RunID, err, handle.RunID)
			}
		}
	}
}
