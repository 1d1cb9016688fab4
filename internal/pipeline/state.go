// Package pipeline contains the document-processing orchestration core:
// the typed pipeline state, the graph definition, the node executor, and
// the orchestrator that drives fan-out, fan-in, checkpointing, and
// resume-from-failure.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/dschulmeist/slide2anki/internal/chunk"
	"github.com/dschulmeist/slide2anki/internal/dedupe"
	"github.com/dschulmeist/slide2anki/internal/reduce"
)

// DocumentPayload is the inbound submission: an already-rendered page
// sequence. PDF parsing and binary asset storage live with external
// collaborators; the core receives pages, not files.
type DocumentPayload struct {
	Name  string        `json:"name"`
	Pages []PagePayload `json:"pages"`
}

// PagePayload is one source page.
type PagePayload struct {
	Text   string      `json:"text,omitempty"`   // extracted text layer, may be empty
	PNG    []byte      `json:"png,omitempty"`    // rendered page image
	Images []PageImage `json:"images,omitempty"` // embedded figures worth processing
}

// PageImage is an embedded figure on a page.
type PageImage struct {
	PNG      []byte  `json:"png"`
	AreaFrac float64 `json:"area_frac"` // fraction of the page area
	Top      float64 `json:"top"`       // vertical position 0..1
}

// Page is a rendered, indexed unit ready for dispatch.
type Page struct {
	Index int    `json:"index"`
	Text  string `json:"text,omitempty"`
	PNG   []byte `json:"png,omitempty"`
}

// ExtractedImage is a figure lifted from a page during image extraction.
type ExtractedImage struct {
	Page int    `json:"page"`
	Seq  int    `json:"seq"`
	PNG  []byte `json:"png"`
}

// ImageKind classifies what a figure is, which decides how it is
// processed downstream.
type ImageKind string

const (
	ImageFormula ImageKind = "formula" // transcribe to LaTeX
	ImageDiagram ImageKind = "diagram" // describe in prose
	ImageDecor   ImageKind = "decor"   // skip
)

// ProcessedImage is a classified and (if warranted) transcribed figure.
type ProcessedImage struct {
	Page          int       `json:"page"`
	Seq           int       `json:"seq"`
	Kind          ImageKind `json:"kind"`
	Transcription string    `json:"transcription,omitempty"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
}

// ChunkResult is one chunk extraction branch's output.
type ChunkResult struct {
	Index         int         `json:"index"`
	Range         chunk.Range `json:"range"`
	Markdown      string      `json:"markdown"`
	MainTopic     string      `json:"main_topic,omitempty"`
	KeyConcepts   []string    `json:"key_concepts,omitempty"`
	LowConfidence bool        `json:"low_confidence,omitempty"`
}

// Chapter is one detected section of the document, spanning an
// inclusive page range.
type Chapter struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Order     int    `json:"order"`
	StartPage int    `json:"start_page"`
	EndPage   int    `json:"end_page"`
}

// ChapterOutline is the document's revisable structure annotation. It
// guides assembly but never partitions the graph itself; assembly can
// re-run against a revised outline without re-running extraction.
type ChapterOutline struct {
	DocumentName string    `json:"document_name"`
	Chapters     []Chapter `json:"chapters"`
}

// Card is one generated flashcard draft.
type Card struct {
	Front         string             `json:"front"`
	Back          string             `json:"back"`
	Tags          []string           `json:"tags,omitempty"`
	Anchor        string             `json:"anchor"` // canonical unit it grounds in
	Evidence      dedupe.EvidenceRef `json:"evidence"`
	LowConfidence bool               `json:"low_confidence,omitempty"`
	Duplicate     bool               `json:"duplicate,omitempty"`
}

// State is the typed pipeline state snapshot carried between nodes and
// serialized into every checkpoint. Fan-in fields declare their merge
// discipline in mergeFanIn; everything else is single-producer
// (replace).
type State struct {
	RunID        string `json:"run_id"`
	DocumentName string `json:"document_name"`

	// Payload carries the raw submission until rendering consumes it.
	Payload *DocumentPayload `json:"payload,omitempty"`

	Pages           []Page           `json:"pages,omitempty"`
	ExtractedImages []ExtractedImage `json:"extracted_images,omitempty"`
	ImageKinds      []ImageKind      `json:"image_kinds,omitempty"` // parallel to ExtractedImages
	ProcessedImages []ProcessedImage `json:"processed_images,omitempty"`

	ChunkResults []ChunkResult `json:"chunk_results,omitempty"`
	MainTopic    string        `json:"main_topic,omitempty"`
	KeyConcepts  []string      `json:"key_concepts,omitempty"`

	Outline  *ChapterOutline        `json:"outline,omitempty"`
	Units    []dedupe.CanonicalUnit `json:"units,omitempty"`
	Markdown string                 `json:"markdown,omitempty"`

	Cards      []Card `json:"cards,omitempty"`
	ExportPath string `json:"export_path,omitempty"`

	// Metadata. CurrentStep merges keep-last, Progress keep-max,
	// ErrorLog ordered-unique append.
	CurrentStep string   `json:"current_step,omitempty"`
	Progress    int      `json:"progress,omitempty"`
	ErrorLog    []string `json:"error_log,omitempty"`
}

// Clone deep-copies the state through its JSON form. Checkpoint payloads
// and branch inputs must never alias the orchestrator's working state.
func (s State) Clone() (State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return State{}, fmt.Errorf("clone state: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return State{}, fmt.Errorf("clone state: %w", err)
	}
	return out, nil
}

// Marshal serializes the state for a checkpoint.
func (s State) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// UnmarshalState restores a checkpointed state.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return s, nil
}

// setStep updates the step metadata with the standard merge rules.
func (s *State) setStep(step string, progress int) {
	s.CurrentStep = reduce.KeepLast(s.CurrentStep, step)
	s.Progress = reduce.KeepMax(s.Progress, progress)
}

// recordErrors appends to the error log with dedup.
func (s *State) recordErrors(errs ...string) {
	s.ErrorLog = reduce.MergeErrors(s.ErrorLog, errs)
}

// DispatchUnit is one item of parallel work, created at fan-out with a
// stable index. Units are plain data so a dispatch list can be
// serialized and replayed identically on resume.
type DispatchUnit struct {
	Index int         `json:"index"`
	Kind  string      `json:"kind"` // "chunk", "image", "unit"
	Range chunk.Range `json:"range,omitempty"`
	Ref   int         `json:"ref,omitempty"` // item index for image/unit kinds
}

// BranchResult is one branch's immutable output, merged during fan-in.
// Exactly one payload field is set, matching the dispatch unit's kind.
type BranchResult struct {
	Unit  DispatchUnit    `json:"unit"`
	Chunk *ChunkResult    `json:"chunk,omitempty"`
	Image *ProcessedImage `json:"image,omitempty"`
	Cards []Card          `json:"cards,omitempty"`
}
