package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dschulmeist/slide2anki/internal/capability"
	"github.com/dschulmeist/slide2anki/internal/chunk"
	"github.com/dschulmeist/slide2anki/internal/config"
	"github.com/dschulmeist/slide2anki/internal/dedupe"
	"github.com/dschulmeist/slide2anki/internal/logging"
	"github.com/dschulmeist/slide2anki/internal/reduce"
)

// Capability names spoken over the invoker boundary.
const (
	capClassifyImages  = "classify_images"
	capTranscribeImage = "transcribe_image"
	capExtractChunk    = "extract_chunk"
	capDetectChapters  = "detect_chapters"
	capWriteCards      = "write_cards"
)

// Embedded figures smaller than this fraction of the page are noise
// (logos, bullets) and are never lifted.
const minImageArea = 0.05

const (
	promptClassifyImages = `You are classifying figures extracted from lecture slides.
For each attached image decide whether it is a "formula" (mathematical
notation to transcribe), a "diagram" (a figure worth describing), or
"decor" (logos, decoration, anything without study value).
Respond with a JSON object: {"kinds": ["formula"|"diagram"|"decor", ...]}
with exactly one entry per attached image, in attachment order.`

	promptTranscribeFormula = `Transcribe the attached formula image to LaTeX.
Respond with a JSON object: {"transcription": "<latex>"}. Transcribe
exactly what is shown; do not simplify or solve.`

	promptTranscribeDiagram = `Describe the attached diagram from lecture slides
in two to four sentences, covering what it depicts and the relationships
it shows. Respond with a JSON object: {"transcription": "<description>"}.`

	promptExtractChunk = `You are converting a span of lecture slides into study notes.
The slide text and rendered pages are attached. Write clean Markdown
organized under "## " headings, one heading per coherent topic, keeping
every substantive fact and formula. Where a figure transcription is
provided, fold it into the relevant section. Do not invent content that
is not on the slides.
Respond with a JSON object:
{"markdown": "<markdown>", "main_topic": "<short course topic>", "key_concepts": ["<concept>", ...]}`

	promptDetectChapters = `You are outlining a lecture document. Given its notes
and the total page count, split it into chapters. Respond with a JSON
object: {"chapters": [{"title": "<title>", "start_page": <n>, "end_page": <n>}, ...]}
using 0-based inclusive page indices that cover the document in order.`

	promptWriteCards = `You are writing Anki flashcards from one study note.
Write one to four atomic question/answer cards grounded strictly in the
note below; never introduce outside facts. Fronts are questions, backs
are concise answers.
Respond with a JSON object:
{"cards": [{"front": "<question>", "back": "<answer>", "tags": ["<tag>", ...]}, ...]}`
)

// nodes binds the node implementations to their configuration. The
// graph wires methods of one nodes value, so conditional edges can
// consult config without threading it through state.
type nodes struct {
	cfg       config.PipelineConfig
	workspace string
}

// BuildGraph constructs the document-processing pipeline:
//
//	ingest -> render -> extract_images -> classify_images
//	       -> transcribe_images (fan-out per figure)
//	       -> extract_document (fan-out per chunk)
//	       -> detect_chapters -> assemble
//	       -> write_cards (fan-out per unit) -> export
//
// Fast mode and empty stages skip forward over the image path, and
// chapter detection only runs when enabled.
func BuildGraph(cfg config.PipelineConfig, workspace string) *Graph {
	n := &nodes{cfg: cfg, workspace: workspace}
	g := NewGraph("ingest")
	g.AddNode(NodeSpec{
		Name: "ingest", Kind: KindPure, Required: true,
		Run: n.ingest, Next: "render",
	})
	g.AddNode(NodeSpec{
		Name: "render", Kind: KindPure, Required: true,
		Run: n.render,
		NextFunc: func(st State) string {
			if cfg.FastMode {
				return "extract_document"
			}
			return "extract_images"
		},
	})
	g.AddNode(NodeSpec{
		Name: "extract_images", Kind: KindPure,
		Run: n.extractImages,
		NextFunc: func(st State) string {
			if len(st.ExtractedImages) == 0 {
				return "extract_document"
			}
			return "classify_images"
		},
	})
	g.AddNode(NodeSpec{
		Name: "classify_images", Kind: KindCapability, Required: true,
		Run: n.classifyImages,
		NextFunc: func(st State) string {
			for _, k := range st.ImageKinds {
				if k != ImageDecor {
					return "transcribe_images"
				}
			}
			return "extract_document"
		},
	})
	g.AddNode(NodeSpec{
		Name: "transcribe_images", Kind: KindFanOut,
		Route: n.routeImages, Branch: n.transcribeImage, Merge: n.mergeImages,
		Next: "extract_document",
	})
	g.AddNode(NodeSpec{
		Name: "extract_document", Kind: KindFanOut, Required: true,
		Route: n.routeChunks, Branch: n.extractChunk, Merge: n.mergeChunks,
		NextFunc: func(st State) string {
			if cfg.DetectChapters && len(st.Pages) > cfg.ChunkSize {
				return "detect_chapters"
			}
			return "assemble"
		},
	})
	g.AddNode(NodeSpec{
		Name: "detect_chapters", Kind: KindCapability,
		Run: n.detectChapters, Next: "assemble",
	})
	g.AddNode(NodeSpec{
		Name: "assemble", Kind: KindPure, Required: true,
		Run: n.assemble, Next: "write_cards",
	})
	g.AddNode(NodeSpec{
		Name: "write_cards", Kind: KindFanOut, Required: true,
		Route: n.routeUnits, Branch: n.writeCards, Merge: n.mergeCards,
		Next: "export",
	})
	g.AddNode(NodeSpec{
		Name: "export", Kind: KindPure, Required: true,
		Run: n.export,
	})
	return g
}

func (n *nodes) ingest(ctx context.Context, ex *Executor, st State) (State, error) {
	if st.Payload == nil || len(st.Payload.Pages) == 0 {
		return st, fmt.Errorf("document payload has no pages")
	}
	if st.DocumentName == "" {
		st.DocumentName = st.Payload.Name
	}
	if st.DocumentName == "" {
		st.DocumentName = "untitled"
	}
	logging.Pipeline("ingested %q: %d pages", st.DocumentName, len(st.Payload.Pages))
	st.setStep("ingest", 5)
	return st, nil
}

func (n *nodes) render(ctx context.Context, ex *Executor, st State) (State, error) {
	pages := make([]Page, len(st.Payload.Pages))
	for i, p := range st.Payload.Pages {
		pages[i] = Page{Index: i, Text: p.Text, PNG: p.PNG}
	}
	st.Pages = pages
	if n.cfg.FastMode {
		// The image path is skipped entirely, so drop the payload now.
		st.Payload = nil
	}
	st.setStep("render", 10)
	return st, nil
}

func (n *nodes) extractImages(ctx context.Context, ex *Executor, st State) (State, error) {
	var imgs []ExtractedImage
	if st.Payload != nil {
		for pi, p := range st.Payload.Pages {
			seq := 0
			for _, im := range p.Images {
				if im.AreaFrac < minImageArea || len(im.PNG) == 0 {
					continue
				}
				imgs = append(imgs, ExtractedImage{Page: pi, Seq: seq, PNG: im.PNG})
				seq++
			}
		}
	}
	st.ExtractedImages = imgs
	st.Payload = nil
	logging.Pipeline("extracted %d figures", len(imgs))
	st.setStep("extract_images", 15)
	return st, nil
}

func (n *nodes) classifyImages(ctx context.Context, ex *Executor, st State) (State, error) {
	in := capability.Input{Prompt: promptClassifyImages}
	for _, img := range st.ExtractedImages {
		in.Attachments = append(in.Attachments, capability.Attachment{
			MIMEType: "image/png",
			Data:     img.PNG,
			Label:    fmt.Sprintf("figure %d on page %d", img.Seq, img.Page),
		})
	}
	var out struct {
		Kinds []string `json:"kinds"`
	}
	lowConf, err := ex.InvokeStructured(ctx, capClassifyImages, in, &out, func() string {
		if len(out.Kinds) != len(st.ExtractedImages) {
			return fmt.Sprintf("expected %d kinds, got %d", len(st.ExtractedImages), len(out.Kinds))
		}
		for i, k := range out.Kinds {
			switch ImageKind(k) {
			case ImageFormula, ImageDiagram, ImageDecor:
			default:
				return fmt.Sprintf("kind %d is %q; must be formula, diagram or decor", i, k)
			}
		}
		return ""
	})
	if err != nil {
		// A quality failure degrades; only provider failures abort.
		if !errors.Is(err, ErrUnusableOutput) {
			return st, err
		}
		lowConf = true
	}
	kinds := make([]ImageKind, len(st.ExtractedImages))
	for i := range kinds {
		if lowConf || i >= len(out.Kinds) {
			// Unusable classification: err toward processing.
			kinds[i] = ImageDiagram
			continue
		}
		kinds[i] = ImageKind(out.Kinds[i])
	}
	if lowConf {
		st.recordErrors("classify_images: unusable classification, treating all figures as diagrams")
	}
	st.ImageKinds = kinds
	st.setStep("classify_images", 20)
	return st, nil
}

func (n *nodes) routeImages(st State, cfg config.PipelineConfig) ([]DispatchUnit, error) {
	var units []DispatchUnit
	for i, kind := range st.ImageKinds {
		if kind == ImageDecor {
			continue
		}
		units = append(units, DispatchUnit{Index: len(units), Kind: "image", Ref: i})
	}
	return units, nil
}

func (n *nodes) transcribeImage(ctx context.Context, ex *Executor, st State, du DispatchUnit) (BranchResult, error) {
	img := st.ExtractedImages[du.Ref]
	kind := st.ImageKinds[du.Ref]
	prompt := promptTranscribeDiagram
	if kind == ImageFormula {
		prompt = promptTranscribeFormula
	}
	in := capability.Input{
		Prompt: prompt,
		Attachments: []capability.Attachment{{
			MIMEType: "image/png",
			Data:     img.PNG,
			Label:    fmt.Sprintf("figure %d on page %d", img.Seq, img.Page),
		}},
	}
	var out struct {
		Transcription string `json:"transcription"`
	}
	lowConf, err := ex.InvokeStructured(ctx, capTranscribeImage, in, &out, func() string {
		if strings.TrimSpace(out.Transcription) == "" {
			return "transcription is empty"
		}
		return ""
	})
	if err != nil {
		return BranchResult{}, err
	}
	return BranchResult{Unit: du, Image: &ProcessedImage{
		Page:          img.Page,
		Seq:           img.Seq,
		Kind:          kind,
		Transcription: strings.TrimSpace(out.Transcription),
		LowConfidence: lowConf,
	}}, nil
}

func (n *nodes) mergeImages(st State, results []BranchResult, failures []BranchError) (State, error) {
	partials := make([]reduce.Partial[[]ProcessedImage], 0, len(results))
	for _, r := range results {
		if r.Image == nil {
			continue
		}
		partials = append(partials, reduce.Partial[[]ProcessedImage]{Index: r.Unit.Index, Value: []ProcessedImage{*r.Image}})
	}
	st.ProcessedImages = reduce.OrderedAppendUnique(st.ProcessedImages, partials, func(p ProcessedImage) string {
		return fmt.Sprintf("%d:%d", p.Page, p.Seq)
	})
	for _, f := range failures {
		st.recordErrors(f.Error())
	}
	logging.Pipeline("transcribed %d/%d figures", len(results), len(results)+len(failures))
	st.setStep("transcribe_images", 30)
	return st, nil
}

func (n *nodes) routeChunks(st State, cfg config.PipelineConfig) ([]DispatchUnit, error) {
	ranges, err := chunk.Plan(len(st.Pages), cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	units := make([]DispatchUnit, len(ranges))
	for i, r := range ranges {
		units[i] = DispatchUnit{Index: i, Kind: "chunk", Range: r}
	}
	return units, nil
}

// chunkContext renders the textual context for one chunk: page text
// plus any figure transcriptions that landed in the range.
func (n *nodes) chunkContext(st State, r chunk.Range) string {
	var b strings.Builder
	for i := r.Start; i < r.End && i < len(st.Pages); i++ {
		fmt.Fprintf(&b, "--- page %d ---\n", i)
		if t := strings.TrimSpace(st.Pages[i].Text); t != "" {
			b.WriteString(t)
			b.WriteString("\n")
		}
		for _, im := range st.ProcessedImages {
			if im.Page != i || im.Transcription == "" || im.LowConfidence {
				continue
			}
			fmt.Fprintf(&b, "[%s transcription] %s\n", im.Kind, im.Transcription)
		}
	}
	return b.String()
}

func (n *nodes) extractChunk(ctx context.Context, ex *Executor, st State, du DispatchUnit) (BranchResult, error) {
	in := capability.Input{
		Prompt: promptExtractChunk + "\n\n" + n.chunkContext(st, du.Range),
	}
	for i := du.Range.Start; i < du.Range.End && i < len(st.Pages); i++ {
		if len(st.Pages[i].PNG) == 0 {
			continue
		}
		in.Attachments = append(in.Attachments, capability.Attachment{
			MIMEType: "image/png",
			Data:     st.Pages[i].PNG,
			Label:    fmt.Sprintf("page %d", i),
		})
	}
	var out struct {
		Markdown    string   `json:"markdown"`
		MainTopic   string   `json:"main_topic"`
		KeyConcepts []string `json:"key_concepts"`
	}
	lowConf, err := ex.InvokeStructured(ctx, capExtractChunk, in, &out, func() string {
		if strings.TrimSpace(out.Markdown) == "" {
			return "markdown is empty"
		}
		return ""
	})
	if err != nil {
		return BranchResult{}, err
	}
	return BranchResult{Unit: du, Chunk: &ChunkResult{
		Index:         du.Index,
		Range:         du.Range,
		Markdown:      strings.TrimSpace(out.Markdown),
		MainTopic:     strings.TrimSpace(out.MainTopic),
		KeyConcepts:   out.KeyConcepts,
		LowConfidence: lowConf,
	}}, nil
}

func (n *nodes) mergeChunks(st State, results []BranchResult, failures []BranchError) (State, error) {
	chunkPartials := make([]reduce.Partial[[]ChunkResult], 0, len(results))
	conceptPartials := make([]reduce.Partial[[]string], 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		chunkPartials = append(chunkPartials, reduce.Partial[[]ChunkResult]{Index: r.Unit.Index, Value: []ChunkResult{*r.Chunk}})
		var concepts []string
		for _, c := range r.Chunk.KeyConcepts {
			if strings.TrimSpace(c) != "" {
				concepts = append(concepts, c)
			}
		}
		if len(concepts) > 0 {
			conceptPartials = append(conceptPartials, reduce.Partial[[]string]{Index: r.Unit.Index, Value: concepts})
		}
	}
	st.ChunkResults = reduce.OrderedAppendUnique(st.ChunkResults, chunkPartials, func(c ChunkResult) string {
		return strconv.Itoa(c.Index)
	})
	st.KeyConcepts = reduce.OrderedAppendUnique(st.KeyConcepts, conceptPartials, dedupe.Normalize)
	for _, c := range st.ChunkResults {
		st.MainTopic = reduce.ReplaceIfAbsent(st.MainTopic, c.MainTopic)
	}
	for _, f := range failures {
		st.recordErrors(f.Error())
	}
	logging.Pipeline("extracted %d/%d chunks", len(st.ChunkResults), len(st.ChunkResults)+len(failures))
	st.setStep("extract_document", 60)
	return st, nil
}

func (n *nodes) detectChapters(ctx context.Context, ex *Executor, st State) (State, error) {
	var notes strings.Builder
	for _, c := range st.ChunkResults {
		if c.LowConfidence {
			continue
		}
		fmt.Fprintf(&notes, "--- pages %d to %d ---\n%s\n", c.Range.Start, c.Range.End-1, c.Markdown)
	}
	in := capability.Input{
		Prompt: fmt.Sprintf("%s\n\nThe document has %d pages.\n\n%s", promptDetectChapters, len(st.Pages), notes.String()),
	}
	var out struct {
		Chapters []struct {
			Title     string `json:"title"`
			StartPage int    `json:"start_page"`
			EndPage   int    `json:"end_page"`
		} `json:"chapters"`
	}
	lowConf, err := ex.InvokeStructured(ctx, capDetectChapters, in, &out, func() string {
		if len(out.Chapters) == 0 {
			return "no chapters returned"
		}
		for i, c := range out.Chapters {
			if strings.TrimSpace(c.Title) == "" {
				return fmt.Sprintf("chapter %d has an empty title", i)
			}
			if c.StartPage < 0 || c.EndPage >= len(st.Pages) || c.StartPage > c.EndPage {
				return fmt.Sprintf("chapter %d range [%d, %d] is outside the document", i, c.StartPage, c.EndPage)
			}
		}
		return ""
	})
	// Chapter detection is assistive structure; a failed or unusable
	// outline degrades to a flat document instead of failing the run.
	if err != nil || lowConf {
		if err != nil {
			st.recordErrors(fmt.Sprintf("detect_chapters: %v", err))
		} else {
			st.recordErrors("detect_chapters: unusable outline, assembling flat")
		}
		st.setStep("detect_chapters", 70)
		return st, nil
	}
	outline := &ChapterOutline{DocumentName: st.DocumentName}
	for i, c := range out.Chapters {
		outline.Chapters = append(outline.Chapters, Chapter{
			ID:        uuid.NewString(),
			Title:     strings.TrimSpace(c.Title),
			Order:     i,
			StartPage: c.StartPage,
			EndPage:   c.EndPage,
		})
	}
	st.Outline = outline
	logging.Pipeline("detected %d chapters", len(outline.Chapters))
	st.setStep("detect_chapters", 70)
	return st, nil
}

func (n *nodes) routeUnits(st State, cfg config.PipelineConfig) ([]DispatchUnit, error) {
	units := make([]DispatchUnit, len(st.Units))
	for i := range st.Units {
		units[i] = DispatchUnit{Index: i, Kind: "unit", Ref: i}
	}
	return units, nil
}

func (n *nodes) writeCards(ctx context.Context, ex *Executor, st State, du DispatchUnit) (BranchResult, error) {
	unit := st.Units[du.Ref]
	var b strings.Builder
	b.WriteString(promptWriteCards)
	if st.MainTopic != "" {
		fmt.Fprintf(&b, "\n\nCourse topic: %s", st.MainTopic)
	}
	if title := chapterTitleFor(st.Outline, &unit); title != "" {
		fmt.Fprintf(&b, "\nChapter: %s", title)
	}
	fmt.Fprintf(&b, "\n\nNote:\n%s", unit.Content)
	var out struct {
		Cards []struct {
			Front string   `json:"front"`
			Back  string   `json:"back"`
			Tags  []string `json:"tags"`
		} `json:"cards"`
	}
	lowConf, err := ex.InvokeStructured(ctx, capWriteCards, capability.Input{Prompt: b.String()}, &out, func() string {
		if len(out.Cards) == 0 {
			return "no cards returned"
		}
		for i, c := range out.Cards {
			if strings.TrimSpace(c.Front) == "" || strings.TrimSpace(c.Back) == "" {
				return fmt.Sprintf("card %d has an empty front or back", i)
			}
		}
		return ""
	})
	if err != nil {
		return BranchResult{}, err
	}
	var ev dedupe.EvidenceRef
	if len(unit.Evidence) > 0 {
		ev = unit.Evidence[0]
	}
	cards := make([]Card, 0, len(out.Cards))
	for _, c := range out.Cards {
		front, back := strings.TrimSpace(c.Front), strings.TrimSpace(c.Back)
		if front == "" || back == "" {
			continue
		}
		cards = append(cards, Card{
			Front:         front,
			Back:          back,
			Tags:          c.Tags,
			Anchor:        unit.Anchor,
			Evidence:      ev,
			LowConfidence: lowConf,
			Duplicate:     unit.NearDuplicateOf != "",
		})
	}
	return BranchResult{Unit: du, Cards: cards}, nil
}

func (n *nodes) mergeCards(st State, results []BranchResult, failures []BranchError) (State, error) {
	partials := make([]reduce.Partial[[]Card], 0, len(results))
	for _, r := range results {
		if len(r.Cards) == 0 {
			continue
		}
		partials = append(partials, reduce.Partial[[]Card]{Index: r.Unit.Index, Value: r.Cards})
	}
	st.Cards = reduce.OrderedAppendUnique(st.Cards, partials, func(c Card) string {
		return dedupe.Normalize(c.Front)
	})
	for _, f := range failures {
		st.recordErrors(f.Error())
	}
	logging.Pipeline("wrote %d cards from %d units", len(st.Cards), len(st.Units))
	st.setStep("write_cards", 90)
	return st, nil
}

// chapterTitleFor finds the outline chapter covering a unit's first
// evidence page.
func chapterTitleFor(outline *ChapterOutline, unit *dedupe.CanonicalUnit) string {
	if outline == nil || len(unit.Evidence) == 0 {
		return ""
	}
	page := unit.Evidence[0].Page
	for _, ch := range outline.Chapters {
		if page >= ch.StartPage && page <= ch.EndPage {
			return ch.Title
		}
	}
	return ""
}
