package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dschulmeist/slide2anki/internal/dedupe"
	"github.com/dschulmeist/slide2anki/internal/export"
	"github.com/dschulmeist/slide2anki/internal/logging"
	"github.com/dschulmeist/slide2anki/internal/reduce"
)

// assemble folds chunk output and figure transcriptions into the
// deduplicated canonical unit list and renders the study document.
// Restoring the index from prior units means a reassembly against a
// revised outline keeps user edits and merged evidence intact.
func (n *nodes) assemble(ctx context.Context, ex *Executor, st State) (State, error) {
	idx := dedupe.Restore(st.Units)
	partials := make([]reduce.Partial[[]reduce.RawUnit], 0, len(st.ChunkResults))
	for _, cr := range st.ChunkResults {
		if cr.LowConfidence {
			continue
		}
		sections := splitSections(cr.Markdown)
		raw := make([]reduce.RawUnit, 0, len(sections))
		for _, sec := range sections {
			raw = append(raw, reduce.RawUnit{
				Content: sec.Content,
				Evidence: dedupe.EvidenceRef{
					Source: fmt.Sprintf("chunk:%d", cr.Index),
					Page:   cr.Range.Start,
					Label:  sec.Heading,
				},
			})
		}
		partials = append(partials, reduce.Partial[[]reduce.RawUnit]{Index: cr.Index, Value: raw})
	}
	idx = reduce.IndexMerge(idx, partials)

	// Figure transcriptions become units of their own, positioned
	// after every chunk-produced unit.
	base := len(st.ChunkResults)
	for i, im := range st.ProcessedImages {
		if im.Transcription == "" || im.LowConfidence {
			continue
		}
		idx.Upsert(im.Transcription, dedupe.EvidenceRef{
			Source: fmt.Sprintf("image:%d:%d", im.Page, im.Seq),
			Page:   im.Page,
			Label:  string(im.Kind),
		}, base+i)
	}

	st.Units = idx.Units()
	st.Markdown = renderDocument(st)
	logging.Dedupe("assembled %d canonical units from %d chunks", len(st.Units), len(st.ChunkResults))
	st.setStep("assemble", 80)
	return st, nil
}

// section is one heading-delimited span of chunk markdown.
type section struct {
	Heading string
	Content string
}

// splitSections splits markdown at "#" headings. Content before the
// first heading forms a heading-less section; empty spans are dropped.
func splitSections(markdown string) []section {
	var out []section
	var heading string
	var body []string
	flush := func() {
		content := strings.TrimSpace(strings.Join(body, "\n"))
		if heading != "" {
			content = strings.TrimSpace(heading + "\n" + content)
		}
		if content != "" {
			out = append(out, section{Heading: strings.TrimLeft(heading, "# "), Content: content})
		}
		body = body[:0]
	}
	for _, line := range strings.Split(markdown, "\n") {
		if strings.HasPrefix(line, "#") {
			flush()
			heading = strings.TrimSpace(line)
			continue
		}
		body = append(body, line)
	}
	flush()
	return out
}

// renderDocument renders the canonical units as one markdown document,
// grouped by the chapter outline when one exists.
func renderDocument(st State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", st.DocumentName)
	if st.MainTopic != "" {
		fmt.Fprintf(&b, "\n> %s\n", st.MainTopic)
	}
	if st.Outline == nil || len(st.Outline.Chapters) == 0 {
		for _, u := range st.Units {
			b.WriteString("\n")
			b.WriteString(u.Content)
			b.WriteString("\n")
		}
		return b.String()
	}
	placed := make(map[string]bool, len(st.Units))
	for _, ch := range st.Outline.Chapters {
		fmt.Fprintf(&b, "\n## %s\n", ch.Title)
		for _, u := range st.Units {
			if len(u.Evidence) == 0 {
				continue
			}
			page := u.Evidence[0].Page
			if page < ch.StartPage || page > ch.EndPage {
				continue
			}
			placed[u.Anchor] = true
			b.WriteString("\n")
			b.WriteString(u.Content)
			b.WriteString("\n")
		}
	}
	var orphaned bool
	for _, u := range st.Units {
		if placed[u.Anchor] {
			continue
		}
		if !orphaned {
			b.WriteString("\n## Unsorted\n")
			orphaned = true
		}
		b.WriteString("\n")
		b.WriteString(u.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// export writes the deck TSV and the assembled markdown next to each
// other under the workspace exports directory.
func (n *nodes) export(ctx context.Context, ex *Executor, st State) (State, error) {
	dir := filepath.Join(n.workspace, "exports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return st, fmt.Errorf("create export dir: %w", err)
	}
	base := exportBase(st.DocumentName, st.RunID)
	rows := make([]export.Row, 0, len(st.Cards))
	for _, c := range st.Cards {
		tags := c.Tags
		if c.LowConfidence {
			tags = append(append([]string(nil), tags...), "needs-review")
		}
		if c.Duplicate {
			tags = append(append([]string(nil), tags...), "possible-duplicate")
		}
		rows = append(rows, export.Row{Front: c.Front, Back: c.Back, Tags: tags})
	}
	tsvPath := filepath.Join(dir, base+".tsv")
	if err := export.WriteTSV(tsvPath, rows); err != nil {
		return st, err
	}
	if err := os.WriteFile(filepath.Join(dir, base+".md"), []byte(st.Markdown), 0o644); err != nil {
		return st, fmt.Errorf("write markdown: %w", err)
	}
	st.ExportPath = tsvPath
	logging.Pipeline("exported %d cards to %s", len(rows), tsvPath)
	st.setStep("export", 100)
	return st, nil
}

// exportBase builds a filesystem-safe file stem for a run's exports.
func exportBase(name, runID string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, name)
	if mapped == "" {
		mapped = "document"
	}
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return mapped + "_" + runID
}
