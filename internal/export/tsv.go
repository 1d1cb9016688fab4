// Package export writes finished decks to importable files.
package export

import (
	"fmt"
	"os"
	"strings"
)

// Row is one card row of a tab-separated deck: front, back, and a
// space-separated tag list, the layout Anki's importer expects.
type Row struct {
	Front string
	Back  string
	Tags  []string
}

// WriteTSV writes rows to path as UTF-8 TSV. Tabs and newlines inside
// fields would corrupt the row structure, so they are replaced; line
// breaks inside a field become HTML breaks, which Anki renders.
func WriteTSV(path string, rows []Row) error {
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(escapeField(r.Front))
		b.WriteByte('\t')
		b.WriteString(escapeField(r.Back))
		b.WriteByte('\t')
		b.WriteString(escapeField(strings.Join(r.Tags, " ")))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write deck: %w", err)
	}
	return nil
}

func escapeField(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "<br>")
	s = strings.ReplaceAll(s, "\t", "    ")
	return s
}
