package editsession

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffLine is one rendered line of an edit preview.
type DiffLine struct {
	Type    string `json:"type"` // "context", "add", "remove"
	Content string `json:"content"`
}

// Preview summarizes the pending change of a session against its original
// content.
type Preview struct {
	Path    string     `json:"path"`
	Lines   []DiffLine `json:"lines"`
	Added   int        `json:"added"`
	Removed int        `json:"removed"`
	Unified string     `json:"unified"`
}

// BuildPreview diffs the session's current buffer against what it opened
// with. ok=false means the surface is already gone.
func (s *Session) BuildPreview() (*Preview, bool) {
	current, ok := s.CurrentText()
	if !ok {
		return nil, false
	}
	return buildPreview(s.path, s.original, current), true
}

func buildPreview(path, oldContent, newContent string) *Preview {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	preview := &Preview{Path: path}

	var unified strings.Builder
	unified.WriteString(fmt.Sprintf("--- %s\n", path))
	unified.WriteString(fmt.Sprintf("+++ %s\n", path))

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		for i, line := range lines {
			// Skip the empty trailing element from split.
			if i == len(lines)-1 && line == "" {
				continue
			}

			switch d.Type {
			case diffmatchpatch.DiffEqual:
				preview.Lines = append(preview.Lines, DiffLine{Type: "context", Content: line})
				unified.WriteString(fmt.Sprintf(" %s\n", line))
			case diffmatchpatch.DiffDelete:
				preview.Lines = append(preview.Lines, DiffLine{Type: "remove", Content: line})
				preview.Removed++
				unified.WriteString(fmt.Sprintf("-%s\n", line))
			case diffmatchpatch.DiffInsert:
				preview.Lines = append(preview.Lines, DiffLine{Type: "add", Content: line})
				preview.Added++
				unified.WriteString(fmt.Sprintf("+%s\n", line))
			}
		}
	}

	preview.Unified = unified.String()
	return preview
}
