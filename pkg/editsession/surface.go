// Package editsession governs one in-flight file edit: open an editing
// surface, apply incremental line deltas as they stream in, then commit or
// discard in a single explicit step.
package editsession

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Surface is the editing collaborator a session mutates. Line numbers are
// zero-based; ranges are end-exclusive.
type Surface interface {
	// Replace swaps the lines in [startLine, endLine) for content.
	Replace(content string, startLine, endLine int) error
	// Truncate discards everything after the first line lines.
	Truncate(line int) error
	// Text returns the current buffer, or ok=false once the surface has
	// been released.
	Text() (text string, ok bool)
	// Save persists the buffer. False means the commit failed; the
	// session stays usable.
	Save() bool
	// Release tears the surface down. Idempotent.
	Release()
}

// bufferSurface is an in-memory surface. FileSurface builds on it by
// persisting to disk on Save.
type bufferSurface struct {
	mu       sync.Mutex
	lines    []string
	released bool
}

func newBufferSurface(content string) *bufferSurface {
	return &bufferSurface{lines: splitLines(content)}
}

func (s *bufferSurface) Replace(content string, startLine, endLine int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSurfaceReleased
	}

	startLine = clamp(startLine, 0, len(s.lines))
	endLine = clamp(endLine, startLine, len(s.lines))

	replacement := splitLines(content)
	next := make([]string, 0, len(s.lines)-(endLine-startLine)+len(replacement))
	next = append(next, s.lines[:startLine]...)
	next = append(next, replacement...)
	next = append(next, s.lines[endLine:]...)
	s.lines = next
	return nil
}

func (s *bufferSurface) Truncate(line int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSurfaceReleased
	}
	if line < 0 {
		line = 0
	}
	if line < len(s.lines) {
		s.lines = s.lines[:line]
	}
	return nil
}

func (s *bufferSurface) Text() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return "", false
	}
	return strings.Join(s.lines, "\n"), true
}

func (s *bufferSurface) Save() bool {
	_, ok := s.Text()
	return ok
}

func (s *bufferSurface) Release() {
	s.mu.Lock()
	s.released = true
	s.lines = nil
	s.mu.Unlock()
}

// FileSurface is a buffer surface whose Save writes the buffer to its path.
type FileSurface struct {
	*bufferSurface
	path string
}

// NewFileSurface opens a surface over path, seeded with content.
func NewFileSurface(path, content string) *FileSurface {
	return &FileSurface{
		bufferSurface: newBufferSurface(content),
		path:          path,
	}
}

func (s *FileSurface) Save() bool {
	text, ok := s.Text()
	if !ok {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return false
	}
	return os.WriteFile(s.path, []byte(text), 0o644) == nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
