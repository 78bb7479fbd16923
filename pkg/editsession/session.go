package editsession

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/odvcencio/switchboard/pkg/observability"
)

var (
	// ErrSessionActive is returned when a path already has a live session.
	ErrSessionActive = errors.New("edit session already active for path")
	// ErrSessionNotOpen is returned for mutations outside the OPEN state.
	ErrSessionNotOpen = errors.New("edit session not open")
	// ErrSurfaceReleased is returned when a mutation reaches a torn-down
	// surface.
	ErrSurfaceReleased = errors.New("editing surface released")
)

// State is a session's lifecycle position.
type State string

const (
	StateOpen      State = "open"
	StateSaved     State = "saved"
	StateDiscarded State = "discarded"
	StateClosed    State = "closed"
)

// SurfaceFactory opens the editing surface for a path. The default factory
// produces file-backed surfaces; tests and embedders swap in their own.
type SurfaceFactory func(path, content string) Surface

// Session is one in-flight edit of one file. Incremental deltas accumulate
// on the surface; nothing touches disk until Save.
type Session struct {
	handle   string
	path     string
	original string

	mu      sync.Mutex
	state   State
	surface Surface
}

// Handle returns the session's opaque identifier.
func (s *Session) Handle() string { return s.handle }

// Path returns the file being edited.
func (s *Session) Path() string { return s.path }

// OriginalContent returns the content the session opened with.
func (s *Session) OriginalContent() string { return s.original }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ApplyRange replaces the lines in [startLine, endLine) with content. Valid
// only while OPEN.
func (s *Session) ApplyRange(content string, startLine, endLine int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return fmt.Errorf("%w: applyRange in state %s", ErrSessionNotOpen, s.state)
	}
	return s.surface.Replace(content, startLine, endLine)
}

// Truncate discards everything after the first line lines. Valid only while
// OPEN.
func (s *Session) Truncate(line int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return fmt.Errorf("%w: truncate in state %s", ErrSessionNotOpen, s.state)
	}
	return s.surface.Truncate(line)
}

// CurrentText returns the surface's buffer. ok=false means the surface is
// gone, which is expected during teardown races and is not an error.
func (s *Session) CurrentText() (string, bool) {
	s.mu.Lock()
	surface := s.surface
	s.mu.Unlock()
	if surface == nil {
		return "", false
	}
	return surface.Text()
}

// Save attempts to persist the buffer. A false return means the commit
// failed and may be retried; the session stays OPEN in that case.
func (s *Session) Save() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.surface == nil {
		return false
	}
	if !s.surface.Save() {
		observability.EditSessionSaves.WithLabelValues("error").Inc()
		return false
	}
	s.state = StateSaved
	observability.EditSessionSaves.WithLabelValues("ok").Inc()
	return true
}

// close releases the surface. Idempotent from any state.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if s.state == StateOpen {
		s.state = StateDiscarded
	}
	if s.surface != nil {
		s.surface.Release()
		s.surface = nil
	}
	s.state = StateClosed
}

// Manager owns the live sessions, one per path at most.
type Manager struct {
	factory SurfaceFactory
	logger  *observability.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSurfaceFactory replaces the file-backed surface factory.
func WithSurfaceFactory(f SurfaceFactory) ManagerOption {
	return func(m *Manager) {
		if f != nil {
			m.factory = f
		}
	}
}

// NewManager creates a session manager.
func NewManager(logger *observability.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = observability.Nop()
	}
	m := &Manager{
		factory: func(path, content string) Surface {
			return NewFileSurface(path, content)
		},
		logger:   logger,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open starts a session for path seeded with originalContent. A second open
// for a path whose session is still live is a caller error.
func (m *Manager) Open(path, originalContent string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[path]; ok && existing.State() != StateClosed {
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, path)
	}

	session := &Session{
		handle:   uuid.NewString(),
		path:     path,
		original: originalContent,
		state:    StateOpen,
		surface:  m.factory(path, originalContent),
	}
	m.sessions[path] = session

	observability.EditSessionsOpened.Inc()
	m.logger.Debug("edit session opened", slog.String("path", path))
	return session, nil
}

// Get returns the live session for path.
func (m *Manager) Get(path string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[path]
	if !ok || session.State() == StateClosed {
		return nil, false
	}
	return session, true
}

// Close releases the session for path. Unknown or already-closed paths are
// a no-op.
func (m *Manager) Close(path string) {
	m.mu.Lock()
	session, ok := m.sessions[path]
	if ok {
		delete(m.sessions, path)
	}
	m.mu.Unlock()

	if ok {
		session.close()
		m.logger.Debug("edit session closed", slog.String("path", path))
	}
}

// CloseAll releases every live session, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// Paths lists the paths with live sessions.
func (m *Manager) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for path := range m.sessions {
		out = append(out, path)
	}
	return out
}
