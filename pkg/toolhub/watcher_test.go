package toolhub

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloadRecorder struct {
	mu   sync.Mutex
	docs []*Document
}

func (r *reloadRecorder) onChange(doc *Document) {
	r.mu.Lock()
	r.docs = append(r.docs, doc)
	r.mu.Unlock()
}

func (r *reloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func (r *reloadRecorder) last() *Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.docs) == 0 {
		return nil
	}
	return r.docs[len(r.docs)-1]
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	writeConfig(t, path, "servers: {}\n")

	rec := &reloadRecorder{}
	w, err := NewWatcher(path, 30*time.Millisecond, rec.onChange, nil)
	require.NoError(t, err)
	defer w.Stop()

	writeConfig(t, path, "servers:\n  alpha:\n    command: alpha-bin\n")

	require.Eventually(t, func() bool { return rec.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	doc := rec.last()
	_, ok := doc.Get("alpha")
	assert.True(t, ok)
}

func TestWatcherCoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	writeConfig(t, path, "servers: {}\n")

	rec := &reloadRecorder{}
	w, err := NewWatcher(path, 50*time.Millisecond, rec.onChange, nil)
	require.NoError(t, err)
	defer w.Stop()

	// A burst of rapid writes within one debounce window.
	for i := 0; i < 5; i++ {
		writeConfig(t, path, "servers:\n  alpha:\n    command: alpha-bin\n")
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return rec.count() >= 1 }, 3*time.Second, 10*time.Millisecond)

	// Let any stragglers land, then check the burst collapsed.
	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, rec.count(), 2, "burst of writes should coalesce")
}

func TestWatcherSkipsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	writeConfig(t, path, "servers: {}\n")

	rec := &reloadRecorder{}
	w, err := NewWatcher(path, 30*time.Millisecond, rec.onChange, nil)
	require.NoError(t, err)
	defer w.Stop()

	writeConfig(t, path, "servers:\n  broken:\n    not_a_field: true\n")

	// The invalid document never reaches the callback.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	// A subsequent valid write still gets through.
	writeConfig(t, path, "servers:\n  fixed:\n    command: fixed-bin\n")
	require.Eventually(t, func() bool { return rec.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	_, ok := rec.last().Get("fixed")
	assert.True(t, ok)
}

func TestWatcherSeesAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	writeConfig(t, path, "servers: {}\n")

	rec := &reloadRecorder{}
	w, err := NewWatcher(path, 30*time.Millisecond, rec.onChange, nil)
	require.NoError(t, err)
	defer w.Stop()

	// Save the way SaveDocument does: temp file in the same directory,
	// then rename over the target.
	doc := &Document{
		Servers: map[string]ServerConfig{"renamed": {Command: "renamed-bin"}},
		Order:   []string{"renamed"},
	}
	require.NoError(t, SaveDocument(path, doc))

	require.Eventually(t, func() bool { return rec.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	_, ok := rec.last().Get("renamed")
	assert.True(t, ok)
}

func TestWatcherStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	writeConfig(t, path, "servers: {}\n")

	w, err := NewWatcher(path, 30*time.Millisecond, func(*Document) {}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	assert.NotPanics(t, func() { _ = w.Stop() })
}
