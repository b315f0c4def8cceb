package tracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/traceview/internal/records"
	"github.com/agentic-research/traceview/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNeedsIndexingLifecycle(t *testing.T) {
	tr, _ := newTestTracker(t)
	path := filepath.Join(t.TempDir(), "ses.json")
	writeFile(t, path, `{"id":"s1"}`)

	assert.True(t, tr.NeedsIndexing(path), "never-seen file")

	require.NoError(t, tr.MarkIndexed(path, records.FileTypeSession, "s1"))
	assert.False(t, tr.NeedsIndexing(path), "just indexed, unchanged")

	// Same size, different mtime.
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now().Add(time.Hour)))
	assert.True(t, tr.NeedsIndexing(path), "mtime changed")

	require.NoError(t, tr.MarkIndexed(path, records.FileTypeSession, "s1"))
	assert.False(t, tr.NeedsIndexing(path))

	// Different size.
	writeFile(t, path, `{"id":"s1","title":"grew"}`)
	assert.True(t, tr.NeedsIndexing(path), "size changed")
}

func TestNeedsIndexingMissingFile(t *testing.T) {
	tr, _ := newTestTracker(t)
	assert.False(t, tr.NeedsIndexing(filepath.Join(t.TempDir(), "gone.json")))
}

func TestMarkErrorAdvancesWatermark(t *testing.T) {
	tr, st := newTestTracker(t)
	path := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, path, `not json`)

	require.NoError(t, tr.MarkError(path, records.FileTypePart, "parse failed"))
	assert.False(t, tr.NeedsIndexing(path), "broken file must not be retried until it changes")

	entry, err := st.GetFileIndex(path)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "parse failed", entry.Error)
	assert.Empty(t, entry.RecordID)

	writeFile(t, path, `still not json but longer`)
	assert.True(t, tr.NeedsIndexing(path), "changed file is retried")
}

func TestMarkIndexedMissingFileIsNoop(t *testing.T) {
	tr, st := newTestTracker(t)
	path := filepath.Join(t.TempDir(), "vanished.json")
	require.NoError(t, tr.MarkIndexed(path, records.FileTypeSession, "s1"))

	entry, err := st.GetFileIndex(path)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestListUnindexed(t *testing.T) {
	tr, _ := newTestTracker(t)
	root := t.TempDir()

	oldPath := filepath.Join(root, "session", "proj1", "old.json")
	newPath := filepath.Join(root, "session", "proj1", "new.json")
	donePath := filepath.Join(root, "session", "proj2", "done.json")
	writeFile(t, oldPath, `{"id":"old"}`)
	writeFile(t, newPath, `{"id":"new"}`)
	writeFile(t, donePath, `{"id":"done"}`)

	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(oldPath, base, base))
	require.NoError(t, os.Chtimes(newPath, base.Add(time.Minute), base.Add(time.Minute)))
	require.NoError(t, os.Chtimes(donePath, base, base))

	require.NoError(t, tr.MarkIndexed(donePath, records.FileTypeSession, "done"))

	paths, err := tr.ListUnindexed(root, records.FileTypeSession, 10, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{newPath, oldPath}, paths, "newest first, indexed excluded")
}

func TestListUnindexedLimit(t *testing.T) {
	tr, _ := newTestTracker(t)
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(root, "todo", name+".json"), `[]`)
	}
	paths, err := tr.ListUnindexed(root, records.FileTypeTodo, 2, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestListUnindexedOnlyNewFiles(t *testing.T) {
	tr, _ := newTestTracker(t)
	root := t.TempDir()

	known := filepath.Join(root, "message", "s1", "known.json")
	fresh := filepath.Join(root, "message", "s1", "fresh.json")
	writeFile(t, known, `{"id":"known"}`)
	writeFile(t, fresh, `{"id":"fresh"}`)

	require.NoError(t, tr.MarkIndexed(known, records.FileTypeMessage, "known"))
	// The known file changes afterwards.
	writeFile(t, known, `{"id":"known","role":"user"}`)

	paths, err := tr.ListUnindexed(root, records.FileTypeMessage, 10, ListOptions{OnlyNewFiles: true})
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, paths, "changed-but-known files belong to the watcher")

	paths, err = tr.ListUnindexed(root, records.FileTypeMessage, 10, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestListUnindexedSinceCutoff(t *testing.T) {
	tr, _ := newTestTracker(t)
	root := t.TempDir()

	older := filepath.Join(root, "part", "m1", "older.json")
	newer := filepath.Join(root, "part", "m1", "newer.json")
	writeFile(t, older, `{"id":"older"}`)
	writeFile(t, newer, `{"id":"newer"}`)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	cutoff := time.Now().Add(-time.Minute)
	paths, err := tr.ListUnindexed(root, records.FileTypePart, 10, ListOptions{SinceCutoff: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, []string{older}, paths, "files newer than the cutoff are handed to the watcher")
}
