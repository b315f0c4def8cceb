// Package tracker decides which source files need (re)indexing. A file's
// watermark is its (mtime, size) pair at the moment it was last
// processed; matching both means "already indexed". Content hashing is
// deliberately not used, so a rewrite that preserves both mtime and size
// goes unnoticed. That trade-off is accepted for cheap change detection
// over hundreds of thousands of small files.
package tracker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/agentic-research/traceview/internal/records"
	"github.com/agentic-research/traceview/internal/store"
)

type Tracker struct {
	store *store.Store
	log   *slog.Logger
}

func New(st *store.Store) *Tracker {
	return &Tracker{
		store: st,
		log:   slog.With("component", "tracker"),
	}
}

// NeedsIndexing reports whether path has changed since its watermark.
// A file that cannot be stat'ed needs nothing: there is no data to read.
func (t *Tracker) NeedsIndexing(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	entry, err := t.store.GetFileIndex(path)
	if err != nil {
		t.log.Error("watermark lookup failed", "path", path, "error", err)
		return false
	}
	if entry == nil {
		return true
	}
	return entry.MtimeMS != info.ModTime().UnixMilli() ||
		entry.SizeBytes != info.Size()
}

// MarkIndexed advances the watermark for a successfully processed file.
// If the file vanished between processing and now, nothing is recorded.
func (t *Tracker) MarkIndexed(path string, fileType records.FileType, recordID string) error {
	return t.mark(path, fileType, recordID, "")
}

// MarkError advances the watermark with an error marker so a file that
// deterministically fails to parse is not retried every cycle. It gets
// retried only when its mtime or size changes.
func (t *Tracker) MarkError(path string, fileType records.FileType, reason string) error {
	return t.mark(path, fileType, "", reason)
}

func (t *Tracker) mark(path string, fileType records.FileType, recordID, errMsg string) error {
	info, err := os.Stat(path)
	if err != nil {
		// File gone; do not record a watermark for unreadable data.
		return nil
	}
	return t.store.UpsertFileIndex(&store.FileIndexEntry{
		Path:      path,
		FileType:  string(fileType),
		MtimeMS:   info.ModTime().UnixMilli(),
		SizeBytes: info.Size(),
		RecordID:  recordID,
		Error:     errMsg,
		IndexedAt: time.Now().UTC(),
	})
}

// Stamp creates the watermark entry for a file without writing it, used
// when a batch of watermarks is committed in one transaction.
func (t *Tracker) Stamp(path string, fileType records.FileType, recordID, errMsg string) *store.FileIndexEntry {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return &store.FileIndexEntry{
		Path:      path,
		FileType:  string(fileType),
		MtimeMS:   info.ModTime().UnixMilli(),
		SizeBytes: info.Size(),
		RecordID:  recordID,
		Error:     errMsg,
		IndexedAt: time.Now().UTC(),
	}
}

// ListOptions narrow a backfill scan.
type ListOptions struct {
	// SinceCutoff excludes files modified at or after this instant, so
	// freshly written files stay with the live watcher instead of being
	// double-processed by a backfill pass.
	SinceCutoff *time.Time
	// OnlyNewFiles restricts results to files with no watermark at all,
	// skipping changed-but-known files.
	OnlyNewFiles bool
}

// ListUnindexed walks the storage layout for one file type and returns
// the paths whose content is not reflected in the index, most recently
// modified first, capped at limit. Watermarks are fetched in one bulk
// query rather than one lookup per file; with part directories holding
// hundreds of thousands of files, per-file queries would dominate the
// scan.
func (t *Tracker) ListUnindexed(root string, fileType records.FileType, limit int, opts ListOptions) ([]string, error) {
	pattern := filepath.Join(root, string(fileType), "*.json")
	if fileType.Nested() {
		pattern = filepath.Join(root, string(fileType), "*", "*.json")
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	stamps, err := t.store.FileStampsByType(string(fileType))
	if err != nil {
		return nil, err
	}

	type candidate struct {
		path    string
		mtimeMS int64
	}
	var pending []candidate
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		mtimeMS := info.ModTime().UnixMilli()
		if opts.SinceCutoff != nil && mtimeMS >= opts.SinceCutoff.UnixMilli() {
			continue
		}
		stamp, known := stamps[path]
		if known {
			if opts.OnlyNewFiles {
				continue
			}
			if stamp.MtimeMS == mtimeMS && stamp.SizeBytes == info.Size() {
				continue
			}
		}
		pending = append(pending, candidate{path: path, mtimeMS: mtimeMS})
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].mtimeMS != pending[j].mtimeMS {
			return pending[i].mtimeMS > pending[j].mtimeMS
		}
		return pending[i].path < pending[j].path
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	paths := make([]string, len(pending))
	for i, c := range pending {
		paths[i] = c.path
	}
	return paths, nil
}
