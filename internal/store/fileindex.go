package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FileIndexEntry is the persisted watermark for one source file. The
// (mtime, size) pair stands in for content identity; see tracker docs
// for why that approximation is deliberate.
type FileIndexEntry struct {
	Path      string
	FileType  string
	MtimeMS   int64
	SizeBytes int64
	RecordID  string
	Error     string
	IndexedAt time.Time
}

const upsertFileIndexSQL = `INSERT OR REPLACE INTO file_index
	(path, file_type, mtime_ms, size_bytes, record_id, error, indexed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

func (s *Store) GetFileIndex(path string) (*FileIndexEntry, error) {
	var e FileIndexEntry
	var recordID, errMsg sql.NullString
	err := s.db.QueryRow(`SELECT path, file_type, mtime_ms, size_bytes,
		record_id, error, indexed_at FROM file_index WHERE path = ?`, path).
		Scan(&e.Path, &e.FileType, &e.MtimeMS, &e.SizeBytes,
			&recordID, &errMsg, &e.IndexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file index %s: %w", path, err)
	}
	e.RecordID = recordID.String
	e.Error = errMsg.String
	return &e, nil
}

func (s *Store) UpsertFileIndex(e *FileIndexEntry) error {
	_, err := s.Exec(upsertFileIndexSQL,
		e.Path, e.FileType, e.MtimeMS, e.SizeBytes,
		nullable(e.RecordID), nullable(e.Error), e.IndexedAt)
	if err != nil {
		return fmt.Errorf("upsert file index %s: %w", e.Path, err)
	}
	return nil
}

// UpsertFileIndexBatch writes a batch of watermarks in one transaction,
// used after a batch ingest or bulk load commits.
func (s *Store) UpsertFileIndexBatch(entries []*FileIndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.WriteTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(upsertFileIndexSQL)
		if err != nil {
			return fmt.Errorf("prepare file index insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range entries {
			if _, err := stmt.Exec(
				e.Path, e.FileType, e.MtimeMS, e.SizeBytes,
				nullable(e.RecordID), nullable(e.Error), e.IndexedAt,
			); err != nil {
				return fmt.Errorf("insert file index %s: %w", e.Path, err)
			}
		}
		return nil
	})
}

// FileStamp is the comparison half of a watermark.
type FileStamp struct {
	MtimeMS   int64
	SizeBytes int64
}

// FileStampsByType returns every watermark for one file type in a single
// query, so directory scans compare against one map lookup per file
// instead of one query per file.
func (s *Store) FileStampsByType(fileType string) (map[string]FileStamp, error) {
	rows, err := s.db.Query(
		`SELECT path, mtime_ms, size_bytes FROM file_index WHERE file_type = ?`,
		fileType)
	if err != nil {
		return nil, fmt.Errorf("list file index for %s: %w", fileType, err)
	}
	defer rows.Close()

	stamps := make(map[string]FileStamp, 1024)
	for rows.Next() {
		var path string
		var st FileStamp
		if err := rows.Scan(&path, &st.MtimeMS, &st.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan file index row: %w", err)
		}
		stamps[path] = st
	}
	return stamps, rows.Err()
}

// ErrorCountsByType reports how many watermarks carry an error marker,
// grouped by file type. This is the operator-visible signal for
// ingestion problems.
func (s *Store) ErrorCountsByType() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT file_type, COUNT(*) FROM file_index
		WHERE error IS NOT NULL GROUP BY file_type`)
	if err != nil {
		return nil, fmt.Errorf("count file index errors: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var ft string
		var n int64
		if err := rows.Scan(&ft, &n); err != nil {
			return nil, fmt.Errorf("scan error count: %w", err)
		}
		counts[ft] = n
	}
	return counts, rows.Err()
}

// RowCounts reports per-table row counts for the stats surface.
func (s *Store) RowCounts() (map[string]int64, error) {
	tables := []string{
		"sessions", "messages", "parts", "todos", "projects",
		"delegations", "skills", "file_operations", "agent_traces",
		"file_index",
	}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// SessionCount is used for the cold-start check.
func (s *Store) SessionCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
