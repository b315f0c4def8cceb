package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentic-research/traceview/internal/records"
	"github.com/agentic-research/traceview/internal/store"
)

// BulkLoader performs the cold-start import by pushing the JSON-to-
// relational transform into DuckDB's read_json scan. At hundreds of
// thousands of part files, per-file ingestion in Go is dominated by
// open/parse overhead; one scan per table amortizes it away. Every scan
// declares its columns explicitly so a field absent from the whole tree
// binds as NULL instead of failing the scan; everything but id is
// optional.
type BulkLoader struct {
	store     *store.Store
	root      string
	threshold int
	log       *slog.Logger
}

func NewBulkLoader(st *store.Store, root string, threshold int) *BulkLoader {
	return &BulkLoader{
		store:     st,
		root:      root,
		threshold: threshold,
		log:       slog.With("component", "bulkload"),
	}
}

// LoadIfCold runs the bulk import only when the store holds fewer
// sessions than the cold threshold. Reports whether a load ran.
func (b *BulkLoader) LoadIfCold(ctx context.Context) (bool, error) {
	n, err := b.store.SessionCount()
	if err != nil {
		return false, err
	}
	if n >= int64(b.threshold) {
		b.log.Debug("store warm, skipping bulk load", "sessions", n)
		return false, nil
	}
	return true, b.Load(ctx)
}

// Load imports sessions, messages and parts wholesale, then writes root
// traces in bulk. Each pass stages its scan in a temp table so the rows
// actually ingested, and only those, get watermarked. Parts are allowed
// to fail outright: some producers emit non-strict JSON for streamed
// tool parts, and one bad file fails a whole read_json scan. In that
// case part ingestion is left entirely to the incremental path, which
// tolerates malformed files one at a time.
func (b *BulkLoader) Load(ctx context.Context) error {
	start := time.Now()

	if err := b.loadSessions(ctx); err != nil {
		return err
	}
	if err := b.loadMessages(ctx); err != nil {
		return err
	}
	if err := b.loadParts(ctx); err != nil {
		b.log.Warn("bulk part load failed, deferring parts to incremental ingest", "error", err)
	}
	if err := b.createRootTraces(ctx); err != nil {
		return err
	}
	b.log.Info("bulk load complete", "elapsed", time.Since(start))
	return nil
}

func (b *BulkLoader) loadSessions(ctx context.Context) error {
	glob := filepath.Join(b.root, "session", "*", "*.json")
	if !globMatches(glob) {
		b.log.Debug("no session files to bulk load")
		return nil
	}
	scan := fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE bulk_session_scan AS
		SELECT * FROM read_json('%s', filename = true, columns = {
			'id': 'VARCHAR', 'projectID': 'VARCHAR', 'directory': 'VARCHAR',
			'parentID': 'VARCHAR', 'title': 'VARCHAR', 'version': 'VARCHAR',
			'summary': 'STRUCT(additions BIGINT, deletions BIGINT, files BIGINT)',
			'time': 'STRUCT(created BIGINT, updated BIGINT)'
		})`, sqlPath(glob))
	insert := `INSERT OR REPLACE INTO sessions
		SELECT j.id, NULLIF(j.projectID, ''), NULLIF(j.directory, ''),
			NULLIF(j.parentID, ''), NULLIF(j.title, ''), NULLIF(j.version, ''),
			COALESCE(j.summary.additions, 0),
			COALESCE(j.summary.deletions, 0),
			COALESCE(j.summary.files, 0),
			epoch_ms(NULLIF(j."time".created, 0)),
			epoch_ms(NULLIF(j."time".updated, 0))
		FROM bulk_session_scan j
		WHERE j.id IS NOT NULL`
	watermarks := `SELECT filename, id FROM bulk_session_scan WHERE id IS NOT NULL`
	return b.runScan(ctx, records.FileTypeSession, "bulk_session_scan", scan, insert, watermarks)
}

func (b *BulkLoader) loadMessages(ctx context.Context) error {
	glob := filepath.Join(b.root, "message", "*", "*.json")
	if !globMatches(glob) {
		b.log.Debug("no message files to bulk load")
		return nil
	}
	scan := fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE bulk_message_scan AS
		SELECT * FROM read_json('%s', filename = true, columns = {
			'id': 'VARCHAR', 'sessionID': 'VARCHAR', 'parentID': 'VARCHAR',
			'role': 'VARCHAR', 'agent': 'VARCHAR', 'modelID': 'VARCHAR',
			'providerID': 'VARCHAR', 'mode': 'VARCHAR',
			'path': 'STRUCT(cwd VARCHAR)',
			'cost': 'DOUBLE', 'finish': 'VARCHAR',
			'tokens': 'STRUCT(input BIGINT, output BIGINT, reasoning BIGINT,
				cache STRUCT("read" BIGINT, "write" BIGINT))',
			'time': 'STRUCT(created BIGINT, completed BIGINT)'
		})`, sqlPath(glob))
	insert := `INSERT OR REPLACE INTO messages
		SELECT j.id, NULLIF(j.sessionID, ''), NULLIF(j.parentID, ''),
			NULLIF(j.role, ''), NULLIF(j.agent, ''), NULLIF(j.modelID, ''),
			NULLIF(j.providerID, ''), NULLIF(j.mode, ''), NULLIF(j."path".cwd, ''),
			COALESCE(j.cost, 0), NULLIF(j.finish, ''),
			COALESCE(j.tokens.input, 0),
			COALESCE(j.tokens.output, 0),
			COALESCE(j.tokens.reasoning, 0),
			COALESCE(j.tokens.cache."read", 0),
			COALESCE(j.tokens.cache."write", 0),
			epoch_ms(NULLIF(j."time".created, 0)),
			epoch_ms(NULLIF(j."time".completed, 0))
		FROM bulk_message_scan j
		WHERE j.id IS NOT NULL`
	watermarks := `SELECT filename, id FROM bulk_message_scan WHERE id IS NOT NULL`
	return b.runScan(ctx, records.FileTypeMessage, "bulk_message_scan", scan, insert, watermarks)
}

// loadParts mirrors the incremental part parser: variant columns stay
// NULL outside their type, tool state times fall back to the top-level
// time block, and the child session id comes from state.metadata. The
// payload has its own filename field, which would collide with
// read_json's filename column, so part paths are rebuilt from the
// <message id>/<part id>.json layout instead.
func (b *BulkLoader) loadParts(ctx context.Context) error {
	glob := filepath.Join(b.root, "part", "*", "*.json")
	if !globMatches(glob) {
		b.log.Debug("no part files to bulk load")
		return nil
	}
	scan := fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE bulk_part_scan AS
		SELECT * FROM read_json('%s', columns = {
			'id': 'VARCHAR', 'messageID': 'VARCHAR', 'sessionID': 'VARCHAR',
			'type': 'VARCHAR', 'text': 'VARCHAR', 'reasoning': 'VARCHAR',
			'tool': 'VARCHAR', 'callID': 'VARCHAR',
			'state': 'STRUCT(status VARCHAR, input JSON, output JSON,
				error VARCHAR, metadata STRUCT(sessionId VARCHAR),
				"time" STRUCT("start" BIGINT, "end" BIGINT))',
			'time': 'STRUCT("start" BIGINT, "end" BIGINT)',
			'hash': 'VARCHAR', 'files': 'VARCHAR[]', 'auto': 'BOOLEAN',
			'mime': 'VARCHAR', 'filename': 'VARCHAR'
		})`, sqlPath(glob))
	insert := `INSERT OR REPLACE INTO parts
		SELECT j.id, NULLIF(j.messageID, ''), NULLIF(j.sessionID, ''), j."type",
			CASE WHEN j."type" = 'text' THEN NULLIF(j."text", '')
				WHEN j."type" = 'reasoning'
				THEN COALESCE(NULLIF(j."text", ''), NULLIF(j.reasoning, '')) END,
			CASE WHEN j."type" = 'tool' THEN j.tool END,
			CASE WHEN j."type" = 'tool' THEN NULLIF(j.callID, '') END,
			CASE WHEN j."type" = 'tool' THEN NULLIF(j.state.status, '') END,
			CASE WHEN j."type" = 'tool' THEN CAST(j.state.input AS VARCHAR) END,
			CASE WHEN j."type" = 'tool' THEN
				CASE WHEN json_type(j.state.output) = 'VARCHAR'
					THEN j.state.output ->> '$'
					ELSE CAST(j.state.output AS VARCHAR) END END,
			CASE WHEN j."type" = 'tool' THEN NULLIF(j.state.error, '') END,
			CASE WHEN j."type" = 'tool' THEN NULLIF(j.state.metadata.sessionId, '') END,
			CASE WHEN j."type" = 'tool' THEN epoch_ms(COALESCE(
				NULLIF(j.state."time"."start", 0), NULLIF(j."time"."start", 0))) END,
			CASE WHEN j."type" = 'tool' THEN epoch_ms(COALESCE(
				NULLIF(j.state."time"."end", 0), NULLIF(j."time"."end", 0))) END,
			CASE WHEN j."type" = 'tool' THEN
				COALESCE(NULLIF(j.state."time"."end", 0), NULLIF(j."time"."end", 0)) -
				COALESCE(NULLIF(j.state."time"."start", 0), NULLIF(j."time"."start", 0)) END,
			CASE WHEN j."type" = 'patch' THEN NULLIF(j.hash, '') END,
			CASE WHEN j."type" = 'patch' AND len(j.files) > 0 THEN to_json(j.files) END,
			CASE WHEN j."type" = 'compaction' THEN COALESCE(j.auto, false) ELSE false END,
			CASE WHEN j."type" = 'file' THEN NULLIF(j.mime, '') END,
			CASE WHEN j."type" = 'file' THEN NULLIF(j.filename, '') END
		FROM bulk_part_scan j
		WHERE j.id IS NOT NULL
		  AND j."type" IN ('text', 'reasoning', 'tool', 'step-start',
			'step-finish', 'patch', 'compaction', 'file')
		  AND NOT (j."type" = 'tool' AND COALESCE(j.tool, '') = '')`
	watermarks := fmt.Sprintf(`SELECT '%s/part/' || j.messageID || '/' || j.id || '.json', j.id
		FROM bulk_part_scan j
		WHERE j.id IS NOT NULL AND j.messageID IS NOT NULL
		  AND j."type" IN ('text', 'reasoning', 'tool', 'step-start',
			'step-finish', 'patch', 'compaction', 'file')
		  AND NOT (j."type" = 'tool' AND COALESCE(j.tool, '') = '')`,
		sqlPath(filepath.ToSlash(b.root)))
	return b.runScan(ctx, records.FileTypePart, "bulk_part_scan", scan, insert, watermarks)
}

// runScan stages one read_json pass in a temp table, inserts the
// accepted rows, then watermarks exactly those rows' files.
func (b *BulkLoader) runScan(ctx context.Context, fileType records.FileType, tmp, scanSQL, insertSQL, watermarkSQL string) error {
	if err := b.bulkExec(ctx, scanSQL); err != nil {
		return fmt.Errorf("bulk scan %s: %w", fileType, err)
	}
	defer func() {
		_, _ = b.store.Exec("DROP TABLE IF EXISTS " + tmp)
	}()
	if err := b.bulkExec(ctx, insertSQL); err != nil {
		return fmt.Errorf("bulk load %s: %w", fileType, err)
	}
	return b.markScanned(fileType, watermarkSQL)
}

// markScanned watermarks every file a bulk scan ingested, in one
// transaction. read_json cannot report mtime or size, so the files are
// stat'ed here; one that vanished in the meantime is simply skipped and
// left to the incremental path.
func (b *BulkLoader) markScanned(fileType records.FileType, query string) error {
	rows, err := b.store.DB().Query(query)
	if err != nil {
		return fmt.Errorf("bulk watermark scan for %s: %w", fileType, err)
	}
	defer rows.Close()
	now := time.Now().UTC()
	var entries []*store.FileIndexEntry
	for rows.Next() {
		var path, recordID string
		if err := rows.Scan(&path, &recordID); err != nil {
			return fmt.Errorf("bulk watermark scan for %s: %w", fileType, err)
		}
		path = filepath.FromSlash(path)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		entries = append(entries, &store.FileIndexEntry{
			Path:      path,
			FileType:  string(fileType),
			MtimeMS:   info.ModTime().UnixMilli(),
			SizeBytes: info.Size(),
			RecordID:  recordID,
			IndexedAt: now,
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("bulk watermark scan for %s: %w", fileType, err)
	}
	if err := b.store.UpsertFileIndexBatch(entries); err != nil {
		return fmt.Errorf("bulk watermarks for %s: %w", fileType, err)
	}
	b.log.Info("bulk loaded", "type", fileType, "files", len(entries))
	return nil
}

// createRootTraces materializes one root trace per parentless session,
// aggregating tokens with correlated subqueries instead of one query
// per session.
func (b *BulkLoader) createRootTraces(ctx context.Context) error {
	query := `INSERT OR REPLACE INTO agent_traces
		(trace_id, session_id, parent_trace_id, parent_agent, agent_type,
		 prompt_input, prompt_output, started_at, ended_at, duration_ms,
		 tokens_in, tokens_out, status, child_session_id, kind)
		SELECT 'root_' || s.id, s.id, NULL, 'user', 'user',
			COALESCE(NULLIF(s.title, ''), '(no prompt)'), NULL,
			s.created_at, s.updated_at,
			CASE WHEN s.created_at IS NOT NULL AND s.updated_at IS NOT NULL
				THEN date_diff('millisecond', s.created_at, s.updated_at) END,
			COALESCE((SELECT SUM(m.tokens_input) FROM messages m
				WHERE m.session_id = s.id), 0),
			COALESCE((SELECT SUM(m.tokens_output) FROM messages m
				WHERE m.session_id = s.id), 0),
			CASE WHEN s.updated_at IS NOT NULL THEN 'completed' ELSE 'running' END,
			s.id, 'root'
		FROM sessions s
		WHERE s.parent_id IS NULL`
	if err := b.bulkExec(ctx, query); err != nil {
		return fmt.Errorf("bulk root traces: %w", err)
	}
	return nil
}

func (b *BulkLoader) bulkExec(ctx context.Context, query string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.store.Exec(query)
	return err
}

// globMatches reports whether any file matches. read_json refuses an
// empty glob, and a brand-new storage tree must not abort the load.
func globMatches(pattern string) bool {
	matches, err := filepath.Glob(pattern)
	return err == nil && len(matches) > 0
}

// sqlPath escapes a filesystem path for embedding in a SQL string
// literal.
func sqlPath(p string) string {
	return strings.ReplaceAll(p, "'", "''")
}
