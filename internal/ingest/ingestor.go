// Package ingest moves session data from JSON files into the store. The
// Ingestor handles files one at a time or in parsed-in-parallel batches;
// the BulkLoader handles the cold-start case where per-file overhead
// would dominate.
package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentic-research/traceview/internal/records"
	"github.com/agentic-research/traceview/internal/store"
	"github.com/agentic-research/traceview/internal/trace"
	"github.com/agentic-research/traceview/internal/tracker"
)

type Ingestor struct {
	store   *store.Store
	tracker *tracker.Tracker
	traces  *trace.Builder
	log     *slog.Logger
}

func NewIngestor(st *store.Store, tr *tracker.Tracker, tb *trace.Builder) *Ingestor {
	return &Ingestor{
		store:   st,
		tracker: tr,
		traces:  tb,
		log:     slog.With("component", "ingest"),
	}
}

// Process indexes one file. Returns nil without touching anything when
// the file's watermark is already current. Transient read failures leave
// the watermark alone so the next cycle retries; parse and validation
// failures advance it with an error marker so a deterministically broken
// file is not re-parsed until it changes.
func (ing *Ingestor) Process(fileType records.FileType, path string) error {
	if !ing.tracker.NeedsIndexing(path) {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		ing.log.Debug("read failed", "path", path, "error", err)
		return fmt.Errorf("read %s: %w", path, err)
	}
	v, err := records.Decode(data)
	if err != nil {
		ing.markError(path, fileType, err)
		return fmt.Errorf("decode %s: %w", path, err)
	}

	switch fileType {
	case records.FileTypeSession:
		return ing.processSession(path, v)
	case records.FileTypeMessage:
		return ing.processMessage(path, v)
	case records.FileTypePart:
		return ing.processPart(path, v)
	case records.FileTypeTodo:
		return ing.processTodos(path, v)
	case records.FileTypeProject:
		return ing.processProject(path, v)
	default:
		return fmt.Errorf("unknown file type %q", fileType)
	}
}

func (ing *Ingestor) processSession(path string, v any) error {
	rec, err := records.ParseSession(v)
	if err != nil {
		ing.markError(path, records.FileTypeSession, err)
		return err
	}
	if err := ing.store.UpsertSession(rec); err != nil {
		ing.log.Error("session upsert failed", "path", path, "error", err)
		return err
	}
	if err := ing.tracker.MarkIndexed(path, records.FileTypeSession, rec.ID); err != nil {
		ing.log.Error("watermark failed", "path", path, "error", err)
	}
	if rec.ParentID == "" {
		firstMsg, err := ing.store.FirstUserMessageText(rec.ID)
		if err != nil {
			ing.log.Warn("first message lookup failed", "session", rec.ID, "error", err)
		}
		ing.traces.CreateRootTrace(rec.ID, rec.Title, firstMsg, "", rec.CreatedAt, rec.UpdatedAt)
	}
	return nil
}

func (ing *Ingestor) processMessage(path string, v any) error {
	rec, err := records.ParseMessage(v)
	if err != nil {
		ing.markError(path, records.FileTypeMessage, err)
		return err
	}
	if err := ing.store.UpsertMessage(rec); err != nil {
		ing.log.Error("message upsert failed", "path", path, "error", err)
		return err
	}
	if err := ing.tracker.MarkIndexed(path, records.FileTypeMessage, rec.ID); err != nil {
		ing.log.Error("watermark failed", "path", path, "error", err)
	}
	if rec.SessionID != "" {
		// This message may belong to a child session whose delegation
		// trace already exists and is waiting for tokens.
		ing.traces.UpdateTraceTokens(rec.SessionID)
	}
	return nil
}

func (ing *Ingestor) processPart(path string, v any) error {
	rec, err := records.ParsePart(v)
	if err != nil {
		ing.markError(path, records.FileTypePart, err)
		return err
	}
	if err := ing.store.UpsertPart(rec); err != nil {
		ing.log.Error("part upsert failed", "path", path, "error", err)
		return err
	}
	if err := ing.tracker.MarkIndexed(path, records.FileTypePart, rec.ID); err != nil {
		ing.log.Error("watermark failed", "path", path, "error", err)
	}
	ing.derivePartRecords(rec)
	return nil
}

// derivePartRecords writes the secondary records a tool part implies.
// Failures here are logged, not returned: the part itself is already
// ingested, and the derived rows are rebuilt on re-index.
func (ing *Ingestor) derivePartRecords(rec *records.Part) {
	if rec.Tool == nil {
		return
	}
	if d := records.DelegationFromPart(rec); d != nil {
		if err := ing.store.UpsertDelegation(d); err != nil {
			ing.log.Error("delegation upsert failed", "part", rec.ID, "error", err)
		} else if trace.StatusFromToolStatus(rec.Tool.Status) == trace.StatusCompleted {
			ing.traces.CreateTraceFromDelegation(d, rec)
		}
	}
	if sk := records.SkillFromPart(rec); sk != nil {
		if err := ing.store.UpsertSkill(sk); err != nil {
			ing.log.Error("skill upsert failed", "part", rec.ID, "error", err)
		}
	}
	if op := records.FileOperationFromPart(rec); op != nil {
		if err := ing.store.UpsertFileOperation(op); err != nil {
			ing.log.Error("file operation upsert failed", "part", rec.ID, "error", err)
		}
	}
}

func (ing *Ingestor) processTodos(path string, v any) error {
	sessionID := sessionIDFromTodoPath(path)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	todos := records.ParseTodos(sessionID, v, info.ModTime())
	if err := ing.store.ReplaceTodos(sessionID, todos); err != nil {
		ing.log.Error("todo replace failed", "path", path, "error", err)
		return err
	}
	if err := ing.tracker.MarkIndexed(path, records.FileTypeTodo, sessionID); err != nil {
		ing.log.Error("watermark failed", "path", path, "error", err)
	}
	return nil
}

func (ing *Ingestor) processProject(path string, v any) error {
	rec, err := records.ParseProject(v)
	if err != nil {
		ing.markError(path, records.FileTypeProject, err)
		return err
	}
	if err := ing.store.UpsertProject(rec); err != nil {
		ing.log.Error("project upsert failed", "path", path, "error", err)
		return err
	}
	if err := ing.tracker.MarkIndexed(path, records.FileTypeProject, rec.ID); err != nil {
		ing.log.Error("watermark failed", "path", path, "error", err)
	}
	return nil
}

func (ing *Ingestor) markError(path string, fileType records.FileType, cause error) {
	ing.log.Warn("invalid payload", "path", path, "error", cause)
	if err := ing.tracker.MarkError(path, fileType, cause.Error()); err != nil {
		ing.log.Error("error watermark failed", "path", path, "error", err)
	}
}

// sessionIDFromTodoPath recovers the session id from a todo file name.
// Todo payloads carry no session reference; the layout is the only
// source.
func sessionIDFromTodoPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
