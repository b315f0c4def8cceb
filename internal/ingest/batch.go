package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/traceview/internal/records"
	"github.com/agentic-research/traceview/internal/store"
)

// BatchResult counts the per-file outcomes of one batch.
type BatchResult struct {
	Processed int
	Failed    int
}

// ProcessBatch indexes many files of one type. Session, message and
// part payloads parse in parallel (parsing is pure); the relational
// write is a single transaction, and successful watermarks commit as
// one batch afterwards. A file that fails to parse is marked
// individually and excluded from the write set without failing the
// batch. Trace hooks run only after the batch transaction has
// committed, so delegation token lookups see the rows they need.
func (ing *Ingestor) ProcessBatch(ctx context.Context, fileType records.FileType, paths []string) (BatchResult, error) {
	if len(paths) == 0 {
		return BatchResult{}, nil
	}
	switch fileType {
	case records.FileTypeSession, records.FileTypeMessage, records.FileTypePart:
		return ing.processBatchParallel(ctx, fileType, paths)
	case records.FileTypeTodo, records.FileTypeProject:
		// Flat, cheap payloads; the parallel machinery buys nothing.
		var res BatchResult
		for _, path := range paths {
			if err := ing.Process(fileType, path); err != nil {
				var pathErr *fs.PathError
				if errors.As(err, &pathErr) {
					// Transient I/O; the watermark was not advanced, a
					// later cycle retries.
					continue
				}
				res.Failed++
				continue
			}
			res.Processed++
		}
		return res, nil
	default:
		return BatchResult{}, fmt.Errorf("unknown file type %q", fileType)
	}
}

type parseOutcome struct {
	path    string
	session *records.Session
	message *records.Message
	part    *records.Part
	err     error
	skipped bool
}

func (ing *Ingestor) processBatchParallel(ctx context.Context, fileType records.FileType, paths []string) (BatchResult, error) {
	outcomes := make([]parseOutcome, len(paths))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		g.Go(func() error {
			outcomes[i] = ing.parseOne(fileType, path)
			return nil
		})
	}
	_ = g.Wait()

	var res BatchResult
	var sessions []*records.Session
	var messages []*records.Message
	var parts []*records.Part
	var good []parseOutcome
	for _, out := range outcomes {
		if out.skipped {
			continue
		}
		if out.err != nil {
			ing.markError(out.path, fileType, out.err)
			res.Failed++
			continue
		}
		switch {
		case out.session != nil:
			sessions = append(sessions, out.session)
		case out.message != nil:
			messages = append(messages, out.message)
		case out.part != nil:
			parts = append(parts, out.part)
		}
		good = append(good, out)
	}
	if len(good) == 0 {
		return res, nil
	}

	var writeErr error
	switch fileType {
	case records.FileTypeSession:
		writeErr = ing.store.InsertSessions(sessions)
	case records.FileTypeMessage:
		writeErr = ing.store.InsertMessages(messages)
	case records.FileTypePart:
		writeErr = ing.store.InsertParts(parts)
	}
	if writeErr != nil {
		// No watermark advancement; every file retries next cycle and
		// the upserts are idempotent.
		return res, fmt.Errorf("batch write %s: %w", fileType, writeErr)
	}

	entries := make([]*store.FileIndexEntry, 0, len(good))
	for _, out := range good {
		if e := ing.tracker.Stamp(out.path, fileType, out.recordID(), ""); e != nil {
			entries = append(entries, e)
		}
	}
	if err := ing.store.UpsertFileIndexBatch(entries); err != nil {
		ing.log.Error("batch watermark failed", "type", fileType, "error", err)
	}
	res.Processed = len(good)

	ing.runBatchTraceHooks(sessions, messages, parts)
	return res, nil
}

func (ing *Ingestor) parseOne(fileType records.FileType, path string) parseOutcome {
	out := parseOutcome{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		// Transient; leave the watermark alone and let a later cycle
		// retry.
		ing.log.Debug("read failed", "path", path, "error", err)
		out.skipped = true
		return out
	}
	v, err := records.Decode(data)
	if err != nil {
		out.err = err
		return out
	}
	switch fileType {
	case records.FileTypeSession:
		out.session, out.err = records.ParseSession(v)
	case records.FileTypeMessage:
		out.message, out.err = records.ParseMessage(v)
	case records.FileTypePart:
		out.part, out.err = records.ParsePart(v)
	}
	return out
}

func (o parseOutcome) recordID() string {
	switch {
	case o.session != nil:
		return o.session.ID
	case o.message != nil:
		return o.message.ID
	case o.part != nil:
		return o.part.ID
	}
	return ""
}

func (ing *Ingestor) runBatchTraceHooks(sessions []*records.Session, messages []*records.Message, parts []*records.Part) {
	for _, rec := range sessions {
		if rec.ParentID != "" {
			continue
		}
		firstMsg, err := ing.store.FirstUserMessageText(rec.ID)
		if err != nil {
			ing.log.Warn("first message lookup failed", "session", rec.ID, "error", err)
		}
		ing.traces.CreateRootTrace(rec.ID, rec.Title, firstMsg, "", rec.CreatedAt, rec.UpdatedAt)
	}

	seen := make(map[string]struct{})
	for _, rec := range messages {
		if rec.SessionID == "" {
			continue
		}
		if _, dup := seen[rec.SessionID]; dup {
			continue
		}
		seen[rec.SessionID] = struct{}{}
		ing.traces.UpdateTraceTokens(rec.SessionID)
	}

	for _, rec := range parts {
		ing.derivePartRecords(rec)
	}
}
