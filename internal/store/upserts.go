package store

import (
	"database/sql"
	"fmt"

	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/traceview/internal/records"
)

const (
	upsertSessionSQL = `INSERT OR REPLACE INTO sessions
		(id, project_id, directory, parent_id, title, version,
		 additions, deletions, files_changed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	upsertMessageSQL = `INSERT OR REPLACE INTO messages
		(id, session_id, parent_id, role, agent, model_id, provider_id,
		 mode, cwd, cost, finish_reason, tokens_input, tokens_output,
		 tokens_reasoning, cache_read, cache_write, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	upsertPartSQL = `INSERT OR REPLACE INTO parts
		(id, message_id, session_id, part_type, content, tool_name,
		 call_id, status, input, output, error, child_session_id,
		 started_at, ended_at, duration_ms, hash, files, auto_compaction,
		 mime, filename)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	upsertTodoSQL = `INSERT OR REPLACE INTO todos
		(id, session_id, content, status, priority, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	upsertProjectSQL = `INSERT OR REPLACE INTO projects
		(id, worktree, vcs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`
)

func sessionArgs(rec *records.Session) []any {
	return []any{
		rec.ID, nullable(rec.ProjectID), nullable(rec.Directory),
		nullable(rec.ParentID), nullable(rec.Title), nullable(rec.Version),
		rec.Additions, rec.Deletions, rec.FilesChanged,
		tsArg(rec.CreatedAt), tsArg(rec.UpdatedAt),
	}
}

func messageArgs(rec *records.Message) []any {
	return []any{
		rec.ID, nullable(rec.SessionID), nullable(rec.ParentID),
		nullable(rec.Role), nullable(rec.Agent), nullable(rec.ModelID),
		nullable(rec.ProviderID), nullable(rec.Mode), nullable(rec.CWD),
		rec.Cost, nullable(rec.FinishReason),
		rec.TokensInput, rec.TokensOutput, rec.TokensReasoning,
		rec.CacheRead, rec.CacheWrite,
		tsArg(rec.CreatedAt), tsArg(rec.CompletedAt),
	}
}

// partArgs flattens the tagged union into the parts row. Variant fields
// not belonging to the part's type stay NULL.
func partArgs(rec *records.Part) []any {
	args := make([]any, 20)
	args[0] = rec.ID
	args[1] = nullable(rec.MessageID)
	args[2] = nullable(rec.SessionID)
	args[3] = string(rec.Type)
	args[17] = false
	switch {
	case rec.Text != nil:
		args[4] = nullable(rec.Text.Text)
	case rec.Reasoning != nil:
		args[4] = nullable(rec.Reasoning.Text)
	case rec.Tool != nil:
		t := rec.Tool
		args[5] = t.Name
		args[6] = nullable(t.CallID)
		args[7] = nullable(t.Status)
		args[8] = nullable(t.Input)
		args[9] = nullable(t.Output)
		args[10] = nullable(t.Error)
		args[11] = nullable(t.ChildSessionID)
		args[12] = tsArg(t.StartedAt)
		args[13] = tsArg(t.EndedAt)
		if t.DurationMS != nil {
			args[14] = *t.DurationMS
		}
	case rec.Patch != nil:
		args[15] = nullable(rec.Patch.Hash)
		if len(rec.Patch.Files) > 0 {
			args[16] = oj.JSON(rec.Patch.Files)
		}
	case rec.Compaction != nil:
		args[17] = rec.Compaction.Auto
	case rec.File != nil:
		args[18] = nullable(rec.File.Mime)
		args[19] = nullable(rec.File.Filename)
	}
	return args
}

func (s *Store) UpsertSession(rec *records.Session) error {
	_, err := s.Exec(upsertSessionSQL, sessionArgs(rec)...)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) UpsertMessage(rec *records.Message) error {
	_, err := s.Exec(upsertMessageSQL, messageArgs(rec)...)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) UpsertPart(rec *records.Part) error {
	_, err := s.Exec(upsertPartSQL, partArgs(rec)...)
	if err != nil {
		return fmt.Errorf("upsert part %s: %w", rec.ID, err)
	}
	return nil
}

// ReplaceTodos rewrites a session's todo set wholesale. The source file
// is always a full snapshot, so stale rows from a previous version must
// not survive.
func (s *Store) ReplaceTodos(sessionID string, todos []records.Todo) error {
	return s.WriteTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM todos WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("clear todos for %s: %w", sessionID, err)
		}
		stmt, err := tx.Prepare(upsertTodoSQL)
		if err != nil {
			return fmt.Errorf("prepare todo insert: %w", err)
		}
		defer stmt.Close()
		for _, td := range todos {
			if _, err := stmt.Exec(
				td.ID, td.SessionID, nullable(td.Content),
				nullable(td.Status), nullable(td.Priority), td.Position,
				tsArg(td.CreatedAt), tsArg(td.UpdatedAt),
			); err != nil {
				return fmt.Errorf("insert todo %s: %w", td.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) UpsertProject(rec *records.Project) error {
	_, err := s.Exec(upsertProjectSQL,
		rec.ID, nullable(rec.Worktree), nullable(rec.VCS),
		tsArg(rec.CreatedAt), tsArg(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) UpsertDelegation(rec *records.Delegation) error {
	_, err := s.Exec(`INSERT OR REPLACE INTO delegations
		(id, message_id, session_id, parent_agent, subagent_type, child_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullable(rec.MessageID), nullable(rec.SessionID),
		nullable(rec.ParentAgent), nullable(rec.SubagentType),
		nullable(rec.ChildSessionID), tsArg(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert delegation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) UpsertSkill(rec *records.Skill) error {
	_, err := s.Exec(`INSERT OR REPLACE INTO skills
		(id, message_id, session_id, skill_name, loaded_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, nullable(rec.MessageID), nullable(rec.SessionID),
		rec.Name, tsArg(rec.LoadedAt))
	if err != nil {
		return fmt.Errorf("upsert skill %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) UpsertFileOperation(rec *records.FileOperation) error {
	_, err := s.Exec(`INSERT OR REPLACE INTO file_operations
		(id, session_id, operation, file_path, risk, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, nullable(rec.SessionID), rec.Operation, rec.Path,
		nullable(rec.Risk), tsArg(rec.OccurredAt))
	if err != nil {
		return fmt.Errorf("upsert file operation %s: %w", rec.ID, err)
	}
	return nil
}

// InsertSessions writes a parsed batch in one transaction.
func (s *Store) InsertSessions(recs []*records.Session) error {
	return s.batchInsert(upsertSessionSQL, len(recs), func(i int) []any {
		return sessionArgs(recs[i])
	})
}

func (s *Store) InsertMessages(recs []*records.Message) error {
	return s.batchInsert(upsertMessageSQL, len(recs), func(i int) []any {
		return messageArgs(recs[i])
	})
}

func (s *Store) InsertParts(recs []*records.Part) error {
	return s.batchInsert(upsertPartSQL, len(recs), func(i int) []any {
		return partArgs(recs[i])
	})
}

func (s *Store) batchInsert(query string, n int, args func(i int) []any) error {
	if n == 0 {
		return nil
	}
	return s.WriteTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(query)
		if err != nil {
			return fmt.Errorf("prepare batch insert: %w", err)
		}
		defer stmt.Close()
		for i := range n {
			if _, err := stmt.Exec(args(i)...); err != nil {
				return fmt.Errorf("batch insert row %d: %w", i, err)
			}
		}
		return nil
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
