package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRow is the subset of a session row the trace builder needs.
type SessionRow struct {
	ID        string
	ParentID  string
	Title     string
	CreatedAt *time.Time
	UpdatedAt *time.Time
}

func (s *Store) GetSession(id string) (*SessionRow, error) {
	var row SessionRow
	var parentID, title sql.NullString
	var created, updated sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, parent_id, title, created_at, updated_at FROM sessions WHERE id = ?`,
		id).Scan(&row.ID, &parentID, &title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	row.ParentID = parentID.String
	row.Title = title.String
	if created.Valid {
		t := created.Time
		row.CreatedAt = &t
	}
	if updated.Valid {
		t := updated.Time
		row.UpdatedAt = &t
	}
	return &row, nil
}

// MessageAgent returns the agent field of one message, or "" when the
// message is unknown or carries no agent.
func (s *Store) MessageAgent(messageID string) (string, error) {
	var agent sql.NullString
	err := s.db.QueryRow(`SELECT agent FROM messages WHERE id = ?`, messageID).Scan(&agent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get message agent %s: %w", messageID, err)
	}
	return agent.String, nil
}

// SessionTokenSums aggregates input/output tokens over a session's
// messages.
func (s *Store) SessionTokenSums(sessionID string) (in, out int64, err error) {
	err = s.db.QueryRow(
		`SELECT COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		 FROM messages WHERE session_id = ?`, sessionID).Scan(&in, &out)
	if err != nil {
		return 0, 0, fmt.Errorf("sum tokens for %s: %w", sessionID, err)
	}
	return in, out, nil
}

// FirstUserMessageText returns the text content of the earliest user
// message in a session, or "" when none exists yet.
func (s *Store) FirstUserMessageText(sessionID string) (string, error) {
	var content sql.NullString
	err := s.db.QueryRow(
		`SELECT p.content FROM parts p
		 JOIN messages m ON p.message_id = m.id
		 WHERE m.session_id = ? AND m.role = 'user' AND p.part_type = 'text'
		   AND p.content IS NOT NULL
		 ORDER BY m.created_at ASC LIMIT 1`, sessionID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("first user message for %s: %w", sessionID, err)
	}
	return content.String, nil
}

// RootSessionIDs lists parentless sessions, newest first, for the
// periodic segmentation pass.
func (s *Store) RootSessionIDs(limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM sessions WHERE parent_id IS NULL
		 ORDER BY updated_at DESC NULLS LAST LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list root sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AssistantMessageRow is one assistant turn, used to derive conversation
// segments.
type AssistantMessageRow struct {
	ID          string
	Agent       string
	TokensIn    int64
	TokensOut   int64
	CreatedAt   *time.Time
	CompletedAt *time.Time
}

// AssistantMessages returns a session's assistant messages in time
// order.
func (s *Store) AssistantMessages(sessionID string) ([]AssistantMessageRow, error) {
	rows, err := s.db.Query(
		`SELECT id, agent, tokens_input, tokens_output, created_at, completed_at
		 FROM messages
		 WHERE session_id = ? AND role = 'assistant'
		 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list assistant messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []AssistantMessageRow
	for rows.Next() {
		var m AssistantMessageRow
		var agent sql.NullString
		var created, completed sql.NullTime
		if err := rows.Scan(&m.ID, &agent, &m.TokensIn, &m.TokensOut, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan assistant message: %w", err)
		}
		m.Agent = agent.String
		if created.Valid {
			t := created.Time
			m.CreatedAt = &t
		}
		if completed.Valid {
			t := completed.Time
			m.CompletedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
