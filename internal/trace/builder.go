// Package trace derives the delegation hierarchy from indexed sessions,
// messages and parts. Traces are a rebuildable view: every operation
// here logs failures instead of propagating them, so a broken trace
// derivation never blocks ingestion of the underlying records. The
// periodic reconciliation passes repair whatever an earlier pass missed.
package trace

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentic-research/traceview/internal/records"
	"github.com/agentic-research/traceview/internal/store"
)

const (
	// ParentAgentUser marks a trace initiated directly by the user.
	ParentAgentUser = "user"

	promptPlaceholder = "(no prompt)"

	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"

	// Trace kinds. Session ids are arbitrary external strings, so the
	// hierarchy role is stored explicitly rather than inferred from
	// trace id shape.
	KindRoot       = "root"
	KindDelegation = "delegation"
	KindSegment    = "segment"
)

// internalAgents are system helpers whose turns do not represent a
// user-facing conversation phase.
var internalAgents = map[string]bool{
	"compaction": true,
	"title":      true,
	"summary":    true,
}

// Trace is one row of the delegation hierarchy.
type Trace struct {
	TraceID        string
	SessionID      string
	ParentTraceID  string
	ParentAgent    string
	AgentType      string
	PromptInput    string
	PromptOutput   string
	StartedAt      *time.Time
	EndedAt        *time.Time
	DurationMS     *int64
	TokensIn       int64
	TokensOut      int64
	Status         string
	ChildSessionID string
	Kind           string
}

type Builder struct {
	store *store.Store
	log   *slog.Logger
}

func NewBuilder(st *store.Store) *Builder {
	return &Builder{
		store: st,
		log:   slog.With("component", "trace"),
	}
}

// StatusFromToolStatus maps a tool part's status string onto the trace
// state machine. Unknown or absent statuses mean the call is still
// running.
func StatusFromToolStatus(s string) string {
	switch s {
	case "completed", "success":
		return StatusCompleted
	case "error", "failed":
		return StatusError
	default:
		return StatusRunning
	}
}

// RootTraceID names the trace representing a whole parentless session.
func RootTraceID(sessionID string) string {
	return "root_" + sessionID
}

func segmentTraceID(sessionID string, n int) string {
	return fmt.Sprintf("root_%s_seg%d", sessionID, n)
}

const upsertTraceSQL = `INSERT OR REPLACE INTO agent_traces
	(trace_id, session_id, parent_trace_id, parent_agent, agent_type,
	 prompt_input, prompt_output, started_at, ended_at, duration_ms,
	 tokens_in, tokens_out, status, child_session_id, kind)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (b *Builder) upsert(tr *Trace) error {
	var duration any
	if tr.DurationMS != nil {
		duration = *tr.DurationMS
	}
	_, err := b.store.Exec(upsertTraceSQL,
		tr.TraceID, nullStr(tr.SessionID), nullStr(tr.ParentTraceID),
		nullStr(tr.ParentAgent), nullStr(tr.AgentType),
		nullStr(tr.PromptInput), nullStr(tr.PromptOutput),
		tsArg(tr.StartedAt), tsArg(tr.EndedAt), duration,
		tr.TokensIn, tr.TokensOut, nullStr(tr.Status),
		nullStr(tr.ChildSessionID), nullStr(tr.Kind))
	return err
}

// CreateRootTrace records a parentless session as a root of the
// hierarchy. Idempotent: re-indexing the session file replaces the row.
func (b *Builder) CreateRootTrace(sessionID, title, firstMessage, agent string, createdAt, updatedAt *time.Time) {
	prompt := firstMessage
	if prompt == "" {
		prompt = title
	}
	if prompt == "" {
		prompt = promptPlaceholder
	}
	agentType := agent
	if agentType == "" {
		agentType = ParentAgentUser
	}
	status := StatusRunning
	if updatedAt != nil {
		status = StatusCompleted
	}
	tr := &Trace{
		TraceID:     RootTraceID(sessionID),
		SessionID:   sessionID,
		ParentAgent: ParentAgentUser,
		AgentType:   agentType,
		PromptInput: prompt,
		StartedAt:   createdAt,
		EndedAt:     updatedAt,
		Status:      status,
		// A root's "child" is its own session, so token aggregation
		// keyed by session id reaches it like any delegation trace.
		ChildSessionID: sessionID,
		Kind:           KindRoot,
	}
	if createdAt != nil && updatedAt != nil {
		d := updatedAt.Sub(*createdAt).Milliseconds()
		tr.DurationMS = &d
	}
	tokIn, tokOut, err := b.store.SessionTokenSums(sessionID)
	if err != nil {
		b.log.Warn("root trace token sum failed", "session", sessionID, "error", err)
	} else {
		tr.TokensIn, tr.TokensOut = tokIn, tokOut
	}
	if err := b.upsert(tr); err != nil {
		b.log.Error("root trace upsert failed", "session", sessionID, "error", err)
	}
}

// CreateTraceFromDelegation records a task tool call that spawned a
// child session. The parent agent comes from the issuing message; the
// parent trace link and the child's token sums are attempted now and
// repaired later by the reconciliation passes if the rows are not yet
// present.
func (b *Builder) CreateTraceFromDelegation(d *records.Delegation, part *records.Part) {
	if part.Tool == nil {
		return
	}
	parentAgent, err := b.store.MessageAgent(d.MessageID)
	if err != nil {
		b.log.Warn("delegation parent agent lookup failed", "delegation", d.ID, "error", err)
	}
	if parentAgent == "" {
		parentAgent = ParentAgentUser
	}
	prompt := records.TaskPrompt(part.Tool)
	if prompt == "" {
		prompt = promptPlaceholder
	}
	tr := &Trace{
		TraceID:        d.ID,
		SessionID:      d.SessionID,
		ParentAgent:    parentAgent,
		AgentType:      d.SubagentType,
		PromptInput:    prompt,
		PromptOutput:   part.Tool.Output,
		StartedAt:      part.Tool.StartedAt,
		EndedAt:        part.Tool.EndedAt,
		DurationMS:     part.Tool.DurationMS,
		Status:         StatusFromToolStatus(part.Tool.Status),
		ChildSessionID: d.ChildSessionID,
		Kind:           KindDelegation,
	}
	if parentID, err := b.traceIDByChildSession(d.SessionID, d.ID); err != nil {
		b.log.Warn("delegation parent trace lookup failed", "delegation", d.ID, "error", err)
	} else {
		tr.ParentTraceID = parentID
	}
	if d.ChildSessionID != "" {
		tokIn, tokOut, err := b.store.SessionTokenSums(d.ChildSessionID)
		if err != nil {
			b.log.Warn("delegation token sum failed", "delegation", d.ID, "error", err)
		} else {
			tr.TokensIn, tr.TokensOut = tokIn, tokOut
		}
	}
	if err := b.upsert(tr); err != nil {
		b.log.Error("delegation trace upsert failed", "delegation", d.ID, "error", err)
	}
}

// traceIDByChildSession finds the trace that spawned the given session.
// Duplicate child links resolve to the lexically smallest trace id so
// repeated passes pick the same parent.
func (b *Builder) traceIDByChildSession(childSessionID, excludeTraceID string) (string, error) {
	var id sql.NullString
	err := b.store.DB().QueryRow(
		`SELECT MIN(trace_id) FROM agent_traces
		 WHERE child_session_id = ? AND trace_id <> ?`,
		childSessionID, excludeTraceID).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return id.String, nil
}

// UpdateTraceTokens refreshes token sums on every trace whose child
// session matches. A zero sum is never written over an existing value:
// the child's messages may simply not have arrived yet.
func (b *Builder) UpdateTraceTokens(childSessionID string) {
	tokIn, tokOut, err := b.store.SessionTokenSums(childSessionID)
	if err != nil {
		b.log.Warn("token sum failed", "session", childSessionID, "error", err)
		return
	}
	if tokIn == 0 && tokOut == 0 {
		return
	}
	// Segments carry per-block sums, not whole-session sums, and must
	// not be overwritten here.
	_, err = b.store.Exec(
		`UPDATE agent_traces SET tokens_in = ?, tokens_out = ?
		 WHERE child_session_id = ? AND kind <> ?`,
		tokIn, tokOut, childSessionID, KindSegment)
	if err != nil {
		b.log.Error("token update failed", "session", childSessionID, "error", err)
	}
}

// ResolveParentTraces links traces whose parent did not exist when they
// were created. Step two runs even when step one changes nothing,
// because a prior cycle may have set parent links whose agents were
// still unresolved at the time.
func (b *Builder) ResolveParentTraces() {
	// Only delegation traces are resolvable this way. Roots have no
	// parent, and segment parents are fixed at creation.
	_, err := b.store.Exec(
		`UPDATE agent_traces SET parent_trace_id = (
			SELECT MIN(p.trace_id) FROM agent_traces p
			WHERE p.child_session_id = agent_traces.session_id
			  AND p.trace_id <> agent_traces.trace_id)
		 WHERE parent_trace_id IS NULL
		   AND kind = ?
		   AND EXISTS (
			SELECT 1 FROM agent_traces p
			WHERE p.child_session_id = agent_traces.session_id
			  AND p.trace_id <> agent_traces.trace_id)`, KindDelegation)
	if err != nil {
		b.log.Error("parent trace resolution failed", "error", err)
	}

	_, err = b.store.Exec(
		`UPDATE agent_traces SET parent_agent = (
			SELECT p.agent_type FROM agent_traces p
			WHERE p.trace_id = agent_traces.parent_trace_id)
		 WHERE parent_trace_id IS NOT NULL
		   AND (SELECT p.agent_type FROM agent_traces p
				WHERE p.trace_id = agent_traces.parent_trace_id) IS NOT NULL
		   AND parent_agent IS DISTINCT FROM (
			SELECT p.agent_type FROM agent_traces p
			WHERE p.trace_id = agent_traces.parent_trace_id)`)
	if err != nil {
		b.log.Error("parent agent refresh failed", "error", err)
	}
}

// BackfillMissingTokens fills token sums on traces that were created
// before their child session's messages were indexed. The count guard
// keeps the steady-state pass to a single cheap query.
func (b *Builder) BackfillMissingTokens() {
	var pending int64
	err := b.store.DB().QueryRow(
		`SELECT COUNT(*) FROM agent_traces
		 WHERE child_session_id IS NOT NULL
		   AND kind <> ?
		   AND tokens_in = 0 AND tokens_out = 0`, KindSegment).Scan(&pending)
	if err != nil {
		b.log.Error("token backfill count failed", "error", err)
		return
	}
	if pending == 0 {
		return
	}
	_, err = b.store.Exec(
		`UPDATE agent_traces SET
			tokens_in = (SELECT COALESCE(SUM(m.tokens_input), 0)
				FROM messages m WHERE m.session_id = agent_traces.child_session_id),
			tokens_out = (SELECT COALESCE(SUM(m.tokens_output), 0)
				FROM messages m WHERE m.session_id = agent_traces.child_session_id)
		 WHERE child_session_id IS NOT NULL
		   AND kind <> ?
		   AND tokens_in = 0 AND tokens_out = 0
		   AND EXISTS (SELECT 1 FROM messages m
			WHERE m.session_id = agent_traces.child_session_id
			  AND (m.tokens_input > 0 OR m.tokens_output > 0))`, KindSegment)
	if err != nil {
		b.log.Error("token backfill failed", "error", err)
	}
}

// agentBlock is one run of consecutive assistant messages by the same
// agent.
type agentBlock struct {
	agent     string
	tokensIn  int64
	tokensOut int64
	startedAt *time.Time
	endedAt   *time.Time
}

// CreateConversationSegments splits a root session's trace into one
// segment per agent hand-off. Sessions handled by a single agent keep
// their plain root trace, updated in place with that agent's identity.
func (b *Builder) CreateConversationSegments(sessionID string) {
	session, err := b.store.GetSession(sessionID)
	if err != nil {
		b.log.Warn("segment session lookup failed", "session", sessionID, "error", err)
		return
	}
	if session == nil || session.ParentID != "" {
		return
	}
	msgs, err := b.store.AssistantMessages(sessionID)
	if err != nil {
		b.log.Warn("segment message scan failed", "session", sessionID, "error", err)
		return
	}

	var blocks []agentBlock
	for _, m := range msgs {
		if m.Agent == "" || internalAgents[m.Agent] {
			continue
		}
		if len(blocks) == 0 || blocks[len(blocks)-1].agent != m.Agent {
			blocks = append(blocks, agentBlock{agent: m.Agent, startedAt: m.CreatedAt})
		}
		blk := &blocks[len(blocks)-1]
		blk.tokensIn += m.TokensIn
		blk.tokensOut += m.TokensOut
		if m.CompletedAt != nil {
			blk.endedAt = m.CompletedAt
		} else if m.CreatedAt != nil {
			blk.endedAt = m.CreatedAt
		}
	}
	if len(blocks) == 0 {
		return
	}

	if len(blocks) == 1 {
		blk := blocks[0]
		_, err := b.store.Exec(
			`UPDATE agent_traces SET agent_type = ?, tokens_in = ?, tokens_out = ?
			 WHERE trace_id = ?`,
			blk.agent, blk.tokensIn, blk.tokensOut, RootTraceID(sessionID))
		if err != nil {
			b.log.Error("root trace agent update failed", "session", sessionID, "error", err)
		}
		return
	}

	if _, err := b.store.Exec(
		`DELETE FROM agent_traces WHERE session_id = ? AND kind IN (?, ?)`,
		sessionID, KindRoot, KindSegment); err != nil {
		b.log.Error("root trace removal failed", "session", sessionID, "error", err)
		return
	}
	prevAgent := ParentAgentUser
	prevTraceID := ""
	for i, blk := range blocks {
		tr := &Trace{
			TraceID:       segmentTraceID(sessionID, i),
			SessionID:     sessionID,
			ParentTraceID: prevTraceID,
			ParentAgent:   prevAgent,
			AgentType:     blk.agent,
			PromptInput:   promptPlaceholder,
			StartedAt:     blk.startedAt,
			EndedAt:       blk.endedAt,
			TokensIn:      blk.tokensIn,
			TokensOut:     blk.tokensOut,
			Status:        StatusCompleted,
			Kind:          KindSegment,
		}
		if i == 0 {
			// The chain head inherits the session link so delegations
			// issued from this session keep a resolvable parent after
			// the plain root trace is gone.
			tr.ChildSessionID = sessionID
		}
		if blk.startedAt != nil && blk.endedAt != nil {
			d := blk.endedAt.Sub(*blk.startedAt).Milliseconds()
			tr.DurationMS = &d
		}
		if err := b.upsert(tr); err != nil {
			b.log.Error("segment upsert failed", "session", sessionID, "segment", i, "error", err)
		}
		prevAgent = blk.agent
		prevTraceID = tr.TraceID
	}

	// Delegations already linked under the deleted root trace retarget
	// to the chain head.
	if _, err := b.store.Exec(
		`UPDATE agent_traces SET parent_trace_id = ?, parent_agent = ?
		 WHERE parent_trace_id = ? AND kind = ?`,
		segmentTraceID(sessionID, 0), blocks[0].agent,
		RootTraceID(sessionID), KindDelegation); err != nil {
		b.log.Error("delegation retarget failed", "session", sessionID, "error", err)
	}
}

// UpdateRootTraceAgents adopts the earliest assistant agent for root
// traces still carrying the user sentinel, covering sessions whose
// messages arrived after the root trace was created.
func (b *Builder) UpdateRootTraceAgents() {
	_, err := b.store.Exec(
		`UPDATE agent_traces SET agent_type = (
			SELECT m.agent FROM messages m
			WHERE m.session_id = agent_traces.session_id
			  AND m.role = 'assistant' AND m.agent IS NOT NULL AND m.agent <> ''
			ORDER BY m.created_at ASC LIMIT 1)
		 WHERE kind = ? AND agent_type = ?
		   AND EXISTS (SELECT 1 FROM messages m
			WHERE m.session_id = agent_traces.session_id
			  AND m.role = 'assistant' AND m.agent IS NOT NULL AND m.agent <> '')`,
		KindRoot, ParentAgentUser)
	if err != nil {
		b.log.Error("root agent refresh failed", "error", err)
	}
}

// GetTrace reads one trace row, mostly for tests and reconciliation
// checks.
func (b *Builder) GetTrace(traceID string) (*Trace, error) {
	var tr Trace
	var sessionID, parentTrace, parentAgent, agentType sql.NullString
	var promptIn, promptOut, status, childSession, kind sql.NullString
	var started, ended sql.NullTime
	var duration sql.NullInt64
	err := b.store.DB().QueryRow(
		`SELECT trace_id, session_id, parent_trace_id, parent_agent,
			agent_type, prompt_input, prompt_output, started_at, ended_at,
			duration_ms, tokens_in, tokens_out, status, child_session_id, kind
		 FROM agent_traces WHERE trace_id = ?`, traceID).Scan(
		&tr.TraceID, &sessionID, &parentTrace, &parentAgent, &agentType,
		&promptIn, &promptOut, &started, &ended, &duration,
		&tr.TokensIn, &tr.TokensOut, &status, &childSession, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", traceID, err)
	}
	tr.SessionID = sessionID.String
	tr.ParentTraceID = parentTrace.String
	tr.ParentAgent = parentAgent.String
	tr.AgentType = agentType.String
	tr.PromptInput = promptIn.String
	tr.PromptOutput = promptOut.String
	tr.Status = status.String
	tr.ChildSessionID = childSession.String
	tr.Kind = kind.String
	if started.Valid {
		t := started.Time
		tr.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		tr.EndedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		tr.DurationMS = &d
	}
	return &tr, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func tsArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
