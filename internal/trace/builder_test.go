package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/traceview/internal/records"
	"github.com/agentic-research/traceview/internal/store"
)

func newTestBuilder(t *testing.T) (*Builder, *store.Store) {
	t.Helper()
	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewBuilder(st), st
}

func ptrTime(ms int64) *time.Time {
	t := time.UnixMilli(ms)
	return &t
}

func insertAssistant(t *testing.T, st *store.Store, id, sessionID, agent string, createdMS, tokIn, tokOut int64) {
	t.Helper()
	require.NoError(t, st.UpsertMessage(&records.Message{
		ID: id, SessionID: sessionID, Role: "assistant", Agent: agent,
		TokensInput: tokIn, TokensOutput: tokOut,
		CreatedAt: ptrTime(createdMS), CompletedAt: ptrTime(createdMS + 500),
	}))
}

func TestStatusFromToolStatus(t *testing.T) {
	assert.Equal(t, StatusCompleted, StatusFromToolStatus("completed"))
	assert.Equal(t, StatusCompleted, StatusFromToolStatus("success"))
	assert.Equal(t, StatusError, StatusFromToolStatus("error"))
	assert.Equal(t, StatusError, StatusFromToolStatus("failed"))
	assert.Equal(t, StatusRunning, StatusFromToolStatus("pending"))
	assert.Equal(t, StatusRunning, StatusFromToolStatus(""))
}

func TestCreateRootTrace(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.CreateRootTrace("ses_abc", "Fix bug", "", "", ptrTime(1000), ptrTime(2000))

	tr, err := b.GetTrace("root_ses_abc")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "ses_abc", tr.SessionID)
	assert.Equal(t, ParentAgentUser, tr.ParentAgent)
	assert.Equal(t, ParentAgentUser, tr.AgentType)
	assert.Equal(t, "Fix bug", tr.PromptInput)
	assert.Equal(t, StatusCompleted, tr.Status, "updated timestamp present means completed")
	assert.Equal(t, "ses_abc", tr.ChildSessionID)
	require.NotNil(t, tr.DurationMS)
	assert.Equal(t, int64(1000), *tr.DurationMS)
}

func TestCreateRootTracePromptFallbacks(t *testing.T) {
	b, _ := newTestBuilder(t)

	b.CreateRootTrace("s1", "", "what the user asked", "", nil, nil)
	tr, err := b.GetTrace("root_s1")
	require.NoError(t, err)
	assert.Equal(t, "what the user asked", tr.PromptInput)
	assert.Equal(t, StatusRunning, tr.Status, "no updated timestamp means running")

	b.CreateRootTrace("s2", "", "", "", nil, nil)
	tr2, err := b.GetTrace("root_s2")
	require.NoError(t, err)
	assert.Equal(t, "(no prompt)", tr2.PromptInput)
}

func TestCreateRootTraceIdempotent(t *testing.T) {
	b, st := newTestBuilder(t)
	b.CreateRootTrace("s1", "one", "", "", ptrTime(1000), nil)
	b.CreateRootTrace("s1", "two", "", "", ptrTime(1000), ptrTime(2000))

	var n int64
	require.NoError(t, st.DB().QueryRow("SELECT COUNT(*) FROM agent_traces").Scan(&n))
	assert.Equal(t, int64(1), n)

	tr, err := b.GetTrace("root_s1")
	require.NoError(t, err)
	assert.Equal(t, "two", tr.PromptInput)
}

func taskPart(id, msgID, sessionID, childSessionID, status string) *records.Part {
	d := int64(3000)
	return &records.Part{
		ID: id, MessageID: msgID, SessionID: sessionID, Type: records.PartTool,
		Tool: &records.ToolPart{
			Name: "task", CallID: "call_" + id, Status: status,
			Input:          `{"subagent_type":"reviewer","description":"Review","prompt":"Check it"}`,
			Output:         "looks good",
			ChildSessionID: childSessionID,
			StartedAt:      ptrTime(1000), EndedAt: ptrTime(4000), DurationMS: &d,
		},
	}
}

func TestCreateTraceFromDelegation(t *testing.T) {
	b, st := newTestBuilder(t)
	insertAssistant(t, st, "M1", "S1", "build", 1000, 0, 0)
	insertAssistant(t, st, "M2", "S2", "reviewer", 2000, 120, 30)

	part := taskPart("P1", "M1", "S1", "S2", "completed")
	d := records.DelegationFromPart(part)
	require.NotNil(t, d)
	b.CreateTraceFromDelegation(d, part)

	tr, err := b.GetTrace(d.ID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "build", tr.ParentAgent, "resolved from the issuing message")
	assert.Equal(t, "reviewer", tr.AgentType)
	assert.Equal(t, "Review\n\nCheck it", tr.PromptInput)
	assert.Equal(t, "looks good", tr.PromptOutput)
	assert.Equal(t, StatusCompleted, tr.Status)
	assert.Equal(t, "S2", tr.ChildSessionID)
	assert.Equal(t, int64(120), tr.TokensIn, "child tokens aggregated immediately")
	assert.Equal(t, int64(30), tr.TokensOut)
}

func TestUpdateTraceTokensZeroGuard(t *testing.T) {
	b, st := newTestBuilder(t)
	insertAssistant(t, st, "M1", "S2", "reviewer", 1000, 100, 40)

	part := taskPart("P1", "M1", "S1", "S2", "completed")
	d := records.DelegationFromPart(part)
	b.CreateTraceFromDelegation(d, part)

	// Wiping the child's messages would compute a zero sum; the guard
	// must keep the existing values.
	_, err := st.Exec("DELETE FROM messages")
	require.NoError(t, err)
	b.UpdateTraceTokens("S2")

	tr, err := b.GetTrace(d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), tr.TokensIn)
	assert.Equal(t, int64(40), tr.TokensOut)
}

func TestDelegationLinkageScenario(t *testing.T) {
	b, st := newTestBuilder(t)

	// Root session S1 with message M1 issuing a completed task call that
	// spawned S2.
	require.NoError(t, st.UpsertSession(&records.Session{
		ID: "S1", Title: "root work", CreatedAt: ptrTime(500), UpdatedAt: ptrTime(9000),
	}))
	b.CreateRootTrace("S1", "root work", "", "", ptrTime(500), ptrTime(9000))

	insertAssistant(t, st, "M1", "S1", "build", 1000, 10, 5)
	part := taskPart("P1", "M1", "S1", "S2", "completed")
	d := records.DelegationFromPart(part)
	b.CreateTraceFromDelegation(d, part)

	// S2's message arrives afterwards.
	insertAssistant(t, st, "M2", "S2", "reviewer", 3000, 200, 80)
	b.UpdateTraceTokens("S2")

	b.ResolveParentTraces()

	root, err := b.GetTrace("root_S1")
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, "S1", root.ChildSessionID)

	deleg, err := b.GetTrace(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "root_S1", deleg.ParentTraceID, "delegation links under the root")
	assert.Equal(t, int64(200), deleg.TokensIn)
	assert.Equal(t, int64(80), deleg.TokensOut)
}

func TestResolveParentTracesRefreshesStaleAgents(t *testing.T) {
	b, st := newTestBuilder(t)
	insertAssistant(t, st, "M1", "S2", "reviewer", 1000, 1, 1)

	// Delegation whose parent trace does not exist yet.
	part := taskPart("P1", "M_gone", "S1", "S2", "completed")
	d := records.DelegationFromPart(part)
	b.CreateTraceFromDelegation(d, part)

	tr, err := b.GetTrace(d.ID)
	require.NoError(t, err)
	assert.Empty(t, tr.ParentTraceID)
	assert.Equal(t, ParentAgentUser, tr.ParentAgent, "sentinel until the parent appears")

	// The parent session's root trace arrives later with a real agent.
	require.NoError(t, st.UpsertSession(&records.Session{ID: "S1"}))
	b.CreateRootTrace("S1", "t", "", "build", ptrTime(1), ptrTime(2))

	b.ResolveParentTraces()

	tr, err = b.GetTrace(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "root_S1", tr.ParentTraceID)
	assert.Equal(t, "build", tr.ParentAgent, "re-derived from the parent's agent type")
}

func TestBackfillMissingTokens(t *testing.T) {
	b, st := newTestBuilder(t)

	part := taskPart("P1", "M1", "S1", "S2", "completed")
	d := records.DelegationFromPart(part)
	b.CreateTraceFromDelegation(d, part)

	tr, err := b.GetTrace(d.ID)
	require.NoError(t, err)
	assert.Zero(t, tr.TokensIn)

	insertAssistant(t, st, "M2", "S2", "reviewer", 1000, 300, 90)
	b.BackfillMissingTokens()

	tr, err = b.GetTrace(d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), tr.TokensIn)
	assert.Equal(t, int64(90), tr.TokensOut)
}

func TestCreateConversationSegments(t *testing.T) {
	b, st := newTestBuilder(t)
	require.NoError(t, st.UpsertSession(&records.Session{
		ID: "S1", CreatedAt: ptrTime(0), UpdatedAt: ptrTime(10000),
	}))
	b.CreateRootTrace("S1", "t", "", "", ptrTime(0), ptrTime(10000))

	insertAssistant(t, st, "m1", "S1", "build", 1000, 10, 1)
	insertAssistant(t, st, "m2", "S1", "build", 2000, 20, 2)
	insertAssistant(t, st, "m3", "S1", "plan", 3000, 30, 3)
	insertAssistant(t, st, "m4", "S1", "build", 4000, 40, 4)
	// Internal helper turns must not open segments.
	insertAssistant(t, st, "m5", "S1", "title", 5000, 99, 99)

	b.CreateConversationSegments("S1")

	root, err := b.GetTrace("root_S1")
	require.NoError(t, err)
	assert.Nil(t, root, "split session loses its plain root trace")

	seg0, err := b.GetTrace("root_S1_seg0")
	require.NoError(t, err)
	require.NotNil(t, seg0)
	assert.Equal(t, "build", seg0.AgentType)
	assert.Equal(t, ParentAgentUser, seg0.ParentAgent)
	assert.Equal(t, int64(30), seg0.TokensIn)

	seg1, err := b.GetTrace("root_S1_seg1")
	require.NoError(t, err)
	require.NotNil(t, seg1)
	assert.Equal(t, "plan", seg1.AgentType)
	assert.Equal(t, "build", seg1.ParentAgent)

	seg2, err := b.GetTrace("root_S1_seg2")
	require.NoError(t, err)
	require.NotNil(t, seg2)
	assert.Equal(t, "build", seg2.AgentType)
	assert.Equal(t, "plan", seg2.ParentAgent)

	seg3, err := b.GetTrace("root_S1_seg3")
	require.NoError(t, err)
	assert.Nil(t, seg3, "exactly three segments")

	total := seg0.TokensIn + seg1.TokensIn + seg2.TokensIn
	assert.Equal(t, int64(100), total, "segments cover the non-internal assistant tokens")

	assert.Equal(t, "S1", seg0.ChildSessionID, "chain head keeps the session link")
	assert.Empty(t, seg1.ChildSessionID)
	assert.Empty(t, seg2.ChildSessionID)

	// Whole-session token refreshes must not clobber per-block sums.
	b.UpdateTraceTokens("S1")
	seg0, err = b.GetTrace("root_S1_seg0")
	require.NoError(t, err)
	assert.Equal(t, int64(30), seg0.TokensIn)
}

func TestSegmentationKeepsDelegationsLinked(t *testing.T) {
	b, st := newTestBuilder(t)
	require.NoError(t, st.UpsertSession(&records.Session{
		ID: "S1", CreatedAt: ptrTime(0), UpdatedAt: ptrTime(10000),
	}))
	b.CreateRootTrace("S1", "t", "", "", ptrTime(0), ptrTime(10000))

	insertAssistant(t, st, "m1", "S1", "build", 1000, 10, 1)
	part := taskPart("P1", "m1", "S1", "S2", "completed")
	d := records.DelegationFromPart(part)
	b.CreateTraceFromDelegation(d, part)
	b.ResolveParentTraces()

	deleg, err := b.GetTrace(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "root_S1", deleg.ParentTraceID)

	// A second agent appears and the session splits into segments.
	insertAssistant(t, st, "m2", "S1", "plan", 2000, 20, 2)
	b.CreateConversationSegments("S1")
	b.ResolveParentTraces()

	root, err := b.GetTrace("root_S1")
	require.NoError(t, err)
	assert.Nil(t, root)

	deleg, err = b.GetTrace(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "root_S1_seg0", deleg.ParentTraceID, "retargeted off the deleted root")
	assert.Equal(t, "build", deleg.ParentAgent)
}

func TestUpdateRootTraceAgentsSegLikeSessionID(t *testing.T) {
	b, st := newTestBuilder(t)
	require.NoError(t, st.UpsertSession(&records.Session{ID: "ses_Xseg9"}))
	b.CreateRootTrace("ses_Xseg9", "t", "", "", ptrTime(1), nil)
	insertAssistant(t, st, "m1", "ses_Xseg9", "build", 1000, 1, 1)

	b.UpdateRootTraceAgents()
	b.ResolveParentTraces()

	tr, err := b.GetTrace("root_ses_Xseg9")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "build", tr.AgentType, "adoption does not depend on the id shape")
	assert.Empty(t, tr.ParentTraceID, "roots never acquire a parent")
	assert.Equal(t, KindRoot, tr.Kind)
}

func TestCreateConversationSegmentsSingleAgentUpdatesRoot(t *testing.T) {
	b, st := newTestBuilder(t)
	require.NoError(t, st.UpsertSession(&records.Session{
		ID: "S1", CreatedAt: ptrTime(0), UpdatedAt: ptrTime(10000),
	}))
	b.CreateRootTrace("S1", "t", "", "", ptrTime(0), ptrTime(10000))

	insertAssistant(t, st, "m1", "S1", "build", 1000, 10, 1)
	insertAssistant(t, st, "m2", "S1", "build", 2000, 20, 2)

	b.CreateConversationSegments("S1")

	root, err := b.GetTrace("root_S1")
	require.NoError(t, err)
	require.NotNil(t, root, "single-agent session keeps its root trace")
	assert.Equal(t, "build", root.AgentType)
	assert.Equal(t, int64(30), root.TokensIn)

	seg, err := b.GetTrace("root_S1_seg0")
	require.NoError(t, err)
	assert.Nil(t, seg)
}

func TestCreateConversationSegmentsIgnoresChildSessions(t *testing.T) {
	b, st := newTestBuilder(t)
	require.NoError(t, st.UpsertSession(&records.Session{ID: "S2", ParentID: "S1"}))
	insertAssistant(t, st, "m1", "S2", "build", 1000, 1, 1)
	insertAssistant(t, st, "m2", "S2", "plan", 2000, 1, 1)

	b.CreateConversationSegments("S2")

	seg, err := b.GetTrace("root_S2_seg0")
	require.NoError(t, err)
	assert.Nil(t, seg)
}

func TestUpdateRootTraceAgents(t *testing.T) {
	b, st := newTestBuilder(t)
	require.NoError(t, st.UpsertSession(&records.Session{ID: "S1"}))
	b.CreateRootTrace("S1", "t", "", "", ptrTime(1), nil)

	tr, err := b.GetTrace("root_S1")
	require.NoError(t, err)
	assert.Equal(t, ParentAgentUser, tr.AgentType)

	insertAssistant(t, st, "m1", "S1", "build", 1000, 1, 1)
	insertAssistant(t, st, "m2", "S1", "plan", 2000, 1, 1)
	b.UpdateRootTraceAgents()

	tr, err = b.GetTrace("root_S1")
	require.NoError(t, err)
	assert.Equal(t, "build", tr.AgentType, "earliest assistant agent wins")
}
