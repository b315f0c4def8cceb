package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/traceview/internal/records"
)

const bulkSessionRoot = `{
	"id": "ses_root", "projectID": "proj1", "directory": "/repo",
	"parentID": null, "title": "Fix bug", "version": "1.2.0",
	"summary": {"additions": 5, "deletions": 1, "files": 2},
	"time": {"created": 1000, "updated": 9000}
}`

const bulkSessionChild = `{
	"id": "ses_child", "projectID": "proj1", "directory": "/repo",
	"parentID": "ses_root", "title": "Subtask", "version": "1.2.0",
	"time": {"created": 2000, "updated": 8000}
}`

const bulkMessage1 = `{
	"id": "msg_1", "sessionID": "ses_root", "parentID": null,
	"role": "assistant", "agent": "build", "modelID": "gpt-x",
	"providerID": "openai", "mode": "chat", "cost": 0.5, "finish": "stop",
	"path": {"cwd": "/repo"},
	"tokens": {"input": 100, "output": 40, "reasoning": 3,
		"cache": {"read": 7, "write": 2}},
	"time": {"created": 1500, "completed": 1800}
}`

const bulkMessage2 = `{
	"id": "msg_2", "sessionID": "ses_root", "role": "user",
	"tokens": {"input": 11, "output": 0},
	"time": {"created": 1200}
}`

const bulkPartText = `{
	"id": "prt_text", "messageID": "msg_1", "sessionID": "ses_root",
	"type": "text", "text": "hello"
}`

const bulkPartTool = `{
	"id": "prt_tool", "messageID": "msg_1", "sessionID": "ses_root",
	"type": "tool", "tool": "task", "callID": "call_1",
	"state": {
		"status": "completed",
		"input": {"subagent_type": "reviewer", "prompt": "go"},
		"output": "done",
		"metadata": {"sessionId": "ses_child"},
		"time": {"start": 1000, "end": 2500}
	}
}`

func seedBulkTree(t *testing.T, e *testEnv) {
	t.Helper()
	e.write(t, "session/proj1/ses_root.json", bulkSessionRoot)
	e.write(t, "session/proj1/ses_child.json", bulkSessionChild)
	e.write(t, "message/ses_root/msg_1.json", bulkMessage1)
	e.write(t, "message/ses_root/msg_2.json", bulkMessage2)
	e.write(t, "part/msg_1/prt_text.json", bulkPartText)
	e.write(t, "part/msg_1/prt_tool.json", bulkPartTool)
}

func TestLoadIfColdLoadsWhenEmpty(t *testing.T) {
	e := newTestEnv(t)
	seedBulkTree(t, e)
	loader := NewBulkLoader(e.store, e.root, 100)

	loaded, err := loader.LoadIfCold(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded)

	assert.Equal(t, int64(2), e.count(t, "sessions"))
	assert.Equal(t, int64(2), e.count(t, "messages"))

	row, err := e.store.GetSession("ses_root")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Fix bug", row.Title)
	assert.Empty(t, row.ParentID)

	child, err := e.store.GetSession("ses_child")
	require.NoError(t, err)
	assert.Equal(t, "ses_root", child.ParentID)

	// Watermarks cover every scanned file.
	stamps, err := e.store.FileStampsByType("session")
	require.NoError(t, err)
	assert.Len(t, stamps, 2)
	for _, p := range []string{
		e.root + "/session/proj1/ses_root.json",
		e.root + "/session/proj1/ses_child.json",
	} {
		assert.False(t, e.tracker.NeedsIndexing(p), p)
	}
}

// Everything but id is optional; a field absent from every file in the
// tree must still bind.
func TestBulkLoadToleratesSparsePayloads(t *testing.T) {
	e := newTestEnv(t)
	e.write(t, "session/proj1/ses_min.json", `{"id":"ses_min"}`)
	e.write(t, "message/ses_min/msg_min.json", `{"id":"msg_min","sessionID":"ses_min"}`)
	loader := NewBulkLoader(e.store, e.root, 100)

	require.NoError(t, loader.Load(context.Background()))

	row, err := e.store.GetSession("ses_min")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Empty(t, row.Title)
	assert.Equal(t, int64(1), e.count(t, "messages"))
}

func TestBulkLoadEmptyTree(t *testing.T) {
	e := newTestEnv(t)
	loader := NewBulkLoader(e.store, e.root, 100)

	require.NoError(t, loader.Load(context.Background()))
	assert.Equal(t, int64(0), e.count(t, "sessions"))
	assert.Equal(t, int64(0), e.count(t, "agent_traces"))
}

func TestBulkLoadsParts(t *testing.T) {
	e := newTestEnv(t)
	seedBulkTree(t, e)
	loader := NewBulkLoader(e.store, e.root, 100)
	require.NoError(t, loader.Load(context.Background()))

	assert.Equal(t, int64(2), e.count(t, "parts"))

	var childSession string
	var duration int64
	require.NoError(t, e.store.DB().QueryRow(
		`SELECT child_session_id, duration_ms FROM parts WHERE id = 'prt_tool'`).
		Scan(&childSession, &duration))
	assert.Equal(t, "ses_child", childSession)
	assert.Equal(t, int64(1500), duration)

	for _, p := range []string{
		e.root + "/part/msg_1/prt_text.json",
		e.root + "/part/msg_1/prt_tool.json",
	} {
		assert.False(t, e.tracker.NeedsIndexing(p), p)
	}
}

// Only rows the scan accepted are watermarked; a rejected id-less file
// stays visible to the incremental path.
func TestBulkWatermarksOnlyScannedRows(t *testing.T) {
	e := newTestEnv(t)
	good := e.write(t, "session/proj1/good.json", `{"id":"good"}`)
	noID := e.write(t, "session/proj1/noid.json", `{"title":"anonymous"}`)
	loader := NewBulkLoader(e.store, e.root, 100)

	require.NoError(t, loader.Load(context.Background()))

	assert.False(t, e.tracker.NeedsIndexing(good))
	assert.True(t, e.tracker.NeedsIndexing(noID))
}

func TestLoadIfColdSkipsWarmStore(t *testing.T) {
	e := newTestEnv(t)
	seedBulkTree(t, e)
	require.NoError(t, e.store.UpsertSession(&records.Session{ID: "existing"}))

	loader := NewBulkLoader(e.store, e.root, 1)
	loaded, err := loader.LoadIfCold(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, int64(1), e.count(t, "sessions"))
}

func TestBulkRootTraces(t *testing.T) {
	e := newTestEnv(t)
	seedBulkTree(t, e)
	loader := NewBulkLoader(e.store, e.root, 100)
	require.NoError(t, loader.Load(context.Background()))

	tr, err := e.traces.GetTrace("root_ses_root")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "user", tr.ParentAgent)
	assert.Equal(t, "Fix bug", tr.PromptInput)
	assert.Equal(t, "completed", tr.Status)
	assert.Equal(t, int64(111), tr.TokensIn, "correlated subquery sums both messages")
	assert.Equal(t, int64(40), tr.TokensOut)

	child, err := e.traces.GetTrace("root_ses_child")
	require.NoError(t, err)
	assert.Nil(t, child, "child sessions get no root trace")
}

type sessionDump struct {
	id, projectID, parentID, title, version string
	additions, deletions                    int64
}

func dumpSessions(t *testing.T, e *testEnv) []sessionDump {
	t.Helper()
	rows, err := e.store.DB().Query(
		`SELECT id, COALESCE(project_id, ''), COALESCE(parent_id, ''),
			COALESCE(title, ''), COALESCE(version, ''), additions, deletions
		 FROM sessions ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []sessionDump
	for rows.Next() {
		var d sessionDump
		require.NoError(t, rows.Scan(&d.id, &d.projectID, &d.parentID,
			&d.title, &d.version, &d.additions, &d.deletions))
		out = append(out, d)
	}
	return out
}

type messageDump struct {
	id, sessionID, role, agent string
	tokensIn, tokensOut        int64
	cost                       float64
	completedMS                int64
}

func dumpMessages(t *testing.T, e *testEnv) []messageDump {
	t.Helper()
	// Timestamps compare as epoch millis so timezone representation
	// differences between the two write paths cannot matter.
	rows, err := e.store.DB().Query(
		`SELECT id, COALESCE(session_id, ''), COALESCE(role, ''),
			COALESCE(agent, ''), tokens_input, tokens_output, cost,
			COALESCE(CAST(epoch_ms(completed_at) AS BIGINT), -1)
		 FROM messages ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []messageDump
	for rows.Next() {
		var d messageDump
		require.NoError(t, rows.Scan(&d.id, &d.sessionID, &d.role, &d.agent,
			&d.tokensIn, &d.tokensOut, &d.cost, &d.completedMS))
		out = append(out, d)
	}
	return out
}

type partDump struct {
	id, messageID, sessionID, partType string
	content, toolName, callID, status  string
	output, childSessionID             string
	durationMS, startedMS              int64
}

func dumpParts(t *testing.T, e *testEnv) []partDump {
	t.Helper()
	rows, err := e.store.DB().Query(
		`SELECT id, COALESCE(message_id, ''), COALESCE(session_id, ''),
			COALESCE(part_type, ''), COALESCE(content, ''),
			COALESCE(tool_name, ''), COALESCE(call_id, ''),
			COALESCE(status, ''), COALESCE(output, ''),
			COALESCE(child_session_id, ''),
			COALESCE(duration_ms, -1),
			COALESCE(CAST(epoch_ms(started_at) AS BIGINT), -1)
		 FROM parts ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []partDump
	for rows.Next() {
		var d partDump
		require.NoError(t, rows.Scan(&d.id, &d.messageID, &d.sessionID,
			&d.partType, &d.content, &d.toolName, &d.callID, &d.status,
			&d.output, &d.childSessionID, &d.durationMS, &d.startedMS))
		out = append(out, d)
	}
	return out
}

// The bulk loader and the per-file ingestor must agree on what ends up
// in the relational tables.
func TestBulkIncrementalEquivalence(t *testing.T) {
	bulkEnv := newTestEnv(t)
	seedBulkTree(t, bulkEnv)
	require.NoError(t, NewBulkLoader(bulkEnv.store, bulkEnv.root, 100).Load(context.Background()))

	incEnv := newTestEnv(t)
	seedBulkTree(t, incEnv)
	for rel, ft := range map[string]records.FileType{
		"session/proj1/ses_root.json":  records.FileTypeSession,
		"session/proj1/ses_child.json": records.FileTypeSession,
		"message/ses_root/msg_1.json":  records.FileTypeMessage,
		"message/ses_root/msg_2.json":  records.FileTypeMessage,
		"part/msg_1/prt_text.json":     records.FileTypePart,
		"part/msg_1/prt_tool.json":     records.FileTypePart,
	} {
		require.NoError(t, incEnv.ingestor.Process(ft, incEnv.root+"/"+rel))
	}

	assert.Equal(t, dumpSessions(t, incEnv), dumpSessions(t, bulkEnv))
	assert.Equal(t, dumpMessages(t, incEnv), dumpMessages(t, bulkEnv))
	assert.Equal(t, dumpParts(t, incEnv), dumpParts(t, bulkEnv))
}
