package records

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ohler55/ojg/oj"
)

// ErrInvalid marks a payload that fails validation. Wrapped errors carry
// the specific reason.
var ErrInvalid = errors.New("invalid record")

// Decode parses raw JSON into a generic value tree.
func Decode(data []byte) (any, error) {
	return oj.Parse(data)
}

// ParseSession validates and converts one session payload. Only id is
// required; everything else defaults.
func ParseSession(v any) (*Session, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: session payload is not an object", ErrInvalid)
	}
	id := str(m, "id")
	if id == "" {
		return nil, fmt.Errorf("%w: session missing id", ErrInvalid)
	}
	s := &Session{
		ID:        id,
		ProjectID: str(m, "projectID"),
		Directory: str(m, "directory"),
		ParentID:  str(m, "parentID"),
		Title:     str(m, "title"),
		Version:   str(m, "version"),
		CreatedAt: msTime(sub(m, "time"), "created"),
		UpdatedAt: msTime(sub(m, "time"), "updated"),
	}
	if sum := sub(m, "summary"); sum != nil {
		s.Additions = num(sum, "additions")
		s.Deletions = num(sum, "deletions")
		s.FilesChanged = num(sum, "files")
	}
	return s, nil
}

// ParseMessage validates and converts one message payload.
func ParseMessage(v any) (*Message, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: message payload is not an object", ErrInvalid)
	}
	id := str(m, "id")
	if id == "" {
		return nil, fmt.Errorf("%w: message missing id", ErrInvalid)
	}
	msg := &Message{
		ID:           id,
		SessionID:    str(m, "sessionID"),
		ParentID:     str(m, "parentID"),
		Role:         str(m, "role"),
		Agent:        str(m, "agent"),
		ModelID:      str(m, "modelID"),
		ProviderID:   str(m, "providerID"),
		Mode:         str(m, "mode"),
		Cost:         flt(m, "cost"),
		FinishReason: str(m, "finish"),
		CreatedAt:    msTime(sub(m, "time"), "created"),
		CompletedAt:  msTime(sub(m, "time"), "completed"),
	}
	if p := sub(m, "path"); p != nil {
		msg.CWD = str(p, "cwd")
	}
	if tok := sub(m, "tokens"); tok != nil {
		msg.TokensInput = num(tok, "input")
		msg.TokensOutput = num(tok, "output")
		msg.TokensReasoning = num(tok, "reasoning")
		if cache := sub(tok, "cache"); cache != nil {
			msg.CacheRead = num(cache, "read")
			msg.CacheWrite = num(cache, "write")
		}
	}
	return msg, nil
}

// ParsePart validates and converts one part payload. A part needs an id
// and a recognized type; tool parts additionally need a tool name, since
// an unnamed tool invocation cannot be attributed to anything.
func ParsePart(v any) (*Part, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: part payload is not an object", ErrInvalid)
	}
	id := str(m, "id")
	if id == "" {
		return nil, fmt.Errorf("%w: part missing id", ErrInvalid)
	}
	p := &Part{
		ID:        id,
		SessionID: str(m, "sessionID"),
		MessageID: str(m, "messageID"),
		Type:      PartType(str(m, "type")),
	}
	switch p.Type {
	case PartText:
		p.Text = &TextPart{Text: str(m, "text")}
	case PartTool:
		tool, err := parseToolPart(m)
		if err != nil {
			return nil, err
		}
		p.Tool = tool
	case PartReasoning:
		// Producers have emitted the reasoning body under either key.
		text := str(m, "text")
		if text == "" {
			text = str(m, "reasoning")
		}
		p.Reasoning = &ReasoningPart{Text: text}
	case PartStepStart:
		p.StepStart = &StepStartPart{}
	case PartStepFinish:
		p.StepFinish = &StepFinishPart{}
	case PartPatch:
		p.Patch = &PatchPart{Hash: str(m, "hash"), Files: strSlice(m, "files")}
	case PartCompaction:
		p.Compaction = &CompactionPart{Auto: boolean(m, "auto")}
	case PartFile:
		p.File = &FilePart{Mime: str(m, "mime"), Filename: str(m, "filename")}
	default:
		return nil, fmt.Errorf("%w: part %s has unrecognized type %q", ErrInvalid, id, str(m, "type"))
	}
	return p, nil
}

func parseToolPart(m map[string]any) (*ToolPart, error) {
	name := str(m, "tool")
	if name == "" {
		return nil, fmt.Errorf("%w: tool part %s missing tool name", ErrInvalid, str(m, "id"))
	}
	tool := &ToolPart{
		Name:   name,
		CallID: str(m, "callID"),
	}
	if state := sub(m, "state"); state != nil {
		tool.Status = str(state, "status")
		tool.Error = str(state, "error")
		if in, ok := state["input"]; ok && in != nil {
			tool.Input = oj.JSON(in)
		}
		if out, ok := state["output"]; ok && out != nil {
			if s, isStr := out.(string); isStr {
				tool.Output = s
			} else {
				tool.Output = oj.JSON(out)
			}
		}
		if meta := sub(state, "metadata"); meta != nil {
			tool.ChildSessionID = str(meta, "sessionId")
			if tool.ChildSessionID == "" {
				tool.ChildSessionID = str(meta, "sessionID")
			}
		}
		tool.StartedAt = msTime(sub(state, "time"), "start")
		tool.EndedAt = msTime(sub(state, "time"), "end")
	}
	if tool.StartedAt == nil {
		tool.StartedAt = msTime(sub(m, "time"), "start")
	}
	if tool.EndedAt == nil {
		tool.EndedAt = msTime(sub(m, "time"), "end")
	}
	// Duration only when both ends are known; never inferred.
	if tool.StartedAt != nil && tool.EndedAt != nil {
		d := tool.EndedAt.Sub(*tool.StartedAt).Milliseconds()
		tool.DurationMS = &d
	}
	return tool, nil
}

// ParseTodos converts a todo file payload, which is a JSON array rather
// than an object. Element ids fall back to the array index, and array
// order is the authoritative sort key. Non-array payloads and non-object
// elements are skipped, not errors.
func ParseTodos(sessionID string, v any, modTime time.Time) []Todo {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	mt := modTime
	todos := make([]Todo, 0, len(arr))
	for i, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		elemID := str(m, "id")
		if elemID == "" {
			elemID = strconv.Itoa(i)
		}
		todos = append(todos, Todo{
			ID:        sessionID + "_" + elemID,
			SessionID: sessionID,
			Content:   str(m, "content"),
			Status:    str(m, "status"),
			Priority:  str(m, "priority"),
			Position:  i,
			CreatedAt: &mt,
			UpdatedAt: &mt,
		})
	}
	return todos
}

// ParseProject validates and converts one project payload.
func ParseProject(v any) (*Project, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: project payload is not an object", ErrInvalid)
	}
	id := str(m, "id")
	if id == "" {
		return nil, fmt.Errorf("%w: project missing id", ErrInvalid)
	}
	return &Project{
		ID:        id,
		Worktree:  str(m, "worktree"),
		VCS:       str(m, "vcs"),
		CreatedAt: msTime(sub(m, "time"), "created"),
		UpdatedAt: msTime(sub(m, "time"), "updated"),
	}, nil
}

// DelegationFromPart derives a delegation record from a tool part. Only
// "task" invocations whose input names a subagent_type qualify. The
// parent agent is left blank here; it requires a lookup into stored
// messages and is resolved by the trace builder.
func DelegationFromPart(p *Part) *Delegation {
	if p.Tool == nil || p.Tool.Name != "task" {
		return nil
	}
	input := toolInput(p.Tool)
	subagent := str(input, "subagent_type")
	if subagent == "" {
		subagent = str(input, "subagentType")
	}
	if subagent == "" {
		return nil
	}
	id := p.Tool.CallID
	if id == "" {
		id = p.ID
	}
	return &Delegation{
		ID:             id,
		MessageID:      p.MessageID,
		SessionID:      p.SessionID,
		SubagentType:   subagent,
		ChildSessionID: p.Tool.ChildSessionID,
		CreatedAt:      p.Tool.StartedAt,
	}
}

// SkillFromPart derives a skill record from a "skill" tool part whose
// input names the skill.
func SkillFromPart(p *Part) *Skill {
	if p.Tool == nil || p.Tool.Name != "skill" {
		return nil
	}
	name := str(toolInput(p.Tool), "name")
	if name == "" {
		return nil
	}
	id := p.Tool.CallID
	if id == "" {
		id = p.ID
	}
	return &Skill{
		ID:        id,
		MessageID: p.MessageID,
		SessionID: p.SessionID,
		Name:      name,
		LoadedAt:  p.Tool.StartedAt,
	}
}

// FileOperationFromPart derives a file-operation record from read/write/
// edit tool parts. The path key has drifted across producer versions, so
// both spellings are accepted.
func FileOperationFromPart(p *Part) *FileOperation {
	if p.Tool == nil {
		return nil
	}
	switch p.Tool.Name {
	case "read", "write", "edit":
	default:
		return nil
	}
	input := toolInput(p.Tool)
	path := str(input, "filePath")
	if path == "" {
		path = str(input, "path")
	}
	if path == "" {
		return nil
	}
	id := p.Tool.CallID
	if id == "" {
		id = p.ID
	}
	return &FileOperation{
		ID:         id,
		SessionID:  p.SessionID,
		Operation:  p.Tool.Name,
		Path:       path,
		OccurredAt: p.Tool.StartedAt,
	}
}

// toolInput re-parses the serialized tool arguments. Returns nil on any
// failure; derivations treat that as "field absent".
func toolInput(t *ToolPart) map[string]any {
	if t.Input == "" {
		return nil
	}
	v, err := oj.ParseString(t.Input)
	if err != nil {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// TaskPrompt extracts the delegation prompt text from a task tool's
// arguments: description and prompt joined by a blank line when both are
// present, else whichever exists.
func TaskPrompt(t *ToolPart) string {
	input := toolInput(t)
	desc := str(input, "description")
	prompt := str(input, "prompt")
	switch {
	case desc != "" && prompt != "":
		return desc + "\n\n" + prompt
	case desc != "":
		return desc
	default:
		return prompt
	}
}

func sub(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func strSlice(m map[string]any, key string) []string {
	arr, _ := m[key].([]any)
	if len(arr) == 0 {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func boolean(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

// num reads an integer field that producers emit as either int or float.
func num(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

func flt(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// msTime converts a milliseconds-since-epoch field to a local timestamp.
// Zero or absent means "no timestamp", never epoch zero.
func msTime(m map[string]any, key string) *time.Time {
	ms := num(m, key)
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
