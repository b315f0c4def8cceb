package records

import "time"

// FileType identifies which storage subdirectory a file came from.
type FileType string

const (
	FileTypeSession FileType = "session"
	FileTypeMessage FileType = "message"
	FileTypePart    FileType = "part"
	FileTypeTodo    FileType = "todo"
	FileTypeProject FileType = "project"
)

// FileTypes lists every known storage subdirectory.
var FileTypes = []FileType{
	FileTypeSession,
	FileTypeMessage,
	FileTypePart,
	FileTypeTodo,
	FileTypeProject,
}

// Nested returns whether files of this type live one directory level down
// (<root>/<type>/<parent-id>/<id>.json) rather than flat.
func (t FileType) Nested() bool {
	switch t {
	case FileTypeSession, FileTypeMessage, FileTypePart:
		return true
	}
	return false
}

// Session is one agent conversation. A session with no ParentID is a root
// (user-initiated) session.
type Session struct {
	ID           string
	ProjectID    string
	Directory    string
	ParentID     string
	Title        string
	Version      string
	Additions    int64
	Deletions    int64
	FilesChanged int64
	CreatedAt    *time.Time
	UpdatedAt    *time.Time
}

// Message belongs to exactly one session.
type Message struct {
	ID              string
	SessionID       string
	ParentID        string
	Role            string
	Agent           string
	ModelID         string
	ProviderID      string
	Mode            string
	CWD             string
	Cost            float64
	FinishReason    string
	TokensInput     int64
	TokensOutput    int64
	TokensReasoning int64
	CacheRead       int64
	CacheWrite      int64
	CreatedAt       *time.Time
	CompletedAt     *time.Time
}

// PartType tags the variant carried by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartTool       PartType = "tool"
	PartReasoning  PartType = "reasoning"
	PartStepStart  PartType = "step-start"
	PartStepFinish PartType = "step-finish"
	PartPatch      PartType = "patch"
	PartCompaction PartType = "compaction"
	PartFile       PartType = "file"
)

// Part is a tagged union: exactly one variant pointer is non-nil,
// matching Type.
type Part struct {
	ID        string
	SessionID string
	MessageID string
	Type      PartType

	Text       *TextPart
	Tool       *ToolPart
	Reasoning  *ReasoningPart
	StepStart  *StepStartPart
	StepFinish *StepFinishPart
	Patch      *PatchPart
	Compaction *CompactionPart
	File       *FilePart
}

type TextPart struct {
	Text string
}

// ToolPart is a tool invocation. Input and Output hold the serialized
// JSON of the tool's arguments and result.
type ToolPart struct {
	Name           string
	CallID         string
	Status         string
	Input          string
	Output         string
	Error          string
	ChildSessionID string
	StartedAt      *time.Time
	EndedAt        *time.Time
	DurationMS     *int64
}

type ReasoningPart struct {
	Text string
}

type StepStartPart struct{}

type StepFinishPart struct{}

type PatchPart struct {
	Hash  string
	Files []string
}

type CompactionPart struct {
	Auto bool
}

type FilePart struct {
	Mime     string
	Filename string
}

// Todo is one element of a session's todo array. Timestamps approximate
// the source file's modification time; the payload carries none.
type Todo struct {
	ID        string
	SessionID string
	Content   string
	Status    string
	Priority  string
	Position  int
	CreatedAt *time.Time
	UpdatedAt *time.Time
}

type Project struct {
	ID        string
	Worktree  string
	VCS       string
	CreatedAt *time.Time
	UpdatedAt *time.Time
}

// Delegation is a completed "task" tool invocation that spawned a child
// session. ParentAgent is resolved later from the issuing message.
type Delegation struct {
	ID             string
	MessageID      string
	SessionID      string
	ParentAgent    string
	SubagentType   string
	ChildSessionID string
	CreatedAt      *time.Time
}

// Skill is a completed "skill" tool invocation.
type Skill struct {
	ID        string
	MessageID string
	SessionID string
	Name      string
	LoadedAt  *time.Time
}

// FileOperation is a read/write/edit tool invocation. Risk is populated
// by an external collaborator, never by the indexing core.
type FileOperation struct {
	ID         string
	SessionID  string
	Operation  string
	Path       string
	Risk       string
	OccurredAt *time.Time
}
