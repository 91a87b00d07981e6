// Package types defines the core entities shared across the oakci daemon:
// sessions, prompt batches, activities, observations, plans, and the
// governance audit record. The activity store owns all relational state; the
// vector index only holds derived embeddings keyed back to these ids.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a captured agent session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// BatchStatus is the lifecycle state of a prompt batch.
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchCompleted BatchStatus = "completed"
)

// SourceType classifies where a prompt batch originated.
type SourceType string

const (
	SourceUser              SourceType = "user"
	SourceAgentNotification SourceType = "agent_notification"
	SourcePlan              SourceType = "plan"
	SourceSystem            SourceType = "system"
)

// MemoryType is the observation taxonomy.
type MemoryType string

const (
	MemoryGotcha         MemoryType = "gotcha"
	MemoryDecision       MemoryType = "decision"
	MemoryBugFix         MemoryType = "bug_fix"
	MemoryDiscovery      MemoryType = "discovery"
	MemoryTradeOff       MemoryType = "trade_off"
	MemorySessionSummary MemoryType = "session_summary"
)

// ValidMemoryType reports whether t is a known observation type.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryGotcha, MemoryDecision, MemoryBugFix, MemoryDiscovery, MemoryTradeOff, MemorySessionSummary:
		return true
	}
	return false
}

// ObservationStatus is the lifecycle state of an observation.
type ObservationStatus string

const (
	ObservationActive     ObservationStatus = "active"
	ObservationResolved   ObservationStatus = "resolved"
	ObservationSuperseded ObservationStatus = "superseded"
)

// OriginType classifies the session an observation came from, computed from
// read/edit ratios. Importance is capped at 5 for planning and investigation.
type OriginType string

const (
	OriginPlanning       OriginType = "planning"
	OriginInvestigation  OriginType = "investigation"
	OriginImplementation OriginType = "implementation"
	OriginMixed          OriginType = "mixed"
)

// ResolutionAction is the kind of status change recorded for an observation.
type ResolutionAction string

const (
	ActionResolve    ResolutionAction = "resolve"
	ActionSupersede  ResolutionAction = "supersede"
	ActionReactivate ResolutionAction = "reactivate"
)

// DocType classifies an indexed code chunk for ranking purposes.
type DocType string

const (
	DocCode      DocType = "code"
	DocTests     DocType = "tests"
	DocDocs      DocType = "docs"
	DocConfig    DocType = "config"
	DocGenerated DocType = "generated"
)

// VectorKind identifies which entity an index entry embeds.
type VectorKind string

const (
	KindCode           VectorKind = "code"
	KindObservation    VectorKind = "observation"
	KindPlan           VectorKind = "plan"
	KindSessionSummary VectorKind = "session_summary"
)

// Session is one agent invocation.
type Session struct {
	ID                 string
	Agent              string
	SourceMachineID    string
	ProjectRoot        string
	StartedAt          time.Time
	EndedAt            *time.Time
	Status             SessionStatus
	Summary            string
	Title              string
	TitleManuallySet   bool
	ParentSessionID    string
	ParentReason       string
	TranscriptPath     string
	SummaryEmbedded    bool
	FirstPromptPreview string
}

// PromptBatch is one user prompt and everything that follows until the agent
// stops. At most one batch per session is active at any time.
type PromptBatch struct {
	ID                    string
	SessionID             string
	PromptNumber          int
	UserPrompt            string
	SourceType            SourceType
	Classification        string
	PlanFilePath          string
	PlanContent           string
	ResponseSummary       string
	StartedAt             time.Time
	EndedAt               *time.Time
	Status                BatchStatus
	Processed             bool
	ObservationsExtracted int
	ExtractionAttempts    int
	ExtractionError       string
}

// Activity is one tool execution captured from the agent.
type Activity struct {
	ID                string
	SessionID         string
	PromptBatchID     string // empty means orphan; recovery adopts it
	ToolName          string
	ToolUseID         string
	ToolInput         string // serialized JSON
	ToolOutputSummary string
	FilePath          string
	Success           bool
	ErrorMessage      string
	CreatedAt         time.Time
}

// DedupHash returns the content hash identifying this activity across
// machines: session, millisecond-bucketed timestamp, tool name, tool use id.
func (a *Activity) DedupHash() string {
	return hashParts(a.SessionID, fmt.Sprintf("%d", a.CreatedAt.UnixMilli()), a.ToolName, a.ToolUseID)
}

// Observation is a durable extracted memory.
type Observation struct {
	ID                string
	MemoryType        MemoryType
	Observation       string
	Context           string // file path or free text
	Tags              []string
	SourceSessionID   string
	SourceBatchID     string
	SourceMachineID   string
	Status            ObservationStatus
	SupersededBy      string // non-empty iff Status == superseded
	SessionOriginType OriginType
	Importance        int // 1-10, capped at 5 for planning/investigation
	Archived          bool
	CreatedAt         time.Time
}

// DedupHash returns sha256(observation || memory_type || context).
func (o *Observation) DedupHash() string {
	return hashParts(o.Observation, string(o.MemoryType), o.Context)
}

// ClampImportance enforces the 1-10 range and the origin-type cap.
func (o *Observation) ClampImportance() {
	if o.Importance < 1 {
		o.Importance = 1
	}
	if o.Importance > 10 {
		o.Importance = 10
	}
	if o.SessionOriginType == OriginPlanning || o.SessionOriginType == OriginInvestigation {
		if o.Importance > 5 {
			o.Importance = 5
		}
	}
}

// ResolutionEvent is an append-only audit record of an observation status
// change.
type ResolutionEvent struct {
	ID            string
	ObservationID string
	Action        ResolutionAction
	Reason        string
	Actor         string
	CreatedAt     time.Time
}

// Plan is a captured implementation plan.
type Plan struct {
	ID          string
	SessionID   string
	Title       string
	FilePath    string
	Content     string
	ContentHash string
	Embedded    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GovernanceAuditEvent is an append-only record of a governance decision.
type GovernanceAuditEvent struct {
	ID        string
	Event     string
	ToolName  string
	ToolInput string
	FilePath  string
	RuleName  string
	Action    string // rule action that matched
	Decision  string // decision returned to the agent
	Mode      string // observe | enforce
	Category  string // filesystem | shell | network | agent | other
	SessionID string
	Agent     string
	Message   string
	CreatedAt time.Time
}

// CodeChunk is one embedded unit of source, owned by the vector index.
type CodeChunk struct {
	ID          string
	FilePath    string
	StartLine   int
	EndLine     int
	ChunkType   string // function | method | class | module | lines
	Name        string
	Content     string
	ContentHash string
	DocType     DocType
	Language    string
}

// ScheduledTask is a persisted cron schedule dispatched to the agents runner.
type ScheduledTask struct {
	ID        string
	Name      string
	CronExpr  string
	Enabled   bool
	NextRunAt *time.Time
	LastRunAt *time.Time
	Payload   string
}

// ContentHash returns the sha256 hex digest of content, used for change
// detection on files, chunks, and plans.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
