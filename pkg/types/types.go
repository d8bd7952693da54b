// Package types defines the shared data model used across every Fae Core
// package. These types form the lingua franca between providers, the
// pipeline, the memory store, the scheduler, and the host boundary; each
// package defines its own internal types, but cross-cutting entities live
// here to avoid circular imports.
package types

import (
	"time"

	"github.com/google/uuid"
)

// AudioFrame is the atomic unit of audio transport through the pipeline: a
// fixed-length slice of mono f32 PCM samples at the pipeline's working
// sample rate. A frame is single-owner and moves by reference along the
// stage graph (capture → VAD → STT; the graph has no echo-cancellation
// stage); it is never shared across stages
// concurrently.
type AudioFrame struct {
	// Samples holds f32 PCM data, little-endian, mono.
	Samples []float32

	// SampleRate in Hz. The pipeline's working rate is 16000.
	SampleRate int

	// Sequence is a monotonically increasing per-stream frame counter,
	// assigned at capture time.
	Sequence uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcription is a speech-to-text result. Partial transcriptions
// (IsFinal=false) are published for UX only and never trigger LLM
// generation.
type Transcription struct {
	Text       string
	IsFinal    bool
	StartTS    time.Duration
	EndTS      time.Duration
	Confidence float64
}

// SentenceChunk is one complete sentence (or generation boundary) emitted by
// the LLM stage to TTS. A chunk with Final=true signals end-of-turn.
type SentenceChunk struct {
	Text     string
	Final    bool
	Sequence uint64
}

// ToolCall is generated by the LLM stage when tool use is requested.
type ToolCall struct {
	ID      string
	Name    string
	ArgsRaw string // JSON-encoded arguments.
}

// ToolResult is returned to the LLM stage to continue the turn loop.
type ToolResult struct {
	ID         string
	Name       string
	Success    bool
	OutputText string
	Error      string
}

// MemoryKind classifies a MemoryRecord.
type MemoryKind string

const (
	KindProfile    MemoryKind = "profile"
	KindFact       MemoryKind = "fact"
	KindEpisode    MemoryKind = "episode"
	KindEvent      MemoryKind = "event"
	KindPerson     MemoryKind = "person"
	KindInterest   MemoryKind = "interest"
	KindCommitment MemoryKind = "commitment"
)

// MemoryStatus is the lifecycle state of a MemoryRecord.
type MemoryStatus string

const (
	StatusActive      MemoryStatus = "active"
	StatusSuperseded  MemoryStatus = "superseded"
	StatusInvalidated MemoryStatus = "invalidated"
	StatusForgotten   MemoryStatus = "forgotten"
)

// MemoryRecord is a single durable or episodic fact known to the assistant.
//
// Invariants: ID is unique; a record with Status=StatusSuperseded must be
// resolvable to its successor via a reverse lookup on Supersedes; status
// transitions are monotone except that Active→Superseded is reversible only
// through a new "patch" audit entry.
type MemoryRecord struct {
	ID           uuid.UUID
	Kind         MemoryKind
	Status       MemoryStatus
	Text         string
	Confidence   float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	SourceTurnID string
	Tags         []string
	Supersedes   *uuid.UUID
	Embedding    []float32 // nil when no embedding engine is configured.
}

// AuditOp enumerates the mutation kinds recorded in the append-only audit
// log.
type AuditOp string

const (
	OpInsert     AuditOp = "insert"
	OpPatch      AuditOp = "patch"
	OpSupersede  AuditOp = "supersede"
	OpInvalidate AuditOp = "invalidate"
	OpForgetSoft AuditOp = "forget_soft"
	OpForgetHard AuditOp = "forget_hard"
	OpMigrate    AuditOp = "migrate"
)

// AuditEntry is one append-only record of a MemoryRecord mutation.
type AuditEntry struct {
	ID          uuid.UUID
	RecordID    uuid.UUID
	Op          AuditOp
	Timestamp   time.Time
	PriorDigest string
	NewDigest   string
}

// ScheduleKind distinguishes the three scheduling rules a ScheduledTask may
// follow.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
)

// Schedule is a tagged recurrence rule. Only the fields relevant to Kind are
// meaningful.
type Schedule struct {
	Kind ScheduleKind

	// Interval is used when Kind == ScheduleInterval.
	Interval time.Duration

	// Hour and Minute are used when Kind == ScheduleDaily or ScheduleWeekly,
	// in local time.
	Hour   int
	Minute int

	// Weekday is used when Kind == ScheduleWeekly.
	Weekday time.Weekday
}

// ScheduledTask is a named, recurring unit of scheduler work.
//
// Invariant: NextDue is a pure function of Schedule and LastRun.
type ScheduledTask struct {
	ID         string
	Name       string
	Schedule   Schedule
	LastRun    *time.Time
	Enabled    bool
	Generation uint64
}

// RunKey uniquely identifies one scheduled execution instant for a task. The
// scheduler ledger records completed and in-progress run keys so a task
// cannot execute twice for the same instant even across leader failover.
type RunKey struct {
	TaskID      string
	ScheduledAt time.Time
	Generation  uint64
}

// TaskOutcome is the result category of a single task execution.
type TaskOutcome string

const (
	OutcomeSuccess         TaskOutcome = "success"
	OutcomeNeedsUserAction TaskOutcome = "needs_user_action"
	OutcomeError           TaskOutcome = "error"
)

// LeaderLease is the file-persisted record of scheduler leadership. TTL is
// 15s; the holding leader heartbeats every 5s.
type LeaderLease struct {
	InstanceID     string
	PID            int
	StartedAt      time.Time
	HeartbeatAt    time.Time
	LeaseExpiresAt time.Time
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	ID          string
	Name        string
	Provider    string
	PitchShift  float64
	SpeedFactor float64
	Metadata    map[string]string
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	Role       string // "system", "user", "assistant", or "tool".
	Content    string
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	Name                string
	Description         string
	Parameters          map[string]any
	EstimatedDurationMs int
	MaxDurationMs       int
	Idempotent          bool
	CacheableSeconds    int
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsVision      bool
	SupportsStreaming   bool
}

// KeywordBoost represents a keyword to boost in STT recognition.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// VADEventType enumerates voice-activity-detection states.
type VADEventType int

const (
	VADSpeechStart VADEventType = iota
	VADSpeechContinue
	VADSpeechEnd
	VADSilence
)

// VADEvent is the detection result for a single audio frame.
type VADEvent struct {
	Type        VADEventType
	Probability float64
}

// BudgetTier controls which tools are visible to the LLM based on latency
// constraints.
type BudgetTier int

const (
	BudgetFast BudgetTier = iota
	BudgetStandard
	BudgetDeep
)

// String returns the human-readable name of the budget tier.
func (t BudgetTier) String() string {
	switch t {
	case BudgetFast:
		return "FAST"
	case BudgetStandard:
		return "STANDARD"
	case BudgetDeep:
		return "DEEP"
	default:
		return "UNKNOWN"
	}
}

// MaxLatencyMs returns the maximum tool latency tolerated by this tier.
func (t BudgetTier) MaxLatencyMs() int {
	switch t {
	case BudgetFast:
		return 500
	case BudgetStandard:
		return 1500
	case BudgetDeep:
		return 4000
	default:
		return 500
	}
}

// ToolMode gates which categories of tool may be offered to the LLM.
type ToolMode string

const (
	ToolModeOff            ToolMode = "off"
	ToolModeReadOnly       ToolMode = "read_only"
	ToolModeReadWrite      ToolMode = "read_write"
	ToolModeFull           ToolMode = "full"
	ToolModeFullNoApproval ToolMode = "full_no_approval"
)

// RuntimeState is the Pipeline Coordinator's lifecycle state.
type RuntimeState string

const (
	RuntimeStopped  RuntimeState = "stopped"
	RuntimeStarting RuntimeState = "starting"
	RuntimeRunning  RuntimeState = "running"
	RuntimeStopping RuntimeState = "stopping"
	RuntimeError    RuntimeState = "error"
)

// GateState is the Conversation Gate's state machine state.
type GateState string

const (
	GateInactive GateState = "inactive"
	GateActive   GateState = "active"
	GateIdle     GateState = "idle"
)

// StopReason explains why an LLM turn ended.
type StopReason string

const (
	StopReasonNatural   StopReason = "natural"
	StopReasonMaxTurns  StopReason = "max_turns"
	StopReasonError     StopReason = "error"
	StopReasonInterrupt StopReason = "interrupt"
)
