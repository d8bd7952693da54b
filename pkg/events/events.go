// Package events defines RuntimeEvent, the tagged union of everything the
// Pipeline Coordinator, Memory Store, and Scheduler Authority publish onto
// the Event Bus, plus the wire envelopes the Host Command/Event Boundary
// uses to carry commands and events across a transport.
//
// RuntimeEvent has no single concrete type; each variant is its own struct
// implementing the RuntimeEvent marker interface. Callers type-switch on the
// concrete type to handle a specific kind.
package events

import (
	"time"

	"github.com/fae-run/fae-core/pkg/types"
)

// RuntimeEvent is implemented by every event kind the Event Bus transports.
// Kind returns a stable string identifier used for envelope encoding and for
// the Event Bus's per-kind coalescing policy.
type RuntimeEvent interface {
	Kind() string
}

// TranscriptionEvent wraps a speech-to-text result, partial or final.
type TranscriptionEvent struct {
	types.Transcription
}

// Kind implements RuntimeEvent.
func (TranscriptionEvent) Kind() string { return "transcription" }

// AssistantSentenceEvent carries one complete sentence (or generation
// boundary) emitted by the LLM stage to TTS.
type AssistantSentenceEvent struct {
	types.SentenceChunk
}

// Kind implements RuntimeEvent.
func (AssistantSentenceEvent) Kind() string { return "assistant_sentence" }

// AssistantGeneratingEvent reports whether the LLM stage is actively
// generating a response.
type AssistantGeneratingEvent struct {
	Active bool
}

// Kind implements RuntimeEvent.
func (AssistantGeneratingEvent) Kind() string { return "assistant_generating" }

// ToolCallEvent announces that the LLM stage requested a tool invocation.
type ToolCallEvent struct {
	ID        string
	Name      string
	InputJSON string
}

// Kind implements RuntimeEvent.
func (ToolCallEvent) Kind() string { return "tool_call" }

// ToolResultEvent announces the outcome of a tool invocation.
type ToolResultEvent struct {
	ID         string
	Name       string
	Success    bool
	OutputText string
}

// Kind implements RuntimeEvent.
func (ToolResultEvent) Kind() string { return "tool_result" }

// ToolExecutingEvent announces that a tool invocation is in flight, before
// its result is known.
type ToolExecutingEvent struct {
	ID   string
	Name string
}

// Kind implements RuntimeEvent.
func (ToolExecutingEvent) Kind() string { return "tool_executing" }

// ToolApprovalRequestEvent asks the host to approve or deny a pending tool
// call before it executes, used when the LLM stage's tool mode is
// types.ToolModeFull (approval required for every call).
type ToolApprovalRequestEvent struct {
	ID        string
	Name      string
	InputJSON string
}

// Kind implements RuntimeEvent.
func (ToolApprovalRequestEvent) Kind() string { return "tool_approval_request" }

// AssistantAudioLevelEvent reports a coarse RMS level for UI metering.
// High-frequency; the Event Bus coalesces this kind to the latest value.
type AssistantAudioLevelEvent struct {
	RMS float64
}

// Kind implements RuntimeEvent.
func (AssistantAudioLevelEvent) Kind() string { return "assistant_audio_level" }

// MemoryRecallEvent reports how many memory records were recalled for a
// turn and how much of the character budget was consumed.
type MemoryRecallEvent struct {
	Hits      int
	BudgetUsed int
}

// Kind implements RuntimeEvent.
func (MemoryRecallEvent) Kind() string { return "memory_recall" }

// MemoryWriteEvent reports that a memory mutation completed.
type MemoryWriteEvent struct {
	Kind_  types.MemoryKind
	Status types.MemoryStatus
}

// Kind implements RuntimeEvent.
func (MemoryWriteEvent) Kind() string { return "memory_write" }

// ControlKind enumerates the control-plane sub-events carried by
// ControlEvent, covering conditions that don't fit the other typed kinds
// (gate transitions, barge-in, device/orb pass-through hints).
type ControlKind string

const (
	ControlGateChanged  ControlKind = "gate_changed"
	ControlBargeIn      ControlKind = "barge_in"
	ControlOrbPalette   ControlKind = "orb_palette"
	ControlDeviceHint   ControlKind = "device_hint"
	ControlCapability   ControlKind = "capability"
)

// ControlEvent is a catch-all for control-plane notifications that are not
// frequent enough or structured enough to warrant their own RuntimeEvent
// variant.
type ControlEvent struct {
	ControlKind ControlKind
	Payload     map[string]any
}

// Kind implements RuntimeEvent.
func (ControlEvent) Kind() string { return "control" }

// ModelSelectionPromptEvent asks the host to pick among candidate
// provider/model pairs within a timeout, used when more than one model
// satisfies a request's capability requirements.
type ModelSelectionPromptEvent struct {
	Candidates  []string
	TimeoutSecs int
}

// Kind implements RuntimeEvent.
func (ModelSelectionPromptEvent) Kind() string { return "model_selection_prompt" }

// ModelSelectedEvent reports the resolved provider/model pair for a pending
// selection.
type ModelSelectedEvent struct {
	ProviderModel string
}

// Kind implements RuntimeEvent.
func (ModelSelectedEvent) Kind() string { return "model_selected" }

// SchedulerTaskResultEvent reports the outcome of a scheduled task
// execution.
type SchedulerTaskResultEvent struct {
	TaskID  string
	Outcome types.TaskOutcome
}

// Kind implements RuntimeEvent.
func (SchedulerTaskResultEvent) Kind() string { return "scheduler_task_result" }

// SchedulerNeedsUserActionEvent asks the host to surface a prompt to the
// user on behalf of a scheduled task that cannot proceed unattended.
type SchedulerNeedsUserActionEvent struct {
	Prompt string
}

// Kind implements RuntimeEvent.
func (SchedulerNeedsUserActionEvent) Kind() string { return "scheduler_needs_user_action" }

// RuntimeStateEvent reports the Pipeline Coordinator's lifecycle state.
type RuntimeStateEvent struct {
	State types.RuntimeState
}

// Kind implements RuntimeEvent.
func (RuntimeStateEvent) Kind() string { return "runtime_state" }

// RuntimeProgressEvent reports coarse progress for a long-running startup
// stage (e.g. model download/load). The Event Bus coalesces successive
// events sharing the same Stage to the latest.
type RuntimeProgressEvent struct {
	Stage         string
	FilesComplete int
	FilesTotal    int
	Message       string
}

// Kind implements RuntimeEvent.
func (RuntimeProgressEvent) Kind() string { return "runtime_progress" }

// CommandEnvelope is the wire shape of a client request to the Host
// Command/Event Boundary.
type CommandEnvelope struct {
	V         int    `json:"v"`
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	Payload   any    `json:"payload,omitempty"`
}

// ResponseEnvelope is the wire shape of the Boundary's reply to a
// CommandEnvelope. Exactly one of Payload or Error is set when Ok is false;
// Payload is set (possibly nil) when Ok is true.
type ResponseEnvelope struct {
	V         int    `json:"v"`
	RequestID string `json:"request_id"`
	Ok        bool   `json:"ok"`
	Payload   any    `json:"payload,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload carries a machine-readable error code alongside a
// human-readable message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventEnvelope is the wire shape of one RuntimeEvent forwarded to
// subscribers across a transport boundary.
type EventEnvelope struct {
	V       int    `json:"v"`
	EventID string `json:"event_id"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Clock abstracts time.Now for deterministic envelope/event-id stamping in
// tests; production code uses RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }
