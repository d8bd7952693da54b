// Package host implements the Host Command/Event Boundary: the single
// surface through which an embedding application (Mode A, in-process) or a
// local IPC client (Mode B, Unix-domain socket) drives the Pipeline
// Coordinator, Scheduler Authority, and Memory Store, and receives their
// RuntimeEvents back as EventEnvelopes.
//
// Handler is the typed surface the Boundary's router dispatches onto, one
// method per v1 command. CoreHandler is the production implementation,
// wiring a pipeline.Runtime and scheduler.Scheduler; tests may substitute
// their own Handler to exercise the Boundary's envelope/versioning/dispatch
// logic in isolation.
package host

import (
	"context"
	"errors"
)

// ErrNotRunning is returned by Handler methods that require a live
// Coordinator (conversation/approval commands) when the pipeline is
// currently Stopped.
var ErrNotRunning = errors.New("host: pipeline is not running")

// VersionInfo answers host.version.
type VersionInfo struct {
	Supported []int `json:"supported"`
}

// RuntimeStatusPayload answers runtime.status.
type RuntimeStatusPayload struct {
	State      string  `json:"state"`
	UptimeSecs float64 `json:"uptime_secs,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// SchedulePayload is the wire shape of a task's recurrence rule, matching
// the persisted scheduler.json layout.
type SchedulePayload struct {
	Type     string `json:"type"`
	Interval string `json:"interval,omitempty"`
	Hour     int    `json:"hour,omitempty"`
	Minute   int    `json:"minute,omitempty"`
	Weekday  int    `json:"weekday,omitempty"`
}

// TaskPayload is the wire shape of a types.ScheduledTask for the
// scheduler.list/create/update commands.
type TaskPayload struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Schedule SchedulePayload `json:"schedule"`
	LastRun  *string         `json:"last_run,omitempty"`
	Enabled  bool            `json:"enabled"`
}

// Handler exposes one method per v1 command. Every method's error
// return, if non-nil, becomes a ResponseEnvelope{ok:false}; wrap it in a
// *CommandError to control the wire error code, otherwise the Boundary
// reports INTERNAL.
type Handler interface {
	Ping(ctx context.Context) (map[string]any, error)
	Version(ctx context.Context) (VersionInfo, error)

	RuntimeStart(ctx context.Context) error
	RuntimeStop(ctx context.Context) error
	RuntimeStatus(ctx context.Context) (RuntimeStatusPayload, error)

	ConversationInjectText(ctx context.Context, text string) error
	ConversationGateSet(ctx context.Context, state string) error

	ApprovalRespond(ctx context.Context, requestID string, approve bool) error

	SchedulerList(ctx context.Context) ([]TaskPayload, error)
	SchedulerCreate(ctx context.Context, task TaskPayload) error
	SchedulerUpdate(ctx context.Context, task TaskPayload) error
	SchedulerDelete(ctx context.Context, id string) error
	SchedulerTriggerNow(ctx context.Context, id string) error

	OrbPaletteSet(ctx context.Context, payload map[string]any) error
	OrbPaletteClear(ctx context.Context) error

	DeviceMove(ctx context.Context, payload map[string]any) error
	DeviceGoHome(ctx context.Context) error

	CapabilityRequest(ctx context.Context, payload map[string]any) (map[string]any, error)
	CapabilityGrant(ctx context.Context, payload map[string]any) error

	ConfigGet(ctx context.Context, keys []string) (map[string]any, error)
	ConfigPatch(ctx context.Context, patch map[string]any) error
}

// CommandError carries a machine-readable code alongside a message, letting
// a Handler control exactly what a failed command's ResponseEnvelope.Error
// looks like on the wire.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string { return e.Code + ": " + e.Message }

// Well-known CommandError codes. Handlers may also mint their own; the
// Boundary passes any *CommandError's Code through verbatim.
const (
	CodeVersionUnsupported = "VERSION_UNSUPPORTED"
	CodeUnknownCommand     = "UNKNOWN_COMMAND"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeAlreadyRunning     = "ALREADY_RUNNING"
	CodeNotRunning         = "NOT_RUNNING"
	CodeNotFound           = "NOT_FOUND"
	CodeNotLeader          = "NOT_LEADER"
	CodeInternal           = "INTERNAL"
)
