package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fae-run/fae-core/internal/config"
	"github.com/fae-run/fae-core/internal/pipeline"
	"github.com/fae-run/fae-core/internal/scheduler"
	"github.com/fae-run/fae-core/pkg/events"
	"github.com/fae-run/fae-core/pkg/types"
)

// CoreHandler is the production Handler: it proxies command traffic onto a
// pipeline.Runtime and scheduler.Scheduler/TaskRegistry, and answers
// config.get/patch against a bounded whitelist of keys.
type CoreHandler struct {
	runtime   *pipeline.Runtime
	scheduler *scheduler.Scheduler
	tasks     *scheduler.TaskRegistry
	startedAt time.Time

	cfgMu sync.RWMutex
	cfg   *config.Config
}

// NewCoreHandler wires runtime, sched, and tasks into a Handler. cfg is the
// live configuration config.get/patch read and mutate; CoreHandler takes
// ownership of synchronizing access to it.
func NewCoreHandler(runtime *pipeline.Runtime, sched *scheduler.Scheduler, tasks *scheduler.TaskRegistry, cfg *config.Config, startedAt time.Time) *CoreHandler {
	return &CoreHandler{runtime: runtime, scheduler: sched, tasks: tasks, cfg: cfg, startedAt: startedAt}
}

func (h *CoreHandler) Ping(ctx context.Context) (map[string]any, error) {
	return map[string]any{"pong": true}, nil
}

func (h *CoreHandler) Version(ctx context.Context) (VersionInfo, error) {
	return VersionInfo{Supported: SupportedVersions}, nil
}

func (h *CoreHandler) RuntimeStart(ctx context.Context) error {
	err := h.runtime.Start(ctx)
	if err == pipeline.ErrAlreadyRunning {
		return &CommandError{Code: CodeAlreadyRunning, Message: err.Error()}
	}
	return err
}

func (h *CoreHandler) RuntimeStop(ctx context.Context) error {
	return h.runtime.Stop(ctx)
}

func (h *CoreHandler) RuntimeStatus(ctx context.Context) (RuntimeStatusPayload, error) {
	state := h.runtime.State()
	payload := RuntimeStatusPayload{State: string(state)}
	if state == types.RuntimeRunning || state == types.RuntimeStarting {
		payload.UptimeSecs = time.Since(h.startedAt).Seconds()
	}
	return payload, nil
}

func (h *CoreHandler) coordinator() (*pipeline.Coordinator, error) {
	c := h.runtime.Coordinator()
	if c == nil {
		return nil, &CommandError{Code: CodeNotRunning, Message: ErrNotRunning.Error()}
	}
	return c, nil
}

func (h *CoreHandler) ConversationInjectText(ctx context.Context, text string) error {
	c, err := h.coordinator()
	if err != nil {
		return err
	}
	c.InjectText(ctx, text)
	return nil
}

func (h *CoreHandler) ConversationGateSet(ctx context.Context, state string) error {
	c, err := h.coordinator()
	if err != nil {
		return err
	}
	gs := types.GateState(state)
	switch gs {
	case types.GateInactive, types.GateActive, types.GateIdle:
	default:
		return &CommandError{Code: CodeInvalidPayload, Message: fmt.Sprintf("unknown gate state %q", state)}
	}
	c.SetGate(gs)
	return nil
}

func (h *CoreHandler) ApprovalRespond(ctx context.Context, requestID string, approve bool) error {
	c, err := h.coordinator()
	if err != nil {
		return err
	}
	c.ResolveApproval(requestID, approve)
	return nil
}

func (h *CoreHandler) SchedulerList(ctx context.Context) ([]TaskPayload, error) {
	tasks, err := h.tasks.List()
	if err != nil {
		return nil, err
	}
	out := make([]TaskPayload, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToPayload(t))
	}
	return out, nil
}

func (h *CoreHandler) SchedulerCreate(ctx context.Context, task TaskPayload) error {
	t, err := payloadToTask(task)
	if err != nil {
		return &CommandError{Code: CodeInvalidPayload, Message: err.Error()}
	}
	return h.tasks.Upsert(t)
}

func (h *CoreHandler) SchedulerUpdate(ctx context.Context, task TaskPayload) error {
	return h.SchedulerCreate(ctx, task)
}

func (h *CoreHandler) SchedulerDelete(ctx context.Context, id string) error {
	ok, err := h.tasks.Delete(id)
	if err != nil {
		return err
	}
	if !ok {
		return &CommandError{Code: CodeNotFound, Message: fmt.Sprintf("no task %q", id)}
	}
	return nil
}

func (h *CoreHandler) SchedulerTriggerNow(ctx context.Context, id string) error {
	err := h.scheduler.TriggerNow(ctx, id)
	switch err {
	case scheduler.ErrTaskNotFound:
		return &CommandError{Code: CodeNotFound, Message: err.Error()}
	case scheduler.ErrNotLeader:
		return &CommandError{Code: CodeNotLeader, Message: err.Error()}
	}
	return err
}

func (h *CoreHandler) OrbPaletteSet(ctx context.Context, payload map[string]any) error {
	c, err := h.coordinator()
	if err != nil {
		return err
	}
	c.PublishControl(events.ControlOrbPalette, payload)
	return nil
}

func (h *CoreHandler) OrbPaletteClear(ctx context.Context) error {
	c, err := h.coordinator()
	if err != nil {
		return err
	}
	c.PublishControl(events.ControlOrbPalette, map[string]any{"clear": true})
	return nil
}

func (h *CoreHandler) DeviceMove(ctx context.Context, payload map[string]any) error {
	c, err := h.coordinator()
	if err != nil {
		return err
	}
	c.PublishControl(events.ControlDeviceHint, payload)
	return nil
}

func (h *CoreHandler) DeviceGoHome(ctx context.Context) error {
	c, err := h.coordinator()
	if err != nil {
		return err
	}
	c.PublishControl(events.ControlDeviceHint, map[string]any{"action": "go_home"})
	return nil
}

func (h *CoreHandler) CapabilityRequest(ctx context.Context, payload map[string]any) (map[string]any, error) {
	c, err := h.coordinator()
	if err != nil {
		return nil, err
	}
	c.PublishControl(events.ControlCapability, payload)
	return map[string]any{"requested": true}, nil
}

func (h *CoreHandler) CapabilityGrant(ctx context.Context, payload map[string]any) error {
	c, err := h.coordinator()
	if err != nil {
		return err
	}
	c.PublishControl(events.ControlCapability, payload)
	return nil
}

func (h *CoreHandler) ConfigGet(ctx context.Context, keys []string) (map[string]any, error) {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok := configGet(h.cfg, k)
		if !ok {
			return nil, &CommandError{Code: CodeInvalidPayload, Message: fmt.Sprintf("unknown config key %q", k)}
		}
		out[k] = v
	}
	return out, nil
}

func (h *CoreHandler) ConfigPatch(ctx context.Context, patch map[string]any) error {
	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()

	for k, v := range patch {
		if err := configSet(h.cfg, k, v); err != nil {
			return &CommandError{Code: CodeInvalidPayload, Message: err.Error()}
		}
	}
	return nil
}
