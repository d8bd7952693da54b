package host

import (
	"context"
	"encoding/json"
	"fmt"
)

// commandTable builds the dispatch table mapping every v1 command name to a
// commandFunc that decodes its payload and calls the matching Handler
// method.
func commandTable() map[string]commandFunc {
	return map[string]commandFunc{
		"host.ping":    func(ctx context.Context, h Handler, _ json.RawMessage) (any, error) { return h.Ping(ctx) },
		"host.version": func(ctx context.Context, h Handler, _ json.RawMessage) (any, error) { return h.Version(ctx) },

		"runtime.start": func(ctx context.Context, h Handler, _ json.RawMessage) (any, error) {
			return nil, h.RuntimeStart(ctx)
		},
		"runtime.stop": func(ctx context.Context, h Handler, _ json.RawMessage) (any, error) {
			return nil, h.RuntimeStop(ctx)
		},
		"runtime.status": func(ctx context.Context, h Handler, _ json.RawMessage) (any, error) {
			return h.RuntimeStatus(ctx)
		},

		"conversation.inject_text": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.ConversationInjectText(ctx, p.Text)
		},
		"conversation.gate_set": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p struct {
				State string `json:"state"`
			}
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.ConversationGateSet(ctx, p.State)
		},

		"approval.respond": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p struct {
				ID      string `json:"id"`
				Approve bool   `json:"approve"`
			}
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.ApprovalRespond(ctx, p.ID, p.Approve)
		},

		"scheduler.list": func(ctx context.Context, h Handler, _ json.RawMessage) (any, error) {
			return h.SchedulerList(ctx)
		},
		"scheduler.create": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p TaskPayload
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.SchedulerCreate(ctx, p)
		},
		"scheduler.update": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p TaskPayload
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.SchedulerUpdate(ctx, p)
		},
		"scheduler.delete": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.SchedulerDelete(ctx, p.ID)
		},
		"scheduler.trigger_now": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.SchedulerTriggerNow(ctx, p.ID)
		},

		"orb.palette.set": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p map[string]any
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.OrbPaletteSet(ctx, p)
		},
		"orb.palette.clear": func(ctx context.Context, h Handler, _ json.RawMessage) (any, error) {
			return nil, h.OrbPaletteClear(ctx)
		},

		"device.move": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p map[string]any
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.DeviceMove(ctx, p)
		},
		"device.go_home": func(ctx context.Context, h Handler, _ json.RawMessage) (any, error) {
			return nil, h.DeviceGoHome(ctx)
		},

		"capability.request": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p map[string]any
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return h.CapabilityRequest(ctx, p)
		},
		"capability.grant": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p map[string]any
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.CapabilityGrant(ctx, p)
		},

		"config.get": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p struct {
				Keys []string `json:"keys"`
			}
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return h.ConfigGet(ctx, p.Keys)
		},
		"config.patch": func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
			var p map[string]any
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.ConfigPatch(ctx, p)
		},
	}
}

// decode unmarshals raw into target, translating a malformed payload into a
// *CommandError so the Boundary reports INVALID_PAYLOAD rather than INTERNAL.
func decode(raw json.RawMessage, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &CommandError{Code: CodeInvalidPayload, Message: fmt.Sprintf("decode payload: %v", err)}
	}
	return nil
}
