package host_test

import (
	"context"
	"testing"

	"github.com/fae-run/fae-core/internal/host"
	"github.com/fae-run/fae-core/pkg/events"
)

// stubHandler implements host.Handler with just enough behavior to exercise
// the Boundary's routing, versioning, and panic-recovery logic in isolation
// from any real pipeline/scheduler wiring.
type stubHandler struct {
	pingCalls int
	panicOn   string
}

func (s *stubHandler) Ping(ctx context.Context) (map[string]any, error) {
	s.pingCalls++
	return map[string]any{"pong": true}, nil
}
func (s *stubHandler) Version(ctx context.Context) (host.VersionInfo, error) {
	return host.VersionInfo{Supported: host.SupportedVersions}, nil
}
func (s *stubHandler) RuntimeStart(ctx context.Context) error { return nil }
func (s *stubHandler) RuntimeStop(ctx context.Context) error  { return nil }
func (s *stubHandler) RuntimeStatus(ctx context.Context) (host.RuntimeStatusPayload, error) {
	return host.RuntimeStatusPayload{State: "stopped"}, nil
}
func (s *stubHandler) ConversationInjectText(ctx context.Context, text string) error {
	if s.panicOn == "conversation.inject_text" {
		panic("boom")
	}
	return nil
}
func (s *stubHandler) ConversationGateSet(ctx context.Context, state string) error { return nil }
func (s *stubHandler) ApprovalRespond(ctx context.Context, requestID string, approve bool) error {
	return nil
}
func (s *stubHandler) SchedulerList(ctx context.Context) ([]host.TaskPayload, error) { return nil, nil }
func (s *stubHandler) SchedulerCreate(ctx context.Context, task host.TaskPayload) error { return nil }
func (s *stubHandler) SchedulerUpdate(ctx context.Context, task host.TaskPayload) error { return nil }
func (s *stubHandler) SchedulerDelete(ctx context.Context, id string) error {
	return &host.CommandError{Code: host.CodeNotFound, Message: "no such task"}
}
func (s *stubHandler) SchedulerTriggerNow(ctx context.Context, id string) error { return nil }
func (s *stubHandler) OrbPaletteSet(ctx context.Context, payload map[string]any) error { return nil }
func (s *stubHandler) OrbPaletteClear(ctx context.Context) error                       { return nil }
func (s *stubHandler) DeviceMove(ctx context.Context, payload map[string]any) error    { return nil }
func (s *stubHandler) DeviceGoHome(ctx context.Context) error                          { return nil }
func (s *stubHandler) CapabilityRequest(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return map[string]any{"requested": true}, nil
}
func (s *stubHandler) CapabilityGrant(ctx context.Context, payload map[string]any) error { return nil }
func (s *stubHandler) ConfigGet(ctx context.Context, keys []string) (map[string]any, error) {
	return map[string]any{}, nil
}
func (s *stubHandler) ConfigPatch(ctx context.Context, patch map[string]any) error { return nil }

func TestBoundary_Dispatch_Ping(t *testing.T) {
	b := host.New(&stubHandler{}, nil)
	resp := b.Dispatch(context.Background(), events.CommandEnvelope{V: 1, RequestID: "r1", Command: "host.ping"})
	if !resp.Ok {
		t.Fatalf("expected ok response, got error %+v", resp.Error)
	}
	if resp.RequestID != "r1" {
		t.Errorf("RequestID: got %q, want r1", resp.RequestID)
	}
}

func TestBoundary_Dispatch_UnknownCommand(t *testing.T) {
	b := host.New(&stubHandler{}, nil)
	resp := b.Dispatch(context.Background(), events.CommandEnvelope{V: 1, RequestID: "r2", Command: "nope.nope"})
	if resp.Ok {
		t.Fatal("expected error response for unknown command")
	}
	if resp.Error.Code != host.CodeUnknownCommand {
		t.Errorf("Code: got %q, want %q", resp.Error.Code, host.CodeUnknownCommand)
	}
}

func TestBoundary_Dispatch_VersionMismatch(t *testing.T) {
	b := host.New(&stubHandler{}, nil)
	resp := b.Dispatch(context.Background(), events.CommandEnvelope{V: 2, RequestID: "r3", Command: "host.ping"})
	if resp.Ok {
		t.Fatal("expected error response for unsupported version")
	}
	if resp.Error.Code != host.CodeVersionUnsupported {
		t.Errorf("Code: got %q, want %q", resp.Error.Code, host.CodeVersionUnsupported)
	}
}

func TestBoundary_Dispatch_HandlerErrorPropagatesCode(t *testing.T) {
	b := host.New(&stubHandler{}, nil)
	resp := b.Dispatch(context.Background(), events.CommandEnvelope{V: 1, RequestID: "r4", Command: "scheduler.delete", Payload: map[string]any{"id": "x"}})
	if resp.Ok {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != host.CodeNotFound {
		t.Errorf("Code: got %q, want %q", resp.Error.Code, host.CodeNotFound)
	}
}

func TestBoundary_Dispatch_RecoversPanic(t *testing.T) {
	b := host.New(&stubHandler{panicOn: "conversation.inject_text"}, nil)
	resp := b.Dispatch(context.Background(), events.CommandEnvelope{
		V: 1, RequestID: "r5", Command: "conversation.inject_text", Payload: map[string]any{"text": "hi"},
	})
	if resp.Ok {
		t.Fatal("expected error response from recovered panic")
	}
	if resp.Error.Code != host.CodeInternal {
		t.Errorf("Code: got %q, want %q", resp.Error.Code, host.CodeInternal)
	}
}

func TestBoundary_DispatchJSON_RoundTrip(t *testing.T) {
	b := host.New(&stubHandler{}, nil)
	req := []byte(`{"v":1,"request_id":"r6","command":"host.ping"}`)
	resp := b.DispatchJSON(context.Background(), req)
	if len(resp) == 0 {
		t.Fatal("expected non-empty response")
	}
}

func TestBoundary_DispatchJSON_MalformedEnvelope(t *testing.T) {
	b := host.New(&stubHandler{}, nil)
	resp := b.DispatchJSON(context.Background(), []byte(`not json`))
	if len(resp) == 0 {
		t.Fatal("expected non-empty error response")
	}
}
