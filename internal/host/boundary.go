package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fae-run/fae-core/internal/observe"
	"github.com/fae-run/fae-core/pkg/events"
)

// SupportedVersions lists the envelope major versions this Boundary accepts.
// Additive fields land within v1; a breaking change gets its own entry here
// and v1 support is dropped only once every embedder has migrated.
var SupportedVersions = []int{1}

// commandFunc dispatches one decoded CommandEnvelope.Payload to its Handler
// method and returns the (to-be-encoded) response payload.
type commandFunc func(ctx context.Context, h Handler, payload json.RawMessage) (any, error)

// Boundary is the Host Command/Event Boundary's router: it validates and
// dispatches CommandEnvelopes to a Handler, serializes the result into a
// ResponseEnvelope, and forwards RuntimeEvents as EventEnvelopes to every
// Subscribe caller. One Boundary serves both Mode A (embedded) and Mode B
// (IPC) transports identically — neither transport has its own dispatch
// logic.
type Boundary struct {
	handler Handler
	metrics *observe.Metrics
	clock   events.Clock
	table   map[string]commandFunc
}

// New returns a Boundary dispatching onto handler. metrics may be nil in
// tests that don't care about SLO instrumentation.
func New(handler Handler, metrics *observe.Metrics) *Boundary {
	b := &Boundary{handler: handler, metrics: metrics, clock: events.RealClock{}}
	b.table = commandTable()
	return b
}

// Dispatch routes one CommandEnvelope to its handler and returns the
// ResponseEnvelope to send back, recovering from any panic in the handler
// so a handler bug becomes an error response instead of a crash. The FFI
// boundary is the last line of defense.
func (b *Boundary) Dispatch(ctx context.Context, req events.CommandEnvelope) (resp events.ResponseEnvelope) {
	start := time.Now()
	if b.metrics != nil {
		defer func() {
			b.metrics.HostDispatchDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	resp.V = 1
	resp.RequestID = req.RequestID

	defer func() {
		if r := recover(); r != nil {
			slog.Error("host: handler panicked", "command", req.Command, "recover", r)
			resp = errorResponse(req.RequestID, CodeInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if req.V != 1 {
		return errorResponse(req.RequestID, CodeVersionUnsupported, fmt.Sprintf("envelope version %d is not supported", req.V))
	}

	fn, ok := b.table[req.Command]
	if !ok {
		return errorResponse(req.RequestID, CodeUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}

	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return errorResponse(req.RequestID, CodeInvalidPayload, "payload is not valid JSON: "+err.Error())
	}

	payload, err := fn(ctx, b.handler, raw)
	if err != nil {
		var ce *CommandError
		if ok := asCommandError(err, &ce); ok {
			return errorResponse(req.RequestID, ce.Code, ce.Message)
		}
		return errorResponse(req.RequestID, CodeInternal, err.Error())
	}

	resp.Ok = true
	resp.Payload = payload
	return resp
}

// DispatchJSON is the line-delimited-JSON entry point used by Mode B (and
// the optional websocket bridge): decode, Dispatch, re-encode.
func (b *Boundary) DispatchJSON(ctx context.Context, line []byte) []byte {
	var req events.CommandEnvelope
	if err := json.Unmarshal(line, &req); err != nil {
		out, _ := json.Marshal(errorResponse("", CodeInvalidPayload, "malformed envelope: "+err.Error()))
		return out
	}
	resp := b.Dispatch(ctx, req)
	out, err := json.Marshal(resp)
	if err != nil {
		// resp.Payload came from a Handler we don't control; fall back to an
		// envelope we know encodes cleanly rather than returning nothing.
		fallback, _ := json.Marshal(errorResponse(req.RequestID, CodeInternal, "response payload is not JSON-encodable"))
		return fallback
	}
	return out
}

func asCommandError(err error, target **CommandError) bool {
	if ce, ok := err.(*CommandError); ok {
		*target = ce
		return true
	}
	return false
}

func errorResponse(requestID, code, message string) events.ResponseEnvelope {
	return events.ResponseEnvelope{
		V:         1,
		RequestID: requestID,
		Ok:        false,
		Error:     &events.ErrorPayload{Code: code, Message: message},
	}
}

// newRequestID generates a request_id for envelopes the Boundary originates
// itself (event forwarding has no inbound request to echo).
func newRequestID() string {
	return uuid.NewString()
}
