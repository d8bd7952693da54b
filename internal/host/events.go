package host

import (
	"context"
	"time"

	"github.com/fae-run/fae-core/internal/observe"
	"github.com/fae-run/fae-core/pkg/events"
	"github.com/fae-run/fae-core/pkg/eventbus"
)

// eventName maps a RuntimeEvent to its wire name and JSON payload.
// Every RuntimeEvent variant must have an entry here; an unmapped kind
// indicates a RuntimeEvent was added to pkg/events without updating the
// Boundary.
func eventName(ev events.RuntimeEvent) (string, any) {
	switch e := ev.(type) {
	case events.TranscriptionEvent:
		return "pipeline.transcription", e
	case events.AssistantSentenceEvent:
		return "pipeline.assistant_sentence", e
	case events.AssistantGeneratingEvent:
		return "pipeline.generating", e
	case events.ToolCallEvent:
		return "pipeline.tool_call", e
	case events.ToolExecutingEvent:
		return "pipeline.tool_executing", e
	case events.ToolResultEvent:
		return "pipeline.tool_result", e
	case events.ToolApprovalRequestEvent:
		return "pipeline.tool_approval_request", e
	case events.AssistantAudioLevelEvent:
		return "pipeline.audio_level", e
	case events.MemoryRecallEvent:
		return "pipeline.memory_recall", e
	case events.MemoryWriteEvent:
		return "pipeline.memory_write", e
	case events.ControlEvent:
		return "control." + string(e.ControlKind), e.Payload
	case events.ModelSelectionPromptEvent:
		return "model.selection_prompt", e
	case events.ModelSelectedEvent:
		return "model.selected", e
	case events.SchedulerTaskResultEvent:
		return "scheduler.task_result", e
	case events.SchedulerNeedsUserActionEvent:
		return "scheduler.needs_user_action", e
	case events.RuntimeStateEvent:
		return "runtime.state", e
	case events.RuntimeProgressEvent:
		return "runtime.progress", e
	default:
		return "unknown", ev
	}
}

// EventSubscription forwards every RuntimeEvent published on a Bus to a
// channel of EventEnvelopes, translating kind and recording
// EventDeliveryDuration. Both transports (Mode A's in-process subscriber and
// Mode B's per-connection fan-out) consume the same Envelopes() channel
// shape.
type EventSubscription struct {
	sub     *eventbus.Subscription
	out     chan events.EventEnvelope
	metrics *observe.Metrics
	clock   events.Clock
}

// Subscribe opens a new EventSubscription on bus with the given backlog
// capacity (eventbus.DefaultQueueCapacity if capacity <= 0).
func (b *Boundary) Subscribe(bus *eventbus.Bus, capacity int) *EventSubscription {
	if capacity <= 0 {
		capacity = eventbus.DefaultQueueCapacity
	}
	s := &EventSubscription{
		sub:     bus.Subscribe(capacity),
		out:     make(chan events.EventEnvelope, capacity),
		metrics: b.metrics,
		clock:   b.clock,
	}
	go s.pump()
	return s
}

// Envelopes returns the channel of translated EventEnvelopes. Closed once
// the underlying subscription drains after Close.
func (s *EventSubscription) Envelopes() <-chan events.EventEnvelope {
	return s.out
}

// Close releases the underlying Event Bus subscription.
func (s *EventSubscription) Close() {
	s.sub.Close()
}

func (s *EventSubscription) pump() {
	defer close(s.out)
	for ev := range s.sub.Events() {
		start := time.Now()
		name, payload := eventName(ev)
		env := events.EventEnvelope{V: 1, EventID: newRequestID(), Event: name, Payload: payload}
		if s.metrics != nil {
			s.metrics.EventDeliveryDuration.Record(context.Background(), time.Since(start).Seconds())
		}
		s.out <- env
	}
}
