package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/fae-run/fae-core/internal/config"
	"github.com/fae-run/fae-core/internal/mcp"
	mcpmock "github.com/fae-run/fae-core/internal/mcp/mock"
	audiomock "github.com/fae-run/fae-core/pkg/audio/mock"
	"github.com/fae-run/fae-core/pkg/events"
	"github.com/fae-run/fae-core/pkg/eventbus"
	"github.com/fae-run/fae-core/pkg/memory"
	memorymock "github.com/fae-run/fae-core/pkg/memory/mock"
	"github.com/fae-run/fae-core/pkg/provider/llm"
	llmmock "github.com/fae-run/fae-core/pkg/provider/llm/mock"
	ttsmock "github.com/fae-run/fae-core/pkg/provider/tts/mock"
	"github.com/fae-run/fae-core/pkg/types"
)

func newTestEngine(t *testing.T, llmP *llmmock.Provider, toolHost *mcpmock.Host, store *memorymock.Store, bus *eventbus.Bus, llmCfg config.LLMConfig) *turnEngine {
	t.Helper()
	selector := newModelSelector([]candidate{{Name: "mock/model", Provider: llmP, Tier: 1, Priority: 1}}, 0, bus)

	// Avoid typed-nil interfaces: a nil *mock value must become a nil
	// interface so the engine's nil checks behave.
	var memStore memory.Store
	if store != nil {
		memStore = store
	}
	var host mcp.Host
	if toolHost != nil {
		host = toolHost
	}

	return newTurnEngine(
		memStore, host, &ttsmock.Provider{}, &audiomock.Mixer{}, bus, selector, nil,
		types.VoiceProfile{Name: "default"}, llmCfg,
		config.MemoryConfig{Enabled: store != nil, AutoCapture: store != nil, AutoRecall: store != nil, RecallMaxItems: 10, RecallMaxChars: 2000},
	)
}

// drainEvents collects bus events until the predicate is satisfied or the
// timeout elapses, returning everything seen.
func drainEvents(t *testing.T, sub *eventbus.Subscription, done func([]events.RuntimeEvent) bool) []events.RuntimeEvent {
	t.Helper()
	var got []events.RuntimeEvent
	deadline := time.After(2 * time.Second)
	for !done(got) {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out with events: %v", got)
		}
	}
	return got
}

func TestRunTurn_PlainTextStreamsSentencesAndCaptures(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub := bus.Subscribe(64)
	defer sub.Close()

	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Your name is "},
		{Text: "Ailsa. Lovely to hear from you."},
		{FinishReason: "stop"},
	}}
	store := memorymock.New()
	engine := newTestEngine(t, llmP, nil, store, bus, config.LLMConfig{ToolMode: config.ToolModeOff, MaxTurns: 5})

	stop, err := engine.RunTurn(context.Background(), "turn-1", "what's my name?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if stop != types.StopReasonNatural {
		t.Fatalf("stop reason: got %s, want natural", stop)
	}

	var sentences []string
	var genOn, genOff, recall, write bool
	drainEvents(t, sub, func(got []events.RuntimeEvent) bool {
		sentences = sentences[:0]
		genOn, genOff, recall, write = false, false, false, false
		for _, ev := range got {
			switch e := ev.(type) {
			case events.AssistantSentenceEvent:
				sentences = append(sentences, e.Text)
			case events.AssistantGeneratingEvent:
				if e.Active {
					genOn = true
				} else {
					genOff = true
				}
			case events.MemoryRecallEvent:
				recall = true
			case events.MemoryWriteEvent:
				write = true
			}
		}
		return genOn && genOff && recall && write && len(sentences) >= 2
	})

	if sentences[0] != "Your name is Ailsa." {
		t.Errorf("first sentence: got %q", sentences[0])
	}

	// The turn's episode landed in the store.
	audit := store.AuditLog()
	if len(audit) == 0 {
		t.Fatal("expected at least the episode write in the audit log")
	}
}

func TestRunTurn_ToolLoopExecutesAndStopsAtMaxTurns(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub := bus.Subscribe(64)
	defer sub.Close()

	// The mock provider replays the same tool-call response every round, so
	// the loop can only end via MaxTurns.
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "recall_memory", ArgsRaw: `{"query":"name"}`}}},
		{FinishReason: "tool_calls"},
	}}
	toolHost := &mcpmock.Host{}
	toolHost.AvailableToolsResult = []types.ToolDefinition{{Name: "recall_memory", Idempotent: true}}

	engine := newTestEngine(t, llmP, toolHost, nil, bus, config.LLMConfig{
		ToolMode: config.ToolModeReadOnly, MaxTurns: 2, MaxToolCallsPerTurn: 5, ToolTimeoutSecs: 5,
	})

	stop, err := engine.RunTurn(context.Background(), "turn-1", "what do you remember about me?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if stop != types.StopReasonMaxTurns {
		t.Fatalf("stop reason: got %s, want max_turns", stop)
	}
	if got := toolHost.CallCount("ExecuteTool"); got != 2 {
		t.Fatalf("ExecuteTool calls: got %d, want 2 (one per allowed round)", got)
	}

	// Event order per call: tool_call, then tool_executing, then tool_result;
	// the turn ends with a final bounded sentence.
	var order []string
	var finalSentence string
	drainEvents(t, sub, func(got []events.RuntimeEvent) bool {
		order = order[:0]
		finalSentence = ""
		for _, ev := range got {
			switch e := ev.(type) {
			case events.ToolCallEvent, events.ToolExecutingEvent, events.ToolResultEvent:
				order = append(order, ev.Kind())
			case events.AssistantSentenceEvent:
				if e.Final {
					finalSentence = e.Text
				}
			}
		}
		return len(order) >= 6 && finalSentence != ""
	})
	for i := 0; i+2 < len(order); i += 3 {
		if order[i] != "tool_call" || order[i+1] != "tool_executing" || order[i+2] != "tool_result" {
			t.Fatalf("tool event order: got %v", order)
		}
	}
	if finalSentence != "I need to stop here." {
		t.Errorf("final sentence: got %q", finalSentence)
	}
}

func TestRunTurn_FullModeRequiresApproval(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub := bus.Subscribe(64)
	defer sub.Close()

	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{ToolCalls: []types.ToolCall{{ID: "call-9", Name: "write_file", ArgsRaw: `{"path":"a.txt"}`}}},
		{FinishReason: "tool_calls"},
	}}
	toolHost := &mcpmock.Host{}
	toolHost.AvailableToolsResult = []types.ToolDefinition{{Name: "write_file"}}

	engine := newTestEngine(t, llmP, toolHost, nil, bus, config.LLMConfig{
		ToolMode: config.ToolModeFull, MaxTurns: 1, MaxToolCallsPerTurn: 5, ToolTimeoutSecs: 5,
	})

	// Approve the request the moment it appears on the bus. Subscribe before
	// the turn starts so the request cannot be missed.
	approveSub := bus.Subscribe(64)
	defer approveSub.Close()
	go func() {
		for ev := range approveSub.Events() {
			if req, ok := ev.(events.ToolApprovalRequestEvent); ok {
				engine.ResolveApproval(req.ID, true)
				return
			}
		}
	}()

	if _, err := engine.RunTurn(context.Background(), "turn-1", "write it down"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if got := toolHost.CallCount("ExecuteTool"); got != 1 {
		t.Fatalf("ExecuteTool calls: got %d, want 1 (after approval)", got)
	}

	// Approval precedes execution on the event stream.
	var sawApproval bool
	drainEvents(t, sub, func(got []events.RuntimeEvent) bool {
		for _, ev := range got {
			switch ev.(type) {
			case events.ToolApprovalRequestEvent:
				sawApproval = true
			case events.ToolExecutingEvent:
				if !sawApproval {
					t.Fatal("tool executed before approval was requested")
				}
				return true
			}
		}
		return false
	})
}

func TestRunTurn_DeniedApprovalSkipsExecution(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()

	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{ToolCalls: []types.ToolCall{{ID: "call-5", Name: "write_file", ArgsRaw: `{}`}}},
		{FinishReason: "tool_calls"},
	}}
	toolHost := &mcpmock.Host{}
	toolHost.AvailableToolsResult = []types.ToolDefinition{{Name: "write_file"}}

	engine := newTestEngine(t, llmP, toolHost, nil, bus, config.LLMConfig{
		ToolMode: config.ToolModeFull, MaxTurns: 1, MaxToolCallsPerTurn: 5, ToolTimeoutSecs: 5,
	})

	denySub := bus.Subscribe(64)
	defer denySub.Close()
	go func() {
		for ev := range denySub.Events() {
			if req, ok := ev.(events.ToolApprovalRequestEvent); ok {
				engine.ResolveApproval(req.ID, false)
				return
			}
		}
	}()

	if _, err := engine.RunTurn(context.Background(), "turn-1", "write it down"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if got := toolHost.CallCount("ExecuteTool"); got != 0 {
		t.Fatalf("ExecuteTool calls: got %d, want 0 (denied)", got)
	}
}
