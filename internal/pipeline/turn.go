package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fae-run/fae-core/internal/config"
	"github.com/fae-run/fae-core/internal/mcp"
	"github.com/fae-run/fae-core/internal/mcp/tier"
	"github.com/fae-run/fae-core/internal/observe"
	"github.com/fae-run/fae-core/internal/pipeline/capture"
	"github.com/fae-run/fae-core/pkg/audio"
	"github.com/fae-run/fae-core/pkg/events"
	"github.com/fae-run/fae-core/pkg/eventbus"
	"github.com/fae-run/fae-core/pkg/memory"
	"github.com/fae-run/fae-core/pkg/provider/llm"
	"github.com/fae-run/fae-core/pkg/provider/tts"
	"github.com/fae-run/fae-core/pkg/types"
)

// ttsSampleRate is the PCM format Fae's TTS providers are expected to
// synthesize at. The tts.Provider interface does not surface format
// metadata on its audio channel, so the mixer path assumes this rate
// uniformly; a provider synthesizing at a different rate must resample
// internally before returning its channel.
const ttsSampleRate = 24000

// turnEngine owns the LLM turn loop: recall, streaming generation with
// sentence-level TTS handoff, the agentic tool loop, and post-turn durable
// memory capture. One turnEngine serves the coordinator's entire lifetime;
// RunTurn may be called repeatedly but not concurrently with itself.
type turnEngine struct {
	store    memory.Store
	toolHost mcp.Host
	ttsP     tts.Provider
	mixer    audio.Mixer
	bus      *eventbus.Bus
	selector *modelSelector
	tierSel  *tier.Selector
	metrics  *observe.Metrics
	voice    types.VoiceProfile

	llmCfg config.LLMConfig
	memCfg config.MemoryConfig

	mu          sync.Mutex
	history     []types.Message
	toolsPaused bool

	seq           atomic.Uint64
	approvalsMu   sync.Mutex
	approvalChans map[string]chan bool

	// generating mirrors the AssistantGeneratingEvent stream for the
	// capture/VAD stage, which shortens its end-of-utterance silence gap
	// while the assistant is speaking so the user can interrupt quickly.
	generating *atomic.Bool
}

func newTurnEngine(store memory.Store, toolHost mcp.Host, ttsP tts.Provider, mixer audio.Mixer, bus *eventbus.Bus, selector *modelSelector, metrics *observe.Metrics, voice types.VoiceProfile, llmCfg config.LLMConfig, memCfg config.MemoryConfig) *turnEngine {
	return &turnEngine{
		store:         store,
		toolHost:      toolHost,
		ttsP:          ttsP,
		mixer:         mixer,
		bus:           bus,
		selector:      selector,
		tierSel:       tier.NewSelector(),
		metrics:       metrics,
		voice:         voice,
		llmCfg:        llmCfg,
		memCfg:        memCfg,
		approvalChans: make(map[string]chan bool),
		generating:    &atomic.Bool{},
	}
}

// Generating reports whether a turn is actively producing assistant output.
func (e *turnEngine) Generating() bool {
	return e.generating.Load()
}

// SetToolsPaused toggles whether the tool loop offers or executes tools,
// independent of the configured ToolMode. Driven by the voicecmd "pause
// tools"/"resume tools" meta-commands.
func (e *turnEngine) SetToolsPaused(paused bool) {
	e.mu.Lock()
	e.toolsPaused = paused
	e.mu.Unlock()
}

// ResolveApproval delivers a host decision for a pending
// ToolApprovalRequestEvent identified by requestID.
func (e *turnEngine) ResolveApproval(requestID string, approve bool) {
	e.approvalsMu.Lock()
	ch, ok := e.approvalChans[requestID]
	e.approvalsMu.Unlock()
	if ok {
		select {
		case ch <- approve:
		default:
		}
	}
}

// RunTurn executes one full conversational turn for userText: recall,
// generate (streaming sentences to TTS as they complete), run the agentic
// tool loop up to the configured bounds, and capture durable memory
// candidates from the accepted utterance. ctx's cancellation is treated as
// a barge-in interrupt.
func (e *turnEngine) RunTurn(ctx context.Context, turnID, userText string) (types.StopReason, error) {
	e.mu.Lock()
	e.history = append(e.history, types.Message{Role: "user", Content: userText})
	toolsPaused := e.toolsPaused
	e.mu.Unlock()

	systemPrompt, recalled := e.recall(ctx, userText)

	e.generating.Store(true)
	e.bus.Publish(events.AssistantGeneratingEvent{Active: true})
	defer func() {
		e.generating.Store(false)
		e.bus.Publish(events.AssistantGeneratingEvent{Active: false})
	}()

	toolMode := e.llmCfg.ToolMode
	if toolsPaused {
		toolMode = config.ToolModeOff
	}

	// Pick the tool budget tier for this utterance before generation starts,
	// so the definitions offered to the model already reflect it.
	budget := types.BudgetTier(e.tierSel.Select(userText, 0))

	stopReason, assistantText, err := e.loop(ctx, systemPrompt, toolMode, budget)
	e.tierSel.RecordTurn()

	switch stopReason {
	case types.StopReasonMaxTurns:
		e.speak(ctx, "I need to stop here.")
	case types.StopReasonError:
		e.speak(ctx, "Sorry, I ran into a problem finishing that.")
	}

	if e.metrics != nil {
		e.metrics.RecordAssistantTurn(ctx, string(stopReason))
	}

	if stopReason == types.StopReasonNatural && assistantText != "" {
		e.mu.Lock()
		e.history = append(e.history, types.Message{Role: "assistant", Content: assistantText})
		e.mu.Unlock()
	}

	// Capture failures degrade to a warning: a turn never fails because its
	// memory write did.
	if e.store != nil && e.memCfg.AutoCapture && err == nil {
		written, cerr := capture.Capture(ctx, e.store, turnID, userText, e.memCfg.MinProfileConfidence, recalled)
		for _, rec := range written {
			e.bus.Publish(events.MemoryWriteEvent{Kind_: rec.Kind, Status: rec.Status})
		}
		if cerr != nil {
			slog.Warn("turn: memory capture failed", "turn_id", turnID, "error", cerr)
		}
	}

	return stopReason, err
}

// recall fetches durable context for userText and renders it into a system
// prompt preamble. Returns an empty preamble and nil results when memory is
// disabled or recall yields nothing.
func (e *turnEngine) recall(ctx context.Context, userText string) (string, []memory.RecallResult) {
	if e.store == nil || !e.memCfg.AutoRecall {
		return "", nil
	}

	start := time.Now()
	results, err := e.store.Recall(ctx, userText, nil, memory.RecallBudget{
		Items: e.memCfg.RecallMaxItems,
		Chars: e.memCfg.RecallMaxChars,
	})
	if e.metrics != nil {
		e.metrics.MemoryRecallDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return "", nil
	}

	used := 0
	var sb strings.Builder
	if len(results) > 0 {
		sb.WriteString("Known context about the user:\n")
		for _, r := range results {
			sb.WriteString("- ")
			sb.WriteString(r.Record.Text)
			sb.WriteString("\n")
			used += len(r.Record.Text)
		}
	}
	e.bus.Publish(events.MemoryRecallEvent{Hits: len(results), BudgetUsed: used})
	return sb.String(), results
}

// loop runs the generate/tool-call cycle until the model stops naturally,
// a bound is hit, or ctx is cancelled.
func (e *turnEngine) loop(ctx context.Context, systemPrompt string, toolMode config.ToolMode, budget types.BudgetTier) (types.StopReason, string, error) {
	turns := 0
	var lastText string

	for {
		select {
		case <-ctx.Done():
			return types.StopReasonInterrupt, lastText, nil
		default:
		}

		cand, ok := e.selector.Select(ctx)
		if !ok {
			return types.StopReasonError, "", fmt.Errorf("turn: no LLM candidates configured")
		}

		e.mu.Lock()
		messages := make([]types.Message, len(e.history))
		copy(messages, e.history)
		e.mu.Unlock()

		req := llm.CompletionRequest{
			Messages:     messages,
			SystemPrompt: systemPrompt,
			Tools:        e.toolsForMode(toolMode, budget),
		}

		chunkCh, err := e.startStream(ctx, cand.Provider, req)
		if err != nil {
			return types.StopReasonError, lastText, fmt.Errorf("turn: stream completion: %w", err)
		}

		text, toolCalls, finishReason, streamErr := e.stream(ctx, chunkCh)
		lastText += text
		if streamErr != nil {
			return types.StopReasonError, lastText, streamErr
		}

		if finishReason == "interrupted" {
			return types.StopReasonInterrupt, lastText, nil
		}

		if finishReason != "tool_calls" || len(toolCalls) == 0 || toolMode == config.ToolModeOff {
			return types.StopReasonNatural, lastText, nil
		}

		turns++
		if turns > e.llmCfg.MaxTurns {
			return types.StopReasonMaxTurns, lastText, nil
		}

		if err := e.runToolCalls(ctx, toolCalls, toolMode); err != nil {
			return types.StopReasonError, lastText, err
		}
	}
}

// startStream opens a streaming completion, retrying transient provider
// failures with exponential backoff up to the configured MaxRetries before
// giving up.
func (e *turnEngine) startStream(ctx context.Context, p llm.Provider, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= e.llmCfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		ch, err := p.StreamCompletion(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// speak synthesizes one standalone sentence outside any generation stream,
// used for the bounded closing message when the tool loop hits MaxTurns and
// for the spoken acknowledgment of an exhausted retry chain.
func (e *turnEngine) speak(ctx context.Context, sentence string) {
	textCh := make(chan string, 1)
	audioCh, err := e.ttsP.SynthesizeStream(ctx, textCh, e.voice)
	if err != nil {
		close(textCh)
		return
	}
	e.mixer.Enqueue(&audio.AudioSegment{
		VoiceID:    e.voice.ID,
		Audio:      audioCh,
		SampleRate: ttsSampleRate,
		Channels:   1,
	}, 0)
	textCh <- sentence
	close(textCh)
	e.bus.Publish(events.AssistantSentenceEvent{SentenceChunk: types.SentenceChunk{
		Text:     sentence,
		Final:    true,
		Sequence: e.seq.Add(1),
	}})
}

// stream reads chunks from ch, forwarding complete sentences to TTS and the
// Event Bus as they form, and accumulates any tool calls (which may arrive
// fragmented across chunks, keyed by ID) until the channel closes.
func (e *turnEngine) stream(ctx context.Context, ch <-chan llm.Chunk) (text string, calls []types.ToolCall, finishReason string, err error) {
	var buf strings.Builder
	callsByID := make(map[string]*types.ToolCall)
	var order []string

	textCh := make(chan string, 16)
	audioCh, ttsErr := e.ttsP.SynthesizeStream(ctx, textCh, e.voice)
	if ttsErr != nil {
		close(textCh)
		return "", nil, "", fmt.Errorf("turn: tts start: %w", ttsErr)
	}
	e.mixer.Enqueue(&audio.AudioSegment{
		VoiceID:    e.voice.ID,
		Audio:      audioCh,
		SampleRate: ttsSampleRate,
		Channels:   1,
	}, 0)

	flush := func(final bool) {
		for {
			idx := firstSentenceBoundary(buf.String())
			if idx < 0 {
				if final && buf.Len() > 0 {
					e.emitSentence(textCh, buf.String(), true)
					buf.Reset()
				}
				return
			}
			s := buf.String()[:idx+1]
			rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
			buf.Reset()
			buf.WriteString(rest)
			e.emitSentence(textCh, s, false)
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Finalize whatever complete text the buffer holds so the UI sees
			// where the assistant was cut off; the audio itself is already
			// being flushed by the mixer interrupt.
			if buf.Len() > 0 {
				e.bus.Publish(events.AssistantSentenceEvent{SentenceChunk: types.SentenceChunk{
					Text:     buf.String(),
					Final:    true,
					Sequence: e.seq.Add(1),
				}})
			}
			close(textCh)
			audio.Drain(audioCh)
			return text, nil, "interrupted", nil
		case chunk, ok := <-ch:
			if !ok {
				flush(true)
				close(textCh)
				return text, collectOrdered(callsByID, order), finishReason, nil
			}
			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				text += chunk.Text
				flush(false)
			}
			for _, tc := range chunk.ToolCalls {
				existing, seen := callsByID[tc.ID]
				if !seen {
					cp := tc
					callsByID[tc.ID] = &cp
					order = append(order, tc.ID)
					continue
				}
				existing.ArgsRaw += tc.ArgsRaw
				if tc.Name != "" {
					existing.Name = tc.Name
				}
			}
			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}
		}
	}
}

func collectOrdered(byID map[string]*types.ToolCall, order []string) []types.ToolCall {
	if len(order) == 0 {
		return nil
	}
	out := make([]types.ToolCall, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func (e *turnEngine) emitSentence(textCh chan<- string, sentence string, final bool) {
	textCh <- sentence
	e.bus.Publish(events.AssistantSentenceEvent{SentenceChunk: types.SentenceChunk{
		Text:     sentence,
		Final:    final,
		Sequence: e.seq.Add(1),
	}})
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// immediately followed by whitespace, or -1 if s has no complete sentence.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// toolsForMode returns the tool definitions the model should be offered
// under the given mode and budget tier. ToolModeOff offers none;
// ToolModeReadOnly offers only idempotent tools (the nearest proxy this
// tree's ToolDefinition exposes for "safe to call without side effects");
// every other mode offers the full set available within budget.
func (e *turnEngine) toolsForMode(mode config.ToolMode, budget types.BudgetTier) []types.ToolDefinition {
	if mode == config.ToolModeOff || e.toolHost == nil {
		return nil
	}
	all := e.toolHost.AvailableTools(budget)
	if mode != config.ToolModeReadOnly {
		return all
	}
	out := make([]types.ToolDefinition, 0, len(all))
	for _, t := range all {
		if t.Idempotent {
			out = append(out, t)
		}
	}
	return out
}

// runToolCalls executes each call against the tool host, respecting
// MaxToolCallsPerTurn and ToolTimeoutSecs, and appends the assistant's tool
// call message plus each tool result to history. ToolModeFull requires a
// host approval for every call before execution.
func (e *turnEngine) runToolCalls(ctx context.Context, calls []types.ToolCall, mode config.ToolMode) error {
	if len(calls) > e.llmCfg.MaxToolCallsPerTurn {
		calls = calls[:e.llmCfg.MaxToolCallsPerTurn]
	}

	e.mu.Lock()
	e.history = append(e.history, types.Message{Role: "assistant", ToolCalls: calls})
	e.mu.Unlock()

	for _, call := range calls {
		e.bus.Publish(events.ToolCallEvent{ID: call.ID, Name: call.Name, InputJSON: call.ArgsRaw})

		if mode == config.ToolModeFull {
			approved := e.awaitApproval(ctx, call)
			if !approved {
				e.appendToolResult(types.ToolResult{ID: call.ID, Name: call.Name, Success: false, Error: "denied by user"})
				continue
			}
		}

		e.bus.Publish(events.ToolExecutingEvent{ID: call.ID, Name: call.Name})

		toolCtx := ctx
		var cancel context.CancelFunc
		if e.llmCfg.ToolTimeoutSecs > 0 {
			toolCtx, cancel = context.WithTimeout(ctx, time.Duration(e.llmCfg.ToolTimeoutSecs)*time.Second)
		}
		result, err := e.toolHost.ExecuteTool(toolCtx, call.Name, call.ArgsRaw)
		if cancel != nil {
			cancel()
		}

		if e.metrics != nil {
			status := "ok"
			if err != nil || (result != nil && result.IsError) {
				status = "error"
			}
			e.metrics.RecordToolCall(ctx, call.Name, status)
		}

		if err != nil {
			e.appendToolResult(types.ToolResult{ID: call.ID, Name: call.Name, Success: false, Error: err.Error()})
			e.bus.Publish(events.ToolResultEvent{ID: call.ID, Name: call.Name, Success: false, OutputText: err.Error()})
			continue
		}
		e.appendToolResult(types.ToolResult{ID: call.ID, Name: call.Name, Success: !result.IsError, OutputText: result.Content})
		e.bus.Publish(events.ToolResultEvent{ID: call.ID, Name: call.Name, Success: !result.IsError, OutputText: result.Content})
	}
	return nil
}

func (e *turnEngine) appendToolResult(r types.ToolResult) {
	content := r.OutputText
	if !r.Success && r.Error != "" {
		content = r.Error
	}
	e.mu.Lock()
	e.history = append(e.history, types.Message{Role: "tool", Content: content, ToolCallID: r.ID})
	e.mu.Unlock()
}

// awaitApproval publishes a ToolApprovalRequestEvent and blocks for the
// configured tool timeout (or ctx cancellation) waiting for a host
// decision. An unanswered request is treated as denied.
func (e *turnEngine) awaitApproval(ctx context.Context, call types.ToolCall) bool {
	ch := make(chan bool, 1)
	e.approvalsMu.Lock()
	e.approvalChans[call.ID] = ch
	e.approvalsMu.Unlock()
	defer func() {
		e.approvalsMu.Lock()
		delete(e.approvalChans, call.ID)
		e.approvalsMu.Unlock()
	}()

	e.bus.Publish(events.ToolApprovalRequestEvent{ID: call.ID, Name: call.Name, InputJSON: call.ArgsRaw})

	timeout := time.Duration(e.llmCfg.ToolTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case approved := <-ch:
		return approved
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}
