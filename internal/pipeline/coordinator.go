// Package pipeline implements the Pipeline Coordinator: the stage graph that
// turns raw microphone audio into assistant speech. Capture feeds VAD and,
// once VAD confirms speech, STT; STT finals pass through the voice-command
// filter and the Conversation Gate before becoming LLM turns; the turn
// engine streams sentences to TTS, which plays through the Mixer onto the
// Playback device. Each stage runs on its own goroutine under an errgroup so
// a single stage's failure tears down the whole pipeline instead of wedging
// silently.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fae-run/fae-core/internal/config"
	"github.com/fae-run/fae-core/internal/mcp"
	"github.com/fae-run/fae-core/internal/observe"
	"github.com/fae-run/fae-core/internal/pipeline/voicecmd"
	"github.com/fae-run/fae-core/pkg/audio"
	"github.com/fae-run/fae-core/pkg/events"
	"github.com/fae-run/fae-core/pkg/eventbus"
	"github.com/fae-run/fae-core/pkg/memory"
	"github.com/fae-run/fae-core/pkg/provider/llm"
	"github.com/fae-run/fae-core/pkg/provider/stt"
	"github.com/fae-run/fae-core/pkg/provider/tts"
	"github.com/fae-run/fae-core/pkg/provider/vad"
	"github.com/fae-run/fae-core/pkg/types"
)

// pipelineSampleRate is the working sample rate every capture device, VAD
// session, and STT session is configured for. Fae does not negotiate a rate
// per device; mismatched hardware must resample upstream of Capture.
const pipelineSampleRate = 16000

const vadFrameMs = 20

// Deps bundles every external collaborator the Coordinator drives. All
// fields are required except MCPHost and Store, which may be nil to run
// without tool calling or durable memory respectively.
type Deps struct {
	Device  audio.Device
	Mixer   audio.Mixer
	VAD     vad.Engine
	STT     stt.Provider
	TTS     tts.Provider
	LLMPool []LLMCandidate
	MCPHost mcp.Host
	Store   memory.Store
	Bus     *eventbus.Bus
	Metrics *observe.Metrics
	Config  *config.Config
	Voice   types.VoiceProfile
}

// LLMCandidate names one entry of the configured LLM pool together with its
// already-constructed provider, mirroring a single providers.llm_pool entry.
type LLMCandidate struct {
	Name     string
	Provider llm.Provider
	Tier     int
	Priority int
}

// Coordinator owns the full stage graph for one runtime lifetime: one
// construction corresponds to one Run call. It is not reusable after Run
// returns.
type Coordinator struct {
	deps Deps

	bus      *eventbus.Bus
	gate     *gate
	engine   *turnEngine
	selector *modelSelector
	commands *voicecmd.Filter

	mu    sync.Mutex
	state types.RuntimeState

	// turnMu guards turnCancel, the cancellation handle for the in-flight
	// turn. Barge-in cancels it so the LLM stream stops generating.
	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	readyOnce sync.Once
	ready     chan struct{}

	turnSeq atomic.Uint64
}

// New builds a Coordinator from deps. It does not open any device or start
// any goroutine; call Run to do so.
func New(deps Deps) *Coordinator {
	candidates := make([]candidate, len(deps.LLMPool))
	for i, c := range deps.LLMPool {
		candidates[i] = candidate{Name: c.Name, Provider: c.Provider, Tier: c.Tier, Priority: c.Priority}
	}
	selector := newModelSelector(candidates, time.Duration(deps.Config.LLM.ModelSelectTimeoutSecs)*time.Second, deps.Bus)

	co := &Coordinator{
		deps:     deps,
		bus:      deps.Bus,
		selector: selector,
		commands: voicecmd.New(),
		state:    types.RuntimeStopped,
		ready:    make(chan struct{}),
	}
	co.gate = newGate(deps.Config.Conversation, co.onGateChange)
	co.engine = newTurnEngine(deps.Store, deps.MCPHost, deps.TTS, deps.Mixer, deps.Bus, selector, deps.Metrics, deps.Voice, deps.Config.LLM, deps.Config.Memory)
	return co
}

func (c *Coordinator) progress(stage string, complete, total int, message string) {
	c.bus.Publish(events.RuntimeProgressEvent{
		Stage:         stage,
		FilesComplete: complete,
		FilesTotal:    total,
		Message:       message,
	})
}

func (c *Coordinator) onGateChange(state types.GateState) {
	c.bus.Publish(events.ControlEvent{
		ControlKind: events.ControlGateChanged,
		Payload:     map[string]any{"state": string(state)},
	})
}

func (c *Coordinator) setState(s types.RuntimeState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.bus.Publish(events.RuntimeStateEvent{State: s})
	if s == types.RuntimeRunning || s == types.RuntimeError {
		c.readyOnce.Do(func() { close(c.ready) })
	}
}

// State returns the Coordinator's current lifecycle state.
func (c *Coordinator) State() types.RuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready returns a channel that closes the first time the Coordinator reaches
// RuntimeRunning or RuntimeError, letting a caller of Run (on its own
// goroutine) learn the outcome of startup without polling State.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// InjectText feeds text into the pipeline as if it had just arrived as a
// final transcription, for the Host Boundary's conversation.inject_text
// command. It runs the same voice-command/gate/turn-engine path a real STT
// final would, including publishing the TranscriptionEvent other
// subscribers expect to see.
func (c *Coordinator) InjectText(ctx context.Context, text string) {
	c.bus.Publish(events.TranscriptionEvent{Transcription: types.Transcription{Text: text, IsFinal: true}})
	c.handleFinal(ctx, text)
}

// SetGate forces the Conversation Gate directly to the given state,
// bypassing wake/sleep phrase matching, for the Host Boundary's
// conversation.gate_set command.
func (c *Coordinator) SetGate(state types.GateState) {
	c.gate.ForceState(state)
}

// GateState returns the Conversation Gate's current state.
func (c *Coordinator) GateState() types.GateState {
	return c.gate.State()
}

// ResolveApproval delivers a host decision for a pending
// ToolApprovalRequestEvent identified by requestID, for the Host Boundary's
// approval.respond command.
func (c *Coordinator) ResolveApproval(requestID string, approve bool) {
	c.engine.ResolveApproval(requestID, approve)
}

// ResolveModel delivers a host-supplied answer to a pending
// ModelSelectionPromptEvent, for a model-selection command.
func (c *Coordinator) ResolveModel(providerModel string) {
	c.selector.Resolve(providerModel)
}

// PublishControl emits a ControlEvent on the Coordinator's Event Bus, for the
// Host Boundary's orb.palette/device.move/capability commands that are pure
// pass-through hints with no pipeline-side behavior of their own.
func (c *Coordinator) PublishControl(kind events.ControlKind, payload map[string]any) {
	c.bus.Publish(events.ControlEvent{ControlKind: kind, Payload: payload})
}

// Run opens the capture/playback device and runs every pipeline stage until
// ctx is cancelled or a stage returns an error. It blocks for the runtime's
// entire lifetime; callers typically run it on its own goroutine and cancel
// ctx to stop.
func (c *Coordinator) Run(ctx context.Context) error {
	c.setState(types.RuntimeStarting)
	c.progress("startup", 0, 4, "opening audio devices")

	captureDev, err := c.deps.Device.OpenCapture(ctx)
	if err != nil {
		c.setState(types.RuntimeError)
		return fmt.Errorf("pipeline: open capture: %w", err)
	}
	playbackDev, err := c.deps.Device.OpenPlayback(ctx)
	if err != nil {
		c.setState(types.RuntimeError)
		return fmt.Errorf("pipeline: open playback: %w", err)
	}
	c.progress("startup", 2, 4, "starting voice activity detection")

	vadSession, err := c.deps.VAD.NewSession(vad.Config{
		SampleRate:       pipelineSampleRate,
		FrameSizeMs:      vadFrameMs,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	})
	if err != nil {
		c.setState(types.RuntimeError)
		return fmt.Errorf("pipeline: new vad session: %w", err)
	}
	defer vadSession.Close()
	c.progress("startup", 3, 4, "starting transcription stream")

	sttSession, err := c.deps.STT.StartStream(ctx, stt.StreamConfig{SampleRate: pipelineSampleRate})
	if err != nil {
		c.setState(types.RuntimeError)
		return fmt.Errorf("pipeline: start stt stream: %w", err)
	}
	defer sttSession.Close()
	c.progress("startup", 4, 4, "pipeline ready")

	c.setState(types.RuntimeRunning)
	defer c.setState(types.RuntimeStopped)

	g, gctx := errgroup.WithContext(ctx)

	frames, err := captureDev.Frames(gctx)
	if err != nil {
		c.setState(types.RuntimeError)
		return fmt.Errorf("pipeline: start capture stream: %w", err)
	}

	g.Go(func() error { return c.runCaptureVAD(gctx, frames, vadSession, sttSession, playbackDev) })
	g.Go(func() error { return c.runTranscripts(gctx, sttSession) })

	err = g.Wait()
	captureDev.Stop()
	playbackDev.Stop()
	if closer, ok := c.deps.Mixer.(io.Closer); ok {
		_ = closer.Close()
	}
	if err != nil && gctx.Err() == nil {
		c.setState(types.RuntimeError)
		return err
	}
	return nil
}

// runCaptureVAD forwards every captured frame through VAD, gating STT input
// on confirmed speech so STT never transcribes long silences, and interrupts
// the mixer when speech starts while the assistant is talking.
//
// Trailing silence after an utterance keeps flowing to STT until the
// end-of-utterance gap elapses, so the provider's own segmentation can
// finalize. The gap shortens from vad.min_silence_duration_ms to
// barge_in.barge_in_silence_ms while the assistant is generating, which is
// what makes interruptions feel immediate.
func (c *Coordinator) runCaptureVAD(ctx context.Context, frames <-chan audio.AudioFrame, session vad.SessionHandle, sttSession stt.SessionHandle, playback audio.Playback) error {
	gapMs := c.deps.Config.VAD.MinSilenceDurationMs
	if gapMs <= 0 {
		gapMs = 1000
	}
	bargeGapMs := c.deps.Config.BargeIn.BargeInSilenceMs
	if bargeGapMs <= 0 {
		bargeGapMs = 300
	}

	var (
		seq         uint64
		inUtterance bool
		silenceMs   int
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			result, err := session.ProcessFrame(frame.Data)
			if err != nil {
				return fmt.Errorf("pipeline: vad process frame: %w", err)
			}

			forward := false
			switch result.Type {
			case vad.VADSpeechStart:
				if c.engine.Generating() {
					c.onBargeIn(playback)
				}
				inUtterance = true
				silenceMs = 0
				forward = true
			case vad.VADSpeechContinue:
				inUtterance = true
				silenceMs = 0
				forward = true
			case vad.VADSpeechEnd, vad.VADSilence:
				if inUtterance {
					silenceMs += vadFrameMs
					gap := gapMs
					if c.engine.Generating() {
						gap = bargeGapMs
					}
					if silenceMs < gap {
						forward = true
					} else {
						inUtterance = false
					}
				}
			}

			if forward {
				seq++
				if err := sttSession.SendAudio(toTypesFrame(frame, seq)); err != nil {
					return fmt.Errorf("pipeline: stt send audio: %w", err)
				}
				c.bus.Publish(events.AssistantAudioLevelEvent{RMS: rms(frame.Data)})
			}
		}
	}
}

// onBargeIn silences assistant playback the moment the user starts talking
// over it: the mixer stops queuing audio to the device and the device's own
// buffered-but-unheard frames are flushed so none of them reaches the
// speaker after the barge-in.
func (c *Coordinator) onBargeIn(playback audio.Playback) {
	start := time.Now()
	c.cancelActiveTurn()
	c.deps.Mixer.Interrupt(audio.UserBargeIn)
	if err := playback.Flush(); err != nil {
		slog.Warn("pipeline: flush playback on barge-in", "error", err)
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.BargeInLatency.Record(context.Background(), time.Since(start).Seconds())
		c.deps.Metrics.BargeIns.Add(context.Background(), 1)
	}
	c.bus.Publish(events.ControlEvent{ControlKind: events.ControlBargeIn, Payload: map[string]any{"speaker_id": "local-user"}})
}

// runTranscripts consumes STT finals, applying the voice-command filter and
// the Conversation Gate in order before dispatching an accepted transcript
// to the turn engine. Partials are republished for UX only.
func (c *Coordinator) runTranscripts(ctx context.Context, session stt.SessionHandle) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case partial, ok := <-session.Partials():
			if !ok {
				return nil
			}
			c.bus.Publish(events.TranscriptionEvent{Transcription: partial})
		case final, ok := <-session.Finals():
			if !ok {
				return nil
			}
			c.bus.Publish(events.TranscriptionEvent{Transcription: final})
			c.handleFinal(ctx, final.Text)
		}
	}
}

func (c *Coordinator) handleFinal(ctx context.Context, text string) {
	actions := voicecmd.Actions{
		Interrupt:      func() { c.deps.Mixer.Interrupt(audio.SystemOverride) },
		Sleep:          c.gate.ForceSleep,
		SetToolsPaused: c.engine.SetToolsPaused,
		SwitchModel: func(name string) error {
			c.selector.Resolve(name)
			return nil
		},
	}
	if handled, _, err := c.commands.Check(actions, text); handled {
		if err != nil {
			slog.Warn("pipeline: voice command failed", "error", err)
		}
		return
	}

	if !c.gate.Accept(text) {
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	c.turnMu.Lock()
	c.turnCancel = cancel
	c.turnMu.Unlock()
	defer func() {
		c.turnMu.Lock()
		c.turnCancel = nil
		c.turnMu.Unlock()
		cancel()
	}()

	turnID := fmt.Sprintf("turn-%d", c.turnSeq.Add(1))
	if _, err := c.engine.RunTurn(turnCtx, turnID, text); err != nil {
		slog.Error("pipeline: turn failed", "turn_id", turnID, "error", err)
	}
}

// cancelActiveTurn stops the in-flight turn's generation, if any. Idempotent:
// repeated interrupts during the same turn collapse onto one cancellation.
func (c *Coordinator) cancelActiveTurn() {
	c.turnMu.Lock()
	cancel := c.turnCancel
	c.turnMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// rms computes the root-mean-square level of a little-endian int16 PCM
// buffer, scaled to [0,1], for AssistantAudioLevelEvent.
func rms(data []byte) float64 {
	n := len(data) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		s := int16(data[i*2]) | int16(data[i*2+1])<<8
		v := float64(s) / 32768.0
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(n))
}
