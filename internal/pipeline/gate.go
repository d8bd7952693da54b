package pipeline

import (
	"strings"
	"sync"
	"time"

	"github.com/fae-run/fae-core/internal/config"
	"github.com/fae-run/fae-core/pkg/types"
)

// gate is the Conversation Gate state machine. It decides whether an
// accepted (final) transcript should be forwarded to the LLM turn loop, and
// tracks the always-on/wake-word/idle lifecycle described in the
// conversation configuration.
//
// A gate with no configured WakePhrase starts in GateActive and never falls
// back to GateInactive on its own; it may still cycle through GateIdle when
// IdleTimeoutS is non-zero. Safe for concurrent use.
type gate struct {
	mu           sync.Mutex
	state        types.GateState
	idleTimeout  time.Duration
	wakePhrase   string
	sleepPhrases []string
	idleTimer    *time.Timer
	onChange     func(types.GateState)
}

// newGate constructs a gate from cfg. onChange, if non-nil, is invoked
// (with the gate's lock held) every time the state transitions.
func newGate(cfg config.ConversationConfig, onChange func(types.GateState)) *gate {
	g := &gate{
		idleTimeout:  time.Duration(cfg.IdleTimeoutS) * time.Second,
		wakePhrase:   strings.ToLower(strings.TrimSpace(cfg.WakePhrase)),
		sleepPhrases: lowerAll(cfg.SleepPhrases),
		onChange:     onChange,
	}
	if g.wakePhrase == "" {
		g.state = types.GateActive
	} else {
		g.state = types.GateInactive
	}
	return g
}

func lowerAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// State returns the gate's current state.
func (g *gate) State() types.GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Accept processes one final transcript and reports whether it should be
// forwarded to the LLM turn loop. A wake phrase transitions
// Inactive→Active without being forwarded; a sleep phrase transitions
// Active/Idle→Inactive without being forwarded. Any other utterance while
// Active or Idle is forwarded and resets the idle timer.
func (g *gate) Accept(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))

	g.mu.Lock()
	switch g.state {
	case types.GateInactive:
		if g.wakePhrase != "" && strings.Contains(lower, g.wakePhrase) {
			g.setLocked(types.GateActive)
			g.armIdleLocked()
			g.mu.Unlock()
			return false
		}
		g.mu.Unlock()
		return false

	case types.GateActive, types.GateIdle:
		for _, sp := range g.sleepPhrases {
			if sp != "" && strings.Contains(lower, sp) {
				g.setLocked(types.GateInactive)
				g.disarmIdleLocked()
				g.mu.Unlock()
				return false
			}
		}
		g.setLocked(types.GateActive)
		g.armIdleLocked()
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()
	return false
}

// armIdleLocked (re)starts the idle timer. Must be called with g.mu held.
func (g *gate) armIdleLocked() {
	if g.idleTimeout <= 0 {
		return
	}
	if g.idleTimer != nil {
		g.idleTimer.Stop()
	}
	g.idleTimer = time.AfterFunc(g.idleTimeout, g.onIdleTimeout)
}

func (g *gate) disarmIdleLocked() {
	if g.idleTimer != nil {
		g.idleTimer.Stop()
		g.idleTimer = nil
	}
}

func (g *gate) onIdleTimeout() {
	g.mu.Lock()
	if g.state == types.GateActive {
		g.setLocked(types.GateIdle)
	}
	g.mu.Unlock()
}

// setLocked updates state and fires onChange. Must be called with g.mu
// held; it releases and re-acquires nothing itself, so onChange runs with
// the lock held. That is safe because onChange only publishes to the Event
// Bus, which does not call back into the gate.
func (g *gate) setLocked(s types.GateState) {
	if g.state == s {
		return
	}
	g.state = s
	if g.onChange != nil {
		g.onChange(s)
	}
}

// ForceSleep transitions the gate directly to GateInactive regardless of
// sleep-phrase matching, used by the "go to sleep" voice command.
func (g *gate) ForceSleep() {
	g.mu.Lock()
	g.setLocked(types.GateInactive)
	g.disarmIdleLocked()
	g.mu.Unlock()
}

// ForceState sets the gate directly to s, bypassing wake/sleep phrase
// matching, used by the Host Boundary's conversation.gate_set command.
// Transitioning to GateActive (re)arms the idle timer; transitioning away
// from it disarms the timer.
func (g *gate) ForceState(s types.GateState) {
	g.mu.Lock()
	g.setLocked(s)
	if s == types.GateActive {
		g.armIdleLocked()
	} else {
		g.disarmIdleLocked()
	}
	g.mu.Unlock()
}

// Close releases the idle timer.
func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disarmIdleLocked()
}
