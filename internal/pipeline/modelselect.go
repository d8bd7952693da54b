package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fae-run/fae-core/pkg/events"
	"github.com/fae-run/fae-core/pkg/eventbus"
	"github.com/fae-run/fae-core/pkg/provider/llm"
)

// candidate is one entry in the LLM model pool, built from a single
// config.ProviderEntry under providers.llm_pool.
type candidate struct {
	Name     string // e.g. "anthropic/claude-opus-4"
	Provider llm.Provider
	Tier     int
	Priority int
}

// modelSelector resolves which candidate serves a given turn. Ties are
// broken deterministically when possible; a genuine ambiguity (more than one
// candidate sharing the lowest tier and the highest priority within it) is
// surfaced to the host via a ModelSelectionPromptEvent and blocks for at
// most timeout before falling back to the first candidate found, per Open
// Question 4: unattended operation must never stall indefinitely on a
// question nobody is present to answer.
type modelSelector struct {
	mu         sync.Mutex
	candidates []candidate
	timeout    time.Duration
	bus        *eventbus.Bus

	pending   map[string]chan string // requestID -> resolved provider/model name
	preferred string                 // host/voice override, matched against candidate names
	last      string                 // last candidate announced via ModelSelectedEvent
}

func newModelSelector(candidates []candidate, timeout time.Duration, bus *eventbus.Bus) *modelSelector {
	cp := make([]candidate, len(candidates))
	copy(cp, candidates)
	sort.SliceStable(cp, func(i, j int) bool {
		if cp[i].Tier != cp[j].Tier {
			return cp[i].Tier < cp[j].Tier
		}
		return cp[i].Priority > cp[j].Priority
	})
	return &modelSelector{
		candidates: cp,
		timeout:    timeout,
		bus:        bus,
		pending:    make(map[string]chan string),
	}
}

// Select returns the candidate to use for the next turn. If the pool is
// empty, ok is false. A host- or voice-supplied preference (Resolve) that
// matches a pool candidate short-circuits the tier/priority ranking.
func (s *modelSelector) Select(ctx context.Context) (candidate, bool) {
	s.mu.Lock()
	cands := s.candidates
	preferred := s.preferred
	s.mu.Unlock()

	if len(cands) == 0 {
		return candidate{}, false
	}

	if preferred != "" {
		if c, ok := matchCandidate(cands, preferred); ok {
			return s.announce(c), true
		}
	}

	lowestTier := cands[0].Tier
	var tied []candidate
	for _, c := range cands {
		if c.Tier == lowestTier {
			tied = append(tied, c)
		}
	}
	if len(tied) == 1 {
		return s.announce(tied[0]), true
	}

	topPriority := tied[0].Priority
	var ambiguous []candidate
	for _, c := range tied {
		if c.Priority == topPriority {
			ambiguous = append(ambiguous, c)
		}
	}
	if len(ambiguous) == 1 {
		return s.announce(ambiguous[0]), true
	}

	if s.bus == nil || s.timeout <= 0 {
		return s.announce(ambiguous[0]), true
	}
	return s.announce(s.prompt(ctx, ambiguous)), true
}

// announce publishes a ModelSelectedEvent whenever the resolved candidate
// differs from the previously announced one, so subscribers see exactly one
// event per effective switch rather than one per turn.
func (s *modelSelector) announce(c candidate) candidate {
	s.mu.Lock()
	changed := s.last != c.Name
	s.last = c.Name
	s.mu.Unlock()
	if changed && s.bus != nil {
		s.bus.Publish(events.ModelSelectedEvent{ProviderModel: c.Name})
	}
	return c
}

// matchCandidate resolves a spoken or host-supplied model reference against
// the pool: an exact name match wins, otherwise a case-insensitive substring
// of the candidate name ("fast" → "openai/gpt-fast") is accepted.
func matchCandidate(cands []candidate, ref string) (candidate, bool) {
	for _, c := range cands {
		if c.Name == ref {
			return c, true
		}
	}
	lowered := strings.ToLower(ref)
	for _, c := range cands {
		if strings.Contains(strings.ToLower(c.Name), lowered) {
			return c, true
		}
	}
	return candidate{}, false
}

// prompt publishes a ModelSelectionPromptEvent naming the tied candidates
// and waits for a matching resolution delivered via Resolve, or for timeout
// to elapse, whichever comes first.
func (s *modelSelector) prompt(ctx context.Context, tied []candidate) candidate {
	names := make([]string, len(tied))
	byName := make(map[string]candidate, len(tied))
	for i, c := range tied {
		names[i] = c.Name
		byName[c.Name] = c
	}

	requestID := fmt.Sprintf("modelselect-%d", time.Now().UnixNano())
	ch := make(chan string, 1)

	s.mu.Lock()
	s.pending[requestID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	s.bus.Publish(events.ModelSelectionPromptEvent{
		Candidates:  names,
		TimeoutSecs: int(s.timeout / time.Second),
	})

	select {
	case name := <-ch:
		if c, ok := byName[name]; ok {
			return c
		}
		return tied[0]
	case <-time.After(s.timeout):
		return tied[0]
	case <-ctx.Done():
		return tied[0]
	}
}

// Resolve delivers a host- or voice-supplied model selection answer. It
// resolves any outstanding prompt (a voice UI only ever has one pending
// question at a time) and is remembered as the preferred candidate for
// subsequent turns, so "switch model" works outside a prompt too.
func (s *modelSelector) Resolve(providerModel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferred = providerModel
	for _, ch := range s.pending {
		select {
		case ch <- providerModel:
		default:
		}
	}
}
