// Package capture extracts durable memory candidates from accepted user
// turns and de-duplicates newly mentioned person names against existing
// types.KindPerson records using phonetic matching, so that "Katherine" and
// the STT mishearing "Catherine" resolve to the same durable record instead
// of spawning a duplicate.
package capture

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/fae-run/fae-core/pkg/memory"
	"github.com/fae-run/fae-core/pkg/types"
)

// Candidate is a durable memory record proposed by Extract, not yet written
// to the store. Confidence follows the same [0,1] scale as
// types.MemoryRecord.Confidence.
type Candidate struct {
	Kind       types.MemoryKind
	Text       string
	Confidence float64
	Tags       []string
}

// extractionRule pairs a regex with the kind/confidence/tag it implies when
// matched against a final transcript.
type extractionRule struct {
	kind       types.MemoryKind
	confidence float64
	tags       []string
	regex      *regexp.Regexp
	format     func(matches []string) string
}

var rules = []extractionRule{
	{
		kind:       types.KindProfile,
		confidence: 0.9,
		tags:       []string{"identity"},
		regex:      regexp.MustCompile(`(?i)^(?:my name is|i'm|i am|call me)\s+([a-z][a-z '-]{1,40})$`),
		format:     func(m []string) string { return "User's name is " + strings.TrimSpace(m[1]) + "." },
	},
	{
		kind:       types.KindPerson,
		confidence: 0.75,
		tags:       []string{"relationship"},
		regex:      regexp.MustCompile(`(?i)^(?:my (?:friend|partner|spouse|wife|husband|brother|sister|mom|dad|mother|father|colleague|boss)\s+(?:is\s+)?)([a-z][a-z '-]{1,40})$`),
		format:     func(m []string) string { return strings.TrimSpace(m[1]) },
	},
	{
		kind:       types.KindProfile,
		confidence: 0.85,
		tags:       []string{"residence"},
		regex:      regexp.MustCompile(`(?i)^(?:actually,?\s+)?i (?:live|now live|moved to live) in\s+(.+?)(?:\s+now)?$`),
		format:     func(m []string) string { return "User lives in " + strings.TrimSpace(m[1]) + "." },
	},
	{
		kind:       types.KindProfile,
		confidence: 0.8,
		tags:       []string{"occupation"},
		regex:      regexp.MustCompile(`(?i)^i work as (?:a |an )?(.{2,60})$`),
		format:     func(m []string) string { return "User works as " + strings.TrimSpace(m[1]) + "." },
	},
	{
		kind:       types.KindInterest,
		confidence: 0.6,
		tags:       []string{"preference"},
		regex:      regexp.MustCompile(`(?i)^i (?:love|like|enjoy|really like)\s+(.{2,80})$`),
		format:     func(m []string) string { return "User enjoys " + strings.TrimSpace(m[1]) + "." },
	},
	{
		kind:       types.KindCommitment,
		confidence: 0.7,
		tags:       []string{"commitment"},
		regex:      regexp.MustCompile(`(?i)^(?:remind me to|i need to|i have to|don't let me forget to)\s+(.{2,120})$`),
		format:     func(m []string) string { return "Commitment: " + strings.TrimSpace(m[1]) + "." },
	},
}

// Extract scans text (an accepted, final transcript) for durable-fact
// candidates. Multiple rules may match independent sentences; text is
// split on sentence-ending punctuation before matching so "My name is Jax.
// I love hiking." yields two candidates.
func Extract(text string) []Candidate {
	var out []Candidate
	for _, sentence := range splitSentences(text) {
		trimmed := strings.TrimSpace(strings.TrimRight(sentence, ".!?"))
		if trimmed == "" {
			continue
		}
		for _, r := range rules {
			if m := r.regex.FindStringSubmatch(trimmed); m != nil {
				out = append(out, Candidate{
					Kind:       r.kind,
					Text:       r.format(m),
					Confidence: r.confidence,
					Tags:       r.tags,
				})
			}
		}
	}
	return out
}

func splitSentences(text string) []string {
	return regexp.MustCompile(`[.!?]+\s*`).Split(text, -1)
}

// phoneticThreshold is the minimum Jaro-Winkler similarity, applied after a
// double-metaphone code match, required to treat two names as the same
// person. Double metaphone alone over-matches short common names, so the
// two checks run in series.
const phoneticThreshold = 0.85

// Dedupe resolves a newly extracted KindPerson candidate against existing
// person records recalled from store, returning the existing record it
// should merge into and true, or a zero record and false if the candidate
// names someone not already known.
func Dedupe(ctx context.Context, store memory.Store, candidateName string, existing []memory.RecallResult) (types.MemoryRecord, bool) {
	candCode1, candCode2 := matchr.DoubleMetaphone(candidateName)

	for _, hit := range existing {
		if hit.Record.Kind != types.KindPerson {
			continue
		}
		code1, code2 := matchr.DoubleMetaphone(hit.Record.Text)
		if !phoneticOverlap(candCode1, candCode2, code1, code2) {
			continue
		}
		sim := matchr.JaroWinkler(strings.ToLower(candidateName), strings.ToLower(hit.Record.Text), false)
		if sim >= phoneticThreshold {
			return hit.Record, true
		}
	}
	return types.MemoryRecord{}, false
}

func phoneticOverlap(a1, a2, b1, b2 string) bool {
	return (a1 != "" && (a1 == b1 || a1 == b2)) || (a2 != "" && (a2 == b1 || a2 == b2))
}

// ErrNoStore is returned by Capture when store is nil, which happens when
// memory.enabled is false in configuration.
var ErrNoStore = fmt.Errorf("capture: memory store not configured")

// Capture records an accepted turn: it writes one episode record holding
// the raw utterance, extracts durable candidates, and writes each candidate
// whose confidence clears minConfidence to store, merging KindPerson
// candidates into an existing record (via Patch) when Dedupe finds a
// phonetic match instead of inserting a duplicate. Candidates below the
// gate survive only as part of the episode. recallForDedupe supplies the
// existing KindPerson records to dedupe against; callers typically pass the
// same recall result already fetched for the turn's context injection.
//
// The returned records describe every write that happened, for event
// emission by the caller.
func Capture(ctx context.Context, store memory.Store, turnID string, text string, minConfidence float64, recallForDedupe []memory.RecallResult) ([]types.MemoryRecord, error) {
	if store == nil {
		return nil, ErrNoStore
	}

	var written []types.MemoryRecord

	episode := types.MemoryRecord{
		Kind:         types.KindEpisode,
		Text:         text,
		Confidence:   1.0,
		SourceTurnID: turnID,
	}
	if id, err := store.Insert(ctx, episode); err != nil {
		return written, fmt.Errorf("capture: insert episode: %w", err)
	} else {
		episode.ID = id
		episode.Status = types.StatusActive
		written = append(written, episode)
	}

	for _, cand := range Extract(text) {
		if cand.Confidence < minConfidence {
			continue
		}
		if cand.Kind == types.KindPerson {
			if existing, found := Dedupe(ctx, store, cand.Text, recallForDedupe); found {
				conf := existing.Confidence
				if cand.Confidence > conf {
					conf = cand.Confidence
				}
				if err := store.Patch(ctx, existing.ID, memory.PatchFields{Confidence: &conf}); err != nil {
					return written, fmt.Errorf("capture: patch existing person: %w", err)
				}
				existing.Confidence = conf
				written = append(written, existing)
				continue
			}
		}
		record := types.MemoryRecord{
			Kind:         cand.Kind,
			Text:         cand.Text,
			Confidence:   cand.Confidence,
			Tags:         cand.Tags,
			SourceTurnID: turnID,
		}

		// A profile candidate on the same topic as an existing record is a
		// correction: supersede rather than accumulate contradictions.
		if conflicting, found := findConflicting(cand, recallForDedupe); found {
			newID, err := store.Supersede(ctx, conflicting.ID, record)
			if err != nil {
				return written, fmt.Errorf("capture: supersede conflicting record: %w", err)
			}
			record.ID = newID
			record.Status = types.StatusActive
			record.Supersedes = &conflicting.ID
			written = append(written, record)
			continue
		}

		id, err := store.Insert(ctx, record)
		if err != nil {
			return written, fmt.Errorf("capture: insert candidate: %w", err)
		}
		record.ID = id
		record.Status = types.StatusActive
		written = append(written, record)
	}
	return written, nil
}

// findConflicting returns an existing active profile record the candidate
// contradicts: same kind, same topic tag, different text.
func findConflicting(cand Candidate, existing []memory.RecallResult) (types.MemoryRecord, bool) {
	if cand.Kind != types.KindProfile {
		return types.MemoryRecord{}, false
	}
	for _, hit := range existing {
		if hit.Record.Kind != types.KindProfile || hit.Record.Status != types.StatusActive {
			continue
		}
		if hit.Record.Text == cand.Text {
			continue
		}
		if sharesTag(cand.Tags, hit.Record.Tags) {
			return hit.Record, true
		}
	}
	return types.MemoryRecord{}, false
}

func sharesTag(a, b []string) bool {
	for _, ta := range a {
		for _, tb := range b {
			if ta == tb {
				return true
			}
		}
	}
	return false
}
