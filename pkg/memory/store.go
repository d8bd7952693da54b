// Package memory defines the durable, auditable record store that backs
// Fae's long-term memory: a flat collection of MemoryRecord values with an
// append-only audit log, atomic supersession, and hybrid (semantic +
// structural) recall. It is consulted by the Pipeline Coordinator's LLM
// stage once per accepted user turn.
//
// Implementations must be safe for concurrent use. Mutations are serialized
// by a single logical writer lock; recall reads a consistent snapshot.
package memory

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/fae-run/fae-core/pkg/types"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a record ID does not exist (or is not
// visible under the caller's expectations, e.g. already forgotten).
var ErrNotFound = errors.New("memory: record not found")

// ErrForgotten is returned by Patch when the target record has
// status=forgotten.
var ErrForgotten = errors.New("memory: record is forgotten")

// ErrTextTooLong is returned by Insert when text exceeds MaxRecordChars.
var ErrTextTooLong = errors.New("memory: record text exceeds max_record_chars")

// ErrConflictingSupersede is returned when two concurrent Supersede calls
// race for the same old_id; exactly one succeeds.
var ErrConflictingSupersede = errors.New("memory: conflicting supersede")

// ErrCorrupt is returned by IntegrityCheck when the store fails structural
// validation.
var ErrCorrupt = errors.New("memory: store is corrupt")

// PatchFields carries the mutable subset of a MemoryRecord for Patch calls.
// A nil pointer field means "leave unchanged".
type PatchFields struct {
	Text       *string
	Confidence *float64
	Tags       []string
}

// RecallBudget bounds a recall() call: at most Items records, and the sum of
// their Text lengths must not exceed Chars.
type RecallBudget struct {
	Items int
	Chars int
}

// RecallResult is one scored hit returned by Recall.
type RecallResult struct {
	Record types.MemoryRecord
	Score  float64
}

// Store is the durable memory record store.
type Store interface {
	// Insert writes record with Status=active and a fresh ID. Fails with
	// ErrTextTooLong if Text exceeds the configured max_record_chars. Callers
	// should treat a successful Insert as implicitly emitting a MemoryWrite
	// event at a higher layer (the Store itself has no event-bus dependency).
	Insert(ctx context.Context, record types.MemoryRecord) (uuid.UUID, error)

	// Patch updates the given fields on an active record and writes an audit
	// entry carrying prior/new content digests. Returns ErrForgotten if the
	// record has status=forgotten, ErrNotFound if it does not exist.
	Patch(ctx context.Context, id uuid.UUID, fields PatchFields) error

	// Supersede atomically sets old_id.status=superseded and inserts
	// newRecord with Supersedes=old_id and Status=active. Returns
	// ErrConflictingSupersede if old_id was concurrently superseded by
	// another caller.
	Supersede(ctx context.Context, oldID uuid.UUID, newRecord types.MemoryRecord) (uuid.UUID, error)

	// Invalidate transitions a record to status=invalidated.
	Invalidate(ctx context.Context, id uuid.UUID, reason string) error

	// ForgetSoft transitions a record to status=forgotten without erasing
	// its text. The audit trail is preserved in full.
	ForgetSoft(ctx context.Context, id uuid.UUID) error

	// ForgetHard transitions a record to status=forgotten and permanently
	// redacts its Text; the audit trail (with the content body removed) is
	// retained.
	ForgetHard(ctx context.Context, id uuid.UUID) error

	// Get returns a single record snapshot by ID.
	Get(ctx context.Context, id uuid.UUID) (types.MemoryRecord, error)

	// Recall returns durable records (kind != episode) ranked by the hybrid
	// score 0.6*semantic + 0.2*confidence + 0.1*freshness + 0.1*kind_bonus,
	// truncated to budget.Chars by packing highest-score-first, never
	// exceeding budget.Items records. Deterministic for identical store
	// state and query.
	Recall(ctx context.Context, query string, queryEmbedding []float32, budget RecallBudget) ([]RecallResult, error)

	// IntegrityCheck performs a fast structural validation, intended to run
	// at startup. Returns ErrCorrupt (wrapped) if validation fails; never
	// panics.
	IntegrityCheck(ctx context.Context) error

	// Backup produces an atomic, consistent copy of the store under destDir
	// and returns its path.
	Backup(ctx context.Context, destDir string) (string, error)

	// RotateBackups deletes backups under the store's backup directory
	// beyond the keepCount most recent, returning how many were deleted.
	RotateBackups(ctx context.Context, keepCount int) (int, error)
}

// RankingConfig tunes Recall's scoring function.
type RankingConfig struct {
	// FreshnessTau is the time constant (in days) for the freshness term
	// exp(-Δdays / tau). Default 30.
	FreshnessTau float64

	// SemanticWeight, ConfidenceWeight, FreshnessWeight, KindBonusWeight sum
	// to 1.0 in the default configuration (0.6, 0.2, 0.1, 0.1).
	SemanticWeight   float64
	ConfidenceWeight float64
	FreshnessWeight  float64
	KindBonusWeight  float64
}

// DefaultRankingConfig returns the default ranking weights.
func DefaultRankingConfig() RankingConfig {
	return RankingConfig{
		FreshnessTau:     30,
		SemanticWeight:   0.6,
		ConfidenceWeight: 0.2,
		FreshnessWeight:  0.1,
		KindBonusWeight:  0.1,
	}
}

// KindBonus returns the fixed per-kind ranking bonus in [0,1], favoring
// profile over fact over event, per the recall ranking semantics.
func KindBonus(k types.MemoryKind) float64 {
	switch k {
	case types.KindProfile:
		return 1.0
	case types.KindCommitment:
		return 0.85
	case types.KindPerson:
		return 0.7
	case types.KindFact:
		return 0.55
	case types.KindInterest:
		return 0.4
	case types.KindEvent:
		return 0.25
	default:
		return 0.1
	}
}

// Freshness computes exp(-Δdays / tau) for updatedAt relative to now.
func Freshness(updatedAt, now time.Time, tau float64) float64 {
	if tau <= 0 {
		tau = 30
	}
	deltaDays := now.Sub(updatedAt).Hours() / 24
	if deltaDays < 0 {
		deltaDays = 0
	}
	return math.Exp(-deltaDays / tau)
}
