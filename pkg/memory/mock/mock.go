// Package mock provides an in-memory [memory.Store] implementation for use
// in tests that do not require a live PostgreSQL instance.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fae-run/fae-core/pkg/memory"
	"github.com/fae-run/fae-core/pkg/types"
	"github.com/google/uuid"
)

// Store is a mutex-guarded, in-process [memory.Store]. It keeps all records
// and audit entries in memory; nothing survives process restart.
type Store struct {
	mu      sync.Mutex
	records map[uuid.UUID]types.MemoryRecord
	audit   []types.AuditEntry
	ranking memory.RankingConfig

	// MaxRecordChars mirrors memory.max_record_chars. Zero means no limit.
	MaxRecordChars int

	// IntegrityErr, when set, is returned by IntegrityCheck.
	IntegrityErr error
}

// New returns a ready-to-use empty Store.
func New() *Store {
	return &Store{
		records: make(map[uuid.UUID]types.MemoryRecord),
		ranking: memory.DefaultRankingConfig(),
	}
}

var _ memory.Store = (*Store)(nil)

func digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (s *Store) appendAudit(recordID uuid.UUID, op types.AuditOp, priorDigest, newDigest string) {
	s.audit = append(s.audit, types.AuditEntry{
		ID:          uuid.New(),
		RecordID:    recordID,
		Op:          op,
		Timestamp:   time.Now(),
		PriorDigest: priorDigest,
		NewDigest:   newDigest,
	})
}

// Insert implements memory.Store.
func (s *Store) Insert(_ context.Context, record types.MemoryRecord) (uuid.UUID, error) {
	if s.MaxRecordChars > 0 && len(record.Text) > s.MaxRecordChars {
		return uuid.Nil, memory.ErrTextTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.Status = types.StatusActive
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	s.records[record.ID] = record
	s.appendAudit(record.ID, types.OpInsert, "", digest(record.Text))
	return record.ID, nil
}

// Patch implements memory.Store.
func (s *Store) Patch(_ context.Context, id uuid.UUID, fields memory.PatchFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return memory.ErrNotFound
	}
	if rec.Status == types.StatusForgotten {
		return memory.ErrForgotten
	}

	prior := digest(rec.Text)
	if fields.Text != nil {
		rec.Text = *fields.Text
	}
	if fields.Confidence != nil {
		rec.Confidence = *fields.Confidence
	}
	if fields.Tags != nil {
		rec.Tags = fields.Tags
	}
	rec.UpdatedAt = time.Now()
	s.records[id] = rec
	s.appendAudit(id, types.OpPatch, prior, digest(rec.Text))
	return nil
}

// Supersede implements memory.Store.
func (s *Store) Supersede(_ context.Context, oldID uuid.UUID, newRecord types.MemoryRecord) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.records[oldID]
	if !ok {
		return uuid.Nil, memory.ErrNotFound
	}
	if old.Status == types.StatusSuperseded {
		return uuid.Nil, memory.ErrConflictingSupersede
	}

	old.Status = types.StatusSuperseded
	old.UpdatedAt = time.Now()
	s.records[oldID] = old
	s.appendAudit(oldID, types.OpSupersede, digest(old.Text), digest(old.Text))

	if newRecord.ID == uuid.Nil {
		newRecord.ID = uuid.New()
	}
	newRecord.Status = types.StatusActive
	newRecord.Supersedes = &oldID
	now := time.Now()
	newRecord.CreatedAt = now
	newRecord.UpdatedAt = now
	s.records[newRecord.ID] = newRecord
	s.appendAudit(newRecord.ID, types.OpInsert, "", digest(newRecord.Text))

	return newRecord.ID, nil
}

// Invalidate implements memory.Store.
func (s *Store) Invalidate(_ context.Context, id uuid.UUID, _ string) error {
	return s.transition(id, types.StatusInvalidated, types.OpInvalidate, false)
}

// ForgetSoft implements memory.Store.
func (s *Store) ForgetSoft(_ context.Context, id uuid.UUID) error {
	return s.transition(id, types.StatusForgotten, types.OpForgetSoft, false)
}

// ForgetHard implements memory.Store.
func (s *Store) ForgetHard(_ context.Context, id uuid.UUID) error {
	return s.transition(id, types.StatusForgotten, types.OpForgetHard, true)
}

func (s *Store) transition(id uuid.UUID, status types.MemoryStatus, op types.AuditOp, redact bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return memory.ErrNotFound
	}
	prior := digest(rec.Text)
	rec.Status = status
	rec.UpdatedAt = time.Now()
	if redact {
		rec.Text = ""
	}
	s.records[id] = rec
	s.appendAudit(id, op, prior, digest(rec.Text))
	return nil
}

// Get implements memory.Store.
func (s *Store) Get(_ context.Context, id uuid.UUID) (types.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return types.MemoryRecord{}, memory.ErrNotFound
	}
	return rec, nil
}

// Recall implements memory.Store using lexical overlap only — mock never
// has an embedding engine, so it exercises the lexical fallback path
// (overlap weighted at 1.0, identical budget contract).
func (s *Store) Recall(_ context.Context, query string, _ []float32, budget memory.RecallBudget) ([]memory.RecallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	qWords := tokenize(query)

	var scored []memory.RecallResult
	for _, rec := range s.records {
		if rec.Kind == types.KindEpisode || rec.Status != types.StatusActive {
			continue
		}
		lexical := lexicalOverlap(qWords, tokenize(rec.Text))
		freshness := memory.Freshness(rec.UpdatedAt, now, s.ranking.FreshnessTau)
		score := 1.0*lexical +
			s.ranking.ConfidenceWeight*rec.Confidence +
			s.ranking.FreshnessWeight*freshness +
			s.ranking.KindBonusWeight*memory.KindBonus(rec.Kind)
		scored = append(scored, memory.RecallResult{Record: rec, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Record.Confidence != scored[j].Record.Confidence {
			return scored[i].Record.Confidence > scored[j].Record.Confidence
		}
		if !scored[i].Record.UpdatedAt.Equal(scored[j].Record.UpdatedAt) {
			return scored[i].Record.UpdatedAt.After(scored[j].Record.UpdatedAt)
		}
		return scored[i].Record.ID.String() < scored[j].Record.ID.String()
	})

	var out []memory.RecallResult
	usedChars := 0
	for _, r := range scored {
		if budget.Items > 0 && len(out) >= budget.Items {
			break
		}
		if budget.Chars > 0 && usedChars+len(r.Record.Text) > budget.Chars {
			continue
		}
		usedChars += len(r.Record.Text)
		out = append(out, r)
	}
	return out, nil
}

// IntegrityCheck implements memory.Store.
func (s *Store) IntegrityCheck(_ context.Context) error {
	if s.IntegrityErr != nil {
		return fmt.Errorf("%w: %v", memory.ErrCorrupt, s.IntegrityErr)
	}
	return nil
}

// Backup implements memory.Store as a no-op that reports a synthetic path;
// the mock has no file-backed state to snapshot.
func (s *Store) Backup(_ context.Context, destDir string) (string, error) {
	return destDir + "/mock-backup", nil
}

// RotateBackups implements memory.Store as a no-op.
func (s *Store) RotateBackups(_ context.Context, _ int) (int, error) {
	return 0, nil
}

// AuditLog returns a snapshot of all recorded audit entries, for assertions
// in tests.
func (s *Store) AuditLog() []types.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

func tokenize(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func lexicalOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	hits := 0
	for w := range a {
		if _, ok := b[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(a))
}
