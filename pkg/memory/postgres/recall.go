package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/fae-run/fae-core/pkg/memory"
	"github.com/fae-run/fae-core/pkg/types"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

var warnNoEmbeddingOnce sync.Once

// Recall implements memory.Store. When queryEmbedding is nil (no embedding
// engine configured), it falls through to full-text lexical overlap scored
// at semantic weight 1.0, emitting a one-shot warning rather than failing
// or warning per call.
func (s *Store) Recall(ctx context.Context, query string, queryEmbedding []float32, budget memory.RecallBudget) ([]memory.RecallResult, error) {
	var candidates []scoredCandidate
	var err error

	if queryEmbedding != nil {
		candidates, err = s.recallSemantic(ctx, queryEmbedding)
	} else {
		warnNoEmbeddingOnce.Do(func() {
			slog.Warn("memory: no embedding engine configured, recall falls back to lexical overlap")
		})
		candidates, err = s.recallLexical(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("memory/postgres: recall: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].record.Confidence != candidates[j].record.Confidence {
			return candidates[i].record.Confidence > candidates[j].record.Confidence
		}
		if !candidates[i].record.UpdatedAt.Equal(candidates[j].record.UpdatedAt) {
			return candidates[i].record.UpdatedAt.After(candidates[j].record.UpdatedAt)
		}
		return candidates[i].record.ID.String() < candidates[j].record.ID.String()
	})

	var out []memory.RecallResult
	usedChars := 0
	for _, c := range candidates {
		if budget.Items > 0 && len(out) >= budget.Items {
			break
		}
		if budget.Chars > 0 && usedChars+len(c.record.Text) > budget.Chars {
			continue
		}
		usedChars += len(c.record.Text)
		out = append(out, memory.RecallResult{Record: c.record, Score: c.score})
	}
	return out, nil
}

type scoredCandidate struct {
	record types.MemoryRecord
	score  float64
}

// recallSemantic scores every active non-episode record by cosine distance
// to queryEmbedding via pgvector's `<=>` operator, combined with confidence,
// freshness, and kind bonus per the hybrid ranking formula.
func (s *Store) recallSemantic(ctx context.Context, queryEmbedding []float32) ([]scoredCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, status, text, confidence, created_at, updated_at, source_turn_id, tags, supersedes,
			1 - (embedding <=> $1) AS similarity,
			EXTRACT(EPOCH FROM (now() - updated_at)) / 86400.0 AS age_days
		FROM memory_records
		WHERE status = 'active' AND kind != 'episode' AND embedding IS NOT NULL`,
		pgvector.NewVector(queryEmbedding))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scoredCandidate
	for rows.Next() {
		rec, similarity, ageDays, err := scanRecallRow(rows)
		if err != nil {
			return nil, err
		}
		freshness := freshnessFromAgeDays(ageDays, s.ranking.FreshnessTau)
		score := s.ranking.SemanticWeight*clamp01(similarity) +
			s.ranking.ConfidenceWeight*rec.Confidence +
			s.ranking.FreshnessWeight*freshness +
			s.ranking.KindBonusWeight*memory.KindBonus(rec.Kind)
		out = append(out, scoredCandidate{record: rec, score: score})
	}
	return out, rows.Err()
}

// recallLexical scores every active non-episode record using Postgres
// full-text search (plainto_tsquery/ts_rank) in place of the semantic term
// when no embedding engine is configured.
func (s *Store) recallLexical(ctx context.Context, query string) ([]scoredCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, status, text, confidence, created_at, updated_at, source_turn_id, tags, supersedes,
			ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1)) AS similarity,
			EXTRACT(EPOCH FROM (now() - updated_at)) / 86400.0 AS age_days
		FROM memory_records
		WHERE status = 'active' AND kind != 'episode'`,
		query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scoredCandidate
	for rows.Next() {
		rec, similarity, ageDays, err := scanRecallRow(rows)
		if err != nil {
			return nil, err
		}
		freshness := freshnessFromAgeDays(ageDays, s.ranking.FreshnessTau)
		score := 1.0*clamp01(similarity) +
			s.ranking.ConfidenceWeight*rec.Confidence +
			s.ranking.FreshnessWeight*freshness +
			s.ranking.KindBonusWeight*memory.KindBonus(rec.Kind)
		out = append(out, scoredCandidate{record: rec, score: score})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecallRow(row rowScanner) (types.MemoryRecord, float64, float64, error) {
	var rec types.MemoryRecord
	var kind, status string
	var supersedes *uuid.UUID
	var similarity, ageDays float64
	if err := row.Scan(&rec.ID, &kind, &status, &rec.Text, &rec.Confidence, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.SourceTurnID, &rec.Tags, &supersedes, &similarity, &ageDays); err != nil {
		return types.MemoryRecord{}, 0, 0, err
	}
	rec.Kind = types.MemoryKind(kind)
	rec.Status = types.MemoryStatus(status)
	rec.Supersedes = supersedes
	return rec, similarity, ageDays, nil
}

func freshnessFromAgeDays(ageDays, tau float64) float64 {
	if tau <= 0 {
		tau = 30
	}
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / tau)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
