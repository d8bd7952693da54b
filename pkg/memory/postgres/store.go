// Package postgres implements [memory.Store] on top of PostgreSQL + pgvector:
// a flat memory_records table with an append-only audit_entries log, vector
// similarity for the semantic recall term, and full-text search as the
// lexical fallback.
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fae-run/fae-core/pkg/memory"
	"github.com/fae-run/fae-core/pkg/types"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Store implements memory.Store on a pgxpool connection pool.
type Store struct {
	pool                *pgxpool.Pool
	embeddingDimensions int
	maxRecordChars      int
	ranking             memory.RankingConfig
	postgresDSN         string

	mu            sync.Mutex
	lastBackupDir string
}

var _ memory.Store = (*Store)(nil)

// Option configures a Store at construction time.
type Option func(*Store)

// WithMaxRecordChars bounds Insert's accepted text length.
func WithMaxRecordChars(n int) Option {
	return func(s *Store) { s.maxRecordChars = n }
}

// WithRankingConfig overrides the default hybrid recall weights.
func WithRankingConfig(cfg memory.RankingConfig) Option {
	return func(s *Store) { s.ranking = cfg }
}

// NewStore connects to dsn, ensures the schema exists (sized for
// embeddingDimensions), and returns a ready-to-use Store. Callers own the
// returned pool's lifetime via Close.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("memory/postgres: connect: %w", err)
	}

	s := &Store{
		pool:                pool,
		embeddingDimensions: embeddingDimensions,
		ranking:             memory.DefaultRankingConfig(),
		postgresDSN:         dsn,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(schemaDDLTemplate, embeddingDimensions)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory/postgres: apply schema: %w", err)
	}

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (s *Store) insertAudit(ctx context.Context, tx pgx.Tx, recordID uuid.UUID, op types.AuditOp, priorDigest, newDigest string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_entries (id, record_id, op, ts, prior_digest, new_digest) VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.New(), recordID, string(op), time.Now(), priorDigest, newDigest)
	return err
}

// Insert implements memory.Store.
func (s *Store) Insert(ctx context.Context, record types.MemoryRecord) (uuid.UUID, error) {
	if s.maxRecordChars > 0 && len(record.Text) > s.maxRecordChars {
		return uuid.Nil, memory.ErrTextTooLong
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("memory/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var embArg any
	if record.Embedding != nil {
		embArg = pgvector.NewVector(record.Embedding)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memory_records (id, kind, status, text, confidence, created_at, updated_at, source_turn_id, tags, supersedes, embedding)
		VALUES ($1,$2,'active',$3,$4,$5,$5,$6,$7,$8,$9)`,
		record.ID, string(record.Kind), record.Text, record.Confidence, now,
		record.SourceTurnID, record.Tags, record.Supersedes, embArg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("memory/postgres: insert: %w", err)
	}
	if err := s.insertAudit(ctx, tx, record.ID, types.OpInsert, "", digest(record.Text)); err != nil {
		return uuid.Nil, fmt.Errorf("memory/postgres: audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("memory/postgres: commit: %w", err)
	}
	return record.ID, nil
}

// Patch implements memory.Store.
func (s *Store) Patch(ctx context.Context, id uuid.UUID, fields memory.PatchFields) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("memory/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status, text string
	if err := tx.QueryRow(ctx, `SELECT status, text FROM memory_records WHERE id=$1 FOR UPDATE`, id).Scan(&status, &text); err != nil {
		if err == pgx.ErrNoRows {
			return memory.ErrNotFound
		}
		return fmt.Errorf("memory/postgres: select: %w", err)
	}
	if types.MemoryStatus(status) == types.StatusForgotten {
		return memory.ErrForgotten
	}

	priorDigest := digest(text)
	newText := text
	if fields.Text != nil {
		newText = *fields.Text
	}

	_, err = tx.Exec(ctx, `
		UPDATE memory_records SET
			text = COALESCE($2, text),
			confidence = COALESCE($3, confidence),
			tags = COALESCE($4, tags),
			updated_at = $5
		WHERE id = $1`,
		id, fields.Text, fields.Confidence, nullableTags(fields.Tags), time.Now())
	if err != nil {
		return fmt.Errorf("memory/postgres: update: %w", err)
	}
	if err := s.insertAudit(ctx, tx, id, types.OpPatch, priorDigest, digest(newText)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func nullableTags(tags []string) any {
	if tags == nil {
		return nil
	}
	return tags
}

// Supersede implements memory.Store. The old_id status flip and new-row
// insert happen in one transaction with a row-lock on old_id so two
// concurrent supersede calls for the same old_id produce exactly one
// success.
func (s *Store) Supersede(ctx context.Context, oldID uuid.UUID, newRecord types.MemoryRecord) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("memory/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status, text string
	if err := tx.QueryRow(ctx, `SELECT status, text FROM memory_records WHERE id=$1 FOR UPDATE`, oldID).Scan(&status, &text); err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, memory.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("memory/postgres: select: %w", err)
	}
	if types.MemoryStatus(status) == types.StatusSuperseded {
		return uuid.Nil, memory.ErrConflictingSupersede
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `UPDATE memory_records SET status='superseded', updated_at=$2 WHERE id=$1`, oldID, now); err != nil {
		return uuid.Nil, fmt.Errorf("memory/postgres: supersede old: %w", err)
	}
	if err := s.insertAudit(ctx, tx, oldID, types.OpSupersede, digest(text), digest(text)); err != nil {
		return uuid.Nil, err
	}

	if newRecord.ID == uuid.Nil {
		newRecord.ID = uuid.New()
	}
	var embArg any
	if newRecord.Embedding != nil {
		embArg = pgvector.NewVector(newRecord.Embedding)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO memory_records (id, kind, status, text, confidence, created_at, updated_at, source_turn_id, tags, supersedes, embedding)
		VALUES ($1,$2,'active',$3,$4,$5,$5,$6,$7,$8,$9)`,
		newRecord.ID, string(newRecord.Kind), newRecord.Text, newRecord.Confidence, now,
		newRecord.SourceTurnID, newRecord.Tags, oldID, embArg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("memory/postgres: insert new: %w", err)
	}
	if err := s.insertAudit(ctx, tx, newRecord.ID, types.OpInsert, "", digest(newRecord.Text)); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("memory/postgres: commit: %w", err)
	}
	return newRecord.ID, nil
}

// Invalidate implements memory.Store.
func (s *Store) Invalidate(ctx context.Context, id uuid.UUID, _ string) error {
	return s.transition(ctx, id, types.StatusInvalidated, types.OpInvalidate, false)
}

// ForgetSoft implements memory.Store.
func (s *Store) ForgetSoft(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, types.StatusForgotten, types.OpForgetSoft, false)
}

// ForgetHard implements memory.Store.
func (s *Store) ForgetHard(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, types.StatusForgotten, types.OpForgetHard, true)
}

func (s *Store) transition(ctx context.Context, id uuid.UUID, status types.MemoryStatus, op types.AuditOp, redact bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("memory/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var text string
	if err := tx.QueryRow(ctx, `SELECT text FROM memory_records WHERE id=$1 FOR UPDATE`, id).Scan(&text); err != nil {
		if err == pgx.ErrNoRows {
			return memory.ErrNotFound
		}
		return fmt.Errorf("memory/postgres: select: %w", err)
	}
	prior := digest(text)
	newText := text
	if redact {
		newText = ""
	}
	_, err = tx.Exec(ctx, `UPDATE memory_records SET status=$2, text=$3, updated_at=$4 WHERE id=$1`,
		id, string(status), newText, time.Now())
	if err != nil {
		return fmt.Errorf("memory/postgres: update: %w", err)
	}
	if err := s.insertAudit(ctx, tx, id, op, prior, digest(newText)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get implements memory.Store.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (types.MemoryRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, status, text, confidence, created_at, updated_at, source_turn_id, tags, supersedes
		FROM memory_records WHERE id=$1`, id)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (types.MemoryRecord, error) {
	var rec types.MemoryRecord
	var kind, status string
	var supersedes *uuid.UUID
	if err := row.Scan(&rec.ID, &kind, &status, &rec.Text, &rec.Confidence, &rec.CreatedAt, &rec.UpdatedAt, &rec.SourceTurnID, &rec.Tags, &supersedes); err != nil {
		if err == pgx.ErrNoRows {
			return types.MemoryRecord{}, memory.ErrNotFound
		}
		return types.MemoryRecord{}, fmt.Errorf("memory/postgres: scan: %w", err)
	}
	rec.Kind = types.MemoryKind(kind)
	rec.Status = types.MemoryStatus(status)
	rec.Supersedes = supersedes
	return rec, nil
}

// IntegrityCheck implements memory.Store: a fast structural validation that
// every superseded record resolves to a successor record and the audit log is
// non-empty whenever records exist.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var orphans int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM memory_records r
		WHERE r.status = 'superseded'
		AND NOT EXISTS (SELECT 1 FROM memory_records n WHERE n.supersedes = r.id)`,
	).Scan(&orphans)
	if err != nil {
		return fmt.Errorf("%w: integrity query failed: %v", memory.ErrCorrupt, err)
	}
	if orphans > 0 {
		return fmt.Errorf("%w: %d superseded records have no successor", memory.ErrCorrupt, orphans)
	}

	var records, audits int
	err = s.pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM memory_records), (SELECT count(*) FROM audit_entries)`,
	).Scan(&records, &audits)
	if err != nil {
		return fmt.Errorf("%w: integrity query failed: %v", memory.ErrCorrupt, err)
	}
	if records > 0 && audits == 0 {
		return fmt.Errorf("%w: %d records but the audit log is empty", memory.ErrCorrupt, records)
	}
	return nil
}

// Backup implements memory.Store by shelling out to pg_dump -Fc, producing
// an atomic consistent copy written via renameio so a crash mid-dump never
// leaves a partial backup file visible under the final name.
func (s *Store) Backup(ctx context.Context, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("memory/postgres: mkdir backup dir: %w", err)
	}
	name := fmt.Sprintf("fae-backup-%s.db", time.Now().Format("20060102-150405"))
	finalPath := filepath.Join(destDir, name)

	tmp, err := renameio.TempFile(destDir, finalPath)
	if err != nil {
		return "", fmt.Errorf("memory/postgres: create temp backup file: %w", err)
	}
	defer tmp.Cleanup()

	cmd := exec.CommandContext(ctx, "pg_dump", "-Fc", "--no-owner", "-f", tmp.Name(), s.postgresDSN)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("memory/postgres: pg_dump: %w: %s", err, string(out))
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("memory/postgres: finalize backup: %w", err)
	}

	s.mu.Lock()
	s.lastBackupDir = destDir
	s.mu.Unlock()

	return finalPath, nil
}

// RotateBackups implements memory.Store: deletes all but the keepCount most
// recent fae-backup-*.db files under the directory most recently passed to
// Backup.
func (s *Store) RotateBackups(_ context.Context, keepCount int) (int, error) {
	s.mu.Lock()
	dir := s.lastBackupDir
	s.mu.Unlock()
	if dir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("memory/postgres: read backup dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if ok, _ := filepath.Match("fae-backup-*.db", e.Name()); ok && !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	deleted := 0
	for i := keepCount; i < len(names); i++ {
		if err := os.Remove(filepath.Join(dir, names[i])); err == nil {
			deleted++
		}
	}
	return deleted, nil
}
