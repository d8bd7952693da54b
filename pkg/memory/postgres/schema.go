package postgres

// schemaDDLTemplate creates the memory_records and audit_entries tables plus the
// pgvector extension and similarity index. dimensions is substituted at
// NewStore time so the vector column matches the configured embedding model.
const schemaDDLTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_records (
	id             UUID PRIMARY KEY,
	kind           TEXT NOT NULL,
	status         TEXT NOT NULL,
	text           TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	source_turn_id TEXT NOT NULL DEFAULT '',
	tags           TEXT[] NOT NULL DEFAULT '{}',
	supersedes     UUID NULL REFERENCES memory_records(id),
	embedding      vector(%d) NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_records_status ON memory_records(status);
CREATE INDEX IF NOT EXISTS idx_memory_records_kind ON memory_records(kind);
CREATE INDEX IF NOT EXISTS idx_memory_records_supersedes ON memory_records(supersedes);

CREATE INDEX IF NOT EXISTS idx_memory_records_embedding
	ON memory_records USING ivfflat (embedding vector_cosine_ops)
	WITH (lists = 100);

CREATE TABLE IF NOT EXISTS audit_entries (
	id            UUID PRIMARY KEY,
	record_id     UUID NOT NULL,
	op            TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	prior_digest  TEXT NOT NULL DEFAULT '',
	new_digest    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_record_id ON audit_entries(record_id);
`
