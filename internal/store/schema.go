package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// migrations are applied in order; the database's PRAGMA user_version
// records how many have run. Append new steps, never edit applied ones.
var migrations = []string{schemaV1}

// SchemaVersion is the schema version this build migrates to.
var SchemaVersion = len(migrations)

// schemaV1 defines all research state tables.
const schemaV1 = `
-- Sessions own every other row through ON DELETE CASCADE.
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    topic TEXT NOT NULL,
    research_type TEXT NOT NULL DEFAULT 'deep',
    status TEXT NOT NULL DEFAULT 'initializing',
    structured_prompt TEXT,
    research_plan TEXT,
    output_directory TEXT,
    metadata TEXT,
    error_log TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    agent_type TEXT NOT NULL,
    role TEXT,
    status TEXT NOT NULL DEFAULT 'deploying',
    focus TEXT,
    search_queries TEXT,
    output_file TEXT,
    token_usage INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    metadata TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    completed_at INTEGER,
    last_heartbeat INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id, status);
CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents(status, last_heartbeat);

-- Graph of Thoughts. Roots have a NULL parent; depth is parent depth + 1.
CREATE TABLE IF NOT EXISTS got_nodes (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    parent_id TEXT REFERENCES got_nodes(id) ON DELETE CASCADE,
    node_type TEXT NOT NULL,
    content TEXT NOT NULL,
    quality_score REAL NOT NULL DEFAULT 0 CHECK (quality_score >= 0 AND quality_score <= 10),
    depth INTEGER NOT NULL CHECK (depth >= 0),
    status TEXT NOT NULL DEFAULT 'active',
    summary TEXT,
    compression_ratio REAL,
    metadata TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_got_nodes_session ON got_nodes(session_id, status);
CREATE INDEX IF NOT EXISTS idx_got_nodes_parent ON got_nodes(parent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_got_nodes_score ON got_nodes(session_id, quality_score DESC);

CREATE TABLE IF NOT EXISTS got_operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    operation_type TEXT NOT NULL,
    node_ids TEXT,
    parameters TEXT,
    result TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_got_operations_session ON got_operations(session_id, operation_type);

-- Fact ledger. (entity, attribute) is deliberately not unique: differing
-- values for the same pair are conflict candidates.
CREATE TABLE IF NOT EXISTS facts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    agent_id TEXT,
    entity TEXT NOT NULL,
    attribute TEXT NOT NULL,
    value TEXT NOT NULL,
    value_type TEXT NOT NULL DEFAULT 'text',
    value_numeric REAL,
    unit TEXT,
    confidence TEXT NOT NULL DEFAULT 'Medium',
    context TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_session ON facts(session_id, entity, attribute);
CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts(entity);

CREATE TABLE IF NOT EXISTS fact_sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fact_id INTEGER NOT NULL REFERENCES facts(id) ON DELETE CASCADE,
    url TEXT NOT NULL,
    title TEXT,
    author TEXT,
    source_date TEXT,
    quality TEXT,
    page TEXT,
    excerpt TEXT,
    created_at INTEGER NOT NULL,
    UNIQUE (fact_id, url)
);

CREATE TABLE IF NOT EXISTS fact_conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    group_key TEXT NOT NULL,
    entity TEXT NOT NULL,
    attribute TEXT NOT NULL,
    conflict_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    fact_ids TEXT NOT NULL,
    fact_values TEXT NOT NULL,
    spread REAL,
    resolution TEXT,
    resolved_fact_id INTEGER,
    resolved_at INTEGER,
    detected_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- At most one open conflict per (entity, attribute) group.
CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_open
    ON fact_conflicts(session_id, group_key) WHERE resolved_at IS NULL;

-- Entity graph. Names are unique per session, case-insensitively.
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    name TEXT NOT NULL COLLATE NOCASE,
    entity_type TEXT,
    description TEXT,
    mention_count INTEGER NOT NULL DEFAULT 1,
    metadata TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (session_id, name)
);

CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);

-- Aliases are global: one alias maps to one canonical name across sessions.
CREATE TABLE IF NOT EXISTS entity_aliases (
    alias TEXT PRIMARY KEY COLLATE NOCASE,
    canonical TEXT NOT NULL COLLATE NOCASE,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entity_aliases_canonical ON entity_aliases(canonical);

CREATE TABLE IF NOT EXISTS entity_edges (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    source_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    relation_type TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0.5 CHECK (confidence >= 0 AND confidence <= 1),
    evidence TEXT,
    source_url TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (session_id, source_id, target_id, relation_type)
);

CREATE INDEX IF NOT EXISTS idx_entity_edges_source ON entity_edges(source_id, relation_type);
CREATE INDEX IF NOT EXISTS idx_entity_edges_target ON entity_edges(target_id, relation_type);

-- Unordered pairs stored with the lower id first.
CREATE TABLE IF NOT EXISTS entity_cooccurrence (
    entity_a_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    entity_b_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    cooccurrence_count INTEGER NOT NULL DEFAULT 0,
    snippets TEXT,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (entity_a_id, entity_b_id),
    CHECK (entity_a_id < entity_b_id)
);

CREATE INDEX IF NOT EXISTS idx_entity_cooccurrence_session ON entity_cooccurrence(session_id, cooccurrence_count DESC);

CREATE TABLE IF NOT EXISTS citations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    claim TEXT NOT NULL,
    agent_id TEXT,
    author TEXT,
    citation_date TEXT,
    title TEXT,
    url TEXT,
    pages TEXT,
    quality_rating TEXT,
    url_accessible INTEGER NOT NULL DEFAULT 0,
    complete INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_citations_session ON citations(session_id);
`

// migrate brings the schema up to SchemaVersion, one transaction per step.
func (d *DB) migrate(ctx context.Context) error {
	var current int
	if err := d.sql.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, SchemaVersion)
	}

	for v := current; v < SchemaVersion; v++ {
		tx, err := d.sql.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
		d.log.Info("schema migrated", zap.Int("version", v+1))
	}
	return nil
}

// Version reports the schema version recorded in the database.
func (d *DB) Version(ctx context.Context) (int, error) {
	var v int
	err := d.sql.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v)
	return v, err
}
