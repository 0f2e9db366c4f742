package sqlite

import "github.com/cortexmem/cortex/internal/storage"

// Migrations is the ordered schema history. Each entry runs inside a single
// transaction and is recorded in the _migrations table.
var Migrations = []storage.Migration{
	{
		Version: 1,
		Name:    "base_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	layer TEXT NOT NULL CHECK (layer IN ('working','core','archive')),
	category TEXT NOT NULL,
	content TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT 'default',
	importance REAL NOT NULL DEFAULT 0.5,
	confidence REAL NOT NULL DEFAULT 0.5,
	decay_score REAL NOT NULL DEFAULT 1.0,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP,
	superseded_by TEXT,
	is_pinned INTEGER NOT NULL DEFAULT 0,
	metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_agent_layer ON memories(agent_id, layer);
CREATE INDEX IF NOT EXISTS idx_memories_superseded ON memories(superseded_by);
CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);

CREATE TABLE IF NOT EXISTS relations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject TEXT NOT NULL,
	predicate TEXT NOT NULL,
	object TEXT NOT NULL,
	confidence REAL NOT NULL,
	source_memory_id TEXT,
	agent_id TEXT NOT NULL DEFAULT 'default',
	source TEXT NOT NULL DEFAULT '',
	extraction_count INTEGER NOT NULL DEFAULT 1,
	expired INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(subject, predicate, object, agent_id)
);

CREATE TABLE IF NOT EXISTS relation_evidence (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	relation_id INTEGER NOT NULL REFERENCES relations(id) ON DELETE CASCADE,
	memory_id TEXT,
	confidence REAL NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS access_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL,
	query TEXT NOT NULL DEFAULT '',
	rank INTEGER NOT NULL DEFAULT 0,
	accessed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS lifecycle_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	memory_ids TEXT,
	details TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL CHECK (channel IN ('fast','deep','flush','mcp')),
	agent_id TEXT NOT NULL DEFAULT 'default',
	session_id TEXT,
	raw_output TEXT,
	parsed_count INTEGER NOT NULL DEFAULT 0,
	written_count INTEGER NOT NULL DEFAULT 0,
	deduped_count INTEGER NOT NULL DEFAULT 0,
	relation_count INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	config_override TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`,
	},
	{
		Version: 2,
		Name:    "fts_trigram",
		SQL: `
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content,
	content='memories',
	content_rowid='rowid',
	tokenize='trigram'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE OF content ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`,
	},
}
