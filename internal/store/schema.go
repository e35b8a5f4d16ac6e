package store

import (
	"database/sql"
	"fmt"

	. "github.com/roelfdiedericks/codemem/internal/logging"
)

// schemaVersion is stored in the database's user_version pragma, not a
// key/value meta table — an explicit external-interface requirement.
const schemaVersion = 1

// initSchema opens the pragmas and runs any pending migrations.
func initSchema(db *sql.DB) error {
	L_debug("store: initializing schema", "version", schemaVersion)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("store: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("store: failed to set busy timeout", "error", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		L_warn("store: failed to enable foreign keys", "error", err)
	}

	var currentVersion int
	if err := db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if currentVersion < schemaVersion {
		if err := migrateSchema(db, currentVersion); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	L_debug("store: schema ready", "version", schemaVersion)
	return nil
}

// migrateSchema runs every migration after fromVersion up to and
// including schemaVersion, all inside one transaction.
func migrateSchema(db *sql.DB, fromVersion int) error {
	L_info("store: migrating schema", "from", fromVersion, "to", schemaVersion)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if fromVersion < 1 {
		if err := migrateV1(tx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	// PRAGMA user_version cannot be parameterized; schemaVersion is a
	// compile-time constant so this is safe to format directly.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("update user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// migrateV1 creates the full v1 schema: sessions, memories, raw-event
// queue, replication log, and sync bookkeeping tables.
func migrateV1(tx *sql.Tx) error {
	L_debug("store: creating v1 schema")

	stmts := []struct {
		name string
		sql  string
	}{
		{"sessions", `
			CREATE TABLE IF NOT EXISTS sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				started_at INTEGER NOT NULL,
				ended_at INTEGER,
				cwd TEXT NOT NULL DEFAULT '',
				project TEXT NOT NULL DEFAULT '',
				git_remote TEXT NOT NULL DEFAULT '',
				git_branch TEXT NOT NULL DEFAULT '',
				user TEXT NOT NULL DEFAULT '',
				tool_version TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				import_key TEXT UNIQUE
			)
		`},
		{"idx_sessions_project", `CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project)`},
		{"opencode_sessions", `
			CREATE TABLE IF NOT EXISTS opencode_sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				opencode_session_id TEXT NOT NULL UNIQUE,
				session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE
			)
		`},
		{"user_prompts", `
			CREATE TABLE IF NOT EXISTS user_prompts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				prompt_text TEXT NOT NULL,
				prompt_number INTEGER,
				created_at INTEGER NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}'
			)
		`},
		{"idx_user_prompts_session", `CREATE INDEX IF NOT EXISTS idx_user_prompts_session ON user_prompts(session_id)`},
		{"session_summaries", `
			CREATE TABLE IF NOT EXISTS session_summaries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				request TEXT NOT NULL DEFAULT '',
				investigated TEXT NOT NULL DEFAULT '',
				learned TEXT NOT NULL DEFAULT '',
				completed TEXT NOT NULL DEFAULT '',
				next_steps TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT '',
				files_read TEXT NOT NULL DEFAULT '[]',
				files_edited TEXT NOT NULL DEFAULT '[]',
				prompt_number INTEGER,
				created_at INTEGER NOT NULL
			)
		`},
		{"idx_session_summaries_session", `CREATE INDEX IF NOT EXISTS idx_session_summaries_session ON session_summaries(session_id)`},
		{"artifacts", `
			CREATE TABLE IF NOT EXISTS artifacts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				kind TEXT NOT NULL DEFAULT '',
				path TEXT NOT NULL DEFAULT '',
				content_text TEXT NOT NULL DEFAULT '',
				content_hash TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL
			)
		`},
		{"idx_artifacts_session", `CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id)`},
		{"memory_items", `
			CREATE TABLE IF NOT EXISTS memory_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				kind TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				body_text TEXT NOT NULL DEFAULT '',
				subtitle TEXT NOT NULL DEFAULT '',
				facts TEXT NOT NULL DEFAULT '[]',
				concepts TEXT NOT NULL DEFAULT '[]',
				files_read TEXT NOT NULL DEFAULT '[]',
				files_modified TEXT NOT NULL DEFAULT '[]',
				prompt_number INTEGER,
				user_prompt_id INTEGER REFERENCES user_prompts(id) ON DELETE SET NULL,
				confidence REAL NOT NULL DEFAULT 1.0,
				tags_text TEXT NOT NULL DEFAULT '',
				active INTEGER NOT NULL DEFAULT 1,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				deleted_at INTEGER,
				rev INTEGER NOT NULL DEFAULT 1,
				metadata TEXT NOT NULL DEFAULT '{}',
				import_key TEXT UNIQUE
			)
		`},
		{"idx_memory_items_session", `CREATE INDEX IF NOT EXISTS idx_memory_items_session ON memory_items(session_id)`},
		{"idx_memory_items_kind", `CREATE INDEX IF NOT EXISTS idx_memory_items_kind ON memory_items(kind)`},
		{"idx_memory_items_active", `CREATE INDEX IF NOT EXISTS idx_memory_items_active ON memory_items(active)`},
		{"idx_memory_items_updated", `CREATE INDEX IF NOT EXISTS idx_memory_items_updated ON memory_items(updated_at)`},

		// FTS5 external-content index over memory_items, kept in sync via
		// triggers (mirrors the teacher's memory_chunks/memory_fts pair).
		{"memory_fts", `
			CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
				title,
				body_text,
				tags_text,
				content='memory_items',
				content_rowid='id'
			)
		`},
		{"memory_fts_ai", `
			CREATE TRIGGER IF NOT EXISTS memory_items_ai AFTER INSERT ON memory_items BEGIN
				INSERT INTO memory_fts(rowid, title, body_text, tags_text)
				VALUES (NEW.id, NEW.title, NEW.body_text, NEW.tags_text);
			END
		`},
		{"memory_fts_ad", `
			CREATE TRIGGER IF NOT EXISTS memory_items_ad AFTER DELETE ON memory_items BEGIN
				INSERT INTO memory_fts(memory_fts, rowid, title, body_text, tags_text)
				VALUES ('delete', OLD.id, OLD.title, OLD.body_text, OLD.tags_text);
			END
		`},
		{"memory_fts_au", `
			CREATE TRIGGER IF NOT EXISTS memory_items_au AFTER UPDATE ON memory_items BEGIN
				INSERT INTO memory_fts(memory_fts, rowid, title, body_text, tags_text)
				VALUES ('delete', OLD.id, OLD.title, OLD.body_text, OLD.tags_text);
				INSERT INTO memory_fts(rowid, title, body_text, tags_text)
				VALUES (NEW.id, NEW.title, NEW.body_text, NEW.tags_text);
			END
		`},

		{"memory_vectors", `
			CREATE TABLE IF NOT EXISTS memory_vectors (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				memory_id INTEGER NOT NULL REFERENCES memory_items(id) ON DELETE CASCADE,
				chunk_index INTEGER NOT NULL DEFAULT 0,
				model TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				embedding BLOB NOT NULL,
				UNIQUE(memory_id, chunk_index, model)
			)
		`},
		{"idx_memory_vectors_memory", `CREATE INDEX IF NOT EXISTS idx_memory_vectors_memory ON memory_vectors(memory_id)`},

		// Raw-event queue.
		{"raw_events", `
			CREATE TABLE IF NOT EXISTS raw_events (
				opencode_session_id TEXT NOT NULL,
				event_id TEXT NOT NULL,
				event_seq INTEGER NOT NULL,
				event_type TEXT NOT NULL,
				ts_wall_ms INTEGER,
				ts_mono_ms REAL,
				payload TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL,
				PRIMARY KEY (opencode_session_id, event_seq)
			)
		`},
		{"idx_raw_events_event_id", `CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_events_event_id ON raw_events(opencode_session_id, event_id)`},
		{"raw_event_sessions", `
			CREATE TABLE IF NOT EXISTS raw_event_sessions (
				opencode_session_id TEXT PRIMARY KEY,
				cwd TEXT NOT NULL DEFAULT '',
				project TEXT NOT NULL DEFAULT '',
				started_at TEXT NOT NULL DEFAULT '',
				last_seen_ts_wall_ms INTEGER,
				last_received_event_seq INTEGER NOT NULL DEFAULT 0,
				last_flushed_event_seq INTEGER NOT NULL DEFAULT 0
			)
		`},
		{"raw_event_flush_batches", `
			CREATE TABLE IF NOT EXISTS raw_event_flush_batches (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				opencode_session_id TEXT NOT NULL,
				start_event_seq INTEGER NOT NULL,
				end_event_seq INTEGER NOT NULL,
				extractor_version TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)
		`},
		{"uq_flush_batches_range", `CREATE UNIQUE INDEX IF NOT EXISTS uq_flush_batches_range ON raw_event_flush_batches(opencode_session_id, start_event_seq, end_event_seq, extractor_version)`},
		{"idx_flush_batches_session_status", `CREATE INDEX IF NOT EXISTS idx_flush_batches_session_status ON raw_event_flush_batches(opencode_session_id, status)`},
		{"idx_flush_batches_status_updated", `CREATE INDEX IF NOT EXISTS idx_flush_batches_status_updated ON raw_event_flush_batches(status, updated_at)`},
		{"raw_event_ingest_stats", `
			CREATE TABLE IF NOT EXISTS raw_event_ingest_stats (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				events_received INTEGER NOT NULL DEFAULT 0,
				events_flushed INTEGER NOT NULL DEFAULT 0,
				events_dropped INTEGER NOT NULL DEFAULT 0,
				events_skipped_duplicate INTEGER NOT NULL DEFAULT 0,
				events_skipped_invalid INTEGER NOT NULL DEFAULT 0,
				events_skipped_conflict INTEGER NOT NULL DEFAULT 0,
				batches_completed INTEGER NOT NULL DEFAULT 0,
				batches_failed INTEGER NOT NULL DEFAULT 0
			)
		`},
		{"raw_event_ingest_samples", `
			CREATE TABLE IF NOT EXISTS raw_event_ingest_samples (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				bucket_ts INTEGER NOT NULL,
				events_received INTEGER NOT NULL DEFAULT 0,
				events_flushed INTEGER NOT NULL DEFAULT 0,
				events_dropped INTEGER NOT NULL DEFAULT 0
			)
		`},
		{"idx_ingest_samples_bucket", `CREATE INDEX IF NOT EXISTS idx_ingest_samples_bucket ON raw_event_ingest_samples(bucket_ts)`},

		// Replication op log and peer bookkeeping.
		{"replication_ops", `
			CREATE TABLE IF NOT EXISTS replication_ops (
				op_id TEXT PRIMARY KEY,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				op_type TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}',
				clock_rev INTEGER NOT NULL,
				clock_updated_at INTEGER NOT NULL,
				clock_device_id TEXT NOT NULL,
				device_id TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)
		`},
		{"idx_replication_ops_cursor", `CREATE INDEX IF NOT EXISTS idx_replication_ops_cursor ON replication_ops(created_at, op_id)`},
		{"idx_replication_ops_entity", `CREATE INDEX IF NOT EXISTS idx_replication_ops_entity ON replication_ops(entity_type, entity_id)`},
		{"replication_cursors", `
			CREATE TABLE IF NOT EXISTS replication_cursors (
				peer_device_id TEXT PRIMARY KEY,
				last_applied_cursor TEXT NOT NULL DEFAULT '',
				last_acked_cursor TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL
			)
		`},
		{"sync_peers", `
			CREATE TABLE IF NOT EXISTS sync_peers (
				peer_device_id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				pinned_fingerprint TEXT NOT NULL,
				public_key BLOB NOT NULL,
				addresses TEXT NOT NULL DEFAULT '[]',
				last_seen_at INTEGER,
				last_sync_at INTEGER,
				last_error TEXT NOT NULL DEFAULT '',
				project_filter_include TEXT NOT NULL DEFAULT '[]',
				project_filter_exclude TEXT NOT NULL DEFAULT '[]',
				created_at INTEGER NOT NULL
			)
		`},
		{"sync_devices", `
			CREATE TABLE IF NOT EXISTS sync_devices (
				device_id TEXT PRIMARY KEY CHECK (device_id = 'local'),
				public_key BLOB NOT NULL,
				private_key BLOB NOT NULL,
				fingerprint TEXT NOT NULL
			)
		`},
		{"sync_attempts", `
			CREATE TABLE IF NOT EXISTS sync_attempts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				peer_device_id TEXT NOT NULL,
				ok INTEGER NOT NULL,
				ops_in INTEGER NOT NULL DEFAULT 0,
				ops_out INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			)
		`},
		{"idx_sync_attempts_peer", `CREATE INDEX IF NOT EXISTS idx_sync_attempts_peer ON sync_attempts(peer_device_id, created_at)`},
		{"sync_daemon_state", `
			CREATE TABLE IF NOT EXISTS sync_daemon_state (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				last_ok_at INTEGER,
				last_error TEXT NOT NULL DEFAULT '',
				last_tick_at INTEGER
			)
		`},
		{"usage_events", `
			CREATE TABLE IF NOT EXISTS usage_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				event TEXT NOT NULL,
				tokens_read INTEGER NOT NULL DEFAULT 0,
				tokens_written INTEGER NOT NULL DEFAULT 0,
				tokens_saved INTEGER NOT NULL DEFAULT 0,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL
			)
		`},
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt.sql); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}

	return nil
}

// clearAllData truncates every indexed table, used by the maintenance
// full-reindex path.
func clearAllData(db *sql.DB) error {
	L_debug("store: clearing all indexed data")
	tables := []string{
		"memory_vectors", "memory_items", "session_summaries", "user_prompts",
		"artifacts", "opencode_sessions", "sessions",
	}
	for _, t := range tables {
		if _, err := db.Exec("DELETE FROM " + t); err != nil {
			return fmt.Errorf("clear %s: %w", t, err)
		}
	}
	return nil
}
