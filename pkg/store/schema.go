package store

import (
	"context"
	"fmt"
	"time"
)

// migrations 按版本排列的结构迁移。只追加，不回改
var migrations = []string{
	// v1 基础结构
	`
CREATE TABLE IF NOT EXISTS projects (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	owner        TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	linked_tm_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS folders (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	parent_id  TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL,
	sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_folders_project ON folders(project_id);

CREATE TABLE IF NOT EXISTS files (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	folder_id   TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL,
	format      TEXT NOT NULL,
	row_count   INTEGER NOT NULL DEFAULT 0,
	source_hash TEXT NOT NULL DEFAULT '',
	layout_crlf INTEGER NOT NULL DEFAULT 0,
	layout_trailing_newline INTEGER NOT NULL DEFAULT 1,
	layout_root TEXT NOT NULL DEFAULT '',
	UNIQUE(project_id, folder_id, name)
);
CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);

CREATE TABLE IF NOT EXISTS rows (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id    TEXT NOT NULL,
	row_num    INTEGER NOT NULL,
	string_id  TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL,
	target     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	raw_cols   TEXT NOT NULL DEFAULT '',
	UNIQUE(file_id, row_num)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rows_string_id
	ON rows(file_id, string_id) WHERE string_id != '';
CREATE INDEX IF NOT EXISTS idx_rows_file_status ON rows(file_id, status);

CREATE TABLE IF NOT EXISTS tms (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL UNIQUE,
	source_lang      TEXT NOT NULL DEFAULT '',
	target_lang      TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	embedding_engine TEXT NOT NULL,
	stale_count      INTEGER NOT NULL DEFAULT 0,
	last_sync_at     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tm_entries (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	tm_id             TEXT NOT NULL,
	source            TEXT NOT NULL,
	target            TEXT NOT NULL,
	normalized_source TEXT NOT NULL,
	source_type       TEXT NOT NULL,
	created_by        TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	confirmed         INTEGER NOT NULL DEFAULT 1,
	index_error       TEXT NOT NULL DEFAULT '',
	UNIQUE(tm_id, normalized_source, target)
);
CREATE INDEX IF NOT EXISTS idx_entries_tm ON tm_entries(tm_id);

CREATE TABLE IF NOT EXISTS subscriptions (
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	user         TEXT NOT NULL,
	sync_status  TEXT NOT NULL DEFAULT 'pending',
	last_sync_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY(entity_type, entity_id, user)
);
`,
}

// migrate 执行未应用的迁移
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, timeToDB(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}
