package store

import "database/sql"

// migration is one numbered, idempotent DDL step, gated by the
// schema_version table (spec §6: "Schema is applied by numbered
// migrations... gates each"). Structure grounded on the ordered
// []Migration{Name, Func} list pattern used for SQLite schema evolution
// elsewhere in the pack, scaled down from many incremental steps to this
// schema's single initial version plus a reserved slot for future ones.
type migration struct {
	version int
	name    string
	ddl     string
}

var migrations = []migration{
	{version: 1, name: "initial_schema", ddl: initialSchemaDDL},
}

const initialSchemaDDL = `
CREATE TABLE users (
	id INTEGER PRIMARY KEY,
	ext_user_id TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	is_local INTEGER NOT NULL DEFAULT 0,
	first_seen_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL
);

CREATE TABLE user_name_history (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id),
	display_name TEXT NOT NULL,
	first_seen_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL
);
CREATE INDEX idx_user_name_history_user ON user_name_history(user_id, last_seen_at DESC);

CREATE TABLE accounts (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL UNIQUE REFERENCES users(id),
	ext_user_id TEXT NOT NULL UNIQUE,
	first_authenticated_at TEXT NOT NULL,
	last_authenticated_at TEXT NOT NULL
);

CREATE TABLE worlds (
	id INTEGER PRIMARY KEY,
	ext_world_id TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	first_seen_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL
);

CREATE TABLE world_name_history (
	id INTEGER PRIMARY KEY,
	world_id INTEGER NOT NULL REFERENCES worlds(id),
	display_name TEXT NOT NULL,
	first_seen_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL
);
CREATE INDEX idx_world_name_history_world ON world_name_history(world_id, last_seen_at DESC);

CREATE TABLE instances (
	id INTEGER PRIMARY KEY,
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	world_id INTEGER NOT NULL REFERENCES worlds(id),
	world_name_history_id INTEGER REFERENCES world_name_history(id),
	ext_instance_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	status TEXT NOT NULL DEFAULT 'active'
);
CREATE INDEX idx_instances_account_open ON instances(account_id, started_at DESC) WHERE ended_at IS NULL;

CREATE TABLE instance_users (
	id INTEGER PRIMARY KEY,
	instance_id INTEGER NOT NULL REFERENCES instances(id),
	user_id INTEGER NOT NULL REFERENCES users(id),
	user_name_history_id INTEGER NOT NULL REFERENCES user_name_history(id),
	joined_at TEXT NOT NULL,
	left_at TEXT
);
CREATE INDEX idx_instance_users_open ON instance_users(instance_id, user_id) WHERE left_at IS NULL;

CREATE TABLE avatars (
	id INTEGER PRIMARY KEY,
	display_name TEXT NOT NULL UNIQUE,
	ext_avatar_id TEXT,
	first_seen_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL
);

CREATE TABLE avatar_history (
	id INTEGER PRIMARY KEY,
	instance_id INTEGER NOT NULL REFERENCES instances(id),
	user_id INTEGER NOT NULL REFERENCES users(id),
	avatar_id INTEGER NOT NULL REFERENCES avatars(id),
	changed_at TEXT NOT NULL
);
CREATE INDEX idx_avatar_history_instance_user ON avatar_history(instance_id, user_id);

CREATE TABLE screenshots (
	id INTEGER PRIMARY KEY,
	instance_id INTEGER NOT NULL REFERENCES instances(id),
	file_path TEXT NOT NULL,
	taken_at TEXT NOT NULL
);

CREATE TABLE log_files (
	path TEXT PRIMARY KEY,
	last_observed_size INTEGER NOT NULL,
	last_processed_offset INTEGER NOT NULL,
	last_modified_at TEXT NOT NULL,
	last_processed_at TEXT NOT NULL
);
`

// migrate ensures the schema_version table exists and applies every
// migration whose version is not yet recorded, each in its own
// transaction, in ascending version order.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return err
	}

	applied := make(map[int]bool)
	rows, err := db.Query(`SELECT version FROM schema_version`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.ddl); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			m.version, nowUTCString()); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}
