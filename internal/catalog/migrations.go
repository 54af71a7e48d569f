package catalog

// migration is one forward-only schema step, applied in order and recorded
// in schema_migrations so a catalog file opened again later never re-runs
// a step it already has.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create core tables",
		sql: `
CREATE TABLE setup (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	source_fingerprint   TEXT NOT NULL,
	target_fingerprint   TEXT,
	snapshot_id          TEXT,
	plugin               TEXT NOT NULL DEFAULT 'pgoutput',
	slot_name            TEXT,
	split_threshold      INTEGER NOT NULL DEFAULT 10000000,
	filter_fingerprint   TEXT,
	created_at           TEXT NOT NULL
);

CREATE TABLE tables (
	oid               INTEGER PRIMARY KEY,
	qualname          TEXT NOT NULL UNIQUE,
	row_estimate      INTEGER NOT NULL DEFAULT 0,
	size_bytes        INTEGER NOT NULL DEFAULT 0,
	split_col         TEXT,
	restore_list_name TEXT
);

CREATE TABLE table_parts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	table_oid   INTEGER NOT NULL REFERENCES tables(oid),
	lo          TEXT,
	hi          TEXT,
	key_kind    TEXT NOT NULL DEFAULT 'whole',
	status      TEXT NOT NULL DEFAULT 'pending',
	started_at  TEXT,
	done_at     TEXT,
	bytes       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE indexes (
	oid            INTEGER PRIMARY KEY,
	table_oid      INTEGER NOT NULL REFERENCES tables(oid),
	definition     TEXT NOT NULL,
	is_constraint  INTEGER NOT NULL DEFAULT 0,
	constraint_sql TEXT,
	status         TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE sequences (
	oid       INTEGER PRIMARY KEY,
	qualname  TEXT NOT NULL UNIQUE,
	last_value INTEGER NOT NULL DEFAULT 0,
	is_called  INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE large_objects (
	oid          INTEGER PRIMARY KEY,
	chunk_cursor INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE progress (
	work_item_id TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	state        TEXT NOT NULL,
	started_at   TEXT,
	done_at      TEXT,
	bytes        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE sentinel (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	startpos    TEXT NOT NULL DEFAULT '0/0',
	endpos      TEXT NOT NULL DEFAULT '0/0',
	apply_mode  TEXT NOT NULL DEFAULT 'prefetch',
	write_lsn   TEXT NOT NULL DEFAULT '0/0',
	flush_lsn   TEXT NOT NULL DEFAULT '0/0',
	replay_lsn  TEXT NOT NULL DEFAULT '0/0'
);
INSERT INTO sentinel (id) VALUES (1);
`,
	},
}
