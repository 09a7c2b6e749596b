package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	visibility TEXT NOT NULL DEFAULT 'private',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	thread_id     TEXT NOT NULL REFERENCES threads(id),
	seq           INTEGER NOT NULL,
	type          TEXT NOT NULL,
	content       TEXT NOT NULL,
	invocation_id TEXT,
	span_start    INTEGER,
	span_end      INTEGER,
	created_at    TEXT NOT NULL,
	UNIQUE (thread_id, seq)
);

CREATE INDEX IF NOT EXISTS messages_thread_seq ON messages(thread_id, seq);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	thread_id        TEXT NOT NULL REFERENCES threads(id),
	status           TEXT NOT NULL,
	instance_id      TEXT NOT NULL,
	claim_expires_at TEXT,
	error            TEXT,
	started_at       TEXT NOT NULL,
	ended_at         TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS runs_one_running_per_thread
	ON runs(thread_id) WHERE status = 'running';

CREATE INDEX IF NOT EXISTS runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS fragments (
	run_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS run_signals (
	run_id     TEXT PRIMARY KEY,
	signal     TEXT NOT NULL,
	created_at TEXT NOT NULL
)
`
