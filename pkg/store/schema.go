package store

const schema = `
CREATE TABLE IF NOT EXISTS agentables (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	title             TEXT NOT NULL,
	status            TEXT NOT NULL,
	conversation      TEXT NOT NULL DEFAULT '[]',
	turn_started_at   DATETIME,
	lease_holder      TEXT NOT NULL DEFAULT '',
	lease_acquired_at DATETIME,
	lease_job_ref     TEXT NOT NULL DEFAULT '',
	context_data      TEXT NOT NULL DEFAULT '{}',
	parent_id         TEXT REFERENCES agentables(id) ON DELETE CASCADE,
	result_summary    TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agentables_parent ON agentables(parent_id);
CREATE INDEX IF NOT EXISTS idx_agentables_lease ON agentables(lease_holder) WHERE lease_holder != '';

CREATE TABLE IF NOT EXISTS archived_sessions (
	id                TEXT PRIMARY KEY,
	agentable_id      TEXT NOT NULL REFERENCES agentables(id) ON DELETE CASCADE,
	summary           TEXT NOT NULL DEFAULT '',
	full_history      TEXT NOT NULL,
	message_count     INTEGER NOT NULL,
	token_count       INTEGER NOT NULL,
	completion_reason TEXT NOT NULL,
	started_at        DATETIME NOT NULL,
	completed_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_archives_agentable ON archived_sessions(agentable_id);

CREATE TABLE IF NOT EXISTS thread_messages (
	id                  TEXT PRIMARY KEY,
	agentable_id        TEXT NOT NULL REFERENCES agentables(id) ON DELETE CASCADE,
	archived_session_id TEXT REFERENCES archived_sessions(id) ON DELETE SET NULL,
	role                TEXT NOT NULL,
	content             TEXT NOT NULL,
	processed           INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_agentable ON thread_messages(agentable_id, processed);

CREATE TABLE IF NOT EXISTS run_records (
	id                 TEXT PRIMARY KEY,
	agentable_id       TEXT NOT NULL REFERENCES agentables(id) ON DELETE CASCADE,
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd           REAL NOT NULL DEFAULT 0,
	tools_used         TEXT NOT NULL DEFAULT '[]',
	iterations         INTEGER NOT NULL DEFAULT 0,
	natural_completion INTEGER NOT NULL DEFAULT 0,
	started_at         DATETIME NOT NULL,
	completed_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_agentable ON run_records(agentable_id);
`
