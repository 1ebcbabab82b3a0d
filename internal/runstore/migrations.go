package runstore

const schema = `
CREATE TABLE IF NOT EXISTS agent_runs (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL DEFAULT '',
	session_id  TEXT NOT NULL DEFAULT '',
	pid         INTEGER NOT NULL DEFAULT 0,
	state       TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	exit_code   INTEGER,
	cost_usd    REAL NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_agent ON agent_runs(agent_id);
CREATE INDEX IF NOT EXISTS idx_agent_runs_state ON agent_runs(state);

CREATE TABLE IF NOT EXISTS prs (
	repo       TEXT NOT NULL,
	number     INTEGER NOT NULL,
	url        TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL DEFAULT 'open',
	head       TEXT NOT NULL,
	base       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (repo, number)
);
`
