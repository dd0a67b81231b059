package storage

// Schema is the DDL cam-migrate applies to a fresh Postgres database. It is
// exported so the migration tool, which lives in another package, can read
// it.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_definitions (
	id                       TEXT PRIMARY KEY,
	display_name             TEXT NOT NULL,
	docker_image             TEXT NOT NULL,
	command                  TEXT[] NOT NULL DEFAULT '{}',
	args                      TEXT[] NOT NULL DEFAULT '{}',
	required_env_vars        JSONB NOT NULL DEFAULT '[]',
	default_memory_limit_mb  BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	id                    TEXT PRIMARY KEY,
	title                 TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	agent_definition_id   TEXT NOT NULL REFERENCES agent_definitions(id),
	repo_url              TEXT NOT NULL,
	base_branch           TEXT NOT NULL,
	work_branch           TEXT NOT NULL DEFAULT '',
	sub_dir               TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	source                TEXT NOT NULL,
	depends_on            JSONB NOT NULL DEFAULT '[]',
	group_id              TEXT NOT NULL DEFAULT '',
	assigned_worker_id    TEXT NOT NULL DEFAULT '',
	retry_count           INT NOT NULL DEFAULT 0,
	max_retries           INT NOT NULL DEFAULT 0,
	queued_at             TIMESTAMPTZ,
	started_at            TIMESTAMPTZ,
	completed_at          TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	pr_url                TEXT NOT NULL DEFAULT '',
	summary               TEXT NOT NULL DEFAULT '',
	feedback              TEXT NOT NULL DEFAULT '',
	review_comment        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_waiting ON tasks (created_at) WHERE source = 'scheduler' AND status = 'waiting';
CREATE INDEX IF NOT EXISTS idx_tasks_queued ON tasks (queued_at) WHERE source = 'scheduler' AND status = 'queued';
CREATE INDEX IF NOT EXISTS idx_tasks_running ON tasks (id) WHERE source = 'scheduler' AND status = 'running';
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks (assigned_worker_id) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS workers (
	id                  TEXT PRIMARY KEY,
	supported_agent_ids JSONB NOT NULL DEFAULT '[]',
	status              TEXT NOT NULL,
	current_task_id     TEXT NOT NULL DEFAULT '',
	last_heartbeat_at   TIMESTAMPTZ NOT NULL,
	reported_env_vars   JSONB NOT NULL DEFAULT '[]',
	mode                TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_workers_stale ON workers (last_heartbeat_at) WHERE status = 'busy';

CREATE TABLE IF NOT EXISTS system_events (
	id         BIGSERIAL PRIMARY KEY,
	type       TEXT NOT NULL,
	payload    JSONB NOT NULL DEFAULT '{}',
	timestamp  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	actor      TEXT NOT NULL DEFAULT ''
);
`
