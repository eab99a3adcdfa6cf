package postgresql

// migrations returns the ordered schema migrations for the engine's tables.
// The unique index on (workflow_id, scheduled_at) is what makes schedule
// firing exactly-once: a racing scheduler instance hits a conflict instead of
// minting a second session for the same instant.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS sessions (
				id BIGSERIAL PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				scheduled_at TIMESTAMP WITH TIME ZONE NOT NULL,
				canceled BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			);

			CREATE UNIQUE INDEX IF NOT EXISTS sessions_workflow_scheduled_key
				ON sessions (workflow_id, scheduled_at);

			CREATE TABLE IF NOT EXISTS tasks (
				session_id BIGINT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
				id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				upstream JSONB NOT NULL DEFAULT '[]',
				capability TEXT NOT NULL,
				payload JSONB,
				state TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				retry_limit INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				lease_token TEXT,
				lease_deadline TIMESTAMP WITH TIME ZONE,
				retry_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				PRIMARY KEY (session_id, id)
			);

			CREATE INDEX IF NOT EXISTS tasks_ready_idx
				ON tasks (capability, session_id, id) WHERE state = 'ready';

			CREATE INDEX IF NOT EXISTS tasks_lease_idx
				ON tasks (lease_token) WHERE state = 'running';

			CREATE TABLE IF NOT EXISTS schedules (
				workflow_id TEXT PRIMARY KEY,
				cron_expression TEXT NOT NULL,
				run_delay_ns BIGINT NOT NULL DEFAULT 0,
				next_schedule_time TIMESTAMP WITH TIME ZONE NOT NULL,
				next_run_time TIMESTAMP WITH TIME ZONE NOT NULL,
				last_session_id BIGINT NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			);
		`,
	}
}
