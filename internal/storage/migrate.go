package storage

import (
	"context"
	"fmt"
	"strings"
)

// migration is one schema step. SQL is written with type tokens that the
// dialect substitutes: {{json}}, {{time}}, {{vector}}.
type migration struct {
	ID  string
	SQL string
}

var migrations = []migration{
	{
		ID: "0001_core",
		SQL: `
CREATE TABLE IF NOT EXISTS organizations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	llm_config {{json}} NOT NULL,
	embedding_config {{json}} NOT NULL,
	top_k INTEGER NOT NULL DEFAULT 0,
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	last_updated_by TEXT NOT NULL DEFAULT '',
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(organization_id, created_at);

CREATE TABLE IF NOT EXISTS memory_blocks (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	label TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT '',
	limit_chars INTEGER NOT NULL DEFAULT 0,
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	UNIQUE (agent_id, label)
);
CREATE INDEX IF NOT EXISTS idx_blocks_agent ON memory_blocks(agent_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	step_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tool_calls {{json}},
	tool_call_id TEXT NOT NULL DEFAULT '',
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id, created_at, id);

CREATE TABLE IF NOT EXISTS passages_agent (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	text TEXT NOT NULL,
	embedding {{vector}},
	embedding_dim INTEGER NOT NULL DEFAULT 0,
	embedding_config {{json}} NOT NULL,
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	last_updated_by TEXT NOT NULL DEFAULT '',
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_passages_agent_owner ON passages_agent(agent_id, created_at, id);

CREATE TABLE IF NOT EXISTS passages_source (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	file_id TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	embedding {{vector}},
	embedding_dim INTEGER NOT NULL DEFAULT 0,
	embedding_config {{json}} NOT NULL,
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	last_updated_by TEXT NOT NULL DEFAULT '',
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_passages_source_owner ON passages_source(source_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_passages_source_file ON passages_source(file_id);

CREATE TABLE IF NOT EXISTS passage_embeddings (
	passage_id TEXT PRIMARY KEY,
	embedding {{vector}} NOT NULL,
	embedding_dim INTEGER NOT NULL,
	metadata {{json}} NOT NULL,
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	job_type TEXT NOT NULL DEFAULT 'job',
	status TEXT NOT NULL DEFAULT 'created',
	metadata {{json}},
	request_config {{json}},
	callback_url TEXT NOT NULL DEFAULT '',
	completed_at {{time}},
	callback_sent_at {{time}},
	callback_status_code INTEGER,
	callback_error TEXT,
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	last_updated_by TEXT NOT NULL DEFAULT '',
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_jobs_org ON jobs(organization_id, created_at, id);

CREATE TABLE IF NOT EXISTS job_messages (
	job_id TEXT NOT NULL,
	message_id TEXT NOT NULL UNIQUE,
	created_at {{time}} NOT NULL,
	PRIMARY KEY (job_id, message_id)
);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at {{time}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steps_job ON steps(job_id, created_at);

CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name TEXT NOT NULL,
	embedding_config {{json}} NOT NULL,
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	last_updated_by TEXT NOT NULL DEFAULT '',
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (organization_id, name)
);

CREATE TABLE IF NOT EXISTS sources_agents (
	source_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	PRIMARY KEY (source_id, agent_id)
);

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	name TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_files_source ON files(source_id);

CREATE TABLE IF NOT EXISTS tools (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	json_schema {{json}},
	created_at {{time}} NOT NULL,
	updated_at {{time}} NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (organization_id, name)
);

CREATE TABLE IF NOT EXISTS agents_tools (
	agent_id TEXT NOT NULL,
	tool_id TEXT NOT NULL,
	PRIMARY KEY (agent_id, tool_id)
);
`,
	},
}

// migrate applies pending migrations inside transactions, recording each in
// schema_migrations.
func (db *DB) migrate(ctx context.Context) error {
	_, err := db.sql.ExecContext(ctx, strings.NewReplacer("{{time}}", db.dialect.timeType()).Replace(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at {{time}} NOT NULL
		)
	`))
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	replacer := strings.NewReplacer(
		"{{json}}", db.dialect.jsonType(),
		"{{time}}", db.dialect.timeType(),
		"{{vector}}", db.dialect.vectorType(),
	)

	for _, m := range migrations {
		if applied[m.ID] {
			continue
		}
		if err := db.withTx(ctx, func(tx *Tx) error {
			for _, stmt := range splitStatements(replacer.Replace(m.SQL)) {
				if _, err := tx.raw.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("apply migration %s: %w", m.ID, err)
				}
			}
			if _, err := tx.exec(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.ID); err != nil {
				return fmt.Errorf("record migration %s: %w", m.ID, err)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

// splitStatements breaks a migration script on semicolons at line ends.
// Statements here never embed literal semicolons, so this stays simple.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
