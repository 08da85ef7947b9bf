package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
// The SQL is shared by the SQLite and Postgres backends, so it sticks to
// TEXT, INTEGER and TIMESTAMP columns.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS integration_connections (
	id                         TEXT PRIMARY KEY,
	user_id                    TEXT NOT NULL,
	provider_kind              TEXT NOT NULL,
	provider_user_id           TEXT,
	connection_id              TEXT NOT NULL,
	status                     TEXT NOT NULL DEFAULT 'created',
	failure_message            TEXT,
	last_sync_started_at       TIMESTAMP,
	last_sync_failure_message  TEXT,
	sync_failures              INTEGER NOT NULL DEFAULT 0,
	provider_config            TEXT NOT NULL DEFAULT '{}',
	registered_oauth_scopes    TEXT NOT NULL DEFAULT '[]',
	sync_cursor                TEXT,
	created_at                 TIMESTAMP NOT NULL,
	updated_at                 TIMESTAMP NOT NULL,
	UNIQUE (provider_kind, provider_user_id)
);

CREATE INDEX IF NOT EXISTS idx_connections_user_id ON integration_connections(user_id);
CREATE INDEX IF NOT EXISTS idx_connections_status ON integration_connections(status);

CREATE TABLE IF NOT EXISTS third_party_items (
	id                         TEXT PRIMARY KEY,
	user_id                    TEXT NOT NULL,
	integration_connection_id  TEXT NOT NULL REFERENCES integration_connections(id) ON DELETE CASCADE,
	source_id                  TEXT NOT NULL,
	kind                       TEXT NOT NULL,
	data                       TEXT NOT NULL,
	source_item_id             TEXT REFERENCES third_party_items(id) ON DELETE SET NULL,
	stale_at                   TIMESTAMP,
	created_at                 TIMESTAMP NOT NULL,
	updated_at                 TIMESTAMP NOT NULL,
	UNIQUE (user_id, integration_connection_id, source_id)
);

CREATE INDEX IF NOT EXISTS idx_items_kind_source_id ON third_party_items(kind, source_id);
CREATE INDEX IF NOT EXISTS idx_items_connection_kind ON third_party_items(integration_connection_id, kind);

CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	kind               TEXT NOT NULL,
	title              TEXT NOT NULL,
	body               TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'active',
	priority           INTEGER NOT NULL DEFAULT 3 CHECK(priority BETWEEN 1 AND 5),
	priority_override  INTEGER,
	due_at             TIMESTAMP,
	project            TEXT NOT NULL DEFAULT '',
	source_item_id     TEXT NOT NULL REFERENCES third_party_items(id) ON DELETE CASCADE,
	sink_item_id       TEXT REFERENCES third_party_items(id) ON DELETE SET NULL,
	completed_at       TIMESTAMP,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	UNIQUE (user_id, source_item_id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_user_status ON tasks(user_id, status);

CREATE TABLE IF NOT EXISTS notifications (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	title           TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'unread',
	snoozed_until   TIMESTAMP,
	source_item_id  TEXT NOT NULL REFERENCES third_party_items(id) ON DELETE CASCADE,
	task_id         TEXT REFERENCES tasks(id) ON DELETE SET NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	UNIQUE (user_id, source_item_id)
);

CREATE INDEX IF NOT EXISTS idx_notifications_user_status ON notifications(user_id, status);
CREATE INDEX IF NOT EXISTS idx_notifications_task_id ON notifications(task_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_connections_provider_user
	ON integration_connections(user_id, provider_user_id);

CREATE INDEX IF NOT EXISTS idx_items_stale_at
	ON third_party_items(integration_connection_id, stale_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
