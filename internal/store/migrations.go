package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// Timestamps are stored as unix nanoseconds so they sort and paginate exactly.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create workspaces, departments and agents",
		SQL: `
			CREATE TABLE workspaces (
				id          TEXT PRIMARY KEY,
				name        TEXT NOT NULL,
				active      INTEGER NOT NULL DEFAULT 1,
				created_at  INTEGER NOT NULL
			);

			CREATE TABLE departments (
				id            TEXT PRIMARY KEY,
				workspace_id  TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
				name          TEXT NOT NULL,
				status        TEXT NOT NULL DEFAULT 'offline',
				active        INTEGER NOT NULL DEFAULT 1
			);

			CREATE INDEX idx_departments_workspace ON departments (workspace_id);

			CREATE TABLE agents (
				id            TEXT NOT NULL,
				workspace_id  TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
				name          TEXT NOT NULL,
				email         TEXT NOT NULL DEFAULT '',
				active        INTEGER NOT NULL DEFAULT 1,
				PRIMARY KEY (workspace_id, id)
			);

			CREATE TABLE agent_departments (
				workspace_id   TEXT NOT NULL,
				agent_id       TEXT NOT NULL,
				department_id  TEXT NOT NULL REFERENCES departments(id) ON DELETE CASCADE,
				PRIMARY KEY (workspace_id, agent_id, department_id),
				FOREIGN KEY (workspace_id, agent_id) REFERENCES agents(workspace_id, id) ON DELETE CASCADE
			);

			CREATE INDEX idx_agent_departments_department ON agent_departments (department_id);
		`,
	},
	{
		Version: 2,
		Name:    "create visitor sessions and rooms",
		SQL: `
			CREATE TABLE visitor_sessions (
				id             TEXT PRIMARY KEY,
				visitor_id     TEXT NOT NULL,
				workspace_id   TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
				department_id  TEXT NOT NULL DEFAULT '',
				name           TEXT NOT NULL DEFAULT '',
				email          TEXT NOT NULL DEFAULT '',
				phone          TEXT NOT NULL DEFAULT '',
				status         TEXT NOT NULL DEFAULT 'ACTIVE',
				created_at     INTEGER NOT NULL,
				ended_at       INTEGER
			);

			CREATE INDEX idx_visitor_sessions_visitor ON visitor_sessions (workspace_id, visitor_id);

			CREATE TABLE rooms (
				id                  TEXT PRIMARY KEY,
				workspace_id        TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
				department_id       TEXT NOT NULL DEFAULT '',
				visitor_session_id  TEXT NOT NULL REFERENCES visitor_sessions(id) ON DELETE CASCADE,
				visitor_id          TEXT NOT NULL,
				status              TEXT NOT NULL DEFAULT 'open',
				created_at          INTEGER NOT NULL,
				updated_at          INTEGER NOT NULL,
				closed_at           INTEGER
			);

			CREATE INDEX idx_rooms_session ON rooms (visitor_session_id, status);
			CREATE INDEX idx_rooms_visitor ON rooms (workspace_id, visitor_id, status);

			CREATE TABLE room_agents (
				room_id    TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
				agent_id   TEXT NOT NULL,
				joined_at  INTEGER NOT NULL,
				PRIMARY KEY (room_id, agent_id)
			);

			CREATE INDEX idx_room_agents_agent ON room_agents (agent_id);

			CREATE TABLE room_tags (
				room_id  TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
				tag      TEXT NOT NULL,
				PRIMARY KEY (room_id, tag)
			);
		`,
	},
	{
		Version: 3,
		Name:    "create messages",
		SQL: `
			CREATE TABLE messages (
				id                 TEXT PRIMARY KEY,
				room_id            TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
				sender_id          TEXT NOT NULL,
				sender_type        TEXT NOT NULL,
				type               TEXT NOT NULL DEFAULT 'text',
				content            TEXT NOT NULL DEFAULT '',
				attachment         TEXT,
				client_message_id  TEXT NOT NULL DEFAULT '',
				created_at         INTEGER NOT NULL,
				delivered_at       INTEGER,
				read_at            INTEGER
			);

			CREATE INDEX idx_messages_room ON messages (room_id, created_at);
		`,
	},
	{
		Version: 4,
		Name:    "create canned responses, page views and post-chat forms",
		SQL: `
			CREATE TABLE canned_responses (
				id            TEXT PRIMARY KEY,
				workspace_id  TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
				shortcut      TEXT NOT NULL,
				content       TEXT NOT NULL
			);

			CREATE UNIQUE INDEX idx_canned_shortcut ON canned_responses (workspace_id, shortcut);

			CREATE TABLE page_views (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id    TEXT NOT NULL REFERENCES visitor_sessions(id) ON DELETE CASCADE,
				workspace_id  TEXT NOT NULL,
				url           TEXT NOT NULL,
				title         TEXT NOT NULL DEFAULT '',
				referrer      TEXT NOT NULL DEFAULT '',
				viewed_at     INTEGER NOT NULL
			);

			CREATE INDEX idx_page_views_session ON page_views (session_id, id);

			CREATE TABLE post_chat_forms (
				room_id       TEXT PRIMARY KEY REFERENCES rooms(id) ON DELETE CASCADE,
				session_id    TEXT NOT NULL,
				rating        INTEGER NOT NULL DEFAULT 0,
				comment       TEXT NOT NULL DEFAULT '',
				answers       TEXT,
				submitted_at  INTEGER NOT NULL
			);
		`,
	},
}
