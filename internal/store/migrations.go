package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations. Statements are
// valid for both SQLite and PostgreSQL.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create conversations and messages",
		SQL: `
			CREATE TABLE conversations (
				id              TEXT PRIMARY KEY,
				title           TEXT NOT NULL,
				title_auto      INTEGER NOT NULL DEFAULT 0,
				created_at_ms   BIGINT NOT NULL,
				updated_at_ms   BIGINT NOT NULL,
				last_seen_at_ms BIGINT NOT NULL DEFAULT 0,
				archived        INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_conversations_updated ON conversations (archived, updated_at_ms);

			CREATE TABLE messages (
				id              TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				seq             BIGINT NOT NULL,
				role            TEXT NOT NULL,
				content         TEXT NOT NULL,
				reasoning       TEXT,
				created_at_ms   BIGINT NOT NULL
			);

			CREATE UNIQUE INDEX idx_messages_conversation_seq ON messages (conversation_id, seq);
		`,
	},
	{
		Version: 2,
		Name:    "create app state",
		SQL: `
			CREATE TABLE app_state (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);
		`,
	},
}
