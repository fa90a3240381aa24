package ledger

type migration struct {
	version    int
	statements []string
}

// Statements must run on both SQLite and Postgres.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS replies (
	id TEXT PRIMARY KEY,
	uid BIGINT NOT NULL,
	source_message_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	subject TEXT NOT NULL,
	reply_message_id TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL,
	created_unix BIGINT NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_replies_created ON replies(created_unix)`,
		},
	},
}
