// Package ledger keeps a history of reply attempts in SQLite or Postgres.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/aaronromeo/mailrelay/internal/relay"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Entry is one stored attempt.
type Entry struct {
	ID              string `db:"id" json:"id"`
	UID             int64  `db:"uid" json:"uid"`
	SourceMessageID string `db:"source_message_id" json:"source_message_id"`
	Recipient       string `db:"recipient" json:"recipient"`
	Subject         string `db:"subject" json:"subject"`
	ReplyMessageID  string `db:"reply_message_id" json:"reply_message_id"`
	Status          string `db:"status" json:"status"`
	Error           string `db:"error" json:"error,omitempty"`
	CreatedUnix     int64  `db:"created_unix" json:"-"`
}

func (e Entry) CreatedAt() time.Time {
	return time.Unix(e.CreatedUnix, 0).UTC()
}

// Store is a relay.Recorder backed by a SQL database.
type Store struct {
	db *sqlx.DB
}

// Open connects and applies pending migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s ledger: %w", driver, err)
	}
	if driver == DriverSQLite {
		// The loop and the status server share one file.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s ledger: %w", driver, err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	var current int
	if err := s.db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Record stores an attempt.
func (s *Store) Record(ctx context.Context, attempt relay.Attempt) error {
	at := attempt.At
	if at.IsZero() {
		at = time.Now()
	}
	entry := Entry{
		ID:              uuid.NewString(),
		UID:             int64(attempt.UID),
		SourceMessageID: attempt.SourceMessageID,
		Recipient:       attempt.To,
		Subject:         attempt.Subject,
		ReplyMessageID:  attempt.ReplyMessageID,
		Status:          string(attempt.Status),
		Error:           attempt.Error,
		CreatedUnix:     at.Unix(),
	}
	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO replies (id, uid, source_message_id, recipient, subject, reply_message_id, status, error, created_unix)
VALUES (:id, :uid, :source_message_id, :recipient, :subject, :reply_message_id, :status, :error, :created_unix)`, entry)
	if err != nil {
		return fmt.Errorf("recording reply attempt: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries := []Entry{}
	query := s.db.Rebind(`
SELECT id, uid, source_message_id, recipient, subject, reply_message_id, status, error, created_unix
FROM replies ORDER BY created_unix DESC, id LIMIT ?`)
	if err := s.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("listing replies: %w", err)
	}
	return entries, nil
}

// CountByStatus returns how many attempts are stored per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM replies GROUP BY status`); err != nil {
		return nil, fmt.Errorf("counting replies: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
