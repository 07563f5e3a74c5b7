package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sandeepkandula/geosync/batch"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS deferred_batches (
		node_id        TEXT    NOT NULL,
		created_at     INTEGER NOT NULL,
		batch_id       TEXT    NOT NULL,
		integrity_hash TEXT    NOT NULL,
		records        INTEGER NOT NULL,
		reason         TEXT    NOT NULL,
		stored_at      INTEGER NOT NULL,
		body           BLOB    NOT NULL,
		PRIMARY KEY (node_id, created_at, batch_id)
	);
`

// SQLiteSpool keeps deferred batches in an insert-only SQLite table.
type SQLiteSpool struct {
	db *sql.DB
}

// OpenSQLiteSpool opens (creating if needed) the spool database at path.
// ":memory:" gives a private in-memory spool.
func OpenSQLiteSpool(path string) (*SQLiteSpool, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open spool database: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping spool database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create spool schema: %w", err)
	}
	return &SQLiteSpool{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteSpool) Close() error {
	return s.db.Close()
}

func (s *SQLiteSpool) Store(ctx context.Context, b *batch.Batch, reason string) error {
	body, err := b.Encode()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deferred_batches
			(node_id, created_at, batch_id, integrity_hash, records, reason, stored_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.NodeID, b.CreatedAt.UnixNano(), b.BatchID, b.IntegrityHash, b.Len(), reason, time.Now().UnixNano(), body)
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return fmt.Errorf("%s: %w", SpoolKey(b), ErrSpoolExists)
		}
		return fmt.Errorf("insert deferred batch: %w", err)
	}
	return nil
}

// Count returns the number of stored batches for nodeID.
func (s *SQLiteSpool) Count(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deferred_batches WHERE node_id = ?`, nodeID).Scan(&n)
	return n, err
}
