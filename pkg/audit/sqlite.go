package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink appends chained records to an audit_log table.
type SQLiteSink struct {
	db    *sql.DB
	chain *ChainLogger
	mu    sync.Mutex
}

// OpenSQLite opens (or creates) the audit database at dsn and resumes the
// chain from the last stored hash. ":memory:" is accepted for tests.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	// one writer keeps the chain order and the in-memory database alive
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			actor         TEXT NOT NULL,
			action        TEXT NOT NULL,
			entity_type   TEXT NOT NULL,
			entity_id     TEXT NOT NULL,
			timestamp     TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			payload       TEXT NOT NULL,
			hash          TEXT NOT NULL UNIQUE
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}

	s := &SQLiteSink{db: db, chain: NewChainLogger()}
	var last string
	err = db.QueryRowContext(ctx, `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("audit: read chain head: %w", err)
	default:
		s.chain.resume(last)
	}
	return s, nil
}

func (s *SQLiteSink) Record(ctx context.Context, actor, action, entityType, entityID string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.chain.Append(actor, action, entityType, entityID, detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, entity_type, entity_id, timestamp, previous_hash, payload, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Actor, e.Action, e.EntityType, e.EntityID, e.Timestamp, e.PreviousHash, e.Payload, e.Hash)
	if err != nil {
		// the entry never landed, so the next one must chain from the stored head
		s.chain.resume(e.PreviousHash)
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Entries returns the stored chain in insertion order.
func (s *SQLiteSink) Entries(ctx context.Context) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor, action, entity_type, entity_id, timestamp, previous_hash, payload, hash
		FROM audit_log ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Actor, &e.Action, &e.EntityType, &e.EntityID, &e.Timestamp, &e.PreviousHash, &e.Payload, &e.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Verify reports whether the stored chain is intact.
func (s *SQLiteSink) Verify(ctx context.Context) (bool, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return false, err
	}
	return VerifyChain(entries), nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
