package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Dialect selects placeholder syntax for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const createAuditTable = `
CREATE TABLE IF NOT EXISTS audit_entries (
	entry_id TEXT PRIMARY KEY,
	sequence BIGINT NOT NULL,
	timestamp TEXT NOT NULL,
	component TEXT NOT NULL,
	event TEXT NOT NULL,
	subject TEXT,
	checksum TEXT,
	encrypted BOOLEAN NOT NULL,
	metadata TEXT,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL
)`

// SQLSink persists entries to an audit_entries table.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink creates the table if missing and returns a ready sink.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported audit dialect %q", dialect)
	}
	s := &SQLSink{db: db, dialect: dialect}
	if _, err := db.ExecContext(ctx, createAuditTable); err != nil {
		return nil, fmt.Errorf("migrate audit_entries: %w", err)
	}
	return s, nil
}

func (s *SQLSink) Write(ctx context.Context, e Entry) error {
	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	query := `INSERT INTO audit_entries (
		entry_id, sequence, timestamp, component, event, subject, checksum, encrypted, metadata, previous_hash, hash
	) VALUES (` + s.placeholders(11) + `)`

	_, err := s.db.ExecContext(ctx, query,
		e.ID, int64(e.Sequence), e.Timestamp.UTC().Format(time.RFC3339Nano), e.Component, e.Event,
		e.Subject, e.Checksum, e.Encrypted, metadata, e.PreviousHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// List returns up to limit entries in sequence order.
func (s *SQLSink) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT entry_id, sequence, timestamp, component, event, subject, checksum, encrypted, metadata, previous_hash, hash
		FROM audit_entries ORDER BY sequence ASC LIMIT ` + s.placeholders(1)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			seq       int64
			ts        string
			subject   sql.NullString
			checksum  sql.NullString
			metadata  sql.NullString
			encrypted bool
		)
		if err := rows.Scan(&e.ID, &seq, &ts, &e.Component, &e.Event, &subject, &checksum, &encrypted, &metadata, &e.PreviousHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.Subject = subject.String
		e.Checksum = checksum.String
		e.Encrypted = encrypted
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp of %s: %w", e.ID, err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) placeholders(n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		if s.dialect == DialectPostgres {
			out += fmt.Sprintf("$%d", i)
		} else {
			out += "?"
		}
	}
	return out
}
