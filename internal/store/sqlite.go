package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"docsync/internal/crdt"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps update logs in a SQLite database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, created_at) VALUES (?, ?)`, id, time.Now().Unix())
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("create %q: %w", id, ErrDocumentExists)
	}
	if err != nil {
		return fmt.Errorf("create %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) LoadDocument(ctx context.Context, id string) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	defer tx.Rollback()

	if err := documentExists(ctx, tx, id); err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	log, _, err := readLog(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	return crdt.MergeUpdates(log...)
}

func (s *SQLiteStore) AppendUpdate(ctx context.Context, id string, update []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO updates (doc_id, data) VALUES (?, ?)`, id, update)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("append %q: %w", id, ErrDocumentNotFound)
	}
	if err != nil {
		return fmt.Errorf("append %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Compact(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	defer tx.Rollback()

	if err := documentExists(ctx, tx, id); err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	log, maxSeq, err := readLog(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	if len(log) <= 1 {
		return nil
	}
	merged, err := crdt.MergeUpdates(log...)
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE doc_id = ? AND seq <= ?`, id, maxSeq); err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO updates (doc_id, data) VALUES (?, ?)`, id, merged); err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// logLength returns the number of log rows for a document.
func (s *SQLiteStore) logLength(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM updates WHERE doc_id = ?`, id).Scan(&n)
	return n, err
}

func documentExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDocumentNotFound
	}
	return err
}

func readLog(ctx context.Context, tx *sql.Tx, id string) ([][]byte, int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT seq, data FROM updates WHERE doc_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		log    [][]byte
		maxSeq int64
	)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&maxSeq, &data); err != nil {
			return nil, 0, err
		}
		log = append(log, data)
	}
	return log, maxSeq, rows.Err()
}
