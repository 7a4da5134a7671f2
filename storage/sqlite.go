package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteEngine implements Engine on a single SQLite table.
// Values are stored as JSON text and returned as EncodingText.
type SQLiteEngine struct {
	db     *sql.DB
	schema Schema

	selectSQL string
	insertSQL string
	updateSQL string
	upsertSQL string
	deleteSQL string
}

// NewSQLiteEngine opens (or creates) the database at path. Use ":memory:"
// for a throwaway database. Parent directories are created if needed.
func NewSQLiteEngine(path string, schema Schema) (*SQLiteEngine, error) {
	schema = schema.WithDefaults()
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path
	if !memory {
		// Pragmas in the DSN apply to every pooled connection, not just the first.
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// Every pooled connection to ":memory:" would see its own database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	t, k, v := schema.Table, schema.KeyColumn, schema.ValueColumn
	return &SQLiteEngine{
		db:        db,
		schema:    schema,
		selectSQL: fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = ?`, k, v, t, k),
		insertSQL: fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES (?, ?)`, t, k, v),
		updateSQL: fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, t, v, k),
		upsertSQL: fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES (?, ?)
			ON CONFLICT(%s) DO UPDATE SET %s = excluded.%s`, t, k, v, k, v, v),
		deleteSQL: fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, t, k),
	}, nil
}

func (s *SQLiteEngine) Schema() Schema { return s.schema }

func (s *SQLiteEngine) TableExists(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		s.schema.Table,
	).Scan(&n)
	if err != nil {
		return false, s.mapErr(fmt.Errorf("checking table %s: %w", s.schema.Table, err))
	}
	return n > 0, nil
}

func (s *SQLiteEngine) CreateTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			%s TEXT NOT NULL UNIQUE,
			%s TEXT
		)`, s.schema.Table, s.schema.KeyColumn, s.schema.ValueColumn)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return s.mapErr(fmt.Errorf("creating table %s: %w", s.schema.Table, err))
	}
	return nil
}

func (s *SQLiteEngine) SelectByKey(ctx context.Context, key string) (Record, bool, error) {
	var (
		k    string
		data sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.selectSQL, key).Scan(&k, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, s.mapErr(fmt.Errorf("selecting %q: %w", key, err))
	}
	if !data.Valid {
		data.String = "null"
	}
	return Record{Key: k, Encoding: EncodingText, Data: []byte(data.String)}, true, nil
}

func (s *SQLiteEngine) Insert(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.insertSQL, key, string(value))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateKey
		}
		return s.mapErr(fmt.Errorf("inserting %q: %w", key, err))
	}
	return nil
}

func (s *SQLiteEngine) UpdateByKey(ctx context.Context, key string, value []byte) error {
	res, err := s.db.ExecContext(ctx, s.updateSQL, string(value), key)
	if err != nil {
		return s.mapErr(fmt.Errorf("updating %q: %w", key, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating %q: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteEngine) Upsert(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, s.upsertSQL, key, string(value)); err != nil {
		return s.mapErr(fmt.Errorf("upserting %q: %w", key, err))
	}
	return nil
}

func (s *SQLiteEngine) DeleteByKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteSQL, key); err != nil {
		return s.mapErr(fmt.Errorf("deleting %q: %w", key, err))
	}
	return nil
}

func (s *SQLiteEngine) Destroy(ctx context.Context) error {
	_ = ctx
	return s.db.Close()
}

// mapErr turns driver-level conditions into the package sentinels where one applies.
func (s *SQLiteEngine) mapErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "sql: database is closed"):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	case strings.Contains(msg, "no such table"):
		return fmt.Errorf("%w: %v", ErrTableMissing, err)
	}
	return err
}

// isUniqueConstraintError reports whether SQLite rejected a write on a UNIQUE column.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
