package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound is returned by UpdateByKey when no record has the key.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey is returned by Insert when a record already has the key.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrTableMissing is returned when a record operation runs before CreateTable.
	ErrTableMissing = errors.New("table does not exist")
	// ErrClosed is returned by every operation after Destroy.
	ErrClosed = errors.New("engine is closed")
)

// Engine defines the persistence medium a kv.Store delegates to.
// An engine is bound to one Schema at construction. Every method except
// Schema may block on I/O and may fail.
type Engine interface {
	// Schema
	Schema() Schema
	TableExists(ctx context.Context) (bool, error)
	CreateTable(ctx context.Context) error

	// Record operations
	SelectByKey(ctx context.Context, key string) (Record, bool, error)
	Insert(ctx context.Context, key string, value []byte) error
	UpdateByKey(ctx context.Context, key string, value []byte) error
	Upsert(ctx context.Context, key string, value []byte) error
	DeleteByKey(ctx context.Context, key string) error

	// Lifecycle
	Destroy(ctx context.Context) error
}

// Encoding tells the reader how a Record carries its value.
type Encoding int

const (
	// EncodingText means Record.Data holds UTF-8 JSON text.
	EncodingText Encoding = iota
	// EncodingNative means Record.Native holds an already decoded value.
	EncodingNative
)

func (e Encoding) String() string {
	switch e {
	case EncodingText:
		return "text"
	case EncodingNative:
		return "native"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// Record is a single keyed row as returned by SelectByKey.
type Record struct {
	Key      string
	Encoding Encoding
	Data     []byte
	Native   any
}

// Schema names the table and its two columns: a unique key column and an
// opaque value column.
type Schema struct {
	Table       string
	KeyColumn   string
	ValueColumn string
}

// DefaultSchema is the urls table keyed by hash with a JSON data column.
var DefaultSchema = Schema{
	Table:       "urls",
	KeyColumn:   "hash",
	ValueColumn: "data",
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks that every name is a plain identifier, safe to splice into SQL.
func (s Schema) Validate() error {
	for _, name := range []string{s.Table, s.KeyColumn, s.ValueColumn} {
		if !identRe.MatchString(name) {
			return fmt.Errorf("invalid schema identifier %q", name)
		}
	}
	if s.KeyColumn == s.ValueColumn {
		return fmt.Errorf("key and value columns must differ, both are %q", s.KeyColumn)
	}
	return nil
}

// WithDefaults fills empty fields from DefaultSchema.
func (s Schema) WithDefaults() Schema {
	if s.Table == "" {
		s.Table = DefaultSchema.Table
	}
	if s.KeyColumn == "" {
		s.KeyColumn = DefaultSchema.KeyColumn
	}
	if s.ValueColumn == "" {
		s.ValueColumn = DefaultSchema.ValueColumn
	}
	return s
}
