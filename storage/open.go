package storage

import (
	"fmt"
	"path/filepath"
	"time"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Options selects and configures an engine.
type Options struct {
	Backend    string
	DataDir    string
	DSN        string // sqlite only; defaults to <DataDir>/urlstore.db
	InMemory   bool   // badger only
	CacheSize  int64  // badger only
	GCInterval time.Duration
	Schema     Schema
}

// Open builds the engine named by opts.Backend. The returned engine is owned
// by the caller, who must Destroy it.
func Open(opts Options) (Engine, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		dsn := opts.DSN
		if dsn == "" {
			dsn = filepath.Join(opts.DataDir, "urlstore.db")
		}
		return NewSQLiteEngine(dsn, opts.Schema)
	case BackendBolt:
		return NewBoltEngine(filepath.Join(opts.DataDir, DefaultBoltFile), opts.Schema)
	case BackendBadger:
		return NewBadgerEngine(BadgerOptions{
			DataDir:    filepath.Join(opts.DataDir, "badger"),
			InMemory:   opts.InMemory,
			CacheSize:  opts.CacheSize,
			GCInterval: opts.GCInterval,
		}, opts.Schema)
	case BackendMemory:
		return NewMemoryEngine(opts.Schema), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
