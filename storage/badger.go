package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto"
)

// BadgerOptions configures a BadgerEngine.
type BadgerOptions struct {
	DataDir    string
	InMemory   bool
	CacheSize  int64         // ristretto budget in bytes; 0 disables the cache
	GCInterval time.Duration // value log GC period; 0 disables it
}

// BadgerEngine implements Engine using BadgerDB. Records of the table live
// under a "<table>/" key prefix; a marker key records that the table exists.
type BadgerEngine struct {
	db     *badger.DB
	cache  *ristretto.Cache
	schema Schema
	prefix []byte
	marker []byte

	// gen is bumped around every write; reads only fill the cache when it
	// did not move while they ran. cacheMu makes that check and the fill
	// atomic with respect to a write's final bump and eviction.
	gen     atomic.Uint64
	cacheMu sync.Mutex

	closed   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// NewBadgerEngine opens a BadgerDB instance.
func NewBadgerEngine(opts BadgerOptions, schema Schema) (*BadgerEngine, error) {
	schema = schema.WithDefaults()
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	bopts := badger.DefaultOptions(opts.DataDir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").
			WithInMemory(true).
			WithLogger(nil).
			WithLoggingLevel(badger.ERROR)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	var cache *ristretto.Cache
	if opts.CacheSize > 0 {
		cache, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     opts.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create read cache: %w", err)
		}
	}

	e := &BadgerEngine{
		db:     db,
		cache:  cache,
		schema: schema,
		prefix: []byte(schema.Table + "/"),
		marker: []byte("\x00tables/" + schema.Table),
		stop:   make(chan struct{}),
	}

	if opts.GCInterval > 0 && !opts.InMemory {
		go e.runGC(opts.GCInterval)
	}

	return e, nil
}

// runGC runs the value log garbage collector periodically
func (e *BadgerEngine) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			for e.db.RunValueLogGC(0.7) == nil {
			}
		}
	}
}

func (e *BadgerEngine) Schema() Schema { return e.schema }

func (e *BadgerEngine) TableExists(ctx context.Context) (bool, error) {
	if err := e.check(ctx); err != nil {
		return false, err
	}
	var exists bool
	err := e.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(e.marker)
		if err == nil {
			exists = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return exists, e.mapErr(err)
}

func (e *BadgerEngine) CreateTable(ctx context.Context) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	layout := fmt.Sprintf(`{"key":%q,"value":%q}`, e.schema.KeyColumn, e.schema.ValueColumn)
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(e.marker, []byte(layout))
	})
	return e.mapErr(err)
}

func (e *BadgerEngine) SelectByKey(ctx context.Context, key string) (Record, bool, error) {
	if err := e.check(ctx); err != nil {
		return Record{}, false, err
	}

	// Fast path: in-memory cache
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			if b, ok2 := v.([]byte); ok2 {
				return Record{Key: key, Encoding: EncodingText, Data: append([]byte{}, b...)}, true, nil
			}
		}
	}

	var (
		value []byte
		found bool
	)
	gen := e.gen.Load()
	err := e.db.View(func(txn *badger.Txn) error {
		if err := e.requireTable(txn); err != nil {
			return err
		}
		item, err := txn.Get(e.rowKey(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return Record{}, false, e.mapErr(err)
	}
	if !found {
		return Record{}, false, nil
	}
	e.cacheFill(gen, key, value)
	return Record{Key: key, Encoding: EncodingText, Data: value}, true, nil
}

func (e *BadgerEngine) Insert(ctx context.Context, key string, value []byte) error {
	return e.write(ctx, key, func(txn *badger.Txn) error {
		_, err := txn.Get(e.rowKey(key))
		if err == nil {
			return ErrDuplicateKey
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(e.rowKey(key), value)
	})
}

func (e *BadgerEngine) UpdateByKey(ctx context.Context, key string, value []byte) error {
	return e.write(ctx, key, func(txn *badger.Txn) error {
		if _, err := txn.Get(e.rowKey(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Set(e.rowKey(key), value)
	})
}

func (e *BadgerEngine) Upsert(ctx context.Context, key string, value []byte) error {
	return e.write(ctx, key, func(txn *badger.Txn) error {
		return txn.Set(e.rowKey(key), value)
	})
}

func (e *BadgerEngine) DeleteByKey(ctx context.Context, key string) error {
	return e.write(ctx, key, func(txn *badger.Txn) error {
		return txn.Delete(e.rowKey(key))
	})
}

// Destroy stops background GC, drops the cache and closes the database.
func (e *BadgerEngine) Destroy(ctx context.Context) error {
	_ = ctx
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.stopOnce.Do(func() { close(e.stop) })
	if e.cache != nil {
		e.cache.Close()
	}
	return e.db.Close()
}

// write runs fn in an update transaction after checking the table marker.
// The cache entry for key is dropped either way and refilled by the next read.
func (e *BadgerEngine) write(ctx context.Context, key string, fn func(*badger.Txn) error) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	e.gen.Add(1)
	err := e.db.Update(func(txn *badger.Txn) error {
		if err := e.requireTable(txn); err != nil {
			return err
		}
		return fn(txn)
	})
	e.cacheMu.Lock()
	e.gen.Add(1)
	if e.cache != nil {
		e.cache.Del(key)
	}
	e.cacheMu.Unlock()
	return e.mapErr(err)
}

func (e *BadgerEngine) requireTable(txn *badger.Txn) error {
	if _, err := txn.Get(e.marker); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrTableMissing
		}
		return err
	}
	return nil
}

// cacheFill caches value for key unless a write ran since gen was read.
func (e *BadgerEngine) cacheFill(gen uint64, key string, value []byte) {
	if e.cache == nil {
		return
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.gen.Load() != gen {
		return
	}
	// store a copy to avoid aliasing
	v := append([]byte{}, value...)
	e.cache.Set(key, v, int64(len(v)))
}

func (e *BadgerEngine) rowKey(key string) []byte {
	return append(append([]byte{}, e.prefix...), key...)
}

func (e *BadgerEngine) check(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (e *BadgerEngine) mapErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
