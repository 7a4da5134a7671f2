package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltEngine implements Engine on a BoltDB file. The schema table maps to a
// bucket; column names only describe the layout since Bolt has no columns.
// Row keys carry a one-byte prefix so the empty key is storable.
type BoltEngine struct {
	handle *bolt.DB
	bucket []byte
	schema Schema
}

// DefaultBoltFile is the file name used when a directory is given as path.
const DefaultBoltFile = "urlstore.bolt"

const boltRowPrefix = 'r'

// NewBoltEngine opens the BoltDB file at path, creating it if needed.
func NewBoltEngine(path string, schema Schema) (*BoltEngine, error) {
	schema = schema.WithDefaults()
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultBoltFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	handle, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db %s: %w", path, err)
	}

	return &BoltEngine{
		handle: handle,
		bucket: []byte(schema.Table),
		schema: schema,
	}, nil
}

func (b *BoltEngine) Schema() Schema { return b.schema }

func (b *BoltEngine) TableExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var exists bool
	err := b.handle.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(b.bucket) != nil
		return nil
	})
	return exists, b.mapErr(err)
}

func (b *BoltEngine) CreateTable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.handle.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	return b.mapErr(err)
}

func (b *BoltEngine) SelectByKey(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	var (
		value []byte
		found bool
	)
	err := b.handle.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return ErrTableMissing
		}
		if v := bucket.Get(boltRowKey(key)); v != nil {
			// Bolt memory is only valid inside the transaction.
			value = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	if err != nil || !found {
		return Record{}, false, b.mapErr(err)
	}
	return Record{Key: key, Encoding: EncodingText, Data: value}, true, nil
}

func (b *BoltEngine) Insert(ctx context.Context, key string, value []byte) error {
	return b.write(ctx, func(bucket *bolt.Bucket) error {
		if bucket.Get(boltRowKey(key)) != nil {
			return ErrDuplicateKey
		}
		return bucket.Put(boltRowKey(key), value)
	})
}

func (b *BoltEngine) UpdateByKey(ctx context.Context, key string, value []byte) error {
	return b.write(ctx, func(bucket *bolt.Bucket) error {
		if bucket.Get(boltRowKey(key)) == nil {
			return ErrNotFound
		}
		return bucket.Put(boltRowKey(key), value)
	})
}

func (b *BoltEngine) Upsert(ctx context.Context, key string, value []byte) error {
	return b.write(ctx, func(bucket *bolt.Bucket) error {
		return bucket.Put(boltRowKey(key), value)
	})
}

func (b *BoltEngine) DeleteByKey(ctx context.Context, key string) error {
	return b.write(ctx, func(bucket *bolt.Bucket) error {
		return bucket.Delete(boltRowKey(key))
	})
}

func (b *BoltEngine) Destroy(ctx context.Context) error {
	_ = ctx
	return b.handle.Close()
}

// write runs fn in a single read-write transaction on the table bucket.
func (b *BoltEngine) write(ctx context.Context, fn func(*bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.handle.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return ErrTableMissing
		}
		return fn(bucket)
	})
	return b.mapErr(err)
}

func boltRowKey(key string) []byte {
	return append([]byte{boltRowPrefix}, key...)
}

func (b *BoltEngine) mapErr(err error) error {
	if err == bolt.ErrDatabaseNotOpen {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
