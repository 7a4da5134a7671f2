package kv

import (
	"context"
	"errors"

	"urlstore/storage"
)

// Save stores value under key, replacing any existing value.
func (s *Store) Save(ctx context.Context, key string, value any) error {
	if err := s.gate.Wait(ctx); err != nil {
		return err
	}
	data, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	if !s.checkThenWrite {
		return s.engine.Upsert(ctx, key, data)
	}

	_, found, err := s.engine.SelectByKey(ctx, key)
	if err != nil {
		return err
	}
	if found {
		return s.engine.UpdateByKey(ctx, key, data)
	}
	return s.engine.Insert(ctx, key, data)
}

// Create stores value under key only if the key is new. It returns
// storage.ErrDuplicateKey otherwise.
func (s *Store) Create(ctx context.Context, key string, value any) error {
	if err := s.gate.Wait(ctx); err != nil {
		return err
	}
	data, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	return s.engine.Insert(ctx, key, data)
}

// Update replaces the value of an existing key. It returns
// storage.ErrNotFound if there is none.
func (s *Store) Update(ctx context.Context, key string, value any) error {
	if err := s.gate.Wait(ctx); err != nil {
		return err
	}
	data, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	return s.engine.UpdateByKey(ctx, key, data)
}

// Fetch returns the decoded value for key, or nil if there is no record.
func (s *Store) Fetch(ctx context.Context, key string) (any, error) {
	rec, found, err := s.lookup(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	return decodeValue(rec)
}

// FetchInto decodes the value for key into dst, which must be a non-nil
// pointer. It reports whether a value was found; a missing record or a
// stored null reports false and leaves dst untouched.
func (s *Store) FetchInto(ctx context.Context, key string, dst any) (bool, error) {
	if dst == nil {
		return false, errors.New("kv: FetchInto needs a non-nil destination")
	}
	rec, found, err := s.lookup(ctx, key)
	if err != nil || !found || isNull(rec) {
		return false, err
	}
	if err := decodeInto(rec, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Exists reports whether Fetch would return a value for key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	v, err := s.Fetch(ctx, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.gate.Wait(ctx); err != nil {
		return err
	}
	return s.engine.DeleteByKey(ctx, key)
}

func (s *Store) lookup(ctx context.Context, key string) (storage.Record, bool, error) {
	if err := s.gate.Wait(ctx); err != nil {
		return storage.Record{}, false, err
	}
	return s.engine.SelectByKey(ctx, key)
}
