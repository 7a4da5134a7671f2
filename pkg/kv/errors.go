package kv

import "fmt"

// InitError reports that schema preparation failed. The store keeps the
// first InitError and returns that same value from every later operation.
type InitError struct {
	Table string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("kv: preparing table %s: %v", e.Table, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// SerializationError reports a value that could not be encoded for storage
// (Op "encode") or a stored value that could not be decoded (Op "decode").
type SerializationError struct {
	Op  string
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("kv: %s value for key %q: %v", e.Op, e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
