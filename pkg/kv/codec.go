package kv

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"urlstore/storage"
)

func encodeValue(key string, value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Key: key, Err: err}
	}
	return data, nil
}

// decodeValue turns a record into a plain Go value: maps, slices, float64,
// string, bool or nil, whichever encoding the engine reported.
func decodeValue(rec storage.Record) (any, error) {
	switch rec.Encoding {
	case storage.EncodingNative:
		return rec.Native, nil
	case storage.EncodingText:
		var v any
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			return nil, &SerializationError{Op: "decode", Key: rec.Key, Err: err}
		}
		return v, nil
	default:
		return nil, &SerializationError{Op: "decode", Key: rec.Key,
			Err: fmt.Errorf("unsupported encoding %s", rec.Encoding)}
	}
}

// isNull reports whether the record holds JSON null, which reads as absent.
func isNull(rec storage.Record) bool {
	switch rec.Encoding {
	case storage.EncodingNative:
		return rec.Native == nil
	case storage.EncodingText:
		return bytes.Equal(bytes.TrimSpace(rec.Data), []byte("null"))
	default:
		return false
	}
}

// decodeInto fills dst, a non-nil pointer, from a record. Native values are
// mapped with mapstructure honouring the same json tags the text path uses.
func decodeInto(rec storage.Record, dst any) error {
	switch rec.Encoding {
	case storage.EncodingText:
		if err := json.Unmarshal(rec.Data, dst); err != nil {
			return &SerializationError{Op: "decode", Key: rec.Key, Err: err}
		}
		return nil
	case storage.EncodingNative:
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "json",
			WeaklyTypedInput: true,
			Result:           dst,
		})
		if err != nil {
			return &SerializationError{Op: "decode", Key: rec.Key, Err: err}
		}
		if err := dec.Decode(rec.Native); err != nil {
			return &SerializationError{Op: "decode", Key: rec.Key, Err: err}
		}
		return nil
	default:
		return &SerializationError{Op: "decode", Key: rec.Key,
			Err: fmt.Errorf("unsupported encoding %s", rec.Encoding)}
	}
}
