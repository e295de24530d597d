package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// MaxSize bounds a single frame. Anything larger is not something a peer
// would legitimately present over the radio.
const MaxSize = 4 << 10

const (
	KeyUserID   = "userId"
	KeyAmount   = "amount"
	KeyCurrency = "currency"
	KeyTS       = "ts"
	KeyAck      = "ack"
)

var (
	// ErrDecode wraps every failure to turn bytes into Fields.
	ErrDecode = errors.New("frame decode error")

	// ErrInvalidFrame reports decodable fields that do not form the
	// expected message kind.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Fields is the flat key/value payload of a frame. Values are string,
// json.Number, or bool.
type Fields map[string]any

// Encode serialises fields as a JSON object. Keys are emitted in sorted
// order so identical fields always produce identical bytes.
func Encode(fields Fields) ([]byte, error) {
	for k, v := range fields {
		switch v.(type) {
		case string, bool, json.Number, int, int64, float64:
		default:
			return nil, fmt.Errorf("frame field %q: unsupported type %T", k, v)
		}
	}
	return json.Marshal(map[string]any(fields))
}

// Decode parses a received frame. It never returns partial fields: any
// malformed input yields a nil map and an error wrapping ErrDecode.
func Decode(data []byte) (Fields, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}
	if len(data) > MaxSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrDecode, len(data), MaxSize)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not an object", ErrDecode)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrDecode)
	}

	fields := make(Fields, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case nil:
			continue
		case string, bool, json.Number:
			fields[k] = v
		default:
			return nil, fmt.Errorf("%w: field %q is not a primitive", ErrDecode, k)
		}
	}
	return fields, nil
}

// String returns the string value at key.
func (f Fields) String(key string) (string, bool) {
	s, ok := f[key].(string)
	return s, ok
}

// Bool returns the boolean value at key.
func (f Fields) Bool(key string) (bool, bool) {
	b, ok := f[key].(bool)
	return b, ok
}

// Int returns the integer value at key. Numeric strings are accepted.
func (f Fields) Int(key string) (int64, bool) {
	switch v := f[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// Has reports whether key is present.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}
