package persistence

import (
	"bytes"
	"encoding/gob"
)

// EncodeValue serializes a value using encoding/gob. Interface values
// nested inside v must have their concrete types registered with gob.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes data produced by EncodeValue into a T.
// Empty input yields the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

func encodeContext(ctx map[string]any) ([]byte, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	return EncodeValue(ctx)
}

func decodeContext(data []byte) (map[string]any, error) {
	m, err := DecodeValue[map[string]any](data)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}
