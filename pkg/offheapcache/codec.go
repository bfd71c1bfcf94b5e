package offheapcache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// Value tags the wire representation of a cached value so Get can hand
// callers back the concrete Go type they stored, without requiring
// every caller to pre-agree on a schema. Unrecognized values fall back
// to JSON, matching how most of this codebase's other collaborator
// layers serialize arbitrary payloads.
type valueTag byte

const (
	tagBytes valueTag = iota
	tagString
	tagInt64
	tagFloat64
	tagBool
	tagJSON
)

// encode serializes v into a tagged byte slice. It never fails for the
// primitive cases; arbitrary structs go through encoding/json and can
// fail if they contain something json.Marshal rejects (channels,
// funcs, cyclic structures).
func encode(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return append([]byte{byte(tagBytes)}, x...), nil
	case string:
		return append([]byte{byte(tagString)}, x...), nil
	case int64:
		buf := make([]byte, 9)
		buf[0] = byte(tagInt64)
		binary.LittleEndian.PutUint64(buf[1:], uint64(x))
		return buf, nil
	case int:
		return encode(int64(x))
	case float64:
		buf := make([]byte, 9)
		buf[0] = byte(tagFloat64)
		binary.LittleEndian.PutUint64(buf[1:], floatBits(x))
		return buf, nil
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return []byte{byte(tagBool), b}, nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("offheapcache: encode: %w", err)
		}
		return append([]byte{byte(tagJSON)}, body...), nil
	}
}

// decodeInto decodes raw (as produced by encode) into dst, which must
// be a pointer to a type compatible with the value's tag (or any
// pointer type, for the JSON fallback).
func decodeInto(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("offheapcache: decode: empty value")
	}
	tag := valueTag(raw[0])
	body := raw[1:]

	switch d := dst.(type) {
	case *[]byte:
		if tag != tagBytes {
			return fmt.Errorf("offheapcache: decode: value is not []byte")
		}
		*d = append([]byte(nil), body...)
		return nil
	case *string:
		if tag != tagString {
			return fmt.Errorf("offheapcache: decode: value is not string")
		}
		*d = string(body)
		return nil
	case *int64:
		if tag != tagInt64 {
			return fmt.Errorf("offheapcache: decode: value is not int64")
		}
		*d = int64(binary.LittleEndian.Uint64(body))
		return nil
	case *float64:
		if tag != tagFloat64 {
			return fmt.Errorf("offheapcache: decode: value is not float64")
		}
		*d = floatFromBits(binary.LittleEndian.Uint64(body))
		return nil
	case *bool:
		if tag != tagBool {
			return fmt.Errorf("offheapcache: decode: value is not bool")
		}
		*d = body[0] != 0
		return nil
	default:
		if tag != tagJSON {
			return fmt.Errorf("offheapcache: decode: value was not stored as JSON")
		}
		return json.Unmarshal(body, dst)
	}
}
