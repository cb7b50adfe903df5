// Package indexkey computes sortable index keys from document field
// values. It stands in for the document model's index-key encoding
// collaborator, which the retention subsystem consumes only through a
// narrow contract and never implements itself.
package indexkey

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// field value tags, ordered so null < false < true < number < string
// regardless of the bytes that follow.
const (
	tagNull = iota
	tagFalse
	tagTrue
	tagNumber
	tagString
)

// Encode builds a sortable key for id's document, given the index's
// field list, following the same fixed-width-integer / null-terminated-
// string idiom as the teacher's IndexGenerator
// (internal/storage/convex/indexes.go). A nil/empty field list selects
// the id-keyed primary index, so the id alone becomes the key.
//
// The document id is always appended as the final component, so two
// documents with an identical field value still sort by id — the
// tiebreak the accumulated scenario in the worked retention example
// relies on.
func Encode(fields []string, id string, value json.RawMessage) ([]byte, error) {
	if len(fields) == 0 {
		return append([]byte(id), 0), nil
	}

	var doc map[string]json.RawMessage
	if len(value) > 0 {
		if err := json.Unmarshal(value, &doc); err != nil {
			return nil, fmt.Errorf("decoding document for index key: %w", err)
		}
	}

	var key []byte
	for _, f := range fields {
		enc, err := encodeField(doc[f])
		if err != nil {
			return nil, fmt.Errorf("encoding field %q: %w", f, err)
		}
		key = append(key, enc...)
	}
	key = append(key, []byte(id)...)
	key = append(key, 0)
	return key, nil
}

func encodeField(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []byte{tagNull}, nil
	}
	switch raw[0] {
	case 't':
		return []byte{tagTrue}, nil
	case 'f':
		return []byte{tagFalse}, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		buf := make([]byte, 0, len(s)+2)
		buf = append(buf, tagString)
		buf = append(buf, []byte(s)...)
		buf = append(buf, 0)
		return buf, nil
	default:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		buf := make([]byte, 9)
		buf[0] = tagNumber
		binary.BigEndian.PutUint64(buf[1:], orderPreservingFloat64(f))
		return buf, nil
	}
}

// orderPreservingFloat64 maps IEEE-754 float64 bits to a uint64 whose
// unsigned numeric order matches the float's numeric order: flip every
// bit for negatives, set the sign bit for non-negatives. A fixed-width
// generalization of PriorityIndexKey's binary.BigEndian.PutUint16 idiom.
func orderPreservingFloat64(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}
