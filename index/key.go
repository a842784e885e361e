package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/leftmike/graphstore/record"
)

const (
	// Property values are encoded as a tag followed by a binary representation of the
	// value, so that keys sort in value order within each type.
	boolKeyTag         = 129
	int64NegKeyTag     = 130
	int64NotNegKeyTag  = 131
	float64NaNKeyTag   = 140
	float64NegKeyTag   = 141
	float64ZeroKeyTag  = 142
	float64PosKeyTag   = 143
	stringKeyTag       = 150
	bytesKeyTag        = 160
	longArrayKeyTag    = 170
	pointKeyTag        = 180
	temporalKeyTag     = 190
	longArrayEndKeyTag = 0
)

func encodeUint64(buf []byte, u uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u)
	return append(buf, b[:]...)
}

func encodeKeyBytes(buf []byte, bytes []byte) []byte {
	for _, b := range bytes {
		if b == 0 || b == 1 {
			buf = append(buf, 1)
		}
		buf = append(buf, b)
	}
	return append(buf, 0)
}

func encodeKeyInt64(buf []byte, n int64) []byte {
	if n < 0 {
		buf = append(buf, int64NegKeyTag)
	} else {
		buf = append(buf, int64NotNegKeyTag)
	}
	return encodeUint64(buf, uint64(n))
}

func encodeKeyFloat64(buf []byte, f float64) []byte {
	if math.IsNaN(f) {
		return append(buf, float64NaNKeyTag)
	} else if f == 0 {
		return append(buf, float64ZeroKeyTag)
	}

	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		u = ^u
		buf = append(buf, float64NegKeyTag)
	} else {
		buf = append(buf, float64PosKeyTag)
	}
	return encodeUint64(buf, u)
}

// ValueKey encodes a property value as an index key. Keys are self delimiting, and keys of
// values of the same type sort in the order of the values.
func ValueKey(v record.Value) ([]byte, error) {
	v, err := record.NormalizeValue(v)
	if err != nil {
		return nil, err
	}

	var buf []byte
	switch v := v.(type) {
	case bool:
		buf = append(buf, boolKeyTag)
		if v {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case int64:
		buf = encodeKeyInt64(buf, v)
	case float64:
		buf = encodeKeyFloat64(buf, v)
	case string:
		buf = append(buf, stringKeyTag)
		buf = encodeKeyBytes(buf, []byte(v))
	case []byte:
		buf = append(buf, bytesKeyTag)
		buf = encodeKeyBytes(buf, v)
	case []int64:
		buf = append(buf, longArrayKeyTag)
		for _, n := range v {
			buf = encodeKeyInt64(buf, n)
		}
		buf = append(buf, longArrayEndKeyTag)
	case record.Point:
		buf = append(buf, pointKeyTag)
		buf = encodeUint64(buf, uint64(v.CRS)^(1<<63))
		buf = encodeKeyFloat64(buf, v.X)
		buf = encodeKeyFloat64(buf, v.Y)
	case time.Time:
		buf = append(buf, temporalKeyTag)
		buf = encodeUint64(buf, uint64(v.UnixNano())^(1<<63))
	default:
		panic(fmt.Sprintf("index: unexpected value type: %T", v))
	}
	return buf, nil
}

// LabelKey is the key of a label in the label index.
func LabelKey(label int32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(label))
	return buf[:]
}

// The key of an entry in the KV is the index, the key of the entry in the index, and the
// node.
func indexPrefix(index int32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(index))
	return buf[:]
}

func entryKey(index int32, key []byte, node int64) []byte {
	buf := make([]byte, 0, 4+len(key)+8)
	buf = append(buf, indexPrefix(index)...)
	buf = append(buf, key...)
	return encodeUint64(buf, uint64(node))
}

func parseEntryKey(buf []byte) (int32, []byte, int64, bool) {
	if len(buf) < 12 {
		return 0, nil, 0, false
	}
	return int32(binary.BigEndian.Uint32(buf)), buf[4 : len(buf)-8],
		int64(binary.BigEndian.Uint64(buf[len(buf)-8:])), true
}
