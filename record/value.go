package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"
)

// A property value is one of bool, int64, float64, string, []byte, []int64, Point, or
// time.Time.
type Value interface{}

// Point is a two dimensional point in a coordinate reference system.
type Point struct {
	CRS int32
	X   float64
	Y   float64
}

const (
	MaxShortString     = 27
	shortStringLenMask = 0x1F

	minInt = -(int64(1) << 35)
	maxInt = int64(1)<<35 - 1

	temporalDateTime = 1

	byteArray = 1
	longArray = 2
)

var (
	ErrUnsupportedValue = errors.New("record: unsupported property value")
)

// NormalizeValue converts v into one of the supported value types.
func NormalizeValue(v interface{}) (Value, error) {
	switch v := v.(type) {
	case bool, int64, float64, string, Point:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case []byte:
		return append([]byte(nil), v...), nil
	case []int64:
		return append([]int64(nil), v...), nil
	case time.Time:
		if v.Year() < 1678 || v.Year() > 2261 {
			return nil, fmt.Errorf("%w: time out of range: %s", ErrUnsupportedValue, v)
		}
		return v.UTC(), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func ValuesEqual(v1, v2 Value) bool {
	if t1, ok := v1.(time.Time); ok {
		t2, ok := v2.(time.Time)
		return ok && t1.Equal(t2)
	}
	return reflect.DeepEqual(v1, v2)
}

func BoolBlock(key int32, b bool) PropertyBlock {
	var payload uint64
	if b {
		payload = 1
	}
	return PropertyBlock{Words: []uint64{headerWord(key, BoolType, payload)}}
}

// IntBlock returns a one word block if v fits in 36 bits, otherwise a two word block.
func IntBlock(key int32, v int64) PropertyBlock {
	if v >= minInt && v <= maxInt {
		return PropertyBlock{Words: []uint64{headerWord(key, IntType, uint64(v))}}
	}
	return PropertyBlock{Words: []uint64{headerWord(key, LongType, 0), uint64(v)}}
}

func DoubleBlock(key int32, f float64) PropertyBlock {
	return PropertyBlock{Words: []uint64{headerWord(key, DoubleType, 0), math.Float64bits(f)}}
}

func shortStringWords(n int) int {
	if n <= 3 {
		return 1
	}
	return 1 + (n-3+7)/8
}

// ShortStringBlock stores s inline if it is no longer than MaxShortString bytes.
func ShortStringBlock(key int32, s string) (PropertyBlock, bool) {
	if len(s) > MaxShortString {
		return PropertyBlock{}, false
	}

	words := make([]uint64, shortStringWords(len(s)))
	payload := uint64(len(s))
	for i := 0; i < len(s) && i < 3; i += 1 {
		payload |= uint64(s[i]) << (8 + 8*uint(i))
	}
	words[0] = headerWord(key, ShortStringType, payload)
	for i := 3; i < len(s); i += 1 {
		j := i - 3
		words[1+j/8] |= uint64(s[i]) << (56 - 8*uint(j%8))
	}
	return PropertyBlock{Words: words}, true
}

// DynamicBlock refers to a string or array value stored in a dynamic chain starting at id.
func DynamicBlock(key int32, pt PropertyType, id int64) PropertyBlock {
	if !pt.Dynamic() {
		panic(fmt.Sprintf("record: %s is not a dynamic property type", pt))
	}
	return PropertyBlock{Words: []uint64{headerWord(key, pt, uint64(id))}}
}

func PointBlock(key int32, p Point) PropertyBlock {
	return PropertyBlock{
		Words: []uint64{
			headerWord(key, PointType, uint64(uint32(p.CRS))),
			math.Float64bits(p.X),
			math.Float64bits(p.Y),
		},
	}
}

func TemporalBlock(key int32, t time.Time) PropertyBlock {
	return PropertyBlock{
		Words: []uint64{headerWord(key, TemporalType, temporalDateTime), uint64(t.UnixNano())},
	}
}

// InlineValue returns the value of a block which is stored inline; it returns false for
// string and array blocks.
func (pb PropertyBlock) InlineValue() (Value, bool) {
	switch pb.Type() {
	case BoolType:
		return pb.payload()&1 != 0, true
	case IntType:
		return int64(pb.payload()<<28) >> 28, true
	case LongType:
		return int64(pb.Words[1]), true
	case DoubleType:
		return math.Float64frombits(pb.Words[1]), true
	case ShortStringType:
		payload := pb.payload()
		n := int(payload & shortStringLenMask)
		b := make([]byte, n)
		for i := 0; i < n && i < 3; i += 1 {
			b[i] = byte(payload >> (8 + 8*uint(i)))
		}
		for i := 3; i < n; i += 1 {
			j := i - 3
			b[i] = byte(pb.Words[1+j/8] >> (56 - 8*uint(j%8)))
		}
		return string(b), true
	case PointType:
		return Point{
			CRS: int32(uint32(pb.payload())),
			X:   math.Float64frombits(pb.Words[1]),
			Y:   math.Float64frombits(pb.Words[2]),
		}, true
	case TemporalType:
		return time.Unix(0, int64(pb.Words[1])).UTC(), true
	}
	return nil, false
}

// EncodeArray encodes a []byte or []int64 value for storage in a dynamic chain.
func EncodeArray(v Value) ([]byte, error) {
	switch v := v.(type) {
	case []byte:
		return append([]byte{byteArray}, v...), nil
	case []int64:
		buf := make([]byte, 1+8*len(v))
		buf[0] = longArray
		for i, n := range v {
			binary.BigEndian.PutUint64(buf[1+8*i:], uint64(n))
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: %T is not an array", ErrUnsupportedValue, v)
}

func DecodeArray(buf []byte) (Value, error) {
	if len(buf) == 0 {
		return nil, errors.New("record: empty array value")
	}
	switch buf[0] {
	case byteArray:
		v := make([]byte, len(buf)-1)
		copy(v, buf[1:])
		return v, nil
	case longArray:
		if (len(buf)-1)%8 != 0 {
			return nil, fmt.Errorf("record: bad long array length: %d", len(buf)-1)
		}
		v := make([]int64, (len(buf)-1)/8)
		for i := range v {
			v[i] = int64(binary.BigEndian.Uint64(buf[1+8*i:]))
		}
		return v, nil
	}
	return nil, fmt.Errorf("record: bad array element type: %d", buf[0])
}
