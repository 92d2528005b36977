// Package protocol implements the wire codec: frame framing, checksum,
// and the datatype conversions shared by every store operation.
package protocol

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Datatype is the closed enumeration of value types a store can carry,
// matching the wire bytes in spec §3.
type Datatype struct {
	Name   string
	Size   int
	Signed bool
	Wire   byte
}

var (
	Float16 = Datatype{"float16", 2, false, 10}
	Float32 = Datatype{"float32", 4, false, 12}
	Float64 = Datatype{"float64", 8, false, 13}
	Int8    = Datatype{"int8", 1, true, 20}
	Int16   = Datatype{"int16", 2, true, 21}
	Int32   = Datatype{"int32", 4, true, 22}
	Int64   = Datatype{"int64", 8, true, 23}
	Uint8   = Datatype{"uint8", 1, false, 25}
	Uint16  = Datatype{"uint16", 2, false, 26}
	Uint32  = Datatype{"uint32", 4, false, 27}
	Uint64  = Datatype{"uint64", 8, false, 28}
	Char    = Datatype{"char", 1, false, 30}
	Bool    = Datatype{"bool", 1, false, 31}
)

var byWire = map[byte]Datatype{
	Float16.Wire: Float16, Float32.Wire: Float32, Float64.Wire: Float64,
	Int8.Wire: Int8, Int16.Wire: Int16, Int32.Wire: Int32, Int64.Wire: Int64,
	Uint8.Wire: Uint8, Uint16.Wire: Uint16, Uint32.Wire: Uint32, Uint64.Wire: Uint64,
	Char.Wire: Char, Bool.Wire: Bool,
}

// DatatypeFromWire resolves the enum member for a wire byte.
func DatatypeFromWire(b byte) (Datatype, error) {
	dt, ok := byWire[b]
	if !ok {
		return Datatype{}, errors.Errorf("unknown datatype wire byte %d", b)
	}
	return dt, nil
}

// ToBytes renders value as exactly dt.Size bytes in little-endian order,
// except for Char, where the payload is the raw remainder of the frame
// (see spec §4.1 / §9 open questions) and size does not constrain length.
func ToBytes(dt Datatype, value interface{}) ([]byte, error) {
	switch dt {
	case Bool:
		v, ok := value.(bool)
		if !ok {
			return nil, errors.Errorf("value for bool store must be bool, got %T", value)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case Char:
		v, ok := value.(string)
		if !ok {
			return nil, errors.Errorf("value for char store must be string, got %T", value)
		}
		return []byte(v), nil
	case Float16:
		v, ok := asFloat(value)
		if !ok {
			return nil, errors.Errorf("value for float16 store must be numeric, got %T", value)
		}
		return encodeFloat16(v), nil
	case Float32:
		v, ok := asFloat(value)
		if !ok {
			return nil, errors.Errorf("value for float32 store must be numeric, got %T", value)
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
		return buf, nil
	case Float64:
		v, ok := asFloat(value)
		if !ok {
			return nil, errors.Errorf("value for float64 store must be numeric, got %T", value)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		return buf, nil
	default:
		v, ok := asInt(value)
		if !ok {
			return nil, errors.Errorf("value for %s store must be an integer, got %T", dt.Name, value)
		}
		buf := make([]byte, dt.Size)
		putUintLE(buf, uint64(v), dt.Size)
		return buf, nil
	}
}

// FromBytes inverts ToBytes, decoding raw wire bytes into the host
// representation for dt.
func FromBytes(dt Datatype, data []byte) (interface{}, error) {
	switch dt {
	case Bool:
		if len(data) == 0 {
			return nil, errors.New("empty payload for bool value")
		}
		for _, b := range data {
			if b != 0 {
				return true, nil
			}
		}
		return false, nil
	case Char:
		return string(data), nil
	case Float16:
		if len(data) < 2 {
			return nil, errors.New("short payload for float16 value")
		}
		return decodeFloat16(data[:2]), nil
	case Float32:
		if len(data) < 4 {
			return nil, errors.New("short payload for float32 value")
		}
		bits := binary.LittleEndian.Uint32(data[:4])
		return float64(math.Float32frombits(bits)), nil
	case Float64:
		if len(data) < 8 {
			return nil, errors.New("short payload for float64 value")
		}
		bits := binary.LittleEndian.Uint64(data[:8])
		return math.Float64frombits(bits), nil
	default:
		if len(data) < dt.Size {
			return nil, errors.Errorf("short payload for %s value: want %d bytes, got %d", dt.Name, dt.Size, len(data))
		}
		u := getUintLE(data[:dt.Size])
		if dt.Signed {
			return signExtend(u, dt.Size), nil
		}
		return int64(u), nil
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func putUintLE(buf []byte, v uint64, size int) {
	for i := 0; i < size; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

func getUintLE(data []byte) uint64 {
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * uint(i))
	}
	return v
}

func signExtend(u uint64, size int) int64 {
	bits := uint(size * 8)
	mask := uint64(1) << (bits - 1)
	return (int64(u) ^ int64(mask)) - int64(mask)
}

// encodeFloat16/decodeFloat16 implement IEEE-754 binary16, which the
// standard library does not expose directly.
func encodeFloat16(v float64) []byte {
	f32 := float32(v)
	bits := math.Float32bits(f32)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xff) - 127 + 15
	mant := bits & 0x7fffff
	var half uint16
	switch {
	case exp <= 0:
		half = sign
	case exp >= 0x1f:
		half = sign | 0x7c00
	default:
		half = sign | uint16(exp<<10) | uint16(mant>>13)
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, half)
	return buf
}

func decodeFloat16(data []byte) float64 {
	half := binary.LittleEndian.Uint16(data)
	sign := uint32(half&0x8000) << 16
	exp := uint32(half>>10) & 0x1f
	mant := uint32(half & 0x3ff)
	var bits uint32
	switch {
	case exp == 0:
		bits = sign
	case exp == 0x1f:
		bits = sign | 0x7f800000 | (mant << 13)
	default:
		bits = sign | ((exp - 15 + 127) << 23) | (mant << 13)
	}
	return float64(math.Float32frombits(bits))
}
