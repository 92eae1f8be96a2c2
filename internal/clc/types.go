package clc

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// scalarKind is an OpenCL C scalar type.
type scalarKind int

const (
	kVoid scalarKind = iota
	kBool
	kChar
	kUChar
	kShort
	kUShort
	kInt
	kUInt
	kLong
	kULong
	kHalf
	kFloat
	kDouble
)

var kindNames = [...]string{
	kVoid:   "void",
	kBool:   "bool",
	kChar:   "char",
	kUChar:  "uchar",
	kShort:  "short",
	kUShort: "ushort",
	kInt:    "int",
	kUInt:   "uint",
	kLong:   "long",
	kULong:  "ulong",
	kHalf:   "half",
	kFloat:  "float",
	kDouble: "double",
}

// typeNames maps single-word type specifiers to kinds.
var typeNames = map[string]scalarKind{
	"void":      kVoid,
	"bool":      kBool,
	"char":      kChar,
	"uchar":     kUChar,
	"short":     kShort,
	"ushort":    kUShort,
	"int":       kInt,
	"uint":      kUInt,
	"long":      kLong,
	"ulong":     kULong,
	"half":      kHalf,
	"float":     kFloat,
	"double":    kDouble,
	"size_t":    kULong,
	"ptrdiff_t": kLong,
	"intptr_t":  kLong,
	"uintptr_t": kULong,
}

func (k scalarKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "?"
}

func (k scalarKind) size() int {
	switch k {
	case kBool, kChar, kUChar:
		return 1
	case kShort, kUShort, kHalf:
		return 2
	case kInt, kUInt, kFloat:
		return 4
	case kLong, kULong, kDouble:
		return 8
	default:
		return 0
	}
}

func (k scalarKind) isFloat() bool {
	return k == kHalf || k == kFloat || k == kDouble
}

func (k scalarKind) isInteger() bool {
	return k >= kBool && k <= kULong
}

func (k scalarKind) isUnsigned() bool {
	switch k {
	case kBool, kUChar, kUShort, kUInt, kULong:
		return true
	}
	return false
}

func (k scalarKind) bits() int {
	return k.size() * 8
}

// rank orders integer kinds for the usual arithmetic conversions.
func (k scalarKind) rank() int {
	switch k {
	case kBool:
		return 0
	case kChar, kUChar:
		return 1
	case kShort, kUShort:
		return 2
	case kInt, kUInt:
		return 3
	default:
		return 4
	}
}

func (k scalarKind) toUnsigned() scalarKind {
	switch k {
	case kChar:
		return kUChar
	case kShort:
		return kUShort
	case kInt:
		return kUInt
	case kLong:
		return kULong
	}
	return k
}

// promote applies the usual arithmetic conversions to a pair of operands.
func promote(a, b scalarKind) scalarKind {
	switch {
	case a == kDouble || b == kDouble:
		return kDouble
	case a == kFloat || b == kFloat:
		return kFloat
	case a == kHalf || b == kHalf:
		return kHalf
	}
	a, b = promoteInt(a), promoteInt(b)
	if a == b {
		return a
	}
	if a.isUnsigned() == b.isUnsigned() {
		if a.rank() >= b.rank() {
			return a
		}
		return b
	}
	u, s := a, b
	if s.isUnsigned() {
		u, s = s, u
	}
	if u.rank() >= s.rank() {
		return u
	}
	return s
}

// promoteInt widens kinds narrower than int.
func promoteInt(k scalarKind) scalarKind {
	if k.isInteger() && k.rank() < kInt.rank() {
		return kInt
	}
	return k
}

// value is the bit pattern of a runtime scalar. Integer kinds hold two's
// complement bits sign- or zero-extended to 64 bits; bool holds 0 or 1.
// Floating point kinds hold the float64 bits of a value already rounded to
// the kind.
type value uint64

func floatValue(x float64) value { return value(math.Float64bits(x)) }

func (v value) float() float64 { return math.Float64frombits(uint64(v)) }

// toFloat returns v, a value of kind k, as a float64.
func toFloat(v value, k scalarKind) float64 {
	switch {
	case k.isFloat():
		return v.float()
	case k.isUnsigned():
		return float64(uint64(v))
	default:
		return float64(int64(v))
	}
}

// truth reports whether v, a value of kind k, compares unequal to zero.
func truth(v value, k scalarKind) bool {
	if k.isFloat() {
		return v.float() != 0
	}
	return v != 0
}

func boolValue(b bool) value {
	if b {
		return 1
	}
	return 0
}

// fromBits wraps the bit pattern n to integer kind k.
func fromBits(n uint64, k scalarKind) value {
	switch k {
	case kBool:
		return boolValue(n != 0)
	case kChar:
		return value(int64(int8(n)))
	case kUChar:
		return value(uint8(n))
	case kShort:
		return value(int64(int16(n)))
	case kUShort:
		return value(uint16(n))
	case kInt:
		return value(int64(int32(n)))
	case kUInt:
		return value(uint32(n))
	default:
		return value(n)
	}
}

// fromFloat rounds x to floating kind k, or truncates and wraps it to
// integer kind k. NaN and infinities become integer zero.
func fromFloat(x float64, k scalarKind) value {
	switch k {
	case kDouble, kVoid:
		return floatValue(x)
	case kFloat:
		return floatValue(float64(float32(x)))
	case kHalf:
		return floatValue(float64(float16.Fromfloat32(float32(x)).Float32()))
	case kBool:
		return boolValue(x != 0)
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	x = math.Trunc(x)
	var n uint64
	switch {
	case x >= 0x1p64:
		n = math.MaxUint64
	case x >= 0x1p63:
		n = uint64(x)
	case x < -0x1p63:
		n = 1 << 63
	default:
		n = uint64(int64(x))
	}
	return fromBits(n, k)
}

// convert changes v from kind from to kind to, as an implicit conversion or
// cast does.
func convert(v value, from, to scalarKind) value {
	switch {
	case from == to || to == kVoid:
		return v
	case from.isFloat():
		return fromFloat(v.float(), to)
	case !to.isFloat():
		return fromBits(uint64(v), to)
	case to == kFloat && from.isUnsigned():
		return floatValue(float64(float32(uint64(v))))
	case to == kFloat:
		return floatValue(float64(float32(int64(v))))
	default:
		return fromFloat(toFloat(v, from), to)
	}
}

// intRange returns the bounds of integer kind k.
func intRange(k scalarKind) (lo int64, hi uint64) {
	switch k {
	case kBool:
		return 0, 1
	case kChar:
		return math.MinInt8, math.MaxInt8
	case kUChar:
		return 0, math.MaxUint8
	case kShort:
		return math.MinInt16, math.MaxInt16
	case kUShort:
		return 0, math.MaxUint16
	case kInt:
		return math.MinInt32, math.MaxInt32
	case kUInt:
		return 0, math.MaxUint32
	case kLong:
		return math.MinInt64, math.MaxInt64
	default:
		return 0, math.MaxUint64
	}
}

// saturate converts v from kind from to kind to, clamping into the range
// of an integer destination instead of wrapping.
func saturate(v value, from, to scalarKind) value {
	if !to.isInteger() {
		return convert(v, from, to)
	}
	lo, hi := intRange(to)
	if from.isFloat() {
		x := v.float()
		switch {
		case math.IsNaN(x):
			return 0
		case x <= float64(lo):
			return fromBits(uint64(lo), to)
		case x >= float64(hi):
			return fromBits(hi, to)
		}
		return fromFloat(x, to)
	}
	if from.isUnsigned() {
		return fromBits(min(uint64(v), hi), to)
	}
	n := int64(v)
	switch {
	case n < lo:
		return fromBits(uint64(lo), to)
	case n > 0 && uint64(n) > hi:
		return fromBits(hi, to)
	}
	return fromBits(uint64(n), to)
}

// loadElem decodes element i of a little-endian buffer of kind k.
func loadElem(buf []byte, i int, k scalarKind) value {
	switch k {
	case kBool, kUChar:
		return value(buf[i])
	case kChar:
		return value(int64(int8(buf[i])))
	case kShort:
		return value(int64(int16(binary.LittleEndian.Uint16(buf[i*2:]))))
	case kUShort:
		return value(binary.LittleEndian.Uint16(buf[i*2:]))
	case kHalf:
		return floatValue(float64(float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()))
	case kInt:
		return value(int64(int32(binary.LittleEndian.Uint32(buf[i*4:]))))
	case kUInt:
		return value(binary.LittleEndian.Uint32(buf[i*4:]))
	case kFloat:
		return floatValue(float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))))
	case kLong, kULong, kDouble:
		return value(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return 0
}

// storeElem encodes v, already converted to kind k, as element i of buf.
func storeElem(buf []byte, i int, k scalarKind, v value) {
	switch k {
	case kBool, kUChar, kChar:
		buf[i] = byte(v)
	case kShort, kUShort:
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	case kHalf:
		binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(float32(v.float())).Bits())
	case kInt, kUInt:
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	case kFloat:
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v.float())))
	case kLong, kULong, kDouble:
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
}
