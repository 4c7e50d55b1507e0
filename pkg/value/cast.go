package value

import "github.com/kristofer/lsvm/pkg/bytecode"

// AsInt64Generic reinterprets v's payload as a signed 64-bit integer
// according to v's own type tag: sign-extending signed integers,
// zero-extending unsigned ones, 0/1 for bool, and truncating
// float/double toward zero (C-style truncation, spec §4.G cast
// matrix).
func AsInt64Generic(v Value) int64 {
	switch v.Flags.Type() {
	case bytecode.Char:
		return int64(v.AsInt8())
	case bytecode.UChar:
		return int64(v.AsUint8())
	case bytecode.Short:
		return int64(v.AsInt16())
	case bytecode.UShort:
		return int64(v.AsUint16())
	case bytecode.Int:
		return int64(v.AsInt32())
	case bytecode.UInt:
		return int64(v.AsUint32())
	case bytecode.Long:
		return v.AsInt64()
	case bytecode.ULong:
		return int64(v.AsUint64())
	case bytecode.Bool:
		if v.AsBool() {
			return 1
		}
		return 0
	case bytecode.Float:
		return int64(v.AsFloat32())
	case bytecode.Double:
		return int64(v.AsFloat64())
	default:
		return 0
	}
}

// AsFloat64Generic reinterprets v's payload as a float64, widening
// from whatever numeric type v actually carries (spec §4.G: "any int
// -> float/double: as-from-int").
func AsFloat64Generic(v Value) float64 {
	switch v.Flags.Type() {
	case bytecode.Float:
		return float64(v.AsFloat32())
	case bytecode.Double:
		return v.AsFloat64()
	case bytecode.UChar:
		return float64(v.AsUint8())
	case bytecode.UShort:
		return float64(v.AsUint16())
	case bytecode.UInt:
		return float64(v.AsUint32())
	case bytecode.ULong:
		return float64(v.AsUint64())
	case bytecode.Bool:
		if v.AsBool() {
			return 1
		}
		return 0
	default:
		return float64(AsInt64Generic(v))
	}
}

// CastTo converts src to the destination primitive type tag following
// the cast matrix of spec §4.G:
//
//	any int    -> int-type        C-style truncate/extend
//	any int    -> float/double    widen, as-from-int
//	float/dbl  -> int-type        truncate toward zero
//	float/dbl  -> float/double    round to nearest (ties to even)
//	bool       -> anything        0 or 1 / 0.0 or 1.0
//	anything   -> bool            nonzero -> 1
//
// This single function backs both `setv` (implicit/static cast) and
// the explicit `castX` family — this implementation resolves spec §9's
// open question by giving both opcodes the same numeric-conversion
// discipline; they differ only in where the interpreter permits them
// (setv also permits an exact-type object/array pointer copy, castX
// does not apply to object/array destinations at all).
func CastTo(dst bytecode.Tag, src Value) Value {
	switch dst {
	case bytecode.Char:
		return Int8(int8(AsInt64Generic(src)))
	case bytecode.UChar:
		return Uint8(uint8(AsInt64Generic(src)))
	case bytecode.Short:
		return Int16(int16(AsInt64Generic(src)))
	case bytecode.UShort:
		return Uint16(uint16(AsInt64Generic(src)))
	case bytecode.Int:
		return Int32(int32(AsInt64Generic(src)))
	case bytecode.UInt:
		return Uint32(uint32(AsInt64Generic(src)))
	case bytecode.Long:
		return Int64(AsInt64Generic(src))
	case bytecode.ULong:
		return Uint64(uint64(AsInt64Generic(src)))
	case bytecode.Bool:
		switch src.Flags.Type() {
		case bytecode.Float:
			return Bool(src.AsFloat32() != 0)
		case bytecode.Double:
			return Bool(src.AsFloat64() != 0)
		default:
			return Bool(AsInt64Generic(src) != 0)
		}
	case bytecode.Float:
		return Float32(float32(AsFloat64Generic(src)))
	case bytecode.Double:
		return Float64(AsFloat64Generic(src))
	default:
		return src
	}
}
