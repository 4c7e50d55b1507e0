// Package value implements the Value tagged-union model shared by
// globals, locals, and fields (spec §3 "Value", §4.C).
//
// A Value is a 64-bit flags word plus an up-to-64-bit payload. The
// flags word is byte-addressable: specific byte offsets carry specific
// sub-fields, exactly as the reference implementation's
// lscript/internal/value.h lays them out.
package value

import (
	"encoding/binary"
	"math"

	"github.com/kristofer/lsvm/pkg/bytecode"
)

// Flags byte offsets within the 64-bit flags word (spec §3, §4.C).
const (
	AccessTypeOffset     = 0 // byte holds bytecode.Static or bytecode.Dynamic
	AccessModifierOffset = 1 // byte holds bytecode.Const or bytecode.Varying
	ManagerFlagsOffset   = 6 // bit 0 of this byte is the GC mark bit
	TypeOffset           = 7 // byte holds the bytecode.Tag type tag
)

// MarkBit is the GC mark bit within the manager-flags byte.
const MarkBit = 0x1

// Flags is the 64-bit byte-addressable flags word.
type Flags uint64

func (f Flags) byteAt(offset int) byte {
	return byte(f >> (8 * offset))
}

func (f Flags) withByte(offset int, b byte) Flags {
	shift := uint(8 * offset)
	mask := Flags(0xff) << shift
	return (f &^ mask) | (Flags(b) << shift)
}

// AccessType reports whether the value is static or dynamic (instance).
func (f Flags) AccessType() bytecode.Tag { return bytecode.Tag(f.byteAt(AccessTypeOffset)) }

// IsStatic reports value_is_static.
func (f Flags) IsStatic() bool { return f.AccessType() == bytecode.Static }

// AccessModifier reports whether the value is const or varying.
func (f Flags) AccessModifier() bytecode.Tag { return bytecode.Tag(f.byteAt(AccessModifierOffset)) }

// IsConst reports value_is_const.
func (f Flags) IsConst() bool { return f.AccessModifier() == bytecode.Const }

// Type returns the type tag carried in the flags word.
func (f Flags) Type() bytecode.Tag { return bytecode.Tag(f.byteAt(TypeOffset)) }

// WithType returns f with its type tag byte replaced.
func (f Flags) WithType(t bytecode.Tag) Flags { return f.withByte(TypeOffset, byte(t)) }

// WithAccessType returns f with its access-type byte replaced.
func (f Flags) WithAccessType(t bytecode.Tag) Flags { return f.withByte(AccessTypeOffset, byte(t)) }

// WithAccessModifier returns f with its access-modifier byte replaced.
func (f Flags) WithAccessModifier(t bytecode.Tag) Flags {
	return f.withByte(AccessModifierOffset, byte(t))
}

// Marked reports the GC mark bit.
func (f Flags) Marked() bool { return f.byteAt(ManagerFlagsOffset)&MarkBit != 0 }

// WithMarked returns f with the GC mark bit set or cleared.
func (f Flags) WithMarked(marked bool) Flags {
	b := f.byteAt(ManagerFlagsOffset)
	if marked {
		b |= MarkBit
	} else {
		b &^= MarkBit
	}
	return f.withByte(ManagerFlagsOffset, b)
}

// NewFlags builds a flags word for a freshly declared value.
func NewFlags(accessType, accessModifier bytecode.Tag, typ bytecode.Tag) Flags {
	var f Flags
	f = f.WithAccessType(accessType).WithAccessModifier(accessModifier).WithType(typ)
	return f
}

// SizeofType returns the physical slot width in bytes for a type tag:
// 1/2/4/8 for primitives, pointer-width (8) for every object/array tag
// (spec §4.C `sizeof_type`).
func SizeofType(t bytecode.Tag) int {
	switch t {
	case bytecode.Char, bytecode.UChar, bytecode.Bool:
		return 1
	case bytecode.Short, bytecode.UShort:
		return 2
	case bytecode.Int, bytecode.UInt, bytecode.Float:
		return 4
	case bytecode.Long, bytecode.ULong, bytecode.Double, bytecode.Object:
		return 8
	default:
		if _, isArray := t.IsArray(); isArray {
			return 8
		}
		return 0
	}
}

// Value is the physical {flags, payload} pair shared by globals,
// locals, and object fields (spec §3).
type Value struct {
	Flags   Flags
	Payload [8]byte
}

// Sizeof returns the physical width of v's payload per its type tag.
func (v Value) Sizeof() int { return SizeofType(v.Flags.Type()) }

func (v *Value) setType(t bytecode.Tag) { v.Flags = v.Flags.WithType(t) }

// --- typed constructors ---

func Int8(x int8) Value {
	var v Value
	v.setType(bytecode.Char)
	v.Payload[0] = byte(x)
	return v
}

func Uint8(x uint8) Value {
	var v Value
	v.setType(bytecode.UChar)
	v.Payload[0] = x
	return v
}

func Int16(x int16) Value {
	var v Value
	v.setType(bytecode.Short)
	binary.LittleEndian.PutUint16(v.Payload[:2], uint16(x))
	return v
}

func Uint16(x uint16) Value {
	var v Value
	v.setType(bytecode.UShort)
	binary.LittleEndian.PutUint16(v.Payload[:2], x)
	return v
}

func Int32(x int32) Value {
	var v Value
	v.setType(bytecode.Int)
	binary.LittleEndian.PutUint32(v.Payload[:4], uint32(x))
	return v
}

func Uint32(x uint32) Value {
	var v Value
	v.setType(bytecode.UInt)
	binary.LittleEndian.PutUint32(v.Payload[:4], x)
	return v
}

func Int64(x int64) Value {
	var v Value
	v.setType(bytecode.Long)
	binary.LittleEndian.PutUint64(v.Payload[:8], uint64(x))
	return v
}

func Uint64(x uint64) Value {
	var v Value
	v.setType(bytecode.ULong)
	binary.LittleEndian.PutUint64(v.Payload[:8], x)
	return v
}

func Bool(x bool) Value {
	var v Value
	v.setType(bytecode.Bool)
	if x {
		v.Payload[0] = 1
	}
	return v
}

func Float32(x float32) Value {
	var v Value
	v.setType(bytecode.Float)
	binary.LittleEndian.PutUint32(v.Payload[:4], math.Float32bits(x))
	return v
}

func Float64(x float64) Value {
	var v Value
	v.setType(bytecode.Double)
	binary.LittleEndian.PutUint64(v.Payload[:8], math.Float64bits(x))
	return v
}

// Ref builds an object/array-tagged Value pointing at a heap offset (or
// heap.NullOffset for null).
func Ref(tag bytecode.Tag, offset int) Value {
	var v Value
	v.setType(tag)
	binary.LittleEndian.PutUint64(v.Payload[:8], uint64(int64(offset)))
	return v
}

// Null returns an object-tagged null reference.
func Null() Value { return Ref(bytecode.Object, -1) }

// --- typed accessors ---

func (v Value) AsInt8() int8   { return int8(v.Payload[0]) }
func (v Value) AsUint8() uint8 { return v.Payload[0] }
func (v Value) AsInt16() int16 {
	return int16(binary.LittleEndian.Uint16(v.Payload[:2]))
}
func (v Value) AsUint16() uint16 { return binary.LittleEndian.Uint16(v.Payload[:2]) }
func (v Value) AsInt32() int32 {
	return int32(binary.LittleEndian.Uint32(v.Payload[:4]))
}
func (v Value) AsUint32() uint32 { return binary.LittleEndian.Uint32(v.Payload[:4]) }
func (v Value) AsInt64() int64 {
	return int64(binary.LittleEndian.Uint64(v.Payload[:8]))
}
func (v Value) AsUint64() uint64 { return binary.LittleEndian.Uint64(v.Payload[:8]) }
func (v Value) AsBool() bool     { return v.Payload[0] != 0 }
func (v Value) AsFloat32() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v.Payload[:4]))
}
func (v Value) AsFloat64() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(v.Payload[:8]))
}

// AsRef returns the heap offset stored in an object/array-tagged Value.
func (v Value) AsRef() int { return int(int64(v.AsUint64())) }

// IsNull reports whether an object/array-tagged Value is null.
func (v Value) IsNull() bool { return v.AsRef() < 0 }

// RawBits returns the payload's first n bytes reinterpreted as an
// unsigned integer, used by the interpreter's generic arithmetic paths
// which operate on a destination type's width rather than a named Go
// type.
func (v Value) RawBits(width int) uint64 {
	switch width {
	case 1:
		return uint64(v.Payload[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(v.Payload[:2]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(v.Payload[:4]))
	default:
		return binary.LittleEndian.Uint64(v.Payload[:8])
	}
}

// SetRawBits writes n bytes of an unsigned integer into the payload.
func (v *Value) SetRawBits(width int, bits uint64) {
	switch width {
	case 1:
		v.Payload[0] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(v.Payload[:2], uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(v.Payload[:4], uint32(bits))
	default:
		binary.LittleEndian.PutUint64(v.Payload[:8], bits)
	}
}

// Field is a class-table field descriptor: the same flags word plus a
// byte offset into the object's payload area (spec §4.C).
type Field struct {
	Flags  Flags
	Offset int
}

func (f Field) IsStatic() bool             { return f.Flags.IsStatic() }
func (f Field) IsConst() bool              { return f.Flags.IsConst() }
func (f Field) Type() bytecode.Tag         { return f.Flags.Type() }
func (f Field) Sizeof() int                { return SizeofType(f.Type()) }
