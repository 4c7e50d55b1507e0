package value

import (
	"testing"

	"github.com/kristofer/lsvm/pkg/bytecode"
)

func TestFlagsByteOffsets(t *testing.T) {
	f := NewFlags(bytecode.Dynamic, bytecode.Varying, bytecode.Int)
	if f.AccessType() != bytecode.Dynamic {
		t.Errorf("AccessType = %v", f.AccessType())
	}
	if f.IsStatic() {
		t.Errorf("expected dynamic, got static")
	}
	if f.AccessModifier() != bytecode.Varying {
		t.Errorf("AccessModifier = %v", f.AccessModifier())
	}
	if f.Type() != bytecode.Int {
		t.Errorf("Type = %v", f.Type())
	}
	if f.Marked() {
		t.Errorf("expected unmarked by default")
	}
	f2 := f.WithMarked(true)
	if !f2.Marked() {
		t.Errorf("expected marked")
	}
	// Marking must not disturb the other sub-fields.
	if f2.Type() != bytecode.Int || f2.AccessType() != bytecode.Dynamic {
		t.Errorf("marking disturbed other flag bytes: %+v", f2)
	}
}

func TestSizeofType(t *testing.T) {
	cases := map[bytecode.Tag]int{
		bytecode.Char:   1,
		bytecode.Bool:   1,
		bytecode.Short:  2,
		bytecode.Int:    4,
		bytecode.Float:  4,
		bytecode.Long:   8,
		bytecode.Double: 8,
		bytecode.Object: 8,
		bytecode.IntArray: 8,
	}
	for tag, want := range cases {
		if got := SizeofType(tag); got != want {
			t.Errorf("SizeofType(%v) = %d, want %d", tag, got, want)
		}
	}
}

func TestCastMatrixBoolAlwaysZeroOrOne(t *testing.T) {
	vals := []Value{Int32(5), Int32(0), Float64(3.2), Float64(0), Bool(true)}
	for _, v := range vals {
		cast := CastTo(bytecode.Bool, v)
		if cast.AsBool() != (AsFloat64Generic(v) != 0) {
			t.Errorf("bool cast mismatch for %+v", v)
		}
	}
}

func TestCastIntTruncation(t *testing.T) {
	v := Int32(0x1FF) // 511
	cast := CastTo(bytecode.Char, v)
	if cast.AsInt8() != -1 { // low byte 0xFF read as a signed char
		t.Errorf("truncation mismatch: got %d", cast.AsInt8())
	}
}

func TestCastFloatTruncatesTowardZero(t *testing.T) {
	v := Float64(3.9)
	cast := CastTo(bytecode.Int, v)
	if cast.AsInt32() != 3 {
		t.Errorf("expected truncation to 3, got %d", cast.AsInt32())
	}
	v2 := Float64(-3.9)
	cast2 := CastTo(bytecode.Int, v2)
	if cast2.AsInt32() != -3 {
		t.Errorf("expected truncation to -3, got %d", cast2.AsInt32())
	}
}

func TestRefNullRoundTrip(t *testing.T) {
	n := Null()
	if !n.IsNull() {
		t.Errorf("expected null")
	}
	r := Ref(bytecode.Object, 128)
	if r.IsNull() || r.AsRef() != 128 {
		t.Errorf("ref round trip failed: %+v", r)
	}
}
