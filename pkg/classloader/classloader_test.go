package classloader

import (
	"encoding/binary"
	"testing"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/value"
)

func cstr(s string) []byte { return append([]byte(s), 0) }

func u32le(x uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, x)
	return b
}

func u64le(x uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, x)
	return b
}

// buildHello assembles a minimal class binary by hand:
//
//	class Hello
//	  static interp main(I x) { ret }
//	  int counter            (dynamic field)
//	  static int total = 42  (static field)
func buildHello(t *testing.T) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, 0)             // compressed
	buf = append(buf, u32le(1)...)   // version
	buf = append(buf, byte(bytecode.Class))
	buf = append(buf, cstr("Hello")...)

	// function main(I x)
	buf = append(buf, byte(bytecode.Function))
	buf = append(buf, byte(bytecode.Static))
	buf = append(buf, byte(bytecode.Interp))
	buf = append(buf, byte(bytecode.Noop)) // void return
	buf = append(buf, cstr("main")...)
	buf = append(buf, 1) // numArgs
	buf = append(buf, byte(bytecode.Int))
	buf = append(buf, cstr("x")...)
	buf = append(buf, byte(bytecode.Ret)) // body: single ret

	// dynamic field "counter"
	buf = append(buf, byte(bytecode.Global))
	buf = append(buf, cstr("counter")...)
	counterFlags := value.NewFlags(bytecode.Dynamic, bytecode.Varying, bytecode.Int)
	buf = append(buf, u64le(uint64(counterFlags))...)

	// static field "total" = 42
	buf = append(buf, byte(bytecode.Global))
	buf = append(buf, cstr("total")...)
	totalFlags := value.NewFlags(bytecode.Static, bytecode.Varying, bytecode.Int)
	buf = append(buf, u64le(uint64(totalFlags))...)
	buf = append(buf, u32le(42)...)

	return buf
}

func TestLoadParsesFunctionsFieldsAndStatics(t *testing.T) {
	cd, err := Load(buildHello(t), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cd.Name != "Hello" {
		t.Fatalf("Name = %q", cd.Name)
	}

	fn, ok := cd.Function("main(I")
	if !ok {
		t.Fatalf("main(I not found; have %v", cd.Functions())
	}
	if !fn.Static || fn.Native || fn.Abstract {
		t.Errorf("unexpected function flags: %+v", fn)
	}

	f, ok := cd.Field("counter")
	if !ok || f.Offset != 0 {
		t.Errorf("counter field = %+v, ok=%v", f, ok)
	}
	if cd.Size != 4 {
		t.Errorf("Size = %d, want 4", cd.Size)
	}

	total, ok := cd.StaticField("total")
	if !ok || total.AsInt32() != 42 {
		t.Errorf("total = %+v, ok=%v", total, ok)
	}
}

func TestLoadRejectsShortBinary(t *testing.T) {
	if _, err := Load([]byte{0, 1, 2}, nil); err == nil {
		t.Fatalf("expected error for short binary")
	}
}

func TestLoadRequiresLoadProcForExtends(t *testing.T) {
	var buf []byte
	buf = append(buf, 0)
	buf = append(buf, u32le(1)...)
	buf = append(buf, byte(bytecode.Class))
	buf = append(buf, cstr("Child")...)
	buf = append(buf, byte(bytecode.Extends))
	buf = append(buf, cstr("Parent")...)

	if _, err := Load(buf, nil); err == nil {
		t.Fatalf("expected error when extends has no loadproc")
	}
}

func TestAdoptInheritedFunctions(t *testing.T) {
	parent := buildHello(t)
	parentCD, err := Load(parent, nil)
	if err != nil {
		t.Fatalf("loading parent: %v", err)
	}

	var child []byte
	child = append(child, 0)
	child = append(child, u32le(1)...)
	child = append(child, byte(bytecode.Class))
	child = append(child, cstr("World")...)
	child = append(child, byte(bytecode.Extends))
	child = append(child, cstr("Hello")...)

	childCD, err := Load(child, func(name string) (*ClassDescriptor, error) {
		if name == "Hello" {
			return parentCD, nil
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("loading child: %v", err)
	}
	if _, ok := childCD.Function("main(I"); !ok {
		t.Errorf("child did not adopt parent's main(I")
	}
}
