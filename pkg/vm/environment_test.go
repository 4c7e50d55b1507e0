package vm

import (
	"testing"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/value"
)

// buildCounterClass hand-assembles, in classloader_test.go's buildHello
// style:
//
//	class Counter
//	  static int counter = 42
//	  static interp read() { retv counter }
//
// exercising an interpreted function that references its own class'
// static field unqualified, with no dotted class-name prefix.
func buildCounterClass() []byte {
	var buf []byte
	buf = append(buf, 0)           // compressed
	buf = append(buf, u32le(1)...) // version
	buf = append(buf, byte(bytecode.Class))
	buf = append(buf, cstr("Counter")...)

	// static interp read() { retv counter }
	buf = append(buf, byte(bytecode.Function))
	buf = append(buf, byte(bytecode.Static))
	buf = append(buf, byte(bytecode.Interp))
	buf = append(buf, byte(bytecode.Int)) // return type
	buf = append(buf, cstr("read")...)
	buf = append(buf, 0) // numArgs
	buf = append(buf, byte(bytecode.RetV))
	buf = append(buf, cstr("counter")...)

	// static int counter = 42
	buf = append(buf, byte(bytecode.Global))
	buf = append(buf, cstr("counter")...)
	flags := value.NewFlags(bytecode.Static, bytecode.Varying, bytecode.Int)
	buf = append(buf, u64le(uint64(flags))...)
	buf = append(buf, u32le(42)...)

	return buf
}

func TestResolveVariableFallsBackToOwnClassStatic(t *testing.T) {
	reg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cd, ex := reg.LoadClassBinary(buildCounterClass())
	if ex != nil {
		t.Fatalf("LoadClassBinary: %v", ex)
	}
	reg.classes["Counter"] = cd
	if err := reg.publishClassObject("Counter", cd); err != nil {
		t.Fatalf("publishClassObject: %v", err)
	}

	fn, ok := cd.Function("read(")
	if !ok {
		t.Fatalf("read( not found; have %v", cd.Functions())
	}

	env := reg.NewEnvironment()
	if ex := env.Call(fn, cd, nil); ex != nil {
		t.Fatalf("calling read(): %v", ex)
	}
	if got := env.retReg.AsInt32(); got != 42 {
		t.Errorf("retReg = %d, want 42", got)
	}
}
