package vm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/value"
)

func TestNewBootstrapsPrimordialClasses(t *testing.T) {
	reg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, name := range []string{objectClassName, classClassName, stringClassName, systemClassName} {
		if _, ok := reg.GetClass(name); !ok {
			t.Errorf("class %q not bootstrapped", name)
		}
	}

	systemClass, _ := reg.GetClass(systemClassName)
	stdout, ok := systemClass.StaticField("stdout")
	if !ok || stdout.IsNull() {
		t.Fatalf("System.stdout not wired: %+v, ok=%v", stdout, ok)
	}
}

func TestNewStringRoundTrip(t *testing.T) {
	reg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	off, err := reg.newString("hello")
	if err != nil {
		t.Fatalf("newString: %v", err)
	}
	mv, ok := reg.Manager().Lookup(off)
	if !ok || mv.Class == nil || mv.Class.Name != stringClassName {
		t.Fatalf("newString did not allocate a %s: %+v, ok=%v", stringClassName, mv, ok)
	}
	charsOff, err := reg.readRefField(off, "chars")
	if err != nil {
		t.Fatalf("reading chars field: %v", err)
	}
	payload := reg.Heap().At(charsOff)
	got := string(payload[arrayPayloadHeader : arrayPayloadHeader+5])
	if got != "hello" {
		t.Errorf("chars = %q, want %q", got, "hello")
	}
}

func TestLoadClassFromClasspath(t *testing.T) {
	dir := t.TempDir()
	classDir := filepath.Join(dir, "demo")
	if err := os.MkdirAll(classDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := newClassBuilder("demo.Greeter", objectClassName).
		dynamicField("count", bytecode.Int).
		bytes()
	if err := os.WriteFile(filepath.Join(classDir, "Greeter.lb"), data, 0o644); err != nil {
		t.Fatalf("writing class file: %v", err)
	}

	reg, err := New(WithClasspath(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cd, ex := reg.LoadClass("demo.Greeter")
	if ex != nil {
		t.Fatalf("LoadClass: %v", ex)
	}
	if cd.Name != "demo.Greeter" {
		t.Errorf("Name = %q", cd.Name)
	}
	if _, ok := cd.Field("count"); !ok {
		t.Errorf("expected field %q", "count")
	}

	if _, ex := reg.LoadClass("demo.Missing"); ex == nil {
		t.Errorf("expected an exception loading a missing class")
	}
}

func TestWithHeapAndStackSizeOptions(t *testing.T) {
	reg, err := New(WithHeapSize(1<<20), WithStackSize(stackSlotSize*4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env := reg.NewEnvironment()
	// The sentinel occupies one of the four slots.
	for i := 0; i < 4-stackSentinels; i++ {
		if _, ok := env.push(value.Value{}); !ok {
			t.Fatalf("push %d: unexpected overflow with a 4-slot stack", i)
		}
	}
	if _, ok := env.push(value.Value{}); ok {
		t.Errorf("expected a push past the 4-slot stack's remaining slots to overflow")
	}
}

func TestDumpObjectRendersFields(t *testing.T) {
	reg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	off, err := reg.newString("x")
	if err != nil {
		t.Fatalf("newString: %v", err)
	}
	dump := reg.DumpObject(off)
	if dump == "" {
		t.Errorf("DumpObject returned empty output")
	}
}
