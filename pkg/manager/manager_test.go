package manager

import (
	"testing"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/classloader"
	"github.com/kristofer/lsvm/pkg/heap"
	"github.com/kristofer/lsvm/pkg/value"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	h, err := heap.New(4096)
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	return New(h)
}

func pointerClass(t *testing.T) *classloader.ClassDescriptor {
	t.Helper()
	var buf []byte
	buf = append(buf, 0, 1, 0, 0, 0) // compressed + version
	buf = append(buf, byte(bytecode.Class))
	buf = append(buf, append([]byte("Node"), 0)...)
	buf = append(buf, byte(bytecode.Global))
	buf = append(buf, append([]byte("next"), 0)...)
	flags := value.NewFlags(bytecode.Dynamic, bytecode.Varying, bytecode.Object)
	fb := make([]byte, 8)
	for i := 0; i < 8; i++ {
		fb[i] = byte(uint64(flags) >> (8 * i))
	}
	buf = append(buf, fb...)
	cd, err := classloader.Load(buf, nil)
	if err != nil {
		t.Fatalf("loading Node class: %v", err)
	}
	return cd
}

func TestAllocObjectAndArrayRegistersReference(t *testing.T) {
	m := newTestManager(t)
	class := pointerClass(t)

	obj, err := m.AllocObject(class)
	if err != nil {
		t.Fatalf("AllocObject: %v", err)
	}
	if _, ok := m.Lookup(obj.Offset); !ok {
		t.Fatalf("object not registered")
	}

	arr, err := m.AllocArray(bytecode.Int, 4)
	if err != nil {
		t.Fatalf("AllocArray: %v", err)
	}
	if arr.Length != 4 {
		t.Errorf("Length = %d", arr.Length)
	}
	off, err := m.ElementOffset(arr.Offset, 3)
	if err != nil {
		t.Fatalf("ElementOffset: %v", err)
	}
	if off <= arr.Offset {
		t.Errorf("element offset %d not past array header", off)
	}
	if _, err := m.ElementOffset(arr.Offset, 4); err == nil {
		t.Errorf("expected out-of-bounds error")
	}
}

func TestGCSweepsUnreachableObjects(t *testing.T) {
	m := newTestManager(t)
	class := pointerClass(t)

	root, err := m.AllocObject(class)
	if err != nil {
		t.Fatalf("AllocObject root: %v", err)
	}
	orphan, err := m.AllocObject(class)
	if err != nil {
		t.Fatalf("AllocObject orphan: %v", err)
	}

	m.GC([]int{root.Offset})

	if _, ok := m.Lookup(root.Offset); !ok {
		t.Errorf("root should survive GC")
	}
	if _, ok := m.Lookup(orphan.Offset); ok {
		t.Errorf("orphan should have been swept")
	}
}

func TestGCFollowsObjectFieldReferences(t *testing.T) {
	m := newTestManager(t)
	class := pointerClass(t)

	root, err := m.AllocObject(class)
	if err != nil {
		t.Fatalf("AllocObject root: %v", err)
	}
	child, err := m.AllocObject(class)
	if err != nil {
		t.Fatalf("AllocObject child: %v", err)
	}

	fieldOff, _, err := m.FieldOffset(root.Offset, "next")
	if err != nil {
		t.Fatalf("FieldOffset: %v", err)
	}
	ref := value.Ref(bytecode.Object, child.Offset)
	payload := m.Heap().At(root.Offset)
	copy(payload[fieldOff-root.Offset:], ref.Payload[:])

	m.GC([]int{root.Offset})

	if _, ok := m.Lookup(child.Offset); !ok {
		t.Errorf("child reachable through root.next should survive GC")
	}
}

func TestStrongReferenceSurvivesUnreachableGC(t *testing.T) {
	m := newTestManager(t)
	class := pointerClass(t)

	obj, err := m.AllocObject(class)
	if err != nil {
		t.Fatalf("AllocObject: %v", err)
	}
	m.CreateStrongReference(obj.Offset)
	m.GC(nil)
	if _, ok := m.Lookup(obj.Offset); !ok {
		t.Errorf("strongly referenced object should survive GC with empty rootset")
	}

	m.DestroyStrongReference(obj.Offset)
	m.GC(nil)
	if _, ok := m.Lookup(obj.Offset); ok {
		t.Errorf("object should be swept once its strong reference is released")
	}
}
