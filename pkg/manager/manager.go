// Package manager implements the GC manager (component B): a single
// heap plus the list of every object/array ever handed out from it,
// and the mark-and-sweep collector that walks a caller-supplied
// rootset to decide what survives (spec §3 "Manager", §4.B).
package manager

import (
	"container/list"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/classloader"
	"github.com/kristofer/lsvm/pkg/heap"
	"github.com/kristofer/lsvm/pkg/value"
)

// arrayHeaderSize is the inline {flags, length, padding} header every
// array block carries ahead of its element payload (spec §3 "Array").
const arrayHeaderSize = 16

// Kind distinguishes the two heap-resident reference shapes.
type Kind int

const (
	KindObject Kind = iota
	KindArray
)

// ManagedValue is the manager's bookkeeping record for one live
// reference: enough to mark it (and its children) during GC, and to
// sweep its heap block on collection. One of these exists for every
// node in the manager's reference list (spec §4.B "reference list").
type ManagedValue struct {
	Offset  int                         // heap payload offset of the block
	Kind    Kind
	Class   *classloader.ClassDescriptor // non-nil iff Kind == KindObject
	ElemTag bytecode.Tag                 // valid iff Kind == KindArray
	Length  uint32                       // valid iff Kind == KindArray

	marked bool // set by mark(), cleared at the start of every GC cycle
	strong int  // create/destroy_strong_reference count; >0 survives regardless of reachability
}

// Manager owns one heap and the list of every reference allocated from
// it. It is not safe for concurrent use — callers serialize access the
// same way they serialize access to the heap itself (spec §5).
type Manager struct {
	heap  *heap.Heap
	refs  *list.List
	index map[int]*ManagedValue
	log   zerolog.Logger
}

// New wraps an existing heap with a fresh, empty reference list.
func New(h *heap.Heap) *Manager {
	return &Manager{
		heap:  h,
		refs:  list.New(),
		index: make(map[int]*ManagedValue),
		log:   log.With().Str("component", "manager").Logger(),
	}
}

// Heap returns the heap backing this manager, for callers (the
// interpreter's field/element accessors) that need raw byte access.
func (m *Manager) Heap() *heap.Heap { return m.heap }

// Lookup returns the bookkeeping record for a live reference at
// offset, or (nil, false) if offset names no object/array this
// manager allocated (or it has already been swept).
func (m *Manager) Lookup(offset int) (*ManagedValue, bool) {
	mv, ok := m.index[offset]
	return mv, ok
}

func (m *Manager) register(mv *ManagedValue) {
	m.refs.PushBack(mv)
	m.index[mv.Offset] = mv
}

// AllocObject reserves a heap block sized for class's field area, zeros
// it, writes the object's inline flags header, and registers it with
// the reference list (spec §4.B "alloc_object").
func (m *Manager) AllocObject(class *classloader.ClassDescriptor) (*ManagedValue, error) {
	total := 8 + class.Size // 8-byte inline flags header + field area
	off, ok := m.heap.Allocate(total)
	if !ok {
		return nil, errors.Errorf("manager: out of memory allocating object of class %q (%d bytes)", class.Name, total)
	}
	payload := m.heap.At(off)
	for i := range payload {
		payload[i] = 0
	}
	writeFlags(payload, value.NewFlags(bytecode.Dynamic, bytecode.Varying, bytecode.Object))
	for _, f := range class.Fields() {
		if isReferenceType(f.Type()) {
			writeNullRef(payload, 8+f.Offset)
		}
	}

	mv := &ManagedValue{Offset: off, Kind: KindObject, Class: class}
	m.register(mv)
	m.log.Debug().Int("offset", off).Str("class", class.Name).Msg("alloc_object")
	return mv, nil
}

// AllocArray reserves a heap block sized for length elements of elemTag,
// writes the inline {flags, length, padding} header, zeros the element
// payload, and registers it (spec §4.B "alloc_array", §3 "Array").
func (m *Manager) AllocArray(elemTag bytecode.Tag, length uint32) (*ManagedValue, error) {
	elemSize := value.SizeofType(elemTag)
	if elemSize == 0 {
		return nil, errors.Errorf("manager: array element type %v has no fixed size", elemTag)
	}
	total := arrayHeaderSize + int(length)*elemSize
	off, ok := m.heap.Allocate(total)
	if !ok {
		return nil, errors.Errorf("manager: out of memory allocating %d-element array of %v (%d bytes)", length, elemTag, total)
	}
	payload := m.heap.At(off)
	for i := range payload {
		payload[i] = 0
	}
	arrayTag := arrayTagFor(elemTag)
	writeFlags(payload, value.NewFlags(bytecode.Dynamic, bytecode.Varying, arrayTag))
	writeU32(payload, 8, length)
	if elemTag == bytecode.Object {
		for i := 0; i < int(length); i++ {
			writeNullRef(payload, arrayHeaderSize+i*elemSize)
		}
	}

	mv := &ManagedValue{Offset: off, Kind: KindArray, ElemTag: elemTag, Length: length}
	m.register(mv)
	m.log.Debug().Int("offset", off).Uint32("length", length).Str("elem", elemTag.String()).Msg("alloc_array")
	return mv, nil
}

func arrayTagFor(elem bytecode.Tag) bytecode.Tag {
	switch elem {
	case bytecode.Char:
		return bytecode.CharArray
	case bytecode.UChar:
		return bytecode.UCharArray
	case bytecode.Short:
		return bytecode.ShortArray
	case bytecode.UShort:
		return bytecode.UShortArray
	case bytecode.Int:
		return bytecode.IntArray
	case bytecode.UInt:
		return bytecode.UIntArray
	case bytecode.Long:
		return bytecode.LongArray
	case bytecode.ULong:
		return bytecode.ULongArray
	case bytecode.Bool:
		return bytecode.BoolArray
	case bytecode.Float:
		return bytecode.FloatArray
	case bytecode.Double:
		return bytecode.DoubleArray
	default:
		return bytecode.ObjectArray
	}
}

// ElementOffset returns the heap payload offset of element i of the
// array at arrayOffset, after bounds-checking against its stored length.
func (m *Manager) ElementOffset(arrayOffset, i int) (int, error) {
	mv, ok := m.index[arrayOffset]
	if !ok || mv.Kind != KindArray {
		return 0, errors.Errorf("manager: %d is not a live array", arrayOffset)
	}
	if i < 0 || uint32(i) >= mv.Length {
		return 0, errors.Errorf("manager: array index %d out of bounds (length %d)", i, mv.Length)
	}
	elemSize := value.SizeofType(mv.ElemTag)
	return arrayOffset + arrayHeaderSize + i*elemSize, nil
}

// FieldOffset returns the heap payload offset of field name on the
// object at objOffset.
func (m *Manager) FieldOffset(objOffset int, name string) (int, value.Field, error) {
	mv, ok := m.index[objOffset]
	if !ok || mv.Kind != KindObject {
		return 0, value.Field{}, errors.Errorf("manager: %d is not a live object", objOffset)
	}
	f, ok := mv.Class.Field(name)
	if !ok {
		return 0, value.Field{}, errors.Errorf("manager: class %q has no field %q", mv.Class.Name, name)
	}
	return objOffset + 8 + f.Offset, f, nil
}

// CreateStrongReference pins offset so it survives GC regardless of
// reachability from the rootset; the VM registry uses it to keep its
// Class objects and the stdio wrapper objects alive (spec §4.B
// "create_strong_reference").
func (m *Manager) CreateStrongReference(offset int) {
	if mv, ok := m.index[offset]; ok {
		mv.strong++
	}
}

// DestroyStrongReference releases one pin created by
// CreateStrongReference.
func (m *Manager) DestroyStrongReference(offset int) {
	if mv, ok := m.index[offset]; ok && mv.strong > 0 {
		mv.strong--
	}
}

// GC runs one mark-and-sweep cycle: clear every mark, walk from
// rootset marking everything reachable, then free every unmarked,
// non-strongly-referenced block (spec §4.B, resolving the mark/clear
// ordering open question by clearing at the *start* of the cycle).
func (m *Manager) GC(rootset []int) {
	for e := m.refs.Front(); e != nil; e = e.Next() {
		e.Value.(*ManagedValue).marked = false
	}

	visited := make(map[int]bool)
	for _, root := range rootset {
		m.mark(root, visited)
	}

	var next *list.Element
	freed := 0
	for e := m.refs.Front(); e != nil; e = next {
		next = e.Next()
		mv := e.Value.(*ManagedValue)
		if mv.marked || mv.strong > 0 {
			continue
		}
		m.heap.Free(mv.Offset)
		delete(m.index, mv.Offset)
		m.refs.Remove(e)
		freed++
	}
	m.log.Debug().Int("freed", freed).Int("live", m.refs.Len()).Msg("gc cycle complete")
}

// mark sets mv's mark bit and recurses into every reference it holds:
// an object's object/array-typed fields, or every element of an object
// array. Primitive arrays have no children to trace.
func (m *Manager) mark(offset int, visited map[int]bool) {
	if offset < 0 || visited[offset] {
		return
	}
	mv, ok := m.index[offset]
	if !ok {
		return
	}
	visited[offset] = true
	mv.marked = true

	switch mv.Kind {
	case KindObject:
		payload := m.heap.At(mv.Offset)
		for _, f := range mv.Class.Fields() {
			if !isReferenceType(f.Type()) {
				continue
			}
			child := readRef(payload, 8+f.Offset)
			m.mark(child, visited)
		}
	case KindArray:
		if mv.ElemTag != bytecode.Object {
			return
		}
		payload := m.heap.At(mv.Offset)
		elemSize := value.SizeofType(mv.ElemTag)
		for i := 0; i < int(mv.Length); i++ {
			child := readRef(payload, arrayHeaderSize+i*elemSize)
			m.mark(child, visited)
		}
	}
}

func isReferenceType(t bytecode.Tag) bool {
	if t == bytecode.Object {
		return true
	}
	_, isArray := t.IsArray()
	return isArray
}

func readRef(payload []byte, off int) int {
	if off+8 > len(payload) {
		return -1
	}
	return int(int64(binary.LittleEndian.Uint64(payload[off : off+8])))
}

func writeFlags(payload []byte, f value.Flags) {
	binary.LittleEndian.PutUint64(payload[:8], uint64(f))
}

func writeU32(payload []byte, off int, x uint32) {
	binary.LittleEndian.PutUint32(payload[off:off+4], x)
}

// writeNullRef writes heap.NullOffset (-1) into a reference-typed
// slot so freshly allocated object/array fields read as null rather
// than as a stray reference to heap offset 0 (spec §3 "Value" null
// convention).
func writeNullRef(payload []byte, off int) {
	binary.LittleEndian.PutUint64(payload[off:off+8], uint64(int64(heap.NullOffset)))
}
