package vm

import (
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/classloader"
	"github.com/kristofer/lsvm/pkg/value"
)

// frame is one call's bookkeeping record: the saved caller state to
// restore on return, the function/class currently executing, and
// whether unwinding this frame should stop the dispatch loop entirely
// (spec §3 "Environment", §4.F, §9 "return native" semantics).
type frame struct {
	savedSP    int // caller's sp at call time; restored on return, truncating the callee's args/locals
	savedBase  int // caller's bp at call time; restored on return
	savedIP    int
	savedClass *classloader.ClassDescriptor
	savedFn    *classloader.FunctionDescriptor

	function     *classloader.FunctionDescriptor
	class        *classloader.ClassDescriptor
	returnNative bool
}

// Environment is one single-threaded execution context: its own stack
// of Values, call-frame list, scope chain, instruction pointer, and
// exception/return-register state (spec §3 "Environment", §4.F).
//
// The stack is modeled as a slice of value.Value slots rather than raw
// bytes — sp/bp are plain slot indices, which is enough to state and
// test the frame-symmetry invariant (spec §8) without the bytecode
// dispatch loop ever doing its own pointer arithmetic over a byte
// buffer (spec §9 "model instructions... separate decoding from
// dispatch").
type Environment struct {
	reg    *Registry
	stack  []value.Value
	sp     int // next free slot
	bp     int // current frame's base (first local's slot index)
	frames []frame
	scopes []map[string]int // scope chain; scopes[len-1] is the current scope

	ip        int
	class     *classloader.ClassDescriptor
	fn        *classloader.FunctionDescriptor
	exception *Exception
	retReg    value.Value
}

const stackSentinels = 1

// NewEnvironment creates a fresh environment with a stack of the given
// slot capacity, a sentinel pushed first so the initial frame has a
// distinct frame base (spec §4.F).
func NewEnvironment(reg *Registry, stackSlots int) *Environment {
	if stackSlots < 1 {
		stackSlots = 1
	}
	e := &Environment{
		reg:   reg,
		stack: make([]value.Value, stackSlots),
	}
	e.sp = stackSentinels
	e.bp = stackSentinels
	e.scopes = append(e.scopes, make(map[string]int))
	return e
}

// SP and BP expose the current stack/frame pointers for the
// frame-symmetry testable property (spec §8).
func (e *Environment) SP() int { return e.sp }
func (e *Environment) BP() int { return e.bp }

// ScopeDepth exposes the scope chain length for the same property.
func (e *Environment) ScopeDepth() int { return len(e.scopes) }

// IP returns the environment's current instruction pointer, an
// absolute offset into Class().Data().
func (e *Environment) IP() int                             { return e.ip }
func (e *Environment) Class() *classloader.ClassDescriptor { return e.class }

// Exception returns the environment's current exception, or nil.
func (e *Environment) Exception() *Exception { return e.exception }

func (e *Environment) raise(kind Kind, format string, args ...interface{}) {
	if e.exception == nil {
		e.exception = newException(kind, format, args...)
	}
}

func (e *Environment) currentScope() map[string]int { return e.scopes[len(e.scopes)-1] }

// DumpStack renders the live stack slots from bp to sp as a spew dump;
// no CLI flag calls it.
func (e *Environment) DumpStack() string {
	return spew.Sdump(e.stack[e.bp:e.sp])
}

// push reserves one stack slot, raising STACK_OVERFLOW if the
// environment's configured capacity would be exceeded, and returns the
// slot's index.
func (e *Environment) push(v value.Value) (int, bool) {
	if e.sp >= len(e.stack) {
		e.raise(StackOverflow, "stack pointer would cross the stack ceiling (capacity %d)", len(e.stack))
		return 0, false
	}
	idx := e.sp
	e.stack[idx] = v
	e.sp++
	return idx, true
}

// declareLocal reserves a zero-valued slot of the given type tag in the
// current scope, binding name to it (spec §4.G "Variable declaration").
func (e *Environment) declareLocal(name string, tag bytecode.Tag) bool {
	scope := e.currentScope()
	if _, exists := scope[name]; exists {
		e.raise(BadVariableName, "redeclaration of %q in the current scope", name)
		return false
	}
	var v value.Value
	v.Flags = value.NewFlags(bytecode.Dynamic, bytecode.Varying, tag)
	idx, ok := e.push(v)
	if !ok {
		return false
	}
	scope[name] = idx
	return true
}

// Location names a place a Value can be read from or written to: a
// stack slot, an object's field, an array element (or its read-only
// length pseudo-field), or a class's static field.
type Location struct {
	kind locKind

	stackIdx int

	heapOffset int
	fieldTag   bytecode.Tag

	arrayLength bool

	class      *classloader.ClassDescriptor
	staticName string
}

type locKind int

const (
	locStack locKind = iota
	locHeapField
	locStatic
)

// Get reads the value.Value currently held at loc.
func (e *Environment) Get(loc Location) (value.Value, *Exception) {
	switch loc.kind {
	case locStack:
		return e.stack[loc.stackIdx], nil
	case locStatic:
		v, ok := loc.class.StaticField(loc.staticName)
		if !ok {
			return value.Value{}, newException(FieldNotFound, "class %q has no static field %q", loc.class.Name, loc.staticName)
		}
		return v, nil
	case locHeapField:
		if loc.arrayLength {
			raw := e.reg.Manager().Heap().ReadAt(loc.heapOffset+8, 4)
			return value.Uint32(rawU32(raw, 0)), nil
		}
		return e.readHeapValue(loc.heapOffset, loc.fieldTag), nil
	}
	return value.Value{}, newException(VMError, "unresolved location")
}

// Set writes v into loc, which must be a writable location (static
// field assignment to a const field, or an array length write, are
// caller-checked, not rejected here).
func (e *Environment) Set(loc Location, v value.Value) *Exception {
	switch loc.kind {
	case locStack:
		e.stack[loc.stackIdx] = v
		return nil
	case locStatic:
		loc.class.SetStaticField(loc.staticName, v)
		return nil
	case locHeapField:
		e.writeHeapValue(loc.heapOffset, loc.fieldTag, v)
		return nil
	}
	return newException(VMError, "unresolved location")
}

func (e *Environment) readHeapValue(offset int, tag bytecode.Tag) value.Value {
	width := value.SizeofType(tag)
	raw := e.reg.Manager().Heap().ReadAt(offset, width)
	var v value.Value
	v.Flags = value.NewFlags(bytecode.Dynamic, bytecode.Varying, tag)
	copy(v.Payload[:width], raw)
	return v
}

func (e *Environment) writeHeapValue(offset int, tag bytecode.Tag, v value.Value) {
	width := value.SizeofType(tag)
	e.reg.Manager().Heap().WriteAt(offset, v.Payload[:width])
}

func rawU32(payload []byte, off int) uint32 {
	if off+4 > len(payload) {
		return 0
	}
	return uint32(payload[off]) | uint32(payload[off+1])<<8 | uint32(payload[off+2])<<16 | uint32(payload[off+3])<<24
}

// resolveVariable implements resolve_variable (spec §4.F): plain
// identifiers, dotted object-field/static-field paths, and bracketed
// array indexing. A bracket composes with a dotted path on any segment
// after the first (a.b[2].c) or once at the end (a.b[2]). A name ending
// in `]` is split at its first `[`, so a name with two or more bracketed
// segments ending in one (a.b[2].c[3]) does not resolve, and neither
// does a dotted path whose first segment carries a bracket (a[2].c).
func (e *Environment) resolveVariable(name string) (Location, *Exception) {
	if idx := strings.IndexByte(name, '['); idx >= 0 && strings.HasSuffix(name, "]") {
		base, ex := e.resolveVariable(name[:idx])
		if ex != nil {
			return Location{}, ex
		}
		return e.resolveIndex(base, name[idx+1:len(name)-1])
	}

	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		return e.resolveDotted(name)
	}

	if slot, ok := e.currentScope()[name]; ok {
		return Location{kind: locStack, stackIdx: slot}, nil
	}

	// A bare identifier that isn't a local falls back to the executing
	// class's own static fields (spec §4.G step 4: invoking a function
	// "expose[s] all the callee's class' static fields in the scope"),
	// so a method can reference its own class's statics unqualified,
	// not only through the explicit `ClassName.field` dotted form.
	if class, ok := e.staticFieldOwner(name); ok {
		return Location{kind: locStatic, class: class, staticName: name}, nil
	}
	return Location{}, newException(BadVariableName, "undeclared variable %q", name)
}

// staticFieldOwner walks e.class's superclass chain looking for the
// nearest class declaring a static field named name, mirroring how
// Field() walks the same chain for instance fields.
func (e *Environment) staticFieldOwner(name string) (*classloader.ClassDescriptor, bool) {
	for class := e.class; class != nil; class = class.Super {
		if _, ok := class.StaticField(name); ok {
			return class, true
		}
	}
	return nil, false
}

func (e *Environment) resolveDotted(name string) (Location, *Exception) {
	parts := strings.Split(name, ".")
	if slot, ok := e.currentScope()[parts[0]]; ok {
		base := Location{kind: locStack, stackIdx: slot}
		return e.resolveFieldPath(base, parts[1:])
	}

	// Longest dotted class-name prefix wins (spec §4.F).
	for split := len(parts) - 1; split >= 1; split-- {
		className := strings.Join(parts[:split], ".")
		if class, ok := e.reg.GetClass(className); ok {
			rest := parts[split:]
			if len(rest) == 0 {
				return Location{}, newException(BadVariableName, "%q names a class, not a field", name)
			}
			staticLoc := Location{kind: locStatic, class: class, staticName: rest[0]}
			if len(rest) == 1 {
				return staticLoc, nil
			}
			return e.resolveFieldPath(staticLoc, rest[1:])
		}
	}
	return Location{}, newException(BadVariableName, "cannot resolve %q", name)
}

// resolveFieldPath walks one or more `.field` segments (and `[..]`
// segments embedded in a name component) starting from base.
func (e *Environment) resolveFieldPath(base Location, fields []string) (Location, *Exception) {
	cur := base
	for _, seg := range fields {
		idx := strings.IndexByte(seg, '[')
		fieldName := seg
		var bracket string
		hasBracket := false
		if idx >= 0 && strings.HasSuffix(seg, "]") {
			fieldName = seg[:idx]
			bracket = seg[idx+1 : len(seg)-1]
			hasBracket = true
		}

		next, ex := e.resolveObjectField(cur, fieldName)
		if ex != nil {
			return Location{}, ex
		}
		cur = next
		if hasBracket {
			cur, ex = e.resolveIndex(cur, bracket)
			if ex != nil {
				return Location{}, ex
			}
		}
	}
	return cur, nil
}

// resolveObjectField resolves `receiver.field`, where receiver is
// already-resolved (a stack slot, heap field, or static field holding
// an object reference), including the array `length` pseudo-field.
func (e *Environment) resolveObjectField(receiver Location, field string) (Location, *Exception) {
	rv, ex := e.Get(receiver)
	if ex != nil {
		return Location{}, ex
	}
	if rv.IsNull() {
		return Location{}, newException(NullDereference, "field access %q on null", field)
	}
	offset := rv.AsRef()

	if _, isArray := rv.Flags.Type().IsArray(); isArray {
		if field == "length" {
			return Location{kind: locHeapField, heapOffset: offset, arrayLength: true}, nil
		}
		return Location{}, newException(FieldNotFound, "array has no field %q (only length)", field)
	}

	mv, ok := e.reg.Manager().Lookup(offset)
	if !ok || mv.Class == nil {
		return Location{}, newException(VMError, "field access on an object with no live class descriptor")
	}
	f, ok := mv.Class.Field(field)
	if !ok {
		return Location{}, newException(FieldNotFound, "class %q has no field %q", mv.Class.Name, field)
	}
	fieldOffset, _, err := e.reg.Manager().FieldOffset(offset, field)
	if err != nil {
		return Location{}, newException(FieldNotFound, "%v", err)
	}
	return Location{kind: locHeapField, heapOffset: fieldOffset, fieldTag: f.Type()}, nil
}

// resolveIndex resolves `array[indexExpr]`, where indexExpr is either a
// non-negative decimal literal or a nested variable name (spec §4.F
// "Bracket form").
func (e *Environment) resolveIndex(arrayLoc Location, indexExpr string) (Location, *Exception) {
	av, ex := e.Get(arrayLoc)
	if ex != nil {
		return Location{}, ex
	}
	if av.IsNull() {
		return Location{}, newException(NullDereference, "array index on null")
	}
	elemTag, isArray := av.Flags.Type().IsArray()
	if !isArray {
		return Location{}, newException(VMError, "index expression applied to a non-array value")
	}

	var index int
	if n, err := strconv.Atoi(indexExpr); err == nil && n >= 0 {
		index = n
	} else {
		idxLoc, ex := e.resolveVariable(indexExpr)
		if ex != nil {
			return Location{}, ex
		}
		idxVal, ex := e.Get(idxLoc)
		if ex != nil {
			return Location{}, ex
		}
		index = int(value.AsInt64Generic(idxVal))
	}

	elemOffset, err := e.reg.Manager().ElementOffset(av.AsRef(), index)
	if err != nil {
		return Location{}, newException(BadArrayIndex, "%v", err)
	}
	return Location{kind: locHeapField, heapOffset: elemOffset, fieldTag: elemTag}, nil
}

// resolveFunctionName implements the three function-name resolution
// forms of spec §4.F: `SomeClass.foo(`, `local.foo(`, and `foo(`.
func (e *Environment) resolveFunctionName(name string, isDynamic bool) (*classloader.FunctionDescriptor, *classloader.ClassDescriptor, Location, *Exception) {
	if !isDynamic {
		idx := strings.IndexByte(name, '.')
		if idx < 0 {
			fn, ok := e.class.Function(name)
			if !ok {
				return nil, nil, Location{}, newException(FunctionNotFound, "function %q not found on %q", name, e.class.Name)
			}
			return fn, e.class, Location{}, nil
		}
		className, qualified := name[:idx], name[idx+1:]
		class, ok := e.reg.GetClass(className)
		if !ok {
			return nil, nil, Location{}, newException(ClassNotFound, "class %q not found", className)
		}
		fn, ok := class.Function(qualified)
		if !ok {
			return nil, nil, Location{}, newException(FunctionNotFound, "function %q not found on %q", qualified, className)
		}
		return fn, class, Location{}, nil
	}

	idx := strings.IndexByte(name, '.')
	if idx < 0 {
		return nil, nil, Location{}, newException(FunctionNotFound, "dynamic call %q missing a receiver", name)
	}
	receiverName, qualified := name[:idx], name[idx+1:]
	recvLoc, ex := e.resolveVariable(receiverName)
	if ex != nil {
		return nil, nil, Location{}, ex
	}
	recv, ex := e.Get(recvLoc)
	if ex != nil {
		return nil, nil, Location{}, ex
	}
	if recv.IsNull() {
		return nil, nil, Location{}, newException(NullDereference, "dynamic call %q on null receiver", qualified)
	}
	mv, ok := e.reg.Manager().Lookup(recv.AsRef())
	if !ok || mv.Class == nil {
		return nil, nil, Location{}, newException(VMError, "dynamic call on a value with no live class descriptor")
	}
	fn, ok := mv.Class.Function(qualified)
	if !ok {
		return nil, nil, Location{}, newException(FunctionNotFound, "function %q not found on %q", qualified, mv.Class.Name)
	}
	return fn, mv.Class, recvLoc, nil
}
