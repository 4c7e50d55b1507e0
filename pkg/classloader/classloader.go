// Package classloader implements component D: parsing a class binary's
// 5-byte header and declaration stream into a ClassDescriptor via three
// passes (function registration, static field registration, field
// offset assignment), exactly as original_source's class.c walks the
// stream three times (spec §4.D).
package classloader

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/value"
)

// FunctionDescriptor is one entry of a class's function table.
type FunctionDescriptor struct {
	Simple        string
	Qualified     string
	Static        bool
	Native        bool
	Abstract      bool
	ReturnType    bytecode.Tag
	ArgTags       []bytecode.Tag
	ArgClasses    []string
	ArgNames      []string
	BodyOffset    int // offset of the first body instruction within the declaration stream, valid iff Interp
	ParentClass   *ClassDescriptor
}

// ClassDescriptor is the loaded, queryable form of one class binary
// (spec §4.D). Field lookups and the three-pass load mirror class_t /
// class_load in the reference implementation.
type ClassDescriptor struct {
	Name    string
	Super   *ClassDescriptor
	Size    int // field-area size in bytes, inherited fields plus own, sum of live fields' sizeof_type
	data    []byte

	functions    map[string]*FunctionDescriptor
	staticFields map[string]value.Value
	fields       map[string]value.Field
	fieldOrder   []string // declaration order, for Disassemble and offset-stability tests
}

// LoadProc resolves a superclass by name during loading (spec §4.D
// "Superclass resolution happens through an injected loader callback").
type LoadProc func(name string) (*ClassDescriptor, error)

var log_ = log.With().Str("component", "classloader").Logger()

// Load parses a class binary. loadproc may be nil, in which case an
// `extends` declaration fails to load (superclass wiring deferred to
// the registry, per spec §4.D "the loader may be asked to skip this
// step and allow the registry to wire superclasses later"). A loadproc
// error fails Load; callers that want deferred linkage pass a loadproc
// that returns (nil, nil), so the class loads with no superclass, and
// link it afterward via LinkSuper, which adopts inherited functions but
// does not reassign the field offsets already laid out from 0).
func Load(binary []byte, loadproc LoadProc) (*ClassDescriptor, error) {
	if len(binary) < bytecode.HeaderSize {
		return nil, errors.New("classloader: binary shorter than header")
	}
	c := bytecode.NewCursor(binary, 0)
	if _, err := c.ReadByte(); err != nil { // compressed flag, currently ignored
		return nil, errors.Wrap(err, "classloader: reading compressed flag")
	}
	if _, err := c.ReadU32(); err != nil { // version
		return nil, errors.Wrap(err, "classloader: reading version")
	}

	result := &ClassDescriptor{data: binary}

	if c.Done() {
		return result, nil
	}
	tag, err := c.ReadTag()
	if err != nil {
		return nil, errors.Wrap(err, "classloader: reading class tag")
	}
	if tag != bytecode.Class {
		return nil, errors.Errorf("classloader: expected class declaration, got %v", tag)
	}
	name, err := c.ReadCString()
	if err != nil {
		return nil, errors.Wrap(err, "classloader: reading class name")
	}
	result.Name = name

	if !c.Done() {
		if peek, _ := c.PeekTag(); peek == bytecode.Extends {
			c.ReadTag()
			superName, err := c.ReadCString()
			if err != nil {
				return nil, errors.Wrap(err, "classloader: reading superclass name")
			}
			if loadproc == nil {
				return nil, errors.Errorf("classloader: class %q extends %q but no loader callback was supplied", name, superName)
			}
			super, err := loadproc(superName)
			if err != nil {
				return nil, errors.Wrapf(err, "classloader: loading superclass %q", superName)
			}
			result.Super = super
		}
	}

	bodyStart := c.Pos()

	if err := result.registerFunctions(binary, bodyStart); err != nil {
		return nil, err
	}
	if err := result.registerStaticFields(binary, bodyStart); err != nil {
		return nil, err
	}
	if err := result.registerFieldOffsets(binary, bodyStart); err != nil {
		return nil, err
	}
	result.adoptInherited()

	log_.Debug().Str("class", result.Name).Int("functions", len(result.functions)).
		Int("fields", len(result.fields)).Int("size", result.Size).Msg("class loaded")
	return result, nil
}

// LinkSuper wires a superclass after the fact, for callers that loaded
// with a nil/deferred loadproc, then adopts its inherited functions.
func (cd *ClassDescriptor) LinkSuper(super *ClassDescriptor) {
	cd.Super = super
	cd.adoptInherited()
}

// adoptInherited copies every superclass qualified-name entry not
// already present in this class's own function table, providing
// virtual dispatch by subclass override (spec §4.D).
func (cd *ClassDescriptor) adoptInherited() {
	if cd.Super == nil {
		return
	}
	if cd.functions == nil {
		cd.functions = make(map[string]*FunctionDescriptor)
	}
	for qn, fn := range cd.Super.functions {
		if _, exists := cd.functions[qn]; !exists {
			cd.functions[qn] = fn
		}
	}
}

// Function looks up a function by qualified name, matching
// class_get_function.
func (cd *ClassDescriptor) Function(qualifiedName string) (*FunctionDescriptor, bool) {
	fn, ok := cd.functions[qualifiedName]
	return fn, ok
}

// Functions returns every function this class declares or inherits.
func (cd *ClassDescriptor) Functions() map[string]*FunctionDescriptor { return cd.functions }

// StaticField looks up a static field's current value.
func (cd *ClassDescriptor) StaticField(name string) (value.Value, bool) {
	v, ok := cd.staticFields[name]
	return v, ok
}

// SetStaticField stores a static field's value back (assignment target
// for `setv`/`seto` against a static-access path).
func (cd *ClassDescriptor) SetStaticField(name string, v value.Value) {
	if cd.staticFields == nil {
		cd.staticFields = make(map[string]value.Value)
	}
	cd.staticFields[name] = v
}

// Field looks up an instance field's descriptor, matching
// class_get_dynamic_field_offset. Walks to the superclass chain if the
// receiver's own table (plus adopted entries) doesn't have it — fields
// are not currently adopted into the child's own map the way functions
// are, since offsets are class-relative.
func (cd *ClassDescriptor) Field(name string) (value.Field, bool) {
	if f, ok := cd.fields[name]; ok {
		return f, true
	}
	if cd.Super != nil {
		return cd.Super.Field(name)
	}
	return value.Field{}, false
}

// Fields returns every field reachable from this class — inherited
// fields first (in the superclass's own declaration order), then this
// class's own — so a caller walking Fields() sees every live offset in
// the object's field area (spec §8 "field offset stability").
func (cd *ClassDescriptor) Fields() []value.Field {
	var out []value.Field
	if cd.Super != nil {
		out = append(out, cd.Super.Fields()...)
	}
	for _, name := range cd.fieldOrder {
		out = append(out, cd.fields[name])
	}
	return out
}

// FieldNames returns field names in the same order as Fields().
func (cd *ClassDescriptor) FieldNames() []string {
	var inherited []string
	if cd.Super != nil {
		inherited = cd.Super.FieldNames()
	}
	return lo.Flatten([][]string{inherited, cd.fieldOrder})
}

// Data returns the raw class binary, for the interpreter to decode
// instructions starting at a function's BodyOffset.
func (cd *ClassDescriptor) Data() []byte { return cd.data }

// skipInstruction advances the cursor past exactly one declaration or
// instruction, however many bytes that takes — the loader never
// assumes a fixed width, it decodes each operand the same way the
// interpreter will (spec §4.D "each pass must skip over instructions
// it does not care about, which requires knowing every instruction's
// byte length").
func skipInstruction(c *bytecode.Cursor) error {
	tag, err := c.ReadTag()
	if err != nil {
		return err
	}
	switch tag {
	case bytecode.Class, bytecode.Extends:
		return c.SkipCString()

	case bytecode.Char, bytecode.UChar, bytecode.Short, bytecode.UShort,
		bytecode.Int, bytecode.UInt, bytecode.Long, bytecode.ULong,
		bytecode.Bool, bytecode.Float, bytecode.Double, bytecode.Object,
		bytecode.CharArray, bytecode.UCharArray, bytecode.ShortArray, bytecode.UShortArray,
		bytecode.IntArray, bytecode.UIntArray, bytecode.LongArray, bytecode.ULongArray,
		bytecode.BoolArray, bytecode.FloatArray, bytecode.DoubleArray, bytecode.ObjectArray:
		// Variable declaration: the primitive/array type tag doubles as
		// the opcode, followed by the declared name (spec §4.G "Variable
		// declaration").
		return c.SkipCString()

	case bytecode.Global:
		if err := c.SkipCString(); err != nil {
			return err
		}
		flagsWord, err := c.ReadU64()
		if err != nil {
			return err
		}
		f := value.Flags(flagsWord)
		if !f.IsStatic() {
			return nil
		}
		return c.SkipBytes(value.SizeofType(f.Type()))

	case bytecode.Function:
		// The tag byte was already consumed above; parseFunctionHeader
		// expects to start right after it, matching registerFunctions'
		// own call site.
		_, err := parseFunctionHeader(c, nil)
		return err

	case bytecode.RetB:
		return c.SkipBytes(1)
	case bytecode.RetW:
		return c.SkipBytes(2)
	case bytecode.RetD:
		return c.SkipBytes(4)
	case bytecode.RetQ:
		return c.SkipBytes(8)

	case bytecode.SetB:
		if err := c.SkipCString(); err != nil { // destination name
			return err
		}
		return c.SkipBytes(1)
	case bytecode.SetW:
		if err := c.SkipCString(); err != nil {
			return err
		}
		return c.SkipBytes(2)
	case bytecode.SetD:
		if err := c.SkipCString(); err != nil {
			return err
		}
		return c.SkipBytes(4)
	case bytecode.SetQ:
		if err := c.SkipCString(); err != nil {
			return err
		}
		return c.SkipBytes(8)
	case bytecode.SetR4:
		if err := c.SkipCString(); err != nil {
			return err
		}
		return c.SkipBytes(4)
	case bytecode.SetR8:
		if err := c.SkipCString(); err != nil {
			return err
		}
		return c.SkipBytes(8)

	case bytecode.SetV, bytecode.CastC, bytecode.CastUC, bytecode.CastS, bytecode.CastUS,
		bytecode.CastI, bytecode.CastUI, bytecode.CastQ, bytecode.CastUQ, bytecode.CastB,
		bytecode.CastF, bytecode.CastD:
		if err := c.SkipCString(); err != nil { // destination name
			return err
		}
		return c.SkipCString() // source name

	case bytecode.SetR, bytecode.RetV:
		return c.SkipCString()

	case bytecode.Ret, bytecode.RetR:
		return nil

	case bytecode.SetO:
		if err := c.SkipCString(); err != nil { // destination name
			return err
		}
		return skipSetO(c)

	case bytecode.RetO:
		return skipSetO(c)

	case bytecode.Add, bytecode.Sub, bytecode.Mul, bytecode.Div, bytecode.Mod,
		bytecode.And, bytecode.Or, bytecode.Xor, bytecode.Lsh, bytecode.Rsh:
		if err := c.SkipCString(); err != nil { // destination variable name
			return err
		}
		if err := c.SkipCString(); err != nil { // source variable name
			return err
		}
		return c.SkipOperand()

	case bytecode.Neg, bytecode.NotOp:
		if err := c.SkipCString(); err != nil { // destination name
			return err
		}
		return c.SkipCString() // source name

	case bytecode.StaticCall:
		if err := c.SkipCString(); err != nil { // qualified name
			return err
		}
		return skipArgList(c)

	case bytecode.DynamicCall:
		if err := c.SkipCString(); err != nil { // receiver name
			return err
		}
		if err := c.SkipCString(); err != nil { // qualified name
			return err
		}
		return skipArgList(c)

	case bytecode.If, bytecode.While:
		cmp, err := c.ReadTag() // comparator
		if err != nil {
			return err
		}
		if _, err := c.ReadU64(); err != nil { // fail-branch offset
			return err
		}
		return skipComparisonOperands(c, cmp)

	case bytecode.Elif:
		if _, err := c.ReadU64(); err != nil { // cleanup offset
			return err
		}
		cmp, err := c.ReadTag() // comparator
		if err != nil {
			return err
		}
		if _, err := c.ReadU64(); err != nil { // fail-branch offset
			return err
		}
		return skipComparisonOperands(c, cmp)

	case bytecode.Else, bytecode.End:
		_, err := c.ReadU64() // cleanup offset
		return err

	case bytecode.Push:
		peek, err := c.ReadTag()
		if err != nil {
			return err
		}
		if peek == bytecode.ArgValue {
			return c.SkipCString()
		}
		return nil

	case bytecode.Pop:
		return c.SkipBytes(1) // the `null` placeholder byte

	case bytecode.Noop:
		return nil

	default:
		return errors.Errorf("classloader: unknown opcode 0x%02x", byte(tag))
	}
}

// skipComparisonOperands skips the one-or-two operands an if/elif/while
// comparison carries: a single truthiness operand, or two operands for
// every other comparator (spec §4.G "Comparison").
func skipComparisonOperands(c *bytecode.Cursor, cmp bytecode.Tag) error {
	if err := c.SkipOperand(); err != nil {
		return err
	}
	if cmp == bytecode.CmpTruthy {
		return nil
	}
	return c.SkipOperand()
}

// skipArgList skips a call's <argcount:u8> <args...> tail.
func skipArgList(c *bytecode.Cursor) error {
	n, err := c.ReadByte()
	if err != nil {
		return err
	}
	for i := byte(0); i < n; i++ {
		if err := c.SkipOperand(); err != nil {
			return err
		}
	}
	return nil
}

// skipSetO skips a seto/reto sub-opcode and its payload (spec §4.G
// "Object set").
func skipSetO(c *bytecode.Cursor) error {
	sub, err := c.ReadTag()
	if err != nil {
		return err
	}
	switch sub {
	case bytecode.SetONew:
		if err := c.SkipCString(); err != nil { // class name
			return err
		}
		if err := c.SkipCString(); err != nil { // constructor qualified name
			return err
		}
		return skipArgList(c)
	case bytecode.SetOValue:
		return c.SkipCString()
	case bytecode.SetOString:
		return c.SkipCString()
	case bytecode.SetONull:
		return nil
	case bytecode.SetOArray:
		if _, err := c.ReadTag(); err != nil { // element type tag
			return err
		}
		return c.SkipOperand()
	default:
		return errors.Errorf("classloader: unknown seto sub-opcode 0x%02x", byte(sub))
	}
}

// registerFunctions is pass 1: find every `function` declaration,
// compute its qualified name, and record its body offset. Every other
// declaration/instruction is skipped by byte length so the scan never
// misinterprets operand bytes as opcodes.
func (cd *ClassDescriptor) registerFunctions(data []byte, start int) error {
	cd.functions = make(map[string]*FunctionDescriptor)
	c := bytecode.NewCursor(data, start)
	for !c.Done() {
		peek, err := c.PeekTag()
		if err != nil {
			return err
		}
		if peek != bytecode.Function {
			if err := skipInstruction(c); err != nil {
				return errors.Wrap(err, "classloader: pass 1 (functions)")
			}
			continue
		}
		c.ReadTag()
		fn, err := parseFunctionHeader(c, cd)
		if err != nil {
			return errors.Wrap(err, "classloader: parsing function header")
		}
		cd.functions[fn.Qualified] = fn
	}
	return nil
}

// parseFunctionHeader reads a function declaration's header (everything
// between the already-consumed `function` tag and the first body
// instruction, or nothing for native/abstract functions) and returns
// a descriptor. owner may be nil when the caller only wants to skip
// past the header (classloader's passes 2 and 3, via skipInstruction).
func parseFunctionHeader(c *bytecode.Cursor, owner *ClassDescriptor) (*FunctionDescriptor, error) {
	access, err := c.ReadTag()
	if err != nil {
		return nil, err
	}
	var isStatic bool
	switch access {
	case bytecode.Static:
		isStatic = true
	case bytecode.Dynamic:
		isStatic = false
	default:
		return nil, errors.Errorf("expected static/dynamic, got %v", access)
	}

	exec, err := c.ReadTag()
	if err != nil {
		return nil, err
	}
	var isNative, isAbstract bool
	switch exec {
	case bytecode.Interp:
	case bytecode.Native:
		isNative = true
	case bytecode.Abstract:
		isAbstract = true
	default:
		return nil, errors.Errorf("expected interp/native/abstract, got %v", exec)
	}

	returnType, err := c.ReadTag()
	if err != nil {
		return nil, err
	}
	returnElem, returnIsArray := returnType.IsArray()
	returnBase := returnType
	if returnIsArray {
		returnBase = returnElem
	}
	if returnBase == bytecode.Object {
		if _, err := c.ReadCString(); err != nil { // return class name, not yet tracked by name
			return nil, err
		}
	}

	simple, err := c.ReadCString()
	if err != nil {
		return nil, err
	}
	numArgs, err := c.ReadByte()
	if err != nil {
		return nil, err
	}

	fn := &FunctionDescriptor{
		Simple: simple, Static: isStatic, Native: isNative, Abstract: isAbstract,
		ReturnType: returnType, ParentClass: owner,
	}
	argTags := make([]bytecode.Tag, 0, numArgs)
	argClasses := make([]string, 0, numArgs)
	argNames := make([]string, 0, numArgs)
	for i := byte(0); i < numArgs; i++ {
		argTag, err := c.ReadTag()
		if err != nil {
			return nil, err
		}
		className := ""
		elem, isArray := argTag.IsArray()
		baseTag := argTag
		if isArray {
			baseTag = elem
		}
		if baseTag == bytecode.Object {
			cname, err := c.ReadCString()
			if err != nil {
				return nil, err
			}
			className = cname
		}
		argName, err := c.ReadCString()
		if err != nil {
			return nil, err
		}
		argTags = append(argTags, argTag)
		argClasses = append(argClasses, className)
		argNames = append(argNames, argName)
	}
	fn.ArgTags = argTags
	fn.ArgClasses = argClasses
	fn.ArgNames = argNames
	fn.Qualified = bytecode.QualifiedName(simple, argTags, argClasses)
	if !isNative && !isAbstract {
		fn.BodyOffset = c.Pos()
	}
	return fn, nil
}

// registerStaticFields is pass 2: record every `global` declaration
// whose storage-class byte is `static`, capturing its inline payload.
func (cd *ClassDescriptor) registerStaticFields(data []byte, start int) error {
	cd.staticFields = make(map[string]value.Value)
	c := bytecode.NewCursor(data, start)
	for !c.Done() {
		peek, err := c.PeekTag()
		if err != nil {
			return err
		}
		if peek != bytecode.Global {
			if err := skipInstruction(c); err != nil {
				return errors.Wrap(err, "classloader: pass 2 (static fields)")
			}
			continue
		}
		c.ReadTag()
		name, err := c.ReadCString()
		if err != nil {
			return err
		}
		flagsWord, err := c.ReadU64()
		if err != nil {
			return err
		}
		f := value.Flags(flagsWord)
		width := value.SizeofType(f.Type())
		if !f.IsStatic() {
			// Dynamic fields carry no inline payload (spec §4.D); only
			// static globals reserve width bytes in the stream.
			continue
		}
		payloadStart := c.Pos()
		if payloadStart+width > len(data) {
			return errors.New("classloader: truncated static field payload")
		}
		var v value.Value
		v.Flags = f
		copy(v.Payload[:width], data[payloadStart:payloadStart+width])
		cd.staticFields[name] = v
		if err := c.SkipBytes(width); err != nil {
			return err
		}
	}
	return nil
}

// registerFieldOffsets is pass 3: assign every instance field's byte
// offset as the running sum of preceding fields' sizeof_type (spec §8
// "field offset stability").
func (cd *ClassDescriptor) registerFieldOffsets(data []byte, start int) error {
	cd.fields = make(map[string]value.Field)
	cd.fieldOrder = nil
	offset := 0
	if cd.Super != nil {
		offset = cd.Super.Size
	}
	c := bytecode.NewCursor(data, start)
	for !c.Done() {
		peek, err := c.PeekTag()
		if err != nil {
			return err
		}
		if peek != bytecode.Global {
			if err := skipInstruction(c); err != nil {
				return errors.Wrap(err, "classloader: pass 3 (field offsets)")
			}
			continue
		}
		c.ReadTag()
		name, err := c.ReadCString()
		if err != nil {
			return err
		}
		flagsWord, err := c.ReadU64()
		if err != nil {
			return err
		}
		f := value.Flags(flagsWord)
		width := value.SizeofType(f.Type())
		if !f.IsStatic() {
			cd.fields[name] = value.Field{Flags: f, Offset: offset}
			cd.fieldOrder = append(cd.fieldOrder, name)
			offset += width
		} else {
			if err := c.SkipBytes(width); err != nil {
				return err
			}
		}
	}
	cd.Size = offset
	return nil
}

// Disassemble prints a human-readable summary of the loaded class: its
// name, superclass, field table with offsets, and function table with
// qualified names — a read-only introspection aid in the spirit of the
// reference implementation's lsdump tool, not a reimplementation of it.
func (cd *ClassDescriptor) Disassemble(w io.Writer) {
	fmt.Fprintf(w, "class %s", cd.Name)
	if cd.Super != nil {
		fmt.Fprintf(w, " extends %s", cd.Super.Name)
	}
	fmt.Fprintf(w, " (size=%d)\n", cd.Size)
	for _, name := range cd.fieldOrder {
		f := cd.fields[name]
		fmt.Fprintf(w, "  field %-20s offset=%-4d type=%v\n", name, f.Offset, f.Type())
	}
	for qn, fn := range cd.functions {
		kind := "interp"
		if fn.Native {
			kind = "native"
		} else if fn.Abstract {
			kind = "abstract"
		}
		fmt.Fprintf(w, "  function %-30s static=%-5v %s\n", qn, fn.Static, kind)
	}
}
