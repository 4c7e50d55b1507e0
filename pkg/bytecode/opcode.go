// Package bytecode defines the wire format LS-VM consumes: the class
// file header, the declaration/instruction opcode space, and the
// qualified-name signature grammar (spec §4.D, §6).
//
// The opcode numbering below matches the `lb_*` enum of the reference
// implementation (original C runtime, lscript/internal/lb.h) for the
// codes that enum actually defines; opcodes spec.md requires that are
// not present in that header (while/push/pop/neg/not, the bitwise
// family, casts, and the inline comparator bytes) are assigned the next
// free codes in the same ranges, grouped the way the original groups
// its own families. Numbering is internal to this module and stable
// across 1.x per spec §6.
package bytecode

// Tag is a single opcode/type-tag byte. Declarations, type tags, and
// instructions all share one byte-sized tag space so that a class
// loader pass can dispatch on a single switch without separate decode
// tables (spec §4.D: "each pass must skip over instructions it does
// not care about, which requires knowing every instruction's byte
// length").
type Tag byte

// Top-level declaration and header tags. Noop doubles as the "void"
// return-type tag in a function declaration's header (spec §4.D: every
// function header carries a return type tag; a function with no return
// value carries Noop there).
const (
	Noop Tag = 0x00

	Class   Tag = 0x01
	Extends Tag = 0x02

	Function Tag = 0x10
	Static   Tag = 0x11
	Dynamic  Tag = 0x12
	Interp   Tag = 0x13
	Native   Tag = 0x14
	Abstract Tag = 0x15
	Global   Tag = 0x16
	Const    Tag = 0x17
	Varying  Tag = 0x18
)

// Primitive and array type tags. These double as the Value flags-word
// type tag (pkg/value) and as the per-argument signature character
// table of spec §4.D.
const (
	Char   Tag = 0x80
	UChar  Tag = 0x81
	Short  Tag = 0x82
	UShort Tag = 0x83
	Int    Tag = 0x84
	UInt   Tag = 0x85
	Long   Tag = 0x86
	ULong  Tag = 0x87
	Bool   Tag = 0x88
	Float  Tag = 0x89
	Double Tag = 0x8A
	Object Tag = 0x8B

	CharArray   Tag = 0x8C
	UCharArray  Tag = 0x8D
	ShortArray  Tag = 0x8E
	UShortArray Tag = 0x8F
	IntArray    Tag = 0x90
	UIntArray   Tag = 0x91
	LongArray   Tag = 0x92
	ULongArray  Tag = 0x93
	BoolArray   Tag = 0x94
	FloatArray  Tag = 0x95
	DoubleArray Tag = 0x96
	ObjectArray Tag = 0x97
)

// Literal-set, object-set, and variable-copy family.
const (
	SetB  Tag = 0xa0 // setb <name> <u8>
	SetW  Tag = 0xa1 // setw <name> <u16>
	SetD  Tag = 0xa2 // setd <name> <u32>
	SetQ  Tag = 0xa3 // setq <name> <u64>
	SetR4 Tag = 0xa4 // setr4 <name> <f32>
	SetR8 Tag = 0xa5 // setr8 <name> <f64>
	SetO  Tag = 0xa6 // seto <name> <sub-opcode>...
	SetV  Tag = 0xa7 // setv <dst> <src> (static cast / object copy)
	SetR  Tag = 0xa8 // setr <dst> (copy from return register)
)

// seto sub-opcodes (object set variants, spec §4.G). RetO reuses this
// same sub-dispatch to return an object/array value constructed inline,
// rather than only ever returning an already-bound variable via retv.
const (
	SetONew    Tag = 0xd0 // new <class\0> <ctor-qualname\0> <argcount:u8> <args...>
	SetOValue  Tag = 0xd1 // value <src-name\0>
	SetOString Tag = 0xd2 // string <literal\0>
	SetONull   Tag = 0xd3 // null
	SetOArray  Tag = 0xdb // <elem-tag:1> <length-operand>
)

// Return family.
const (
	Ret   Tag = 0xa9 // ret (void)
	RetB  Tag = 0xaa
	RetW  Tag = 0xab
	RetD  Tag = 0xac
	RetQ  Tag = 0xad
	RetR4 Tag = 0xae
	RetR8 Tag = 0xaf
	RetO  Tag = 0xb0
	RetV  Tag = 0xb1 // ret <name> (variable)
	RetR  Tag = 0xb2 // ret <register> (propagate current return register)
)

// Call family and call-argument encoding.
const (
	StaticCall  Tag = 0xb3
	DynamicCall Tag = 0xb4

	ArgByte   Tag = 0xb5
	ArgWord   Tag = 0xb6
	ArgDword  Tag = 0xb7
	ArgQword  Tag = 0xb8
	ArgReal4  Tag = 0xb9
	ArgReal8  Tag = 0xba
	ArgValue  Tag = 0xbb
	ArgString Tag = 0xbc
	ArgRet    Tag = 0xbd
)

// Arithmetic, bitwise, and unary family.
const (
	Add Tag = 0xbe
	Sub Tag = 0xbf
	Mul Tag = 0xc0
	Div Tag = 0xc1
	Mod Tag = 0xc2

	And   Tag = 0xd4
	Or    Tag = 0xd5
	Xor   Tag = 0xd6
	Lsh   Tag = 0xd7
	Rsh   Tag = 0xd8
	Neg   Tag = 0xd9
	NotOp Tag = 0xda
)

// Cast family (castc, castuc, ... one opcode per destination type).
const (
	CastC  Tag = 0xe0
	CastUC Tag = 0xe1
	CastS  Tag = 0xe2
	CastUS Tag = 0xe3
	CastI  Tag = 0xe4
	CastUI Tag = 0xe5
	CastQ  Tag = 0xe6
	CastUQ Tag = 0xe7
	CastB  Tag = 0xe8
	CastF  Tag = 0xe9
	CastD  Tag = 0xea
)

// Structured control flow.
const (
	If   Tag = 0xc3
	Elif Tag = 0xc4
	Else Tag = 0xc5
	End  Tag = 0xc6
	While Tag = 0xc7
)

// Comparator bytes carried inline by If/Elif/While (spec §4.G).
const (
	CmpTruthy Tag = 0x00
	CmpEq     Tag = 0x01
	CmpNe     Tag = 0x02
	CmpLt     Tag = 0x03
	CmpLe     Tag = 0x04
	CmpGt     Tag = 0x05
	CmpGe     Tag = 0x06
)

// Stack scratch operations.
const (
	Push Tag = 0xf0 // push ret | push value <name>
	Pop  Tag = 0xf1 // pop null
)

// NoOffset marks a control-flow offset field as "proceed forward" (an
// all-ones 64-bit value, spec §4.G).
const NoOffset uint64 = ^uint64(0)

// SigChar returns the qualified-name signature character for a
// primitive type tag (spec §4.D table). Object and array-of-object use
// the `L<classname>;` form built by the caller; this only covers the
// single-character primitive and array-prefix cases.
func (t Tag) SigChar() (byte, bool) {
	switch t {
	case Char:
		return 'C', true
	case UChar:
		return 'c', true
	case Short:
		return 'S', true
	case UShort:
		return 's', true
	case Int:
		return 'I', true
	case UInt:
		return 'i', true
	case Long:
		return 'Q', true
	case ULong:
		return 'q', true
	case Bool:
		return 'B', true
	case Float:
		return 'F', true
	case Double:
		return 'D', true
	default:
		return 0, false
	}
}

// IsArray reports whether t is one of the twelve array type tags, and
// if so returns the element tag (spec §3 "Array" / §4.D "[" prefix).
func (t Tag) IsArray() (Tag, bool) {
	switch t {
	case CharArray:
		return Char, true
	case UCharArray:
		return UChar, true
	case ShortArray:
		return Short, true
	case UShortArray:
		return UShort, true
	case IntArray:
		return Int, true
	case UIntArray:
		return UInt, true
	case LongArray:
		return Long, true
	case ULongArray:
		return ULong, true
	case BoolArray:
		return Bool, true
	case FloatArray:
		return Float, true
	case DoubleArray:
		return Double, true
	case ObjectArray:
		return Object, true
	default:
		return 0, false
	}
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

var tagNames = map[Tag]string{
	Noop: "noop", Class: "class", Extends: "extends",
	Function: "function", Static: "static", Dynamic: "dynamic",
	Interp: "interp", Native: "native", Abstract: "abstract",
	Global: "global", Const: "const", Varying: "varying",
	Char: "char", UChar: "uchar", Short: "short", UShort: "ushort",
	Int: "int", UInt: "uint", Long: "long", ULong: "ulong",
	Bool: "bool", Float: "float", Double: "double", Object: "object",
	CharArray: "chararray", UCharArray: "uchararray", ShortArray: "shortarray",
	UShortArray: "ushortarray", IntArray: "intarray", UIntArray: "uintarray",
	LongArray: "longarray", ULongArray: "ulongarray", BoolArray: "boolarray",
	FloatArray: "floatarray", DoubleArray: "doublearray", ObjectArray: "objectarray",
	SetB: "setb", SetW: "setw", SetD: "setd", SetQ: "setq",
	SetR4: "setr4", SetR8: "setr8", SetO: "seto", SetV: "setv", SetR: "setr",
	Ret: "ret", RetB: "retb", RetW: "retw", RetD: "retd", RetQ: "retq",
	RetR4: "retr4", RetR8: "retr8", RetO: "reto", RetV: "retv", RetR: "retr",
	StaticCall: "static_call", DynamicCall: "dynamic_call",
	ArgByte: "byte", ArgWord: "word", ArgDword: "dword", ArgQword: "qword",
	ArgReal4: "real4", ArgReal8: "real8", ArgValue: "value", ArgString: "string", ArgRet: "ret",
	Add: "add", Sub: "sub", Mul: "mul", Div: "div", Mod: "mod",
	And: "and", Or: "or", Xor: "xor", Lsh: "lsh", Rsh: "rsh", Neg: "neg", NotOp: "not",
	CastC: "castc", CastUC: "castuc", CastS: "casts", CastUS: "castus",
	CastI: "casti", CastUI: "castui", CastQ: "castq", CastUQ: "castuq",
	CastB: "castb", CastF: "castf", CastD: "castd",
	If: "if", Elif: "elif", Else: "else", End: "end", While: "while",
	Push: "push", Pop: "pop",
	SetONew: "new", SetOValue: "value", SetOString: "string", SetONull: "null", SetOArray: "array",
}
