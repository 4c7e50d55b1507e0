package bytecode

import "github.com/pkg/errors"

// Operand is a decoded argument-list/comparison-operand entry (spec
// §4.H "argument buffer encoding", reused by arithmetic's third operand
// and by if/elif/while's comparison operands per §4.G). Exactly one of
// Immediate/Name is meaningful, selected by Kind.
type Operand struct {
	Kind      Tag    // one of ArgByte..ArgRet
	Immediate uint64 // raw bits for ArgByte/Word/Dword/Qword/Real4/Real8
	Name      string // variable name for ArgValue, string literal for ArgString
}

// ReadOperand decodes one tag-prefixed operand: a raw literal, a named
// variable reference, a string literal, or the current return register.
func (c *Cursor) ReadOperand() (Operand, error) {
	tag, err := c.ReadTag()
	if err != nil {
		return Operand{}, err
	}
	switch tag {
	case ArgByte:
		b, err := c.ReadByte()
		return Operand{Kind: tag, Immediate: uint64(b)}, err
	case ArgWord:
		v, err := c.ReadU16()
		return Operand{Kind: tag, Immediate: uint64(v)}, err
	case ArgDword, ArgReal4:
		v, err := c.ReadU32()
		return Operand{Kind: tag, Immediate: uint64(v)}, err
	case ArgQword, ArgReal8:
		v, err := c.ReadU64()
		return Operand{Kind: tag, Immediate: v}, err
	case ArgValue:
		name, err := c.ReadCString()
		return Operand{Kind: tag, Name: name}, err
	case ArgString:
		lit, err := c.ReadCString()
		return Operand{Kind: tag, Name: lit}, err
	case ArgRet:
		return Operand{Kind: tag}, nil
	default:
		return Operand{}, errors.Errorf("bytecode: %v is not a valid operand tag", tag)
	}
}

// SkipOperand advances past one tag-prefixed operand without decoding
// its payload — used by the class loader's three skip-only passes, kept
// in lock step with ReadOperand by sharing the same tag switch.
func (c *Cursor) SkipOperand() error {
	tag, err := c.ReadTag()
	if err != nil {
		return err
	}
	switch tag {
	case ArgByte:
		return c.SkipBytes(1)
	case ArgWord:
		return c.SkipBytes(2)
	case ArgDword, ArgReal4:
		return c.SkipBytes(4)
	case ArgQword, ArgReal8:
		return c.SkipBytes(8)
	case ArgValue, ArgString:
		return c.SkipCString()
	case ArgRet:
		return nil
	default:
		return errors.Errorf("bytecode: %v is not a valid operand tag", tag)
	}
}
