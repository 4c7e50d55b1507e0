package bytecode

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Cursor reads a class's raw bytecode buffer with peek/advance
// primitives for every fixed-width and name-terminated field the
// format uses. Every consumer of the buffer — the three loader passes
// (pkg/classloader) and the interpreter's instruction dispatch
// (pkg/vm) — goes through a Cursor so that no component outside this
// package ever does its own byte-offset arithmetic (spec §9: "Separate
// decoding from dispatch; the dispatch loop should not see byte
// offsets").
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor wraps buf starting at the given byte offset.
func NewCursor(buf []byte, offset int) *Cursor {
	return &Cursor{buf: buf, pos: offset}
}

// Pos returns the cursor's current absolute offset into the buffer.
func (c *Cursor) Pos() int { return c.pos }

// Seek moves the cursor to an absolute offset.
func (c *Cursor) Seek(offset int) { c.pos = offset }

// Len returns the total buffer length.
func (c *Cursor) Len() int { return len(c.buf) }

// Done reports whether the cursor has reached (or passed) the end of
// the buffer.
func (c *Cursor) Done() bool { return c.pos >= len(c.buf) }

// PeekTag reads the tag byte at the current position without
// advancing.
func (c *Cursor) PeekTag() (Tag, error) {
	if c.pos >= len(c.buf) {
		return 0, errors.New("bytecode: truncated record (expected tag)")
	}
	return Tag(c.buf[c.pos]), nil
}

// ReadTag reads and advances past a single tag byte.
func (c *Cursor) ReadTag() (Tag, error) {
	t, err := c.PeekTag()
	if err != nil {
		return 0, err
	}
	c.pos++
	return t, nil
}

func (c *Cursor) need(n int) error {
	if c.pos+n > len(c.buf) {
		return errors.Errorf("bytecode: truncated record at offset %d (need %d bytes)", c.pos, n)
	}
	return nil
}

// ReadByte reads and advances past a single raw byte.
func (c *Cursor) ReadByte() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// ReadU16 reads a little-endian uint16.
func (c *Cursor) ReadU16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

// ReadU32 reads a little-endian uint32.
func (c *Cursor) ReadU32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

// ReadU64 reads a little-endian uint64 — used for control-flow absolute
// offsets (spec §6: "control-flow offsets are 64-bit absolute offsets
// into the class' bytecode region").
func (c *Cursor) ReadU64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

// ReadF32 reads a little-endian IEEE-754 single-precision float.
func (c *Cursor) ReadF32() (float32, error) {
	bits, err := c.ReadU32()
	if err != nil {
		return 0, err
	}
	return f32frombits(bits), nil
}

// ReadF64 reads a little-endian IEEE-754 double-precision float.
func (c *Cursor) ReadF64() (float64, error) {
	bits, err := c.ReadU64()
	if err != nil {
		return 0, err
	}
	return f64frombits(bits), nil
}

// ReadCString reads a NUL-terminated byte string and advances past the
// terminator, returning the string without the NUL (used for every
// name field: class names, function names, variable names, string
// literals).
func (c *Cursor) ReadCString() (string, error) {
	start := c.pos
	for c.pos < len(c.buf) {
		if c.buf[c.pos] == 0 {
			s := string(c.buf[start:c.pos])
			c.pos++
			return s, nil
		}
		c.pos++
	}
	return "", errors.Errorf("bytecode: unterminated string starting at offset %d", start)
}

// SkipBytes advances the cursor by n bytes without reading them.
func (c *Cursor) SkipBytes(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

// SkipCString advances past the next NUL-terminated field without
// allocating a string.
func (c *Cursor) SkipCString() error {
	_, err := c.ReadCString()
	return err
}
