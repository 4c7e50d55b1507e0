package vm

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/classloader"
	"github.com/kristofer/lsvm/pkg/heap"
	"github.com/kristofer/lsvm/pkg/value"
)

// Fully-qualified names of the classes the registry must be able to
// answer for before any classpath lookup has run, mirroring
// original_source's OBJECT_CLASS/CLASS_CLASS/STRING_CLASS and the
// `lscript.io`/`lscript.lang` packages its fuller vm_create bootstraps
// (spec §4.E "Class-object bootstrap", "Stdio wrappers").
const (
	objectClassName           = "lscript.lang.Object"
	classClassName            = "lscript.lang.Class"
	stringClassName           = "lscript.lang.String"
	systemClassName           = "lscript.lang.System"
	stdFileHandleClassName    = "lscript.io.StdFileHandle"
	fileOutputStreamClassName = "lscript.io.FileOutputStream"
	fileInputStreamClassName  = "lscript.io.FileInputStream"
)

// Native-handle discriminators stored in a StdFileHandle's
// `nativeHandle` field. The reference implementation stores the real
// FILE* there and tells streams apart by pointer identity
// (lscriptlib/internal/lstdio.c); this port has no FILE* of its own, so
// a small integer plays the same role against Registry.Streams.
const (
	stdinHandle uint64 = iota
	stdoutHandle
	stderrHandle
)

// arrayPayloadHeader is the {flags, length, padding} prefix every array
// block carries ahead of its elements, mirroring manager's unexported
// arrayHeaderSize (spec §3 "Array"); kept as a second local constant
// rather than exporting the manager one since nothing else outside
// package manager needs it.
const arrayPayloadHeader = 16

// registerHostNatives wires the stdio native functions into the
// registry's slot-0 host provider, before bootstrap() loads any class
// that might declare them (spec §4.E, §4.H).
func (r *Registry) registerHostNatives() {
	host := r.natives.Host()
	host.Register(bytecode.NativeSymbol(bytecode.SafeName(fileOutputStreamClassName), "write"), r.nativeFileWrite)
	host.Register(bytecode.NativeSymbol(bytecode.SafeName(fileInputStreamClassName), "read"), r.nativeFileRead)
	host.Register(bytecode.NativeSymbol(bytecode.SafeName(fileInputStreamClassName), "readLine"), r.nativeFileReadLine)
}

// bootstrap hand-assembles and installs the primordial class table.
//
// Object, Class, and String are *parsed* before any of the three is
// *published* (mirroring original_source's two-phase
// class_load/class_load_to_vm split): Class's own Class-object needs a
// String wrapper for its `name` field, so String must already be a
// resolvable class_t by the time Class is published, even though
// String itself is loaded after Class in declaration order. Only once
// all three are in the class table does the registry publish each in
// turn (Object, then Class, then String).
//
// System and the io wrapper classes follow using the ordinary
// load+publish path, then wireStdio assigns the three standard streams
// into System's static fields (spec §4.E "Class-object bootstrap",
// "Stdio wrappers").
func (r *Registry) bootstrap() error {
	objectCD, ex := r.LoadClassBinary(buildObjectClass())
	if ex != nil {
		return errors.Wrap(ex, "vm: parsing bootstrap class Object")
	}
	r.classes[objectClassName] = objectCD

	classCD, ex := r.LoadClassBinary(buildClassClass())
	if ex != nil {
		return errors.Wrap(ex, "vm: parsing bootstrap class Class")
	}
	r.classes[classClassName] = classCD

	stringCD, ex := r.LoadClassBinary(buildStringClass())
	if ex != nil {
		return errors.Wrap(ex, "vm: parsing bootstrap class String")
	}
	r.classes[stringClassName] = stringCD

	for _, primordial := range []struct {
		name string
		cd   *classloader.ClassDescriptor
	}{
		{objectClassName, objectCD},
		{classClassName, classCD},
		{stringClassName, stringCD},
	} {
		if err := r.publishClassObject(primordial.name, primordial.cd); err != nil {
			return errors.Wrapf(err, "vm: publishing bootstrap class %q", primordial.name)
		}
	}

	builtins := []struct {
		name string
		data []byte
	}{
		{systemClassName, buildSystemClass()},
		{stdFileHandleClassName, buildStdFileHandleClass()},
		{fileOutputStreamClassName, buildFileOutputStreamClass()},
		{fileInputStreamClassName, buildFileInputStreamClass()},
	}
	for _, b := range builtins {
		if err := r.installBuiltin(b.name, b.data); err != nil {
			return err
		}
	}
	return r.wireStdio()
}

func (r *Registry) installBuiltin(name string, data []byte) error {
	cd, ex := r.LoadClassBinary(data)
	if ex != nil {
		return errors.Wrapf(ex, "vm: bootstrapping class %q", name)
	}
	if _, ex := r.install(name, cd); ex != nil {
		return errors.Wrapf(ex, "vm: installing bootstrap class %q", name)
	}
	return nil
}

// wireStdio allocates the runtime stdio objects (one StdFileHandle and
// one FileOutputStream/FileInputStream wrapper per standard stream) and
// assigns them to System's stdout/stderr/stdin static fields, matching
// the fuller vm_create's final bootstrap steps.
func (r *Registry) wireStdio() error {
	stdHandleClass, ok := r.classes[stdFileHandleClassName]
	if !ok {
		return errors.New("vm: StdFileHandle not bootstrapped")
	}
	outClass, ok := r.classes[fileOutputStreamClassName]
	if !ok {
		return errors.New("vm: FileOutputStream not bootstrapped")
	}
	inClass, ok := r.classes[fileInputStreamClassName]
	if !ok {
		return errors.New("vm: FileInputStream not bootstrapped")
	}
	systemClass, ok := r.classes[systemClassName]
	if !ok {
		return errors.New("vm: System not bootstrapped")
	}

	newStdHandle := func(discriminator uint64) (int, error) {
		obj, err := r.manager.AllocObject(stdHandleClass)
		if err != nil {
			return heap.NullOffset, err
		}
		if err := r.writeU64Field(obj.Offset, "nativeHandle", discriminator); err != nil {
			return heap.NullOffset, err
		}
		r.manager.CreateStrongReference(obj.Offset)
		return obj.Offset, nil
	}
	newStream := func(class *classloader.ClassDescriptor, handleOffset int) (int, error) {
		obj, err := r.manager.AllocObject(class)
		if err != nil {
			return heap.NullOffset, err
		}
		if err := r.writeRefField(obj.Offset, "handle", value.Ref(bytecode.Object, handleOffset)); err != nil {
			return heap.NullOffset, err
		}
		r.manager.CreateStrongReference(obj.Offset)
		return obj.Offset, nil
	}

	stdoutHandleOff, err := newStdHandle(stdoutHandle)
	if err != nil {
		return err
	}
	stderrHandleOff, err := newStdHandle(stderrHandle)
	if err != nil {
		return err
	}
	stdinHandleOff, err := newStdHandle(stdinHandle)
	if err != nil {
		return err
	}

	stdoutOff, err := newStream(outClass, stdoutHandleOff)
	if err != nil {
		return err
	}
	stderrOff, err := newStream(outClass, stderrHandleOff)
	if err != nil {
		return err
	}
	stdinOff, err := newStream(inClass, stdinHandleOff)
	if err != nil {
		return err
	}

	systemClass.SetStaticField("stdout", value.Ref(bytecode.Object, stdoutOff))
	systemClass.SetStaticField("stderr", value.Ref(bytecode.Object, stderrOff))
	systemClass.SetStaticField("stdin", value.Ref(bytecode.Object, stdinOff))
	return nil
}

// readRefField/readU64Field/writeRefField/writeU64Field read and write
// one named field of a live object directly through the heap, the same
// {FieldOffset, heap.WriteAt} idiom publishClassObject and newString
// already use, shared here for the stdio natives and wireStdio.

func (r *Registry) readRefField(objOffset int, field string) (int, error) {
	off, _, err := r.manager.FieldOffset(objOffset, field)
	if err != nil {
		return heap.NullOffset, err
	}
	raw := r.heap.ReadAt(off, 8)
	return int(int64(binary.LittleEndian.Uint64(raw))), nil
}

func (r *Registry) readU64Field(objOffset int, field string) (uint64, error) {
	off, _, err := r.manager.FieldOffset(objOffset, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.heap.ReadAt(off, 8)), nil
}

func (r *Registry) writeRefField(objOffset int, field string, v value.Value) error {
	off, _, err := r.manager.FieldOffset(objOffset, field)
	if err != nil {
		return err
	}
	r.heap.WriteAt(off, v.Payload[:])
	return nil
}

func (r *Registry) writeU64Field(objOffset int, field string, bits uint64) error {
	off, _, err := r.manager.FieldOffset(objOffset, field)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], bits)
	r.heap.WriteAt(off, buf[:])
	return nil
}

// handleOf chases a FileOutputStream/FileInputStream receiver's
// `handle` field to its StdFileHandle and returns the nativeHandle
// discriminator stored there (spec §4.E "Stdio wrappers").
func (r *Registry) handleOf(receiverOffset int) (uint64, error) {
	stdHandleOffset, err := r.readRefField(receiverOffset, "handle")
	if err != nil {
		return 0, err
	}
	return r.readU64Field(stdHandleOffset, "nativeHandle")
}

// nativeFileWrite backs `lscript.io.FileOutputStream.write(data, off,
// length)`, collapsing lstdio.c's lscript_io_StdFileHandle_fwrite (a
// static native taking the handle as a declared argument) into a
// direct instance native on FileOutputStream — this port has no
// bytecode compiler to emit the glue that would otherwise call through
// StdFileHandle's own static natives, so the dispatch that file does on
// FILE* identity happens here instead, on the nativeHandle
// discriminator.
func (r *Registry) nativeFileWrite(argBuffer []uintptr) (uint64, error) {
	if len(argBuffer) < 6 {
		return 0, errors.New("vm: write: malformed argument buffer")
	}
	receiverOffset := int(argBuffer[2])
	dataOffset := int(argBuffer[3])
	off := uint32(argBuffer[4])
	length := uint32(argBuffer[5])
	if dataOffset == heap.NullOffset {
		return 0, errors.New("vm: write: data is null")
	}
	handle, err := r.handleOf(receiverOffset)
	if err != nil {
		return 0, err
	}
	payload := r.heap.At(dataOffset)
	start := arrayPayloadHeader + int(off)
	data := payload[start : start+int(length)]

	var n int
	switch handle {
	case stdoutHandle:
		n, err = r.Streams.WriteStdout(data)
	case stderrHandle:
		n, err = r.Streams.WriteStderr(data)
	default:
		return 0, errors.Errorf("vm: write: handle %d is not an output stream", handle)
	}
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// nativeFileRead backs `lscript.io.FileInputStream.read(buf, off,
// length)`, the read-side counterpart of nativeFileWrite.
func (r *Registry) nativeFileRead(argBuffer []uintptr) (uint64, error) {
	if len(argBuffer) < 6 {
		return 0, errors.New("vm: read: malformed argument buffer")
	}
	receiverOffset := int(argBuffer[2])
	bufOffset := int(argBuffer[3])
	off := uint32(argBuffer[4])
	length := uint32(argBuffer[5])
	if bufOffset == heap.NullOffset {
		return 0, errors.New("vm: read: buf is null")
	}
	handle, err := r.handleOf(receiverOffset)
	if err != nil {
		return 0, err
	}
	if handle != stdinHandle {
		return 0, errors.Errorf("vm: read: handle %d is not an input stream", handle)
	}

	tmp := make([]byte, length)
	n, err := r.Streams.ReadStdin(tmp)
	if err != nil && err != io.EOF {
		return 0, err
	}
	payload := r.heap.At(bufOffset)
	copy(payload[arrayPayloadHeader+int(off):], tmp[:n])
	return uint64(n), nil
}

// nativeFileReadLine backs `lscript.io.FileInputStream.readLine()`,
// grounded in lstdio.c's lscript_io_StdFileHandle_freadline: read
// characters one at a time through ReadCharStdin until a newline or a
// fixed line-length cap, then hand back a fresh char array.
func (r *Registry) nativeFileReadLine(argBuffer []uintptr) (uint64, error) {
	if len(argBuffer) < 3 {
		return 0, errors.New("vm: readLine: malformed argument buffer")
	}
	receiverOffset := int(argBuffer[2])
	handle, err := r.handleOf(receiverOffset)
	if err != nil {
		return 0, err
	}
	if handle != stdinHandle {
		return 0, errors.Errorf("vm: readLine: handle %d is not an input stream", handle)
	}

	const maxLineLen = 254
	line := make([]byte, 0, maxLineLen)
	for len(line) < maxLineLen {
		c, err := r.Streams.ReadCharStdin()
		if err != nil {
			break
		}
		if c == '\n' {
			break
		}
		line = append(line, c)
	}

	arr, err := r.manager.AllocArray(bytecode.Char, uint32(len(line)))
	if err != nil {
		return 0, err
	}
	copy(r.heap.At(arr.Offset)[arrayPayloadHeader:], line)
	return uint64(arr.Offset), nil
}

// --- class binary hand-assembly ---
//
// Every builder below produces a byte slice classloader.Load can parse
// directly, in the shape classloader_test.go's buildHello first
// demonstrated: a 5-byte header, a class declaration, an optional
// extends declaration, then the field/function declaration stream.

func cstr(s string) []byte { return append([]byte(s), 0) }

func u32le(x uint32) []byte {
	return []byte{byte(x), byte(x >> 8), byte(x >> 16), byte(x >> 24)}
}

func u64le(x uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(x >> (8 * i))
	}
	return b
}

func isObjectTag(t bytecode.Tag) bool {
	base, isArray := t.IsArray()
	if isArray {
		return base == bytecode.Object
	}
	return t == bytecode.Object
}

// argSpec is one declared argument of a hand-assembled native function.
type argSpec struct {
	tag   bytecode.Tag
	class string // only consulted when tag (or its element) is Object
	name  string
}

// classBuilder assembles one class binary declaration by declaration.
type classBuilder struct {
	buf []byte
}

func newClassBuilder(name, super string) *classBuilder {
	b := &classBuilder{}
	b.buf = append(b.buf, 0)           // compressed flag, unused (spec §9 open question)
	b.buf = append(b.buf, u32le(1)...) // version
	b.buf = append(b.buf, byte(bytecode.Class))
	b.buf = append(b.buf, cstr(name)...)
	if super != "" {
		b.buf = append(b.buf, byte(bytecode.Extends))
		b.buf = append(b.buf, cstr(super)...)
	}
	return b
}

// dynamicField declares an instance field with no inline payload.
func (b *classBuilder) dynamicField(name string, typ bytecode.Tag) *classBuilder {
	b.buf = append(b.buf, byte(bytecode.Global))
	b.buf = append(b.buf, cstr(name)...)
	flags := value.NewFlags(bytecode.Dynamic, bytecode.Varying, typ)
	b.buf = append(b.buf, u64le(uint64(flags))...)
	return b
}

// staticField declares a static field carrying an inline payload of
// exactly value.SizeofType(typ) bytes.
func (b *classBuilder) staticField(name string, typ bytecode.Tag, payload []byte) *classBuilder {
	b.buf = append(b.buf, byte(bytecode.Global))
	b.buf = append(b.buf, cstr(name)...)
	flags := value.NewFlags(bytecode.Static, bytecode.Varying, typ)
	b.buf = append(b.buf, u64le(uint64(flags))...)
	b.buf = append(b.buf, payload...)
	return b
}

// nativeFunction declares a function with no body (BodyOffset is only
// assigned to interpreted functions; the class loader stops reading
// this declaration right after its last argument name).
func (b *classBuilder) nativeFunction(static bool, returnType bytecode.Tag, returnClass, simple string, args []argSpec) *classBuilder {
	b.buf = append(b.buf, byte(bytecode.Function))
	if static {
		b.buf = append(b.buf, byte(bytecode.Static))
	} else {
		b.buf = append(b.buf, byte(bytecode.Dynamic))
	}
	b.buf = append(b.buf, byte(bytecode.Native))
	b.buf = append(b.buf, byte(returnType))
	if isObjectTag(returnType) {
		b.buf = append(b.buf, cstr(returnClass)...)
	}
	b.buf = append(b.buf, cstr(simple)...)
	b.buf = append(b.buf, byte(len(args)))
	for _, a := range args {
		b.buf = append(b.buf, byte(a.tag))
		if isObjectTag(a.tag) {
			b.buf = append(b.buf, cstr(a.class)...)
		}
		b.buf = append(b.buf, cstr(a.name)...)
	}
	return b
}

func (b *classBuilder) bytes() []byte { return b.buf }

// buildObjectClass is the universal superclass: no fields, no
// functions (spec §4.E "Object ... the root of every class").
func buildObjectClass() []byte {
	return newClassBuilder(objectClassName, "").bytes()
}

// buildClassClass mirrors class_load_to_vm's Class object: an opaque
// native `handle` plus a `name` String.
func buildClassClass() []byte {
	return newClassBuilder(classClassName, objectClassName).
		dynamicField("handle", bytecode.ULong).
		dynamicField("name", bytecode.Object).
		bytes()
}

// buildStringClass wraps a char array exactly as registry.newString
// expects (field "chars").
func buildStringClass() []byte {
	return newClassBuilder(stringClassName, objectClassName).
		dynamicField("chars", bytecode.CharArray).
		bytes()
}

// nullObjectPayload is the literal a freshly declared static Object
// field carries until wireStdio overwrites it (heap.NullOffset's bit
// pattern, matching value.Null()'s payload).
func nullObjectPayload() []byte {
	return u64le(uint64(int64(heap.NullOffset)))
}

// buildSystemClass declares the three static stream handles wireStdio
// fills in once the io wrapper classes exist.
func buildSystemClass() []byte {
	return newClassBuilder(systemClassName, objectClassName).
		staticField("stdout", bytecode.Object, nullObjectPayload()).
		staticField("stderr", bytecode.Object, nullObjectPayload()).
		staticField("stdin", bytecode.Object, nullObjectPayload()).
		bytes()
}

// buildStdFileHandleClass carries one field, the native-handle
// discriminator wireStdio assigns (spec §4.E "three StdFileHandle
// objects whose native-handle field carries the host's standard-stream
// identifiers").
func buildStdFileHandleClass() []byte {
	return newClassBuilder(stdFileHandleClassName, objectClassName).
		dynamicField("nativeHandle", bytecode.ULong).
		bytes()
}

// buildFileOutputStreamClass declares the `handle` field (an Object
// reference to a StdFileHandle) and the native `write` entry point
// registerHostNatives wires to nativeFileWrite.
func buildFileOutputStreamClass() []byte {
	return newClassBuilder(fileOutputStreamClassName, objectClassName).
		dynamicField("handle", bytecode.Object).
		nativeFunction(false, bytecode.UInt, "", "write", []argSpec{
			{tag: bytecode.CharArray, name: "data"},
			{tag: bytecode.UInt, name: "off"},
			{tag: bytecode.UInt, name: "length"},
		}).
		bytes()
}

// buildFileInputStreamClass declares the `handle` field and the native
// `read`/`readLine` entry points.
func buildFileInputStreamClass() []byte {
	return newClassBuilder(fileInputStreamClassName, objectClassName).
		dynamicField("handle", bytecode.Object).
		nativeFunction(false, bytecode.UInt, "", "read", []argSpec{
			{tag: bytecode.CharArray, name: "buf"},
			{tag: bytecode.UInt, name: "off"},
			{tag: bytecode.UInt, name: "length"},
		}).
		nativeFunction(false, bytecode.CharArray, "", "readLine", nil).
		bytes()
}
