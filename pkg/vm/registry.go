package vm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/classloader"
	"github.com/kristofer/lsvm/pkg/heap"
	"github.com/kristofer/lsvm/pkg/manager"
	"github.com/kristofer/lsvm/pkg/nativelib"
	"github.com/kristofer/lsvm/pkg/value"
)

// classFileExt is the linked-bytecode extension probed on the
// classpath (spec §6 "Classpath lookup": `<dir>/a/b/C.lb`).
const classFileExt = ".lb"

// Streams holds the host-overridable standard-stream function pointers
// (spec §6 "Standard streams"). Defaults write/read through the
// process's real stdio; tests substitute their own to observe bytes.
type Streams struct {
	WriteStdout   func(p []byte) (int, error)
	WriteStderr   func(p []byte) (int, error)
	ReadStdin     func(p []byte) (int, error)
	ReadCharStdin func() (byte, error)
}

func defaultStreams() Streams {
	return Streams{
		WriteStdout: os.Stdout.Write,
		WriteStderr: os.Stderr.Write,
		ReadStdin:   os.Stdin.Read,
		ReadCharStdin: func() (byte, error) {
			var b [1]byte
			_, err := os.Stdin.Read(b[:])
			return b[0], err
		},
	}
}

// Registry is component E: the class table, classpath, manager/heap,
// native library chain, live environment list, and class-object table
// (spec §4.E).
type Registry struct {
	heap    *heap.Heap
	manager *manager.Manager
	natives *nativelib.Registry

	classpath []string
	classes   map[string]*classloader.ClassDescriptor

	// classObjects maps a loaded class's name to the heap offset of its
	// strongly-referenced `Class` runtime object (spec §4.E "Class-object
	// bootstrap").
	classObjects map[string]int

	envs          []*Environment
	defaultStack  int
	Streams       Streams
	log           zerolog.Logger
}

// Default heap/stack sizes, matching spec §6's CLI defaults (2 GiB
// heap, 2 KiB stack) when no Option overrides them.
const (
	DefaultHeapSize  = 2 << 30
	DefaultStackSize = 2 << 10
)

// stackSlotSize is the conversion factor the CLI's byte-denominated
// `-stacks` flag uses to pick an Environment's slot count: one
// value.Value (an 8-byte flags word plus an 8-byte payload).
const stackSlotSize = 16

// config accumulates the functional options passed to New, threaded
// the way the teacher threads constructor parameters (spec §1
// "Configuration").
type config struct {
	heapSize   int
	stackBytes int
	classpath  []string
	libraries  []string
	streams    *Streams
}

// Option configures a Registry at construction time.
type Option func(*config)

// WithHeapSize overrides the default 2 GiB heap.
func WithHeapSize(bytes int) Option { return func(c *config) { c.heapSize = bytes } }

// WithStackSize overrides the default 2 KiB per-environment stack.
func WithStackSize(bytes int) Option { return func(c *config) { c.stackBytes = bytes } }

// WithClasspath appends one or more classpath directories.
func WithClasspath(dirs ...string) Option {
	return func(c *config) { c.classpath = append(c.classpath, dirs...) }
}

// WithLibrary appends one or more host dynamic libraries to open after
// construction, searched in the order given (spec §4.E "load_library").
func WithLibrary(paths ...string) Option {
	return func(c *config) { c.libraries = append(c.libraries, paths...) }
}

// WithStdio overrides the default os.Stdout/os.Stderr/os.Stdin wiring.
func WithStdio(s Streams) Option { return func(c *config) { c.streams = &s } }

// New creates a registry, bootstraps the primordial classes, and wires
// the host native-symbol provider (spec §4.E "Class-object bootstrap").
func New(opts ...Option) (*Registry, error) {
	cfg := config{heapSize: DefaultHeapSize, stackBytes: DefaultStackSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	h, err := heap.New(cfg.heapSize)
	if err != nil {
		return nil, errors.Wrap(err, "vm: creating heap")
	}
	stackSlots := cfg.stackBytes / stackSlotSize
	if stackSlots < 1 {
		stackSlots = 1
	}
	r := &Registry{
		heap:         h,
		manager:      manager.New(h),
		natives:      nativelib.NewRegistry(nativelib.NewHostProvider()),
		classes:      make(map[string]*classloader.ClassDescriptor),
		classObjects: make(map[string]int),
		defaultStack: stackSlots,
		Streams:      defaultStreams(),
		log:          log.With().Str("component", "registry").Logger(),
	}
	if cfg.streams != nil {
		r.Streams = *cfg.streams
	}
	for _, dir := range cfg.classpath {
		r.AddPath(dir)
	}

	r.registerHostNatives()
	if err := r.bootstrap(); err != nil {
		return nil, err
	}

	for _, path := range cfg.libraries {
		if err := r.LoadLibrary(path); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Manager() *manager.Manager { return r.manager }
func (r *Registry) Heap() *heap.Heap           { return r.heap }
func (r *Registry) Natives() *nativelib.Registry { return r.natives }

// GetClass is a table lookup (spec §4.E).
func (r *Registry) GetClass(name string) (*classloader.ClassDescriptor, bool) {
	cd, ok := r.classes[name]
	return cd, ok
}

// AddPath appends dir to the classpath, stripping any trailing
// separator (spec §4.E "add_path").
func (r *Registry) AddPath(dir string) {
	dir = strings.TrimRight(dir, string(filepath.Separator))
	r.classpath = append(r.classpath, dir)
}

// LoadLibrary opens a host dynamic library and adds it to the native
// symbol provider chain, after the reserved host slot (spec §4.E
// "load_library", §6 "Native-symbol mangling").
func (r *Registry) LoadLibrary(path string) error {
	p, err := nativelib.OpenLibrary(path)
	if err != nil {
		return errors.Wrapf(err, "vm: loading library %q", path)
	}
	r.natives.AddLibrary(p)
	return nil
}

// LoadClassBinary parses data directly, without searching the classpath
// for it or inserting it into the class table; a superclass it extends
// is still resolved through LoadClass (spec §4.E "load_class_binary").
func (r *Registry) LoadClassBinary(data []byte) (*classloader.ClassDescriptor, *Exception) {
	cd, err := classloader.Load(data, r.loadProc)
	if err != nil {
		return nil, newException(ClassNotFound, "%v", err)
	}
	return cd, nil
}

// LoadClassFile reads path from disk and loads it (spec §4.E
// "load_class_file").
func (r *Registry) LoadClassFile(path string) (*classloader.ClassDescriptor, *Exception) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newException(ClassNotFound, "reading %q: %v", path, err)
	}
	return r.LoadClassBinary(data)
}

// LoadClass returns the cached descriptor for name if present;
// otherwise probes the classpath in order, loads, links, runs
// `<staticinit>(` if present, and inserts the class into the table
// (spec §4.E "load_class").
func (r *Registry) LoadClass(name string) (*classloader.ClassDescriptor, *Exception) {
	if cd, ok := r.classes[name]; ok {
		return cd, nil
	}

	relPath := strings.ReplaceAll(name, ".", string(filepath.Separator)) + classFileExt
	candidates := lo.Map(r.classpath, func(dir string, _ int) string {
		return filepath.Join(dir, relPath)
	})
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		cd, ex := r.LoadClassBinary(data)
		if ex != nil {
			return nil, ex
		}
		return r.install(name, cd)
	}
	return nil, newException(ClassNotFound, "class %q not found on classpath", name)
}

// loadProc is the classloader.LoadProc the registry feeds to every
// Load call, resolving `extends` superclasses through LoadClass so a
// superclass not yet in the table is loaded transitively.
func (r *Registry) loadProc(name string) (*classloader.ClassDescriptor, error) {
	cd, ex := r.LoadClass(name)
	if ex != nil {
		return nil, ex
	}
	return cd, nil
}

// install inserts cd into the class table under name, allocates and
// strongly references its `Class` runtime object, and runs static
// initialization if the class declares one (spec §4.E).
func (r *Registry) install(name string, cd *classloader.ClassDescriptor) (*classloader.ClassDescriptor, *Exception) {
	r.classes[name] = cd
	if err := r.publishClassObject(name, cd); err != nil {
		return nil, newException(VMError, "%v", err)
	}
	if fn, ok := cd.Function("<staticinit>("); ok {
		env := NewEnvironment(r, r.defaultStack)
		if ex := env.callInterpreted(fn, cd, nil, nil); ex != nil {
			return nil, ex
		}
	}
	r.log.Debug().Str("class", name).Msg("class installed")
	return cd, nil
}

// publishClassObject allocates a `Class` object wrapping cd and pins it
// with a strong reference so it survives GC regardless of reachability
// (spec §4.E "Class-object bootstrap").
func (r *Registry) publishClassObject(name string, cd *classloader.ClassDescriptor) error {
	classClass, ok := r.classes[classClassName]
	if !ok {
		return nil // bootstrap itself is loading Class; nothing to publish yet
	}
	nameStr, err := r.newString(name)
	if err != nil {
		return err
	}
	obj, err := r.manager.AllocObject(classClass)
	if err != nil {
		return err
	}
	if f, ok := classClass.Field("name"); ok {
		off := obj.Offset + 8 + f.Offset
		r.heap.WriteAt(off, value.Ref(bytecode.Object, nameStr).Payload[:])
	}
	if f, ok := classClass.Field("handle"); ok {
		// Opaque native handle, the Go analog of class_load_to_vm's
		// object_set_ulong(classObject, "handle", (lulong)clazz): a
		// process-local identifier for cd, never dereferenced back into
		// a *classloader.ClassDescriptor by anything in this module.
		off := obj.Offset + 8 + f.Offset
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(uintptr(unsafe.Pointer(cd))))
		r.heap.WriteAt(off, buf[:])
	}
	r.manager.CreateStrongReference(obj.Offset)
	r.classObjects[name] = obj.Offset
	return nil
}

// newString allocates a `String` wrapping literal's bytes in a fresh
// char array (spec §3 "treat String as an opaque wrapper exposing
// chars").
func (r *Registry) newString(literal string) (int, error) {
	stringClass, ok := r.classes[stringClassName]
	if !ok {
		return heap.NullOffset, errors.New("vm: String class not yet bootstrapped")
	}
	chars, err := r.manager.AllocArray(bytecode.Char, uint32(len(literal)))
	if err != nil {
		return heap.NullOffset, err
	}
	payload := r.heap.At(chars.Offset)
	copy(payload[16:], literal)

	obj, err := r.manager.AllocObject(stringClass)
	if err != nil {
		return heap.NullOffset, err
	}
	if f, ok := stringClass.Field("chars"); ok {
		off := obj.Offset + 8 + f.Offset
		r.heap.WriteAt(off, value.Ref(bytecode.CharArray, chars.Offset).Payload[:])
	}
	return obj.Offset, nil
}

// NewString exposes newString for hosts marshaling argv or other
// literals into the heap ahead of a call (cmd/lsvm's main() argument
// array, spec §6).
func (r *Registry) NewString(literal string) (int, error) {
	return r.newString(literal)
}

// NewEnvironment creates and registers a new environment using the
// registry's default stack size.
func (r *Registry) NewEnvironment() *Environment {
	env := NewEnvironment(r, r.defaultStack)
	r.envs = append(r.envs, env)
	return env
}

// Rootset returns every live environment's reachable stack slots, for
// driving Manager.GC (spec §4.B "the GC in B is driven from rooted
// values discoverable through the environments owned by E").
func (r *Registry) Rootset() []int {
	var roots []int
	for _, env := range r.envs {
		for i := 0; i < env.sp; i++ {
			v := env.stack[i]
			if t := v.Flags.Type(); t == bytecode.Object {
				if !v.IsNull() {
					roots = append(roots, v.AsRef())
				}
			} else if _, isArray := t.IsArray(); isArray && !v.IsNull() {
				roots = append(roots, v.AsRef())
			}
		}
	}
	for _, off := range r.classObjects {
		roots = append(roots, off)
	}
	return roots
}

// GC runs one collection cycle over every live environment's rootset.
func (r *Registry) GC() { r.manager.GC(r.Rootset()) }

// DumpObject renders every field of the live object at offset as a
// name/value table; no CLI flag calls it
// (spec §1 "Debug dump" — the same spew.Sdump idiom Environment.
// DumpStack and the teacher's debugger.ShowStack use, one level more
// mechanical since there is no REPL prompt in scope here).
func (r *Registry) DumpObject(offset int) string {
	mv, ok := r.manager.Lookup(offset)
	if !ok || mv.Kind != manager.KindObject {
		return spew.Sdump(nil)
	}
	fields := make(map[string]value.Value, len(mv.Class.FieldNames()))
	for _, name := range mv.Class.FieldNames() {
		off, f, err := r.manager.FieldOffset(offset, name)
		if err != nil {
			continue
		}
		var v value.Value
		v.Flags = f.Flags
		copy(v.Payload[:f.Sizeof()], r.heap.ReadAt(off, f.Sizeof()))
		fields[name] = v
	}
	return spew.Sdump(struct {
		Class  string
		Fields map[string]value.Value
	}{Class: mv.Class.Name, Fields: fields})
}
