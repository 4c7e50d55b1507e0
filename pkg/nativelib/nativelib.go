// Package nativelib implements the native symbol provider chain
// (components H/J): an ordered list of symbol sources the call bridge
// searches for a mangled `<SafeClassName>_<FunctionName>` symbol, slot
// 0 always reserved for this module's own host-exported builtins
// (spec §4.E/§6 "the first library is reserved for host-exported
// runtime symbols"), grounded in original_source's try_link_function
// (lscript/internal/vm.c), which walks vm->hLibraries in registration
// order and returns the first GetProcAddress/dlsym hit.
package nativelib

import (
	"syscall"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// HostFunc is the signature a host-exported builtin implements. The
// bridge hands it the same 8-byte-slot argument buffer it would hand a
// genuine C function (env pointer, class pointer, receiver heap offset
// or -1 for a static call, then one slot per declared argument) and
// receives back the raw return-register bits.
type HostFunc func(argBuffer []uintptr) (uint64, error)

// HostProvider is the in-process, always-present slot-0 provider: Go
// functions registered directly, invoked without crossing into C calling
// convention at all (spec §4.E "the first library is reserved for
// host-exported runtime symbols" — here "library" is this process
// itself).
type HostProvider struct {
	funcs map[string]HostFunc
}

// NewHostProvider creates an empty host-symbol table.
func NewHostProvider() *HostProvider {
	return &HostProvider{funcs: make(map[string]HostFunc)}
}

// Register adds a Go-native builtin under its mangled symbol name.
func (h *HostProvider) Register(mangledName string, fn HostFunc) {
	h.funcs[mangledName] = fn
}

func (h *HostProvider) lookup(mangled string) (HostFunc, bool) {
	fn, ok := h.funcs[mangled]
	return fn, ok
}

// DynamicProvider wraps one dlopen'd shared library (spec §4.E
// "load_library(name): open a host dynamic library and reserve a
// slot").
type DynamicProvider struct {
	name   string
	handle uintptr
}

// OpenLibrary dlopens path and wraps it as a Provider.
func OpenLibrary(path string) (*DynamicProvider, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Wrapf(err, "nativelib: opening library %q", path)
	}
	return &DynamicProvider{name: path, handle: handle}, nil
}

func (d *DynamicProvider) Name() string { return d.name }

func (d *DynamicProvider) symbol(mangled string) (uintptr, bool) {
	addr, err := purego.Dlsym(d.handle, mangled)
	if err != nil || addr == 0 {
		return 0, false
	}
	return addr, true
}

// Registry is the ordered provider chain the bridge resolves native
// symbols against. The host provider is always searched first,
// matching spec's reserved slot 0; dynamic libraries are searched
// afterward in the order they were opened.
type Registry struct {
	host    *HostProvider
	dynamic []*DynamicProvider
}

// NewRegistry creates a registry with its slot-0 host provider already
// installed.
func NewRegistry(host *HostProvider) *Registry {
	return &Registry{host: host}
}

// Host returns the slot-0 host provider for builtin registration.
func (r *Registry) Host() *HostProvider { return r.host }

// AddLibrary appends a dynamically loaded library to the end of the
// search chain.
func (r *Registry) AddLibrary(p *DynamicProvider) {
	r.dynamic = append(r.dynamic, p)
}

// Call resolves mangled against every provider in registration order
// and, on the first hit, invokes it with the call bridge's 8-byte-slot
// argument buffer (env pointer, class pointer, receiver heap offset or
// -1 for a static call, then one slot per declared argument). Returns (result, found, error) — found is false
// and error nil when no provider carries the symbol, the caller raises
// LINK_ERROR in that case (spec §7).
func (r *Registry) Call(mangled string, argBuffer []uintptr) (uint64, bool, error) {
	if fn, ok := r.host.lookup(mangled); ok {
		result, err := fn(argBuffer)
		return result, true, err
	}
	for _, p := range r.dynamic {
		addr, ok := p.symbol(mangled)
		if !ok {
			continue
		}
		r1, _, errno := purego.SyscallN(addr, argBuffer...)
		if errno != 0 && errno != syscall.Errno(0) {
			return 0, true, errors.Errorf("nativelib: native call to %q failed: %v", mangled, errno)
		}
		return uint64(r1), true, nil
	}
	return 0, false, nil
}
