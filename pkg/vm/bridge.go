package vm

import (
	"unsafe"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/classloader"
	"github.com/kristofer/lsvm/pkg/heap"
	"github.com/kristofer/lsvm/pkg/value"
)

// evalOperand resolves one decoded bytecode.Operand to a concrete
// Value, reading through the environment's variable/return-register
// state as needed (spec §4.H "argument buffer encoding").
func (e *Environment) evalOperand(op bytecode.Operand) (value.Value, *Exception) {
	switch op.Kind {
	case bytecode.ArgByte:
		return value.Uint8(uint8(op.Immediate)), nil
	case bytecode.ArgWord:
		return value.Uint16(uint16(op.Immediate)), nil
	case bytecode.ArgDword:
		return value.Uint32(uint32(op.Immediate)), nil
	case bytecode.ArgReal4:
		return value.Float32(f32bits(uint32(op.Immediate))), nil
	case bytecode.ArgQword:
		return value.Uint64(op.Immediate), nil
	case bytecode.ArgReal8:
		return value.Float64(f64bits(op.Immediate)), nil
	case bytecode.ArgValue:
		loc, ex := e.resolveVariable(op.Name)
		if ex != nil {
			return value.Value{}, ex
		}
		return e.Get(loc)
	case bytecode.ArgString:
		off, err := e.reg.newString(op.Name)
		if err != nil {
			return value.Value{}, newException(OutOfMemory, "%v", err)
		}
		return value.Ref(bytecode.Object, off), nil
	case bytecode.ArgRet:
		return e.retReg, nil
	}
	return value.Value{}, newException(VMError, "unresolved operand kind %v", op.Kind)
}

func f32bits(b uint32) float32 { var v value.Value; v.Payload[0], v.Payload[1], v.Payload[2], v.Payload[3] = byte(b), byte(b >> 8), byte(b >> 16), byte(b >> 24); return v.AsFloat32() }
func f64bits(b uint64) float64 {
	var v value.Value
	for i := 0; i < 8; i++ {
		v.Payload[i] = byte(b >> (8 * i))
	}
	return v.AsFloat64()
}

// buildArgs reads argCount tag-prefixed operands from c and, for an
// interpreted callee, widens/narrows each to the declared argument's
// slot width (spec §4.H "the bridge materializes a linear buffer...
// each argument occupies exactly its declared type's width").
func (e *Environment) buildArgs(c *bytecode.Cursor, argCount byte, fn *classloader.FunctionDescriptor) ([]value.Value, *Exception) {
	args := make([]value.Value, argCount)
	for i := byte(0); i < argCount; i++ {
		op, err := c.ReadOperand()
		if err != nil {
			return nil, newException(BadCommand, "%v", err)
		}
		v, ex := e.evalOperand(op)
		if ex != nil {
			return nil, ex
		}
		if fn != nil && int(i) < len(fn.ArgTags) {
			v = e.coerceArg(v, fn.ArgTags[i])
		}
		args[i] = v
	}
	return args, nil
}

// coerceArg adapts an evaluated argument Value to a declared parameter
// type: object/array references are passed through untyped-checked
// (the loader/linker is trusted, spec §1 "the VM trusts its input"),
// primitives go through the same cast matrix as setv.
func (e *Environment) coerceArg(v value.Value, want bytecode.Tag) value.Value {
	if want == bytecode.Object {
		return v
	}
	if _, isArray := want.IsArray(); isArray {
		return v
	}
	return value.CastTo(want, v)
}

// callInterpreted runs fn to completion on e's single dispatch loop,
// pushing args and `this` (when receiverOffset is non-nil) into a fresh
// scope; e.class is set to class for the duration of the call, which is
// what lets resolveVariable's static-field fallback expose that class'
// static fields to the callee unqualified (spec §4.G "Calls" step 4).
func (e *Environment) callInterpreted(fn *classloader.FunctionDescriptor, class *classloader.ClassDescriptor, receiverOffset *int, args []value.Value) *Exception {
	if fn.Abstract {
		return newException(IllegalState, "call to abstract function %q", fn.Qualified)
	}

	savedSP, savedBase, savedIP, savedClass, savedFn := e.sp, e.bp, e.ip, e.class, e.fn
	e.frames = append(e.frames, frame{
		savedSP: savedSP, savedBase: savedBase, savedIP: savedIP, savedClass: savedClass, savedFn: savedFn,
		function: fn, class: class, returnNative: true,
	})
	e.bp = e.sp
	e.scopes = append(e.scopes, make(map[string]int))
	e.class = class
	e.fn = fn
	e.ip = fn.BodyOffset

	for i, name := range fn.ArgNames {
		var v value.Value
		if i < len(args) {
			v = args[i]
		}
		v.Flags = v.Flags.WithType(fn.ArgTags[i]).WithAccessType(bytecode.Dynamic)
		idx, ok := e.push(v)
		if !ok {
			return e.exception
		}
		e.currentScope()[name] = idx
	}
	if receiverOffset != nil {
		idx, ok := e.push(value.Ref(bytecode.Object, *receiverOffset))
		if !ok {
			return e.exception
		}
		e.currentScope()["this"] = idx
	}

	ex := e.run()
	return ex
}

// Call invokes fn on class as a top-level call from the host, with no
// receiver (spec §6 "main class's entry point is resolved via the
// qualified name main([Llscript.lang.String;"). It is the exported
// counterpart of the exec*Call opcodes, for hosts that never go through
// bytecode at all.
func (e *Environment) Call(fn *classloader.FunctionDescriptor, class *classloader.ClassDescriptor, args []value.Value) *Exception {
	if fn.Abstract {
		return newException(IllegalState, "call to abstract function %q", fn.Qualified)
	}
	if fn.Native {
		e.execCallNative(fn, class, heap.NullOffset, args)
		return e.exception
	}
	return e.callInterpreted(fn, class, nil, args)
}

// hostArgs widens an interpreted argument list (plus the implicit
// environment/class/receiver slots) into the uintptr-per-slot buffer a
// host provider function receives (spec §4.H "a separate wider buffer
// is built with 8-byte slots").
func hostArgs(env *Environment, class *classloader.ClassDescriptor, receiverOffset int, args []value.Value) []uintptr {
	buf := make([]uintptr, 3+len(args))
	buf[0] = uintptr(unsafe.Pointer(env))
	buf[1] = uintptr(unsafe.Pointer(class))
	buf[2] = uintptr(receiverOffset)
	for i, a := range args {
		var bits uint64
		if a.Flags.Type() == bytecode.Object {
			bits = uint64(a.AsRef())
		} else if _, isArray := a.Flags.Type().IsArray(); isArray {
			bits = uint64(a.AsRef())
		} else {
			bits = a.RawBits(8)
		}
		buf[3+i] = uintptr(bits)
	}
	return buf
}

// callNative resolves fn's mangled symbol against the native provider
// chain and invokes it, storing the raw 64-bit result into the qword
// return register (spec §4.G "Calls" step 5, §4.H).
func (e *Environment) callNative(fn *classloader.FunctionDescriptor, class *classloader.ClassDescriptor, receiverOffset int, args []value.Value) *Exception {
	symbol := bytecode.NativeSymbol(bytecode.SafeName(class.Name), fn.Simple)
	result, ok, err := e.reg.natives.Call(symbol, hostArgs(e, class, receiverOffset, args))
	if err != nil {
		return newException(LinkError, "native call %q: %v", symbol, err)
	}
	if !ok {
		return newException(LinkError, "native symbol %q not found in any loaded library", symbol)
	}
	e.retReg = value.Uint64(result)
	e.retReg.Flags = e.retReg.Flags.WithType(fn.ReturnType)
	return nil
}

// receiverFieldOffset returns the absolute heap offset of the named
// field of the object at receiverOffset. Nothing in this module calls
// it.
func (r *Registry) receiverFieldOffset(class *classloader.ClassDescriptor, receiverOffset int, field string) (int, bool) {
	off, _, err := r.manager.FieldOffset(receiverOffset, field)
	if err != nil {
		return heap.NullOffset, false
	}
	return off, true
}
