package vm

import (
	"math"

	"github.com/kristofer/lsvm/pkg/bytecode"
	"github.com/kristofer/lsvm/pkg/classloader"
	"github.com/kristofer/lsvm/pkg/heap"
	"github.com/kristofer/lsvm/pkg/value"
)

// run is the single dispatch loop (component G): it decodes and
// executes one instruction at a time starting at e.ip within e.class's
// bytecode, until a ret* instruction unwinds the frame callInterpreted
// pushed for this invocation (spec §4.G). Nested calls recurse through
// Go's own call stack (callInterpreted invokes run() again), which is
// semantically equivalent to the spec's "single loop, manual frame
// stack" description — every call is still bookkept on e.frames, and
// `ret` still only ever unwinds exactly one frame.
func (e *Environment) run() *Exception {
	for {
		if e.exception != nil {
			return e.unwindFrame()
		}

		data := e.class.Data()
		c := bytecode.NewCursor(data, e.ip)
		tag, err := c.ReadTag()
		if err != nil {
			e.raise(VMError, "%v", err)
			continue
		}

		if isDeclareTag(tag) {
			e.execDeclare(tag, c)
			continue
		}

		switch tag {
		case bytecode.SetB, bytecode.SetW, bytecode.SetD, bytecode.SetQ, bytecode.SetR4, bytecode.SetR8:
			e.execSetLiteral(tag, c)

		case bytecode.SetO:
			e.execSetO(c)

		case bytecode.SetV:
			e.execSetV(c)

		case bytecode.SetR:
			e.execSetR(c)

		case bytecode.Ret, bytecode.RetB, bytecode.RetW, bytecode.RetD, bytecode.RetQ,
			bytecode.RetR4, bytecode.RetR8, bytecode.RetV, bytecode.RetR, bytecode.RetO:
			e.execReturn(tag, c)
			if e.exception != nil {
				continue
			}
			return nil

		case bytecode.StaticCall:
			e.execStaticCall(c)

		case bytecode.DynamicCall:
			e.execDynamicCall(c)

		case bytecode.Add, bytecode.Sub, bytecode.Mul, bytecode.Div, bytecode.Mod,
			bytecode.And, bytecode.Or, bytecode.Xor, bytecode.Lsh, bytecode.Rsh:
			e.execArith(tag, c)

		case bytecode.Neg, bytecode.NotOp:
			e.execUnary(tag, c)

		case bytecode.CastC, bytecode.CastUC, bytecode.CastS, bytecode.CastUS,
			bytecode.CastI, bytecode.CastUI, bytecode.CastQ, bytecode.CastUQ,
			bytecode.CastB, bytecode.CastF, bytecode.CastD:
			e.execCast(tag, c)

		case bytecode.If, bytecode.While:
			e.execIf(tag, c)

		case bytecode.Elif:
			e.execElif(c)

		case bytecode.Else, bytecode.End:
			// Reached by falling out of a taken branch: off names where
			// to resume past the rest of the if/elif/else chain, or
			// NoOffset when there is nothing left to skip.
			off, err := c.ReadU64()
			if err != nil {
				e.raise(BadCommand, "%v", err)
				continue
			}
			if off == bytecode.NoOffset {
				e.ip = c.Pos()
			} else {
				e.ip = int(off)
			}

		case bytecode.Push:
			e.execPush(c)

		case bytecode.Pop:
			e.execPop(c)

		case bytecode.Noop:
			e.ip = c.Pos()

		default:
			e.raise(BadCommand, "unknown opcode 0x%02x", byte(tag))
		}
	}
}

func isDeclareTag(tag bytecode.Tag) bool {
	switch tag {
	case bytecode.Char, bytecode.UChar, bytecode.Short, bytecode.UShort,
		bytecode.Int, bytecode.UInt, bytecode.Long, bytecode.ULong,
		bytecode.Bool, bytecode.Float, bytecode.Double, bytecode.Object,
		bytecode.CharArray, bytecode.UCharArray, bytecode.ShortArray, bytecode.UShortArray,
		bytecode.IntArray, bytecode.UIntArray, bytecode.LongArray, bytecode.ULongArray,
		bytecode.BoolArray, bytecode.FloatArray, bytecode.DoubleArray, bytecode.ObjectArray:
		return true
	}
	return false
}

// execDeclare implements "Variable declaration" (spec §4.G): the type
// tag itself is the opcode, followed by the name.
func (e *Environment) execDeclare(tag bytecode.Tag, c *bytecode.Cursor) {
	name, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	ip := c.Pos()
	if !e.declareLocal(name, tag) {
		return
	}
	e.ip = ip
}

// execSetLiteral implements "Literal set": memcpy an immediate of the
// opcode's width into the destination's payload, with no implicit
// widening (spec §4.G).
func (e *Environment) execSetLiteral(tag bytecode.Tag, c *bytecode.Cursor) {
	name, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	loc, ex := e.resolveVariable(name)
	if ex != nil {
		e.exception = ex
		return
	}
	cur, ex := e.Get(loc)
	if ex != nil {
		e.exception = ex
		return
	}
	width := value.SizeofType(cur.Flags.Type())

	var raw []byte
	switch tag {
	case bytecode.SetB:
		b, err := c.ReadByte()
		raw = []byte{b}
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
	case bytecode.SetW:
		v, err := c.ReadU16()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		raw = []byte{byte(v), byte(v >> 8)}
	case bytecode.SetD, bytecode.SetR4:
		v, err := c.ReadU32()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		raw = []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	case bytecode.SetQ, bytecode.SetR8:
		v, err := c.ReadU64()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		raw = make([]byte, 8)
		for i := 0; i < 8; i++ {
			raw[i] = byte(v >> (8 * i))
		}
	}
	if width > len(raw) {
		width = len(raw)
	}
	copy(cur.Payload[:width], raw[:width])
	if ex := e.Set(loc, cur); ex != nil {
		e.exception = ex
		return
	}
	e.ip = c.Pos()
}

// execSetO implements "Object set" (spec §4.G): allocate-and-construct,
// allocate-array, wrap-a-string-literal, copy-a-reference, or null.
func (e *Environment) execSetO(c *bytecode.Cursor) {
	name, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	loc, ex := e.resolveVariable(name)
	if ex != nil {
		e.exception = ex
		return
	}
	v, ex := e.execSetOValue(c)
	if ex != nil {
		e.exception = ex
		return
	}
	if ex := e.Set(loc, v); ex != nil {
		e.exception = ex
		return
	}
	e.ip = c.Pos()
}

// execSetOValue decodes one seto/reto sub-opcode payload and returns
// the resulting object/array Value, shared by execSetO and execReturn's
// RetO handling (spec §4.G "RetO reuses this same sub-dispatch").
func (e *Environment) execSetOValue(c *bytecode.Cursor) (value.Value, *Exception) {
	sub, err := c.ReadTag()
	if err != nil {
		return value.Value{}, newException(BadCommand, "%v", err)
	}
	switch sub {
	case bytecode.SetONew:
		className, err := c.ReadCString()
		if err != nil {
			return value.Value{}, newException(BadCommand, "%v", err)
		}
		ctorName, err := c.ReadCString()
		if err != nil {
			return value.Value{}, newException(BadCommand, "%v", err)
		}
		class, ok := e.reg.GetClass(className)
		if !ok {
			return value.Value{}, newException(ClassNotFound, "class %q not found", className)
		}
		ctor, ok := class.Function(ctorName)
		if !ok {
			return value.Value{}, newException(FunctionNotFound, "constructor %q not found on %q", ctorName, className)
		}
		argCount, err := c.ReadByte()
		if err != nil {
			return value.Value{}, newException(BadCommand, "%v", err)
		}
		args, ex := e.buildArgs(c, argCount, ctor)
		if ex != nil {
			return value.Value{}, ex
		}
		mv, err := e.reg.Manager().AllocObject(class)
		if err != nil {
			return value.Value{}, newException(OutOfMemory, "%v", err)
		}
		ro := mv.Offset
		if ctor.Native {
			e.execCallNative(ctor, class, ro, args)
		} else if exn := e.callInterpreted(ctor, class, &ro, args); exn != nil {
			return value.Value{}, exn
		}
		if e.exception != nil {
			return value.Value{}, nil
		}
		return value.Ref(bytecode.Object, mv.Offset), nil

	case bytecode.SetOArray:
		elemTag, err := c.ReadTag()
		if err != nil {
			return value.Value{}, newException(BadCommand, "%v", err)
		}
		op, err := c.ReadOperand()
		if err != nil {
			return value.Value{}, newException(BadCommand, "%v", err)
		}
		lenVal, ex := e.evalOperand(op)
		if ex != nil {
			return value.Value{}, ex
		}
		length := uint32(value.AsInt64Generic(lenVal))
		mv, err := e.reg.Manager().AllocArray(elemTag, length)
		if err != nil {
			return value.Value{}, newException(OutOfMemory, "%v", err)
		}
		return value.Ref(arrayTagForElem(elemTag), mv.Offset), nil

	case bytecode.SetOString:
		literal, err := c.ReadCString()
		if err != nil {
			return value.Value{}, newException(BadCommand, "%v", err)
		}
		off, err := e.reg.newString(literal)
		if err != nil {
			return value.Value{}, newException(OutOfMemory, "%v", err)
		}
		return value.Ref(bytecode.Object, off), nil

	case bytecode.SetOValue:
		srcName, err := c.ReadCString()
		if err != nil {
			return value.Value{}, newException(BadCommand, "%v", err)
		}
		loc, ex := e.resolveVariable(srcName)
		if ex != nil {
			return value.Value{}, ex
		}
		return e.Get(loc)

	case bytecode.SetONull:
		return value.Null(), nil
	}
	return value.Value{}, newException(VMError, "unknown seto sub-opcode 0x%02x", byte(sub))
}

func arrayTagForElem(elem bytecode.Tag) bytecode.Tag {
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
	case bytecode.Object:
		return bytecode.ObjectArray
	}
	return bytecode.ObjectArray
}

// execSetV implements `setv <dst> <src>`: static cast from source to
// destination type, or an exact-type object/array pointer copy (spec
// §4.G "Variable copy").
func (e *Environment) execSetV(c *bytecode.Cursor) {
	dstName, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	srcName, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	dstLoc, ex := e.resolveVariable(dstName)
	if ex != nil {
		e.exception = ex
		return
	}
	srcLoc, ex := e.resolveVariable(srcName)
	if ex != nil {
		e.exception = ex
		return
	}
	dst, ex := e.Get(dstLoc)
	if ex != nil {
		e.exception = ex
		return
	}
	src, ex := e.Get(srcLoc)
	if ex != nil {
		e.exception = ex
		return
	}

	dstType := dst.Flags.Type()
	if _, isArray := dstType.IsArray(); isArray || dstType == bytecode.Object {
		if src.Flags.Type() != dstType {
			e.raise(VMError, "setv: object/array types must match exactly (%v != %v)", dstType, src.Flags.Type())
			return
		}
		dst.Payload = src.Payload
	} else {
		dst = value.CastTo(dstType, src)
	}
	if ex := e.Set(dstLoc, dst); ex != nil {
		e.exception = ex
		return
	}
	e.ip = c.Pos()
}

// execSetR implements `setr <dst>`: copy the appropriate return
// register, chosen by the destination's own type (spec §4.G
// "Return-register copy").
func (e *Environment) execSetR(c *bytecode.Cursor) {
	dstName, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	loc, ex := e.resolveVariable(dstName)
	if ex != nil {
		e.exception = ex
		return
	}
	dst, ex := e.Get(loc)
	if ex != nil {
		e.exception = ex
		return
	}
	dstType := dst.Flags.Type()
	var v value.Value
	if _, isArray := dstType.IsArray(); isArray || dstType == bytecode.Object {
		v = e.retReg
		v.Flags = v.Flags.WithType(dstType)
	} else {
		v = value.CastTo(dstType, e.retReg)
	}
	if ex := e.Set(loc, v); ex != nil {
		e.exception = ex
		return
	}
	e.ip = c.Pos()
}

// execReturn implements the `ret*` family: build the value to return
// into e.retReg, then pop exactly one frame (spec §4.G "Return").
func (e *Environment) execReturn(tag bytecode.Tag, c *bytecode.Cursor) {
	var result value.Value
	switch tag {
	case bytecode.Ret:
		// void; retReg left whatever it was, callers of a void function
		// never read it.
	case bytecode.RetB:
		b, err := c.ReadByte()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		result = value.Uint8(b)
	case bytecode.RetW:
		w, err := c.ReadU16()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		result = value.Uint16(w)
	case bytecode.RetD:
		d, err := c.ReadU32()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		result = value.Uint32(d)
	case bytecode.RetQ:
		q, err := c.ReadU64()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		result = value.Uint64(q)
	case bytecode.RetR4:
		bits, err := c.ReadU32()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		result = value.Float32(f32bits(bits))
	case bytecode.RetR8:
		bits, err := c.ReadU64()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		result = value.Float64(f64bits(bits))
	case bytecode.RetV:
		name, err := c.ReadCString()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		loc, ex := e.resolveVariable(name)
		if ex != nil {
			e.exception = ex
			return
		}
		v, ex := e.Get(loc)
		if ex != nil {
			e.exception = ex
			return
		}
		result = v
	case bytecode.RetR:
		result = e.retReg
	case bytecode.RetO:
		v, ex := e.execSetOValue(c)
		if ex != nil {
			e.exception = ex
			return
		}
		result = v
	}
	if e.exception != nil {
		return
	}
	if tag != bytecode.Ret {
		if e.fn != nil {
			result.Flags = result.Flags.WithType(e.fn.ReturnType)
		}
		e.retReg = result
	}
	e.popFrame()
}

// popFrame restores the caller's sp/bp/ip/class/function from the top
// of e.frames and drops the current scope (spec §4.G "unwinds one
// frame").
func (e *Environment) popFrame() {
	if len(e.frames) == 0 {
		return
	}
	top := e.frames[len(e.frames)-1]
	e.frames = e.frames[:len(e.frames)-1]
	e.sp = top.savedSP
	e.bp = top.savedBase
	e.ip = top.savedIP
	e.class = top.savedClass
	e.fn = top.savedFn
	if len(e.scopes) > 1 {
		e.scopes = e.scopes[:len(e.scopes)-1]
	}
}

// unwindFrame attributes e.exception to the frame currently executing
// (this run() invocation's own function/offset) and pops it, so that
// the trace accumulates one entry per Go-level run() call as the
// exception propagates back up through nested callInterpreted calls
// (spec §7 "stack trace").
func (e *Environment) unwindFrame() *Exception {
	var className, fnName string
	if e.class != nil {
		className = e.class.Name
	}
	if e.fn != nil {
		fnName = e.fn.Simple
	}
	e.exception = e.exception.withTrace(StackFrame{ClassName: className, FunctionName: fnName, Offset: e.ip})
	ex := e.exception
	e.popFrame()
	return ex
}

// execStaticCall implements `static_call <qualname\0> <argcount:u8>
// <args...>` (spec §4.G "Calls").
func (e *Environment) execStaticCall(c *bytecode.Cursor) {
	name, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	fn, class, _, ex := e.resolveFunctionName(name, false)
	if ex != nil {
		e.exception = ex
		return
	}
	argCount, err := c.ReadByte()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	args, ex := e.buildArgs(c, argCount, fn)
	if ex != nil {
		e.exception = ex
		return
	}
	resumeIP := c.Pos()
	if fn.Abstract {
		e.raise(IllegalState, "call to abstract function %q", fn.Qualified)
		return
	}
	e.ip = resumeIP
	if fn.Native {
		e.execCallNative(fn, class, heap.NullOffset, args)
		return
	}
	if exn := e.callInterpreted(fn, class, nil, args); exn != nil {
		e.exception = exn
	}
}

// execDynamicCall implements `dynamic_call <receiver\0> <qualname\0>
// <argcount:u8> <args...>` (spec §4.G "Calls").
func (e *Environment) execDynamicCall(c *bytecode.Cursor) {
	receiverName, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	qualified, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	fn, class, recvLoc, ex := e.resolveFunctionName(receiverName+"."+qualified, true)
	if ex != nil {
		e.exception = ex
		return
	}
	argCount, err := c.ReadByte()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	args, ex := e.buildArgs(c, argCount, fn)
	if ex != nil {
		e.exception = ex
		return
	}
	resumeIP := c.Pos()
	recv, ex := e.Get(recvLoc)
	if ex != nil {
		e.exception = ex
		return
	}
	if recv.IsNull() {
		e.raise(NullDereference, "dynamic call %q on null receiver", qualified)
		return
	}
	receiverOffset := recv.AsRef()
	if fn.Abstract {
		e.raise(IllegalState, "call to abstract function %q", fn.Qualified)
		return
	}
	e.ip = resumeIP
	if fn.Native {
		e.execCallNative(fn, class, receiverOffset, args)
		return
	}
	ro := receiverOffset
	if exn := e.callInterpreted(fn, class, &ro, args); exn != nil {
		e.exception = exn
	}
}

// execCallNative evaluates a native call inline: natives never execute
// VM bytecode, so no frame is pushed on e.frames; on failure the call
// site is attributed directly onto the exception's trace (spec §4.G
// "Calls" step 5, scenario 6 "native link failure").
func (e *Environment) execCallNative(fn *classloader.FunctionDescriptor, class *classloader.ClassDescriptor, receiverOffset int, args []value.Value) {
	if exn := e.callNative(fn, class, receiverOffset, args); exn != nil {
		e.exception = exn.withTrace(StackFrame{ClassName: class.Name, FunctionName: fn.Simple, Offset: -1})
	}
}

// execArith implements the arithmetic/bitwise family: `<op> <dst>
// <src> <arg>` — cast both src and arg to dst's current type, compute,
// store (spec §4.G "Arithmetic and bitwise").
func (e *Environment) execArith(tag bytecode.Tag, c *bytecode.Cursor) {
	dstName, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	srcName, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	op, err := c.ReadOperand()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	dstLoc, ex := e.resolveVariable(dstName)
	if ex != nil {
		e.exception = ex
		return
	}
	srcLoc, ex := e.resolveVariable(srcName)
	if ex != nil {
		e.exception = ex
		return
	}
	dst, ex := e.Get(dstLoc)
	if ex != nil {
		e.exception = ex
		return
	}
	src, ex := e.Get(srcLoc)
	if ex != nil {
		e.exception = ex
		return
	}
	argVal, ex := e.evalOperand(op)
	if ex != nil {
		e.exception = ex
		return
	}
	result, ex := arithCompute(tag, dst.Flags.Type(), src, argVal)
	if ex != nil {
		e.exception = ex
		return
	}
	if ex := e.Set(dstLoc, result); ex != nil {
		e.exception = ex
		return
	}
	e.ip = c.Pos()
}

func arithCompute(op bytecode.Tag, dstType bytecode.Tag, a, b value.Value) (value.Value, *Exception) {
	ac := value.CastTo(dstType, a)
	bc := value.CastTo(dstType, b)

	if dstType == bytecode.Float || dstType == bytecode.Double {
		x, y := value.AsFloat64Generic(ac), value.AsFloat64Generic(bc)
		var r float64
		switch op {
		case bytecode.Add:
			r = x + y
		case bytecode.Sub:
			r = x - y
		case bytecode.Mul:
			r = x * y
		case bytecode.Div:
			r = x / y
		case bytecode.Mod:
			r = math.Mod(x, y)
		default:
			return value.Value{}, newException(VMError, "bitwise operator applied to a floating-point destination")
		}
		return value.CastTo(dstType, value.Float64(r)), nil
	}

	x, y := value.AsInt64Generic(ac), value.AsInt64Generic(bc)
	var r int64
	switch op {
	case bytecode.Add:
		r = x + y
	case bytecode.Sub:
		r = x - y
	case bytecode.Mul:
		r = x * y
	case bytecode.Div:
		if y != 0 {
			r = x / y
		}
	case bytecode.Mod:
		if y != 0 {
			r = x % y
		}
	case bytecode.And:
		r = x & y
	case bytecode.Or:
		r = x | y
	case bytecode.Xor:
		r = x ^ y
	case bytecode.Lsh:
		r = x << uint(y&63)
	case bytecode.Rsh:
		r = x >> uint(y&63)
	}
	return value.CastTo(dstType, value.Int64(r)), nil
}

// execUnary implements `neg/not <dst> <src>` (spec §4.G "Unary").
func (e *Environment) execUnary(tag bytecode.Tag, c *bytecode.Cursor) {
	dstName, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	srcName, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	dstLoc, ex := e.resolveVariable(dstName)
	if ex != nil {
		e.exception = ex
		return
	}
	srcLoc, ex := e.resolveVariable(srcName)
	if ex != nil {
		e.exception = ex
		return
	}
	dst, ex := e.Get(dstLoc)
	if ex != nil {
		e.exception = ex
		return
	}
	src, ex := e.Get(srcLoc)
	if ex != nil {
		e.exception = ex
		return
	}
	dstType := dst.Flags.Type()
	sc := value.CastTo(dstType, src)

	var result value.Value
	if tag == bytecode.NotOp {
		if dstType == bytecode.Float || dstType == bytecode.Double {
			result = value.CastTo(dstType, value.Bool(value.AsFloat64Generic(sc) == 0))
		} else {
			result = value.CastTo(dstType, value.Bool(value.AsInt64Generic(sc) == 0))
		}
	} else {
		if dstType == bytecode.Float || dstType == bytecode.Double {
			result = value.CastTo(dstType, value.Float64(-value.AsFloat64Generic(sc)))
		} else {
			result = value.CastTo(dstType, value.Int64(-value.AsInt64Generic(sc)))
		}
	}
	if ex := e.Set(dstLoc, result); ex != nil {
		e.exception = ex
		return
	}
	e.ip = c.Pos()
}

// execCast implements the explicit `castX <dst\0> <src\0>` family
// (spec §4.G "Cast").
func (e *Environment) execCast(tag bytecode.Tag, c *bytecode.Cursor) {
	dstName, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	srcName, err := c.ReadCString()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	dstLoc, ex := e.resolveVariable(dstName)
	if ex != nil {
		e.exception = ex
		return
	}
	srcLoc, ex := e.resolveVariable(srcName)
	if ex != nil {
		e.exception = ex
		return
	}
	src, ex := e.Get(srcLoc)
	if ex != nil {
		e.exception = ex
		return
	}
	dstType := castDestType(tag)
	result := value.CastTo(dstType, src)
	if ex := e.Set(dstLoc, result); ex != nil {
		e.exception = ex
		return
	}
	e.ip = c.Pos()
}

func castDestType(tag bytecode.Tag) bytecode.Tag {
	switch tag {
	case bytecode.CastC:
		return bytecode.Char
	case bytecode.CastUC:
		return bytecode.UChar
	case bytecode.CastS:
		return bytecode.Short
	case bytecode.CastUS:
		return bytecode.UShort
	case bytecode.CastI:
		return bytecode.Int
	case bytecode.CastUI:
		return bytecode.UInt
	case bytecode.CastQ:
		return bytecode.Long
	case bytecode.CastUQ:
		return bytecode.ULong
	case bytecode.CastB:
		return bytecode.Bool
	case bytecode.CastF:
		return bytecode.Float
	case bytecode.CastD:
		return bytecode.Double
	}
	return bytecode.Noop
}

// execIf implements `if`/`while <compare> <fail-offset>`: on
// compare-false, jump to the linked absolute offset; on compare-true,
// fall through (spec §4.G "Structured control flow").
func (e *Environment) execIf(tag bytecode.Tag, c *bytecode.Cursor) {
	// The fail-branch offset sits between the comparator byte and its
	// operands in the wire format, so read it before the operands.
	cmp, err := c.ReadTag()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	failOffset, err := c.ReadU64()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	truth, ex := e.evalComparisonBody(c, cmp)
	if ex != nil {
		e.exception = ex
		return
	}
	if truth {
		e.ip = c.Pos()
		return
	}
	if failOffset == bytecode.NoOffset {
		e.ip = c.Pos()
		return
	}
	e.ip = int(failOffset)
}

// evalComparisonBody evaluates a comparison whose comparator byte has
// already been consumed (shared by execIf/execElif, which must read
// the fail/cleanup offset positioned between the comparator and its
// operands).
func (e *Environment) evalComparisonBody(c *bytecode.Cursor, cmp bytecode.Tag) (bool, *Exception) {
	op1, err := c.ReadOperand()
	if err != nil {
		return false, newException(BadCommand, "%v", err)
	}
	v1, ex := e.evalOperand(op1)
	if ex != nil {
		return false, ex
	}
	if cmp == bytecode.CmpTruthy {
		if t := v1.Flags.Type(); t == bytecode.Float || t == bytecode.Double {
			return value.AsFloat64Generic(v1) != 0, nil
		}
		return value.AsInt64Generic(v1) != 0, nil
	}
	op2, err := c.ReadOperand()
	if err != nil {
		return false, newException(BadCommand, "%v", err)
	}
	v2, ex := e.evalOperand(op2)
	if ex != nil {
		return false, ex
	}
	isFloat := v1.Flags.Type() == bytecode.Float || v1.Flags.Type() == bytecode.Double ||
		v2.Flags.Type() == bytecode.Float || v2.Flags.Type() == bytecode.Double
	if isFloat {
		x, y := value.AsFloat64Generic(v1), value.AsFloat64Generic(v2)
		return compareFloat(cmp, x, y)
	}
	x, y := value.AsInt64Generic(v1), value.AsInt64Generic(v2)
	return compareInt(cmp, x, y)
}

func compareFloat(cmp bytecode.Tag, x, y float64) (bool, *Exception) {
	switch cmp {
	case bytecode.CmpEq:
		return x == y, nil
	case bytecode.CmpNe:
		return x != y, nil
	case bytecode.CmpLt:
		return x < y, nil
	case bytecode.CmpLe:
		return x <= y, nil
	case bytecode.CmpGt:
		return x > y, nil
	case bytecode.CmpGe:
		return x >= y, nil
	}
	return false, newException(BadCommand, "unknown comparator 0x%02x", byte(cmp))
}

func compareInt(cmp bytecode.Tag, x, y int64) (bool, *Exception) {
	switch cmp {
	case bytecode.CmpEq:
		return x == y, nil
	case bytecode.CmpNe:
		return x != y, nil
	case bytecode.CmpLt:
		return x < y, nil
	case bytecode.CmpLe:
		return x <= y, nil
	case bytecode.CmpGt:
		return x > y, nil
	case bytecode.CmpGe:
		return x >= y, nil
	}
	return false, newException(BadCommand, "unknown comparator 0x%02x", byte(cmp))
}

// execElif implements `elif <cleanup-off> <compare> <fail-off>`. An
// elif is only ever reached by jumping here from the preceding
// if/elif's own fail-offset, so it always evaluates its own
// condition; the leading cleanup offset exists purely for
// disassembly/wire-format symmetry with else/end and carries no
// runtime behavior of its own.
func (e *Environment) execElif(c *bytecode.Cursor) {
	_, err := c.ReadU64() // cleanup offset (unused at runtime, see comment above)
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	cmp, err := c.ReadTag()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	failOffset, err := c.ReadU64()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	truth, ex := e.evalComparisonBody(c, cmp)
	if ex != nil {
		e.exception = ex
		return
	}
	if truth || failOffset == bytecode.NoOffset {
		e.ip = c.Pos()
		return
	}
	e.ip = int(failOffset)
}

// execPush implements `push ret` / `push value <name>` (spec §4.G
// "Push/Pop").
func (e *Environment) execPush(c *bytecode.Cursor) {
	tag, err := c.ReadTag()
	if err != nil {
		e.raise(BadCommand, "%v", err)
		return
	}
	var v value.Value
	switch tag {
	case bytecode.ArgRet:
		v = e.retReg
	case bytecode.ArgValue:
		name, err := c.ReadCString()
		if err != nil {
			e.raise(BadCommand, "%v", err)
			return
		}
		loc, ex := e.resolveVariable(name)
		if ex != nil {
			e.exception = ex
			return
		}
		got, ex := e.Get(loc)
		if ex != nil {
			e.exception = ex
			return
		}
		v = got
	default:
		e.raise(BadCommand, "push: unexpected operand tag 0x%02x", byte(tag))
		return
	}
	if _, ok := e.push(v); !ok {
		return
	}
	e.ip = c.Pos()
}

// execPop implements `pop null`: discard the top scratch slot.
func (e *Environment) execPop(c *bytecode.Cursor) {
	if _, err := c.ReadTag(); err != nil { // the `null` placeholder byte
		e.raise(BadCommand, "%v", err)
		return
	}
	if e.sp <= e.bp {
		e.raise(StackOverflow, "pop: stack pointer would cross the current frame's base")
		return
	}
	e.sp--
	e.ip = c.Pos()
}
