// Package vm implements components E-H: the class registry, the
// per-thread execution environment, the interpreter dispatch loop, and
// the native call bridge (spec §2, §4.E-§4.H).
package vm

import (
	"fmt"
	"strings"
)

// Kind identifies one of the exception categories the environment's
// exception field can carry (spec §7 "Error Handling Design").
type Kind string

const (
	OutOfMemory      Kind = "OUT_OF_MEMORY"
	StackOverflow    Kind = "STACK_OVERFLOW"
	BadCommand       Kind = "BAD_COMMAND"
	VMError          Kind = "VM_ERROR"
	IllegalState     Kind = "ILLEGAL_STATE"
	ClassNotFound    Kind = "CLASS_NOT_FOUND"
	FunctionNotFound Kind = "FUNCTION_NOT_FOUND"
	FieldNotFound    Kind = "FIELD_NOT_FOUND"
	NullDereference  Kind = "NULL_DEREFERENCE"
	BadVariableName  Kind = "BAD_VARIABLE_NAME"
	BadArrayIndex    Kind = "BAD_ARRAY_INDEX"
	LinkError        Kind = "LINK_ERROR"
)

// StackFrame records one call on the exception's frame-by-frame trace:
// the function where execution was, and its offset within that
// function's class' bytecode at the moment the frame was captured.
type StackFrame struct {
	ClassName    string
	FunctionName string
	Offset       int
}

// Exception is the environment's exception field (spec §3 "Environment"
// — "exception code, exception message buffer"). Once set, every
// interpreter sub-operation checks it and unwinds without running
// further instructions; it is never used for bytecode-visible
// try/catch (spec §7 "the VM does not have try/catch within bytecode").
type Exception struct {
	Kind    Kind
	Message string
	Trace   []StackFrame
}

// Error implements the error interface, formatting the exception kind,
// message, and a frame-by-frame stack trace exactly as the host routine
// is required to print it (spec §7 "User-visible failure").
func (e *Exception) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Kind)
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if len(e.Trace) > 0 {
		b.WriteString("\n\nStack trace:")
		for i := len(e.Trace) - 1; i >= 0; i-- {
			f := e.Trace[i]
			fmt.Fprintf(&b, "\n  at %s.%s [offset %d]", f.ClassName, f.FunctionName, f.Offset)
		}
	}
	return b.String()
}

func newException(kind Kind, format string, args ...interface{}) *Exception {
	return &Exception{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// withTrace returns a copy of e with frame appended to its trace,
// called as the dispatch loop unwinds through each frame on its way
// back to the call that started execution.
func (e *Exception) withTrace(frame StackFrame) *Exception {
	next := *e
	next.Trace = append(append([]StackFrame(nil), e.Trace...), frame)
	return &next
}
