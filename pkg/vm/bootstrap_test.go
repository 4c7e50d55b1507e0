package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kristofer/lsvm/pkg/bytecode"
)

// stdioFixture builds a registry with its three standard streams
// redirected to in-memory buffers/readers, for exercising the stdio
// natives without touching the real process stdio.
func stdioFixture(t *testing.T, stdin string) (*Registry, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errBuf bytes.Buffer
	reader := strings.NewReader(stdin)
	reg, err := New(WithStdio(Streams{
		WriteStdout: out.Write,
		WriteStderr: errBuf.Write,
		ReadStdin:   reader.Read,
		ReadCharStdin: func() (byte, error) {
			var b [1]byte
			_, err := reader.Read(b[:])
			return b[0], err
		},
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg, &out, &errBuf
}

func stdoutReceiver(t *testing.T, reg *Registry) int {
	t.Helper()
	systemClass, ok := reg.GetClass(systemClassName)
	if !ok {
		t.Fatalf("System not bootstrapped")
	}
	v, ok := systemClass.StaticField("stdout")
	if !ok || v.IsNull() {
		t.Fatalf("System.stdout not wired")
	}
	return v.AsRef()
}

func stdinReceiver(t *testing.T, reg *Registry) int {
	t.Helper()
	systemClass, ok := reg.GetClass(systemClassName)
	if !ok {
		t.Fatalf("System not bootstrapped")
	}
	v, ok := systemClass.StaticField("stdin")
	if !ok || v.IsNull() {
		t.Fatalf("System.stdin not wired")
	}
	return v.AsRef()
}

func TestNativeFileWriteRoutesThroughSystemStdout(t *testing.T) {
	reg, out, _ := stdioFixture(t, "")
	receiver := stdoutReceiver(t, reg)

	arr, err := reg.Manager().AllocArray(bytecode.Char, 5)
	if err != nil {
		t.Fatalf("AllocArray: %v", err)
	}
	copy(reg.Heap().At(arr.Offset)[arrayPayloadHeader:], "hello")

	argBuffer := []uintptr{0, 0, uintptr(receiver), uintptr(arr.Offset), 0, 5}
	n, err := reg.nativeFileWrite(argBuffer)
	if err != nil {
		t.Fatalf("nativeFileWrite: %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}
	if out.String() != "hello" {
		t.Errorf("stdout = %q, want %q", out.String(), "hello")
	}
}

func TestNativeFileWriteRejectsInputHandle(t *testing.T) {
	reg, _, _ := stdioFixture(t, "")
	receiver := stdinReceiver(t, reg)

	arr, err := reg.Manager().AllocArray(bytecode.Char, 1)
	if err != nil {
		t.Fatalf("AllocArray: %v", err)
	}
	argBuffer := []uintptr{0, 0, uintptr(receiver), uintptr(arr.Offset), 0, 1}
	if _, err := reg.nativeFileWrite(argBuffer); err == nil {
		t.Errorf("expected an error writing through the stdin handle")
	}
}

func TestNativeFileReadLineStopsAtNewline(t *testing.T) {
	reg, _, _ := stdioFixture(t, "hi there\nmore\n")
	receiver := stdinReceiver(t, reg)

	argBuffer := []uintptr{0, 0, uintptr(receiver)}
	off, err := reg.nativeFileReadLine(argBuffer)
	if err != nil {
		t.Fatalf("nativeFileReadLine: %v", err)
	}
	payload := reg.Heap().At(int(off))
	got := string(payload[arrayPayloadHeader : arrayPayloadHeader+len("hi there")])
	if got != "hi there" {
		t.Errorf("readLine = %q, want %q", got, "hi there")
	}
}

func TestNativeFileReadFillsBuffer(t *testing.T) {
	reg, _, _ := stdioFixture(t, "abcde")
	receiver := stdinReceiver(t, reg)

	arr, err := reg.Manager().AllocArray(bytecode.Char, 5)
	if err != nil {
		t.Fatalf("AllocArray: %v", err)
	}
	argBuffer := []uintptr{0, 0, uintptr(receiver), uintptr(arr.Offset), 0, 5}
	n, err := reg.nativeFileRead(argBuffer)
	if err != nil {
		t.Fatalf("nativeFileRead: %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}
	got := string(reg.Heap().At(arr.Offset)[arrayPayloadHeader : arrayPayloadHeader+5])
	if got != "abcde" {
		t.Errorf("buf = %q, want %q", got, "abcde")
	}
}
