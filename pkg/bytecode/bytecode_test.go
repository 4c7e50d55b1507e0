package bytecode

import "testing"

func TestQualifiedNameRoundTrip(t *testing.T) {
	cases := []struct {
		simple     string
		argTags    []Tag
		argClasses []string
		want       string
	}{
		{"main", []Tag{ObjectArray}, []string{"lscript.lang.String"}, "main([Llscript.lang.String;"},
		{"add", []Tag{Int, Int}, []string{"", ""}, "add(II"},
		{"f", nil, nil, "f("},
		{"set", []Tag{Object}, []string{"Point"}, "set(LPoint;"},
	}
	for _, tc := range cases {
		got := QualifiedName(tc.simple, tc.argTags, tc.argClasses)
		if got != tc.want {
			t.Errorf("QualifiedName(%q, %v) = %q, want %q", tc.simple, tc.argTags, got, tc.want)
		}
	}
}

func TestSafeName(t *testing.T) {
	if got := SafeName("lscript.lang.System"); got != "lscript_lang_System" {
		t.Errorf("SafeName = %q", got)
	}
}

func TestNativeSymbol(t *testing.T) {
	if got := NativeSymbol("lscript_lang_System", "currentTimeMillis"); got != "lscript_lang_System_currentTimeMillis" {
		t.Errorf("NativeSymbol = %q", got)
	}
}

func TestCursorReadCString(t *testing.T) {
	buf := append([]byte("Hello\x00"), 0x42)
	c := NewCursor(buf, 0)
	s, err := c.ReadCString()
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if s != "Hello" {
		t.Errorf("got %q", s)
	}
	b, err := c.ReadByte()
	if err != nil || b != 0x42 {
		t.Errorf("got %v, %v", b, err)
	}
}

func TestCursorTruncated(t *testing.T) {
	c := NewCursor([]byte{0x01, 0x02}, 0)
	if _, err := c.ReadU32(); err == nil {
		t.Fatalf("expected truncation error")
	}
}
