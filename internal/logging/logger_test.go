package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		kv   []interface{}
		want string
	}{
		{"no pairs", "fetch started", nil, "fetch started"},
		{"pairs", "fetch done", []interface{}{"result", 0, "bytes", 512}, "fetch done result=0 bytes=512"},
		{"odd pairs", "oops", []interface{}{"key"}, "oops key=MISSING"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := format(tt.msg, tt.kv); got != tt.want {
				t.Errorf("format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGologmeLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewGologme(&buf, "stage1 ", false)
	l.Debug("hidden debug")
	l.Info("shown info", "attempt", "a1")
	l.Warn("shown warn")
	l.Error("shown error")

	out := buf.String()
	if strings.Contains(out, "hidden debug") {
		t.Error("debug message logged without verbose")
	}
	for _, want := range []string{"shown info attempt=a1", "shown warn", "shown error"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	NewGologme(&buf, "", true).Debug("visible debug")
	if !strings.Contains(buf.String(), "visible debug") {
		t.Errorf("verbose logger dropped debug message: %q", buf.String())
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	OrNop(nil).Info("ignored", "k", "v")

	l := Nop()
	if OrNop(l) != l {
		t.Error("OrNop replaced a non-nil logger")
	}
}
