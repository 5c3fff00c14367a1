// Package luavm creates the sandboxed gopher-lua states used for config
// files and payload code.
package luavm

import (
	"context"
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// Sandbox configures a Lua VM to run in a restricted sandbox.
// This disables functions that could:
// - Execute system commands (os.execute, os.exit)
// - Access the filesystem (io.open, io.popen)
// - Load external code (require, module, package, dofile, loadfile, load, loadstring)
//
// The string, table and math libraries and the basic functions are kept.
func Sandbox(L *lua.LState) {
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)

	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("module", lua.LNil)
	// package.loaders reads chunks from package.path and package.loaded
	// still holds os and io
	L.SetGlobal("package", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)

	// debug could be used to bypass the sandbox
	L.SetGlobal("debug", lua.LNil)
}

// New creates a new Lua VM with sandboxing applied.
func New() *lua.LState {
	L := lua.NewState()
	Sandbox(L)
	return L
}

// NewWithContext creates a sandboxed VM that stops running when ctx is done.
func NewWithContext(ctx context.Context) *lua.LState {
	L := New()
	L.SetContext(ctx)
	return L
}

// Uint32 converts a Lua number holding an address or word.
func Uint32(v lua.LValue) (uint32, error) {
	n, ok := v.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("expected number, got %s", v.Type())
	}
	f := float64(n)
	if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not a 32-bit unsigned integer", f)
	}
	return uint32(f), nil
}

// Int32 converts a Lua result value. nil converts to 0.
func Int32(v lua.LValue) (int32, error) {
	switch v := v.(type) {
	case *lua.LNilType:
		return 0, nil
	case lua.LNumber:
		f := float64(v)
		if f < math.MinInt32 || f > math.MaxInt32 || f != math.Trunc(f) {
			return 0, fmt.Errorf("%v is not a 32-bit integer", f)
		}
		return int32(f), nil
	default:
		return 0, fmt.Errorf("expected number, got %s", v.Type())
	}
}
