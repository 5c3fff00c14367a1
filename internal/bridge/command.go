package bridge

import (
	"fmt"

	"github.com/pulsarengine/stage1/internal/envelope"
	lua "github.com/yuin/gopher-lua"
)

// Function identifies a dispatcher entry.
type Function int32

const (
	FuncApplyPatch Function = 0
	FuncGetValue   Function = 1
	FuncSetValue   Function = 2
)

func (f Function) String() string {
	switch f {
	case FuncApplyPatch:
		return "APPLY_PATCH"
	case FuncGetValue:
		return "GET_VALUE"
	case FuncSetValue:
		return "SET_VALUE"
	default:
		return fmt.Sprintf("FUNCTION(%d)", int32(f))
	}
}

// Key names a payload value.
type Key int32

const (
	KeyEnableAggressivePacketChecks Key = 0
	KeyMKWEnableEventItemIDCheck    Key = 1
	KeyMKWEnableUltraUncut          Key = 2
)

func (k Key) String() string {
	switch k {
	case KeyEnableAggressivePacketChecks:
		return "EnableAggressivePacketChecks"
	case KeyMKWEnableEventItemIDCheck:
		return "MKWEnableEventItemIDCheck"
	case KeyMKWEnableUltraUncut:
		return "MKWEnableUltraUncut"
	default:
		return fmt.Sprintf("Key(%d)", int32(k))
	}
}

// Boolean values understood by the payload. Reset restores its default.
const (
	False int32 = 0
	True  int32 = 1
	Reset int32 = 2
)

// Command is one call into the payload dispatcher. The set is closed.
type Command interface {
	Function() Function
	args(L *lua.LState) []lua.LValue
}

// ApplyPatch asks the payload to apply a patch record.
type ApplyPatch struct {
	Patch envelope.Patch
}

// Function returns FuncApplyPatch.
func (ApplyPatch) Function() Function { return FuncApplyPatch }

func (c ApplyPatch) args(L *lua.LState) []lua.LValue {
	return []lua.LValue{patchTable(L, c.Patch)}
}

// GetValue reads a payload value. Unknown keys yield -1.
type GetValue struct {
	Key Key
}

// Function returns FuncGetValue.
func (GetValue) Function() Function { return FuncGetValue }

func (c GetValue) args(*lua.LState) []lua.LValue {
	return []lua.LValue{lua.LNumber(c.Key)}
}

// SetValue writes a payload value. The payload answers 0, or -1 on failure.
type SetValue struct {
	Key   Key
	Value int32
}

// Function returns FuncSetValue.
func (SetValue) Function() Function { return FuncSetValue }

func (c SetValue) args(*lua.LState) []lua.LValue {
	return []lua.LValue{lua.LNumber(c.Key), lua.LNumber(c.Value)}
}
