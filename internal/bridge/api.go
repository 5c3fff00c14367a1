package bridge

import (
	"fmt"

	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/luavm"
	"github.com/pulsarengine/stage1/internal/patch"
	lua "github.com/yuin/gopher-lua"
)

// memory reads the payload block by absolute address.
type memory struct {
	env  *envelope.Envelope
	base uint32
}

func (m memory) Read(addr, n uint32) ([]byte, error) {
	if addr < m.base {
		return nil, fmt.Errorf("%w: %#08x below load base %#08x", patch.ErrAddress, addr, m.base)
	}
	b, err := m.env.Slice(addr-m.base, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// install publishes the payload and host tables.
func (p *Payload) install(opts Options) error {
	L := p.L
	mem := memory{env: p.env, base: p.base}

	patches, err := p.env.Patches()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}

	pt := L.NewTable()
	L.SetField(pt, "name", lua.LString(p.info.Name))
	L.SetField(pt, "version", lua.LNumber(p.info.Version))
	L.SetField(pt, "format_version", lua.LNumber(p.info.FormatVersion))
	L.SetField(pt, "build_timestamp", lua.LString(p.info.BuildTimestamp))
	L.SetField(pt, "load_base", lua.LNumber(p.base))

	got := L.NewTable()
	for _, v := range p.got {
		got.Append(lua.LNumber(v))
	}
	L.SetField(pt, "got", got)

	list := L.NewTable()
	for _, rec := range patches {
		list.Append(patchTable(L, rec))
	}
	L.SetField(pt, "patches", list)

	L.SetField(pt, "read", L.NewFunction(func(L *lua.LState) int {
		addr, err := luavm.Uint32(L.CheckAny(1))
		if err != nil {
			L.ArgError(1, err.Error())
		}
		n, err := luavm.Uint32(L.CheckAny(2))
		if err != nil {
			L.ArgError(2, err.Error())
		}
		b, err := mem.Read(addr, n)
		if err != nil {
			L.RaiseError("read: %v", err)
		}
		L.Push(lua.LString(b))
		return 1
	}))
	L.SetGlobal("payload", pt)

	patcher := &patch.Patcher{Target: opts.Target, Policy: opts.Policy}
	host := L.NewTable()
	L.SetField(host, "apply", L.NewFunction(func(L *lua.LState) int {
		rec, err := tablePatch(L.CheckTable(1))
		if err != nil {
			L.ArgError(1, err.Error())
		}
		if patcher.Target == nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString("no patch target"))
			return 2
		}
		if err := patcher.Apply(rec, mem); err != nil {
			p.logger.Debug("patch not applied", "address", fmt.Sprintf("%#08x", rec.Address), "type", rec.Type, "error", err)
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))
	L.SetField(host, "log", L.NewFunction(func(L *lua.LState) int {
		p.logger.Info(L.CheckString(1), "payload", p.info.Name)
		return 0
	}))
	L.SetGlobal("host", host)
	return nil
}

func patchTable(L *lua.LState, rec envelope.Patch) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "level", lua.LNumber(rec.Level))
	L.SetField(t, "type", lua.LNumber(rec.Type))
	L.SetField(t, "address", lua.LNumber(rec.Address))
	L.SetField(t, "arg0", lua.LNumber(rec.Arg0))
	L.SetField(t, "arg1", lua.LNumber(rec.Arg1))
	return t
}

func tablePatch(t *lua.LTable) (envelope.Patch, error) {
	var rec envelope.Patch
	fields := []struct {
		name string
		dst  *uint32
	}{
		{"address", &rec.Address},
		{"arg0", &rec.Arg0},
		{"arg1", &rec.Arg1},
	}
	for _, f := range fields {
		v, err := luavm.Uint32(t.RawGetString(f.name))
		if err != nil {
			return rec, fmt.Errorf("patch.%s: %v", f.name, err)
		}
		*f.dst = v
	}
	level, err := luavm.Uint32(t.RawGetString("level"))
	if err != nil || level > 0xFF {
		return rec, fmt.Errorf("patch.level: invalid")
	}
	typ, err := luavm.Uint32(t.RawGetString("type"))
	if err != nil || typ > 0xFF {
		return rec, fmt.Errorf("patch.type: invalid")
	}
	rec.Level = envelope.Level(level)
	rec.Type = envelope.Type(typ)
	return rec, nil
}
