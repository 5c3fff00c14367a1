package service

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/luavm"
)

// Manifest describes a payload to pack. It is read from a Lua file that
// assigns a global "manifest" table:
//
//	manifest = {
//	  name = "Pulsar",
//	  version = 0x0203,
//	  entry = "entry.lua",
//	  exec = "exec.lua",
//	  data = "data.bin",
//	  got = { 0x00, 0x10 },
//	  fixups = { 0x20 },
//	  patches = {
//	    { level = "critical", type = "branch", address = 0x80004000, arg0 = 0x80001900 },
//	  },
//	}
//
// File names are relative to the manifest. GOT entries and fixup positions
// are offsets into data; packing turns them into block offsets, and the
// word at each fixup position is an offset into data as well.
type Manifest struct {
	Name    string
	Version uint32

	Entry      string
	EntryNoGOT string
	Exec       string
	Data       []byte

	GOT     []uint32
	Fixups  []uint32
	Patches []envelope.Patch
}

// ManifestError reports a problem in a manifest file.
type ManifestError struct {
	Field   string
	Message string
}

func (e *ManifestError) Error() string {
	if e.Field == "" {
		return "manifest: " + e.Message
	}
	return "manifest " + e.Field + ": " + e.Message
}

// LoadManifest evaluates the manifest at path and reads the files it names.
func LoadManifest(ctx context.Context, path string) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(ctx, string(src), os.DirFS(filepath.Dir(path)))
}

// ParseManifest evaluates src and reads named files from dir.
func ParseManifest(ctx context.Context, src string, dir fs.FS) (*Manifest, error) {
	L := luavm.NewWithContext(ctx)
	defer L.Close()

	if err := L.DoString(src); err != nil {
		return nil, &ManifestError{Message: err.Error()}
	}
	t, ok := L.GetGlobal("manifest").(*lua.LTable)
	if !ok {
		return nil, &ManifestError{Message: "missing 'manifest' table"}
	}

	m := &Manifest{}
	var err error
	if m.Name, err = stringField(t, "name", true); err != nil {
		return nil, err
	}
	if m.Version, err = wordField(t, "version"); err != nil {
		return nil, err
	}

	chunks := []struct {
		field string
		dst   *string
	}{
		{"entry", &m.Entry},
		{"entry_no_got", &m.EntryNoGOT},
		{"exec", &m.Exec},
	}
	for _, c := range chunks {
		name, err := stringField(t, c.field, false)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}
		b, err := readFile(dir, c.field, name)
		if err != nil {
			return nil, err
		}
		if strings.IndexByte(string(b), 0) >= 0 {
			return nil, &ManifestError{Field: c.field, Message: "chunk contains a NUL byte"}
		}
		*c.dst = string(b)
	}
	if m.Exec == "" {
		return nil, &ManifestError{Field: "exec", Message: "required"}
	}
	if m.Entry == "" && m.EntryNoGOT == "" {
		return nil, &ManifestError{Field: "entry", Message: "entry or entry_no_got is required"}
	}

	if name, err := stringField(t, "data", false); err != nil {
		return nil, err
	} else if name != "" {
		if m.Data, err = readFile(dir, "data", name); err != nil {
			return nil, err
		}
	}

	if m.GOT, err = wordList(t, "got"); err != nil {
		return nil, err
	}
	if m.Fixups, err = wordList(t, "fixups"); err != nil {
		return nil, err
	}
	if m.Patches, err = patchList(t); err != nil {
		return nil, err
	}
	return m, nil
}

func readFile(dir fs.FS, field, name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, &ManifestError{Field: field, Message: fmt.Sprintf("%q must be a relative path inside the manifest directory", name)}
	}
	b, err := fs.ReadFile(dir, name)
	if err != nil {
		return nil, &ManifestError{Field: field, Message: err.Error()}
	}
	return b, nil
}

func stringField(t *lua.LTable, name string, required bool) (string, error) {
	switch v := t.RawGetString(name).(type) {
	case lua.LString:
		return string(v), nil
	case *lua.LNilType:
		if required {
			return "", &ManifestError{Field: name, Message: "required"}
		}
		return "", nil
	default:
		return "", &ManifestError{Field: name, Message: "expected string, got " + v.Type().String()}
	}
}

func wordField(t *lua.LTable, name string) (uint32, error) {
	v := t.RawGetString(name)
	if v.Type() == lua.LTNil {
		return 0, nil
	}
	n, err := luavm.Uint32(v)
	if err != nil {
		return 0, &ManifestError{Field: name, Message: err.Error()}
	}
	return n, nil
}

func wordList(t *lua.LTable, name string) ([]uint32, error) {
	v := t.RawGetString(name)
	if v.Type() == lua.LTNil {
		return nil, nil
	}
	list, ok := v.(*lua.LTable)
	if !ok {
		return nil, &ManifestError{Field: name, Message: "expected table, got " + v.Type().String()}
	}
	out := make([]uint32, 0, list.Len())
	for i := 1; i <= list.Len(); i++ {
		n, err := luavm.Uint32(list.RawGetInt(i))
		if err != nil {
			return nil, &ManifestError{Field: fmt.Sprintf("%s[%d]", name, i), Message: err.Error()}
		}
		out = append(out, n)
	}
	return out, nil
}

func patchList(t *lua.LTable) ([]envelope.Patch, error) {
	v := t.RawGetString("patches")
	if v.Type() == lua.LTNil {
		return nil, nil
	}
	list, ok := v.(*lua.LTable)
	if !ok {
		return nil, &ManifestError{Field: "patches", Message: "expected table, got " + v.Type().String()}
	}

	var out []envelope.Patch
	for i := 1; i <= list.Len(); i++ {
		field := fmt.Sprintf("patches[%d]", i)
		rec, ok := list.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, &ManifestError{Field: field, Message: "expected table"}
		}

		var p envelope.Patch
		level, err := stringField(rec, "level", false)
		if err != nil {
			return nil, &ManifestError{Field: field, Message: err.Error()}
		}
		if level != "" {
			if p.Level, err = envelope.ParseLevel(level); err != nil {
				return nil, &ManifestError{Field: field, Message: err.Error()}
			}
		}
		typ, err := stringField(rec, "type", true)
		if err != nil {
			return nil, &ManifestError{Field: field, Message: err.Error()}
		}
		if p.Type, err = envelope.ParseType(typ); err != nil {
			return nil, &ManifestError{Field: field, Message: err.Error()}
		}
		for _, w := range []struct {
			name string
			dst  *uint32
		}{
			{"address", &p.Address},
			{"arg0", &p.Arg0},
			{"arg1", &p.Arg1},
		} {
			if *w.dst, err = wordField(rec, w.name); err != nil {
				return nil, &ManifestError{Field: field, Message: err.Error()}
			}
		}
		out = append(out, p)
	}
	return out, nil
}
