package config

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Generator generates Lua configuration code from Go structs.
type Generator struct {
	indent string // Indentation string (default: two spaces)
	now    func() time.Time
}

// NewGenerator creates a new Lua config generator.
func NewGenerator() *Generator {
	return &Generator{
		indent: "  ", // Two spaces
		now:    time.Now,
	}
}

// Generate generates Lua code from a Config struct.
// The output is formatted, human-readable and parses back to the same Config.
func (g *Generator) Generate(config *Config) (string, error) {
	if err := config.Validate(); err != nil {
		return "", err
	}

	var buf bytes.Buffer

	buf.WriteString("-- stage1 configuration\n")
	buf.WriteString("-- Generated: ")
	buf.WriteString(g.now().UTC().Format(time.RFC3339))
	buf.WriteString("\n\n")

	buf.WriteString("stage1 = {\n")

	g.section(&buf, luaFieldService, func() {
		g.field(&buf, luaFieldDomain, g.quoteLuaString(config.Service.Domain))
		g.field(&buf, luaFieldClient, g.quoteLuaString(config.Service.Client))
		g.field(&buf, luaFieldGame, g.quoteLuaString(config.Service.Game))
	})

	g.section(&buf, luaFieldPatches, func() {
		g.field(&buf, luaFieldFilter, fmt.Sprintf("%t", config.Patches.Filter))
		levels := make([]string, len(config.Patches.Levels))
		for i, l := range config.Patches.Levels {
			levels[i] = g.quoteLuaString(l)
		}
		g.field(&buf, luaFieldLevels, "{ "+strings.Join(levels, ", ")+" }")
	})

	g.section(&buf, luaFieldLoader, func() {
		g.field(&buf, luaFieldLoadBase, fmt.Sprintf("0x%08X", config.Loader.LoadBase))
		g.field(&buf, luaFieldImageBase, fmt.Sprintf("0x%08X", config.Loader.ImageBase))
		g.field(&buf, luaFieldImageSize, fmt.Sprintf("0x%X", config.Loader.ImageSize))
	})

	g.section(&buf, luaFieldHTTP, func() {
		g.field(&buf, luaFieldTimeout, fmt.Sprintf("%d", config.HTTP.Timeout))
		g.field(&buf, luaFieldUserAgent, g.quoteLuaString(config.HTTP.UserAgent))
		g.field(&buf, luaFieldRetryLimit, fmt.Sprintf("%d", config.HTTP.Retries))
	})

	buf.WriteString(g.indent)
	buf.WriteString(luaFieldStateDir + " = " + g.quoteLuaString(config.StateDir) + ",\n")
	if config.Keyring != "" {
		buf.WriteString(g.indent)
		buf.WriteString(luaFieldKeyring + " = " + g.quoteLuaString(config.Keyring) + ",\n")
	}

	buf.WriteString("}\n")

	return buf.String(), nil
}

func (g *Generator) section(buf *bytes.Buffer, name string, body func()) {
	buf.WriteString(g.indent)
	buf.WriteString(name)
	buf.WriteString(" = {\n")
	body()
	buf.WriteString(g.indent)
	buf.WriteString("},\n")
}

func (g *Generator) field(buf *bytes.Buffer, name, value string) {
	buf.WriteString(g.indent)
	buf.WriteString(g.indent)
	buf.WriteString(name)
	buf.WriteString(" = ")
	buf.WriteString(value)
	buf.WriteString(",\n")
}

// quoteLuaString quotes a string for Lua, handling special characters.
func (g *Generator) quoteLuaString(s string) string {
	// Use double quotes and escape special characters
	s = strings.ReplaceAll(s, "\\", "\\\\") // Escape backslashes first
	s = strings.ReplaceAll(s, "\"", "\\\"") // Escape double quotes
	s = strings.ReplaceAll(s, "\n", "\\n")  // Escape newlines
	s = strings.ReplaceAll(s, "\r", "\\r")  // Escape carriage returns
	s = strings.ReplaceAll(s, "\t", "\\t")  // Escape tabs
	return "\"" + s + "\""
}
