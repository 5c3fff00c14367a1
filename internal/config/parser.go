package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/pulsarengine/stage1/internal/logging"
	"github.com/pulsarengine/stage1/internal/luavm"
)

// Parser represents a Lua config parser.
type Parser struct {
	logger logging.Logger
}

// NewParser creates a new config parser. A nil logger discards output.
func NewParser(logger logging.Logger) *Parser {
	return &Parser{logger: logging.OrNop(logger)}
}

// ParseString parses a Lua config from a string. Omitted fields keep their
// defaults.
func (p *Parser) ParseString(ctx context.Context, luaCode string) (*Config, error) {
	if len(luaCode) > MaxFileSize {
		return nil, &ParseError{
			Message: "config too large",
			Detail:  fmt.Sprintf("%d bytes, maximum is %d", len(luaCode), MaxFileSize),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, ParseTimeout)
	defer cancel()

	L := luavm.NewWithContext(ctx)
	defer L.Close()

	if err := L.DoString(luaCode); err != nil {
		if ctx.Err() != nil {
			return nil, &ParseError{Message: "config evaluation aborted", Detail: err.Error()}
		}
		return nil, &ParseError{
			Message: "Lua syntax error",
			Detail:  err.Error(),
		}
	}

	cfg, err := extractConfig(L)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("config parsed", "domain", cfg.Service.Domain, "filter", cfg.Patches.Filter)
	return cfg, nil
}

// ParseFile parses the config file at path. A missing file yields the
// defaults.
func (p *Parser) ParseFile(ctx context.Context, path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		p.logger.Debug("no config file, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return p.ParseString(ctx, string(data))
}

// ParseError represents a config parsing error with friendly message.
type ParseError struct {
	Message string // User-friendly message
	Detail  string // Technical details (raw Lua error)
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

// extractConfig extracts the config from a Lua state.
// It expects a global "stage1" table; a config without one is all defaults.
func extractConfig(L *lua.LState) (*Config, error) {
	cfg := Default()

	root := L.GetGlobal(luaGlobalStage1)
	switch root.Type() {
	case lua.LTNil:
		return cfg, nil
	case lua.LTTable:
	default:
		return nil, &ParseError{
			Message: "invalid 'stage1' table",
			Detail:  fmt.Sprintf("expected table, got %s", root.Type()),
		}
	}
	table := root.(*lua.LTable)

	steps := []struct {
		field string
		fn    func(*lua.LTable, *Config) error
	}{
		{luaFieldService, extractService},
		{luaFieldPatches, extractPatches},
		{luaFieldLoader, extractLoader},
		{luaFieldHTTP, extractHTTP},
	}
	for _, s := range steps {
		v := table.RawGetString(s.field)
		if v.Type() == lua.LTNil {
			continue
		}
		sub, ok := v.(*lua.LTable)
		if !ok {
			return nil, &ParseError{
				Message: fmt.Sprintf("invalid '%s' section", s.field),
				Detail:  fmt.Sprintf("expected table, got %s", v.Type()),
			}
		}
		if err := s.fn(sub, cfg); err != nil {
			return nil, &ParseError{
				Message: fmt.Sprintf("invalid '%s' section", s.field),
				Detail:  err.Error(),
			}
		}
	}

	if err := optString(table, luaFieldStateDir, &cfg.StateDir); err != nil {
		return nil, &ParseError{Message: "invalid 'state_dir'", Detail: err.Error()}
	}
	if err := optString(table, luaFieldKeyring, &cfg.Keyring); err != nil {
		return nil, &ParseError{Message: "invalid 'keyring'", Detail: err.Error()}
	}

	// Validate the extracted config
	if err := cfg.Validate(); err != nil {
		return nil, &ParseError{
			Message: "config validation failed",
			Detail:  err.Error(),
		}
	}

	return cfg, nil
}

func extractService(t *lua.LTable, cfg *Config) error {
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{luaFieldDomain, &cfg.Service.Domain},
		{luaFieldClient, &cfg.Service.Client},
		{luaFieldGame, &cfg.Service.Game},
	} {
		if err := optString(t, f.name, f.dst); err != nil {
			return err
		}
	}
	return nil
}

func extractPatches(t *lua.LTable, cfg *Config) error {
	switch v := t.RawGetString(luaFieldFilter).(type) {
	case *lua.LNilType:
	case lua.LBool:
		cfg.Patches.Filter = bool(v)
	default:
		return fmt.Errorf("%s: expected boolean, got %s", luaFieldFilter, v.Type())
	}

	v := t.RawGetString(luaFieldLevels)
	if v.Type() == lua.LTNil {
		return nil
	}
	levels, ok := v.(*lua.LTable)
	if !ok {
		return fmt.Errorf("%s: expected table, got %s", luaFieldLevels, v.Type())
	}
	cfg.Patches.Levels = nil
	for i := 1; i <= levels.Len(); i++ {
		s, ok := levels.RawGetInt(i).(lua.LString)
		if !ok {
			return fmt.Errorf("%s[%d]: expected string, got %s", luaFieldLevels, i, levels.RawGetInt(i).Type())
		}
		cfg.Patches.Levels = append(cfg.Patches.Levels, string(s))
	}
	return nil
}

func extractLoader(t *lua.LTable, cfg *Config) error {
	for _, f := range []struct {
		name string
		dst  *uint32
	}{
		{luaFieldLoadBase, &cfg.Loader.LoadBase},
		{luaFieldImageBase, &cfg.Loader.ImageBase},
		{luaFieldImageSize, &cfg.Loader.ImageSize},
	} {
		v := t.RawGetString(f.name)
		if v.Type() == lua.LTNil {
			continue
		}
		n, err := luavm.Uint32(v)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = n
	}
	return nil
}

func extractHTTP(t *lua.LTable, cfg *Config) error {
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{luaFieldTimeout, &cfg.HTTP.Timeout},
		{luaFieldRetryLimit, &cfg.HTTP.Retries},
	} {
		v := t.RawGetString(f.name)
		if v.Type() == lua.LTNil {
			continue
		}
		n, err := luavm.Uint32(v)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = int(n)
	}
	return optString(t, luaFieldUserAgent, &cfg.HTTP.UserAgent)
}

func optString(t *lua.LTable, name string, dst *string) error {
	switch v := t.RawGetString(name).(type) {
	case *lua.LNilType:
	case lua.LString:
		*dst = string(v)
	default:
		return fmt.Errorf("%s: expected string, got %s", name, v.Type())
	}
	return nil
}

// FormatError formats a ParseError for user display.
// In verbose mode, show the raw Lua error. Otherwise, show friendly message.
func FormatError(err error, verbose bool) string {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		if verbose {
			return fmt.Sprintf("%s\n\nDetails:\n%s", parseErr.Message, parseErr.Detail)
		}
		// Extract the most relevant part of the error
		detail := parseErr.Detail
		if idx := strings.Index(detail, "stack traceback"); idx > 0 {
			detail = strings.TrimSpace(detail[:idx])
		}
		return fmt.Sprintf("%s: %s", parseErr.Message, detail)
	}
	return err.Error()
}
