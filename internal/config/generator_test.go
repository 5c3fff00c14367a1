package config

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"
)

func fixedGenerator() *Generator {
	g := NewGenerator()
	g.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return g
}

func TestGenerator_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"defaults", func(*Config) {}},
		{"filtered", func(c *Config) {
			c.Patches.Filter = true
			c.Patches.Levels = []string{"critical", "parity"}
		}},
		{"no levels", func(c *Config) { c.Patches.Levels = nil }},
		{"custom service", func(c *Config) {
			c.Service = Service{Domain: "payload.example.org", Client: "ctgp", Game: "RMCKD00"}
			c.Loader.LoadBase = 0x80003000
			c.HTTP = HTTP{Timeout: 120, UserAgent: `pulsar "beta" \ 1`, Retries: 0}
			c.StateDir = "/tmp/stage1 state"
			c.Keyring = "/etc/stage1/key.asc"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			code, err := fixedGenerator().Generate(cfg)
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}

			got, err := NewParser(nil).ParseString(context.Background(), code)
			if err != nil {
				t.Fatalf("ParseString() error = %v\n%s", err, code)
			}
			if len(cfg.Patches.Levels) == 0 {
				cfg.Patches.Levels = nil
			}
			if !reflect.DeepEqual(got, cfg) {
				t.Errorf("round trip = %+v\nwant %+v\n%s", got, cfg, code)
			}
		})
	}
}

func TestGenerator_Header(t *testing.T) {
	code, err := fixedGenerator().Generate(Default())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(code, "-- stage1 configuration\n-- Generated: 2026-03-01T12:00:00Z\n") {
		t.Errorf("header = %q", code[:60])
	}
	if !strings.Contains(code, "load_base = 0x80001800,") {
		t.Errorf("load_base not written as hex:\n%s", code)
	}
	if strings.Contains(code, "keyring") {
		t.Error("empty keyring written")
	}
}

func TestGenerator_RejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.HTTP.Timeout = 0
	if _, err := fixedGenerator().Generate(cfg); err == nil {
		t.Error("expected validation error")
	}
}

func TestQuoteLuaString(t *testing.T) {
	g := NewGenerator()
	tests := []struct {
		in, want string
	}{
		{"plain", `"plain"`},
		{`back\slash`, `"back\\slash"`},
		{`say "hi"`, `"say \"hi\""`},
		{"tab\there", `"tab\there"`},
	}
	for _, tt := range tests {
		if got := g.quoteLuaString(tt.in); got != tt.want {
			t.Errorf("quoteLuaString(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
