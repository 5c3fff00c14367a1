// Package config parses and generates the stage1 Lua configuration.
//
// # Overview
//
// The config file is a Lua chunk that assigns a global "stage1" table:
//
//	stage1 = {
//	  service = { domain = "nas.wiilink24.com", client = "pulsar2", game = "RMCPD00" },
//	  patches = { filter = false, levels = { "bugfix", "support" } },
//	  loader  = { load_base = 0x80001800, image_base = 0x80000000, image_size = 0x800000 },
//	  http    = { timeout = 30, user_agent = "stage1/1.0", retries = 3 },
//	  state_dir = "~/.config/stage1",
//	}
//
// Every field is optional. Omitted fields keep the values from Default, and a
// missing file is the same as an empty one.
//
// # Security Model
//
// The chunk runs in the luavm sandbox: no os, io, require, load or debug.
// Evaluation is bounded by ParseTimeout and the file by MaxFileSize.
//
// # Environment
//
// STAGE1_CONFIG_DIR replaces the directory holding stage1.lua and
// STAGE1_STATE_DIR replaces state_dir.
//
// # Usage
//
//	parser := config.NewParser(logger)
//	path, _ := config.Path()
//	cfg, err := parser.ParseFile(ctx, path)
//	if err != nil {
//	    fmt.Fprintln(os.Stderr, config.FormatError(err, verbose))
//	}
//
// NewGenerator().Generate writes a Config back as Lua, which is how the CLI
// creates the initial file.
package config
