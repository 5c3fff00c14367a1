package config

import "time"

// Lua schema field names and globals
const (
	luaGlobalStage1    = "stage1"
	luaFieldService    = "service"
	luaFieldDomain     = "domain"
	luaFieldClient     = "client"
	luaFieldGame       = "game"
	luaFieldPatches    = "patches"
	luaFieldFilter     = "filter"
	luaFieldLevels     = "levels"
	luaFieldLoader     = "loader"
	luaFieldLoadBase   = "load_base"
	luaFieldImageBase  = "image_base"
	luaFieldImageSize  = "image_size"
	luaFieldHTTP       = "http"
	luaFieldTimeout    = "timeout"
	luaFieldUserAgent  = "user_agent"
	luaFieldStateDir   = "state_dir"
	luaFieldKeyring    = "keyring"
	luaFieldRetryLimit = "retries"
)

const (
	// FileName is the config file name inside the config directory.
	FileName = "stage1.lua"

	// MaxFileSize bounds the size of a config file.
	MaxFileSize = 1 << 20

	// ParseTimeout bounds how long a config chunk may run.
	ParseTimeout = 5 * time.Second

	// MaxTimeout is the largest accepted http.timeout in seconds.
	MaxTimeout = 600

	// MaxRetries is the largest accepted http.retries.
	MaxRetries = 100

	// DefaultDir is the config and state directory when no override is set.
	DefaultDir = "~/.config/stage1"

	// EnvConfigDir overrides the directory holding FileName.
	EnvConfigDir = "STAGE1_CONFIG_DIR"

	// EnvStateDir overrides state_dir.
	EnvStateDir = "STAGE1_STATE_DIR"
)
