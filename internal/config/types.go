package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pulsarengine/stage1/internal/bridge"
	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/fetch"
	"github.com/pulsarengine/stage1/internal/patch"
	"github.com/pulsarengine/stage1/internal/request"
)

// Config represents the complete stage1 configuration.
type Config struct {
	Service  Service
	Patches  Patches
	Loader   Loader
	HTTP     HTTP
	StateDir string
	// Keyring is an armored public key file replacing the built-in key.
	Keyring string
}

// Service selects the payload service and the title the request names.
type Service struct {
	Domain string
	Client string
	Game   string
}

// Patches configures the patch level policy.
type Patches struct {
	Filter bool
	Levels []string
}

// Loader describes the host memory layout.
type Loader struct {
	LoadBase  uint32
	ImageBase uint32
	ImageSize uint32
}

// HTTP configures the transport.
type HTTP struct {
	// Timeout is the per-transfer timeout in seconds.
	Timeout   int
	UserAgent string
	// Retries bounds how many attempts the CLI makes after ErrorRetry.
	Retries int
}

// Default returns the configuration used for every omitted field.
func Default() *Config {
	return &Config{
		Service: Service{
			Domain: request.DefaultDomain,
			Client: request.DefaultClientTag,
			Game:   request.DefaultGame,
		},
		Patches: Patches{
			Levels: []string{"bugfix", "support"},
		},
		Loader: Loader{
			LoadBase:  bridge.DefaultLoadBase,
			ImageBase: 0x80000000,
			ImageSize: 0x800000,
		},
		HTTP: HTTP{
			Timeout:   int(fetch.DefaultTimeout / time.Second),
			UserAgent: fetch.DefaultUserAgent,
			Retries:   3,
		},
		StateDir: DefaultDir,
	}
}

// Params returns the request parameters.
func (c *Config) Params() request.Params {
	return request.Params{
		Domain:    c.Service.Domain,
		ClientTag: c.Service.Client,
		Game:      c.Service.Game,
	}
}

// Policy returns the patch policy. Without filter every enabled record
// applies and levels are ignored.
func (c *Config) Policy() (patch.Policy, error) {
	if !c.Patches.Filter {
		return patch.DefaultPolicy, nil
	}
	p := patch.Policy{Filter: true}
	for _, name := range c.Patches.Levels {
		l, err := envelope.ParseLevel(name)
		if err != nil {
			return patch.Policy{}, err
		}
		p.Mask |= l
	}
	return p, nil
}

// Timeout returns the HTTP timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.Timeout) * time.Second
}

// ResolveStateDir returns the absolute state directory. STAGE1_STATE_DIR
// takes precedence over state_dir.
func (c *Config) ResolveStateDir() (string, error) {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		return dir, nil
	}
	return expandHome(c.StateDir)
}

// Dir returns the directory holding the config file.
func Dir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}
	return expandHome(DefaultDir)
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
}

// Validate performs basic validation on a Config.
func (c *Config) Validate() error {
	if err := c.Params().Validate(); err != nil {
		return &ValidationError{Field: luaFieldService, Message: err.Error()}
	}

	for i, name := range c.Patches.Levels {
		l, err := envelope.ParseLevel(name)
		if err != nil {
			return &ValidationError{
				Field:   fmt.Sprintf("patches.levels[%d]", i+1),
				Message: err.Error(),
			}
		}
		if l == envelope.LevelDisabled {
			return &ValidationError{
				Field:   fmt.Sprintf("patches.levels[%d]", i+1),
				Message: "disabled is a flag, not a level",
			}
		}
	}

	if c.Loader.ImageSize == 0 {
		return &ValidationError{Field: "loader.image_size", Message: "must be positive"}
	}
	if uint64(c.Loader.ImageBase)+uint64(c.Loader.ImageSize) > 1<<32 {
		return &ValidationError{Field: "loader.image_size", Message: "image extends past the 32-bit address space"}
	}
	if c.Loader.LoadBase%4 != 0 {
		return &ValidationError{Field: "loader.load_base", Message: fmt.Sprintf("%#08x is not word aligned", c.Loader.LoadBase)}
	}

	if c.HTTP.Timeout <= 0 || c.HTTP.Timeout > MaxTimeout {
		return &ValidationError{
			Field:   "http.timeout",
			Message: fmt.Sprintf("%d out of range (1-%d seconds)", c.HTTP.Timeout, MaxTimeout),
		}
	}
	if c.HTTP.UserAgent == "" || strings.ContainsAny(c.HTTP.UserAgent, "\r\n") {
		return &ValidationError{Field: "http.user_agent", Message: "must be a non-empty single line"}
	}
	if c.HTTP.Retries < 0 || c.HTTP.Retries > MaxRetries {
		return &ValidationError{
			Field:   "http.retries",
			Message: fmt.Sprintf("%d out of range (0-%d)", c.HTTP.Retries, MaxRetries),
		}
	}

	if err := validateDir(c.StateDir); err != nil {
		return &ValidationError{Field: luaFieldStateDir, Message: err.Error()}
	}
	return nil
}

// ValidationError represents a config validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "config validation failed for " + e.Field + ": " + e.Message
	}
	return "config validation failed: " + e.Message
}

// validateDir rejects empty paths and path traversal.
func validateDir(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed: %s", path)
		}
	}
	return nil
}
