// Package service provides the operations behind the stage1 commands.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pulsarengine/stage1/internal/config"
)

const (
	// ConfigDirPermissions sets the permission mode for config directories.
	ConfigDirPermissions = 0o750
	// ConfigFilePermissions sets the permission mode for config files.
	ConfigFilePermissions = 0o640
)

// ErrConfigExists is returned when init would overwrite a config file.
var ErrConfigExists = errors.New("config file already exists")

// ConfigGenerator provides config generation functionality.
type ConfigGenerator interface {
	Generate(cfg *config.Config) (string, error)
}

// InitService writes the initial config file.
type InitService struct {
	generator ConfigGenerator
	path      string
}

// NewInitService creates an init service writing to path.
func NewInitService(generator ConfigGenerator, path string) *InitService {
	return &InitService{generator: generator, path: path}
}

// InitRequest contains parameters for init.
type InitRequest struct {
	Config *config.Config
	Force  bool
}

// Init writes req.Config, or the defaults, to the config path. The file is
// written to a temporary name and renamed into place.
func (s *InitService) Init(ctx context.Context, req InitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !req.Force {
		if _, err := os.Stat(s.path); err == nil {
			return "", fmt.Errorf("%w: %s", ErrConfigExists, s.path)
		}
	}

	cfg := req.Config
	if cfg == nil {
		cfg = config.Default()
	}
	content, err := s.generator.Generate(cfg)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, ConfigDirPermissions); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".stage1-*.lua")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(ConfigFilePermissions); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return "", fmt.Errorf("install config: %w", err)
	}
	return s.path, nil
}
