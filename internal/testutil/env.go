// Package testutil provides utilities for testing stage1 in isolation.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// SetupTestEnv creates isolated directories for each test so that tests
// never touch the user's device key or configuration.
//
// The directories live under t.TempDir() and are removed by the testing
// framework.
func SetupTestEnv(t *testing.T) {
	t.Helper()

	tmpDir := t.TempDir()

	t.Setenv("STAGE1_CONFIG_DIR", filepath.Join(tmpDir, "config"))
	t.Setenv("STAGE1_STATE_DIR", filepath.Join(tmpDir, "state"))

	// Mark as test mode
	t.Setenv("STAGE1_TEST_MODE", "1")

	dirs := []string{
		filepath.Join(tmpDir, "config"),
		filepath.Join(tmpDir, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("failed to create test directory %s: %v", dir, err)
		}
	}
}
