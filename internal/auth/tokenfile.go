package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteTokenFile persists a CLI token with owner-only permissions.
func WriteTokenFile(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	// An existing file keeps its old mode on truncation.
	return os.Chmod(path, 0o600)
}

// ReadTokenFile loads a CLI token, trimming trailing whitespace.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
