// Package dotdir resolves the .spool/ directory holding config.toml and the
// default SQLite durable log.
package dotdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DirName is the name of the spool directory.
	DirName = ".spool"

	// HomeEnv relocates the user level directory away from ~/.spool.
	HomeEnv = "SPOOL_HOME"
)

type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// Target returns the absolute path to the .spool/ directory to use, creating
// it if missing. Order of precedence:
//  1. Provided override
//  2. Local ./.spool/ dir, when it exists
//  3. $SPOOL_HOME
//  4. ~/.spool/
func (m *Manager) Target(overrideDir string) (string, error) {
	dir, err := m.resolve(overrideDir)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating spool directory %s: %w", dir, err)
	}

	return filepath.Abs(dir)
}

func (m *Manager) resolve(overrideDir string) (string, error) {
	if overrideDir != "" {
		return overrideDir, nil
	}

	local, err := m.Local()
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		return local, nil
	}

	if home := os.Getenv(HomeEnv); home != "" {
		return home, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Local returns the path of the .spool/ directory in the working directory,
// whether or not it exists.
func (m *Manager) Local() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return filepath.Join(cwd, DirName), nil
}

// Path returns the absolute path of name inside the resolved directory.
func (m *Manager) Path(overrideDir, name string) (string, error) {
	dir, err := m.Target(overrideDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
