// Package envpath resolves activation targets to environment directories.
//
// An activation target is one of:
//
//   - "." for the current working directory;
//   - an absolute path to an existing directory;
//   - "@name" for a shared environment, a directory named name under the
//     shared environment directory, created on first use.
package envpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoSharedDir is returned when a shared environment is requested but no
// shared environment directory is configured.
var ErrNoSharedDir = errors.New("no directory for shared environments is configured")

// Resolver resolves activation targets.
type Resolver struct {
	// Directory holding shared environments.
	SharedDir string
}

// Resolve resolves an activation target to an absolute directory path.
func (r Resolver) Resolve(target string) (string, error) {
	switch {
	case target == "":
		return "", errors.New("empty environment path")
	case target == ".":
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("cannot get working directory: %w", err)
		}
		return wd, nil
	case strings.HasPrefix(target, "@"):
		return r.shared(target[1:])
	case filepath.IsAbs(target):
		path := filepath.Clean(target)
		if err := checkDir(path); err != nil {
			return "", err
		}
		return path, nil
	default:
		return "", fmt.Errorf(
			"bad environment path %q: must be \".\", an absolute path, or @name", target)
	}
}

func (r Resolver) shared(name string) (string, error) {
	if !IsSharedName(name) {
		return "", fmt.Errorf("bad shared environment name %q", name)
	}
	if r.SharedDir == "" {
		return "", ErrNoSharedDir
	}
	path := filepath.Join(r.SharedDir, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("cannot create shared environment: %w", err)
	}
	return path, nil
}

// IsSharedName returns whether name is acceptable as the name of a shared
// environment.
func IsSharedName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`+"\x00")
}

func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("bad environment path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("bad environment path: %s is not a directory", path)
	}
	return nil
}
