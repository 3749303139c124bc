// Package pathguard validates that a client-supplied filesystem path
// resolves under one of the daemon's configured project roots,
// generalizing the single hardcoded home/tmp allowlist a desktop
// sibling of this daemon uses into an arbitrary configured root list.
package pathguard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var ErrOutsideRoots = errors.New("path is not under a configured project root")

type Guard struct {
	roots []string // each absolute and symlink-resolved, no trailing separator
}

// New resolves symlinks in each configured root up front so every
// later check is a plain prefix comparison.
func New(roots []string) *Guard {
	resolved := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			real = abs
		}
		resolved = append(resolved, real)
	}
	return &Guard{roots: resolved}
}

// Validate resolves symlinks in path (or its parent, if path does not
// exist yet) and checks the result falls under a configured root.
// Root-prefix comparisons use a trailing separator so "/Users/al"
// never matches a path under "/Users/alice".
func (g *Guard) Validate(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		parent, perr := filepath.EvalSymlinks(filepath.Dir(abs))
		if perr != nil {
			return "", errors.New("cannot resolve path")
		}
		resolved = filepath.Join(parent, filepath.Base(abs))
	}

	for _, root := range g.roots {
		if resolved == root {
			return resolved, nil
		}
		if strings.HasPrefix(resolved+string(filepath.Separator), root+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", ErrOutsideRoots
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Roots returns the resolved project roots this guard was constructed
// with, in configured order; duplicates are not removed.
func (g *Guard) Roots() []string {
	return append([]string(nil), g.roots...)
}
