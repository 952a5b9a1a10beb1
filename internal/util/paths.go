// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// CanonicalPath resolves a path to its canonical absolute form. Relative
// paths are resolved against the current working directory, "~" expands to
// the user's home directory, and symlinks in existing prefixes are resolved
// so that policy checks cannot be bypassed by link tricks.
func CanonicalPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	// Resolve symlinks for the longest existing prefix. The tail that does
	// not exist yet (e.g. a file about to be created) is appended verbatim.
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	dir, base := filepath.Split(abs)
	tail := base
	dir = filepath.Clean(dir)
	for dir != string(filepath.Separator) && dir != "." {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, tail), nil
		}
		dir, base = filepath.Split(dir)
		tail = filepath.Join(base, tail)
		dir = filepath.Clean(dir)
	}
	return abs, nil
}

// PathUnder reports whether path is the prefix itself or located below it.
// Both arguments must already be canonical absolute paths.
func PathUnder(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// Truncate clips s to at most max bytes, appending an ellipsis marker when
// clipping occurred. The cut backs off to a rune boundary so multi-byte
// characters are never split.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
