// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab...", Truncate("abcd", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestTruncate_NeverSplitsRunes(t *testing.T) {
	inputs := []string{
		"héllo wörld",
		strings.Repeat("日本語テキスト", 10),
		"mixed ascii and 中文 content",
		"🙂🙂🙂🙂",
	}
	for _, s := range inputs {
		for max := 1; max < len(s); max++ {
			got := Truncate(s, max)
			assert.True(t, utf8.ValidString(got), "input %q max %d produced %q", s, max, got)
			assert.LessOrEqual(t, len(got), max+len("..."))
		}
	}
}

func TestCanonicalPath_Tilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := CanonicalPath("~/notes.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, home))
}

func TestCanonicalPath_NonexistentTail(t *testing.T) {
	dir := t.TempDir()
	got, err := CanonicalPath(filepath.Join(dir, "sub", "new.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, filepath.Join("sub", "new.txt")))
}

func TestPathUnder(t *testing.T) {
	assert.True(t, PathUnder("/a/b/c", "/a/b"))
	assert.True(t, PathUnder("/a/b", "/a/b"))
	assert.False(t, PathUnder("/a/bc", "/a/b"))
	assert.False(t, PathUnder("/x", "/a"))
}
