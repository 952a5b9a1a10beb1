// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tools

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/util"
)

// sensitivePrefixes are always rejected regardless of configuration.
var sensitivePrefixes = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/proc",
	"/sys",
	"/dev",
	"/boot",
	"/root/.ssh",
	"/root/.aws",
	"/root/.gnupg",
}

// sensitiveHomeSuffixes cover user credential locations under any home.
var sensitiveHomeSuffixes = []string{
	".ssh", ".aws", ".gnupg", ".netrc", ".npmrc", ".pypirc",
}

// pathArgKeys are the argument names screened by the policy.
var pathArgKeys = []string{"path", "file_path", "search_path"}

// Policy canonicalizes and screens path arguments and decides which roots
// are writable.
type Policy struct {
	workspaceRoot string
	allowedRoots  []string
	blockedPaths  []string
}

// NewPolicy builds a Policy from configuration. The workspace root is
// resolved to a canonical absolute path once, at construction.
func NewPolicy(cfg config.ToolsConfig) *Policy {
	p := &Policy{}
	if root, err := util.CanonicalPath(cfg.WorkspaceRoot); err == nil {
		p.workspaceRoot = root
	} else {
		p.workspaceRoot = cfg.WorkspaceRoot
	}
	for _, r := range cfg.AllowedRoots {
		if canonical, err := util.CanonicalPath(r); err == nil {
			p.allowedRoots = append(p.allowedRoots, canonical)
		}
	}
	for _, b := range cfg.BlockedPaths {
		if canonical, err := util.CanonicalPath(b); err == nil {
			p.blockedPaths = append(p.blockedPaths, canonical)
		}
	}
	return p
}

// WorkspaceRoot returns the canonical workspace directory.
func (p *Policy) WorkspaceRoot() string { return p.workspaceRoot }

// ScreenArgs canonicalizes every path-bearing argument and rejects the
// call when any of them resolves under a blocked location. The returned
// map carries the canonical forms; the input map is not modified.
func (p *Policy) ScreenArgs(args map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, key := range pathArgKeys {
		raw, ok := out[key].(string)
		if !ok || raw == "" {
			continue
		}
		canonical, err := util.CanonicalPath(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid path argument %q: %v", raw, err)
		}
		if reason := p.blockedReason(canonical); reason != "" {
			return nil, fmt.Errorf("path %q rejected: %s", canonical, reason)
		}
		out[key] = canonical
	}
	return out, nil
}

// blockedReason reports why a canonical path is forbidden, or "" if allowed.
func (p *Policy) blockedReason(path string) string {
	for _, prefix := range sensitivePrefixes {
		if util.PathUnder(path, prefix) {
			return "sensitive system location"
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, suffix := range sensitiveHomeSuffixes {
			if util.PathUnder(path, filepath.Join(home, suffix)) {
				return "user credential location"
			}
		}
	}
	for _, blocked := range p.blockedPaths {
		if util.PathUnder(path, blocked) {
			return "configured blocklist"
		}
	}
	return ""
}

// WritableRoot reports whether a canonical path may be written: it must
// sit under the workspace root or one of the configured allowed roots.
func (p *Policy) WritableRoot(path string) bool {
	if p.workspaceRoot != "" && util.PathUnder(path, p.workspaceRoot) {
		return true
	}
	for _, root := range p.allowedRoots {
		if util.PathUnder(path, root) {
			return true
		}
	}
	return false
}
