// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tools

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/agentgate/agentgate/internal/util"
)

func (e *Executor) readFileTool() Tool {
	return Tool{
		Name:        "read_file",
		Description: "Read a file's content. Large files are truncated.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path of the file to read.",
				},
				"max_bytes": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum bytes to return (default 1 MiB).",
				},
			},
			"required": []interface{}{"path"},
		},
		Handler: e.runReadFile,
	}
}

func (e *Executor) runReadFile(_ context.Context, args map[string]interface{}) Result {
	path := stringArg(args, "path")
	if path == "" {
		return Fail(ErrKindInvalidArgs, "no path provided")
	}
	maxBytes := intArg(args, "max_bytes", e.cfg.ReadMaxBytes)
	if maxBytes <= 0 || maxBytes > e.cfg.ReadMaxBytes {
		maxBytes = e.cfg.ReadMaxBytes
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Fail(ErrKindNotFound, "file not found: %s", path)
		}
		return Fail(ErrKindExecution, "read failed: %v", err)
	}

	truncated := false
	if len(data) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}
	return Succeed(map[string]interface{}{
		"path":      path,
		"content":   string(data),
		"size":      len(data),
		"truncated": truncated,
	})
}

func (e *Executor) writeFileTool() Tool {
	return Tool{
		Name:        "write_file",
		Description: "Write content to a file inside the workspace, creating parent directories.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Destination file path.",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Full file content to write.",
				},
			},
			"required": []interface{}{"path", "content"},
		},
		Handler: e.runWriteFile,
	}
}

func (e *Executor) runWriteFile(_ context.Context, args map[string]interface{}) Result {
	path := stringArg(args, "path")
	if path == "" {
		return Fail(ErrKindInvalidArgs, "no path provided")
	}
	if !e.policy.WritableRoot(path) {
		return Fail(ErrKindPolicyViolation, "path %q is outside the allowed write roots", path)
	}
	content := stringArg(args, "content")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Fail(ErrKindExecution, "cannot create parent directory: %v", err)
	}
	if err := util.SecureWrite(path, []byte(content), &util.SecureWriteOptions{Permissions: 0o644}); err != nil {
		return Fail(ErrKindExecution, "write failed: %v", err)
	}
	return Succeed(map[string]interface{}{
		"path": path,
		"size": len(content),
	})
}

func (e *Executor) searchFilesTool() Tool {
	return Tool{
		Name:        "search_files",
		Description: "Search for files under a root directory by glob pattern.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Root directory to search.",
				},
				"pattern": map[string]interface{}{
					"type":        "string",
					"description": "Glob pattern matched against file names (e.g. *.go).",
				},
			},
			"required": []interface{}{"path", "pattern"},
		},
		Handler: e.runSearchFiles,
	}
}

func (e *Executor) runSearchFiles(ctx context.Context, args map[string]interface{}) Result {
	root := stringArg(args, "path")
	pattern := stringArg(args, "pattern")
	if root == "" || pattern == "" {
		return Fail(ErrKindInvalidArgs, "path and pattern are required")
	}
	if _, err := os.Stat(root); err != nil {
		return Fail(ErrKindNotFound, "path not found: %s", root)
	}

	limit := e.cfg.SearchMaxResults
	matches := make([]string, 0, 32)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			matches = append(matches, path)
			if len(matches) >= limit {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil && err != fs.SkipAll {
		return Fail(ErrKindExecution, "search failed: %v", err)
	}

	return Succeed(map[string]interface{}{
		"matches": matches,
		"count":   len(matches),
		"capped":  len(matches) >= limit,
	})
}

func (e *Executor) builtins() []Tool {
	return []Tool{
		e.shellTool(),
		e.readFileTool(),
		e.writeFileTool(),
		e.searchFilesTool(),
		e.patchFileTool(),
	}
}
