// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tools

import (
	"context"
	"os"
	"strings"

	"github.com/agentgate/agentgate/internal/util"
)

func (e *Executor) patchFileTool() Tool {
	return Tool{
		Name:        "patch_file",
		Description: "Apply search/replace edits to a file. Each search text must match exactly once.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "File to edit.",
				},
				"edits": map[string]interface{}{
					"type":        "array",
					"description": "Edits applied in order.",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"search":  map[string]interface{}{"type": "string"},
							"replace": map[string]interface{}{"type": "string"},
						},
						"required": []interface{}{"search", "replace"},
					},
				},
			},
			"required": []interface{}{"path", "edits"},
		},
		Handler: e.runPatchFile,
	}
}

func (e *Executor) runPatchFile(_ context.Context, args map[string]interface{}) Result {
	path := stringArg(args, "path")
	if path == "" {
		return Fail(ErrKindInvalidArgs, "no path provided")
	}
	if !e.policy.WritableRoot(path) {
		return Fail(ErrKindPolicyViolation, "path %q is outside the allowed write roots", path)
	}

	rawEdits, ok := args["edits"].([]interface{})
	if !ok || len(rawEdits) == 0 {
		return Fail(ErrKindInvalidArgs, "edits must be a non-empty array")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Fail(ErrKindNotFound, "file not found: %s", path)
		}
		return Fail(ErrKindExecution, "read failed: %v", err)
	}
	content := string(data)

	// Edits apply sequentially against the accumulating result. A search
	// text matching zero or multiple locations aborts the whole patch;
	// the file is only written after every edit succeeded.
	for i, raw := range rawEdits {
		edit, ok := raw.(map[string]interface{})
		if !ok {
			return Fail(ErrKindInvalidArgs, "edit %d is not an object", i)
		}
		search, _ := edit["search"].(string)
		replace, _ := edit["replace"].(string)
		if search == "" {
			return Fail(ErrKindInvalidArgs, "edit %d has an empty search text", i)
		}
		switch n := strings.Count(content, search); n {
		case 1:
			content = strings.Replace(content, search, replace, 1)
		case 0:
			return Fail(ErrKindExecution, "edit %d: search text not found", i)
		default:
			return Fail(ErrKindExecution, "edit %d: search text matches %d locations, expected exactly one", i, n)
		}
	}

	if err := util.SecureWrite(path, []byte(content), &util.SecureWriteOptions{Permissions: 0o644}); err != nil {
		return Fail(ErrKindExecution, "write failed: %v", err)
	}
	return Succeed(map[string]interface{}{
		"path":  path,
		"edits": len(rawEdits),
		"size":  len(content),
	})
}
