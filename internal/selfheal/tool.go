// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selfheal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/tools"
	"github.com/agentgate/agentgate/internal/tracing"
)

// ShellRunner builds a RunFunc that executes Python code through the
// shell tool, inheriting its timeout and blocklist policy. The code is
// staged as a temp file so stderr carries real line numbers.
func ShellRunner(executor *tools.Executor) RunFunc {
	return func(ctx context.Context, code string) (RunResult, error) {
		path := filepath.Join(os.TempDir(), fmt.Sprintf("agentgate_run_%s.py", uuid.New().String()[:8]))
		if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
			return RunResult{}, fmt.Errorf("selfheal: stage code: %w", err)
		}
		defer os.Remove(path)

		result := executor.Execute(ctx, "shell", map[string]interface{}{
			"command": "python3 " + path,
		})
		if result.Payload == nil {
			return RunResult{}, fmt.Errorf("selfheal: %s", result.Message)
		}
		out := RunResult{ExitCode: 1}
		if v, ok := result.Payload["exit_code"].(int); ok {
			out.ExitCode = v
		}
		if v, ok := result.Payload["stdout"].(string); ok {
			out.Stdout = v
		}
		if v, ok := result.Payload["stderr"].(string); ok {
			out.Stderr = v
		}
		return out, nil
	}
}

// RunCodeTool exposes the healing loop as the run_code builtin.
func RunCodeTool(h *Executor) tools.Tool {
	return tools.Tool{
		Name: "run_code",
		Description: "Execute Python code. Failed runs are automatically " +
			"repaired and retried up to a bounded number of attempts.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"code": map[string]interface{}{
					"type":        "string",
					"description": "The Python code to execute.",
				},
			},
			"required": []interface{}{"code"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) tools.Result {
			code, _ := args["code"].(string)
			if code == "" {
				return tools.Fail(tools.ErrKindInvalidArgs, "no code provided")
			}
			traceID := tracing.TraceIDFromContext(ctx)

			result, finalCode, err := h.Execute(ctx, traceID, code)
			if err != nil {
				return tools.Fail(tools.ErrKindExecution, "code execution failed: %v", err)
			}
			payload := map[string]interface{}{
				"exit_code": result.ExitCode,
				"stdout":    result.Stdout,
				"stderr":    result.Stderr,
			}
			if finalCode != code {
				payload["healed_code"] = finalCode
			}
			if result.ExitCode != 0 {
				return tools.Result{
					OK:        false,
					ErrorKind: tools.ErrKindExecution,
					Message:   "code exited non-zero after healing attempts",
					Payload:   payload,
				}
			}
			return tools.Succeed(payload)
		},
	}
}
