// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	maxStdoutBytes = 50000
	maxStderrBytes = 10000
)

// dangerousPatterns are refused regardless of the configured blocklist.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-[rRf]+\s+/(\s|$)`),
	regexp.MustCompile(`rm\s+-[fF][rR]\s+/(\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`),
	regexp.MustCompile(`(curl|wget)\s+[^|;]*\|\s*(ba|z|da)?sh\b`),
	regexp.MustCompile(`base64\s+(-d|--decode)[^|;]*\|\s*(ba|z|da)?sh\b`),
	regexp.MustCompile(`dd\s+if=/dev/(zero|random|urandom)\s+of=/dev/sd`),
	regexp.MustCompile(`mkfs\.`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`chmod\s+(-R\s+)?777\s+/(\s|$)`),
}

// shellMetaChars trigger rejection in exec-only mode.
const shellMetaChars = "|&;<>()$`\\\"'*?[]#~"

func (e *Executor) shellTool() Tool {
	return Tool{
		Name:        "shell",
		Description: "Execute a shell command and return its exit code, stdout and stderr.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "The command to execute.",
				},
				"timeout": map[string]interface{}{
					"type":        "integer",
					"description": "Timeout in seconds (default 30).",
				},
			},
			"required": []interface{}{"command"},
		},
		Handler: e.runShell,
	}
}

func (e *Executor) runShell(ctx context.Context, args map[string]interface{}) Result {
	if !e.cfg.Shell.Enabled {
		return Fail(ErrKindPolicyViolation, "shell execution is disabled")
	}
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return Fail(ErrKindInvalidArgs, "no command provided")
	}

	if reason := e.blockedCommandReason(command); reason != "" {
		return Fail(ErrKindPolicyViolation, "command blocked by security policy: %s", reason)
	}

	timeout := time.Duration(intArg(args, "timeout", e.cfg.Shell.TimeoutSeconds)) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if e.cfg.Shell.ExecOnly {
		if strings.ContainsAny(command, shellMetaChars) {
			return Fail(ErrKindPolicyViolation, "shell metacharacters refused in exec-only mode")
		}
		fields := strings.Fields(command)
		cmd = exec.CommandContext(runCtx, fields[0], fields[1:]...)
	} else {
		cmd = exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Fail(ErrKindTimeout, "command timed out after %s", timeout)
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Fail(ErrKindExecution, "command failed to start: %v", err)
		}
	}

	return Result{
		OK: exitCode == 0,
		ErrorKind: func() string {
			if exitCode == 0 {
				return ""
			}
			return ErrKindExecution
		}(),
		Message: func() string {
			if exitCode == 0 {
				return ""
			}
			return "command exited non-zero"
		}(),
		Payload: map[string]interface{}{
			"exit_code":   exitCode,
			"stdout":      clip(stdout.String(), maxStdoutBytes),
			"stderr":      clip(stderr.String(), maxStderrBytes),
			"duration_ms": duration.Milliseconds(),
		},
	}
}

// blockedCommandReason screens the command (and each pipeline segment)
// against the configured blocklist and the builtin dangerous patterns.
func (e *Executor) blockedCommandReason(command string) string {
	lower := strings.ToLower(command)

	for _, b := range e.cfg.Shell.BlockedCommands {
		bl := strings.ToLower(strings.TrimSpace(b))
		if bl == "" {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(lower), bl) {
			return "blocked command"
		}
		for _, sep := range []string{"|", ";", "&&", "||", "`", "$("} {
			if !strings.Contains(command, sep) {
				continue
			}
			for _, part := range strings.Split(lower, sep) {
				if strings.HasPrefix(strings.TrimSpace(part), bl) {
					return "blocked command"
				}
			}
		}
	}

	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(command) {
			return "dangerous pattern"
		}
	}
	return ""
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
