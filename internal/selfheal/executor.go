// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selfheal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentgate/agentgate/internal/tracing"
	"github.com/agentgate/agentgate/internal/util"
)

// RunResult is one code execution outcome.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// RunFunc executes a code artifact (typically via the shell tool running
// a temp file) and reports the outcome.
type RunFunc func(ctx context.Context, code string) (RunResult, error)

// CompleteFunc requests one low-temperature completion from the provider
// layer and returns the raw reply text.
type CompleteFunc func(ctx context.Context, prompt string) (string, error)

// Executor is the self-healing code runner.
type Executor struct {
	run         RunFunc
	complete    CompleteFunc
	snapshot    func(ctx context.Context) string
	recorder    *tracing.Recorder
	maxAttempts int
}

// New builds an Executor. snapshot may be nil; DefaultSnapshot is used.
func New(run RunFunc, complete CompleteFunc, recorder *tracing.Recorder, maxAttempts int) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Executor{
		run:         run,
		complete:    complete,
		snapshot:    DefaultSnapshot,
		recorder:    recorder,
		maxAttempts: maxAttempts,
	}
}

// WithSnapshot overrides the environment snapshot source; used by tests.
func (e *Executor) WithSnapshot(fn func(ctx context.Context) string) *Executor {
	e.snapshot = fn
	return e
}

var fencedCodePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n(.*?)```")

// ExtractCode returns the first fenced code block of a model reply, or
// the whole reply trimmed when no fence is present.
func ExtractCode(reply string) string {
	if m := fencedCodePattern.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(reply)
}

// Execute runs code, healing failures up to the attempt cap. It returns
// the last run result, the code that produced it, and an error only when
// the loop itself could not make progress (the original failure is
// carried in the RunResult).
//
// At most maxAttempts executions happen per call. When the loop exhausts,
// the original error output is returned, not the last healing candidate's.
func (e *Executor) Execute(ctx context.Context, traceID, code string) (RunResult, string, error) {
	var original RunResult
	current := code

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		result, err := e.run(ctx, current)
		if err != nil {
			return result, current, err
		}
		if result.ExitCode == 0 {
			if attempt > 0 {
				log.WithField("request_id", traceID).
					WithField("attempt", attempt).
					Info("self-heal succeeded")
			}
			return result, current, nil
		}
		if attempt == 0 {
			original = result
		}

		category := Classify(result.Stderr)
		if category == CategoryOther && attempt > 0 {
			return original, code, nil
		}
		if attempt == e.maxAttempts-1 {
			break
		}
		if ctx.Err() != nil {
			return original, code, ctx.Err()
		}

		spanID := ""
		if e.recorder != nil {
			spanID = e.recorder.StartSpan(traceID, tracing.KindSelfHeal,
				fmt.Sprintf("heal attempt %d", attempt+1), "")
		}

		healed, healErr := e.heal(ctx, current, result, category)
		success := healErr == nil && healed != ""
		if e.recorder != nil {
			status := tracing.StatusOK
			if !success {
				status = tracing.StatusError
			}
			e.recorder.EndSpan(spanID, status, map[string]string{
				"attempt":        strconv.Itoa(attempt + 1),
				"error_category": string(category),
				"success":        strconv.FormatBool(success),
			})
		}
		if !success {
			log.WithField("request_id", traceID).
				WithField("category", string(category)).
				Warnf("healing prompt failed: %v", healErr)
			return original, code, nil
		}
		current = healed
	}

	return original, code, nil
}

func (e *Executor) heal(ctx context.Context, code string, result RunResult, category Category) (string, error) {
	prompt := fmt.Sprintf(`The following code failed to run. Fix it and reply with a single fenced code block containing the corrected code, nothing else.

Error category: %s

Code:
%s

Stderr:
%s

Environment:
%s`,
		category, code, util.Truncate(result.Stderr, 4096), e.snapshot(ctx))

	reply, err := e.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return ExtractCode(reply), nil
}

// DefaultSnapshot captures a concise environment description: OS release,
// runtime version and the installed package list truncated to 2 KiB.
func DefaultSnapshot(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "os: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "PRETTY_NAME=") {
				fmt.Fprintf(&b, "release: %s\n", strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`))
				break
			}
		}
	}
	fmt.Fprintf(&b, "runtime: %s\n", runtime.Version())

	pkgCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(pkgCtx, "pip3", "list", "--format=freeze").Output(); err == nil {
		b.WriteString("packages:\n")
		b.WriteString(util.Truncate(string(out), 2048))
	}
	return b.String()
}
