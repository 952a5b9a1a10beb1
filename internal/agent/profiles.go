// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package agent implements the orchestration layer: the Brain runs
// single conversational turns with tool use, and the Swarm coordinates
// multiple role-scoped agents over a shared task.
package agent

// ToolAccess is a profile's filesystem capability.
type ToolAccess int

const (
	// AccessNone grants no tools at all.
	AccessNone ToolAccess = iota
	// AccessRead grants read-only tools (read_file, search_files).
	AccessRead
	// AccessReadWrite grants the full builtin tool set.
	AccessReadWrite
)

// Profile is a fixed agent role. Profiles are compiled in; they are the
// contract between the swarm loop and the provider prompts.
type Profile struct {
	Name          string
	SystemPrompt  string
	Access        ToolAccess
	MaxIterations int
	Temperature   float64
}

var readTools = []string{"read_file", "search_files"}

// AllowedTools returns the builtin tool names this profile may invoke.
func (p Profile) AllowedTools() []string {
	switch p.Access {
	case AccessRead:
		return append([]string(nil), readTools...)
	case AccessReadWrite:
		return []string{"read_file", "write_file", "search_files", "shell", "patch_file"}
	default:
		return nil
	}
}

// Allows reports whether the profile may call the named tool.
func (p Profile) Allows(tool string) bool {
	for _, t := range p.AllowedTools() {
		if t == tool {
			return true
		}
	}
	return false
}

var profiles = map[string]Profile{
	"coder": {
		Name: "coder",
		SystemPrompt: "You are a senior software engineer. Implement the requested " +
			"change completely and correctly. Use the available tools to read, " +
			"write and test code. Prefer small, verifiable steps. When done, " +
			"summarize what you changed and why.",
		Access:        AccessReadWrite,
		MaxIterations: 10,
		Temperature:   0.3,
	},
	"reviewer": {
		Name: "reviewer",
		SystemPrompt: "You are a meticulous code reviewer. Examine the work " +
			"presented to you for correctness, safety and completeness. " +
			"If the work fully satisfies the task, reply with exactly APPROVED. " +
			"If a specialist should look at it, reply with ROUTE:security or " +
			"ROUTE:tester on the first line followed by your reasoning. " +
			"Otherwise list the concrete problems that must be fixed.",
		Access:        AccessRead,
		MaxIterations: 3,
		Temperature:   0.2,
	},
	"critic": {
		Name: "critic",
		SystemPrompt: "You are a hostile validator of work that has already " +
			"been approved. Assume the approval was too generous. Inspect the " +
			"work for hallucinated APIs, logic errors, security flaws, " +
			"unhandled edge cases and requirements the task states but the " +
			"work ignores. Reply with VALID if the work survives scrutiny, " +
			"or REJECTED:<reason> naming the most serious defect.",
		Access:        AccessNone,
		MaxIterations: 1,
		Temperature:   0.2,
	},
	"planner": {
		Name: "planner",
		SystemPrompt: "You are a planning specialist. Break the task into a short " +
			"ordered list of concrete steps a single engineer can execute. " +
			"Note risks and open questions. Do not write code.",
		Access:        AccessNone,
		MaxIterations: 1,
		Temperature:   0.5,
	},
	"tester": {
		Name: "tester",
		SystemPrompt: "You are a test engineer. Write and run tests that exercise " +
			"the work under review, covering the main path and the edge cases " +
			"the task implies. Report exactly which tests pass and which fail.",
		Access:        AccessReadWrite,
		MaxIterations: 5,
		Temperature:   0.3,
	},
	"researcher": {
		Name: "researcher",
		SystemPrompt: "You are a research specialist. Answer the question from " +
			"your own knowledge, clearly separating established facts from " +
			"inference. Cite the basis for each claim.",
		Access:        AccessNone,
		MaxIterations: 1,
		Temperature:   0.7,
	},
	"security": {
		Name: "security",
		SystemPrompt: "You are a security auditor. Inspect the work for injection, " +
			"path traversal, secret leakage, unsafe deserialization and unsafe " +
			"shell usage. Report each finding with its location and severity, " +
			"or state that no issues were found.",
		Access:        AccessRead,
		MaxIterations: 3,
		Temperature:   0.2,
	},
}

// GetProfile looks up a profile by name.
func GetProfile(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// ProfileNames lists the available profile names.
func ProfileNames() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	return out
}
