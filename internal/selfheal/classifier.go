// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package selfheal wraps code execution in a bounded feedback loop:
// failed runs are classified by a regex pattern table, a healing prompt
// carrying the error context is sent to the model, and the first fenced
// code block of the reply becomes the next candidate.
package selfheal

import "regexp"

// Category is the classified failure kind of a code run.
type Category string

const (
	CategoryModuleMissing Category = "module-missing"
	CategorySyntax        Category = "syntax"
	CategoryType          Category = "type"
	CategoryName          Category = "name"
	CategoryAttribute     Category = "attribute"
	CategoryKey           Category = "key"
	CategoryIndex         Category = "index"
	CategoryValue         Category = "value"
	CategoryFileMissing   Category = "file-missing"
	CategoryZeroDivision  Category = "zero-division"
	CategoryIndentation   Category = "indentation"
	CategoryImport        Category = "import"
	CategoryOther         Category = "other"
)

// errorPattern is one recognizable failure shape. Patterns are checked in
// priority order (highest first) for deterministic matching.
type errorPattern struct {
	name     string
	regex    *regexp.Regexp
	category Category
	priority int
}

var defaultPatterns = []*errorPattern{
	{
		name:     "module_not_found",
		regex:    regexp.MustCompile(`(?i)ModuleNotFoundError: No module named '([^']+)'`),
		category: CategoryModuleMissing,
		priority: 100,
	},
	{
		name:     "pip_missing_package",
		regex:    regexp.MustCompile(`(?i)No matching distribution found for`),
		category: CategoryModuleMissing,
		priority: 99,
	},
	{
		name:     "indentation_error",
		regex:    regexp.MustCompile(`(?i)IndentationError|TabError`),
		category: CategoryIndentation,
		priority: 92,
	},
	{
		name:     "syntax_error",
		regex:    regexp.MustCompile(`(?i)SyntaxError`),
		category: CategorySyntax,
		priority: 90,
	},
	{
		name:     "import_error",
		regex:    regexp.MustCompile(`(?i)ImportError`),
		category: CategoryImport,
		priority: 85,
	},
	{
		name:     "file_not_found",
		regex:    regexp.MustCompile(`(?i)FileNotFoundError|No such file or directory`),
		category: CategoryFileMissing,
		priority: 80,
	},
	{
		name:     "zero_division",
		regex:    regexp.MustCompile(`(?i)ZeroDivisionError|division by zero`),
		category: CategoryZeroDivision,
		priority: 75,
	},
	{
		name:     "type_error",
		regex:    regexp.MustCompile(`(?i)TypeError`),
		category: CategoryType,
		priority: 70,
	},
	{
		name:     "name_error",
		regex:    regexp.MustCompile(`(?i)NameError: name '([^']+)' is not defined`),
		category: CategoryName,
		priority: 68,
	},
	{
		name:     "attribute_error",
		regex:    regexp.MustCompile(`(?i)AttributeError`),
		category: CategoryAttribute,
		priority: 66,
	},
	{
		name:     "key_error",
		regex:    regexp.MustCompile(`(?i)KeyError`),
		category: CategoryKey,
		priority: 64,
	},
	{
		name:     "index_error",
		regex:    regexp.MustCompile(`(?i)IndexError`),
		category: CategoryIndex,
		priority: 62,
	},
	{
		name:     "value_error",
		regex:    regexp.MustCompile(`(?i)ValueError`),
		category: CategoryValue,
		priority: 60,
	},
}

// Classify maps captured stderr to a failure category. Patterns are
// evaluated in priority order; no match yields CategoryOther.
func Classify(stderr string) Category {
	best := CategoryOther
	bestPriority := -1
	for _, p := range defaultPatterns {
		if p.priority > bestPriority && p.regex.MatchString(stderr) {
			best = p.category
			bestPriority = p.priority
		}
	}
	return best
}
