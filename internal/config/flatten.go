// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// secretKeyPattern matches configuration keys whose values must never be
// emitted over the management API.
var secretKeyPattern = regexp.MustCompile(`(?i)(api[-_]?key|secret|password|token|private[-_]?key)`)

// Flatten renders the configuration as a flat map with dot-separated keys.
// List elements are addressed by index (providers.0.model). The receiver is
// deep-copied first so callers can mutate the result freely.
func (c *Config) Flatten() map[string]string {
	data, err := yaml.Marshal(c.Clone())
	if err != nil {
		return map[string]string{}
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return map[string]string{}
	}
	out := make(map[string]string)
	flattenInto("", tree, out)
	return out
}

func flattenInto(prefix string, node interface{}, out map[string]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			full := key
			if prefix != "" {
				full = prefix + "." + key
			}
			flattenInto(full, child, out)
		}
	case []interface{}:
		for i, child := range v {
			flattenInto(fmt.Sprintf("%s.%d", prefix, i), child, out)
		}
	default:
		out[prefix] = fmt.Sprintf("%v", v)
	}
}

// Redact replaces the value of every secret-looking key with a mask.
// The input map is modified in place and returned for chaining.
func Redact(flat map[string]string) map[string]string {
	for key, val := range flat {
		if val == "" {
			continue
		}
		if secretKeyPattern.MatchString(key) {
			flat[key] = "***REDACTED***"
		}
	}
	return flat
}

// SortedKeys returns the flat map's keys in stable order, for deterministic
// API responses and logs.
func SortedKeys(flat map[string]string) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
