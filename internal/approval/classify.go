// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package approval

import "strings"

// Safety classifies a tool by the blast radius of its side effects.
type Safety string

const (
	SafetySafe      Safety = "safe"      // read-only, no side effects
	SafetySensitive Safety = "sensitive" // writes or sends
	SafetyCritical  Safety = "critical"  // destructive or irreversible
)

// Prefix rules applied when no override matches. Unknown tools default to
// sensitive: safe-by-default would mean unsafe.
var (
	safePrefixes = []string{
		"get_", "list_", "read_", "search_", "find_",
		"describe_", "show_", "view_", "fetch_", "count_",
		"check_", "status_", "info_", "stat_", "head_",
	}
	sensitivePrefixes = []string{
		"write_", "create_", "update_", "edit_", "modify_",
		"add_", "set_", "put_", "post_", "upload_",
		"push_", "commit_", "merge_", "send_",
	}
	criticalPrefixes = []string{
		"delete_", "remove_", "destroy_", "drop_", "purge_",
		"force_", "reset_", "revoke_", "terminate_", "kill_",
	}
)

// builtinOverrides pins well-known tools to explicit levels regardless of
// their name shape.
var builtinOverrides = map[string]Safety{
	// filesystem
	"read_file":      SafetySafe,
	"list_directory": SafetySafe,
	"search_files":   SafetySafe,
	"write_file":     SafetySensitive,
	"patch_file":     SafetySensitive,
	"shell":          SafetySensitive,
	"delete_file":    SafetyCritical,
	// git hosting
	"get_file_contents":   SafetySafe,
	"list_repos":          SafetySafe,
	"search_code":         SafetySafe,
	"create_issue":        SafetySensitive,
	"create_pull_request": SafetySensitive,
	"push_files":          SafetySensitive,
	"delete_repo":         SafetyCritical,
	"delete_branch":       SafetyCritical,
	// messaging
	"list_channels":  SafetySafe,
	"send_message":   SafetySensitive,
	"delete_message": SafetyCritical,
}

// Classify determines the safety level for a tool invocation.
//
// Priority: configured overrides (server_tool form first, then bare tool
// name), builtin overrides, name-prefix rules, sensitive default.
func (b *Broker) Classify(toolName, serverName string) Safety {
	if serverName != "" {
		if level, ok := b.overrides[serverName+"_"+toolName]; ok {
			return level
		}
	}
	if level, ok := b.overrides[toolName]; ok {
		return level
	}
	if level, ok := builtinOverrides[toolName]; ok {
		return level
	}

	lower := strings.ToLower(toolName)
	for _, p := range criticalPrefixes {
		if strings.HasPrefix(lower, p) {
			return SafetyCritical
		}
	}
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(lower, p) {
			return SafetySensitive
		}
	}
	for _, p := range safePrefixes {
		if strings.HasPrefix(lower, p) {
			return SafetySafe
		}
	}
	return SafetySensitive
}

func parseSafety(s string) (Safety, bool) {
	switch Safety(strings.ToLower(s)) {
	case SafetySafe:
		return SafetySafe, true
	case SafetySensitive:
		return SafetySensitive, true
	case SafetyCritical:
		return SafetyCritical, true
	}
	return "", false
}
