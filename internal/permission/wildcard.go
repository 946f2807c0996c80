package permission

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchWildcard reports whether s matches pattern, where pattern may
// be the literal wildcard "*", a doublestar glob containing "**", a
// single prefix/suffix "*", or an exact string.
func MatchWildcard(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "**") {
		matched, _ := doublestar.Match(pattern, s)
		return matched
	}
	if strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*") {
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*") {
		return strings.HasSuffix(s, strings.TrimPrefix(pattern, "*"))
	}
	if strings.Contains(pattern, "*") {
		matched, _ := doublestar.Match(pattern, s)
		return matched
	}
	return pattern == s
}

// MatchBashPattern checks whether a parsed bash command matches a
// space-separated permission pattern, e.g. "git commit *" or "rm *".
// Each space-separated token of pattern is matched against the
// corresponding command token with MatchWildcard.
func MatchBashPattern(pattern string, cmd BashCommand) bool {
	parts := strings.Split(pattern, " ")
	if len(parts) == 0 {
		return false
	}

	if !MatchWildcard(parts[0], cmd.Name) {
		return false
	}
	if len(parts) == 1 {
		return parts[0] == "*" || len(cmd.Args) == 0
	}

	if parts[len(parts)-1] == "*" {
		for i := 1; i < len(parts)-1; i++ {
			argIndex := i - 1
			if argIndex >= len(cmd.Args) {
				return false
			}
			if !MatchWildcard(parts[i], cmd.Args[argIndex]) {
				return false
			}
		}
		return true
	}

	if len(parts)-1 != len(cmd.Args) {
		return false
	}
	for i := 1; i < len(parts); i++ {
		if !MatchWildcard(parts[i], cmd.Args[i-1]) {
			return false
		}
	}
	return true
}

// BuildBashPattern derives the permission pattern a command would be
// cached under, e.g. "git commit -m msg" -> "git commit *".
func BuildBashPattern(cmd BashCommand) string {
	if cmd.Subcommand != "" {
		return cmd.Name + " " + cmd.Subcommand + " *"
	}
	return cmd.Name + " *"
}

// BuildBashPatterns derives patterns for multiple commands, deduplicated
// and skipping "cd" (directory changes are authorized separately via
// KindExternalDir).
func BuildBashPatterns(commands []BashCommand) []string {
	seen := make(map[string]bool)
	var patterns []string
	for _, cmd := range commands {
		if cmd.Name == "cd" {
			continue
		}
		pattern := BuildBashPattern(cmd)
		if !seen[pattern] {
			seen[pattern] = true
			patterns = append(patterns, pattern)
		}
	}
	return patterns
}
