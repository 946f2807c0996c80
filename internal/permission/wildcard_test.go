package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		s       string
		matches bool
	}{
		{"global wildcard", "*", "anything", true},
		{"prefix wildcard", "bash_*", "bash_read", true},
		{"prefix wildcard mismatch", "bash_*", "edit_file", false},
		{"suffix wildcard", "*_read", "bash_read", true},
		{"doublestar glob", "tools/**", "tools/fs/read", true},
		{"exact match", "read", "read", true},
		{"exact mismatch", "read", "write", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, MatchWildcard(tt.pattern, tt.s))
		})
	}
}

func TestMatchBashPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		cmd     BashCommand
		matches bool
	}{
		{"global wildcard", "*", BashCommand{Name: "anything"}, true},
		{"command wildcard", "git *", BashCommand{Name: "git", Subcommand: "commit"}, true},
		{"command wildcard mismatch", "git *", BashCommand{Name: "npm"}, false},
		{"subcommand wildcard", "git commit *", BashCommand{Name: "git", Args: []string{"commit", "-m", "msg"}}, true},
		{"subcommand mismatch", "git commit *", BashCommand{Name: "git", Args: []string{"push"}}, false},
		{"exact command match", "pwd", BashCommand{Name: "pwd"}, true},
		{"exact command with args mismatch", "pwd", BashCommand{Name: "pwd", Args: []string{"-L"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, MatchBashPattern(tt.pattern, tt.cmd))
		})
	}
}

func TestBuildBashPattern(t *testing.T) {
	assert.Equal(t, "ls *", BuildBashPattern(BashCommand{Name: "ls", Args: []string{"-la"}}))
	assert.Equal(t, "git commit *", BuildBashPattern(BashCommand{Name: "git", Subcommand: "commit"}))
}

func TestBuildBashPatterns(t *testing.T) {
	commands := []BashCommand{
		{Name: "git", Subcommand: "add"},
		{Name: "git", Subcommand: "commit"},
		{Name: "cd", Args: []string{"/tmp"}},
		{Name: "npm", Subcommand: "install"},
		{Name: "git", Subcommand: "add"},
	}

	patterns := BuildBashPatterns(commands)
	assert.Len(t, patterns, 3)
	assert.Contains(t, patterns, "git add *")
	assert.Contains(t, patterns, "git commit *")
	assert.Contains(t, patterns, "npm install *")
}
