// Package permission manages consent for potentially dangerous tool
// calls: file edits, web fetches, external-directory access, and bash
// command execution.
//
// # Overview
//
// Permission decisions come from three sources, checked in order: an
// agent's static AgentPermissions (allow/deny settle the question
// immediately), a branch-scoped cache of prior "always" choices, and,
// failing both, a round trip through the run's event bus to whoever is
// driving the session.
//
// # Broker
//
// Broker is the central component. It holds the decision cache and the
// doom-loop detector, and drives the ask round trip:
//
//	broker := NewBroker()
//	req := Request{
//		Kind:     KindBash,
//		BranchID: "branch-123",
//		Title:    "git commit -m fix",
//	}
//	err := broker.Ask(ctx, bus, req, ActionAsk)
//	if err != nil && IsRejectedError(err) {
//		// denied
//	}
//
// Ask emits a PermissionRequest event on the bus and blocks on
// bus.Await for the matching PermissionResponse. A response choice of
// allowAlways or denyAlways is cached for the rest of the branch's
// lifetime and queued for AfterMessageTurn to persist into
// Branch.PermissionDecisions.
//
// # Bash command parsing
//
// ParseBashCommand extracts command name, subcommand, and arguments
// from a shell command line, for pattern-based matching:
//
//	commands, err := ParseBashCommand("git commit -m 'fix bug'")
//	// BashCommand{Name: "git", Subcommand: "commit", Args: ["commit", "-m", "fix bug"]}
//
// # Pattern matching
//
// Bash permission patterns combine a command/subcommand prefix with a
// trailing wildcard:
//   - "git commit *" matches any git commit invocation
//   - "git *" matches any git subcommand
//   - "git" matches the bare command
//   - "*" matches anything
//
// MatchWildcard additionally supports doublestar "**" globs for
// non-bash wildcard concerns, such as tool-name visibility patterns.
//
// # Doom loop detection
//
// DoomLoopDetector flags a branch that has made the same tool call,
// with the same arguments, DoomLoopThreshold times in a row:
//
//	detector := NewDoomLoopDetector()
//	if detector.Check(branchID, "bash", input) {
//		// escalate instead of retrying again
//	}
//
// # Configuration
//
// AgentPermissions is an agent's default posture:
//
//	perms := AgentPermissions{
//		Edit:        ActionAsk,
//		WebFetch:    ActionAllow,
//		ExternalDir: ActionDeny,
//		DoomLoop:    ActionAsk,
//		Bash: map[string]Action{
//			"git *":  ActionAllow,
//			"rm *":   ActionAsk,
//			"sudo *": ActionDeny,
//		},
//	}
//
// # Thread safety
//
// Broker and DoomLoopDetector are safe for concurrent use across
// branches running in parallel.
package permission
