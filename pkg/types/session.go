// Package types provides the core data model for the agent runtime:
// sessions, branches, messages, content items, execution state, and
// the tool/error taxonomies shared across packages.
package types

// Session is a durable container for one or more Branches. A session
// always owns a branch named "main" for its entire lifetime.
type Session struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     SessionTime    `json:"time"`

	// ActiveBranchID is the branch a new run is attached to by default.
	ActiveBranchID string `json:"activeBranchID"`

	// BranchIDs lists every branch owned by this session, including "main".
	BranchIDs []string `json:"branchIDs"`
}

// SessionTime contains session-level timestamps (unix millis).
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// MainBranchID is the reserved id every session's root branch carries.
const MainBranchID = "main"

// Branch is a linear message history that may be forked from a parent
// branch at a specific message index, forming a tree of sibling sets.
type Branch struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`

	Messages []Message `json:"messages"`

	// ParentID is nil for the session's "main" branch.
	ParentID *string `json:"parentID,omitempty"`
	// ForkedAtMessageIndex is the parent message index the fork copied
	// up to (exclusive of the message being replaced, per the
	// fork-for-edit contract). Zero value is meaningless when ParentID
	// is nil.
	ForkedAtMessageIndex int `json:"forkedAtMessageIndex,omitempty"`

	// Sibling navigation: branches sharing (ParentID, ForkedAtMessageIndex)
	// form a doubly-linked list in insertion order.
	PreviousSiblingID *string `json:"previousSiblingID,omitempty"`
	NextSiblingID     *string `json:"nextSiblingID,omitempty"`
	SiblingIndex      int     `json:"siblingIndex"`
	TotalSiblings     int     `json:"totalSiblings"`

	// ChildIDs lists branches forked from this one, in creation order.
	ChildIDs []string `json:"childIDs,omitempty"`

	// Lineage maps ancestor depth (0 = this branch's direct parent, 1 =
	// grandparent, ...) to ancestor branch id, up to "main".
	Lineage map[int]string `json:"lineage,omitempty"`

	// ExecutionState is non-nil only while a run is suspended or has
	// just completed and not yet been cleared.
	ExecutionState *ExecutionState `json:"executionState,omitempty"`

	// PermissionDecisions holds persistent (allowAlways/denyAlways)
	// permission choices written by PermissionMiddleware.afterMessageTurn.
	PermissionDecisions map[string]string `json:"permissionDecisions,omitempty"`

	Time BranchTime `json:"time"`
}

// BranchTime contains branch-level timestamps (unix millis).
type BranchTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// IsMain reports whether this is the session's root branch.
func (b *Branch) IsMain() bool {
	return b.ParentID == nil
}

// Role is the role of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn's worth of content within a Branch.
type Message struct {
	ID      string       `json:"id"`
	Role    Role         `json:"role"`
	Content []ContentItem `json:"content"`
	Time    MessageTime  `json:"time"`

	// AgentID/Depth/ParentAgentID breadcrumb subagent-delegated messages
	// back to the run that produced them (see Event.Context).
	AgentID       string `json:"agentID,omitempty"`
	Depth         int    `json:"depth,omitempty"`
	ParentAgentID string `json:"parentAgentID,omitempty"`
}

// MessageTime contains message-level timestamps (unix millis).
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}
