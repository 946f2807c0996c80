// Package storage implements SessionStore: durable persistence of
// Sessions, Branches, and the fork/delete/sibling-renumbering contract
// that backs SessionManager. Two implementations are provided: an
// in-memory store for tests and short-lived runs, and a file-backed
// JSON store using atomic temp-file-then-rename writes with per-file
// flock guarding concurrent writers.
package storage

import (
	"context"
	"errors"

	"github.com/hpd-ai/agentruntime/pkg/types"
)

// ErrNotFound is returned when a session or branch does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrHasChildren is returned by DeleteBranch when recursive is false
// and the branch has children.
var ErrHasChildren = errors.New("storage: branch has children")

// SessionStore persists Sessions and their Branches, and implements
// the fork/delete contract that keeps sibling linkage consistent.
type SessionStore interface {
	LoadSession(ctx context.Context, sessionID string) (*types.Session, error)
	SaveSession(ctx context.Context, session *types.Session) error
	ListSessions(ctx context.Context) ([]string, error)

	LoadBranch(ctx context.Context, sessionID, branchID string) (*types.Branch, error)
	SaveBranch(ctx context.Context, branch *types.Branch) error
	ListBranches(ctx context.Context, sessionID string) ([]string, error)

	// DeleteBranch removes a branch. If recursive is false and the
	// branch has children, it fails with ErrHasChildren. Sibling
	// linkage among the branch's former siblings is re-normalized
	// afterward.
	DeleteBranch(ctx context.Context, sessionID, branchID string, recursive bool) error

	// ForkBranch copies messages [0..fromMessageIndex] from the parent
	// branch into a new branch with id newBranchID, sets up parent
	// pointer/forkedAtMessageIndex/lineage, appends newBranchID to the
	// parent's child list, and re-numbers sibling linkage for every
	// branch sharing (parentBranchID, fromMessageIndex).
	ForkBranch(ctx context.Context, sessionID, parentBranchID string, fromMessageIndex int, newBranchID string) (*types.Branch, error)
}
