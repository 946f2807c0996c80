package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/hpd-ai/agentruntime/pkg/types"
)

// MemoryStore is a thread-safe, process-local SessionStore. It never
// persists to disk; useful for tests and for runs that don't need
// durability across process restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	branches map[string]map[string]*types.Branch // sessionID -> branchID -> branch
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.Session),
		branches: make(map[string]map[string]*types.Branch),
	}
}

func cloneSession(s *types.Session) *types.Session {
	clone := *s
	clone.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		clone.Metadata[k] = v
	}
	clone.BranchIDs = append([]string(nil), s.BranchIDs...)
	return &clone
}

func cloneBranch(b *types.Branch) *types.Branch {
	clone := *b
	clone.Messages = append([]types.Message(nil), b.Messages...)
	clone.ChildIDs = append([]string(nil), b.ChildIDs...)
	if b.Lineage != nil {
		clone.Lineage = make(map[int]string, len(b.Lineage))
		for k, v := range b.Lineage {
			clone.Lineage[k] = v
		}
	}
	if b.PermissionDecisions != nil {
		clone.PermissionDecisions = make(map[string]string, len(b.PermissionDecisions))
		for k, v := range b.PermissionDecisions {
			clone.PermissionDecisions[k] = v
		}
	}
	clone.ExecutionState = b.ExecutionState.Clone()
	return &clone
}

func (m *MemoryStore) LoadSession(_ context.Context, sessionID string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) SaveSession(_ context.Context, session *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = cloneSession(session)
	if _, ok := m.branches[session.ID]; !ok {
		m.branches[session.ID] = make(map[string]*types.Branch)
	}
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) LoadBranch(_ context.Context, sessionID, branchID string) (*types.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	branches, ok := m.branches[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	b, ok := branches[branchID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBranch(b), nil
}

func (m *MemoryStore) SaveBranch(_ context.Context, branch *types.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	branches, ok := m.branches[branch.SessionID]
	if !ok {
		branches = make(map[string]*types.Branch)
		m.branches[branch.SessionID] = branches
	}
	branches[branch.ID] = cloneBranch(branch)
	return nil
}

func (m *MemoryStore) ListBranches(_ context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	branches, ok := m.branches[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	ids := make([]string, 0, len(branches))
	for id := range branches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) DeleteBranch(_ context.Context, sessionID, branchID string, recursive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	branches, ok := m.branches[sessionID]
	if !ok {
		return ErrNotFound
	}
	target, ok := branches[branchID]
	if !ok {
		return ErrNotFound
	}

	if len(target.ChildIDs) > 0 && !recursive {
		return ErrHasChildren
	}

	toDelete := map[string]bool{branchID: true}
	if recursive {
		collectDescendants(branches, branchID, toDelete)
	}
	for id := range toDelete {
		delete(branches, id)
	}

	if target.ParentID != nil {
		if parent, ok := branches[*target.ParentID]; ok {
			parent.ChildIDs = removeString(parent.ChildIDs, branchID)
		}
	}

	m.renumberAfterDelete(branches, target)
	return nil
}

func collectDescendants(branches map[string]*types.Branch, id string, out map[string]bool) {
	for _, b := range branches {
		if b.ParentID != nil && *b.ParentID == id && !out[b.ID] {
			out[b.ID] = true
			collectDescendants(branches, b.ID, out)
		}
	}
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (m *MemoryStore) renumberAfterDelete(branches map[string]*types.Branch, deleted *types.Branch) {
	if deleted.ParentID == nil {
		return
	}
	siblings := m.siblingsOf(branches, *deleted.ParentID, deleted.ForkedAtMessageIndex)
	renumberSiblings(siblings)
}

func (m *MemoryStore) siblingsOf(branches map[string]*types.Branch, parentID string, forkedAt int) []*types.Branch {
	var siblings []*types.Branch
	for _, b := range branches {
		if b.ParentID != nil && *b.ParentID == parentID && b.ForkedAtMessageIndex == forkedAt {
			siblings = append(siblings, b)
		}
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].SiblingIndex < siblings[j].SiblingIndex })
	return siblings
}

func (m *MemoryStore) ForkBranch(_ context.Context, sessionID, parentBranchID string, fromMessageIndex int, newBranchID string) (*types.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branches, ok := m.branches[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	parent, ok := branches[parentBranchID]
	if !ok {
		return nil, ErrNotFound
	}

	if fromMessageIndex > len(parent.Messages) {
		fromMessageIndex = len(parent.Messages)
	}
	messages := append([]types.Message(nil), parent.Messages[:fromMessageIndex]...)

	newBranch := &types.Branch{
		ID:                   newBranchID,
		SessionID:            sessionID,
		Messages:             messages,
		ParentID:             &parentBranchID,
		ForkedAtMessageIndex: fromMessageIndex,
		SiblingIndex:         len(parent.ChildIDs),
		Lineage:              buildLineage(parent),
	}
	branches[newBranchID] = newBranch

	parent.ChildIDs = append(parent.ChildIDs, newBranchID)

	siblings := m.siblingsOf(branches, parentBranchID, fromMessageIndex)
	renumberSiblings(siblings)

	if session, ok := m.sessions[sessionID]; ok {
		session.BranchIDs = append(session.BranchIDs, newBranchID)
	}

	return cloneBranch(newBranch), nil
}
