package agentloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"

	"github.com/hpd-ai/agentruntime/internal/storage"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

// DefaultBranchCacheSize bounds the number of branches SessionManager
// keeps warm in memory. Evicted branches are simply reloaded from
// Store on next use; the cache only saves repeated deserialization.
const DefaultBranchCacheSize = 256

// SessionManager owns session/branch lifecycle on top of a
// SessionStore: creation, branch activation, forking at a message
// index, deletion, and per-branch cancellation. It generalizes the
// teacher's single-level session.Service.Fork (which forks an entire
// session) into sibling-aware branch forking within one session.
type SessionManager struct {
	Store storage.SessionStore

	mu       sync.Mutex
	branches *lru.Cache[string, *types.Branch]
	aborts   map[string]chan struct{}
}

// NewSessionManager constructs a SessionManager backed by store.
func NewSessionManager(store storage.SessionStore) *SessionManager {
	cache, err := lru.New[string, *types.Branch](DefaultBranchCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// DefaultBranchCacheSize never is.
		panic(fmt.Sprintf("agentloop: building branch cache: %v", err))
	}
	return &SessionManager{
		Store:    store,
		branches: cache,
		aborts:   make(map[string]chan struct{}),
	}
}

func branchKey(sessionID, branchID string) string {
	return sessionID + "/" + branchID
}

// CreateSession creates a new Session with an empty "main" branch.
func (m *SessionManager) CreateSession(ctx context.Context) (*types.Session, error) {
	now := types.SessionTime{Created: time.Now().UnixMilli(), Updated: time.Now().UnixMilli()}
	sessionID := ulid.Make().String()

	session := &types.Session{
		ID:             sessionID,
		ActiveBranchID: types.MainBranchID,
		BranchIDs:      []string{types.MainBranchID},
		Time:           now,
	}
	branch := &types.Branch{
		ID:        types.MainBranchID,
		SessionID: sessionID,
		Time:      types.BranchTime{Created: now.Created, Updated: now.Updated},
	}

	if err := m.Store.SaveBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("agentloop: creating main branch: %w", err)
	}
	if err := m.Store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("agentloop: creating session: %w", err)
	}

	m.mu.Lock()
	m.branches.Add(branchKey(sessionID, types.MainBranchID), branch)
	m.mu.Unlock()

	return session, nil
}

// LoadBranch returns a branch, preferring the warm cache over Store.
func (m *SessionManager) LoadBranch(ctx context.Context, sessionID, branchID string) (*types.Branch, error) {
	key := branchKey(sessionID, branchID)

	m.mu.Lock()
	if cached, ok := m.branches.Get(key); ok {
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	branch, err := m.Store.LoadBranch(ctx, sessionID, branchID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.branches.Add(key, branch)
	m.mu.Unlock()

	return branch, nil
}

// ActivateBranch makes branchID the session's default branch for new
// runs, so a client resuming a session without specifying a branch
// lands wherever it last forked to.
func (m *SessionManager) ActivateBranch(ctx context.Context, sessionID, branchID string) error {
	session, err := m.Store.LoadSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("agentloop: activating branch: %w", err)
	}
	if _, err := m.LoadBranch(ctx, sessionID, branchID); err != nil {
		return fmt.Errorf("agentloop: activating branch: %w", err)
	}
	session.ActiveBranchID = branchID
	session.Time.Updated = time.Now().UnixMilli()
	return m.Store.SaveSession(ctx, session)
}

// ForkBranchAtMessage creates a new branch that shares parentBranchID's
// messages up to fromMessageIndex, then diverges. This is the
// "edit an earlier message and retry" and "explore an alternative
// continuation" entry point.
func (m *SessionManager) ForkBranchAtMessage(ctx context.Context, sessionID, parentBranchID string, fromMessageIndex int) (*types.Branch, error) {
	newBranchID := ulid.Make().String()
	branch, err := m.Store.ForkBranch(ctx, sessionID, parentBranchID, fromMessageIndex, newBranchID)
	if err != nil {
		return nil, fmt.Errorf("agentloop: forking branch: %w", err)
	}

	session, err := m.Store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("agentloop: forking branch: %w", err)
	}
	session.BranchIDs = append(session.BranchIDs, newBranchID)
	session.Time.Updated = time.Now().UnixMilli()
	if err := m.Store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("agentloop: forking branch: %w", err)
	}

	m.mu.Lock()
	m.branches.Add(branchKey(sessionID, newBranchID), branch)
	m.branches.Remove(branchKey(sessionID, parentBranchID)) // parent's ChildIDs changed
	m.mu.Unlock()

	return branch, nil
}

// DeleteBranch removes a branch, refusing to cascade unless recursive
// is set, and invalidates any cached copy.
func (m *SessionManager) DeleteBranch(ctx context.Context, sessionID, branchID string, recursive bool) error {
	if err := m.Store.DeleteBranch(ctx, sessionID, branchID, recursive); err != nil {
		return err
	}

	m.mu.Lock()
	m.branches.Remove(branchKey(sessionID, branchID))
	m.mu.Unlock()

	session, err := m.Store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	remaining := session.BranchIDs[:0]
	for _, id := range session.BranchIDs {
		if id != branchID {
			remaining = append(remaining, id)
		}
	}
	session.BranchIDs = remaining
	if session.ActiveBranchID == branchID {
		session.ActiveBranchID = types.MainBranchID
	}
	return m.Store.SaveSession(ctx, session)
}

// BeginRun registers a cancellable run for (sessionID, branchID),
// returning a context that Abort cancels. Mirrors the teacher's
// Service.active/abortChs bookkeeping, scoped per branch instead of
// per session since branches run independently. At most one run may be
// active on a given branch at a time (§5): a second BeginRun for the
// same (sessionID, branchID) while one is already in flight is rejected
// rather than pre-empting the incumbent run.
func (m *SessionManager) BeginRun(ctx context.Context, sessionID, branchID string) (context.Context, func(), error) {
	key := branchKey(sessionID, branchID)

	m.mu.Lock()
	if _, active := m.aborts[key]; active {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("agentloop: a run is already active on branch %s/%s", sessionID, branchID)
	}
	abortCh := make(chan struct{})
	m.aborts[key] = abortCh
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-abortCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	end := func() {
		cancel()
		m.mu.Lock()
		if m.aborts[key] == abortCh {
			delete(m.aborts, key)
		}
		m.mu.Unlock()
	}
	return runCtx, end, nil
}

// Abort cancels the in-flight run for (sessionID, branchID), if any.
// Returns false if no run was active.
func (m *SessionManager) Abort(sessionID, branchID string) bool {
	key := branchKey(sessionID, branchID)

	m.mu.Lock()
	abortCh, ok := m.aborts[key]
	m.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-abortCh:
		// already closed by a concurrent Abort
	default:
		close(abortCh)
	}
	return true
}

// InvalidateBranch drops branchID from the warm cache, forcing the
// next LoadBranch to re-read from Store. Call after any write that
// bypasses SessionManager, e.g. AgentLoop.RunTurn's own SaveBranch
// calls during a run.
func (m *SessionManager) InvalidateBranch(sessionID, branchID string) {
	m.mu.Lock()
	m.branches.Remove(branchKey(sessionID, branchID))
	m.mu.Unlock()
}
