package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hpd-ai/agentruntime/pkg/types"
)

// sessionFileVersion is embedded in every persisted session.json so a
// future format change can be detected before it's misread.
const sessionFileVersion = 1

type sessionFile struct {
	Version int            `json:"version"`
	Session *types.Session `json:"session"`
}

type branchFile struct {
	Version int           `json:"version"`
	Branch  *types.Branch `json:"branch"`
}

// JSONStore is a file-backed SessionStore. Layout:
//
//	<root>/<sessionID>/session.json
//	<root>/<sessionID>/branches/<branchID>.json
//
// Every write goes to a temp file in the same directory, then
// os.Rename into place, so a reader never observes a partial write.
// Per-path flock serializes concurrent writers to the same file.
type JSONStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*fileLock
}

// NewJSONStore creates a JSONStore rooted at dir. The directory is
// created lazily on first write.
func NewJSONStore(dir string) *JSONStore {
	return &JSONStore{root: dir, locks: make(map[string]*fileLock)}
}

func (s *JSONStore) lockFor(path string) *fileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = newFileLock(path)
		s.locks[path] = l
	}
	return l
}

func (s *JSONStore) sessionPath(sessionID string) string {
	return filepath.Join(s.root, sessionID, "session.json")
}

func (s *JSONStore) branchPath(sessionID, branchID string) string {
	return filepath.Join(s.root, sessionID, "branches", branchID+".json")
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: create directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: rename: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: read: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("storage: unmarshal: %w", err)
	}
	return nil
}

func (s *JSONStore) LoadSession(_ context.Context, sessionID string) (*types.Session, error) {
	var file sessionFile
	if err := readJSON(s.sessionPath(sessionID), &file); err != nil {
		return nil, err
	}
	return file.Session, nil
}

func (s *JSONStore) SaveSession(_ context.Context, session *types.Session) error {
	path := s.sessionPath(session.ID)
	lock := s.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("storage: lock session: %w", err)
	}
	defer lock.Unlock()

	return writeJSONAtomic(path, sessionFile{Version: sessionFileVersion, Session: session})
}

func (s *JSONStore) ListSessions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *JSONStore) LoadBranch(_ context.Context, sessionID, branchID string) (*types.Branch, error) {
	var file branchFile
	if err := readJSON(s.branchPath(sessionID, branchID), &file); err != nil {
		return nil, err
	}
	return file.Branch, nil
}

func (s *JSONStore) SaveBranch(_ context.Context, branch *types.Branch) error {
	path := s.branchPath(branch.SessionID, branch.ID)
	lock := s.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("storage: lock branch: %w", err)
	}
	defer lock.Unlock()

	return writeJSONAtomic(path, branchFile{Version: sessionFileVersion, Branch: branch})
}

func (s *JSONStore) ListBranches(_ context.Context, sessionID string) ([]string, error) {
	dir := filepath.Join(s.root, sessionID, "branches")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: list branches: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *JSONStore) loadAllBranches(sessionID string) (map[string]*types.Branch, error) {
	ids, err := s.ListBranches(context.Background(), sessionID)
	if err != nil {
		return nil, err
	}
	branches := make(map[string]*types.Branch, len(ids))
	for _, id := range ids {
		b, err := s.LoadBranch(context.Background(), sessionID, id)
		if err != nil {
			return nil, err
		}
		branches[id] = b
	}
	return branches, nil
}

func (s *JSONStore) DeleteBranch(ctx context.Context, sessionID, branchID string, recursive bool) error {
	branches, err := s.loadAllBranches(sessionID)
	if err != nil {
		return err
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
		path := s.branchPath(sessionID, id)
		lock := s.lockFor(path)
		if err := lock.Lock(); err != nil {
			return fmt.Errorf("storage: lock branch for delete: %w", err)
		}
		err := os.Remove(path)
		lock.Unlock()
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storage: delete branch: %w", err)
		}
		delete(branches, id)
	}

	if target.ParentID != nil {
		if parent, ok := branches[*target.ParentID]; ok {
			parent.ChildIDs = removeString(parent.ChildIDs, branchID)
			if err := s.SaveBranch(ctx, parent); err != nil {
				return err
			}
		}

		siblings := siblingsOfMap(branches, *target.ParentID, target.ForkedAtMessageIndex)
		renumberSiblings(siblings)
		for _, sib := range siblings {
			if err := s.SaveBranch(ctx, sib); err != nil {
				return err
			}
		}
	}

	if session, err := s.LoadSession(ctx, sessionID); err == nil {
		session.BranchIDs = removeString(session.BranchIDs, branchID)
		return s.SaveSession(ctx, session)
	}
	return nil
}

func siblingsOfMap(branches map[string]*types.Branch, parentID string, forkedAt int) []*types.Branch {
	var siblings []*types.Branch
	for _, b := range branches {
		if b.ParentID != nil && *b.ParentID == parentID && b.ForkedAtMessageIndex == forkedAt {
			siblings = append(siblings, b)
		}
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].SiblingIndex < siblings[j].SiblingIndex })
	return siblings
}

func (s *JSONStore) ForkBranch(ctx context.Context, sessionID, parentBranchID string, fromMessageIndex int, newBranchID string) (*types.Branch, error) {
	parent, err := s.LoadBranch(ctx, sessionID, parentBranchID)
	if err != nil {
		return nil, err
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

	parent.ChildIDs = append(parent.ChildIDs, newBranchID)
	if err := s.SaveBranch(ctx, parent); err != nil {
		return nil, err
	}

	branches, err := s.loadAllBranches(sessionID)
	if err != nil {
		return nil, err
	}
	branches[newBranchID] = newBranch

	siblings := siblingsOfMap(branches, parentBranchID, fromMessageIndex)
	renumberSiblings(siblings)
	for _, sib := range siblings {
		if err := s.SaveBranch(ctx, sib); err != nil {
			return nil, err
		}
	}

	if session, err := s.LoadSession(ctx, sessionID); err == nil {
		session.BranchIDs = append(session.BranchIDs, newBranchID)
		if err := s.SaveSession(ctx, session); err != nil {
			return nil, err
		}
	}

	return newBranch, nil
}
