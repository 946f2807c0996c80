package agentloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpd-ai/agentruntime/internal/storage"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

func TestSessionManager_CreateSession(t *testing.T) {
	mgr := NewSessionManager(storage.NewMemoryStore())
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.MainBranchID, session.ActiveBranchID)
	assert.Equal(t, []string{types.MainBranchID}, session.BranchIDs)

	branch, err := mgr.LoadBranch(ctx, session.ID, types.MainBranchID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, branch.SessionID)
	assert.True(t, branch.IsMain())
}

func TestSessionManager_ForkBranchAtMessage(t *testing.T) {
	store := storage.NewMemoryStore()
	mgr := NewSessionManager(store)
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx)
	require.NoError(t, err)

	main, err := mgr.LoadBranch(ctx, session.ID, types.MainBranchID)
	require.NoError(t, err)
	main.Messages = append(main.Messages,
		types.Message{ID: "m1", Role: types.RoleUser},
		types.Message{ID: "m2", Role: types.RoleAssistant},
	)
	require.NoError(t, store.SaveBranch(ctx, main))
	mgr.InvalidateBranch(session.ID, types.MainBranchID)

	forked, err := mgr.ForkBranchAtMessage(ctx, session.ID, types.MainBranchID, 1)
	require.NoError(t, err)
	require.Len(t, forked.Messages, 1)
	assert.Equal(t, "m1", forked.Messages[0].ID)
	require.NotNil(t, forked.ParentID)
	assert.Equal(t, types.MainBranchID, *forked.ParentID)

	updatedSession, err := store.LoadSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Contains(t, updatedSession.BranchIDs, forked.ID)
}

func TestSessionManager_DeleteBranchResetsActive(t *testing.T) {
	store := storage.NewMemoryStore()
	mgr := NewSessionManager(store)
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx)
	require.NoError(t, err)

	forked, err := mgr.ForkBranchAtMessage(ctx, session.ID, types.MainBranchID, 0)
	require.NoError(t, err)
	require.NoError(t, mgr.ActivateBranch(ctx, session.ID, forked.ID))

	require.NoError(t, mgr.DeleteBranch(ctx, session.ID, forked.ID, false))

	updated, err := store.LoadSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MainBranchID, updated.ActiveBranchID)
	assert.NotContains(t, updated.BranchIDs, forked.ID)
}

func TestSessionManager_BeginRunAndAbort(t *testing.T) {
	mgr := NewSessionManager(storage.NewMemoryStore())
	session, err := mgr.CreateSession(context.Background())
	require.NoError(t, err)

	runCtx, end, err := mgr.BeginRun(context.Background(), session.ID, types.MainBranchID)
	require.NoError(t, err)
	defer end()

	assert.True(t, mgr.Abort(session.ID, types.MainBranchID))
	<-runCtx.Done()
	assert.ErrorIs(t, runCtx.Err(), context.Canceled)
}

func TestSessionManager_BeginRunRejectsSecondConcurrentRun(t *testing.T) {
	mgr := NewSessionManager(storage.NewMemoryStore())
	session, err := mgr.CreateSession(context.Background())
	require.NoError(t, err)

	firstCtx, firstEnd, err := mgr.BeginRun(context.Background(), session.ID, types.MainBranchID)
	require.NoError(t, err)
	defer firstEnd()

	_, _, err = mgr.BeginRun(context.Background(), session.ID, types.MainBranchID)
	require.Error(t, err)

	// The first run is untouched by the rejected second attempt.
	select {
	case <-firstCtx.Done():
		t.Fatal("first run was cancelled by a rejected second BeginRun")
	default:
	}

	firstEnd()
	_, secondEnd, err := mgr.BeginRun(context.Background(), session.ID, types.MainBranchID)
	require.NoError(t, err)
	secondEnd()
}

func TestSessionManager_AbortWithNoActiveRun(t *testing.T) {
	mgr := NewSessionManager(storage.NewMemoryStore())
	assert.False(t, mgr.Abort("nonexistent-session", types.MainBranchID))
}
