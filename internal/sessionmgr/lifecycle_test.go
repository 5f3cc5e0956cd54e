package sessionmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentty/agentty/internal/apperr"
	"github.com/agentty/agentty/internal/domain"
)

func TestStopSessionOnNewSessionCancels(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)

	require.NoError(t, env.mgr.StopSession(ctx, id))

	sess, err := env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCanceled, sess.Status)
}

func TestStopSessionRejectsReviewStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusReview))

	err := env.mgr.StopSession(ctx, id)
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.KindValidation)
}

func TestReplyRequiresReviewStatusUnlessNeverStarted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)

	// A session with an empty prompt has never been started: Reply behaves
	// like StartSession.
	err := env.mgr.Reply(ctx, id, "do the thing")
	require.NoError(t, err)

	sess, err := env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, sess.Status)
	require.Equal(t, "do the thing", sess.Prompt)

	// Replying again while still in progress is rejected.
	err = env.mgr.Reply(ctx, id, "another message")
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.KindValidation)
}

func TestSetSessionModelValidatesAndRejectsDuringTurn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)

	err := env.mgr.SetSessionModel(ctx, id, domain.AgentClaude, "not-a-real-model")
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.KindValidation)

	require.NoError(t, env.mgr.SetSessionModel(ctx, id, domain.AgentClaude, "claude-opus-4-5"))
	sess, err := env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "claude-opus-4-5", sess.Model)

	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusInProgress))
	err = env.mgr.SetSessionModel(ctx, id, domain.AgentClaude, "claude-sonnet-4-5")
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.KindOperationInProgress)
}

func TestTogglePermissionModeFlips(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)

	sess, err := env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionAutoEdit, sess.PermissionMode)

	require.NoError(t, env.mgr.TogglePermissionMode(ctx, id))
	sess, err = env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionPlan, sess.PermissionMode)

	require.NoError(t, env.mgr.TogglePermissionMode(ctx, id))
	sess, err = env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionAutoEdit, sess.PermissionMode)
}

func TestClearSessionHistoryResetsToNew(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)

	require.NoError(t, env.store.UpdateSessionPrompt(ctx, id, "hello"))
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusReview))
	require.NoError(t, env.store.AppendSessionOutput(ctx, id, "some output"))

	require.NoError(t, env.mgr.ClearSessionHistory(ctx, id))

	sess, err := env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusNew, sess.Status)
	require.Empty(t, sess.Output)
}

func TestClearSessionHistoryRejectsDuringTurn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusInProgress))

	err := env.mgr.ClearSessionHistory(ctx, id)
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.KindOperationInProgress)
}

func TestDeleteSelectedSessionRemovesWorktreeAndRow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)

	folder := func() string {
		sess, err := env.store.GetSession(ctx, id)
		require.NoError(t, err)
		return sess.WorktreeFolder(env.basePath)
	}()
	require.DirExists(t, folder)

	require.NoError(t, env.mgr.DeleteSelectedSession(ctx, id))

	require.NoDirExists(t, folder)
	sess, err := env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Nil(t, sess)

	_, inRegistry := env.registry.Get(id)
	require.False(t, inRegistry)
}

func TestDeleteSelectedSessionOnDoneSessionSkipsWorktreeCleanup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusInProgress))
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusReview))
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusMerging))
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusDone))

	require.NoError(t, env.mgr.DeleteSelectedSession(ctx, id))

	sess, err := env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Nil(t, sess)
}
