package sessionmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentty/agentty/internal/apperr"
	"github.com/agentty/agentty/internal/domain"
)

func TestMergeSessionRequiresReviewOrPullRequestStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)

	err := env.mgr.MergeSession(ctx, id)
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.KindValidation)
}

func TestRebaseSessionRequiresReviewStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)

	err := env.mgr.RebaseSession(ctx, id)
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.KindValidation)
}

func TestCreatePRSessionRequiresReviewStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusInProgress))

	err := env.mgr.CreatePRSession(ctx, id)
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.KindValidation)
}

func TestMergeSessionSquashMergesAndMarksDone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, repoPath := env.newProjectSession(t, ctx)

	sess, err := env.store.GetSession(ctx, id)
	require.NoError(t, err)
	folder := sess.WorktreeFolder(env.basePath)

	// Produce a commit on the session's branch so the squash-merge has
	// something to merge in.
	require.NoError(t, writeAndCommit(t, folder, "feature.txt", "feature work\n", "session work"))
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusInProgress))
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusReview))

	require.NoError(t, env.mgr.MergeSession(ctx, id))

	sess, err = env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, sess.Status)
	require.NoDirExists(t, folder)

	require.FileExists(t, repoPath+"/feature.txt")
}

func TestRebaseSessionRebasesCleanlyWhenNoConflict(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)

	sess, err := env.store.GetSession(ctx, id)
	require.NoError(t, err)
	folder := sess.WorktreeFolder(env.basePath)

	require.NoError(t, writeAndCommit(t, folder, "feature.txt", "feature work\n", "session work"))
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusInProgress))
	require.NoError(t, env.store.UpdateSessionStatus(ctx, id, domain.StatusReview))

	require.NoError(t, env.mgr.RebaseSession(ctx, id))

	sess, err = env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReview, sess.Status)
}
