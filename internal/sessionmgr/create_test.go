package sessionmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentty/agentty/internal/domain"
)

func TestCreateSessionHappyPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	id, repoPath := env.newProjectSession(t, ctx)
	require.NotEmpty(t, id)

	sess, err := env.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, domain.StatusNew, sess.Status)
	require.Equal(t, domain.PermissionAutoEdit, sess.PermissionMode)
	require.Equal(t, "main", sess.BaseBranch)
	require.DirExists(t, sess.WorktreeFolder(env.basePath))

	_, inRegistry := env.registry.Get(id)
	require.True(t, inRegistry)

	_ = repoPath
}

func TestCreateSessionRejectsModelForWrongKind(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	repoPath := initRepo(t)
	projectID, err := env.store.UpsertProject(ctx, repoPath, "main")
	require.NoError(t, err)

	_, err = env.mgr.CreateSession(ctx, CreateSessionRequest{
		ProjectID:  projectID,
		RepoPath:   repoPath,
		BaseBranch: "main",
		Kind:       domain.AgentClaude,
		Model:      "gpt-5.2-codex", // belongs to AgentCodex, not AgentClaude
	})
	require.Error(t, err)

	sessions, err := env.store.LoadSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestCreateSessionRollsBackWorktreeOnInvalidRepo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.mgr.CreateSession(ctx, CreateSessionRequest{
		ProjectID:  1,
		RepoPath:   t.TempDir(), // not a git repo
		BaseBranch: "main",
		Kind:       domain.AgentClaude,
		Model:      domain.DefaultModel(domain.AgentClaude),
	})
	require.Error(t, err)
}
