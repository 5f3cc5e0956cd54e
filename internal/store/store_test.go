package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentty/agentty/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProjectUpsertIsIdempotentOnPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.UpsertProject(ctx, "/repos/widgets", "main")
	require.NoError(t, err)

	id2, err := s.UpsertProject(ctx, "/repos/widgets", "develop")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	p, err := s.GetProject(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, "develop", p.DefaultBranch)
}

func TestSessionInsertLoadAndUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	projectID, err := s.UpsertProject(ctx, "/repos/widgets", "main")
	require.NoError(t, err)

	sess := domain.Session{
		ID:             "11111111-2222-3333-4444-555555555555",
		AgentKind:      domain.AgentClaude,
		Model:          "claude-sonnet-4-5",
		BaseBranch:     "main",
		Status:         domain.StatusNew,
		ProjectID:      projectID,
		PermissionMode: domain.PermissionAutoEdit,
	}
	require.NoError(t, s.InsertSession(ctx, sess))

	loaded, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, domain.StatusNew, loaded.Status)
	require.Equal(t, domain.SizeXS, loaded.Size)
	require.False(t, loaded.CreatedAt.IsZero())

	firstUpdatedAt := loaded.UpdatedAt

	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, domain.StatusInProgress))
	require.NoError(t, s.UpdateSessionTitle(ctx, sess.ID, "Add login flow"))
	require.NoError(t, s.AppendSessionOutput(ctx, sess.ID, "hello "))
	require.NoError(t, s.AppendSessionOutput(ctx, sess.ID, "world"))
	require.NoError(t, s.AccumulateSessionTokens(ctx, sess.ID, 100, 50))
	require.NoError(t, s.AccumulateSessionTokens(ctx, sess.ID, 10, 5))

	loaded, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, loaded.Status)
	require.Equal(t, "Add login flow", loaded.Title)
	require.Equal(t, "hello world", loaded.Output)
	require.Equal(t, int64(110), loaded.InputTokens)
	require.Equal(t, int64(55), loaded.OutputTokens)
	require.True(t, !loaded.UpdatedAt.Before(firstUpdatedAt))

	sessions, err := s.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	count, maxUpdated, err := s.SessionsMetadata(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Greater(t, maxUpdated, int64(0))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	gone, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestClearSessionHistoryResetsTranscriptNotIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := domain.Session{ID: "session-clear", AgentKind: domain.AgentCodex, Model: "gpt-5-codex",
		BaseBranch: "main", Status: domain.StatusReview, PermissionMode: domain.PermissionAutoEdit}
	require.NoError(t, s.InsertSession(ctx, sess))
	require.NoError(t, s.UpdateSessionTitle(ctx, sess.ID, "Some title"))
	require.NoError(t, s.AppendSessionOutput(ctx, sess.ID, "transcript"))
	require.NoError(t, s.AccumulateSessionTokens(ctx, sess.ID, 42, 7))

	require.NoError(t, s.ClearSessionHistory(ctx, sess.ID))

	loaded, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusNew, loaded.Status)
	require.Empty(t, loaded.Output)
	require.Empty(t, loaded.Title)
	require.Equal(t, "gpt-5-codex", loaded.Model, "model selection survives a history clear")
	require.Equal(t, int64(42), loaded.InputTokens, "accumulated usage survives a history clear")
}

func TestOperationLifecycleAndCrashRecovery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := domain.Session{ID: "session-ops", AgentKind: domain.AgentClaude, Model: "claude-sonnet-4-5",
		BaseBranch: "main", Status: domain.StatusNew, PermissionMode: domain.PermissionAutoEdit}
	require.NoError(t, s.InsertSession(ctx, sess))

	require.NoError(t, s.InsertOperation(ctx, "op-1", sess.ID, domain.OperationStartPrompt))

	unfinished, err := s.IsOperationUnfinished(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, unfinished)

	require.NoError(t, s.MarkOperationRunning(ctx, "op-1"))

	ops, err := s.LoadUnfinishedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, domain.OperationRunning, ops[0].Status)
	require.NotNil(t, ops[0].StartedAt)

	n, err := s.FailUnfinishedOperations(ctx, "process restarted")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	unfinished, err = s.IsOperationUnfinished(ctx, "op-1")
	require.NoError(t, err)
	require.False(t, unfinished)
}

func TestCancelRequestFlagging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := domain.Session{ID: "session-cancel", AgentKind: domain.AgentClaude, Model: "claude-sonnet-4-5",
		BaseBranch: "main", Status: domain.StatusInProgress, PermissionMode: domain.PermissionAutoEdit}
	require.NoError(t, s.InsertSession(ctx, sess))
	require.NoError(t, s.InsertOperation(ctx, "op-2", sess.ID, domain.OperationReply))
	require.NoError(t, s.MarkOperationRunning(ctx, "op-2"))

	requested, err := s.IsCancelRequestedForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, requested)

	require.NoError(t, s.RequestCancelForSession(ctx, sess.ID))

	requested, err = s.IsCancelRequestedForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, requested)
}

func TestSessionUsageAccumulatesPerModel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := domain.Session{ID: "session-usage", AgentKind: domain.AgentClaude, Model: "claude-sonnet-4-5",
		BaseBranch: "main", Status: domain.StatusNew, PermissionMode: domain.PermissionAutoEdit}
	require.NoError(t, s.InsertSession(ctx, sess))

	require.NoError(t, s.AccumulateSessionUsage(ctx, sess.ID, "claude-sonnet-4-5", 100, 20))
	require.NoError(t, s.AccumulateSessionUsage(ctx, sess.ID, "claude-sonnet-4-5", 50, 10))
	require.NoError(t, s.AccumulateSessionUsage(ctx, sess.ID, "claude-opus-4-5", 5, 1))

	usage, err := s.LoadSessionUsage(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	require.Equal(t, "claude-opus-4-5", usage[0].Model)
	require.Equal(t, "claude-sonnet-4-5", usage[1].Model)
	require.Equal(t, int64(150), usage[1].InputTokens)
	require.Equal(t, int64(2), usage[1].InvocationCount)
}

func TestSettingUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetSetting(ctx, "onboarding_dismissed")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.UpsertSetting(ctx, "onboarding_dismissed", "true"))
	value, ok, err := s.GetSetting(ctx, "onboarding_dismissed")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", value)

	require.NoError(t, s.UpsertSetting(ctx, "onboarding_dismissed", "false"))
	value, _, err = s.GetSetting(ctx, "onboarding_dismissed")
	require.NoError(t, err)
	require.Equal(t, "false", value)
}
