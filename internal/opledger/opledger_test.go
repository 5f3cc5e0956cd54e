package opledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func insertSession(t *testing.T, s *store.Store, id string) {
	t.Helper()
	require.NoError(t, s.InsertSession(context.Background(), domain.Session{
		ID: id, AgentKind: domain.AgentCodex, Model: "gpt-5.2-codex",
		BaseBranch: "main", Status: domain.StatusNew,
	}))
}

func TestBeginRunningDoneLifecycle(t *testing.T) {
	ledger, s := newTestLedger(t)
	ctx := context.Background()
	insertSession(t, s, "sess-1")

	opID, err := ledger.Begin(ctx, "sess-1", domain.OperationCommit)
	require.NoError(t, err)

	unfinished, err := ledger.Unfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	require.Equal(t, domain.OperationQueued, unfinished[0].Status)

	require.NoError(t, ledger.Running(ctx, opID))
	require.NoError(t, ledger.Done(ctx, opID))

	unfinished, err = ledger.Unfinished(ctx)
	require.NoError(t, err)
	require.Empty(t, unfinished)
}

func TestFailedRecordsErrorMessage(t *testing.T) {
	ledger, s := newTestLedger(t)
	ctx := context.Background()
	insertSession(t, s, "sess-2")

	opID, err := ledger.Begin(ctx, "sess-2", domain.OperationMerge)
	require.NoError(t, err)
	require.NoError(t, ledger.Failed(ctx, opID, errors.New("merge conflict")))

	unfinished, err := ledger.Unfinished(ctx)
	require.NoError(t, err)
	require.Empty(t, unfinished)
}

func TestCancelRequestFlagging(t *testing.T) {
	ledger, s := newTestLedger(t)
	ctx := context.Background()
	insertSession(t, s, "sess-3")

	_, err := ledger.Begin(ctx, "sess-3", domain.OperationReply)
	require.NoError(t, err)

	flagged, err := ledger.IsCancelRequested(ctx, "sess-3")
	require.NoError(t, err)
	require.False(t, flagged)

	require.NoError(t, ledger.RequestCancel(ctx, "sess-3"))

	flagged, err = ledger.IsCancelRequested(ctx, "sess-3")
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestRecoverFromCrashFailsUnfinishedOperations(t *testing.T) {
	ledger, s := newTestLedger(t)
	ctx := context.Background()
	insertSession(t, s, "sess-4")

	opID, err := ledger.Begin(ctx, "sess-4", domain.OperationStartPrompt)
	require.NoError(t, err)
	require.NoError(t, ledger.Running(ctx, opID))

	n, err := ledger.RecoverFromCrash(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	unfinished, err := ledger.Unfinished(ctx)
	require.NoError(t, err)
	require.Empty(t, unfinished)
}
