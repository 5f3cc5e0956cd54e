package sessionmgr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentty/agentty/internal/apperr"
	"github.com/agentty/agentty/internal/domain"
)

func TestConsumeTokenDeltaFirstCallIsFullBaseline(t *testing.T) {
	sessionID := "turn-delta-first-call"
	t.Cleanup(func() { forgetTokenBaseline(sessionID) })

	in, out := consumeTokenDelta(sessionID, 100, 40)
	require.EqualValues(t, 100, in)
	require.EqualValues(t, 40, out)
}

func TestConsumeTokenDeltaSubsequentCallsAreIncremental(t *testing.T) {
	sessionID := "turn-delta-incremental"
	t.Cleanup(func() { forgetTokenBaseline(sessionID) })

	consumeTokenDelta(sessionID, 100, 40)
	in, out := consumeTokenDelta(sessionID, 150, 55)
	require.EqualValues(t, 50, in)
	require.EqualValues(t, 15, out)
}

func TestConsumeTokenDeltaTreatsDecreaseAsFreshBaseline(t *testing.T) {
	sessionID := "turn-delta-compaction-reset"
	t.Cleanup(func() { forgetTokenBaseline(sessionID) })

	consumeTokenDelta(sessionID, 300_000, 10_000)
	// The runtime compacted and its cumulative counters reset to a small
	// value: the whole new value is additive, not a negative delta.
	in, out := consumeTokenDelta(sessionID, 500, 120)
	require.EqualValues(t, 500, in)
	require.EqualValues(t, 120, out)
}

func TestForgetTokenBaselineResetsFutureCalls(t *testing.T) {
	sessionID := "turn-delta-forget"
	consumeTokenDelta(sessionID, 200, 80)
	forgetTokenBaseline(sessionID)

	in, out := consumeTokenDelta(sessionID, 50, 10)
	t.Cleanup(func() { forgetTokenBaseline(sessionID) })
	require.EqualValues(t, 50, in)
	require.EqualValues(t, 10, out)
}

func TestClassifyTurnErrorPrefixesTransportFailures(t *testing.T) {
	transportErr := apperr.Wrap(apperr.KindTransport, "pipe closed")
	require.Contains(t, classifyTurnError(transportErr), "app-server connection failed")

	plain := errors.New("something else went wrong")
	require.Equal(t, "something else went wrong", classifyTurnError(plain))
}

func TestRunTurnOnMissingSessionMarksOperationFailed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// runTurn is called directly (bypassing spawnTurn) against a session id
	// that was never created, exercising the "could not load session" early
	// exit without spawning an app-server child.
	env.mgr.runTurn(ctx, "does-not-exist", "hello", domain.OperationReply)

	ops, err := env.store.LoadUnfinishedOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, ops)
}
