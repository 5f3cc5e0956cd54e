package sessionmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSleepCancellableCompletesFullWait(t *testing.T) {
	ok := sleepCancellable(context.Background(), 20*time.Millisecond, 5*time.Millisecond)
	require.True(t, ok)
}

func TestSleepCancellableReturnsFalseOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := sleepCancellable(ctx, time.Hour, 5*time.Millisecond)
	require.False(t, ok)
}

func TestStartPRPollerDoesNotDuplicateForSameSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.mgr.prMu.Lock()
	require.Empty(t, env.mgr.prPollers)
	env.mgr.prMu.Unlock()

	// Start with an interval long enough that neither poller exits on its
	// own during the test.
	env.mgr.startPRPoller("session-a", "/tmp/irrelevant", "https://example.invalid/pr/1")
	env.mgr.prMu.Lock()
	require.Len(t, env.mgr.prPollers, 1)
	env.mgr.prMu.Unlock()

	env.mgr.startPRPoller("session-a", "/tmp/irrelevant", "https://example.invalid/pr/1")
	env.mgr.prMu.Lock()
	require.Len(t, env.mgr.prPollers, 1, "starting a poller for an already-polled session must not duplicate it")
	env.mgr.prMu.Unlock()

	env.mgr.stopPRPoller("session-a")
	_ = ctx
}

func TestStopPRPollerOnUnknownSessionIsANoop(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.stopPRPoller("never-started")
}

func TestResumePRPollersOnlyStartsForPullRequestSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id, _ := env.newProjectSession(t, ctx)

	require.NoError(t, env.mgr.Boot(ctx))

	env.mgr.prMu.Lock()
	require.Empty(t, env.mgr.prPollers, "a StatusNew session must not get a pull-request poller")
	env.mgr.prMu.Unlock()

	_ = id
}
