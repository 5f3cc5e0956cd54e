package sessionmgr

import (
	"context"
	"time"

	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/gitops"
)

// prPollInterval is how often an open pull request's state is checked
// (spec.md §4.4 "Pull request polling").
const prPollInterval = 30 * time.Second

// prPollGranularity is how finely the poller re-checks for cancellation
// between full poll intervals, so stopping a poller never waits the full
// 30s (spec.md §4.4 "cancellable at ~1s granularity").
const prPollGranularity = time.Second

// startPRPoller begins polling a session's pull request, unless one is
// already running for it (spec.md §4.4: "per-session registry preventing
// duplicate pollers").
func (m *Manager) startPRPoller(sessionID, folder, identifier string) {
	m.prMu.Lock()
	if _, exists := m.prPollers[sessionID]; exists {
		m.prMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.prPollers[sessionID] = cancel
	m.prMu.Unlock()

	go m.runPRPoller(ctx, sessionID, folder, identifier)
}

// stopPRPoller cancels a session's pull request poller, if any is running.
func (m *Manager) stopPRPoller(sessionID string) {
	m.prMu.Lock()
	cancel, ok := m.prPollers[sessionID]
	delete(m.prPollers, sessionID)
	m.prMu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) runPRPoller(ctx context.Context, sessionID, folder, identifier string) {
	ctx = applog.WithComponent(applog.WithSession(ctx, sessionID), "sessionmgr")
	defer func() {
		m.prMu.Lock()
		delete(m.prPollers, sessionID)
		m.prMu.Unlock()
	}()

	for {
		if !sleepCancellable(ctx, prPollInterval, prPollGranularity) {
			return
		}

		pr, err := gitops.PRView(ctx, folder, identifier)
		if err != nil {
			applog.Warn(ctx, "pull request poll failed", "error", err.Error())
			continue
		}

		switch {
		case pr.State == "MERGED":
			m.onPRMerged(ctx, sessionID)
			return
		case pr.State == "CLOSED":
			m.onPRClosed(ctx, sessionID)
			return
		}
	}
}

// sleepCancellable waits for total, checking ctx.Done() every step, and
// reports whether the wait completed (false means the context was
// canceled).
func sleepCancellable(ctx context.Context, total, step time.Duration) bool {
	timer := time.NewTimer(step)
	defer timer.Stop()
	elapsed := time.Duration(0)
	for elapsed < total {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			elapsed += step
			timer.Reset(step)
		}
	}
	return true
}

func (m *Manager) onPRMerged(ctx context.Context, sessionID string) {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		applog.Warn(ctx, "pull request merged but session is gone", "error", err.Error())
		return
	}
	if sess.Status != domain.StatusPullRequest {
		return
	}

	repoPath, err := m.projectRepoPath(ctx, sess.ProjectID)
	folder := sess.WorktreeFolder(m.basePath)
	branch := sess.WorktreeBranch()

	if err := m.transition(ctx, sessionID, domain.StatusPullRequest, domain.StatusDone); err != nil {
		applog.Error(ctx, "failed to transition merged session to done", "error", err.Error())
		return
	}
	m.appendOutput(ctx, sessionID, "[Pull Request] merged\n\n")

	if err == nil {
		m.client.ShutdownSession(ctx, folder, sess.Model, sess.AgentKind)
		m.removeWorktreeBestEffort(ctx, repoPath, folder, branch)
	}
	forgetTokenBaseline(sessionID)
	m.refreshSession(ctx, sessionID)
}

func (m *Manager) onPRClosed(ctx context.Context, sessionID string) {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		applog.Warn(ctx, "pull request closed but session is gone", "error", err.Error())
		return
	}
	if sess.Status != domain.StatusPullRequest {
		return
	}
	if err := m.transition(ctx, sessionID, domain.StatusPullRequest, domain.StatusReview); err != nil {
		applog.Error(ctx, "failed to transition closed-PR session back to review", "error", err.Error())
		return
	}
	m.appendOutput(ctx, sessionID, "[Pull Request] closed without merging\n\n")
	m.refreshSession(ctx, sessionID)
}

// ResumePRPollers restarts a poller for every session still awaiting a
// pull-request outcome, so in-flight PRs survive a process restart
// (spec.md §4.4 "idempotent restart on boot for every PullRequest-status
// session").
func (m *Manager) ResumePRPollers(ctx context.Context) error {
	sessions, err := m.store.LoadSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status != domain.StatusPullRequest || sess.PRURL == "" {
			continue
		}
		folder := sess.WorktreeFolder(m.basePath)
		m.startPRPoller(sess.ID, folder, sess.PRURL)
	}
	return nil
}
