package sessionmgr

import (
	"context"
	"fmt"

	"github.com/agentty/agentty/internal/apperr"
	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/gitops"
	"github.com/agentty/agentty/internal/telemetry"
)

// MergeSession squash-merges a session's branch into its base branch in the
// project's primary repository. On success the session moves to Done and
// its worktree/branch are removed; the row itself is kept, preserving the
// "terminal sessions keep no worktree" invariant (spec.md §3.1, §4.1
// "merge_session").
func (m *Manager) MergeSession(ctx context.Context, sessionID string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusReview && sess.Status != domain.StatusPullRequest {
		return apperr.Wrap(apperr.KindValidation, "session must be in review or pull-request status to merge, got %s", sess.Status)
	}

	repoPath, err := m.projectRepoPath(ctx, sess.ProjectID)
	if err != nil {
		return err
	}
	folder := sess.WorktreeFolder(m.basePath)
	branch := sess.WorktreeBranch()

	if err := m.transition(ctx, sessionID, sess.Status, domain.StatusMerging); err != nil {
		return err
	}

	opID, opErr := m.ledger.Begin(ctx, sessionID, domain.OperationMerge)
	if opErr == nil {
		_ = m.ledger.Running(ctx, opID)
	}

	title := sess.Title
	if title == "" {
		title = branch
	}
	message := fmt.Sprintf("Merge session: %s", title)
	if err := gitops.SquashMerge(ctx, repoPath, branch, sess.BaseBranch, message); err != nil {
		// Merge failures are not part of the Merging->Done edge; fall back
		// to Review so the session remains actionable.
		if opID != "" {
			_ = m.ledger.Failed(ctx, opID, err)
		}
		if revertErr := m.transition(ctx, sessionID, domain.StatusMerging, domain.StatusReview); revertErr != nil {
			applog.Error(ctx, "failed to revert merging status after failed merge", "error", revertErr.Error())
		}
		return err
	}
	if opID != "" {
		_ = m.ledger.Done(ctx, opID)
	}

	if err := m.transition(ctx, sessionID, domain.StatusMerging, domain.StatusDone); err != nil {
		return err
	}

	m.stopPRPoller(sessionID)
	m.client.ShutdownSession(ctx, folder, sess.Model, sess.AgentKind)
	m.removeWorktreeBestEffort(ctx, repoPath, folder, branch)
	forgetTokenBaseline(sessionID)
	m.telemetry.TrackSessionEvent(telemetry.EventSessionMerged, sess.AgentKind, sess.Size)

	m.refreshSession(ctx, sessionID)
	return nil
}

// RebaseSession rebases a session's worktree branch onto its base branch.
// A conflict is reported as a typed error without losing the session's
// work: gitops.Rebase aborts the conflicting rebase, leaving the branch as
// it was, and the session returns to Review (spec.md §4.1 "rebase_session",
// §7).
func (m *Manager) RebaseSession(ctx context.Context, sessionID string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusReview {
		return apperr.Wrap(apperr.KindValidation, "session must be in review status to rebase, got %s", sess.Status)
	}

	folder := sess.WorktreeFolder(m.basePath)
	if err := m.transition(ctx, sessionID, domain.StatusReview, domain.StatusRebasing); err != nil {
		return err
	}

	opID, opErr := m.ledger.Begin(ctx, sessionID, domain.OperationRebase)
	if opErr == nil {
		_ = m.ledger.Running(ctx, opID)
	}

	rebaseErr := gitops.Rebase(ctx, folder, sess.BaseBranch)

	if opID != "" {
		if rebaseErr != nil {
			_ = m.ledger.Failed(ctx, opID, rebaseErr)
		} else {
			_ = m.ledger.Done(ctx, opID)
		}
	}

	if err := m.transition(ctx, sessionID, domain.StatusRebasing, domain.StatusReview); err != nil {
		applog.Error(ctx, "failed to transition session back to review after rebase", "error", err.Error())
	}
	m.refreshSession(ctx, sessionID)
	return rebaseErr
}

// CreatePRSession pushes a session's branch and opens a pull request
// against its base branch, then starts polling it for merge/close (spec.md
// §4.1 "create_pr_session", §4.4 "Pull request polling").
func (m *Manager) CreatePRSession(ctx context.Context, sessionID string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusReview {
		return apperr.Wrap(apperr.KindValidation, "session must be in review status to open a pull request, got %s", sess.Status)
	}

	folder := sess.WorktreeFolder(m.basePath)
	branch := sess.WorktreeBranch()

	title := sess.Title
	if title == "" {
		title = branch
	}
	body := sess.Summary
	if body == "" {
		body = sess.Prompt
	}

	opID, opErr := m.ledger.Begin(ctx, sessionID, domain.OperationPRCreate)
	if opErr == nil {
		_ = m.ledger.Running(ctx, opID)
	}

	pr, err := gitops.CreatePR(ctx, folder, branch, sess.BaseBranch, title, body)
	if err != nil {
		if opID != "" {
			_ = m.ledger.Failed(ctx, opID, err)
		}
		return err
	}
	if opID != "" {
		_ = m.ledger.Done(ctx, opID)
	}

	if err := m.store.UpdateSessionPRURL(ctx, sessionID, pr.URL); err != nil {
		applog.Warn(ctx, "failed to persist pull request url", "error", err.Error())
	}
	if err := m.transition(ctx, sessionID, domain.StatusReview, domain.StatusPullRequest); err != nil {
		return err
	}

	m.refreshSession(ctx, sessionID)
	m.startPRPoller(sessionID, folder, pr.URL)
	m.telemetry.TrackSessionEvent(telemetry.EventPullRequestOpen, sess.AgentKind, sess.Size)
	return nil
}
