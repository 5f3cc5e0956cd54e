package sessionmgr

import (
	"context"

	"github.com/agentty/agentty/internal/apperr"
	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/eventbus"
	"github.com/agentty/agentty/internal/telemetry"
)

// StartSession moves a StatusNew session into StatusInProgress and spawns
// its turn worker (spec.md §4.1 "start_session").
func (m *Manager) StartSession(ctx context.Context, sessionID, prompt string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusNew {
		return apperr.Wrap(apperr.KindValidation, "session must be new to start, got %s", sess.Status)
	}

	title := domain.SummarizeTitle(prompt)
	if err := m.store.UpdateSessionPrompt(ctx, sessionID, prompt); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "failed to save prompt: %s", err.Error())
	}
	if err := m.store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "failed to save title: %s", err.Error())
	}
	if err := m.transition(ctx, sessionID, domain.StatusNew, domain.StatusInProgress); err != nil {
		return err
	}
	m.appendOutput(ctx, sessionID, "› "+prompt+"\n\n")

	m.spawnTurn(sessionID, prompt, domain.OperationStartPrompt)
	return nil
}

// Reply resumes a reviewed session with a follow-up prompt, or — per
// spec.md §4.1 — is treated as the first message when the session is still
// new and has never been started.
func (m *Manager) Reply(ctx context.Context, sessionID, prompt string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == domain.StatusNew && sess.Prompt == "" {
		return m.StartSession(ctx, sessionID, prompt)
	}
	if sess.Status != domain.StatusReview {
		m.appendOutput(ctx, sessionID, "[Reply Error] Session must be in review status\n\n")
		return apperr.Wrap(apperr.KindValidation, "Session must be in review status")
	}

	if err := m.store.UpdateSessionPrompt(ctx, sessionID, prompt); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "failed to save prompt: %s", err.Error())
	}
	if err := m.transition(ctx, sessionID, domain.StatusReview, domain.StatusInProgress); err != nil {
		return err
	}
	m.appendOutput(ctx, sessionID, "› "+prompt+"\n\n")

	m.spawnTurn(sessionID, prompt, domain.OperationReply)
	return nil
}

// StopSession cancels a session's in-flight turn. A session that was never
// started (StatusNew) moves to StatusCanceled; one whose turn was actually
// running moves to StatusReview so its partial work can still be reviewed
// (spec.md §4.1 "stop_session").
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case domain.StatusNew:
		if err := m.transition(ctx, sessionID, domain.StatusNew, domain.StatusCanceled); err != nil {
			return err
		}
		m.telemetry.TrackSessionEvent(telemetry.EventSessionCanceled, sess.AgentKind, sess.Size)
		return nil
	case domain.StatusInProgress:
		m.cancelTurn(sessionID)
		return nil // the turn worker's defer persists the terminal Review transition
	default:
		return apperr.Wrap(apperr.KindValidation, "cannot stop session in status %s", sess.Status)
	}
}

// SetSessionModel validates and persists a new model for a session. If the
// agent family changes, the now-stale app-server child for the old
// (folder, model, kind) is shut down so the next turn spawns a fresh one
// (spec.md §4.1 "set_session_model").
func (m *Manager) SetSessionModel(ctx context.Context, sessionID string, kind domain.AgentKind, model string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := domain.LookupModel(kind, model); err != nil {
		return apperr.Wrap(apperr.KindValidation, "%s", err.Error())
	}
	if sess.Status == domain.StatusInProgress {
		return apperr.Wrap(apperr.KindOperationInProgress, "cannot change model while a turn is running")
	}

	if kind != sess.AgentKind {
		if _, err := m.projectRepoPath(ctx, sess.ProjectID); err == nil {
			folder := sess.WorktreeFolder(m.basePath)
			m.client.ShutdownSession(ctx, folder, sess.Model, sess.AgentKind)
		}
		if err := m.store.UpdateSessionAgentKind(ctx, sessionID, kind); err != nil {
			return apperr.Wrap(apperr.KindPersistence, "failed to save agent kind: %s", err.Error())
		}
	}
	if err := m.store.UpdateSessionModel(ctx, sessionID, model); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "failed to save model: %s", err.Error())
	}
	m.refreshSession(ctx, sessionID)
	return nil
}

// TogglePermissionMode flips a session between auto-edit and plan
// permission modes (spec.md §4.1 "toggle_session_permission_mode").
func (m *Manager) TogglePermissionMode(ctx context.Context, sessionID string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}
	next := domain.PermissionAutoEdit
	if sess.PermissionMode == domain.PermissionAutoEdit {
		next = domain.PermissionPlan
	}
	if err := m.store.UpdateSessionPermissionMode(ctx, sessionID, next); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "failed to save permission mode: %s", err.Error())
	}
	m.refreshSession(ctx, sessionID)
	return nil
}

// DeleteSelectedSession cancels any in-flight work, tears down the
// session's worktree and branch, and removes its row (spec.md §4.1
// "delete_selected_session", §5 "Cancellation").
func (m *Manager) DeleteSelectedSession(ctx context.Context, sessionID string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}

	m.stopPRPoller(sessionID)
	m.cancelTurn(sessionID)
	if err := m.ledger.RequestCancel(ctx, sessionID); err != nil {
		applog.Warn(ctx, "failed to flag cancel for session operations", "session", sessionID, "error", err.Error())
	}

	if sess.Status.HasWorktree() {
		repoPath, err := m.projectRepoPath(ctx, sess.ProjectID)
		if err == nil {
			folder := sess.WorktreeFolder(m.basePath)
			branch := sess.WorktreeBranch()
			m.client.ShutdownSession(ctx, folder, sess.Model, sess.AgentKind)
			m.removeWorktreeBestEffort(ctx, repoPath, folder, branch)
		}
	}

	// Registry removal happens before the store delete so the UI never
	// observes a row the registry still mirrors after the store has
	// forgotten it.
	m.registry.Remove(sessionID)
	forgetTokenBaseline(sessionID)
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "failed to delete session: %s", err.Error())
	}
	m.bus.Publish(eventbus.AppEvent{Kind: eventbus.SessionRemoved, SessionID: sessionID})
	return nil
}

// ClearSessionHistory resets a session's transcript and returns it to
// StatusNew while preserving its worktree, agent, model and accumulated
// usage (spec.md §4.1 "clear_session_history").
func (m *Manager) ClearSessionHistory(ctx context.Context, sessionID string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == domain.StatusInProgress {
		return apperr.Wrap(apperr.KindOperationInProgress, "cannot clear history while a turn is running")
	}
	if err := m.store.ClearSessionHistory(ctx, sessionID); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "failed to clear session history: %s", err.Error())
	}
	m.refreshSession(ctx, sessionID)
	return nil
}
