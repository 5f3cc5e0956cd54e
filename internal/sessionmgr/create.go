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

// CreateSessionRequest names the project, base branch, and agent selection
// a new session starts from (spec.md §4.1 "create_session").
type CreateSessionRequest struct {
	ProjectID  int64
	RepoPath   string
	BaseBranch string
	Kind       domain.AgentKind
	Model      string
}

// CreateSession creates a worktree on a fresh agentty/<id> branch forked
// from req.BaseBranch and inserts a StatusNew session row for it. On any
// failure it rolls back whatever was already created, in reverse order
// (spec.md §4.1 "create_session", §7 error recovery).
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	if _, err := domain.LookupModel(req.Kind, req.Model); err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "%s", err.Error())
	}

	id := newSessionID()
	folder := (domain.Session{ID: id}).WorktreeFolder(m.basePath)
	branch := (domain.Session{ID: id}).WorktreeBranch()

	if err := gitops.CreateWorktree(ctx, req.RepoPath, folder, branch, req.BaseBranch); err != nil {
		return "", err
	}

	sess := domain.Session{
		ID:             id,
		AgentKind:      req.Kind,
		Model:          req.Model,
		BaseBranch:     req.BaseBranch,
		Status:         domain.StatusNew,
		ProjectID:      req.ProjectID,
		PermissionMode: domain.PermissionAutoEdit,
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		m.removeWorktreeBestEffort(ctx, req.RepoPath, folder, branch)
		return "", apperr.Wrap(apperr.KindPersistence, "failed to save new session: %s", err.Error())
	}

	full, err := m.store.GetSession(ctx, id)
	if err != nil || full == nil {
		_ = m.store.DeleteSession(ctx, id)
		m.removeWorktreeBestEffort(ctx, req.RepoPath, folder, branch)
		if err != nil {
			return "", fmt.Errorf("loading newly created session: %w", err)
		}
		return "", apperr.Wrap(apperr.KindPersistence, "newly created session %s disappeared", id)
	}

	m.registry.Put(*full)
	applog.Info(ctx, "session created", "session", id, "project_id", req.ProjectID, "branch", branch)
	m.telemetry.TrackSessionEvent(telemetry.EventSessionCreated, req.Kind, domain.SizeXS)
	return id, nil
}

func removeWorktreeQuiet(ctx context.Context, folder string) error {
	if err := gitops.RemoveWorktree(ctx, folder); err != nil {
		return fmt.Errorf("removing worktree %s: %w", folder, err)
	}
	return nil
}

func deleteBranchQuiet(ctx context.Context, repoPath, branch string) error {
	if err := gitops.DeleteBranch(ctx, repoPath, branch); err != nil {
		return fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	return nil
}
