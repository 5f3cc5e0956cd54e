// Package sessionmgr is the Session Manager: the public operations of
// spec.md §4.1 (create/start/reply/stop/delete, model/permission changes,
// commit/merge/rebase/PR workflows, history clearing), the turn-execution
// worker of §4.1 "Turn execution", the auto-commit and agent-assist loop of
// §4.3, and the PR polling loop of §4.4. It is the component that wires
// together internal/store, internal/opledger, internal/registry,
// internal/appserver, internal/gitops and internal/eventbus into the
// orchestrator's behavior.
package sessionmgr

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentty/agentty/internal/apperr"
	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/appserver"
	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/eventbus"
	"github.com/agentty/agentty/internal/opledger"
	"github.com/agentty/agentty/internal/registry"
	"github.com/agentty/agentty/internal/store"
	"github.com/agentty/agentty/internal/telemetry"
)

// Manager owns every live session's cancel handle and PR poller, and
// dispatches the public session operations against the store, registry,
// app-server client and git boundary.
type Manager struct {
	store     *store.Store
	ledger    *opledger.Ledger
	registry  *registry.Registry
	bus       *eventbus.Bus
	client    *appserver.Client
	telemetry telemetry.Client
	basePath  string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // per-session in-flight turn

	prMu      sync.Mutex
	prPollers map[string]context.CancelFunc

	turns errgroup.Group // supervises every spawned turn-worker goroutine
}

// New constructs a Manager. basePath is the root directory session
// worktrees are created under (spec.md §6.1, §6.3). telem may be nil, in
// which case session lifecycle events are simply not tracked.
func New(s *store.Store, ledger *opledger.Ledger, reg *registry.Registry, bus *eventbus.Bus, client *appserver.Client, basePath string, telem telemetry.Client) *Manager {
	if telem == nil {
		telem = telemetry.NoOpClient{}
	}
	return &Manager{
		store:     s,
		ledger:    ledger,
		registry:  reg,
		bus:       bus,
		client:    client,
		telemetry: telem,
		basePath:  basePath,
		cancels:   make(map[string]context.CancelFunc),
		prPollers: make(map[string]context.CancelFunc),
	}
}

// projectRepoPath resolves a session's owning project's repository root.
func (m *Manager) projectRepoPath(ctx context.Context, projectID int64) (string, error) {
	proj, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("loading project: %w", err)
	}
	if proj == nil {
		return "", apperr.Wrap(apperr.KindValidation, "project %d not found", projectID)
	}
	return proj.Path, nil
}

func (m *Manager) mustSession(ctx context.Context, sessionID string) (domain.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return domain.Session{}, apperr.Wrap(apperr.KindValidation, "Session not found: %s", sessionID)
	}
	return *sess, nil
}

// refreshSession reloads a session from the store into the registry and
// publishes a SessionUpdated event, so the UI reflects a write this
// Manager just made without waiting for the registry's poll tick.
func (m *Manager) refreshSession(ctx context.Context, sessionID string) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return
	}
	m.registry.Put(*sess)
	m.bus.Publish(eventbus.AppEvent{Kind: eventbus.SessionUpdated, SessionID: sessionID})
}

// transition validates and persists a status change, per spec.md §3.2's
// transition graph and §9 "State machine as data": every UpdateStatus call
// guards on domain.CanTransition.
func (m *Manager) transition(ctx context.Context, sessionID string, from, to domain.Status) error {
	if !domain.CanTransition(from, to) {
		return apperr.Wrap(apperr.KindValidation, "cannot transition session from %s to %s", from, to)
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, to); err != nil {
		applog.Error(ctx, "failed to persist status transition", "session", sessionID, "error", err.Error())
		return apperr.Wrap(apperr.KindPersistence, "failed to persist status transition: %s", err.Error())
	}
	return nil
}

// appendOutput appends a transcript line and republishes the session.
func (m *Manager) appendOutput(ctx context.Context, sessionID, text string) {
	if err := m.store.AppendSessionOutput(ctx, sessionID, text); err != nil {
		applog.Error(ctx, "failed to append session output", "session", sessionID, "error", err.Error())
	}
	m.refreshSession(ctx, sessionID)
}

func (m *Manager) setCancel(sessionID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[sessionID] = cancel
}

func (m *Manager) clearCancel(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, sessionID)
}

// cancelTurn signals the in-flight turn worker for a session, if any.
func (m *Manager) cancelTurn(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.cancels[sessionID]
	if ok {
		cancel()
	}
	return ok
}

func policyFor(mode domain.PermissionMode) appserver.PermissionModePolicy {
	if mode == domain.PermissionPlan {
		return appserver.PlanPolicy
	}
	return appserver.AutoEditPolicy
}

func newSessionID() string {
	return uuid.NewString()
}

// removeWorktreeBestEffort removes a session's worktree/branch/folder,
// logging rather than failing the caller on any one step — used both by
// successful merge/delete paths and by create_session's rollback.
func (m *Manager) removeWorktreeBestEffort(ctx context.Context, repoPath, folder, branch string) {
	if err := removeWorktreeArtifacts(ctx, repoPath, folder, branch); err != nil {
		applog.Warn(ctx, "failed to fully clean up session worktree", "folder", folder, "error", err.Error())
	}
}

// Wait blocks until every turn-execution worker this Manager has spawned
// has returned, for an orderly shutdown (turn-worker lifecycle via
// errgroup.Group). runTurn never itself returns an error — it always
// resolves the session back to a terminal status internally — so the
// group's error is always nil; Wait exists purely for the draining
// barrier.
func (m *Manager) Wait() {
	_ = m.turns.Wait()
}

// Boot runs the process-start reconciliation the orchestrator performs
// before accepting any session operation: the Operation Ledger's
// crash-recovery sweep, then resuming a poller for every session still
// awaiting a pull-request outcome (spec.md §4 "Operation Ledger", §4.4
// "idempotent restart on boot").
func (m *Manager) Boot(ctx context.Context) error {
	if _, err := m.ledger.RecoverFromCrash(ctx); err != nil {
		return fmt.Errorf("recovering operation ledger: %w", err)
	}
	if err := m.ResumePRPollers(ctx); err != nil {
		return fmt.Errorf("resuming pull request pollers: %w", err)
	}
	return nil
}

func removeWorktreeArtifacts(ctx context.Context, repoPath, folder, branch string) error {
	var firstErr error
	if err := removeWorktreeQuiet(ctx, folder); err != nil {
		firstErr = err
	}
	if err := deleteBranchQuiet(ctx, repoPath, branch); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = os.RemoveAll(folder)
	return firstErr
}
