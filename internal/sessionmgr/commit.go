package sessionmgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentty/agentty/internal/apperr"
	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/appserver"
	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/gitops"
)

// assistMaxAttempts bounds the agent-assist retry loop invoked when a
// commit's pre-commit hooks fail in a way CommitAll's own staging-retry
// can't resolve (spec.md §4.3 "Agent-assisted hook recovery").
const assistMaxAttempts = 10

// assistMaxIdenticalFailureStreak aborts the assist loop once the same hook
// failure text repeats this many times in a row, since the agent is making
// no progress (spec.md §4.3).
const assistMaxIdenticalFailureStreak = 3

// autoCommit generates a commit message via a side-channel turn and commits
// the session's worktree, falling back to an agent-assist retry loop when
// commit hooks fail (spec.md §4.3 "Auto-commit"). Failures are appended to
// the transcript rather than propagated — a failed auto-commit still leaves
// the session in Review with its uncommitted diff visible.
func (m *Manager) autoCommit(ctx context.Context, sess domain.Session, folder string) {
	message := gitops.AppendSessionTrailer(m.generateCommitMessage(ctx, sess, folder), sess.ID)

	err := gitops.CommitAll(ctx, folder, message, false)
	if err == nil {
		m.recordCommit(ctx, sess.ID, folder, message)
		return
	}
	if errors.Is(err, apperr.KindValidation) {
		// Nothing to commit: the turn made no worktree changes.
		return
	}

	m.appendOutput(ctx, sess.ID, "[Commit] initial attempt failed: "+err.Error()+"\n\n")
	if err := m.runCommitAssistLoop(ctx, sess, folder, message, err); err != nil {
		m.appendOutput(ctx, sess.ID, "[Commit] giving up: "+err.Error()+"\n\n")
		applog.Error(ctx, "auto-commit failed after assist loop", "error", err.Error())
	}
}

// runCommitAssistLoop asks the agent to fix whatever is blocking the commit
// (typically a failing pre-commit hook) and retries, up to
// assistMaxAttempts times or until the same failure repeats
// assistMaxIdenticalFailureStreak times in a row.
func (m *Manager) runCommitAssistLoop(ctx context.Context, sess domain.Session, folder, message string, lastErr error) error {
	lastErrText := lastErr.Error()
	streak := 1

	for attempt := 1; attempt <= assistMaxAttempts; attempt++ {
		m.appendOutput(ctx, sess.ID, fmt.Sprintf("[Commit Assist] attempt %d: %s\n\n", attempt, lastErrText))

		stream := make(chan appserver.StreamEvent, 8)
		go drainStream(stream)
		_, turnErr := m.client.RunTurn(ctx, appserver.TurnRequest{
			Folder:         folder,
			Model:          sess.Model,
			Kind:           sess.AgentKind,
			Prompt:         assistPrompt(lastErrText),
			PermissionMode: policyFor(sess.PermissionMode),
		}, stream)
		close(stream)
		if turnErr != nil {
			return fmt.Errorf("assist turn failed: %w", turnErr)
		}

		err := gitops.CommitAll(ctx, folder, message, false)
		if err == nil {
			m.recordCommit(ctx, sess.ID, folder, message)
			return nil
		}
		if errors.Is(err, apperr.KindValidation) {
			return nil
		}

		if err.Error() == lastErrText {
			streak++
			if streak >= assistMaxIdenticalFailureStreak {
				return fmt.Errorf("agent made no progress after %d identical failures: %w", streak, err)
			}
		} else {
			streak = 1
			lastErrText = err.Error()
		}
	}

	return fmt.Errorf("exceeded %d commit assist attempts: %s", assistMaxAttempts, lastErrText)
}

func assistPrompt(failure string) string {
	return "The commit you just produced failed with the following error. " +
		"Fix whatever is causing it (e.g. a failing pre-commit hook or lint check) " +
		"and leave the worktree ready to commit again:\n\n" + failure
}

func drainStream(stream <-chan appserver.StreamEvent) {
	for range stream {
	}
}

func (m *Manager) recordCommit(ctx context.Context, sessionID, folder, message string) {
	hash, err := gitops.HeadShortHash(ctx, folder)
	if err != nil {
		applog.Warn(ctx, "failed to resolve commit hash", "error", err.Error())
		hash = "?"
	}
	if err := m.store.IncrementSessionCommitCount(ctx, sessionID); err != nil {
		applog.Warn(ctx, "failed to persist commit count", "error", err.Error())
	}
	if cell, ok := m.registry.Get(sessionID); ok {
		cell.IncrementCommitCount()
	}
	m.appendOutput(ctx, sessionID, "[Commit] "+hash+" "+firstLine(message)+"\n\n")
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// generateCommitMessage issues a side-channel turn asking the agent to
// summarize its own diff, parsing the BEGIN_COMMIT_MESSAGE/END_COMMIT_MESSAGE
// block from the response. Any failure — transport, protocol, or an
// unparseable response — falls back to a synthesized message derived from
// the session's title, so auto-commit never blocks on the side-channel turn
// (spec.md §4.3).
func (m *Manager) generateCommitMessage(ctx context.Context, sess domain.Session, folder string) string {
	stream := make(chan appserver.StreamEvent, 8)
	go drainStream(stream)
	resp, err := m.client.RunTurn(ctx, appserver.TurnRequest{
		Folder:         folder,
		Model:          sess.Model,
		Kind:           sess.AgentKind,
		Prompt:         commitMessagePrompt(),
		PermissionMode: policyFor(sess.PermissionMode),
	}, stream)
	close(stream)
	if err != nil {
		applog.Warn(ctx, "commit message turn failed, falling back", "error", err.Error())
		return fallbackCommitMessage(sess.Title)
	}

	title, body, ok := parseCommitMessage(resp.AssistantMessage)
	if !ok {
		return fallbackCommitMessage(sess.Title)
	}
	return formatCommitMessage(title, body)
}

// CommitSession runs one auto-commit pass on demand, outside the turn
// worker — used by the UI's explicit "commit now" action (spec.md §4.1
// "commit_session"). Valid only in Review, since committing while a turn is
// in flight would race the worker's own commit at turn end.
func (m *Manager) CommitSession(ctx context.Context, sessionID string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusReview {
		return apperr.Wrap(apperr.KindValidation, "session must be in review status to commit, got %s", sess.Status)
	}
	if err := m.transition(ctx, sessionID, domain.StatusReview, domain.StatusCommitting); err != nil {
		return err
	}

	opID, opErr := m.ledger.Begin(ctx, sessionID, domain.OperationCommit)
	if opErr == nil {
		_ = m.ledger.Running(ctx, opID)
	}

	folder := sess.WorktreeFolder(m.basePath)
	m.autoCommit(ctx, sess, folder)

	if opID != "" {
		_ = m.ledger.Done(ctx, opID)
	}
	if err := m.transition(ctx, sessionID, domain.StatusCommitting, domain.StatusReview); err != nil {
		return err
	}
	m.refreshSession(ctx, sessionID)
	return nil
}

// SpawnCommitSession runs CommitSession asynchronously, for callers (the
// TUI) that must not block on the agent-assist loop (spec.md §4.1
// "spawn_commit_session").
func (m *Manager) SpawnCommitSession(sessionID string) {
	go func() {
		ctx := applog.WithComponent(applog.WithSession(context.Background(), sessionID), "sessionmgr")
		if err := m.CommitSession(ctx, sessionID); err != nil {
			applog.Error(ctx, "spawned commit failed", "error", err.Error())
		}
	}()
}
