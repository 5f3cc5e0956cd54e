package sessionmgr

import (
	"context"

	"github.com/agentty/agentty/internal/apperr"
	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/appserver"
	"github.com/agentty/agentty/internal/domain"
)

const (
	reviewSummaryBeginMarker = "BEGIN_REVIEW_SUMMARY"
	reviewSummaryEndMarker   = "END_REVIEW_SUMMARY"
)

func focusedReviewPrompt() string {
	return "Review the diff you have produced in this session against the base branch. " +
		"Identify anything a human reviewer should double-check before merging. " +
		"Respond with exactly one such block and nothing else outside it:\n\n" +
		reviewSummaryBeginMarker + "\n<a short prose summary of the change and any concerns>\n" + reviewSummaryEndMarker + "\n"
}

// RequestFocusedReview asks the session's agent to review its own diff and
// stores the resulting summary (a supplemented feature alongside commit
// message generation: both are side-channel turns framed with begin/end
// markers, spec.md §4.3, SPEC_FULL.md "Focused review"). Valid only in
// Review, since the diff being reviewed must be stable.
func (m *Manager) RequestFocusedReview(ctx context.Context, sessionID string) error {
	sess, err := m.mustSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusReview {
		return apperr.Wrap(apperr.KindValidation, "session must be in review status to request a review, got %s", sess.Status)
	}

	folder := sess.WorktreeFolder(m.basePath)
	stream := make(chan appserver.StreamEvent, 8)
	go drainStream(stream)
	resp, turnErr := m.client.RunTurn(ctx, appserver.TurnRequest{
		Folder:         folder,
		Model:          sess.Model,
		Kind:           sess.AgentKind,
		Prompt:         focusedReviewPrompt(),
		PermissionMode: policyFor(sess.PermissionMode),
	}, stream)
	close(stream)
	if turnErr != nil {
		return turnErr
	}

	summary, ok := extractFramedBlock(resp.AssistantMessage, reviewSummaryBeginMarker, reviewSummaryEndMarker)
	if !ok {
		applog.Warn(ctx, "focused review response missing framing, storing raw message", "session", sessionID)
		summary = resp.AssistantMessage
	}

	if err := m.store.UpdateSessionSummary(ctx, sessionID, trimToLines(summary)); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "failed to save review summary: %s", err.Error())
	}
	m.refreshSession(ctx, sessionID)
	return nil
}

func trimToLines(s string) string {
	out := s
	for len(out) > 0 && (out[0] == '\n' || out[0] == ' ') {
		out = out[1:]
	}
	for len(out) > 0 && (out[len(out)-1] == '\n' || out[len(out)-1] == ' ') {
		out = out[:len(out)-1]
	}
	return out
}
