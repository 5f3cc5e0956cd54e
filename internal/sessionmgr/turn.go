package sessionmgr

import (
	"context"
	"errors"
	"sync"

	"github.com/agentty/agentty/internal/apperr"
	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/appserver"
	"github.com/agentty/agentty/internal/diffstat"
	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/eventbus"
)

// tokenBaseline tracks the last cumulative thread-level usage an
// app-server runtime reported for a session, so repeated turns can be
// converted into the non-decreasing per-session totals the store persists
// (spec.md §8.1 "Cumulative input_tokens and output_tokens are
// non-decreasing"). A decrease — the runtime compacted its context and
// reset its own running counter — is treated as entirely new usage rather
// than subtracted.
type tokenBaseline struct {
	input, output int64
}

var tokenBaselines = struct {
	mu sync.Mutex
	m  map[string]tokenBaseline
}{m: make(map[string]tokenBaseline)}

func consumeTokenDelta(sessionID string, cumulativeInput, cumulativeOutput int64) (inputDelta, outputDelta int64) {
	tokenBaselines.mu.Lock()
	defer tokenBaselines.mu.Unlock()
	prev := tokenBaselines.m[sessionID]

	inputDelta = cumulativeInput - prev.input
	if inputDelta < 0 {
		inputDelta = cumulativeInput
	}
	outputDelta = cumulativeOutput - prev.output
	if outputDelta < 0 {
		outputDelta = cumulativeOutput
	}

	tokenBaselines.m[sessionID] = tokenBaseline{input: cumulativeInput, output: cumulativeOutput}
	return inputDelta, outputDelta
}

func forgetTokenBaseline(sessionID string) {
	tokenBaselines.mu.Lock()
	defer tokenBaselines.mu.Unlock()
	delete(tokenBaselines.m, sessionID)
}

// spawnTurn launches the turn-execution worker for a session's latest
// prompt in its own goroutine (spec.md §4.1 "Turn execution"). kind
// identifies the operation for the Operation Ledger: start_prompt for a
// session's first turn, reply for every subsequent one.
func (m *Manager) spawnTurn(sessionID, prompt string, kind domain.OperationKind) {
	runCtx, cancel := context.WithCancel(context.Background())
	m.setCancel(sessionID, cancel)
	m.turns.Go(func() error {
		m.runTurn(runCtx, sessionID, prompt, kind)
		return nil
	})
}

// runTurn is the turn-execution worker: it runs one turn against the
// session's app-server runtime, streams progress/assistant output into the
// transcript, persists usage and size, invokes the auto-commit loop, and
// always leaves the session in StatusReview on exit — whether the turn
// completed, failed, or was canceled (spec.md §4.1 steps 1-5). Bookkeeping
// after the turn itself runs against a fresh, uncancelable context: a
// stop_session request must still land the session back in Review with
// whatever usage/size/commit state the interrupted turn produced.
func (m *Manager) runTurn(turnCtx context.Context, sessionID, prompt string, kind domain.OperationKind) {
	defer m.clearCancel(sessionID)
	bgCtx := applog.WithComponent(applog.WithSession(context.Background(), sessionID), "sessionmgr")
	turnCtx = applog.WithComponent(applog.WithSession(turnCtx, sessionID), "sessionmgr")

	opID, opErr := m.ledger.Begin(bgCtx, sessionID, kind)
	if opErr != nil {
		applog.Warn(bgCtx, "failed to record operation in ledger", "error", opErr.Error())
	} else if err := m.ledger.Running(bgCtx, opID); err != nil {
		applog.Warn(bgCtx, "failed to mark operation running", "error", err.Error())
	}

	sess, err := m.mustSession(bgCtx, sessionID)
	if err != nil {
		applog.Error(bgCtx, "turn worker could not load session", "error", err.Error())
		if opID != "" {
			_ = m.ledger.Failed(bgCtx, opID, err)
		}
		return
	}

	if cell, ok := m.registry.Get(sessionID); ok {
		cell.SetProgress("Thinking")
	}
	m.bus.Publish(eventbus.AppEvent{Kind: eventbus.SessionProgressUpdated, SessionID: sessionID, Progress: "Thinking"})

	folder := sess.WorktreeFolder(m.basePath)
	stream := make(chan appserver.StreamEvent, 32)

	var consumeWG sync.WaitGroup
	consumeWG.Add(1)
	go func() {
		defer consumeWG.Done()
		m.consumeStream(bgCtx, sessionID, stream)
	}()

	resp, turnErr := m.client.RunTurn(turnCtx, appserver.TurnRequest{
		Folder:         folder,
		Model:          sess.Model,
		Kind:           sess.AgentKind,
		Prompt:         prompt,
		PermissionMode: policyFor(sess.PermissionMode),
	}, stream)
	close(stream)
	consumeWG.Wait()

	wasCanceled := turnErr != nil && turnCtx.Err() != nil

	if cell, ok := m.registry.Get(sessionID); ok {
		cell.ClearProgress()
	}

	switch {
	case turnErr != nil && wasCanceled:
		m.appendOutput(bgCtx, sessionID, "[Stopped] turn interrupted\n\n")
	case turnErr != nil:
		m.appendOutput(bgCtx, sessionID, "[Error] "+classifyTurnError(turnErr)+"\n\n")
		applog.Error(bgCtx, "turn failed", "error", turnErr.Error())
	default:
		inputDelta, outputDelta := consumeTokenDelta(sessionID, resp.InputTokens, resp.OutputTokens)
		if err := m.store.AccumulateSessionTokens(bgCtx, sessionID, inputDelta, outputDelta); err != nil {
			applog.Warn(bgCtx, "failed to persist session token totals", "error", err.Error())
		}
		if err := m.store.AccumulateSessionUsage(bgCtx, sessionID, sess.Model, inputDelta, outputDelta); err != nil {
			applog.Warn(bgCtx, "failed to persist per-model usage", "error", err.Error())
		}
	}

	if size, err := diffstat.ComputeSize(bgCtx, folder, sess.BaseBranch); err != nil {
		applog.Warn(bgCtx, "failed to compute session size", "error", err.Error())
	} else if err := m.store.UpdateSessionSize(bgCtx, sessionID, size); err != nil {
		applog.Warn(bgCtx, "failed to persist session size", "error", err.Error())
	}

	if turnErr == nil {
		m.autoCommit(bgCtx, sess, folder)
	}

	if opID != "" {
		switch {
		case wasCanceled:
			_ = m.ledger.Canceled(bgCtx, opID, "stopped by user")
		case turnErr != nil:
			_ = m.ledger.Failed(bgCtx, opID, turnErr)
		default:
			_ = m.ledger.Done(bgCtx, opID)
		}
	}

	// A turn always lands back in Review, whether it completed, errored,
	// or was canceled mid-flight — interrupted work is still reviewable
	// (spec.md §4.1 "stop_session", §8.1).
	if err := m.transition(bgCtx, sessionID, domain.StatusInProgress, domain.StatusReview); err != nil {
		applog.Error(bgCtx, "failed to transition session back to review", "error", err.Error())
	}
	m.refreshSession(bgCtx, sessionID)
}

func (m *Manager) consumeStream(ctx context.Context, sessionID string, stream <-chan appserver.StreamEvent) {
	cell, hasCell := m.registry.Get(sessionID)
	for ev := range stream {
		switch ev.Kind {
		case appserver.StreamProgressUpdate:
			if hasCell && !cell.SetProgress(ev.Message) {
				continue
			}
			m.bus.Publish(eventbus.AppEvent{Kind: eventbus.SessionProgressUpdated, SessionID: sessionID, Progress: ev.Message})
		case appserver.StreamAssistantMessage:
			m.appendOutput(ctx, sessionID, ev.Message+"\n\n")
		}
	}
}

// classifyTurnError renders a turn-worker error for the transcript,
// prefixing transport failures distinctly since those indicate the
// app-server child itself died rather than the turn failing cleanly
// (spec.md §7).
func classifyTurnError(err error) string {
	if errors.Is(err, apperr.KindTransport) {
		return "app-server connection failed: " + err.Error()
	}
	return err.Error()
}
