package appserver

import "github.com/agentty/agentty/internal/domain"

// StreamEventKind distinguishes the two kinds of intermediate events a turn
// emits while running (spec.md §4.2).
type StreamEventKind int

const (
	StreamProgressUpdate StreamEventKind = iota
	StreamAssistantMessage
)

// StreamEvent is one intermediate update emitted while a turn is in flight:
// a progress line (e.g. "Compacting context") or a streamed assistant
// message chunk.
type StreamEvent struct {
	Kind    StreamEventKind
	Message string
	IsDelta bool
}

// TurnRequest addresses one turn: which (folder, model, agent kind) runtime
// to use, the prompt text, and the permission mode governing approval
// auto-responses. ThreadID is not read by Client: a turn always runs on the
// thread its runtime started at spawn.
type TurnRequest struct {
	Folder         string
	Model          string
	Kind           domain.AgentKind
	ThreadID       string
	Prompt         string
	PermissionMode PermissionModePolicy
}

// TurnResponse is the normalized outcome of one completed turn.
type TurnResponse struct {
	AssistantMessage string
	ThreadID         string
	InputTokens      int64
	OutputTokens     int64
}
