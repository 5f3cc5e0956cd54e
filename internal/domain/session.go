// Package domain holds the core entity types shared across the orchestrator:
// sessions, projects, operations, usage records and the enums that govern
// their lifecycle. Nothing in this package talks to disk, git or a
// subprocess — it is pure data plus the status transition table.
package domain

import "time"

// Status is a session's position in the lifecycle graph (spec.md §3.2).
type Status string

const (
	StatusNew         Status = "new"
	StatusInProgress  Status = "in_progress"
	StatusReview      Status = "review"
	StatusCommitting  Status = "committing"
	StatusRebasing    Status = "rebasing"
	StatusMerging     Status = "merging"
	StatusDone        Status = "done"
	StatusCanceled    Status = "canceled"
	StatusPullRequest Status = "pull_request"
)

// transitions enumerates the directed graph from spec.md §3.2 as data, so
// CanTransition is a single table lookup rather than a scattered switch.
var transitions = map[Status]map[Status]bool{
	StatusNew: {
		StatusInProgress: true,
		StatusCanceled:   true,
	},
	StatusInProgress: {
		StatusReview:   true, // turn-completed, interrupted, or stop on a started session
		StatusCanceled: true, // stop on a session that never started work
	},
	StatusReview: {
		StatusInProgress:  true, // reply
		StatusNew:         true, // clear-history
		StatusCommitting:  true, // auto-commit assist loop
		StatusRebasing:    true, // rebase_session
		StatusMerging:     true, // merge_session
		StatusPullRequest: true, // create_pr_session
	},
	StatusCommitting: {
		StatusReview: true,
	},
	StatusRebasing: {
		StatusReview: true,
	},
	StatusMerging: {
		StatusDone: true,
	},
	StatusPullRequest: {
		StatusDone:   true, // pr-merged
		StatusReview: true, // cancel-pr / closed without merge
	},
}

// CanTransition reports whether moving a session from one status to another
// is a valid edge in the lifecycle graph. Every UpdateStatus call in
// sessionmgr guards on this before persisting a change.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// AgentKind is a closed enum of supported agent families (spec.md §3.1).
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
	AgentGemini AgentKind = "gemini"
)

// ContextTier buckets a model's context window for compaction-threshold
// selection (spec.md §4.2 "Compaction thresholds").
type ContextTier int

const (
	// ContextTier400K models compact at 300k cumulative input tokens.
	ContextTier400K ContextTier = iota
	// ContextTier128K models compact at 120k cumulative input tokens.
	ContextTier128K
)

// CompactionThreshold returns the cumulative-input-token threshold at which
// a turn must trigger proactive compaction before running.
func (t ContextTier) CompactionThreshold() int64 {
	switch t {
	case ContextTier400K:
		return 300_000
	case ContextTier128K:
		return 120_000
	default:
		return 300_000
	}
}

// Model describes one selectable model within an AgentKind.
type Model struct {
	ID          string
	DisplayName string
	Kind        AgentKind
	Tier        ContextTier
}

// PermissionMode fixes the wire-level approval decisions sent in response to
// requestApproval notifications (spec.md §4.2, GLOSSARY).
type PermissionMode string

const (
	// PermissionAutoEdit auto-accepts command execution and file-change
	// approval requests. It is the default mode.
	PermissionAutoEdit PermissionMode = "auto_edit"
	// PermissionPlan never auto-accepts; every approval request is denied
	// and surfaced to the user as a blocked action.
	PermissionPlan PermissionMode = "plan"
)

// Size buckets a session by the line count of its accumulated diff
// (spec.md §3.1 "size bucket").
type Size string

const (
	SizeXS Size = "XS"
	SizeS  Size = "S"
	SizeM  Size = "M"
	SizeL  Size = "L"
	SizeXL Size = "XL"
)

// SizeFromLineCount buckets a diff line count into a Size per the boundary
// behavior implied by spec.md §3.1 (session.size is derived, not chosen).
func SizeFromLineCount(lines int) Size {
	switch {
	case lines <= 10:
		return SizeXS
	case lines <= 50:
		return SizeS
	case lines <= 250:
		return SizeM
	case lines <= 1000:
		return SizeL
	default:
		return SizeXL
	}
}

// Project is a registered repository root (spec.md §3.1).
type Project struct {
	ID            int64
	Path          string
	DefaultBranch string // optional; empty when unknown
}

// Session is the core entity: a (worktree, branch, agent-thread,
// transcript, status) tuple (spec.md §3.1, GLOSSARY).
type Session struct {
	ID                string
	AgentKind         AgentKind
	Model             string
	BaseBranch        string
	Status            Status
	Prompt            string
	Output            string
	Title             string
	Summary           string
	InputTokens       int64
	OutputTokens      int64
	PermissionMode    PermissionMode
	Size              Size
	ProjectID         int64
	PRURL             string
	CommitCount       int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorktreeFolder derives the worktree path from the session's base path and
// id, per spec.md §3.1: "<base_path>/<session_id[..8]>".
func (s Session) WorktreeFolder(basePath string) string {
	return basePath + "/" + ShortID(s.ID)
}

// WorktreeBranch derives the session's agent branch name, per spec.md
// §3.1: "agentty/<session_id[..8]>".
func (s Session) WorktreeBranch() string {
	return "agentty/" + ShortID(s.ID)
}

// ShortID returns the first 8 characters of a session id, or the whole
// string when it is shorter (defensive; ids are always 36-char UUIDs in
// practice).
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// HasWorktree reports whether a session in this status is expected to own a
// worktree on disk (spec.md §3.1 invariant).
func (s Status) HasWorktree() bool {
	return s != StatusDone && s != StatusCanceled
}

// SessionOperation is a durable record of one pending or completed action on
// a session (spec.md §3.1).
type OperationStatus string

const (
	OperationQueued   OperationStatus = "queued"
	OperationRunning  OperationStatus = "running"
	OperationDone     OperationStatus = "done"
	OperationFailed   OperationStatus = "failed"
	OperationCanceled OperationStatus = "canceled"
)

type OperationKind string

const (
	OperationStartPrompt OperationKind = "start_prompt"
	OperationReply       OperationKind = "reply"
	OperationCommit      OperationKind = "commit"
	OperationMerge       OperationKind = "merge"
	OperationRebase      OperationKind = "rebase"
	OperationPRCreate    OperationKind = "pr_create"
)

type SessionOperation struct {
	ID              string
	SessionID       string
	Kind            OperationKind
	Status          OperationStatus
	QueuedAt        time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	HeartbeatAt     *time.Time
	LastError       string
	CancelRequested bool
}

// SessionUsage is per-(session, model) cumulative token totals. Rows outlive
// their session; SessionID is nullable in the store (spec.md §3.1).
type SessionUsage struct {
	SessionID       string
	Model           string
	InputTokens     int64
	OutputTokens    int64
	InvocationCount int64
	CreatedAt       time.Time
}
