// Package opledger is the durable record of pending and completed session
// operations (spec.md §3.1 SessionOperation, §4 "Operation Ledger" component
// row). It wraps internal/store's session_operation methods with id
// generation and the boot-time crash-recovery sweep.
package opledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/store"
)

// CrashRecoveryReason is the last_error text stamped on operations still
// queued or running at boot — they cannot be resumed because the process
// that owned them is gone.
const CrashRecoveryReason = "orchestrator restarted while operation was in flight"

// Ledger records and transitions SessionOperation rows.
type Ledger struct {
	store *store.Store
}

// New wraps a Store.
func New(s *store.Store) *Ledger {
	return &Ledger{store: s}
}

// Begin queues a new operation of kind for a session and returns its id.
func (l *Ledger) Begin(ctx context.Context, sessionID string, kind domain.OperationKind) (string, error) {
	id := uuid.NewString()
	if err := l.store.InsertOperation(ctx, id, sessionID, kind); err != nil {
		return "", fmt.Errorf("beginning %s operation: %w", kind, err)
	}
	return id, nil
}

// Running marks an operation as started.
func (l *Ledger) Running(ctx context.Context, operationID string) error {
	return l.store.MarkOperationRunning(ctx, operationID)
}

// Done marks an operation as successfully completed.
func (l *Ledger) Done(ctx context.Context, operationID string) error {
	return l.store.MarkOperationDone(ctx, operationID)
}

// Failed marks an operation as failed with a recorded error.
func (l *Ledger) Failed(ctx context.Context, operationID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.store.MarkOperationFailed(ctx, operationID, msg)
}

// Canceled marks an operation as canceled with a reason.
func (l *Ledger) Canceled(ctx context.Context, operationID, reason string) error {
	return l.store.MarkOperationCanceled(ctx, operationID, reason)
}

// RequestCancel flags every unfinished operation belonging to a session.
func (l *Ledger) RequestCancel(ctx context.Context, sessionID string) error {
	return l.store.RequestCancelForSession(ctx, sessionID)
}

// IsCancelRequested reports whether sessionID has a pending cancel flag.
func (l *Ledger) IsCancelRequested(ctx context.Context, sessionID string) (bool, error) {
	return l.store.IsCancelRequestedForSession(ctx, sessionID)
}

// Unfinished returns every operation still queued or running.
func (l *Ledger) Unfinished(ctx context.Context) ([]domain.SessionOperation, error) {
	return l.store.LoadUnfinishedOperations(ctx)
}

// RecoverFromCrash fails every operation left queued or running from a prior
// process, since no in-memory worker survives a restart to finish them
// (spec.md §4 "Operation Ledger": "crash-recovery reconciliation runs at
// boot, marking any row still queued/running as failed"). Returns the count
// of rows reconciled.
func (l *Ledger) RecoverFromCrash(ctx context.Context) (int64, error) {
	n, err := l.store.FailUnfinishedOperations(ctx, CrashRecoveryReason)
	if err != nil {
		return 0, fmt.Errorf("recovering operation ledger from crash: %w", err)
	}
	if n > 0 {
		applog.Warn(ctx, "reconciled stale operations at boot", "count", n)
	}
	return n, nil
}
