// Package apperr declares the error-kind taxonomy from spec.md §7 as
// sentinel errors, following the same fmt.Errorf("...: %w", err) wrapping
// convention the teacher repo uses throughout its git and strategy
// packages. Callers classify an error with errors.Is against one of the
// Kind* sentinels; the human-readable message always carries the specific
// detail via %w.
package apperr

import (
	"errors"
	"fmt"
)

// Kind* are sentinel markers for the error classes in spec.md §7. They are
// never returned bare — always wrapped with a specific message via
// fmt.Errorf("...: %w", KindX).
var (
	// KindValidation covers requests rejected without mutating state:
	// session not found, wrong status for the requested operation, model
	// not belonging to the selected agent.
	KindValidation = errors.New("validation error")

	// KindTransport covers app-server subprocess communication failures:
	// broken pipe, unexpected EOF, JSON parse failure.
	KindTransport = errors.New("transport error")

	// KindOperationInProgress covers requests rejected because a
	// conflicting operation is already running on the session.
	KindOperationInProgress = errors.New("operation already in progress")

	// KindSubprocess covers non-zero exits from git/gh subprocesses.
	KindSubprocess = errors.New("subprocess error")

	// KindRebaseConflict is a specific subclass of KindSubprocess for
	// rebase operations that stopped for manual conflict resolution.
	KindRebaseConflict = errors.New("rebase conflict")

	// KindPersistence covers database write failures. The in-memory state
	// remains authoritative for the current process; these are logged,
	// not retried.
	KindPersistence = errors.New("persistence error")

	// KindProtocol covers malformed or unexpected app-server protocol
	// messages, e.g. an unrecognized turn/completed status.
	KindProtocol = errors.New("protocol error")
)

// Wrap joins a sentinel kind and a detail message into one error that
// satisfies errors.Is(err, kind) while preserving the detail text.
func Wrap(kind error, format string, args ...any) error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &kindError{kind: kind, detail: detail}
}

type kindError struct {
	kind   error
	detail string
}

func (e *kindError) Error() string { return e.detail }

func (e *kindError) Unwrap() error { return e.kind }

// Is allows errors.Is(err, apperr.KindX) to match directly against the
// kindError's declared kind without needing errors.Unwrap to walk through
// intermediate %w wrapping performed by callers.
func (e *kindError) Is(target error) bool {
	return e.kind == target
}
