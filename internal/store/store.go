// Package store is the orchestrator's persistence layer: one Store type
// wrapping a modernc.org/sqlite *sql.DB with grouped CRUD methods per
// entity, following the flat single-struct repository pattern the original
// Rust db.rs documents and justifies ("callers depend on one type, adding a
// table means adding methods to the existing impl block"). Methods follow
// that source's {verb}_{entity}_{field} naming, translated to Go's
// VerbEntityField convention (e.g. UpdateSessionStatus, MarkOperationDone).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/agentty/agentty/internal/domain"
)

// DBDirName is the subdirectory under the agentty home where the database
// file lives (spec.md §6.3).
const DBDirName = "db"

// DBFileName is the default database filename.
const DBFileName = "agentty.db"

// Store wraps a SQLite connection pool and exposes the orchestrator's
// persistence operations.
type Store struct {
	db *sql.DB
}

// Open creates the database directory if needed, connects to the SQLite
// file at dbPath in WAL mode with foreign keys enabled, and runs any
// unapplied embedded migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// modernc.org/sqlite does not support concurrent writers on one
	// connection object; a single connection avoids SQLITE_BUSY storms
	// the same way the Rust source pins max_connections(1).
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenInMemory opens an in-memory database with migrations applied, for
// tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func unixNow() int64 { return time.Now().Unix() }

func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func nullableUnixToTime(sec sql.NullInt64) *time.Time {
	if !sec.Valid {
		return nil
	}
	t := unixToTime(sec.Int64)
	return &t
}

func timeToNullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// --- project ---

// UpsertProject inserts a project by path, or updates its git branch if it
// already exists, and returns its id.
func (s *Store) UpsertProject(ctx context.Context, path string, gitBranch string) (int64, error) {
	var branch sql.NullString
	if gitBranch != "" {
		branch = sql.NullString{String: gitBranch, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO project (path, git_branch) VALUES (?, ?)
ON CONFLICT(path) DO UPDATE SET git_branch = excluded.git_branch
`, path, branch)
	if err != nil {
		return 0, fmt.Errorf("upserting project: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM project WHERE path = ?`, path).Scan(&id); err != nil {
		return 0, fmt.Errorf("fetching project id: %w", err)
	}
	return id, nil
}

// GetProject looks up a project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	var p domain.Project
	var branch sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, path, git_branch FROM project WHERE id = ?`, id).
		Scan(&p.ID, &p.Path, &branch)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // absence is a valid, expected result here
	}
	if err != nil {
		return nil, fmt.Errorf("getting project: %w", err)
	}
	p.DefaultBranch = branch.String
	return &p, nil
}

// LoadProjects returns every registered project ordered by path.
func (s *Store) LoadProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, path, git_branch FROM project ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("loading projects: %w", err)
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		var branch sql.NullString
		if err := rows.Scan(&p.ID, &p.Path, &branch); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		p.DefaultBranch = branch.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- session ---

// InsertSession creates a new session row with the status sess carries.
func (s *Store) InsertSession(ctx context.Context, sess domain.Session) error {
	now := unixNow()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session (id, agent_kind, model, base_branch, status, project_id, prompt, output, created_at, updated_at, permission_mode)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, sess.ID, string(sess.AgentKind), sess.Model, sess.BaseBranch, string(sess.Status), sess.ProjectID,
		sess.Prompt, sess.Output, now, now, string(sess.PermissionMode))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

const sessionColumns = `id, agent_kind, model, base_branch, status, title, summary, project_id, prompt, output,
       created_at, updated_at, input_tokens, output_tokens, permission_mode, size, pr_url, commit_count`

func scanSession(scanner interface{ Scan(...any) error }) (domain.Session, error) {
	var sess domain.Session
	var title, summary, prURL sql.NullString
	var createdAt, updatedAt int64
	err := scanner.Scan(
		&sess.ID, &sess.AgentKind, &sess.Model, &sess.BaseBranch, &sess.Status, &title, &summary,
		&sess.ProjectID, &sess.Prompt, &sess.Output, &createdAt, &updatedAt,
		&sess.InputTokens, &sess.OutputTokens, &sess.PermissionMode, &sess.Size, &prURL, &sess.CommitCount,
	)
	if err != nil {
		return domain.Session{}, err
	}
	sess.Title = title.String
	sess.Summary = summary.String
	sess.PRURL = prURL.String
	sess.CreatedAt = unixToTime(createdAt)
	sess.UpdatedAt = unixToTime(updatedAt)
	return sess, nil
}

// LoadSessions returns every session ordered by most recently updated.
func (s *Store) LoadSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM session ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSession loads a single session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM session WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // absence is a valid, expected result here
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &sess, nil
}

// SessionsMetadata returns (row_count, max_updated_at) for cheap
// change-detection polling by the Session Registry (spec.md §4.5).
func (s *Store) SessionsMetadata(ctx context.Context) (count int64, maxUpdatedAt int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MAX(updated_at), 0) FROM session`).
		Scan(&count, &maxUpdatedAt)
	if err != nil {
		return 0, 0, fmt.Errorf("loading session metadata: %w", err)
	}
	return count, maxUpdatedAt, nil
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// UpdateSessionStatus sets a session's status and bumps updated_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status domain.Status) error {
	return s.touchUpdate(ctx, `UPDATE session SET status = ? WHERE id = ?`, string(status), id)
}

// UpdateSessionSize sets a session's size bucket, skipping the write (and
// the updated_at bump) when the value is unchanged.
func (s *Store) UpdateSessionSize(ctx context.Context, id string, size domain.Size) error {
	res, err := s.db.ExecContext(ctx, `UPDATE session SET size = ?, updated_at = ? WHERE id = ? AND size <> ?`,
		string(size), unixNow(), id, string(size))
	if err != nil {
		return fmt.Errorf("updating session size: %w", err)
	}
	_, _ = res.RowsAffected()
	return nil
}

// UpdateSessionPrompt updates the saved prompt text.
func (s *Store) UpdateSessionPrompt(ctx context.Context, id, prompt string) error {
	return s.touchUpdate(ctx, `UPDATE session SET prompt = ? WHERE id = ?`, prompt, id)
}

// UpdateSessionTitle updates the derived display title.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	return s.touchUpdate(ctx, `UPDATE session SET title = ? WHERE id = ?`, title, id)
}

// UpdateSessionSummary updates the terminal summary line.
func (s *Store) UpdateSessionSummary(ctx context.Context, id, summary string) error {
	return s.touchUpdate(ctx, `UPDATE session SET summary = ? WHERE id = ?`, summary, id)
}

// UpdateSessionModel updates the persisted model selection.
func (s *Store) UpdateSessionModel(ctx context.Context, id, model string) error {
	return s.touchUpdate(ctx, `UPDATE session SET model = ? WHERE id = ?`, model, id)
}

// UpdateSessionAgentKind updates the persisted agent family, used when
// set_session_model switches a session to a model belonging to a different
// agent (spec.md §4.1 "set_session_model").
func (s *Store) UpdateSessionAgentKind(ctx context.Context, id string, kind domain.AgentKind) error {
	return s.touchUpdate(ctx, `UPDATE session SET agent_kind = ? WHERE id = ?`, string(kind), id)
}

// UpdateSessionPermissionMode updates the persisted permission mode.
func (s *Store) UpdateSessionPermissionMode(ctx context.Context, id string, mode domain.PermissionMode) error {
	return s.touchUpdate(ctx, `UPDATE session SET permission_mode = ? WHERE id = ?`, string(mode), id)
}

// AppendSessionOutput appends a transcript chunk to the session's saved
// output.
func (s *Store) AppendSessionOutput(ctx context.Context, id, chunk string) error {
	return s.touchUpdate(ctx, `UPDATE session SET output = output || ? WHERE id = ?`, chunk, id)
}

// UpdateSessionPRURL records the pull request opened for a session.
func (s *Store) UpdateSessionPRURL(ctx context.Context, id, prURL string) error {
	return s.touchUpdate(ctx, `UPDATE session SET pr_url = ? WHERE id = ?`, prURL, id)
}

// IncrementSessionCommitCount bumps a session's auto-commit counter by one.
func (s *Store) IncrementSessionCommitCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE session SET commit_count = commit_count + 1, updated_at = ? WHERE id = ?`,
		unixNow(), id)
	if err != nil {
		return fmt.Errorf("incrementing session commit count: %w", err)
	}
	return nil
}

// AccumulateSessionTokens adds the given deltas to a session's cumulative
// token totals. A no-op when both deltas are zero.
func (s *Store) AccumulateSessionTokens(ctx context.Context, id string, inputDelta, outputDelta int64) error {
	if inputDelta == 0 && outputDelta == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE session SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ?
WHERE id = ?
`, inputDelta, outputDelta, unixNow(), id)
	if err != nil {
		return fmt.Errorf("accumulating session tokens: %w", err)
	}
	return nil
}

// ClearSessionHistory resets a session's transcript and returns it to
// StatusNew, preserving identity, worktree, agent, model and accumulated
// usage (spec.md §4.1 "clear_session_history").
func (s *Store) ClearSessionHistory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE session SET output = '', prompt = '', title = NULL, summary = NULL, status = ?, updated_at = ?
WHERE id = ?
`, string(domain.StatusNew), unixNow(), id)
	if err != nil {
		return fmt.Errorf("clearing session history: %w", err)
	}
	return nil
}

// touchUpdate runs an "UPDATE session SET <col> = ? WHERE id = ?"-shaped
// query (value, then id), rewriting it to also bump updated_at so every
// field write advances the monotonic column the Session Registry polls on.
func (s *Store) touchUpdate(ctx context.Context, query string, value, id any) error {
	_, err := s.db.ExecContext(ctx, addUpdatedAtClause(query), value, unixNow(), id)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// addUpdatedAtClause rewrites "UPDATE session SET <col> = ? WHERE id = ?"
// into "UPDATE session SET <col> = ?, updated_at = ? WHERE id = ?" so every
// field write also bumps the monotonic updated_at column callers poll on.
func addUpdatedAtClause(query string) string {
	const marker = " WHERE id = ?"
	idx := len(query) - len(marker)
	if idx < 0 || query[idx:] != marker {
		return query
	}
	return query[:idx] + ", updated_at = ?" + marker
}

// --- session_operation ---

// InsertOperation records a newly queued operation for a session.
func (s *Store) InsertOperation(ctx context.Context, id, sessionID string, kind domain.OperationKind) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_operation (id, session_id, kind, status, queued_at) VALUES (?, ?, ?, ?, ?)
`, id, sessionID, string(kind), string(domain.OperationQueued), unixNow())
	if err != nil {
		return fmt.Errorf("inserting session operation: %w", err)
	}
	return nil
}

func scanOperation(scanner interface{ Scan(...any) error }) (domain.SessionOperation, error) {
	var op domain.SessionOperation
	var queuedAt int64
	var startedAt, finishedAt, heartbeatAt sql.NullInt64
	var lastError sql.NullString
	var cancelRequested int
	err := scanner.Scan(&op.ID, &op.SessionID, &op.Kind, &op.Status, &queuedAt,
		&startedAt, &finishedAt, &heartbeatAt, &lastError, &cancelRequested)
	if err != nil {
		return domain.SessionOperation{}, err
	}
	op.QueuedAt = unixToTime(queuedAt)
	op.StartedAt = nullableUnixToTime(startedAt)
	op.FinishedAt = nullableUnixToTime(finishedAt)
	op.HeartbeatAt = nullableUnixToTime(heartbeatAt)
	op.LastError = lastError.String
	op.CancelRequested = cancelRequested != 0
	return op, nil
}

const operationColumns = `id, session_id, kind, status, queued_at, started_at, finished_at, heartbeat_at, last_error, cancel_requested`

// LoadUnfinishedOperations returns operations still queued or running,
// oldest first (read through opledger.Ledger.Unfinished). The crash-recovery
// pass at boot uses FailUnfinishedOperations instead.
func (s *Store) LoadUnfinishedOperations(ctx context.Context) ([]domain.SessionOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+operationColumns+` FROM session_operation
WHERE status IN ('queued', 'running')
ORDER BY queued_at ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("loading unfinished operations: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// IsOperationUnfinished reports whether an operation is still queued or
// running.
func (s *Store) IsOperationUnfinished(ctx context.Context, operationID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM session_operation WHERE id = ? AND status IN ('queued', 'running')
`, operationID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking operation state: %w", err)
	}
	return n > 0, nil
}

// MarkOperationRunning transitions an operation to running and stamps its
// heartbeat, leaving started_at untouched if already set.
func (s *Store) MarkOperationRunning(ctx context.Context, operationID string) error {
	now := unixNow()
	_, err := s.db.ExecContext(ctx, `
UPDATE session_operation
SET status = ?, started_at = COALESCE(started_at, ?), heartbeat_at = ?, last_error = NULL
WHERE id = ?
`, string(domain.OperationRunning), now, now, operationID)
	if err != nil {
		return fmt.Errorf("marking operation running: %w", err)
	}
	return nil
}

// MarkOperationDone transitions an operation to done.
func (s *Store) MarkOperationDone(ctx context.Context, operationID string) error {
	return s.finishOperation(ctx, operationID, domain.OperationDone, "")
}

// MarkOperationFailed transitions an operation to failed with a recorded
// error message.
func (s *Store) MarkOperationFailed(ctx context.Context, operationID, errMsg string) error {
	return s.finishOperation(ctx, operationID, domain.OperationFailed, errMsg)
}

// MarkOperationCanceled transitions an operation to canceled with a reason.
func (s *Store) MarkOperationCanceled(ctx context.Context, operationID, reason string) error {
	return s.finishOperation(ctx, operationID, domain.OperationCanceled, reason)
}

func (s *Store) finishOperation(ctx context.Context, operationID string, status domain.OperationStatus, detail string) error {
	now := unixNow()
	var lastError sql.NullString
	if detail != "" {
		lastError = sql.NullString{String: detail, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE session_operation SET status = ?, finished_at = ?, heartbeat_at = ?, last_error = ?
WHERE id = ?
`, string(status), now, now, lastError, operationID)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// RequestCancelForSession flags every unfinished operation of a session for
// cancellation.
func (s *Store) RequestCancelForSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE session_operation SET cancel_requested = 1 WHERE session_id = ? AND status IN ('queued', 'running')
`, sessionID)
	if err != nil {
		return fmt.Errorf("requesting cancel for session operations: %w", err)
	}
	return nil
}

// IsCancelRequestedForSession reports whether any unfinished operation of a
// session has been flagged for cancellation.
func (s *Store) IsCancelRequestedForSession(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM session_operation
WHERE session_id = ? AND cancel_requested = 1 AND status IN ('queued', 'running')
`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking cancel request: %w", err)
	}
	return n > 0, nil
}

// FailUnfinishedOperations marks every still-queued-or-running operation as
// failed, used by the Operation Ledger's crash-recovery pass at boot
// (spec.md §4 "Operation Ledger").
func (s *Store) FailUnfinishedOperations(ctx context.Context, reason string) (int64, error) {
	now := unixNow()
	res, err := s.db.ExecContext(ctx, `
UPDATE session_operation
SET status = ?, finished_at = ?, heartbeat_at = ?, last_error = ?, cancel_requested = 1
WHERE status IN ('queued', 'running')
`, string(domain.OperationFailed), now, now, reason)
	if err != nil {
		return 0, fmt.Errorf("failing unfinished operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

// --- session_usage ---

// AccumulateSessionUsage upserts per-(session, model) token totals, adding
// the deltas to any existing row and incrementing invocation_count by 1. A
// no-op when both deltas are zero.
func (s *Store) AccumulateSessionUsage(ctx context.Context, sessionID, model string, inputDelta, outputDelta int64) error {
	if inputDelta == 0 && outputDelta == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_usage (session_id, model, input_tokens, output_tokens, invocation_count, created_at)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT(session_id, model) DO UPDATE SET
    input_tokens = input_tokens + excluded.input_tokens,
    output_tokens = output_tokens + excluded.output_tokens,
    invocation_count = invocation_count + 1
`, sessionID, model, inputDelta, outputDelta, unixNow())
	if err != nil {
		return fmt.Errorf("accumulating session usage: %w", err)
	}
	return nil
}

// LoadSessionUsage returns per-model usage rows for a session ordered by
// model name.
func (s *Store) LoadSessionUsage(ctx context.Context, sessionID string) ([]domain.SessionUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, model, input_tokens, output_tokens, invocation_count, created_at
FROM session_usage WHERE session_id = ? ORDER BY model
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session usage: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionUsage
	for rows.Next() {
		var u domain.SessionUsage
		var createdAt int64
		if err := rows.Scan(&u.SessionID, &u.Model, &u.InputTokens, &u.OutputTokens, &u.InvocationCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning session usage: %w", err)
		}
		u.CreatedAt = unixToTime(createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- setting ---

// UpsertSetting inserts or updates a named setting value.
func (s *Store) UpsertSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO setting (name, value) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET value = excluded.value
`, name, value)
	if err != nil {
		return fmt.Errorf("upserting setting: %w", err)
	}
	return nil
}

// GetSetting looks up a setting by name, returning ("", false) if absent.
func (s *Store) GetSetting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM setting WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting setting: %w", err)
	}
	return value, true, nil
}
