package sessionmgr

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentty/agentty/internal/appserver"
	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/eventbus"
	"github.com/agentty/agentty/internal/opledger"
	"github.com/agentty/agentty/internal/registry"
	"github.com/agentty/agentty/internal/store"
	"github.com/agentty/agentty/internal/telemetry"
)

// testEnv bundles a Manager with the collaborators its tests need direct
// access to (the store, for assertions; basePath, for worktree paths).
type testEnv struct {
	mgr      *Manager
	store    *store.Store
	registry *registry.Registry
	bus      *eventbus.Bus
	basePath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s)
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	ledger := opledger.New(s)
	client := appserver.NewClient()
	basePath := t.TempDir()

	return &testEnv{
		mgr:      New(s, ledger, reg, bus, client, basePath, telemetry.NoOpClient{}),
		store:    s,
		registry: reg,
		bus:      bus,
		basePath: basePath,
	}
}

func runGitT(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v failed: %s", args, out)
}

// initRepo creates a bare-minimum git repo with one commit on "main".
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitT(t, dir, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o600))
	runGitT(t, dir, "add", "-A")
	runGitT(t, dir, "commit", "-m", "initial commit")
	return dir
}

// newProjectSession registers a project backed by a fresh repo and creates a
// session against it, returning the session id and the repo path.
func (e *testEnv) newProjectSession(t *testing.T, ctx context.Context) (sessionID, repoPath string) {
	t.Helper()
	repoPath = initRepo(t)
	projectID, err := e.store.UpsertProject(ctx, repoPath, "main")
	require.NoError(t, err)

	id, err := e.mgr.CreateSession(ctx, CreateSessionRequest{
		ProjectID:  projectID,
		RepoPath:   repoPath,
		BaseBranch: "main",
		Kind:       domain.AgentClaude,
		Model:      domain.DefaultModel(domain.AgentClaude),
	})
	require.NoError(t, err)
	return id, repoPath
}

// writeAndCommit writes a file into a worktree and commits it, used to give
// a session's branch something for merge/rebase tests to act on.
func writeAndCommit(t *testing.T, folder, name, content, message string) error {
	t.Helper()
	if err := os.WriteFile(filepath.Join(folder, name), []byte(content), 0o600); err != nil {
		return err
	}
	runGitT(t, folder, "add", "-A")
	runGitT(t, folder, "commit", "-m", message)
	return nil
}
