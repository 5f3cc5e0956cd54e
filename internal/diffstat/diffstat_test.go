package diffstat

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentty/agentty/internal/domain"
)

func runGitT(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	require.NoError(t, cmd.Run(), "git %v failed: %s", args, out.String())
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitT(t, dir, "init", "-q", "-b", "main")
	runGitT(t, dir, "config", "user.email", "test@example.com")
	runGitT(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("line1\nline2\nline3\n"), 0o644))
	runGitT(t, dir, "add", "-A")
	runGitT(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

func TestLineDeltaCountsAddedAndRemovedLines(t *testing.T) {
	before := "line1\nline2\nline3\n"
	after := "line1\nline2 changed\nline3\nline4\n"
	added, removed := LineDelta(before, after)
	require.Equal(t, 2, added)
	require.Equal(t, 1, removed)
}

func TestLineDeltaIdenticalContentIsZero(t *testing.T) {
	added, removed := LineDelta("same\n", "same\n")
	require.Zero(t, added)
	require.Zero(t, removed)
}

func TestLineDeltaNewFileCountsAllAsAdded(t *testing.T) {
	added, removed := LineDelta("", "one\ntwo\nthree\n")
	require.Equal(t, 3, added)
	require.Zero(t, removed)
}

func TestComputeSizeBucketsFromWorktreeChanges(t *testing.T) {
	dir := initRepo(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("line1\nline2 changed\nline3\nline4\nline5\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("brand new file\n"), 0o644))

	size, err := ComputeSize(context.Background(), dir, "main")
	require.NoError(t, err)
	require.Equal(t, domain.SizeXS, size)
}

func TestComputeSizeNoChangesIsEmpty(t *testing.T) {
	dir := initRepo(t)
	lines, err := LineCount(context.Background(), dir, "main")
	require.NoError(t, err)
	require.Zero(t, lines)
}
