// Package gitops is the Git Boundary (spec.md §4.6): typed operations for
// worktree lifecycle, squash-merge, rebase, diff and PR push. Mutating,
// porcelain-sensitive operations (worktree add/remove, merge --squash,
// rebase, commit) shell out to the git binary directly via os/exec, exactly
// as the original Rust implementation's git.rs does — go-git does not
// implement worktrees, squash merge or interactive rebase. Read-only queries
// that go-git covers well (HEAD, branch name, ahead/behind counts, origin
// remote URL) use github.com/go-git/go-git/v5, following the teacher's
// git_operations.go split between go-git and raw git invocations.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/agentty/agentty/internal/apperr"
)

// commitAllHookRetryAttempts bounds the hook-retry loop in CommitAll
// (spec.md §4.3 "Hook retry").
const commitAllHookRetryAttempts = 5

// maxConcurrentSubprocesses caps how many git/gh child processes this
// process runs at once, across every session's worktree operations
// (SPEC_FULL.md domain stack: "bounded blocking-syscall pool"). Without it,
// N sessions committing/rebasing/polling PRs at the same instant could each
// fork a git process, competing for the same repository's index lock and
// file descriptors.
const maxConcurrentSubprocesses = 8

var subprocessGate = semaphore.NewWeighted(maxConcurrentSubprocesses)

// acquireSubprocessSlot blocks until a git/gh invocation slot is free or ctx
// is canceled.
func acquireSubprocessSlot(ctx context.Context) error {
	return subprocessGate.Acquire(ctx, 1)
}

// RebaseOutcome distinguishes a clean rebase from one that stopped for
// manual conflict resolution (spec.md §4.6, GLOSSARY).
type RebaseOutcome int

const (
	RebaseCompleted RebaseOutcome = iota
	RebaseConflict
)

func runGit(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	if err := acquireSubprocessSlot(ctx); err != nil {
		return "", "", err
	}
	defer subprocessGate.Release(1)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	return outBuf.String(), errBuf.String(), runErr
}

func commandDetail(stdout, stderr string) string {
	if s := strings.TrimSpace(stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(stdout); s != "" {
		return s
	}
	return "unknown git error"
}

// FindRepoRoot walks up from dir looking for a .git entry (directory for a
// normal clone, file for a worktree), returning the directory that contains
// it.
func FindRepoRoot(dir string) (string, error) {
	current := dir
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", apperr.Wrap(apperr.KindValidation, "no git repository found above %s", dir)
		}
		current = parent
	}
}

// CreateWorktree creates a new worktree at worktreePath on a new branch
// forked from baseBranch (spec.md §4.6).
func CreateWorktree(ctx context.Context, repoPath, worktreePath, branchName, baseBranch string) error {
	stdout, stderr, err := runGit(ctx, repoPath, "worktree", "add", "-b", branchName, worktreePath, baseBranch)
	if err != nil {
		return apperr.Wrap(apperr.KindSubprocess, "git worktree add failed: %s", commandDetail(stdout, stderr))
	}
	return nil
}

// RemoveWorktree force-removes a worktree, resolving the main repo root from
// the worktree's .git file first (spec.md §4.6).
func RemoveWorktree(ctx context.Context, worktreePath string) error {
	repoRoot, err := resolveMainRepoFromWorktree(worktreePath)
	if err != nil {
		return fmt.Errorf("resolving main repo from worktree: %w", err)
	}
	stdout, stderr, err := runGit(ctx, repoRoot, "worktree", "remove", "--force", worktreePath)
	if err != nil {
		return apperr.Wrap(apperr.KindSubprocess, "git worktree remove failed: %s", commandDetail(stdout, stderr))
	}
	return nil
}

// resolveMainRepoFromWorktree reads the worktree's .git file
// ("gitdir: /main/.git/worktrees/<name>") and walks back up to the main
// repository root.
func resolveMainRepoFromWorktree(worktreePath string) (string, error) {
	gitFile := filepath.Join(worktreePath, ".git")
	data, err := os.ReadFile(gitFile) //nolint:gosec // worktreePath is operator-controlled, not user input
	if err != nil {
		return "", fmt.Errorf("reading worktree .git file: %w", err)
	}
	content := strings.TrimSpace(string(data))
	const prefix = "gitdir:"
	idx := strings.Index(content, prefix)
	if idx < 0 {
		return "", apperr.Wrap(apperr.KindValidation, "invalid .git file format in worktree %s", worktreePath)
	}
	gitDir := strings.TrimSpace(content[idx+len(prefix):])

	// gitDir looks like /main/.git/worktrees/<name>; strip three path
	// components to reach /main.
	root := filepath.Dir(filepath.Dir(filepath.Dir(gitDir)))
	return root, nil
}

// DeleteBranch force-deletes a branch.
func DeleteBranch(ctx context.Context, repoPath, branchName string) error {
	stdout, stderr, err := runGit(ctx, repoPath, "branch", "-D", branchName)
	if err != nil {
		return apperr.Wrap(apperr.KindSubprocess, "git branch deletion failed: %s", commandDetail(stdout, stderr))
	}
	return nil
}

// StageAll runs git add -A.
func StageAll(ctx context.Context, repoPath string) error {
	stdout, stderr, err := runGit(ctx, repoPath, "add", "-A")
	if err != nil {
		return apperr.Wrap(apperr.KindSubprocess, "failed to stage changes: %s", commandDetail(stdout, stderr))
	}
	return nil
}

// CommitAll stages all changes and commits them, retrying when a pre-commit
// hook modifies files (spec.md §4.3 "Hook retry"). noVerify skips hooks
// entirely (used by squash-merge, which relies on hooks already having run
// in the session worktree).
func CommitAll(ctx context.Context, repoPath, message string, noVerify bool) error {
	if err := StageAll(ctx, repoPath); err != nil {
		return err
	}

	for attempt := 0; attempt < commitAllHookRetryAttempts; attempt++ {
		args := []string{"commit", "-m", message}
		if noVerify {
			args = append(args, "--no-verify")
		}
		stdout, stderr, err := runGit(ctx, repoPath, args...)
		if err == nil {
			return nil
		}

		combined := strings.ToLower(stdout + "\n" + stderr)
		if strings.Contains(combined, "nothing to commit") {
			return apperr.Wrap(apperr.KindValidation, "Nothing to commit: no changes detected")
		}
		if strings.Contains(combined, "files were modified by this hook") {
			if err := StageAll(ctx, repoPath); err != nil {
				return err
			}
			continue
		}

		return apperr.Wrap(apperr.KindSubprocess, "failed to commit: %s", commandDetail(stdout, stderr))
	}

	return apperr.Wrap(apperr.KindSubprocess,
		"commit hooks kept modifying files after %d attempts", commitAllHookRetryAttempts)
}

// HeadShortHash returns the short hash of HEAD.
// HeadShortHash resolves HEAD's abbreviated hash, preferring go-git (no
// subprocess) and falling back to the git CLI when the repository can't be
// opened directly by go-git (spec.md §4.6 read-only queries).
func HeadShortHash(ctx context.Context, repoPath string) (string, error) {
	if hash, ok := headShortHashViaGoGit(repoPath); ok {
		return hash, nil
	}
	stdout, stderr, err := runGit(ctx, repoPath, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", apperr.Wrap(apperr.KindSubprocess, "failed to resolve HEAD hash: %s", commandDetail(stdout, stderr))
	}
	hash := strings.TrimSpace(stdout)
	if hash == "" {
		return "", apperr.Wrap(apperr.KindSubprocess, "failed to resolve HEAD hash: empty output")
	}
	return hash, nil
}

// CurrentBranch reads the branch name the repo at repoPath is on, or
// "HEAD@<hash>" when detached. Tries go-git first, falling back to the git
// CLI for repository layouts go-git can't open.
func CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	if branch, detached, ok := currentBranchViaGoGit(repoPath); ok {
		if !detached {
			return branch, nil
		}
		shortHash, err := HeadShortHash(ctx, repoPath)
		if err != nil {
			return "", err
		}
		return "HEAD@" + shortHash, nil
	}

	stdout, stderr, err := runGit(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", apperr.Wrap(apperr.KindSubprocess, "failed to detect current branch: %s", commandDetail(stdout, stderr))
	}
	branch := strings.TrimSpace(stdout)
	if branch == "HEAD" {
		shortHash, err := HeadShortHash(ctx, repoPath)
		if err != nil {
			return "", err
		}
		return "HEAD@" + shortHash, nil
	}
	return branch, nil
}

// SquashMerge performs a squash merge from sourceBranch into the branch
// repoPath currently has checked out, which must equal targetBranch
// (spec.md §4.6). It never switches branches itself.
func SquashMerge(ctx context.Context, repoPath, sourceBranch, targetBranch, message string) error {
	current, err := CurrentBranch(ctx, repoPath)
	if err != nil {
		return err
	}
	if current != targetBranch {
		return apperr.Wrap(apperr.KindValidation,
			"cannot merge: repository is on %q but expected %q; switch to %q first", current, targetBranch, targetBranch)
	}

	stdout, stderr, err := runGit(ctx, repoPath, "merge", "--squash", sourceBranch)
	if err != nil {
		return apperr.Wrap(apperr.KindSubprocess, "failed to squash merge %s: %s", sourceBranch, commandDetail(stdout, stderr))
	}

	// `git diff --cached --quiet` exits 0 when nothing is staged, 1 when
	// something is. We only care about the exit code here.
	_, _, diffErr := runGit(ctx, repoPath, "diff", "--cached", "--quiet")
	if diffErr == nil {
		return apperr.Wrap(apperr.KindValidation,
			"Nothing to merge: the session changes are already present in the base branch")
	}

	// Hooks already ran during auto-commit in the session worktree;
	// re-running them here against the main repo is redundant and can
	// fail when a hook modifies files outside the worktree it expects.
	stdout, stderr, err = runGit(ctx, repoPath, "commit", "--no-verify", "-m", message)
	if err != nil {
		return apperr.Wrap(apperr.KindSubprocess, "failed to commit squash merge: %s", commandDetail(stdout, stderr))
	}
	return nil
}

// SquashMergeDiff returns the diff that a squash merge of sourceBranch into
// targetBranch would apply, without performing the merge.
func SquashMergeDiff(ctx context.Context, repoPath, sourceBranch, targetBranch string) (string, error) {
	stdout, stderr, err := runGit(ctx, repoPath, "diff", targetBranch+".."+sourceBranch)
	if err != nil {
		return "", apperr.Wrap(apperr.KindSubprocess, "failed to read squash merge diff: %s", commandDetail(stdout, stderr))
	}
	return stdout, nil
}

// Rebase rebases the current branch onto targetBranch, aborting immediately
// on conflict (spec.md §4.6, §8.4 scenario 4).
func Rebase(ctx context.Context, repoPath, targetBranch string) error {
	outcome, detail, err := rebaseStart(ctx, repoPath, targetBranch)
	if err != nil {
		return err
	}
	if outcome == RebaseCompleted {
		return nil
	}

	abortSuffix := ""
	if abortErr := abortRebase(ctx, repoPath); abortErr != nil {
		abortSuffix = " " + abortErr.Error()
	}
	return apperr.Wrap(apperr.KindRebaseConflict, "Failed to rebase onto %s: %s.%s", targetBranch, detail, abortSuffix)
}

func rebaseStart(ctx context.Context, repoPath, targetBranch string) (RebaseOutcome, string, error) {
	stdout, stderr, err := runGit(ctx, repoPath, "rebase", targetBranch)
	if err == nil {
		return RebaseCompleted, "", nil
	}
	detail := commandDetail(stdout, stderr)
	if isRebaseConflict(detail) {
		return RebaseConflict, detail, nil
	}
	return 0, "", apperr.Wrap(apperr.KindSubprocess, "failed to rebase onto %s: %s", targetBranch, detail)
}

// RebaseContinue continues an in-progress rebase non-interactively
// (spec.md §6.2: GIT_EDITOR/GIT_SEQUENCE_EDITOR set to ":").
func RebaseContinue(ctx context.Context, repoPath string) (RebaseOutcome, string, error) {
	if err := acquireSubprocessSlot(ctx); err != nil {
		return 0, "", err
	}
	defer subprocessGate.Release(1)

	cmd := exec.CommandContext(ctx, "git", "rebase", "--continue")
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(), "GIT_EDITOR=:", "GIT_SEQUENCE_EDITOR=:")
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err == nil {
		return RebaseCompleted, "", nil
	}
	detail := commandDetail(outBuf.String(), errBuf.String())
	if isRebaseConflict(detail) {
		return RebaseConflict, detail, nil
	}
	return 0, "", apperr.Wrap(apperr.KindSubprocess, "failed to continue rebase: %s", detail)
}

func abortRebase(ctx context.Context, repoPath string) error {
	stdout, stderr, err := runGit(ctx, repoPath, "rebase", "--abort")
	if err != nil {
		return apperr.Wrap(apperr.KindSubprocess, "failed to abort rebase: %s", commandDetail(stdout, stderr))
	}
	return nil
}

// IsRebaseInProgress reports whether .git/rebase-merge or .git/rebase-apply
// exists for repoPath.
func IsRebaseInProgress(repoPath string) (bool, error) {
	gitDir, err := resolveGitDir(repoPath)
	if err != nil {
		return false, err
	}
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, name)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

func resolveGitDir(repoPath string) (string, error) {
	dotGit := filepath.Join(repoPath, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", fmt.Errorf("resolving .git for %s: %w", repoPath, err)
	}
	if info.IsDir() {
		return dotGit, nil
	}
	root, err := resolveMainRepoFromWorktree(repoPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(dotGit) //nolint:gosec // repoPath is operator-controlled
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(string(data))
	const prefix = "gitdir:"
	idx := strings.Index(content, prefix)
	if idx < 0 {
		return "", apperr.Wrap(apperr.KindValidation, "invalid .git file format in %s", repoPath)
	}
	gitDir := strings.TrimSpace(content[idx+len(prefix):])
	if filepath.IsAbs(gitDir) {
		return gitDir, nil
	}
	_ = root
	return filepath.Join(repoPath, gitDir), nil
}

func isRebaseConflict(detail string) bool {
	return strings.Contains(detail, "CONFLICT") ||
		strings.Contains(detail, "Resolve all conflicts manually") ||
		strings.Contains(detail, "could not apply") ||
		strings.Contains(detail, "mark them as resolved")
}

// ListConflictedFiles returns paths with unresolved merge/rebase conflicts.
func ListConflictedFiles(ctx context.Context, repoPath string) ([]string, error) {
	stdout, stderr, err := runGit(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSubprocess, "failed to list conflicted files: %s", commandDetail(stdout, stderr))
	}
	stdout = strings.TrimSpace(stdout)
	if stdout == "" {
		return nil, nil
	}
	return strings.Split(stdout, "\n"), nil
}

// Diff returns the full diff of repoPath against baseBranch, including
// untracked files, by marking them intent-to-add, diffing, then resetting
// the index (spec.md §4.6).
func Diff(ctx context.Context, repoPath, baseBranch string) (string, error) {
	stdout, stderr, err := runGit(ctx, repoPath, "add", "-A", "--intent-to-add")
	if err != nil {
		return "", apperr.Wrap(apperr.KindSubprocess, "git add --intent-to-add failed: %s", commandDetail(stdout, stderr))
	}

	diffOut, diffErrOut, diffErr := runGit(ctx, repoPath, "diff", baseBranch)

	_, resetErrOut, resetErr := runGit(ctx, repoPath, "reset")
	if resetErr != nil {
		return "", apperr.Wrap(apperr.KindSubprocess, "git reset failed: %s", commandDetail("", resetErrOut))
	}

	if diffErr != nil {
		return "", apperr.Wrap(apperr.KindSubprocess, "git diff failed: %s", commandDetail(diffOut, diffErrOut))
	}
	return diffOut, nil
}

// ChangedFiles lists paths that differ between repoPath's worktree (staged,
// unstaged and untracked) and baseBranch, feeding per-file line-diffing for
// session size-bucket computation (spec.md §4.1 step 4, §3.1 "size bucket").
func ChangedFiles(ctx context.Context, repoPath, baseBranch string) ([]string, error) {
	stdout, stderr, err := runGit(ctx, repoPath, "add", "-A", "--intent-to-add")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSubprocess, "git add --intent-to-add failed: %s", commandDetail(stdout, stderr))
	}

	nameOut, nameErrOut, nameErr := runGit(ctx, repoPath, "diff", "--name-only", baseBranch)

	_, resetErrOut, resetErr := runGit(ctx, repoPath, "reset")
	if resetErr != nil {
		return nil, apperr.Wrap(apperr.KindSubprocess, "git reset failed: %s", commandDetail("", resetErrOut))
	}

	if nameErr != nil {
		return nil, apperr.Wrap(apperr.KindSubprocess, "git diff --name-only failed: %s", commandDetail(nameOut, nameErrOut))
	}
	nameOut = strings.TrimSpace(nameOut)
	if nameOut == "" {
		return nil, nil
	}
	return strings.Split(nameOut, "\n"), nil
}

// ShowFile returns a file's content at ref, or "" if the file does not exist
// at that ref (a newly added file has no base-branch content).
func ShowFile(ctx context.Context, repoPath, ref, path string) (string, error) {
	stdout, stderr, err := runGit(ctx, repoPath, "show", ref+":"+path)
	if err != nil {
		if strings.Contains(stderr, "does not exist") || strings.Contains(stderr, "exists on disk, but not in") {
			return "", nil
		}
		return "", apperr.Wrap(apperr.KindSubprocess, "git show %s:%s failed: %s", ref, path, commandDetail(stdout, stderr))
	}
	return stdout, nil
}

// FetchRemote runs git fetch against the configured remote.
func FetchRemote(ctx context.Context, repoPath string) error {
	stdout, stderr, err := runGit(ctx, repoPath, "fetch")
	if err != nil {
		return apperr.Wrap(apperr.KindSubprocess, "git fetch failed: %s", commandDetail(stdout, stderr))
	}
	return nil
}

// AheadBehind returns the (ahead, behind) commit counts of repoPath's
// current branch relative to its upstream.
// AheadBehind reports how far the current branch has diverged from its
// upstream. Tries go-git's commit-graph walk first, falling back to `git
// rev-list` when there is no upstream configured, HEAD is detached, or
// go-git cannot open the repository.
func AheadBehind(ctx context.Context, repoPath string) (ahead, behind int, err error) {
	if a, b, ok := aheadBehindViaGoGit(repoPath); ok {
		return a, b, nil
	}

	stdout, stderr, runErr := runGit(ctx, repoPath, "rev-list", "--left-right", "--count", "HEAD...@{u}")
	if runErr != nil {
		return 0, 0, apperr.Wrap(apperr.KindSubprocess, "failed to compute ahead/behind: %s", commandDetail(stdout, stderr))
	}
	fields := strings.Fields(stdout)
	if len(fields) != 2 {
		return 0, 0, apperr.Wrap(apperr.KindProtocol, "unexpected rev-list output: %q", stdout)
	}
	if _, err := fmt.Sscanf(fields[0], "%d", &ahead); err != nil {
		return 0, 0, fmt.Errorf("parsing ahead count: %w", err)
	}
	if _, err := fmt.Sscanf(fields[1], "%d", &behind); err != nil {
		return 0, 0, fmt.Errorf("parsing behind count: %w", err)
	}
	return ahead, behind, nil
}

// CountCommitsSinceBase counts commits on repoPath's HEAD that are not on
// baseBranch.
func CountCommitsSinceBase(ctx context.Context, repoPath, baseBranch string) (int64, error) {
	stdout, stderr, err := runGit(ctx, repoPath, "rev-list", "--count", baseBranch+"..HEAD")
	if err != nil {
		return 0, apperr.Wrap(apperr.KindSubprocess, "failed to count commits since base: %s", commandDetail(stdout, stderr))
	}
	var count int64
	if _, err := fmt.Sscanf(strings.TrimSpace(stdout), "%d", &count); err != nil {
		return 0, fmt.Errorf("parsing commit count: %w", err)
	}
	return count, nil
}

// RepoURL returns the normalized (credential-stripped, .git-suffix-stripped)
// origin remote URL.
// RepoURL reads the "origin" remote's URL, preferring go-git and falling
// back to the git CLI when go-git can't open the repository.
func RepoURL(ctx context.Context, repoPath string) (string, error) {
	if url, ok := repoURLViaGoGit(repoPath); ok {
		return normalizeRepoURL(url), nil
	}

	stdout, stderr, err := runGit(ctx, repoPath, "remote", "get-url", "origin")
	if err != nil {
		return "", apperr.Wrap(apperr.KindSubprocess, "failed to read origin url: %s", commandDetail(stdout, stderr))
	}
	return normalizeRepoURL(strings.TrimSpace(stdout)), nil
}

func normalizeRepoURL(remote string) string {
	remote = strings.TrimSuffix(remote, ".git")
	if idx := strings.Index(remote, "@"); idx >= 0 && strings.Contains(remote[:idx], "://") {
		scheme := remote[:strings.Index(remote, "://")+3]
		rest := remote[idx+1:]
		remote = scheme + rest
	}
	return remote
}
