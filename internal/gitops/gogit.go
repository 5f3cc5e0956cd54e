package gitops

import (
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// maxAheadBehindWalk bounds how many first-parent commits aheadBehindViaGoGit
// will walk past the merge base before giving up and letting the caller fall
// back to `git rev-list`, following the depth cap in the teacher's own
// history walk (findCheckpointInHistory's maxCommits).
const maxAheadBehindWalk = 10000

// openRepo opens repoPath as a go-git repository, detecting a linked
// worktree's .git file (which points at the main repository's common git
// dir) the same way the teacher's strategy.OpenRepository does.
func openRepo(repoPath string) (*git.Repository, error) {
	return git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
}

// headShortHashViaGoGit resolves HEAD's abbreviated hash without shelling
// out, following the teacher's go-git-first/CLI-fallback pattern
// (GetGitAuthor in git_operations.go).
func headShortHashViaGoGit(repoPath string) (string, bool) {
	repo, err := openRepo(repoPath)
	if err != nil {
		return "", false
	}
	head, err := repo.Head()
	if err != nil {
		return "", false
	}
	hash := head.Hash().String()
	if len(hash) < 7 {
		return "", false
	}
	return hash[:7], true
}

// currentBranchViaGoGit resolves the branch HEAD points to, or reports a
// detached HEAD so the caller falls back to the short-hash notation.
func currentBranchViaGoGit(repoPath string) (branch string, detached, ok bool) {
	repo, err := openRepo(repoPath)
	if err != nil {
		return "", false, false
	}
	head, err := repo.Head()
	if err != nil {
		return "", false, false
	}
	if !head.Name().IsBranch() {
		return "", true, true
	}
	return head.Name().Short(), false, true
}

// repoURLViaGoGit reads the "origin" remote's configured URL.
func repoURLViaGoGit(repoPath string) (string, bool) {
	repo, err := openRepo(repoPath)
	if err != nil {
		return "", false
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", false
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", false
	}
	return urls[0], true
}

// aheadBehindViaGoGit computes how many commits the current branch is ahead
// of and behind its upstream by walking the commit graph from each tip down
// to their merge base, mirroring `git rev-list --left-right --count
// HEAD...@{u}`. It reports ok=false whenever the repository has no upstream
// configured, HEAD is detached, or any of the lookups fail, so the caller
// can fall back to the raw git invocation for those cases.
func aheadBehindViaGoGit(repoPath string) (ahead, behind int, ok bool) {
	repo, err := openRepo(repoPath)
	if err != nil {
		return 0, 0, false
	}
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return 0, 0, false
	}

	cfg, err := repo.Config()
	if err != nil {
		return 0, 0, false
	}
	branchCfg, found := cfg.Branches[head.Name().Short()]
	if !found || branchCfg.Remote == "" || branchCfg.Merge == "" {
		return 0, 0, false
	}
	upstreamRef, err := repo.Reference(plumbing.NewRemoteReferenceName(branchCfg.Remote, branchCfg.Merge.Short()), true)
	if err != nil {
		return 0, 0, false
	}

	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return 0, 0, false
	}
	upstreamCommit, err := repo.CommitObject(upstreamRef.Hash())
	if err != nil {
		return 0, 0, false
	}

	bases, err := headCommit.MergeBase(upstreamCommit)
	if err != nil || len(bases) == 0 {
		return 0, 0, false
	}
	base := bases[0].Hash

	aheadCount, ok := countCommitsUntil(headCommit, base)
	if !ok {
		return 0, 0, false
	}
	behindCount, ok := countCommitsUntil(upstreamCommit, base)
	if !ok {
		return 0, 0, false
	}
	return aheadCount, behindCount, true
}

// countCommitsUntil walks first parents from start, counting commits until
// stop is reached (exclusive), the same single-parent-line traversal the
// teacher's findCheckpointInHistory uses to walk from HEAD down to a
// boundary commit. Reports ok=false if stop is never reached within
// maxAheadBehindWalk commits, so the caller can fall back to `git rev-list`
// rather than return a count that silently stopped short on a merge commit's
// non-first parent.
func countCommitsUntil(start *object.Commit, stop plumbing.Hash) (count int, ok bool) {
	current := start
	for i := 0; i < maxAheadBehindWalk; i++ {
		if current.Hash == stop {
			return count, true
		}
		if current.NumParents() == 0 {
			return 0, false
		}
		parent, err := current.Parent(0)
		if err != nil {
			return 0, false
		}
		count++
		current = parent
	}
	return 0, false
}
