// Package diffstat computes a session's changed-line count so
// internal/sessionmgr can bucket it into a domain.Size (spec.md §3.1 "size
// bucket", §4.1 step 4: "computes session size bucket from git diff
// <base>..HEAD line count"). Per-file line counting is grounded directly on
// the teacher's diffLines in
// cmd/entire/cli/strategy/manual_commit_attribution.go, which uses the same
// diffmatchpatch.DiffLinesToChars / DiffMain / DiffCharsToLines line-mode
// pattern to avoid character-level diff noise on large files.
package diffstat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/gitops"
)

// ComputeSize walks every file changed between repoPath's worktree and
// baseBranch, sums added+removed lines per file via line-mode diffing, and
// buckets the total.
func ComputeSize(ctx context.Context, repoPath, baseBranch string) (domain.Size, error) {
	lines, err := LineCount(ctx, repoPath, baseBranch)
	if err != nil {
		return "", err
	}
	return domain.SizeFromLineCount(lines), nil
}

// LineCount returns the total changed-line count (added+removed, summed
// across every changed file) between repoPath's worktree and baseBranch.
func LineCount(ctx context.Context, repoPath, baseBranch string) (int, error) {
	files, err := gitops.ChangedFiles(ctx, repoPath, baseBranch)
	if err != nil {
		return 0, fmt.Errorf("computing diff size: %w", err)
	}

	total := 0
	for _, path := range files {
		baseContent, err := gitops.ShowFile(ctx, repoPath, baseBranch, path)
		if err != nil {
			return 0, fmt.Errorf("reading base content of %s: %w", path, err)
		}
		workContent := readWorktreeFile(repoPath, path)

		added, removed := LineDelta(baseContent, workContent)
		total += added + removed
	}
	return total, nil
}

// LineDelta returns (added, removed) line counts between two file contents,
// using diffmatchpatch's line-mode diff (hash each line to a single
// character, diff the character strings, then expand back to lines) so the
// result tracks whole-line changes rather than in-line character churn.
func LineDelta(before, after string) (added, removed int) {
	if before == after {
		return 0, 0
	}
	if before == "" {
		return countLines(after), 0
	}
	if after == "" {
		return 0, countLines(before)
	}

	dmp := diffmatchpatch.New()
	text1, text2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(text1, text2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += countLines(d.Text)
		}
	}
	return added, removed
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	lines := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		lines++
	}
	return lines
}

// readWorktreeFile reads a file directly off disk, returning "" for a
// deleted-in-worktree (or otherwise unreadable) file — deletions are then
// captured entirely by LineDelta's before-only branch.
func readWorktreeFile(repoPath, path string) string {
	data, err := os.ReadFile(filepath.Join(repoPath, path)) //nolint:gosec // path comes from `git diff --name-only` within repoPath
	if err != nil {
		return ""
	}
	return string(data)
}
