package gitops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agentty/agentty/internal/apperr"
)

// PullRequest is the subset of `gh pr` fields the orchestrator tracks
// (spec.md §4.6 "Pull request workflow").
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

func runGH(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	if err := acquireSubprocessSlot(ctx); err != nil {
		return "", "", err
	}
	defer subprocessGate.Release(1)

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	return outBuf.String(), errBuf.String(), runErr
}

// CreatePR pushes branchName to origin (with upstream tracking) and opens a
// pull request against baseBranch via the gh CLI.
func CreatePR(ctx context.Context, repoPath, branchName, baseBranch, title, body string) (*PullRequest, error) {
	stdout, stderr, err := runGit(ctx, repoPath, "push", "-u", "origin", branchName)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSubprocess, "failed to push branch %s: %s", branchName, commandDetail(stdout, stderr))
	}

	args := []string{"pr", "create", "--title", title, "--body", body, "--base", baseBranch, "--head", branchName}
	stdout, stderr, err = runGH(ctx, repoPath, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSubprocess, "failed to create pull request: %s", commandDetail(stdout, stderr))
	}

	url := strings.TrimSpace(lastNonEmptyLine(stdout))
	pr, err := PRView(ctx, repoPath, url)
	if err != nil {
		// The PR was created; a follow-up view failure shouldn't mask that.
		return &PullRequest{URL: url}, nil //nolint:nilerr
	}
	return pr, nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// PRView fetches the current number/url/state of a pull request identified
// by its URL, number, or branch name.
func PRView(ctx context.Context, repoPath, identifier string) (*PullRequest, error) {
	stdout, stderr, err := runGH(ctx, repoPath, "pr", "view", identifier, "--json", "number,url,state")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSubprocess, "failed to view pull request %s: %s", identifier, commandDetail(stdout, stderr))
	}
	var pr PullRequest
	if err := json.Unmarshal([]byte(stdout), &pr); err != nil {
		return nil, fmt.Errorf("parsing gh pr view output: %w", err)
	}
	return &pr, nil
}

// IsPRMerged reports whether the pull request identified by identifier has
// been merged.
func IsPRMerged(ctx context.Context, repoPath, identifier string) (bool, error) {
	pr, err := PRView(ctx, repoPath, identifier)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(pr.State, "MERGED"), nil
}

// IsPRClosed reports whether the pull request identified by identifier was
// closed without merging.
func IsPRClosed(ctx context.Context, repoPath, identifier string) (bool, error) {
	pr, err := PRView(ctx, repoPath, identifier)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(pr.State, "CLOSED"), nil
}
