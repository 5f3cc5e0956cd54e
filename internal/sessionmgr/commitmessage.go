package sessionmgr

import "strings"

const (
	commitMessageBeginMarker = "BEGIN_COMMIT_MESSAGE"
	commitMessageEndMarker   = "END_COMMIT_MESSAGE"
)

// commitMessagePrompt builds the side-channel turn prompt that asks the
// agent to summarize its own diff as a commit message, framed with begin/end
// markers so the response can be parsed out of whatever surrounding prose
// the model adds (spec.md §4.3 "Commit message generation").
func commitMessagePrompt() string {
	var b strings.Builder
	b.WriteString("Write a commit message for the changes you just made in this worktree.\n")
	b.WriteString("Respond with exactly one such block and nothing else outside it:\n\n")
	b.WriteString(commitMessageBeginMarker + "\n")
	b.WriteString("TITLE: <a single-line imperative summary, 72 characters or fewer>\n")
	b.WriteString("BODY:\n<zero or more bullet points with further detail, one per line>\n")
	b.WriteString(commitMessageEndMarker + "\n")
	return b.String()
}

// parseCommitMessage extracts the TITLE/BODY framed between the commit
// message markers. ok is false when the markers or a TITLE line are
// missing, so the caller can fall back to a synthesized message.
func parseCommitMessage(raw string) (title, body string, ok bool) {
	block, found := extractFramedBlock(raw, commitMessageBeginMarker, commitMessageEndMarker)
	if !found {
		return "", "", false
	}

	var bodyLines []string
	inBody := false
	for _, line := range strings.Split(block, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "TITLE:"):
			title = strings.TrimSpace(strings.TrimPrefix(trimmed, "TITLE:"))
		case strings.HasPrefix(trimmed, "BODY:"):
			inBody = true
			if rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "BODY:")); rest != "" {
				bodyLines = append(bodyLines, rest)
			}
		case inBody && trimmed != "":
			bodyLines = append(bodyLines, trimmed)
		}
	}

	if title == "" {
		return "", "", false
	}
	return title, strings.Join(bodyLines, "\n"), true
}

// extractFramedBlock returns the text strictly between the first begin/end
// marker pair, shared by the commit-message and focused-review parsers
// (spec.md §4.3, SPEC_FULL.md "Focused review").
func extractFramedBlock(raw, begin, end string) (string, bool) {
	start := strings.Index(raw, begin)
	if start < 0 {
		return "", false
	}
	start += len(begin)
	stop := strings.Index(raw[start:], end)
	if stop < 0 {
		return "", false
	}
	return raw[start : start+stop], true
}

// fallbackCommitMessage synthesizes a commit message when the agent's
// response could not be parsed, from the session's own prompt title.
func fallbackCommitMessage(promptTitle string) string {
	if promptTitle == "" {
		return "Update session worktree\n\n- Commit current session worktree changes."
	}
	runes := []rune(promptTitle)
	runes[0] = []rune(strings.ToLower(string(runes[0])))[0]
	return "Update " + string(runes) + "\n\n- Commit current session worktree changes."
}

func formatCommitMessage(title, body string) string {
	if body == "" {
		return title
	}
	return title + "\n\n" + body
}
