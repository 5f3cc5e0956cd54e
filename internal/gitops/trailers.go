package gitops

import (
	"fmt"
	"regexp"
	"strings"
)

// SessionTrailerKey is the git trailer auto-commits and merge commits use
// to record which session produced them, following the trailer convention
// (key: value after a blank line) the teacher's commit messages use for
// Entire-Session, trimmed to the one piece of provenance this orchestrator
// actually needs — there is no shadow-branch metadata directory, strategy
// name or condensation ID to carry alongside it.
const SessionTrailerKey = "Agentty-Session"

var sessionTrailerRegex = regexp.MustCompile(SessionTrailerKey + `:\s*(\S+)`)

// AppendSessionTrailer appends a session-identifying trailer to a commit
// message body.
func AppendSessionTrailer(message, sessionID string) string {
	return fmt.Sprintf("%s\n\n%s: %s\n", message, SessionTrailerKey, sessionID)
}

// ParseSessionTrailer extracts the session id trailer from a commit
// message, if present.
func ParseSessionTrailer(message string) (string, bool) {
	matches := sessionTrailerRegex.FindStringSubmatch(message)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1]), true
	}
	return "", false
}
