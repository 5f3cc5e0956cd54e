package sessionmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommitMessageExtractsTitleAndBody(t *testing.T) {
	raw := "Sure, here you go:\n\n" +
		commitMessageBeginMarker + "\n" +
		"TITLE: Add retry to the upload handler\n" +
		"BODY:\n- retry transient network errors\n- cap at three attempts\n" +
		commitMessageEndMarker + "\n\nLet me know if you want more detail."

	title, body, ok := parseCommitMessage(raw)
	require.True(t, ok)
	require.Equal(t, "Add retry to the upload handler", title)
	require.Equal(t, "- retry transient network errors\n- cap at three attempts", body)
}

func TestParseCommitMessageWithoutBodyIsStillOK(t *testing.T) {
	raw := commitMessageBeginMarker + "\nTITLE: Fix typo\nBODY:\n" + commitMessageEndMarker
	title, body, ok := parseCommitMessage(raw)
	require.True(t, ok)
	require.Equal(t, "Fix typo", title)
	require.Empty(t, body)
}

func TestParseCommitMessageMissingMarkersFails(t *testing.T) {
	_, _, ok := parseCommitMessage("just some unrelated prose")
	require.False(t, ok)
}

func TestParseCommitMessageMissingTitleFails(t *testing.T) {
	raw := commitMessageBeginMarker + "\nBODY:\nsomething\n" + commitMessageEndMarker
	_, _, ok := parseCommitMessage(raw)
	require.False(t, ok)
}

func TestExtractFramedBlockReturnsInnerText(t *testing.T) {
	raw := "prefix BEGIN_X inner text END_X suffix"
	block, ok := extractFramedBlock(raw, "BEGIN_X", "END_X")
	require.True(t, ok)
	require.Equal(t, " inner text ", block)
}

func TestExtractFramedBlockMissingEndMarkerFails(t *testing.T) {
	_, ok := extractFramedBlock("BEGIN_X no closing marker here", "BEGIN_X", "END_X")
	require.False(t, ok)
}

func TestFallbackCommitMessageLowercasesFirstRune(t *testing.T) {
	msg := fallbackCommitMessage("Add login flow")
	require.Contains(t, msg, "Update add login flow")
}

func TestFallbackCommitMessageHandlesMultiByteFirstRune(t *testing.T) {
	// A multi-byte leading rune must not be corrupted by naive byte slicing.
	msg := fallbackCommitMessage("Ünïcode title")
	require.Contains(t, msg, "ünïcode title")
}

func TestFallbackCommitMessageHandlesEmptyTitle(t *testing.T) {
	msg := fallbackCommitMessage("")
	require.Equal(t, "Update session worktree\n\n- Commit current session worktree changes.", msg)
}

func TestFormatCommitMessageOmitsBlankBody(t *testing.T) {
	require.Equal(t, "Title only", formatCommitMessage("Title only", ""))
	require.Equal(t, "Title\n\nBody", formatCommitMessage("Title", "Body"))
}
