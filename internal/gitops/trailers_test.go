package gitops

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendSessionTrailerRoundTrips(t *testing.T) {
	message := AppendSessionTrailer("Fix the thing", "sess-123")
	require.Contains(t, message, "Fix the thing")

	id, ok := ParseSessionTrailer(message)
	require.True(t, ok)
	require.Equal(t, "sess-123", id)
}

func TestParseSessionTrailerMissing(t *testing.T) {
	_, ok := ParseSessionTrailer("Just a plain commit message\n\nNo trailers here.\n")
	require.False(t, ok)
}
