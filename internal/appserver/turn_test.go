package appserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeParams(t *testing.T, method, paramsJSON string) *message {
	t.Helper()
	line := []byte(`{"method":"` + method + `","params":` + paramsJSON + `}`)
	m, ok := decodeMessage(line)
	require.True(t, ok)
	return m
}

func TestExtractAgentMessageJoinsArrayContent(t *testing.T) {
	m := decodeParams(t, "item/completed", `{"item":{"type":"agentMessage","content":[{"text":"Line 1"},{"text":"Line 2"}]}}`)
	require.Equal(t, "Line 1\n\nLine 2", extractAgentMessage(m))
}

func TestExtractAgentMessageToleratesStringContent(t *testing.T) {
	m := decodeParams(t, "item/completed", `{"item":{"type":"agent_message","content":"all done"}}`)
	require.Equal(t, "all done", extractAgentMessage(m))
}

func TestExtractAgentMessageFiltersCompletionStatusLines(t *testing.T) {
	m := decodeParams(t, "item/completed", `{"item":{"type":"agentMessage","text":"Command completed"}}`)
	require.Equal(t, "", extractAgentMessage(m))
}

func TestExtractAgentMessageIgnoresNonAgentItems(t *testing.T) {
	m := decodeParams(t, "item/completed", `{"item":{"type":"commandExecution","content":[{"text":"ls -la"}]}}`)
	require.Equal(t, "", extractAgentMessage(m))
}

func TestExtractProgressMapsKnownItemTypes(t *testing.T) {
	require.Equal(t, "Running a command", extractProgress(decodeParams(t, "item/started", `{"item":{"type":"commandExecution"}}`)))
	require.Equal(t, "Thinking", extractProgress(decodeParams(t, "item/started", `{"item":{"type":"reasoning"}}`)))
	require.Equal(t, "Searching the web", extractProgress(decodeParams(t, "item/started", `{"item":{"type":"web_search"}}`)))
}

func TestExtractProgressIgnoresUnknownItemTypes(t *testing.T) {
	require.Equal(t, "", extractProgress(decodeParams(t, "item/started", `{"item":{"type":"agentMessage","title":"some title"}}`)))
}

func TestExtractUsageReadsNestedTokenUsageUpdated(t *testing.T) {
	line := []byte(`{"method":"thread/tokenUsage/updated","params":{"turnId":"t-1","tokenUsage":{"last":{"inputTokens":42,"outputTokens":7}}}}`)
	m, ok := decodeMessage(line)
	require.True(t, ok)
	input, output, ok := extractUsage(line, m, "t-1")
	require.True(t, ok)
	require.EqualValues(t, 42, input)
	require.EqualValues(t, 7, output)
}

func TestExtractUsageToleratesSnakeCaseTokenUsageUpdated(t *testing.T) {
	line := []byte(`{"method":"thread/token_usage/updated","params":{"turn_id":"t-1","token_usage":{"last_token_usage":{"input_tokens":11,"output_tokens":3}}}}`)
	m, ok := decodeMessage(line)
	require.True(t, ok)
	input, output, ok := extractUsage(line, m, "t-1")
	require.True(t, ok)
	require.EqualValues(t, 11, input)
	require.EqualValues(t, 3, output)
}

func TestExtractUsageTurnCompletedAcceptsCamelCase(t *testing.T) {
	line := []byte(`{"method":"turn/completed","params":{"turn":{"id":"t-1","usage":{"inputTokens":9,"outputTokens":2}}}}`)
	m, ok := decodeMessage(line)
	require.True(t, ok)
	input, output, ok := extractUsage(line, m, "t-1")
	require.True(t, ok)
	require.EqualValues(t, 9, input)
	require.EqualValues(t, 2, output)
}

func TestExtractTurnIDResultAcceptsSnakeCase(t *testing.T) {
	line := []byte(`{"result":{"turn_id":"t-99"}}`)
	require.Equal(t, "t-99", extractTurnID(line, "result"))
}
