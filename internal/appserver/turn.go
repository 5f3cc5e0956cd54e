package appserver

import (
	"encoding/json"
	"strings"

	"github.com/agentty/agentty/internal/apperr"
)

// executeTurnEventLoop sends turn/start and processes the event stream
// until a terminal turn/completed notification is received (spec.md §4.2
// "Turn execution"). It is the raw loop without compaction wrapping;
// runTurnWithRuntime layers proactive/reactive compaction around it.
func executeTurnEventLoop(rt *runtime, prompt string, policy PermissionModePolicy, stream chan<- StreamEvent) (string, int64, int64, error) {
	turnStartID := newRequestID("turn-start")
	payload := map[string]any{
		"method": "turn/start",
		"id":     turnStartID,
		"params": map[string]any{
			"threadId":       rt.threadID,
			"input":          []map[string]any{{"type": "text", "text": prompt}},
			"cwd":            rt.folder,
			"approvalPolicy": policy.ApprovalPolicy,
			"sandboxPolicy":  policy.turnSandboxPolicy(),
			"model":          rt.model,
		},
	}
	if err := rt.transport.WriteLine(payload); err != nil {
		return "", 0, 0, err
	}

	var assistantMessages []string
	var activeTurnID string
	waitingForHandoff := false
	var latestStreamInput, latestStreamOutput int64
	var completedInput, completedOutput int64
	haveStreamUsage := false

	for {
		line, err := rt.transport.ReadLine()
		if err != nil {
			return "", 0, 0, err
		}
		m, ok := decodeMessage(line)
		if !ok {
			continue
		}

		if m.matchesID(turnStartID) {
			if len(m.Error) > 0 {
				return "", 0, 0, apperr.Wrap(apperr.KindProtocol, "app-server returned an error for turn/start: %s", errorMessage(m.Error))
			}
			if activeTurnID == "" {
				if id := extractTurnID(line, "result"); id != "" {
					activeTurnID = id
					waitingForHandoff = false
				}
			}
			continue
		}

		if approval := buildApprovalResponse(m, policy); approval != nil {
			if err := rt.transport.WriteLine(approval); err != nil {
				return "", 0, 0, err
			}
			continue
		}

		if activeTurnID == "" && m.Method == "turn/started" {
			if id := extractTurnID(line, "params.turn"); id != "" {
				activeTurnID = id
				waitingForHandoff = false
			}
		}

		if progress := extractProgress(m); progress != "" {
			sendStream(stream, StreamEvent{Kind: StreamProgressUpdate, Message: progress})
		}
		if text := extractAgentMessage(m); text != "" {
			sendStream(stream, StreamEvent{Kind: StreamAssistantMessage, Message: text})
			assistantMessages = append(assistantMessages, text)
		}

		if input, output, ok := extractUsage(line, m, activeTurnID); ok {
			if m.Method == "turn/completed" {
				completedInput, completedOutput = input, output
			} else {
				latestStreamInput, latestStreamOutput = input, output
				haveStreamUsage = true
			}
		}

		if m.Method == "turn/completed" {
			status, errMsg := extractTurnStatus(line)

			if status == "interrupted" && errMsg == "" {
				activeTurnID = ""
				waitingForHandoff = true
				continue
			}

			if waitingForHandoff && activeTurnID == "" {
				if id := extractTurnID(line, "params.turn"); id != "" {
					activeTurnID = id
				}
			}

			inputTokens, outputTokens := completedInput, completedOutput
			if haveStreamUsage {
				inputTokens, outputTokens = latestStreamInput, latestStreamOutput
			}

			if status != "completed" {
				if errMsg == "" {
					errMsg = "turn did not complete successfully (status=" + status + ")"
				}
				sendStream(stream, StreamEvent{Kind: StreamAssistantMessage, Message: "[app-server] " + errMsg})
				return "", 0, 0, apperr.Wrap(apperr.KindProtocol, "%s", errMsg)
			}

			return strings.Join(assistantMessages, "\n\n"), inputTokens, outputTokens, nil
		}
	}
}

func extractTurnID(line []byte, path string) string {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(line, &root); err != nil {
		return ""
	}
	switch path {
	case "result":
		var r struct {
			Turn struct {
				ID string `json:"id"`
			} `json:"turn"`
			TurnID    string `json:"turnId"`
			TurnIDAlt string `json:"turn_id"`
		}
		if raw, ok := root["result"]; ok {
			_ = json.Unmarshal(raw, &r)
			if r.Turn.ID != "" {
				return r.Turn.ID
			}
			if r.TurnID != "" {
				return r.TurnID
			}
			return r.TurnIDAlt
		}
	case "params.turn":
		var p struct {
			Turn struct {
				ID string `json:"id"`
			} `json:"turn"`
		}
		if raw, ok := root["params"]; ok {
			_ = json.Unmarshal(raw, &p)
			return p.Turn.ID
		}
	}
	return ""
}

// progressMessages maps the closed set of item/started item types the
// app-server emits to the fixed message shown in the session's progress
// cell. Item types may arrive camelCase or snake_case; both are normalized
// to snake_case before the lookup. Any type not in this set produces no
// progress update.
var progressMessages = map[string]string{
	"command_execution": "Running a command",
	"reasoning":         "Thinking",
	"web_search":        "Searching the web",
}

func extractProgress(m *message) string {
	if m.Method != "item/started" {
		return ""
	}
	var p struct {
		Item struct {
			Type string `json:"type"`
		} `json:"item"`
	}
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return ""
	}
	return progressMessages[camelToSnake(p.Item.Type)]
}

// camelToSnake converts a camelCase item type (e.g. "commandExecution") to
// snake_case ("command_execution"). Inputs already in snake_case pass
// through unchanged.
func camelToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// completionStatusMessages are synthetic item text the app-server emits to
// narrate tool-call completion rather than to produce an assistant message
// (for example after a command finishes running). These are filtered out of
// the assistant-message stream so only real agent replies reach the
// transcript.
var completionStatusMessages = map[string]bool{
	"command completed": true,
	"task completed":    true,
}

func isCompletionStatusMessage(text string) bool {
	return completionStatusMessages[strings.ToLower(strings.TrimSpace(text))]
}

// agentMessageContent decodes an item's "content" field, which the
// app-server normally sends as an array of `{"text": "..."}` parts to be
// joined, but tolerates a bare string for servers/fixtures that send the
// text directly.
type agentMessageContent struct {
	text string
}

func (c *agentMessageContent) UnmarshalJSON(data []byte) error {
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err == nil {
		joined := make([]string, 0, len(parts))
		for _, part := range parts {
			if part.Text != "" {
				joined = append(joined, part.Text)
			}
		}
		c.text = strings.Join(joined, "\n\n")
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.text = s
		return nil
	}
	return nil
}

func extractAgentMessage(m *message) string {
	if m.Method != "item/completed" {
		return ""
	}
	var p struct {
		Item struct {
			Type    string              `json:"type"`
			Text    string              `json:"text"`
			Content agentMessageContent `json:"content"`
		} `json:"item"`
	}
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return ""
	}
	itemType := strings.ToLower(p.Item.Type)
	if itemType != "agentmessage" && itemType != "agent_message" {
		return ""
	}

	message := p.Item.Text
	if message == "" {
		message = p.Item.Content.text
	}
	if message == "" || isCompletionStatusMessage(message) {
		return ""
	}
	return message
}

// usageBreakdown tolerates both camelCase and snake_case token-count fields
// (spec.md §6.4: "tolerate both camelCase and snake_case").
type usageBreakdown struct {
	InputTokens     int64 `json:"inputTokens"`
	InputTokensSnk  int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"outputTokens"`
	OutputTokensSnk int64 `json:"output_tokens"`
}

func (b usageBreakdown) tokens() (input, output int64) {
	input = b.InputTokens
	if input == 0 {
		input = b.InputTokensSnk
	}
	output = b.OutputTokens
	if output == 0 {
		output = b.OutputTokensSnk
	}
	return input, output
}

// extractUsage reads per-turn token usage. `thread/tokenUsage/updated` (also
// accepted as `thread/token_usage/updated`) is the app-server's preferred
// source (spec.md §4.2) and nests the breakdown under
// `params.tokenUsage.last` (or `token_usage`/`last_token_usage`/`total`/
// `total_token_usage`, whichever the server populates). `turn/completed`
// carries a flatter `params.turn.usage` fallback for servers that never send
// a tokenUsage/updated notification.
func extractUsage(line []byte, m *message, activeTurnID string) (input, output int64, ok bool) {
	if m.Method == "thread/tokenUsage/updated" || m.Method == "thread/token_usage/updated" {
		var p struct {
			Params struct {
				TurnID     string `json:"turnId"`
				TurnIDSnk  string `json:"turn_id"`
				TokenUsage *struct {
					Last            *usageBreakdown `json:"last"`
					LastTokenUsage  *usageBreakdown `json:"last_token_usage"`
					Total           *usageBreakdown `json:"total"`
					TotalTokenUsage *usageBreakdown `json:"total_token_usage"`
				} `json:"tokenUsage"`
				TokenUsageSnk *struct {
					Last            *usageBreakdown `json:"last"`
					LastTokenUsage  *usageBreakdown `json:"last_token_usage"`
					Total           *usageBreakdown `json:"total"`
					TotalTokenUsage *usageBreakdown `json:"total_token_usage"`
				} `json:"token_usage"`
			} `json:"params"`
		}
		if err := json.Unmarshal(line, &p); err != nil {
			return 0, 0, false
		}
		turnID := p.Params.TurnID
		if turnID == "" {
			turnID = p.Params.TurnIDSnk
		}
		if activeTurnID != "" && turnID != "" && turnID != activeTurnID {
			return 0, 0, false
		}
		tu := p.Params.TokenUsage
		if tu == nil {
			tu = p.Params.TokenUsageSnk
		}
		if tu == nil {
			return 0, 0, false
		}
		breakdown := tu.Last
		if breakdown == nil {
			breakdown = tu.LastTokenUsage
		}
		if breakdown == nil {
			breakdown = tu.Total
		}
		if breakdown == nil {
			breakdown = tu.TotalTokenUsage
		}
		if breakdown == nil {
			return 0, 0, false
		}
		input, output := breakdown.tokens()
		return input, output, true
	}

	if m.Method == "turn/completed" {
		var p struct {
			Params struct {
				Turn struct {
					ID    string         `json:"id"`
					Usage usageBreakdown `json:"usage"`
				} `json:"turn"`
			} `json:"params"`
		}
		if err := json.Unmarshal(line, &p); err == nil {
			input, output := p.Params.Turn.Usage.tokens()
			if input != 0 || output != 0 {
				return input, output, true
			}
		}
	}
	return 0, 0, false
}

func extractTurnStatus(line []byte) (status, errMsg string) {
	var p struct {
		Params struct {
			Turn struct {
				Status string          `json:"status"`
				Error  json.RawMessage `json:"error"`
			} `json:"turn"`
		} `json:"params"`
	}
	if err := json.Unmarshal(line, &p); err != nil {
		return "", ""
	}
	if len(p.Params.Turn.Error) > 0 {
		errMsg = errorMessage(p.Params.Turn.Error)
	}
	return p.Params.Turn.Status, errMsg
}
