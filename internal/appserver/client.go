package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentty/agentty/internal/apperr"
	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/domain"
)

// clientName identifies this process (as both clientInfo name and title) in
// the initialize handshake (spec.md §4.2 step 1).
const clientName = "agentty"

// runtime is one live (folder, model) app-server child process.
type runtime struct {
	transport         *Transport
	folder            string
	model             string
	kind              domain.AgentKind
	threadID          string
	latestInputTokens int64
}

func (r *runtime) matches(folder, model string, kind domain.AgentKind) bool {
	return r.folder == folder && r.model == model && r.kind == kind
}

// Client owns one runtime per (folder, model, kind) and drives turns
// against it, restarting the runtime once on transport failure (spec.md
// §4.2 "restart-on-crash-and-retry").
type Client struct {
	mu       sync.Mutex
	runtimes map[string]*runtime
}

// NewClient creates an empty app-server runtime registry.
func NewClient() *Client {
	return &Client{runtimes: make(map[string]*runtime)}
}

func runtimeKey(folder, model string, kind domain.AgentKind) string {
	return string(kind) + "|" + folder + "|" + model
}

// RunTurn executes one turn, streaming intermediate events to stream, with
// automatic restart-and-retry on a transport failure of the underlying
// runtime (spec.md §4.2).
func (c *Client) RunTurn(ctx context.Context, req TurnRequest, stream chan<- StreamEvent) (TurnResponse, error) {
	key := runtimeKey(req.Folder, req.Model, req.Kind)

	rt, err := c.acquireRuntime(ctx, key, req)
	if err != nil {
		return TurnResponse{}, err
	}

	resp, err := c.runTurnWithRuntime(ctx, rt, req, stream)
	if err == nil || !errors.Is(err, apperr.KindTransport) {
		return resp, err
	}

	// The runtime's transport died; drop it and retry exactly once against
	// a freshly spawned process (spec.md §4.2, §4.4 error recovery table).
	applog.Warn(ctx, "app-server transport failed, restarting runtime", "folder", req.Folder, "model", req.Model)
	c.dropRuntime(key)

	rt, err = c.acquireRuntime(ctx, key, req)
	if err != nil {
		return TurnResponse{}, fmt.Errorf("restarting app-server runtime: %w", err)
	}
	return c.runTurnWithRuntime(ctx, rt, req, stream)
}

func (c *Client) acquireRuntime(ctx context.Context, key string, req TurnRequest) (*runtime, error) {
	c.mu.Lock()
	rt, ok := c.runtimes[key]
	c.mu.Unlock()
	if ok && rt.matches(req.Folder, req.Model, req.Kind) {
		return rt, nil
	}

	rt, err := startRuntime(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.runtimes[key] = rt
	c.mu.Unlock()
	return rt, nil
}

func (c *Client) dropRuntime(key string) {
	c.mu.Lock()
	rt, ok := c.runtimes[key]
	delete(c.runtimes, key)
	c.mu.Unlock()
	if ok {
		rt.transport.Shutdown(context.Background())
	}
}

// ShutdownSession terminates the runtime for (folder, model, kind), if any
// is currently live — used when a session changes model/agent or is
// deleted (spec.md §3.2 "session deletion", §4.1 set_session_model).
func (c *Client) ShutdownSession(ctx context.Context, folder, model string, kind domain.AgentKind) {
	c.dropRuntime(runtimeKey(folder, model, kind))
	_ = ctx
}

// ShutdownAll terminates every live runtime, used at process shutdown.
func (c *Client) ShutdownAll(ctx context.Context) {
	c.mu.Lock()
	runtimes := c.runtimes
	c.runtimes = make(map[string]*runtime)
	c.mu.Unlock()
	for _, rt := range runtimes {
		rt.transport.Shutdown(ctx)
	}
}

func startRuntime(ctx context.Context, req TurnRequest) (*runtime, error) {
	adapter, err := Get(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("resolving app-server adapter: %w", err)
	}
	name, args := adapter.Command(req.Folder, req.Model)

	transport, err := Spawn(ctx, req.Folder, name, args...)
	if err != nil {
		return nil, err
	}

	rt := &runtime{transport: transport, folder: req.Folder, model: req.Model, kind: req.Kind}

	if err := initializeRuntime(rt); err != nil {
		transport.Shutdown(ctx)
		return nil, err
	}

	threadID, err := startThread(rt, req.PermissionMode)
	if err != nil {
		transport.Shutdown(ctx)
		return nil, err
	}
	rt.threadID = threadID

	return rt, nil
}

func initializeRuntime(rt *runtime) error {
	initID := newRequestID("init")
	if err := rt.transport.WriteLine(map[string]any{
		"method": "initialize",
		"id":     initID,
		"params": map[string]any{
			"clientInfo": map[string]any{"name": clientName, "title": clientName},
			"capabilities": map[string]any{
				"experimentalApi":            true,
				"optOutNotificationMethods": nil,
			},
		},
	}); err != nil {
		return err
	}
	if _, err := waitForResponse(rt.transport, initID); err != nil {
		return err
	}

	return rt.transport.WriteLine(map[string]any{
		"method": "initialized",
		"params": map[string]any{},
	})
}

func startThread(rt *runtime, policy PermissionModePolicy) (string, error) {
	startID := newRequestID("thread-start")
	payload := map[string]any{
		"method": "thread/start",
		"id":     startID,
		"params": map[string]any{
			"model":          rt.model,
			"modelProvider":  nil,
			"cwd":            rt.folder,
			"approvalPolicy": policy.ApprovalPolicy,
			"sandbox":        policy.ThreadSandboxMode,
			"config":         map[string]any{"web_search": policy.WebSearchMode},
		},
	}
	if err := rt.transport.WriteLine(payload); err != nil {
		return "", err
	}

	raw, err := waitForResponse(rt.transport, startID)
	if err != nil {
		return "", err
	}

	var decoded struct {
		Result struct {
			Thread struct {
				ID string `json:"id"`
			} `json:"thread"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("parsing thread/start response: %w", err)
	}
	if decoded.Result.Thread.ID == "" {
		return "", apperr.Wrap(apperr.KindProtocol, "thread/start response does not include a thread id")
	}
	return decoded.Result.Thread.ID, nil
}

// waitForResponse reads lines until one whose id matches requestID,
// returning its raw bytes. Non-matching lines (notifications belonging to a
// different in-flight request) are discarded, matching the original
// wait_for_response_line behavior. It is used for the handshake, thread/start
// and the thread/compact/start acknowledgement, none of which has turn-level
// notifications that must be kept.
func waitForResponse(t *Transport, requestID string) ([]byte, error) {
	for {
		line, err := t.ReadLine()
		if err != nil {
			return nil, err
		}
		m, ok := decodeMessage(line)
		if !ok {
			continue
		}
		if !m.matchesID(requestID) {
			continue
		}
		if len(m.Error) > 0 {
			return nil, apperr.Wrap(apperr.KindProtocol, "app-server returned an error: %s", errorMessage(m.Error))
		}
		return line, nil
	}
}

func (c *Client) runTurnWithRuntime(ctx context.Context, rt *runtime, req TurnRequest, stream chan<- StreamEvent) (TurnResponse, error) {
	threshold := compactionThreshold(req.Kind, req.Model)
	if rt.latestInputTokens >= threshold {
		sendStream(stream, StreamEvent{Kind: StreamProgressUpdate, Message: "Compacting context"})
		if err := sendCompactRequest(ctx, rt); err != nil {
			return TurnResponse{}, err
		}
	}

	message, inputTokens, outputTokens, err := executeTurnEventLoop(rt, req.Prompt, req.PermissionMode, stream)
	if err == nil {
		rt.latestInputTokens = inputTokens
		return TurnResponse{AssistantMessage: message, ThreadID: rt.threadID, InputTokens: inputTokens, OutputTokens: outputTokens}, nil
	}

	if !isContextWindowExceeded(err) {
		return TurnResponse{}, err
	}

	applog.Info(ctx, "reactive compaction triggered", "folder", req.Folder, "model", req.Model)
	sendStream(stream, StreamEvent{Kind: StreamProgressUpdate, Message: "Compacting context"})
	if compactErr := sendCompactRequest(ctx, rt); compactErr != nil {
		return TurnResponse{}, compactErr
	}

	message, inputTokens, outputTokens, err = executeTurnEventLoop(rt, req.Prompt, req.PermissionMode, stream)
	if err != nil {
		return TurnResponse{}, err
	}
	rt.latestInputTokens = inputTokens
	return TurnResponse{AssistantMessage: message, ThreadID: rt.threadID, InputTokens: inputTokens, OutputTokens: outputTokens}, nil
}

func sendStream(stream chan<- StreamEvent, ev StreamEvent) {
	if stream == nil {
		return
	}
	select {
	case stream <- ev:
	default:
	}
}

func isContextWindowExceeded(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "ContextWindowExceeded") || strings.Contains(msg, "context_window_exceeded")
}

// compactionThreshold returns the cumulative-input-token threshold at which
// a turn must trigger proactive compaction before running (spec.md §4.2
// "Compaction thresholds"). 400k-context models compact at 300k; everything
// else uses the tighter 128k-context threshold.
func compactionThreshold(kind domain.AgentKind, model string) int64 {
	m, err := domain.LookupModel(kind, model)
	if err != nil {
		return domain.ContextTier128K.CompactionThreshold()
	}
	return m.Tier.CompactionThreshold()
}

func sendCompactRequest(ctx context.Context, rt *runtime) error {
	compactID := newRequestID("compact")
	if err := rt.transport.WriteLine(map[string]any{
		"method": "thread/compact/start",
		"id":     compactID,
		"params": map[string]any{"threadId": rt.threadID},
	}); err != nil {
		return err
	}
	if _, err := waitForResponse(rt.transport, compactID); err != nil {
		return err
	}

	for {
		line, err := rt.transport.ReadLine()
		if err != nil {
			return err
		}
		m, ok := decodeMessage(line)
		if !ok || m.Method != "turn/completed" {
			continue
		}

		var payload struct {
			Params struct {
				Turn struct {
					Status string `json:"status"`
				} `json:"turn"`
			} `json:"params"`
		}
		_ = json.Unmarshal(line, &payload)

		if payload.Params.Turn.Status == "completed" {
			rt.latestInputTokens = 0
			_ = ctx
			return nil
		}
		return apperr.Wrap(apperr.KindProtocol, "context compaction failed: status=%s", payload.Params.Turn.Status)
	}
}
