package appserver

import "encoding/json"

// message is the minimal shape every app-server line is decoded into before
// further dispatch: fields are read opportunistically since different
// app-server builds vary field names and casing (spec.md §4.2 "Duck-typed
// responses").
type message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

func decodeMessage(line []byte) (*message, bool) {
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, false
	}
	return &m, true
}

func (m *message) idString() string {
	if len(m.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

func (m *message) matchesID(id string) bool {
	return m.idString() == id
}

// errorMessage extracts a human-readable message from a JSON-RPC error
// object, trying "message" then falling back to the raw payload.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// approvalRequestMethods maps pre-action approval request methods (modern
// and legacy) to whether they use the modern or legacy decision vocabulary.
var approvalRequestMethods = map[string]bool{
	"item/commandExecution/requestApproval": true,
	"item/fileChange/requestApproval":       true,
	"execCommandApproval":                   false,
	"applyPatchApproval":                    false,
}

func isModernApprovalMethod(method string) (modern, isApproval bool) {
	isModern, ok := approvalRequestMethods[method]
	return isModern, ok
}

// PermissionModePolicy is the canonical wire-level policy mapping for one
// domain.PermissionMode (spec.md §4.2, GLOSSARY "Permission mode").
type PermissionModePolicy struct {
	ApprovalPolicy              string
	LegacyPreActionDecision     string
	PreActionDecision           string
	ThreadSandboxMode           string
	TurnNetworkAccess           bool
	TurnSandboxType             string
	WebSearchMode               string
}

// AutoEditPolicy auto-accepts command execution and file-change approval
// requests; it is the default permission mode.
var AutoEditPolicy = PermissionModePolicy{
	ApprovalPolicy:          "on-request",
	LegacyPreActionDecision: "approved",
	PreActionDecision:       "accept",
	ThreadSandboxMode:       "workspace-write",
	TurnNetworkAccess:       true,
	TurnSandboxType:         "workspaceWrite",
	WebSearchMode:           "live",
}

// PlanPolicy never auto-accepts a pre-action request; every approval is
// answered with a rejecting decision so the turn surfaces the blocked
// action instead of acting on it.
var PlanPolicy = PermissionModePolicy{
	ApprovalPolicy:          "on-request",
	LegacyPreActionDecision: "denied",
	PreActionDecision:       "reject",
	ThreadSandboxMode:       "read-only",
	TurnNetworkAccess:       false,
	TurnSandboxType:         "readOnly",
	WebSearchMode:           "live",
}

// turnSandboxPolicy builds the turn/start sandboxPolicy object for a
// PermissionModePolicy.
func (p PermissionModePolicy) turnSandboxPolicy() map[string]any {
	policy := map[string]any{"type": p.TurnSandboxType}
	if p.TurnSandboxType == "workspaceWrite" {
		policy["networkAccess"] = p.TurnNetworkAccess
	}
	return policy
}

// buildApprovalResponse builds a JSON-RPC response answering a pre-action
// approval request according to policy, or nil if m is not such a request.
func buildApprovalResponse(m *message, policy PermissionModePolicy) any {
	if m.Method == "" || len(m.ID) == 0 {
		return nil
	}
	modern, isApproval := isModernApprovalMethod(m.Method)
	if !isApproval {
		return nil
	}
	decision := policy.PreActionDecision
	if !modern {
		decision = policy.LegacyPreActionDecision
	}
	return map[string]any{
		"id":     json.RawMessage(m.ID),
		"result": map[string]any{"decision": decision},
	}
}
