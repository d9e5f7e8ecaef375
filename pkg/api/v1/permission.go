package v1

import "time"

// PermissionOptionKind mirrors the provider's approval vocabulary after
// normalization by the bridge.
type PermissionOptionKind string

const (
	PermissionAllowOnce    PermissionOptionKind = "allow_once"
	PermissionAllowAlways  PermissionOptionKind = "allow_always"
	PermissionRejectOnce   PermissionOptionKind = "reject_once"
	PermissionRejectAlways PermissionOptionKind = "reject_always"
)

// PermissionOption is one of the responses a provider offers for an
// outstanding approval.
type PermissionOption struct {
	Kind     PermissionOptionKind `json:"kind"`
	Name     string               `json:"name"`
	OptionID string               `json:"optionId"`
}

// PermissionAction is the opaque description of the action needing
// approval, as surfaced by the provider.
type PermissionAction struct {
	Name     string         `json:"name,omitempty"`  // e.g. "execute", "edit"
	Title    string         `json:"title,omitempty"` // provider display text
	RawInput map[string]any `json:"rawInput,omitempty"`
}

// PermissionRequest correlates one outstanding approval raised by an agent.
// Requests are keyed by (AgentID, RequestID) and removed on resolution or
// when the owning agent is killed.
type PermissionRequest struct {
	AgentID   string             `json:"agentId"`
	RequestID string             `json:"requestId"`
	SessionID string             `json:"sessionId"`
	Action    PermissionAction   `json:"action"`
	Options   []PermissionOption `json:"options"`
	CreatedAt time.Time          `json:"createdAt"`
}

// PermissionResolution records how an outstanding request was settled.
type PermissionResolution struct {
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}
