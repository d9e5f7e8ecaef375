package v1

import "time"

// NotificationType discriminates the AgentNotification union.
type NotificationType string

const (
	NotificationSession            NotificationType = "session"
	NotificationPermission         NotificationType = "permission"
	NotificationPermissionResolved NotificationType = "permission_resolved"
	NotificationStatus             NotificationType = "status"
)

// AgentNotification is a tagged union: exactly one payload field is set,
// matching Type.
type AgentNotification struct {
	Type               NotificationType      `json:"type"`
	Session            *SessionUpdate        `json:"session,omitempty"`
	Permission         *PermissionRequest    `json:"permission,omitempty"`
	PermissionResolved *PermissionResolution `json:"permissionResolved,omitempty"`
	Status             *StatusChange         `json:"status,omitempty"`
}

// SessionUpdateKind classifies a normalized provider update.
type SessionUpdateKind string

const (
	// Chunk-producing kinds. These carry MessageID for deduplication.
	UpdateUserMessage  SessionUpdateKind = "user_message"
	UpdateMessageChunk SessionUpdateKind = "message_chunk"
	UpdateReasoning    SessionUpdateKind = "reasoning"

	UpdateToolCall   SessionUpdateKind = "tool_call"
	UpdateToolUpdate SessionUpdateKind = "tool_update"
	UpdatePlan       SessionUpdateKind = "plan"
	UpdateModeChange SessionUpdateKind = "mode_change"
	UpdateComplete   SessionUpdateKind = "complete"
	UpdateError      SessionUpdateKind = "error"
)

// SessionUpdate is a provider update normalized by the bridge and enriched
// by the state machine with a stable MessageID for the chunk-producing
// kinds. Chunks sharing a MessageID belong to one logical message; a chunk
// with no MessageID is always its own singleton item.
type SessionUpdate struct {
	Kind      SessionUpdateKind `json:"kind"`
	SessionID string            `json:"sessionId,omitempty"`
	MessageID string            `json:"messageId,omitempty"`

	// Text carries user/assistant message text for the chunk kinds.
	Text string `json:"text,omitempty"`

	// ReasoningText carries chain-of-thought text for UpdateReasoning.
	ReasoningText string `json:"reasoningText,omitempty"`

	// Tool call fields for UpdateToolCall / UpdateToolUpdate, correlated
	// by ToolCallID across the call's lifetime.
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolTitle  string         `json:"toolTitle,omitempty"`
	ToolStatus string         `json:"toolStatus,omitempty"`
	ToolArgs   map[string]any `json:"toolArgs,omitempty"`

	// PlanEntries for UpdatePlan.
	PlanEntries []PlanEntry `json:"planEntries,omitempty"`

	// CurrentModeID for UpdateModeChange.
	CurrentModeID string `json:"currentModeId,omitempty"`

	// StopReason for UpdateComplete.
	StopReason string `json:"stopReason,omitempty"`

	// Error for UpdateError.
	Error string `json:"error,omitempty"`
}

// PlanEntry is one item in the agent's working plan / todo list.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status,omitempty"`   // pending, in_progress, completed
	Priority string `json:"priority,omitempty"`
}

// StatusChange reports a lifecycle transition.
type StatusChange struct {
	Status AgentStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// AgentUpdate is the envelope wrapping every notification for one agent.
// The ordered sequence of AgentUpdates per agent is the append-only
// activity log; Seq is strictly increasing per agent.
type AgentUpdate struct {
	AgentID      string            `json:"agentId"`
	Seq          uint64            `json:"seq"`
	Timestamp    time.Time         `json:"timestamp"`
	Notification AgentNotification `json:"notification"`
}
