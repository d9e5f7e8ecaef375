// Package v1 defines the public wire types exposed by the orchestration
// engine: agent snapshots, notifications, permission requests, resume
// handles, and timeline items.
package v1

import "time"

// AgentProvider identifies one of the supported coding-agent providers.
// The set is closed: the bridge owns a launch configuration and a
// permission/mode vocabulary mapping for each member.
type AgentProvider string

const (
	ProviderClaudeCode AgentProvider = "claude-code"
	ProviderCodex      AgentProvider = "codex"
	ProviderGemini     AgentProvider = "gemini"
	ProviderMock       AgentProvider = "mock"
)

// KnownProviders lists every provider the engine can launch.
var KnownProviders = []AgentProvider{
	ProviderClaudeCode,
	ProviderCodex,
	ProviderGemini,
	ProviderMock,
}

// Valid reports whether p is a member of the closed provider set.
func (p AgentProvider) Valid() bool {
	for _, known := range KnownProviders {
		if p == known {
			return true
		}
	}
	return false
}

// AgentStatus is the externally visible lifecycle status of an agent.
type AgentStatus string

const (
	StatusUninitialized AgentStatus = "uninitialized"
	StatusInitializing  AgentStatus = "initializing"
	StatusReady         AgentStatus = "ready"
	StatusProcessing    AgentStatus = "processing"
	StatusCompleted     AgentStatus = "completed"
	StatusFailed        AgentStatus = "failed"
	StatusKilled        AgentStatus = "killed"
)

// Terminal reports whether the status admits no further transitions.
func (s AgentStatus) Terminal() bool {
	return s == StatusKilled
}

// SessionMode is a provider-defined operating posture selectable per agent.
type SessionMode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ResumeHandle is the durable, provider-tagged pointer that allows a fresh
// process to continue a prior conversation. SessionID is nil until the
// provider assigns one and may be rotated by the provider on resume;
// Metadata round-trips unchanged and always carries the stable
// conversation id under MetadataConversationID.
type ResumeHandle struct {
	Provider  AgentProvider  `json:"provider"`
	SessionID *string        `json:"sessionId"`
	Metadata  map[string]any `json:"metadata"`
}

// MetadataConversationID is the metadata key holding the conversation id
// that survives provider session-id rotation.
const MetadataConversationID = "conversation_id"

// ConversationID returns the stable conversation id carried by the handle,
// or "" if the handle has none.
func (h *ResumeHandle) ConversationID() string {
	if h == nil || h.Metadata == nil {
		return ""
	}
	id, _ := h.Metadata[MetadataConversationID].(string)
	return id
}

// Clone returns a deep copy so callers cannot mutate shared handle state.
func (h *ResumeHandle) Clone() *ResumeHandle {
	if h == nil {
		return nil
	}
	out := &ResumeHandle{Provider: h.Provider}
	if h.SessionID != nil {
		id := *h.SessionID
		out.SessionID = &id
	}
	if h.Metadata != nil {
		out.Metadata = make(map[string]any, len(h.Metadata))
		for k, v := range h.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// AgentInfo is a point-in-time snapshot of one managed agent.
type AgentInfo struct {
	ID             string        `json:"id"`
	Provider       AgentProvider `json:"provider"`
	Title          string        `json:"title"`
	Workdir        string        `json:"workdir"`
	Status         AgentStatus   `json:"status"`
	CurrentModeID  string        `json:"currentModeId,omitempty"`
	AvailableModes []SessionMode `json:"availableModes,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	Handle         *ResumeHandle `json:"handle,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
}

// PersistedAgent is the durable record written to the agent store.
// Records are validated independently on load; a record failing validation
// is skipped, never fatal to the whole store.
type PersistedAgent struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Workdir        string        `json:"workdir"`
	Handle         *ResumeHandle `json:"handle"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt,omitempty"`
}
