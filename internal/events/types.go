// Package events defines the event types and subjects published by the
// orchestration engine, and provides event bus construction.
package events

import "fmt"

// Event types published on the bus.
const (
	TypeAgentCreated       = "agent.created"
	TypeAgentResumed       = "agent.resumed"
	TypeAgentDeleted       = "agent.deleted"
	TypeAgentUpdate        = "agent.update"
	TypeAgentStatusChanged = "agent.status_changed"
	TypePermissionRequest  = "agent.permission_requested"
	TypePermissionResolved = "agent.permission_resolved"
)

// Subject roots. Per-agent subjects embed the agent ID so consumers can
// subscribe to a single agent or wildcard across all of them.
const (
	SubjectAgentLifecycle = "agentdeck.agents.lifecycle"
)

// SubjectAgentUpdates returns the subject carrying session updates for one agent.
func SubjectAgentUpdates(agentID string) string {
	return fmt.Sprintf("agentdeck.agent.%s.updates", agentID)
}

// SubjectAgentStatus returns the subject carrying status transitions for one agent.
func SubjectAgentStatus(agentID string) string {
	return fmt.Sprintf("agentdeck.agent.%s.status", agentID)
}

// SubjectAgentPermissions returns the subject carrying permission traffic for one agent.
func SubjectAgentPermissions(agentID string) string {
	return fmt.Sprintf("agentdeck.agent.%s.permissions", agentID)
}

// SubjectAllAgents matches update, status, and permission subjects for every agent.
const SubjectAllAgents = "agentdeck.agent.>"
