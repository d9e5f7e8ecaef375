package bridge

import (
	"strings"
	"time"

	"github.com/coder/acp-go-sdk"

	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// convertNotification normalizes one raw session notification into the
// engine's update vocabulary. Returns nil for variants the engine does not
// surface (available-commands advertisements and the like).
func convertNotification(n acp.SessionNotification) *v1.SessionUpdate {
	u := n.Update
	sessionID := string(n.SessionId)

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			return nil
		}
		return &v1.SessionUpdate{
			Kind:      v1.UpdateMessageChunk,
			SessionID: sessionID,
			Text:      u.AgentMessageChunk.Content.Text.Text,
		}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text == nil {
			return nil
		}
		return &v1.SessionUpdate{
			Kind:          v1.UpdateReasoning,
			SessionID:     sessionID,
			ReasoningText: u.AgentThoughtChunk.Content.Text.Text,
		}

	case u.ToolCall != nil:
		args := map[string]any{}
		if u.ToolCall.Kind != "" {
			args["kind"] = string(u.ToolCall.Kind)
		}
		if len(u.ToolCall.Locations) > 0 {
			args["path"] = u.ToolCall.Locations[0].Path
		}
		if u.ToolCall.RawInput != nil {
			args["rawInput"] = u.ToolCall.RawInput
		}

		status := string(u.ToolCall.Status)
		if status == "" {
			status = "pending"
		}

		return &v1.SessionUpdate{
			Kind:       v1.UpdateToolCall,
			SessionID:  sessionID,
			ToolCallID: string(u.ToolCall.ToolCallId),
			ToolName:   string(u.ToolCall.Kind),
			ToolTitle:  u.ToolCall.Title,
			ToolStatus: status,
			ToolArgs:   args,
		}

	case u.ToolCallUpdate != nil:
		update := &v1.SessionUpdate{
			Kind:       v1.UpdateToolUpdate,
			SessionID:  sessionID,
			ToolCallID: string(u.ToolCallUpdate.ToolCallId),
		}
		if u.ToolCallUpdate.Status != nil {
			update.ToolStatus = string(*u.ToolCallUpdate.Status)
		}
		if u.ToolCallUpdate.Title != nil {
			update.ToolTitle = *u.ToolCallUpdate.Title
		}
		return update

	case u.Plan != nil:
		entries := make([]v1.PlanEntry, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			entries[i] = v1.PlanEntry{
				Content:  e.Content,
				Status:   string(e.Status),
				Priority: string(e.Priority),
			}
		}
		return &v1.SessionUpdate{
			Kind:        v1.UpdatePlan,
			SessionID:   sessionID,
			PlanEntries: entries,
		}

	case u.CurrentModeUpdate != nil:
		return &v1.SessionUpdate{
			Kind:          v1.UpdateModeChange,
			SessionID:     sessionID,
			CurrentModeID: string(u.CurrentModeUpdate.CurrentModeId),
		}
	}

	return nil
}

// convertPermission builds the broker-facing request for one approval
// callback. The request id is minted here; the provider correlates by the
// in-flight JSON-RPC call, not by this id.
func convertPermission(agentID string, p acp.RequestPermissionRequest) *v1.PermissionRequest {
	options := make([]v1.PermissionOption, len(p.Options))
	for i, opt := range p.Options {
		options[i] = v1.PermissionOption{
			Kind:     convertOptionKind(opt.Kind),
			Name:     opt.Name,
			OptionID: string(opt.OptionId),
		}
	}

	action := v1.PermissionAction{}
	if p.ToolCall.Kind != nil {
		action.Name = string(*p.ToolCall.Kind)
	}
	if p.ToolCall.Title != nil {
		action.Title = *p.ToolCall.Title
	}
	// Some providers leave Kind empty and bury the action in a verbose
	// title; fall back to its first word.
	if action.Name == "" && action.Title != "" {
		if idx := strings.Index(action.Title, " "); idx > 0 {
			action.Name = action.Title[:idx]
		} else {
			action.Name = action.Title
		}
	}
	if p.ToolCall.RawInput != nil {
		action.RawInput = map[string]any{"rawInput": p.ToolCall.RawInput}
	}

	return &v1.PermissionRequest{
		AgentID:   agentID,
		RequestID: requestID(),
		SessionID: string(p.SessionId),
		Action:    action,
		Options:   options,
		CreatedAt: time.Now().UTC(),
	}
}

func convertOptionKind(kind acp.PermissionOptionKind) v1.PermissionOptionKind {
	switch kind {
	case acp.PermissionOptionKindAllowOnce:
		return v1.PermissionAllowOnce
	case acp.PermissionOptionKindAllowAlways:
		return v1.PermissionAllowAlways
	case acp.PermissionOptionKindRejectOnce:
		return v1.PermissionRejectOnce
	case acp.PermissionOptionKindRejectAlways:
		return v1.PermissionRejectAlways
	default:
		return v1.PermissionOptionKind(kind)
	}
}

// convertModes flattens the provider's mode state.
func convertModes(state *acp.SessionModeState) (string, []v1.SessionMode) {
	if state == nil {
		return "", nil
	}
	modes := make([]v1.SessionMode, len(state.AvailableModes))
	for i, m := range state.AvailableModes {
		modes[i] = v1.SessionMode{ID: string(m.Id), Name: m.Name}
	}
	return string(state.CurrentModeId), modes
}
