package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// scenario names selected from the prompt text.
const (
	scenarioEcho       = "echo"
	scenarioTool       = "tool"
	scenarioPermission = "permission"
	scenarioPlan       = "plan"
	scenarioThinking   = "thinking"
	scenarioError      = "error"
	scenarioCrash      = "crash"
)

// pickScenario maps a prompt to a canned behavior. The engine's tests and
// demo flows drive the mock by embedding these keywords.
func pickScenario(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "mock:crash"):
		return scenarioCrash
	case strings.Contains(lower, "mock:error"):
		return scenarioError
	case strings.Contains(lower, "mock:permission"):
		return scenarioPermission
	case strings.Contains(lower, "mock:tool"):
		return scenarioTool
	case strings.Contains(lower, "mock:plan"):
		return scenarioPlan
	case strings.Contains(lower, "mock:thinking"):
		return scenarioThinking
	default:
		return scenarioEcho
	}
}

func (a *agent) playScenario(sessionID, text string) string {
	switch pickScenario(text) {
	case scenarioCrash:
		os.Exit(1)
		return ""
	case scenarioError:
		a.chunk(sessionID, "Something went wrong while processing this request.")
		return "refusal"
	case scenarioPermission:
		return a.playPermission(sessionID)
	case scenarioTool:
		return a.playTool(sessionID)
	case scenarioPlan:
		return a.playPlan(sessionID)
	case scenarioThinking:
		a.thought(sessionID, "Considering the request carefully...")
		a.chunk(sessionID, "After some thought: done.")
		return "end_turn"
	default:
		return a.playEcho(sessionID, text)
	}
}

// playEcho streams the reply in a few chunks so chunk merging is exercised.
func (a *agent) playEcho(sessionID, text string) string {
	reply := "You said: " + text
	for _, part := range splitChunks(reply, 24) {
		if a.cancelled.Load() {
			return "cancelled"
		}
		a.chunk(sessionID, part)
		time.Sleep(5 * time.Millisecond)
	}
	return "end_turn"
}

func (a *agent) playTool(sessionID string) string {
	callID := fmt.Sprintf("call-%d", time.Now().UnixNano())
	a.update(sessionID, map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    callID,
		"title":         "Read README.md",
		"kind":          "read",
		"status":        "in_progress",
		"locations":     []map[string]any{{"path": "README.md"}},
	})
	time.Sleep(10 * time.Millisecond)
	a.update(sessionID, map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    callID,
		"status":        "completed",
		"rawOutput":     map[string]any{"content": "# mock readme"},
	})
	a.chunk(sessionID, "I read the file.")
	return "end_turn"
}

func (a *agent) playPlan(sessionID string) string {
	a.update(sessionID, map[string]any{
		"sessionUpdate": "plan",
		"entries": []map[string]any{
			{"content": "inspect the workspace", "status": "completed", "priority": "high"},
			{"content": "make the change", "status": "in_progress", "priority": "high"},
			{"content": "run the tests", "status": "pending", "priority": "medium"},
		},
	})
	a.chunk(sessionID, "Working through the plan.")
	return "end_turn"
}

// playPermission raises an approval gate and reports what the operator chose.
func (a *agent) playPermission(sessionID string) string {
	resp, err := a.request("session/request_permission", map[string]any{
		"sessionId": sessionID,
		"toolCall": map[string]any{
			"toolCallId": fmt.Sprintf("call-%d", time.Now().UnixNano()),
			"title":      "Run rm -rf ./build",
			"kind":       "execute",
			"rawInput":   map[string]any{"command": "rm -rf ./build"},
		},
		"options": []map[string]any{
			{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
			{"optionId": "allow-always", "name": "Always allow", "kind": "allow_always"},
			{"optionId": "deny", "name": "Deny", "kind": "reject_once"},
		},
	})
	if err != nil {
		a.chunk(sessionID, "Permission request failed, stopping.")
		return "refusal"
	}

	optionID, cancelled := parseOutcome(resp.Result)
	switch {
	case cancelled:
		return "cancelled"
	case optionID == "deny":
		a.chunk(sessionID, "Understood, not running the command.")
		return "end_turn"
	default:
		a.chunk(sessionID, "Command executed.")
		return "end_turn"
	}
}

func parseOutcome(raw json.RawMessage) (optionID string, cancelled bool) {
	var out permissionOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", true
	}
	if out.Outcome.Outcome == "cancelled" {
		return "", true
	}
	return out.Outcome.OptionID, false
}

func (a *agent) chunk(sessionID, text string) {
	a.update(sessionID, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	})
}

func (a *agent) thought(sessionID, text string) {
	a.update(sessionID, map[string]any{
		"sessionUpdate": "agent_thought_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	})
}

func (a *agent) update(sessionID string, update map[string]any) {
	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})
}

func splitChunks(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
