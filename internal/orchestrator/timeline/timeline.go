// Package timeline folds the ordered AgentUpdate log into curated
// TimelineItems. The fold is pure: the same updates always produce the
// same items, whether replayed in full or over a bounded tail.
package timeline

import (
	"fmt"
	"strings"

	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// Curate folds updates into timeline items.
//
// Streamed text chunks sharing a message id concatenate into one logical
// item; a chunk without a message id is always its own singleton, never
// merged with neighbors. Tool notifications correlate by tool-call id into
// a single item whose status and detail mutate in place. Permission and
// status notifications produce no items and do not break message grouping.
func Curate(updates []*v1.AgentUpdate) []*v1.TimelineItem {
	var items []*v1.TimelineItem

	// Open merge targets, keyed by kind + message id. Only keyed chunks
	// participate.
	open := make(map[string]*v1.TimelineItem)
	toolCalls := make(map[string]*v1.TimelineItem)
	var todo *v1.TimelineItem

	appendChunk := func(kind v1.TimelineItemKind, messageID, text string) {
		if messageID == "" {
			items = append(items, &v1.TimelineItem{Kind: kind, Text: text})
			return
		}
		key := string(kind) + "\x00" + messageID
		if item, ok := open[key]; ok {
			item.Text += text
			return
		}
		item := &v1.TimelineItem{Kind: kind, Text: text}
		open[key] = item
		items = append(items, item)
	}

	for _, update := range updates {
		session := update.Notification.Session
		if update.Notification.Type != v1.NotificationSession || session == nil {
			continue
		}

		switch session.Kind {
		case v1.UpdateUserMessage:
			items = append(items, &v1.TimelineItem{
				Kind: v1.ItemUserMessage,
				Text: session.Text,
			})

		case v1.UpdateMessageChunk:
			appendChunk(v1.ItemAssistantMessage, session.MessageID, session.Text)

		case v1.UpdateReasoning:
			appendChunk(v1.ItemReasoning, session.MessageID, session.ReasoningText)

		case v1.UpdateToolCall, v1.UpdateToolUpdate:
			applyToolCall(&items, toolCalls, session)

		case v1.UpdatePlan:
			todo = applyPlan(&items, todo, session.PlanEntries)

		case v1.UpdateError:
			items = append(items, &v1.TimelineItem{
				Kind: v1.ItemError,
				Text: session.Error,
			})
		}
	}
	return items
}

// applyToolCall creates or mutates the single item tracking one tool
// invocation across its started/update/terminal notifications.
func applyToolCall(items *[]*v1.TimelineItem, toolCalls map[string]*v1.TimelineItem, session *v1.SessionUpdate) {
	item, ok := toolCalls[session.ToolCallID]
	if !ok {
		item = &v1.TimelineItem{
			Kind:       v1.ItemToolCall,
			ToolCallID: session.ToolCallID,
			ToolStatus: v1.ToolCallStarted,
		}
		if session.ToolCallID != "" {
			toolCalls[session.ToolCallID] = item
		}
		*items = append(*items, item)
	}

	if session.ToolName != "" {
		item.ToolName = session.ToolName
	}
	if session.ToolTitle != "" && item.Text == "" {
		item.Text = session.ToolTitle
	}
	if status := toolStatus(session.ToolStatus); status != "" {
		item.ToolStatus = status
	}
	if len(session.ToolArgs) > 0 {
		if item.ToolDetail == nil {
			item.ToolDetail = make(map[string]any, len(session.ToolArgs))
		}
		for k, v := range session.ToolArgs {
			item.ToolDetail[k] = v
		}
	}
}

// applyPlan mutates the working todo item in place, creating it on the
// first plan notification. The latest plan wins wholesale.
func applyPlan(items *[]*v1.TimelineItem, todo *v1.TimelineItem, entries []v1.PlanEntry) *v1.TimelineItem {
	if todo == nil {
		todo = &v1.TimelineItem{Kind: v1.ItemTodo}
		*items = append(*items, todo)
	}

	todos := make([]v1.TodoEntry, 0, len(entries))
	complete := 0
	for _, entry := range entries {
		todos = append(todos, v1.TodoEntry{Content: entry.Content, Status: entry.Status})
		if entry.Status == "completed" {
			complete++
		}
	}
	todo.Todos = todos
	todo.TodosComplete = complete
	todo.TodosTotal = len(entries)
	return todo
}

func toolStatus(raw string) v1.ToolCallStatus {
	switch raw {
	case "pending", "in_progress", "started":
		return v1.ToolCallStarted
	case "completed":
		return v1.ToolCallCompleted
	case "failed", "error", "cancelled":
		return v1.ToolCallFailed
	default:
		return ""
	}
}

// Render flattens canonical items into the curated text projection. Every
// item appears; nothing is elided.
func Render(items []*v1.TimelineItem) string {
	var b strings.Builder
	for _, item := range items {
		switch item.Kind {
		case v1.ItemUserMessage:
			fmt.Fprintf(&b, "[user] %s\n", item.Text)
		case v1.ItemAssistantMessage:
			fmt.Fprintf(&b, "[assistant] %s\n", item.Text)
		case v1.ItemReasoning:
			fmt.Fprintf(&b, "[reasoning] %s\n", item.Text)
		case v1.ItemToolCall:
			name := item.ToolName
			if name == "" {
				name = item.ToolCallID
			}
			fmt.Fprintf(&b, "[tool %s] %s", name, item.ToolStatus)
			if item.Text != "" {
				fmt.Fprintf(&b, ": %s", item.Text)
			}
			b.WriteByte('\n')
		case v1.ItemTodo:
			fmt.Fprintf(&b, "[todo %d/%d]\n", item.TodosComplete, item.TodosTotal)
			for _, entry := range item.Todos {
				status := entry.Status
				if status == "" {
					status = "pending"
				}
				fmt.Fprintf(&b, "  - (%s) %s\n", status, entry.Content)
			}
		case v1.ItemError:
			fmt.Fprintf(&b, "[error] %s\n", item.Text)
		}
	}
	return b.String()
}

// Project curates updates and applies the requested projection, returning
// canonical items or their text rendering.
func Project(updates []*v1.AgentUpdate, projection v1.TimelineProjection) ([]*v1.TimelineItem, string) {
	items := Curate(updates)
	if projection == v1.ProjectionCurated {
		return items, Render(items)
	}
	return items, ""
}
