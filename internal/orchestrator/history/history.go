// Package history stores per-conversation transcripts as JSONL files and
// renders them into resume context for providers that cannot load a prior
// session. Files are keyed by the stable conversation id, not the provider
// session id, so a provider rotating session ids on resume still finds its
// transcript.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// Entry is one transcript line: {historyDir}/{conversationID}.jsonl holds
// one Entry per line.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"` // user_message, assistant_message, reasoning, tool_call
	Content    string    `json:"content,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolStatus string    `json:"tool_status,omitempty"`
}

// Entry types.
const (
	EntryUserMessage      = "user_message"
	EntryAssistantMessage = "assistant_message"
	EntryReasoning        = "reasoning"
	EntryToolCall         = "tool_call"
)

const maxLineSize = 1024 * 1024

// Manager reads and writes conversation transcripts.
type Manager struct {
	mu      sync.RWMutex
	baseDir string
	logger  *logger.Logger
}

// NewManager creates the transcript directory if missing.
func NewManager(baseDir string, log *logger.Logger) (*Manager, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("history directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		baseDir: baseDir,
		logger:  log.WithComponent("history"),
	}, nil
}

func (m *Manager) filePath(conversationID string) string {
	safe := strings.ReplaceAll(conversationID, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	return filepath.Join(m.baseDir, safe+".jsonl")
}

// Append writes one entry to a conversation's transcript.
func (m *Manager) Append(conversationID string, entry Entry) error {
	if conversationID == "" {
		return fmt.Errorf("conversation ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.filePath(conversationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript entry: %w", err)
	}
	return nil
}

// Read returns every entry of a conversation's transcript. A missing file
// means an empty transcript; malformed lines are skipped.
func (m *Manager) Read(conversationID string) ([]Entry, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation ID is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	f, err := os.Open(m.filePath(conversationID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			m.logger.Warn("skipping malformed transcript line",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return entries, nil
}

// HasHistory reports whether a conversation has a non-empty transcript.
func (m *Manager) HasHistory(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	info, err := os.Stat(m.filePath(conversationID))
	return err == nil && info.Size() > 0
}

// Delete removes a conversation's transcript. Missing files are fine.
func (m *Manager) Delete(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.filePath(conversationID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	return nil
}

// ResumeContext renders the transcript into a prompt prefix for continuing
// the conversation in a brand-new provider session. Returns newPrompt
// unchanged when there is no history.
func (m *Manager) ResumeContext(conversationID, newPrompt string) (string, error) {
	entries, err := m.Read(conversationID)
	if err != nil {
		return newPrompt, err
	}
	if len(entries) == 0 {
		return newPrompt, nil
	}

	var b strings.Builder
	for _, entry := range entries {
		switch entry.Type {
		case EntryUserMessage:
			fmt.Fprintf(&b, "\n[USER]: %s\n", truncate(entry.Content, 2000))
		case EntryAssistantMessage:
			fmt.Fprintf(&b, "\n[ASSISTANT]: %s\n", truncate(entry.Content, 2000))
		case EntryToolCall:
			fmt.Fprintf(&b, "\n[TOOL CALL: %s (%s)]\n", entry.ToolName, entry.ToolStatus)
		}
	}
	if b.Len() == 0 {
		return newPrompt, nil
	}

	resumePrompt := fmt.Sprintf(`RESUME CONTEXT FOR CONTINUING TASK

=== EXECUTION HISTORY ===
The following is a summary of the previous conversation in this session:
%s

=== CURRENT REQUEST ===
%s

=== INSTRUCTIONS ===
You are continuing work on the above task. This is a continuation of a previous session.
Please continue from where the previous execution left off, taking into account all the context provided above.
Do not repeat work that was already completed. Build on the existing progress.
`, b.String(), newPrompt)

	m.logger.Info("generated resume context",
		zap.String("conversation_id", conversationID),
		zap.Int("history_entries", len(entries)),
		zap.Int("context_length", len(resumePrompt)))

	return resumePrompt, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... [truncated]"
}
