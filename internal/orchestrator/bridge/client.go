package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UpdateHandler receives raw session notifications from the agent.
type UpdateHandler func(notification acp.SessionNotification)

// PermissionHandler resolves an approval raised mid-turn by the agent.
// Returning cancelled=true (or an error) cancels the request.
type PermissionHandler func(ctx context.Context, req acp.RequestPermissionRequest) (optionID string, cancelled bool)

// client implements acp.Client: it answers the agent's callbacks for
// permissions, session updates, and workspace file access.
type client struct {
	logger  *zap.Logger
	agentID string
	workdir string

	mu                sync.RWMutex
	updateHandler     UpdateHandler
	permissionHandler PermissionHandler
}

type clientOption func(*client)

func withClientLogger(l *zap.Logger) clientOption {
	return func(c *client) { c.logger = l }
}

func withWorkdir(dir string) clientOption {
	return func(c *client) { c.workdir = dir }
}

func withUpdateHandler(h UpdateHandler) clientOption {
	return func(c *client) { c.updateHandler = h }
}

func withPermissionHandler(h PermissionHandler) clientOption {
	return func(c *client) { c.permissionHandler = h }
}

func newClient(agentID string, opts ...clientOption) *client {
	c := &client{
		logger:  zap.NewNop(),
		agentID: agentID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestPermission forwards the agent's approval request to the handler.
// Without a handler (or without options) the request is cancelled rather
// than silently approved.
func (c *client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	c.mu.RLock()
	handler := c.permissionHandler
	c.mu.RUnlock()

	cancelled := acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}

	if len(p.Options) == 0 {
		c.logger.Warn("permission request with no options, cancelling",
			zap.String("session_id", string(p.SessionId)))
		return cancelled, nil
	}
	if handler == nil {
		c.logger.Warn("no permission handler, cancelling request",
			zap.String("session_id", string(p.SessionId)))
		return cancelled, nil
	}

	optionID, wasCancelled := handler(ctx, p)
	if wasCancelled || optionID == "" {
		return cancelled, nil
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{
				OptionId: acp.PermissionOptionId(optionID),
			},
		},
	}, nil
}

// SessionUpdate forwards notifications to the update handler.
func (c *client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(n)
	}
	return nil
}

// ReadTextFile serves the agent's file reads, honoring line/limit windows.
func (c *client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	c.logger.Debug("reading file", zap.String("path", p.Path))

	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}

	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves the agent's file writes.
func (c *client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	c.logger.Debug("writing file", zap.String("path", p.Path))

	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// Terminal support is declined politely: agents fall back to their own
// shell tools when the client doesn't run terminals for them.

func (c *client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	c.logger.Debug("create terminal request", zap.String("command", p.Command))
	return acp.CreateTerminalResponse{TerminalId: "term-" + uuid.NewString()[:8]}, nil
}

func (c *client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

// Verify interface implementation.
var _ acp.Client = (*client)(nil)

// requestID mints a correlation id for one permission request.
func requestID() string {
	return "perm-" + uuid.NewString()
}
