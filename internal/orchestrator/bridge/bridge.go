// Package bridge speaks ACP (JSON-RPC 2.0 over stdio) to coding-agent
// subprocesses. It owns process supervision, the protocol handshake,
// session create/load, and normalization of provider notifications into
// the engine's update vocabulary.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/orchestrator/provider"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

const clientName = "agentdeck"
const clientVersion = "1.0.0"

// PermissionCallback resolves one approval raised mid-turn. It blocks
// until the operator answers or ctx fires; cancelled=true rejects.
type PermissionCallback func(ctx context.Context, req *v1.PermissionRequest) (optionID string, cancelled bool)

// LaunchSpec describes one agent subprocess to bring up.
type LaunchSpec struct {
	AgentID  string
	Provider v1.AgentProvider
	Workdir  string

	// Handle is nil for a fresh agent. For a resume, the bridge tries the
	// provider's native session/load and falls back to a new session when
	// the capability is missing or the load fails.
	Handle *v1.ResumeHandle

	OnUpdate     func(*v1.SessionUpdate)
	OnPermission PermissionCallback

	// OnExit fires when the subprocess dies, however it dies.
	OnExit func(err error)
}

// LaunchResult reports what the handshake and session setup produced.
type LaunchResult struct {
	SessionID string

	// SessionLoaded is true when the provider replayed the prior session
	// natively; false means a fresh session id was minted and the caller
	// must inject resume context itself.
	SessionLoaded bool

	CurrentModeID  string
	AvailableModes []v1.SessionMode
	AgentName      string
	AgentVersion   string
}

// Runtime is one live agent subprocess.
type Runtime interface {
	// Prompt sends one user turn and blocks until the turn ends,
	// returning the provider's stop reason.
	Prompt(ctx context.Context, text string) (string, error)

	// SetPendingContext arranges for text to replace the next prompt
	// (carrying the original prompt inside it). Used for transcript
	// replay on providers without session/load.
	SetPendingContext(text string)

	// Cancel asks the provider to stop the in-flight turn.
	Cancel(ctx context.Context) error

	// SetMode requests a session mode change and blocks for the ack.
	SetMode(ctx context.Context, modeID string) error

	SessionID() string
	Alive() bool
	StderrTail(n int) []StderrLine

	// Terminate stops the subprocess: stdin close first, kill when ctx
	// expires.
	Terminate(ctx context.Context) error
}

// Bridge launches provider subprocesses. It is the engine's only seam to
// real processes, which keeps the lifecycle testable against a fake.
type Bridge interface {
	Launch(ctx context.Context, spec LaunchSpec) (Runtime, *LaunchResult, error)
}

// ACPBridge is the production Bridge.
type ACPBridge struct {
	providers     map[string]config.ProviderConfig
	launchTimeout time.Duration
	logger        *logger.Logger
}

// NewACPBridge creates a bridge using the configured provider overrides.
func NewACPBridge(providers map[string]config.ProviderConfig, launchTimeout time.Duration, log *logger.Logger) *ACPBridge {
	return &ACPBridge{
		providers:     providers,
		launchTimeout: launchTimeout,
		logger:        log.WithComponent("bridge"),
	}
}

// Launch starts the subprocess, performs the ACP handshake, and creates or
// loads the session.
func (b *ACPBridge) Launch(ctx context.Context, spec LaunchSpec) (Runtime, *LaunchResult, error) {
	launchCfg, err := provider.Resolve(spec.Provider, b.providers)
	if err != nil {
		return nil, nil, err
	}

	log := b.logger.WithAgentID(spec.AgentID)
	sup := newSupervisor(launchCfg, spec.Workdir, spec.OnExit, log)
	if err := sup.start(); err != nil {
		return nil, nil, err
	}

	acpClient := newClient(spec.AgentID,
		withClientLogger(log.Zap()),
		withWorkdir(spec.Workdir),
		withUpdateHandler(func(n acp.SessionNotification) {
			if update := convertNotification(n); update != nil && spec.OnUpdate != nil {
				spec.OnUpdate(update)
			}
		}),
		withPermissionHandler(func(ctx context.Context, p acp.RequestPermissionRequest) (string, bool) {
			if spec.OnPermission == nil {
				return "", true
			}
			return spec.OnPermission(ctx, convertPermission(spec.AgentID, p))
		}),
	)

	conn := acp.NewClientSideConnection(acpClient, sup.stdin, sup.stdout)
	conn.SetLogger(slog.Default().With("component", "acp-conn"))

	handshakeCtx := ctx
	if b.launchTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, b.launchTimeout)
		defer cancel()
	}

	initResp, err := conn.Initialize(handshakeCtx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		},
	})
	if err != nil {
		_ = sup.stop(context.Background())
		return nil, nil, fmt.Errorf("ACP initialize handshake failed: %w", err)
	}

	result := &LaunchResult{AgentName: "unknown", AgentVersion: "unknown"}
	if initResp.AgentInfo != nil {
		result.AgentName = initResp.AgentInfo.Name
		result.AgentVersion = initResp.AgentInfo.Version
	}

	sessionID, loaded, modes, err := b.establishSession(handshakeCtx, conn, spec, initResp.AgentCapabilities, log)
	if err != nil {
		_ = sup.stop(context.Background())
		return nil, nil, err
	}
	result.SessionID = sessionID
	result.SessionLoaded = loaded
	result.CurrentModeID, result.AvailableModes = convertModes(modes)

	log.Info("agent session established",
		zap.String("agent_name", result.AgentName),
		zap.String("session_id", sessionID),
		zap.Bool("session_loaded", loaded))

	return &acpRuntime{
		conn:      conn,
		sup:       sup,
		sessionID: sessionID,
		logger:    log,
	}, result, nil
}

// establishSession loads the prior session when the handle and the
// provider's capabilities allow it, otherwise creates a fresh one.
func (b *ACPBridge) establishSession(ctx context.Context, conn *acp.ClientSideConnection, spec LaunchSpec, caps acp.AgentCapabilities, log *logger.Logger) (string, bool, *acp.SessionModeState, error) {
	if spec.Handle != nil && spec.Handle.SessionID != nil && caps.LoadSession {
		sessionID := *spec.Handle.SessionID
		_, err := conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId: acp.SessionId(sessionID),
		})
		if err == nil {
			log.Info("loaded prior session", zap.String("session_id", sessionID))
			return sessionID, true, nil, nil
		}
		log.Warn("session load failed, creating a new session",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	resp, err := conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        spec.Workdir,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return "", false, nil, fmt.Errorf("failed to create session: %w", err)
	}
	return string(resp.SessionId), false, resp.Modes, nil
}

// acpRuntime implements Runtime over a live connection.
type acpRuntime struct {
	conn      *acp.ClientSideConnection
	sup       *supervisor
	sessionID string
	logger    *logger.Logger

	mu             sync.Mutex
	pendingContext string
}

func (r *acpRuntime) Prompt(ctx context.Context, text string) (string, error) {
	r.mu.Lock()
	pending := r.pendingContext
	r.pendingContext = ""
	r.mu.Unlock()

	message := text
	if pending != "" {
		message = pending
		r.logger.Info("injecting resume context into prompt",
			zap.String("session_id", r.sessionID),
			zap.Int("context_length", len(pending)))
	}

	resp, err := r.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(r.sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(message)},
	})
	if err != nil {
		return "", err
	}
	return string(resp.StopReason), nil
}

func (r *acpRuntime) SetPendingContext(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingContext = text
}

func (r *acpRuntime) Cancel(ctx context.Context) error {
	return r.conn.Cancel(ctx, acp.CancelNotification{
		SessionId: acp.SessionId(r.sessionID),
	})
}

func (r *acpRuntime) SetMode(ctx context.Context, modeID string) error {
	_, err := r.conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: acp.SessionId(r.sessionID),
		ModeId:    acp.SessionModeId(modeID),
	})
	return err
}

func (r *acpRuntime) SessionID() string {
	return r.sessionID
}

func (r *acpRuntime) Alive() bool {
	return r.sup.running()
}

func (r *acpRuntime) StderrTail(n int) []StderrLine {
	return r.sup.stderrTail.last(n)
}

func (r *acpRuntime) Terminate(ctx context.Context) error {
	return r.sup.stop(ctx)
}
