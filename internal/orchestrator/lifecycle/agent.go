// Package lifecycle owns one agent's state machine: launch, prompt turns,
// cancellation, mode changes, and termination. All externally visible
// operations on one agent are serialized here; agents never contend with
// each other.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/orchestrator/bridge"
	"github.com/agentdeck/agentdeck/internal/orchestrator/history"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

var (
	// ErrKilled is returned for any operation on a killed agent except
	// Kill itself, which is idempotent.
	ErrKilled = errors.New("agent is killed")

	// ErrNoTurnInFlight is returned by CancelTurn outside processing.
	ErrNoTurnInFlight = errors.New("no turn in flight")

	// ErrUnknownMode is returned by SetMode for a mode id the provider
	// does not currently offer.
	ErrUnknownMode = errors.New("unknown session mode")
)

// Hooks are the agent's only outbound edges. The engine wires them to the
// update log, the event bus, the waiter registry, and the persistence store;
// tests wire them to slices. OnStatus fires before OnUpdate observers can
// see any update that depends on the new state.
type Hooks struct {
	OnUpdate     func(*v1.SessionUpdate)
	OnStatus     func(*v1.AgentInfo)
	OnHandle     func(*v1.PersistedAgent)
	OnPermission bridge.PermissionCallback
}

// Config assembles one managed agent.
type Config struct {
	ID       string
	Title    string
	Provider v1.AgentProvider
	Workdir  string

	// Handle is nil for a brand-new agent and non-nil for a resume.
	Handle *v1.ResumeHandle

	Bridge  bridge.Bridge
	History *history.Manager
	Hooks   Hooks

	CancelGrace    time.Duration
	TerminateGrace time.Duration

	CreatedAt time.Time
	Logger    *logger.Logger
}

type queuedPrompt struct {
	text string
}

// Agent is the per-agent state machine. One mutex serializes every
// transition; turns run on their own goroutine and re-acquire it only at
// transition points, so the lock is never held across a provider call.
type Agent struct {
	id       string
	provider v1.AgentProvider
	bridge   bridge.Bridge
	history  *history.Manager
	hooks    Hooks
	logger   *logger.Logger

	cancelGrace    time.Duration
	terminateGrace time.Duration
	createdAt      time.Time

	// modeMu serializes SetMode calls end to end, request through ack,
	// so currentModeID always reflects the provider's last applied mode.
	// Ordering: modeMu before mu, never the reverse.
	modeMu sync.Mutex

	mu           sync.Mutex
	title        string
	workdir      string
	state        State
	handle       *v1.ResumeHandle
	lastErr      string
	lastActivity time.Time

	currentModeID  string
	availableModes []v1.SessionMode

	queue   []queuedPrompt
	turnGen uint64
	// replayNext marks that the provider could not reattach the prior
	// session; the next prompt is wrapped in a transcript replay.
	replayNext bool
	// turnDone is non-nil while a turn is in flight and closed when the
	// turn goroutine finishes, however it finishes.
	turnDone chan struct{}

	// msgIDs holds the open message id per chunk kind for the current
	// run of chunks. Any non-chunk update closes both runs.
	msgIDs map[v1.SessionUpdateKind]string

	// per-turn text accumulators flushed into the history transcript at
	// chunk-run boundaries.
	assistantBuf strings.Builder
	reasoningBuf strings.Builder
}

// New creates a managed agent in the uninitialized state. A missing handle
// is minted with a fresh conversation id; an existing handle keeps its
// conversation id across resume cycles.
func New(cfg Config) *Agent {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	handle := cfg.Handle.Clone()
	if handle == nil {
		handle = &v1.ResumeHandle{Provider: cfg.Provider}
	}
	if handle.Metadata == nil {
		handle.Metadata = map[string]any{}
	}
	if handle.ConversationID() == "" {
		handle.Metadata[v1.MetadataConversationID] = uuid.NewString()
	}
	createdAt := cfg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return &Agent{
		id:             cfg.ID,
		provider:       cfg.Provider,
		bridge:         cfg.Bridge,
		history:        cfg.History,
		hooks:          cfg.Hooks,
		logger:         log.WithComponent("lifecycle").WithAgentID(cfg.ID),
		cancelGrace:    cfg.CancelGrace,
		terminateGrace: cfg.TerminateGrace,
		createdAt:      createdAt,
		title:          cfg.Title,
		workdir:        cfg.Workdir,
		state:          Uninitialized{},
		handle:         handle,
		lastActivity:   createdAt,
		msgIDs:         make(map[v1.SessionUpdateKind]string),
	}
}

// Info returns a point-in-time snapshot.
func (a *Agent) Info() *v1.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.infoLocked()
}

func (a *Agent) infoLocked() *v1.AgentInfo {
	modes := make([]v1.SessionMode, len(a.availableModes))
	copy(modes, a.availableModes)
	return &v1.AgentInfo{
		ID:             a.id,
		Provider:       a.provider,
		Title:          a.title,
		Workdir:        a.workdir,
		Status:         a.state.Status(),
		CurrentModeID:  a.currentModeID,
		AvailableModes: modes,
		LastError:      a.lastErr,
		Handle:         a.handle.Clone(),
		CreatedAt:      a.createdAt,
		LastActivityAt: a.lastActivity,
	}
}

// Handle returns a copy of the current resume handle.
func (a *Agent) Handle() *v1.ResumeHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle.Clone()
}

// SetTitle updates the human title.
func (a *Agent) SetTitle(title string) {
	a.mu.Lock()
	a.title = title
	a.lastActivity = time.Now().UTC()
	a.mu.Unlock()
}

// Persisted returns the durable record for the store.
func (a *Agent) Persisted() *v1.PersistedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persistedLocked()
}

func (a *Agent) persistedLocked() *v1.PersistedAgent {
	return &v1.PersistedAgent{
		ID:             a.id,
		Title:          a.title,
		Workdir:        a.workdir,
		Handle:         a.handle.Clone(),
		CreatedAt:      a.createdAt,
		LastActivityAt: a.lastActivity,
	}
}

// setStateLocked installs the new state and emits the status notification
// while still holding the lock, so no observer can read a status that lags
// the update log.
func (a *Agent) setStateLocked(s State, errMsg string) {
	a.state = s
	a.lastErr = errMsg
	a.lastActivity = time.Now().UTC()
	if a.hooks.OnStatus != nil {
		// The snapshot is built here so hook consumers never call back
		// into the agent while the lock is held.
		a.hooks.OnStatus(a.infoLocked())
	}
}

// Initialize brings the agent from uninitialized to ready by launching the
// provider subprocess. It is a no-op when a runtime already exists and an
// error on a killed agent. Concurrent callers share one launch.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	switch s := a.state.(type) {
	case Killed:
		a.mu.Unlock()
		return ErrKilled
	case Initializing:
		done := s.Done
		a.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.state.Runtime() == nil {
			return fmt.Errorf("launch failed: %s", a.lastErr)
		}
		return nil
	case Ready, Processing, Completed:
		a.mu.Unlock()
		return nil
	case Failed:
		// A turn failed but the process survived: reuse it. A dead
		// process falls through to a fresh launch with the same handle.
		if s.RT != nil && s.RT.Alive() {
			a.setStateLocked(Ready{RT: s.RT}, "")
			a.mu.Unlock()
			return nil
		}
	}

	init := Initializing{Done: make(chan struct{})}
	a.setStateLocked(init, "")
	handle := a.handle.Clone()
	a.mu.Unlock()

	rt, result, err := a.bridge.Launch(ctx, bridge.LaunchSpec{
		AgentID:      a.id,
		Provider:     a.provider,
		Workdir:      a.workdir,
		Handle:       handle,
		OnUpdate:     a.onUpdate,
		OnPermission: a.hooks.OnPermission,
		OnExit:       a.onExit,
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	defer close(init.Done)

	if _, killed := a.state.(Killed); killed {
		if rt != nil {
			go a.terminateRuntime(rt)
		}
		return ErrKilled
	}
	if err != nil {
		a.setStateLocked(Failed{Err: err.Error()}, err.Error())
		return fmt.Errorf("launch failed: %w", err)
	}

	a.handle.SessionID = &result.SessionID
	a.currentModeID = result.CurrentModeID
	a.availableModes = result.AvailableModes

	// Provider could not reattach to the prior session: the next prompt
	// replays the accumulated transcript into the fresh session so facts
	// from earlier cycles survive the session id rotation.
	if handle.SessionID != nil && !result.SessionLoaded && a.history != nil {
		if convID := a.handle.ConversationID(); a.history.HasHistory(convID) {
			a.replayNext = true
			a.logger.Info("session not loadable, scheduling history replay",
				zap.String("conversation_id", convID),
				zap.String("new_session_id", result.SessionID))
		}
	}

	a.setStateLocked(Ready{RT: rt}, "")
	if a.hooks.OnHandle != nil {
		a.hooks.OnHandle(a.persistedLocked())
	}
	return nil
}

// SendPrompt queues one user turn. It returns once the turn is accepted:
// immediately started when the agent is idle, queued FIFO behind the
// in-flight turn otherwise. Turn completion is observed through the update
// stream, never through this call.
func (a *Agent) SendPrompt(ctx context.Context, text string) error {
	a.mu.Lock()
	if _, killed := a.state.(Killed); killed {
		a.mu.Unlock()
		return ErrKilled
	}
	if a.turnDone != nil {
		a.queue = append(a.queue, queuedPrompt{text: text})
		a.mu.Unlock()
		return nil
	}
	a.startTurnLocked(text)
	a.mu.Unlock()
	return nil
}

// startTurnLocked spawns the turn goroutine. Caller holds the lock.
func (a *Agent) startTurnLocked(text string) {
	a.turnGen++
	gen := a.turnGen
	done := make(chan struct{})
	a.turnDone = done
	go a.runTurn(gen, text, done)
}

func (a *Agent) runTurn(gen uint64, text string, done chan struct{}) {
	defer a.finishTurn(done)

	if err := a.Initialize(context.Background()); err != nil {
		a.logger.Error("turn aborted, launch failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	rt := a.state.Runtime()
	if rt == nil || gen != a.turnGen {
		a.mu.Unlock()
		return
	}
	a.setStateLocked(Processing{RT: rt}, "")
	a.closeChunkRunsLocked()
	a.emitLocked(&v1.SessionUpdate{
		Kind:      v1.UpdateUserMessage,
		SessionID: rt.SessionID(),
		MessageID: uuid.NewString(),
		Text:      text,
	})
	convID := a.handle.ConversationID()
	replay := a.replayNext
	a.replayNext = false
	a.mu.Unlock()

	// Replay context must be built before this turn's user message lands
	// in the transcript, or the prompt would quote itself as history.
	if replay && a.history != nil {
		if full, err := a.history.ResumeContext(convID, text); err != nil {
			a.logger.Warn("resume context build failed", zap.Error(err))
		} else {
			rt.SetPendingContext(full)
		}
	}
	a.appendHistory(convID, history.Entry{
		Timestamp: time.Now().UTC(),
		Type:      history.EntryUserMessage,
		Content:   text,
	})

	stopReason, err := rt.Prompt(context.Background(), text)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushChunkBuffersLocked(convID)

	// A forced cancel or a kill advanced the generation while the provider
	// call was in flight; its outcome no longer owns the state.
	if gen != a.turnGen {
		return
	}
	switch a.state.(type) {
	case Killed, Failed:
		return
	}

	if err != nil {
		msg := err.Error()
		a.emitLocked(&v1.SessionUpdate{Kind: v1.UpdateError, Error: msg})
		a.setStateLocked(Failed{RT: rt, Err: msg}, msg)
		return
	}

	a.handle.SessionID = ptr(rt.SessionID())
	a.emitLocked(&v1.SessionUpdate{
		Kind:       v1.UpdateComplete,
		SessionID:  rt.SessionID(),
		StopReason: stopReason,
	})
	if stopReason == "cancelled" {
		// An acknowledged cancel ends the turn but is not a completion.
		a.setStateLocked(Ready{RT: rt}, "")
	} else {
		a.setStateLocked(Completed{RT: rt, StopReason: stopReason}, "")
	}
	if a.hooks.OnHandle != nil {
		a.hooks.OnHandle(a.persistedLocked())
	}
}

// finishTurn closes the turn's done channel and starts the next queued
// prompt, if any survived.
func (a *Agent) finishTurn(done chan struct{}) {
	close(done)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turnDone == done {
		a.turnDone = nil
	}
	if _, killed := a.state.(Killed); killed {
		a.queue = nil
		return
	}
	if len(a.queue) > 0 {
		next := a.queue[0]
		a.queue = a.queue[1:]
		a.startTurnLocked(next.text)
	}
}

// CancelTurn asks the provider to stop the in-flight turn and waits up to
// the cancel grace window for the turn to unwind. When the provider does
// not acknowledge in time the agent is forced back to ready and the stale
// turn outcome is discarded on arrival.
func (a *Agent) CancelTurn(ctx context.Context) error {
	a.mu.Lock()
	s, processing := a.state.(Processing)
	done := a.turnDone
	a.mu.Unlock()
	if !processing || done == nil {
		return ErrNoTurnInFlight
	}

	if err := s.RT.Cancel(ctx); err != nil {
		a.logger.Warn("cancel request failed", zap.Error(err))
	}

	grace := a.cancelGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.state.(Processing); ok {
		a.turnGen++
		a.logger.Warn("provider did not acknowledge cancel, forcing ready")
		a.setStateLocked(Ready{RT: cur.RT}, "")
	}
	return nil
}

// SetMode requests a session mode change and updates the current mode only
// after the provider acknowledges. Calls are serialized per agent, so the
// stored mode cannot trail the provider when acks return out of order.
func (a *Agent) SetMode(ctx context.Context, modeID string) error {
	a.modeMu.Lock()
	defer a.modeMu.Unlock()

	a.mu.Lock()
	if _, killed := a.state.(Killed); killed {
		a.mu.Unlock()
		return ErrKilled
	}
	rt := a.state.Runtime()
	if rt == nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: agent has no live session", ErrUnknownMode)
	}
	known := false
	for _, m := range a.availableModes {
		if m.ID == modeID {
			known = true
			break
		}
	}
	a.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownMode, modeID)
	}

	if err := rt.SetMode(ctx, modeID); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}

	a.mu.Lock()
	a.currentModeID = modeID
	a.lastActivity = time.Now().UTC()
	a.mu.Unlock()
	return nil
}

// Kill terminates the agent. Idempotent: the first call emits one killed
// transition, later calls return nil without side effects.
func (a *Agent) Kill(ctx context.Context) error {
	a.mu.Lock()
	if _, killed := a.state.(Killed); killed {
		a.mu.Unlock()
		return nil
	}
	rt := a.state.Runtime()
	a.turnGen++
	a.queue = nil
	a.setStateLocked(Killed{}, "")
	a.mu.Unlock()

	if rt != nil {
		grace := a.terminateGrace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		if err := rt.Terminate(termCtx); err != nil {
			a.logger.Warn("terminate failed", zap.Error(err))
		}
	}
	return nil
}

// terminateRuntime kills a runtime that lost the race with Kill.
func (a *Agent) terminateRuntime(rt bridge.Runtime) {
	grace := a.terminateGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	_ = rt.Terminate(ctx)
}

// onExit handles subprocess death. Expected after Kill; anywhere else it is
// a crash and the agent fails with the stderr tail as the last error.
func (a *Agent) onExit(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state.(type) {
	case Killed, Failed, Uninitialized:
		return
	}

	msg := "agent process exited"
	if err != nil {
		msg = fmt.Sprintf("agent process exited: %v", err)
	}
	if rt := a.state.Runtime(); rt != nil {
		if tail := rt.StderrTail(5); len(tail) > 0 {
			lines := make([]string, len(tail))
			for i, l := range tail {
				lines[i] = l.Content
			}
			msg = fmt.Sprintf("%s; stderr: %s", msg, strings.Join(lines, " | "))
		}
	}
	a.logger.Error("agent process crashed", zap.String("detail", msg))
	a.turnGen++
	a.queue = nil
	a.emitLocked(&v1.SessionUpdate{Kind: v1.UpdateError, Error: msg})
	a.setStateLocked(Failed{Err: msg}, msg)
}

// onUpdate receives normalized provider updates from the bridge, stamps
// message ids onto chunk runs, mirrors the transcript into history, and
// forwards the update.
func (a *Agent) onUpdate(upd *v1.SessionUpdate) {
	a.mu.Lock()
	if _, killed := a.state.(Killed); killed {
		a.mu.Unlock()
		return
	}
	convID := a.handle.ConversationID()

	switch upd.Kind {
	case v1.UpdateMessageChunk:
		upd.MessageID = a.openChunkRunLocked(v1.UpdateMessageChunk)
		a.assistantBuf.WriteString(upd.Text)
	case v1.UpdateReasoning:
		upd.MessageID = a.openChunkRunLocked(v1.UpdateReasoning)
		a.reasoningBuf.WriteString(upd.ReasoningText)
	case v1.UpdateModeChange:
		a.closeChunkRunsLocked()
		a.flushChunkBuffersLocked(convID)
		a.currentModeID = upd.CurrentModeID
	default:
		a.closeChunkRunsLocked()
		a.flushChunkBuffersLocked(convID)
	}
	if upd.Kind == v1.UpdateToolCall {
		a.appendHistory(convID, history.Entry{
			Timestamp:  time.Now().UTC(),
			Type:       history.EntryToolCall,
			ToolCallID: upd.ToolCallID,
			ToolName:   upd.ToolName,
			ToolStatus: upd.ToolStatus,
			Content:    upd.ToolTitle,
		})
	}
	a.lastActivity = time.Now().UTC()
	a.emitLocked(upd)
	a.mu.Unlock()
}

// openChunkRunLocked returns the open message id for kind, minting one when
// a new run starts.
func (a *Agent) openChunkRunLocked(kind v1.SessionUpdateKind) string {
	id, ok := a.msgIDs[kind]
	if !ok {
		id = uuid.NewString()
		a.msgIDs[kind] = id
	}
	return id
}

// closeChunkRunsLocked ends all open chunk runs; the next chunk of any kind
// starts a new logical message.
func (a *Agent) closeChunkRunsLocked() {
	for k := range a.msgIDs {
		delete(a.msgIDs, k)
	}
}

// flushChunkBuffersLocked writes accumulated assistant/reasoning text into
// the history transcript as whole messages.
func (a *Agent) flushChunkBuffersLocked(convID string) {
	if a.reasoningBuf.Len() > 0 {
		text := a.reasoningBuf.String()
		a.reasoningBuf.Reset()
		a.appendHistory(convID, history.Entry{
			Timestamp: time.Now().UTC(),
			Type:      history.EntryReasoning,
			Content:   text,
		})
	}
	if a.assistantBuf.Len() > 0 {
		text := a.assistantBuf.String()
		a.assistantBuf.Reset()
		a.appendHistory(convID, history.Entry{
			Timestamp: time.Now().UTC(),
			Type:      history.EntryAssistantMessage,
			Content:   text,
		})
	}
}

func (a *Agent) appendHistory(convID string, entry history.Entry) {
	if a.history == nil || convID == "" {
		return
	}
	if err := a.history.Append(convID, entry); err != nil {
		a.logger.Warn("history append failed", zap.Error(err))
	}
}

func (a *Agent) emitLocked(upd *v1.SessionUpdate) {
	if a.hooks.OnUpdate != nil {
		a.hooks.OnUpdate(upd)
	}
}

func ptr(s string) *string { return &s }
