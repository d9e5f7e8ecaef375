// Package orchestrator hosts the agent orchestration engine: the single
// object external collaborators talk to. The engine owns the agent
// collection, wires each agent's state machine to the update log, the
// permission broker, the waiter registry, and the event bus, and dispatches
// every public operation.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/orchestrator/bridge"
	"github.com/agentdeck/agentdeck/internal/orchestrator/history"
	"github.com/agentdeck/agentdeck/internal/orchestrator/lifecycle"
	"github.com/agentdeck/agentdeck/internal/orchestrator/permission"
	"github.com/agentdeck/agentdeck/internal/orchestrator/registry"
	"github.com/agentdeck/agentdeck/internal/orchestrator/store"
	"github.com/agentdeck/agentdeck/internal/orchestrator/timeline"
	"github.com/agentdeck/agentdeck/internal/tracing"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

const eventSource = "engine"

var tracer = tracing.Tracer("orchestrator")

// managedAgent pairs a state machine with its per-agent update sequence.
type managedAgent struct {
	agent *lifecycle.Agent
	seq   atomic.Uint64
}

// Engine owns all agents and is the sole entry point for external callers.
type Engine struct {
	cfg     *config.Config
	bridge  bridge.Bridge
	store   *store.FileStore
	updates *store.UpdateLog
	history *history.Manager
	broker  *permission.Broker
	waiters *registry.Registry
	bus     bus.EventBus
	logger  *logger.Logger

	mu     sync.RWMutex
	agents map[string]*managedAgent
	closed bool
}

// NewEngine assembles the engine and rehydrates every persisted agent as an
// uninitialized state machine, so resumable conversations survive daemon
// restarts without spawning processes eagerly.
func NewEngine(ctx context.Context, cfg *config.Config, pool *db.Pool, eventBus bus.EventBus, log *logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("engine")

	fileStore, err := store.NewFileStore(cfg.Engine.StorePath, log)
	if err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}
	updateLog, err := store.NewUpdateLog(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("open update log: %w", err)
	}
	histMgr, err := history.NewManager(cfg.Engine.HistoryDir, log)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		bridge:  bridge.NewACPBridge(cfg.Providers, cfg.Engine.LaunchTimeout(), log),
		store:   fileStore,
		updates: updateLog,
		history: histMgr,
		broker:  permission.NewBroker(log),
		waiters: registry.NewRegistry(),
		bus:     eventBus,
		logger:  log,
		agents:  make(map[string]*managedAgent),
	}

	for _, rec := range fileStore.List() {
		ma := e.newManagedAgent(rec.ID, rec.Title, rec.Handle.Provider, rec.Workdir, rec.Handle, rec.CreatedAt)
		if last, err := updateLog.Tail(ctx, rec.ID, 1); err == nil && len(last) > 0 {
			ma.seq.Store(last[0].Seq)
		}
		e.agents[rec.ID] = ma
		log.Info("rehydrated agent",
			zap.String("agent_id", rec.ID),
			zap.String("provider", string(rec.Handle.Provider)))
	}
	return e, nil
}

// SetBridge swaps the bridge implementation. Used by tests.
func (e *Engine) SetBridge(b bridge.Bridge) { e.bridge = b }

func (e *Engine) newManagedAgent(id, title string, provider v1.AgentProvider, workdir string, handle *v1.ResumeHandle, createdAt time.Time) *managedAgent {
	ma := &managedAgent{}
	ma.agent = lifecycle.New(lifecycle.Config{
		ID:             id,
		Title:          title,
		Provider:       provider,
		Workdir:        workdir,
		Handle:         handle,
		Bridge:         e.bridge,
		History:        e.history,
		CancelGrace:    e.cfg.Engine.CancelGrace(),
		TerminateGrace: e.cfg.Engine.TerminateGrace(),
		CreatedAt:      createdAt,
		Logger:         e.logger,
		Hooks: lifecycle.Hooks{
			OnUpdate: func(upd *v1.SessionUpdate) {
				e.record(ma, id, v1.AgentNotification{Type: v1.NotificationSession, Session: upd})
			},
			OnStatus: func(info *v1.AgentInfo) {
				e.record(ma, id, v1.AgentNotification{
					Type:   v1.NotificationStatus,
					Status: &v1.StatusChange{Status: info.Status, Error: info.LastError},
				})
				e.waiters.NotifyStatus(id, info)
				e.publish(events.SubjectAgentStatus(id), events.TypeAgentStatusChanged, map[string]any{
					"agentId": id,
					"status":  string(info.Status),
					"error":   info.LastError,
				})
			},
			OnHandle: func(rec *v1.PersistedAgent) {
				if err := e.store.Put(rec); err != nil {
					e.logger.Error("persist agent failed",
						zap.String("agent_id", id), zap.Error(err))
				}
			},
			OnPermission: func(ctx context.Context, req *v1.PermissionRequest) (string, bool) {
				return e.brokerPermission(ctx, ma, req)
			},
		},
	})
	return ma
}

// record appends one notification to the agent's update log, fans it out to
// registry subscribers, and publishes it on the bus. Seq is assigned here,
// so log order and subscriber order agree.
func (e *Engine) record(ma *managedAgent, agentID string, n v1.AgentNotification) {
	update := &v1.AgentUpdate{
		AgentID:      agentID,
		Seq:          ma.seq.Add(1),
		Timestamp:    time.Now().UTC(),
		Notification: n,
	}
	if _, err := e.updates.Append(context.Background(), update); err != nil {
		e.logger.Error("update log append failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	e.waiters.Notify(agentID, update)
	e.publish(events.SubjectAgentUpdates(agentID), events.TypeAgentUpdate, map[string]any{
		"agentId": agentID,
		"seq":     update.Seq,
		"type":    string(n.Type),
	})
}

// brokerPermission routes a bridge permission request through the broker
// and emits the permission/permission_resolved pair on the update log.
func (e *Engine) brokerPermission(ctx context.Context, ma *managedAgent, req *v1.PermissionRequest) (string, bool) {
	e.record(ma, req.AgentID, v1.AgentNotification{Type: v1.NotificationPermission, Permission: req})
	e.publish(events.SubjectAgentPermissions(req.AgentID), events.TypePermissionRequest, map[string]any{
		"agentId":   req.AgentID,
		"requestId": req.RequestID,
	})

	res, err := e.broker.Raise(ctx, req)
	if err != nil {
		return "", true
	}
	e.record(ma, req.AgentID, v1.AgentNotification{Type: v1.NotificationPermissionResolved, PermissionResolved: &res})
	e.publish(events.SubjectAgentPermissions(req.AgentID), events.TypePermissionResolved, map[string]any{
		"agentId":   req.AgentID,
		"requestId": res.RequestID,
		"optionId":  res.OptionID,
		"cancelled": res.Cancelled,
	})
	return res.OptionID, res.Cancelled
}

func (e *Engine) publish(subject, eventType string, data map[string]any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.Background(), subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		e.logger.Debug("event publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}

func (e *Engine) get(agentID string) (*managedAgent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	ma, ok := e.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return ma, nil
}

// CreateAgentRequest names the inputs to CreateAgent.
type CreateAgentRequest struct {
	Title    string
	Provider v1.AgentProvider
	Workdir  string
}

// CreateAgent registers a new agent and launches its subprocess. A launch
// failure is returned to the caller; the agent is kept, in failed state,
// for inspection and explicit retry.
func (e *Engine) CreateAgent(ctx context.Context, req CreateAgentRequest) (*v1.AgentInfo, error) {
	ctx, span := tracer.Start(ctx, "engine.CreateAgent")
	defer span.End()
	if !req.Provider.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, req.Provider)
	}

	id := uuid.NewString()
	ma := e.newManagedAgent(id, req.Title, req.Provider, req.Workdir, nil, time.Now().UTC())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.agents[id] = ma
	e.mu.Unlock()

	if err := e.store.Put(ma.agent.Persisted()); err != nil {
		e.logger.Error("persist new agent failed", zap.String("agent_id", id), zap.Error(err))
	}
	e.publish(events.SubjectAgentLifecycle, events.TypeAgentCreated, map[string]any{
		"agentId":  id,
		"provider": string(req.Provider),
	})

	if err := ma.agent.Initialize(ctx); err != nil {
		return ma.agent.Info(), fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	return ma.agent.Info(), nil
}

// ResumeAgent registers a fresh agent seeded with a resume handle. No
// process is spawned; the first prompt triggers the launch, attaching to
// the provider session or replaying history when the session is gone.
func (e *Engine) ResumeAgent(ctx context.Context, handle *v1.ResumeHandle, title, workdir string) (*v1.AgentInfo, error) {
	if handle == nil || !handle.Provider.Valid() {
		return nil, fmt.Errorf("%w: resume handle required", ErrInvalidProvider)
	}

	id := uuid.NewString()
	ma := e.newManagedAgent(id, title, handle.Provider, workdir, handle, time.Now().UTC())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.agents[id] = ma
	e.mu.Unlock()

	if err := e.store.Put(ma.agent.Persisted()); err != nil {
		e.logger.Error("persist resumed agent failed", zap.String("agent_id", id), zap.Error(err))
	}
	e.publish(events.SubjectAgentLifecycle, events.TypeAgentResumed, map[string]any{
		"agentId":        id,
		"provider":       string(handle.Provider),
		"conversationId": handle.ConversationID(),
	})
	return ma.agent.Info(), nil
}

// GetAgent returns a snapshot of one agent.
func (e *Engine) GetAgent(agentID string) (*v1.AgentInfo, error) {
	ma, err := e.get(agentID)
	if err != nil {
		return nil, err
	}
	return ma.agent.Info(), nil
}

// ListAgents returns snapshots of every agent, creation order not
// guaranteed.
func (e *Engine) ListAgents() []*v1.AgentInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*v1.AgentInfo, 0, len(e.agents))
	for _, ma := range e.agents {
		out = append(out, ma.agent.Info())
	}
	return out
}

// DeleteAgent kills the agent and removes every trace: the persisted
// record, the update log, and the conversation transcript.
func (e *Engine) DeleteAgent(ctx context.Context, agentID string) error {
	ma, err := e.get(agentID)
	if err != nil {
		return err
	}
	if err := e.KillAgent(ctx, agentID); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.agents, agentID)
	e.mu.Unlock()

	convID := ma.agent.Handle().ConversationID()
	if err := e.store.Delete(agentID); err != nil {
		e.logger.Error("delete persisted agent failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	if err := e.updates.DeleteAgent(ctx, agentID); err != nil {
		e.logger.Error("delete update log failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	if convID != "" {
		if err := e.history.Delete(convID); err != nil {
			e.logger.Error("delete history failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	e.waiters.Forget(agentID)
	e.publish(events.SubjectAgentLifecycle, events.TypeAgentDeleted, map[string]any{"agentId": agentID})
	return nil
}

// SendPrompt queues one user turn on the agent. It returns once the prompt
// is accepted, not once the turn completes; use WaitForStatus or Subscribe
// to observe the outcome.
func (e *Engine) SendPrompt(ctx context.Context, agentID, text string) error {
	ctx, span := tracer.Start(ctx, "engine.SendPrompt")
	defer span.End()
	ma, err := e.get(agentID)
	if err != nil {
		return err
	}
	return ma.agent.SendPrompt(ctx, text)
}

// CancelTurn cancels the in-flight turn, forcing the agent back to ready
// when the provider does not acknowledge within the grace window.
func (e *Engine) CancelTurn(ctx context.Context, agentID string) error {
	ma, err := e.get(agentID)
	if err != nil {
		return err
	}
	return ma.agent.CancelTurn(ctx)
}

// KillAgent terminates the agent's subprocess and discards its outstanding
// permission requests. Idempotent.
func (e *Engine) KillAgent(ctx context.Context, agentID string) error {
	ma, err := e.get(agentID)
	if err != nil {
		return err
	}
	if err := ma.agent.Kill(ctx); err != nil {
		return err
	}
	e.broker.DiscardAgent(agentID)
	return nil
}

// SetSessionMode changes the provider session mode; the new mode takes
// effect only after the provider acknowledges.
func (e *Engine) SetSessionMode(ctx context.Context, agentID, modeID string) error {
	ma, err := e.get(agentID)
	if err != nil {
		return err
	}
	return ma.agent.SetMode(ctx, modeID)
}

// SetAgentTitle renames the agent and persists the change.
func (e *Engine) SetAgentTitle(agentID, title string) error {
	ma, err := e.get(agentID)
	if err != nil {
		return err
	}
	ma.agent.SetTitle(title)
	return e.store.Put(ma.agent.Persisted())
}

// Timeline reads the agent's update log per the query and curates it into
// timeline items. The curated projection additionally returns the flattened
// text rendering.
func (e *Engine) Timeline(ctx context.Context, agentID string, q v1.TimelineQuery) ([]*v1.TimelineItem, string, error) {
	if _, err := e.get(agentID); err != nil {
		return nil, "", err
	}
	var (
		updates []*v1.AgentUpdate
		err     error
	)
	switch {
	case q.Projection == v1.ProjectionCurated:
		// Only session notifications produce curated items, so the
		// window counts those rather than raw log rows.
		updates, err = e.updates.ByType(ctx, agentID, v1.NotificationSession)
		if err == nil {
			updates = window(updates, q.Direction, q.Limit)
		}
	case q.Direction == v1.DirectionTail:
		updates, err = e.updates.Tail(ctx, agentID, q.Limit)
	default:
		updates, err = e.updates.Head(ctx, agentID, q.Limit)
	}
	if err != nil {
		return nil, "", fmt.Errorf("read update log: %w", err)
	}
	items, rendered := timeline.Project(updates, q.Projection)
	return items, rendered, nil
}

// window applies head/tail truncation to an update slice already in seq
// order. A zero limit keeps everything.
func window(updates []*v1.AgentUpdate, direction v1.TimelineDirection, limit int) []*v1.AgentUpdate {
	if limit <= 0 || len(updates) <= limit {
		return updates
	}
	if direction == v1.DirectionTail {
		return updates[len(updates)-limit:]
	}
	return updates[:limit]
}

// Updates reads raw AgentUpdates from the head of the log.
func (e *Engine) Updates(ctx context.Context, agentID string, limit int) ([]*v1.AgentUpdate, error) {
	if _, err := e.get(agentID); err != nil {
		return nil, err
	}
	return e.updates.Head(ctx, agentID, limit)
}

// Subscribe registers a callback invoked synchronously, in order, for every
// AgentUpdate emitted by one agent.
func (e *Engine) Subscribe(agentID string, callback func(*v1.AgentUpdate)) (func(), error) {
	if _, err := e.get(agentID); err != nil {
		return nil, err
	}
	return e.waiters.Subscribe(agentID, callback), nil
}

// WaitForStatus blocks until a status snapshot satisfies the predicate, the
// timeout elapses, or ctx is cancelled. A zero timeout waits indefinitely.
func (e *Engine) WaitForStatus(ctx context.Context, agentID string, predicate registry.StatusPredicate, timeout time.Duration) (*v1.AgentInfo, error) {
	ma, err := e.get(agentID)
	if err != nil {
		return nil, err
	}
	// Seed the registry so a waiter registered before any transition still
	// sees the current state.
	e.waiters.NotifyStatus(agentID, ma.agent.Info())
	return e.waiters.WaitStatus(ctx, agentID, predicate, timeout)
}

// ListPermissions returns every outstanding permission request across all
// agents, oldest first.
func (e *Engine) ListPermissions() []*v1.PermissionRequest {
	return e.broker.List()
}

// RespondPermission resolves one outstanding permission request. The first
// response wins; any later response fails with ErrUnknownRequest.
func (e *Engine) RespondPermission(agentID, requestID, optionID string) error {
	if _, err := e.get(agentID); err != nil {
		return err
	}
	return e.broker.Respond(agentID, requestID, optionID)
}

// WaitForPermissionRequest blocks until a permission request is outstanding
// for the agent or ctx is cancelled.
func (e *Engine) WaitForPermissionRequest(ctx context.Context, agentID string) (*v1.PermissionRequest, error) {
	if _, err := e.get(agentID); err != nil {
		return nil, err
	}
	return e.broker.WaitFor(ctx, agentID)
}

// Close kills every agent in parallel and marks the engine closed. The
// event bus and database pool are owned by the caller and are not touched.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	agents := make([]*managedAgent, 0, len(e.agents))
	for _, ma := range e.agents {
		agents = append(agents, ma)
	}
	e.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, ma := range agents {
		g.Go(func() error {
			return ma.agent.Kill(ctx)
		})
	}
	return g.Wait()
}
