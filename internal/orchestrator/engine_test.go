package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/orchestrator/bridge"
	"github.com/agentdeck/agentdeck/internal/orchestrator/permission"
	"github.com/agentdeck/agentdeck/internal/orchestrator/registry"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

type engineTurn struct {
	text    string
	respond chan string
}

// engineRuntime is a scriptable bridge.Runtime. With auto set every prompt
// resolves immediately with end_turn; otherwise prompts park on turns.
type engineRuntime struct {
	sessionID string
	auto      bool

	mu      sync.Mutex
	pending string
	sent    []string
	alive   bool

	turns chan *engineTurn
}

func (r *engineRuntime) Prompt(ctx context.Context, text string) (string, error) {
	r.mu.Lock()
	msg := text
	if r.pending != "" {
		msg = r.pending
		r.pending = ""
	}
	r.sent = append(r.sent, msg)
	auto := r.auto
	r.mu.Unlock()
	if auto {
		return "end_turn", nil
	}
	turn := &engineTurn{text: msg, respond: make(chan string)}
	r.turns <- turn
	return <-turn.respond, nil
}

func (r *engineRuntime) SetPendingContext(text string) {
	r.mu.Lock()
	r.pending = text
	r.mu.Unlock()
}

func (r *engineRuntime) Cancel(ctx context.Context) error                 { return nil }
func (r *engineRuntime) SetMode(ctx context.Context, modeID string) error { return nil }
func (r *engineRuntime) SessionID() string                                { return r.sessionID }
func (r *engineRuntime) StderrTail(n int) []bridge.StderrLine             { return nil }

func (r *engineRuntime) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

func (r *engineRuntime) Terminate(ctx context.Context) error {
	r.mu.Lock()
	r.alive = false
	r.mu.Unlock()
	return nil
}

func (r *engineRuntime) sentPrompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	copy(out, r.sent)
	return out
}

type engineBridge struct {
	mu       sync.Mutex
	auto     bool
	launches int
	runtimes []*engineRuntime
	specs    []bridge.LaunchSpec
}

func (b *engineBridge) Launch(ctx context.Context, spec bridge.LaunchSpec) (bridge.Runtime, *bridge.LaunchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launches++
	rt := &engineRuntime{
		sessionID: fmt.Sprintf("sess-%d", b.launches),
		auto:      b.auto,
		alive:     true,
		turns:     make(chan *engineTurn, 8),
	}
	b.runtimes = append(b.runtimes, rt)
	b.specs = append(b.specs, spec)
	return rt, &bridge.LaunchResult{SessionID: rt.sessionID}, nil
}

func (b *engineBridge) runtime(t *testing.T, i int) *engineRuntime {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.runtimes) > i
	}, 2*time.Second, 5*time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runtimes[i]
}

func (b *engineBridge) spec(i int) bridge.LaunchSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.specs[i]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Engine: config.EngineConfig{
			DataDir:               dir,
			StorePath:             filepath.Join(dir, "agents.json"),
			HistoryDir:            filepath.Join(dir, "history"),
			CancelGraceSeconds:    1,
			TerminateGraceSeconds: 1,
			LaunchTimeoutSeconds:  5,
		},
		Database: config.DatabaseConfig{
			Driver: config.DriverSQLite,
			Path:   filepath.Join(dir, "engine.db"),
		},
	}
}

func newTestEngine(t *testing.T, fb *engineBridge) *Engine {
	t.Helper()
	cfg := testConfig(t)
	pool, err := db.Open(cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	eng, err := NewEngine(context.Background(), cfg, pool, bus.NewMemoryEventBus(nil), nil)
	require.NoError(t, err)
	eng.SetBridge(fb)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func waitEngineStatus(t *testing.T, eng *Engine, agentID string, want v1.AgentStatus) *v1.AgentInfo {
	t.Helper()
	info, err := eng.WaitForStatus(context.Background(), agentID,
		func(i *v1.AgentInfo) bool { return i.Status == want }, 2*time.Second)
	require.NoError(t, err, "agent never reached %s", want)
	return info
}

func TestCreatePromptAndQueryTimeline(t *testing.T) {
	fb := &engineBridge{auto: true}
	eng := newTestEngine(t, fb)

	info, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title:    "demo",
		Provider: v1.ProviderMock,
		Workdir:  t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, v1.StatusReady, info.Status)

	require.NoError(t, eng.SendPrompt(context.Background(), info.ID, "hello there"))
	waitEngineStatus(t, eng, info.ID, v1.StatusCompleted)

	// The logged status stream must agree with the queried status.
	snap, err := eng.GetAgent(info.ID)
	require.NoError(t, err)
	updates, err := eng.Updates(context.Background(), info.ID, 0)
	require.NoError(t, err)
	var lastStatus v1.AgentStatus
	for _, u := range updates {
		if u.Notification.Type == v1.NotificationStatus {
			lastStatus = u.Notification.Status.Status
		}
	}
	assert.Equal(t, snap.Status, lastStatus)

	// Seq is strictly increasing.
	for i := 1; i < len(updates); i++ {
		assert.Greater(t, updates[i].Seq, updates[i-1].Seq)
	}

	items, _, err := eng.Timeline(context.Background(), info.ID, v1.TimelineQuery{
		Direction:  v1.DirectionHead,
		Projection: v1.ProjectionCanonical,
	})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, v1.ItemUserMessage, items[0].Kind)
	assert.Equal(t, "hello there", items[0].Text)

	_, rendered, err := eng.Timeline(context.Background(), info.ID, v1.TimelineQuery{
		Direction:  v1.DirectionHead,
		Projection: v1.ProjectionCurated,
	})
	require.NoError(t, err)
	assert.Contains(t, rendered, "hello there")
}

func TestTimelineCuratedWindowCountsSessionUpdates(t *testing.T) {
	fb := &engineBridge{auto: true}
	eng := newTestEngine(t, fb)

	info, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title:    "demo",
		Provider: v1.ProviderMock,
		Workdir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.SendPrompt(context.Background(), info.ID, "count me"))
	waitEngineStatus(t, eng, info.ID, v1.StatusCompleted)

	// The newest raw rows are status transitions, which produce no curated
	// items. A curated tail window must still reach back to the session
	// updates instead of returning an empty transcript.
	items, rendered, err := eng.Timeline(context.Background(), info.ID, v1.TimelineQuery{
		Direction:  v1.DirectionTail,
		Limit:      2,
		Projection: v1.ProjectionCurated,
	})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, v1.ItemUserMessage, items[0].Kind)
	assert.Contains(t, rendered, "count me")
}

func TestUnknownAgentFailsFast(t *testing.T) {
	eng := newTestEngine(t, &engineBridge{auto: true})

	_, err := eng.GetAgent("nope")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.ErrorIs(t, eng.SendPrompt(context.Background(), "nope", "hi"), ErrAgentNotFound)
	assert.ErrorIs(t, eng.KillAgent(context.Background(), "nope"), ErrAgentNotFound)
	_, _, err = eng.Timeline(context.Background(), "nope", v1.TimelineQuery{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestInvalidProviderRejected(t *testing.T) {
	eng := newTestEngine(t, &engineBridge{auto: true})
	_, err := eng.CreateAgent(context.Background(), CreateAgentRequest{Provider: "gpt-basement"})
	assert.ErrorIs(t, err, ErrInvalidProvider)
}

func TestKillIsIdempotentAtEngineLevel(t *testing.T) {
	fb := &engineBridge{auto: true}
	eng := newTestEngine(t, fb)

	info, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title: "victim", Provider: v1.ProviderMock, Workdir: t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, eng.KillAgent(context.Background(), info.ID))
	require.NoError(t, eng.KillAgent(context.Background(), info.ID))

	updates, err := eng.Updates(context.Background(), info.ID, 0)
	require.NoError(t, err)
	killed := 0
	for _, u := range updates {
		if u.Notification.Type == v1.NotificationStatus && u.Notification.Status.Status == v1.StatusKilled {
			killed++
		}
	}
	assert.Equal(t, 1, killed)
}

func TestPermissionFlowFirstResponseWins(t *testing.T) {
	fb := &engineBridge{}
	eng := newTestEngine(t, fb)

	info, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title: "perm", Provider: v1.ProviderMock, Workdir: t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, eng.SendPrompt(context.Background(), info.ID, "edit the file"))
	rt := fb.runtime(t, 0)
	turn := <-rt.turns

	// The provider raises an approval request mid-turn.
	type permOutcome struct {
		optionID  string
		cancelled bool
	}
	outcome := make(chan permOutcome, 1)
	go func() {
		optionID, cancelled := fb.spec(0).OnPermission(context.Background(), &v1.PermissionRequest{
			AgentID:   info.ID,
			RequestID: "req-1",
			SessionID: rt.sessionID,
			Action:    v1.PermissionAction{Name: "edit", Title: "Edit main.go"},
			Options: []v1.PermissionOption{
				{OptionID: "allow", Name: "Allow", Kind: v1.PermissionAllowOnce},
				{OptionID: "deny", Name: "Deny", Kind: v1.PermissionRejectOnce},
			},
			CreatedAt: time.Now().UTC(),
		})
		outcome <- permOutcome{optionID, cancelled}
	}()

	pending, err := eng.WaitForPermissionRequest(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, "req-1", pending.RequestID)
	assert.Len(t, eng.ListPermissions(), 1)

	require.NoError(t, eng.RespondPermission(info.ID, "req-1", "allow"))
	assert.ErrorIs(t, eng.RespondPermission(info.ID, "req-1", "allow"), permission.ErrUnknownRequest)

	got := <-outcome
	assert.Equal(t, "allow", got.optionID)
	assert.False(t, got.cancelled)
	assert.Empty(t, eng.ListPermissions())

	turn.respond <- "end_turn"
	waitEngineStatus(t, eng, info.ID, v1.StatusCompleted)

	// The log carries the permission and its resolution.
	updates, err := eng.Updates(context.Background(), info.ID, 0)
	require.NoError(t, err)
	var sawPerm, sawResolved bool
	for _, u := range updates {
		switch u.Notification.Type {
		case v1.NotificationPermission:
			sawPerm = true
		case v1.NotificationPermissionResolved:
			sawResolved = true
			assert.Equal(t, "allow", u.Notification.PermissionResolved.OptionID)
		}
	}
	assert.True(t, sawPerm)
	assert.True(t, sawResolved)
}

func TestKillDiscardsOutstandingPermissions(t *testing.T) {
	fb := &engineBridge{}
	eng := newTestEngine(t, fb)

	info, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title: "perm", Provider: v1.ProviderMock, Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.SendPrompt(context.Background(), info.ID, "do something gated"))
	rt := fb.runtime(t, 0)
	<-rt.turns

	cancelled := make(chan bool, 1)
	go func() {
		_, c := fb.spec(0).OnPermission(context.Background(), &v1.PermissionRequest{
			AgentID:   info.ID,
			RequestID: "req-9",
			Options:   []v1.PermissionOption{{OptionID: "allow", Name: "Allow", Kind: v1.PermissionAllowOnce}},
		})
		cancelled <- c
	}()
	_, err = eng.WaitForPermissionRequest(context.Background(), info.ID)
	require.NoError(t, err)

	require.NoError(t, eng.KillAgent(context.Background(), info.ID))
	assert.True(t, <-cancelled, "kill must cancel the pending permission")
	assert.Empty(t, eng.ListPermissions())
}

func TestWaitForPermissionAbortLeavesOtherWaiters(t *testing.T) {
	fb := &engineBridge{auto: true}
	eng := newTestEngine(t, fb)

	info, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title: "w", Provider: v1.ProviderMock, Workdir: t.TempDir(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	aborted := make(chan error, 1)
	go func() {
		_, err := eng.WaitForPermissionRequest(ctx, info.ID)
		aborted <- err
	}()
	survivor := make(chan *v1.PermissionRequest, 1)
	go func() {
		req, err := eng.WaitForPermissionRequest(context.Background(), info.ID)
		require.NoError(t, err)
		survivor <- req
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.Error(t, <-aborted)

	// The surviving waiter still gets the next request.
	go func() {
		_, _ = fb.spec(0).OnPermission(context.Background(), &v1.PermissionRequest{
			AgentID:   info.ID,
			RequestID: "req-2",
			Options:   []v1.PermissionOption{{OptionID: "ok", Name: "OK", Kind: v1.PermissionAllowOnce}},
		})
	}()
	select {
	case req := <-survivor:
		assert.Equal(t, "req-2", req.RequestID)
		require.NoError(t, eng.RespondPermission(info.ID, "req-2", "ok"))
	case <-time.After(2 * time.Second):
		t.Fatal("surviving waiter never resolved")
	}
}

func TestWaitForStatusTimeoutAndAbort(t *testing.T) {
	fb := &engineBridge{auto: true}
	eng := newTestEngine(t, fb)

	info, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title: "w", Provider: v1.ProviderMock, Workdir: t.TempDir(),
	})
	require.NoError(t, err)

	_, err = eng.WaitForStatus(context.Background(), info.ID,
		func(i *v1.AgentInfo) bool { return i.Status == v1.StatusKilled }, 30*time.Millisecond)
	assert.ErrorIs(t, err, registry.ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := eng.WaitForStatus(ctx, info.ID,
			func(i *v1.AgentInfo) bool { return i.Status == v1.StatusKilled }, 0)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, registry.ErrAborted)

	// The failed waits left the agent untouched.
	snap, err := eng.GetAgent(info.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusReady, snap.Status)
}

func TestBackToBackPromptsKeepTranscriptConsistent(t *testing.T) {
	fb := &engineBridge{}
	eng := newTestEngine(t, fb)

	info, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title: "busy", Provider: v1.ProviderMock, Workdir: t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, eng.SendPrompt(context.Background(), info.ID, "do it again"))
	require.NoError(t, eng.SendPrompt(context.Background(), info.ID, "hello"))

	rt := fb.runtime(t, 0)
	for _, reply := range []string{"done it again", "hello yourself"} {
		turn := <-rt.turns
		fb.spec(0).OnUpdate(&v1.SessionUpdate{Kind: v1.UpdateMessageChunk, Text: reply})
		turn.respond <- "end_turn"
	}
	waitEngineStatus(t, eng, info.ID, v1.StatusCompleted)

	items, _, err := eng.Timeline(context.Background(), info.ID, v1.TimelineQuery{
		Direction:  v1.DirectionHead,
		Projection: v1.ProjectionCanonical,
	})
	require.NoError(t, err)

	var users, replies []string
	for _, item := range items {
		switch item.Kind {
		case v1.ItemUserMessage:
			users = append(users, item.Text)
		case v1.ItemAssistantMessage:
			replies = append(replies, item.Text)
		}
	}
	assert.Equal(t, []string{"do it again", "hello"}, users)
	assert.Equal(t, []string{"done it again", "hello yourself"}, replies)
}

func TestResumeRoundTripAcrossTwoCycles(t *testing.T) {
	fb := &engineBridge{}
	eng := newTestEngine(t, fb)

	runTurn := func(launchIdx int, reply string) string {
		rt := fb.runtime(t, launchIdx)
		turn := <-rt.turns
		fb.spec(launchIdx).OnUpdate(&v1.SessionUpdate{Kind: v1.UpdateMessageChunk, Text: reply})
		turn.respond <- "end_turn"
		return turn.text
	}

	// Cycle 0: establish the fact.
	a, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title: "cycle0", Provider: v1.ProviderMock, Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.SendPrompt(context.Background(), a.ID, "remember: the password is swordfish"))
	runTurn(0, "Understood, the password is swordfish.")
	infoA := waitEngineStatus(t, eng, a.ID, v1.StatusCompleted)
	require.NoError(t, eng.KillAgent(context.Background(), a.ID))

	// Cycle 1. The fake bridge never loads sessions natively, so the
	// engine must replay the transcript.
	b, err := eng.ResumeAgent(context.Background(), infoA.Handle, "cycle1", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, v1.StatusUninitialized, b.Status)
	require.NoError(t, eng.SendPrompt(context.Background(), b.ID, "what is the password?"))
	sent1 := runTurn(1, "The password is swordfish.")
	assert.Contains(t, sent1, "the password is swordfish")
	assert.Contains(t, sent1, "what is the password?")
	infoB := waitEngineStatus(t, eng, b.ID, v1.StatusCompleted)
	require.NoError(t, eng.KillAgent(context.Background(), b.ID))

	assert.Equal(t, infoA.Handle.ConversationID(), infoB.Handle.ConversationID())
	assert.NotEqual(t, *infoA.Handle.SessionID, *infoB.Handle.SessionID)

	// Cycle 2: still recallable after a second rotation.
	c, err := eng.ResumeAgent(context.Background(), infoB.Handle, "cycle2", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, eng.SendPrompt(context.Background(), c.ID, "repeat the password"))
	sent2 := runTurn(2, "Still swordfish.")
	assert.Contains(t, sent2, "swordfish")
	assert.Contains(t, sent2, "Understood, the password is swordfish.")
	waitEngineStatus(t, eng, c.ID, v1.StatusCompleted)
}

func TestDeleteAgentRemovesAllTraces(t *testing.T) {
	fb := &engineBridge{auto: true}
	eng := newTestEngine(t, fb)

	info, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title: "gone", Provider: v1.ProviderMock, Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.SendPrompt(context.Background(), info.ID, "hi"))
	waitEngineStatus(t, eng, info.ID, v1.StatusCompleted)

	require.NoError(t, eng.DeleteAgent(context.Background(), info.ID))

	_, err = eng.GetAgent(info.ID)
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Empty(t, eng.ListAgents())
}

func TestAgentsSurviveEngineRestart(t *testing.T) {
	cfg := testConfig(t)
	pool, err := db.Open(cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	fb := &engineBridge{auto: true}
	eng, err := NewEngine(context.Background(), cfg, pool, bus.NewMemoryEventBus(nil), nil)
	require.NoError(t, err)
	eng.SetBridge(fb)

	info, err := eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title: "durable", Provider: v1.ProviderMock, Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.SendPrompt(context.Background(), info.ID, "hi"))
	waitEngineStatus(t, eng, info.ID, v1.StatusCompleted)
	require.NoError(t, eng.Close(context.Background()))

	eng2, err := NewEngine(context.Background(), cfg, pool, bus.NewMemoryEventBus(nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng2.Close(context.Background()) })

	snap, err := eng2.GetAgent(info.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusUninitialized, snap.Status)
	assert.Equal(t, "durable", snap.Title)
	assert.Equal(t, info.Handle.ConversationID(), snap.Handle.ConversationID())

	// The update log also survived.
	updates, err := eng2.Updates(context.Background(), info.ID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, updates)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	fb := &engineBridge{auto: true}
	cfg := testConfig(t)
	pool, err := db.Open(cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	eng, err := NewEngine(context.Background(), cfg, pool, bus.NewMemoryEventBus(nil), nil)
	require.NoError(t, err)
	eng.SetBridge(fb)
	require.NoError(t, eng.Close(context.Background()))

	_, err = eng.CreateAgent(context.Background(), CreateAgentRequest{
		Title: "late", Provider: v1.ProviderMock, Workdir: t.TempDir(),
	})
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = eng.GetAgent("any")
	assert.ErrorIs(t, err, ErrEngineClosed)
}
