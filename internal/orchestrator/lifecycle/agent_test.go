package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/orchestrator/bridge"
	"github.com/agentdeck/agentdeck/internal/orchestrator/history"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

type turnResult struct {
	stop string
	err  error
}

type fakeTurn struct {
	text    string
	respond chan turnResult
}

// fakeRuntime implements bridge.Runtime. With auto set, prompts resolve
// immediately; otherwise each prompt parks on the turns channel until the
// test responds.
type fakeRuntime struct {
	sessionID string
	auto      bool
	autoStop  string

	mu         sync.Mutex
	pending    string
	sent       []string
	alive      bool
	cancelled  bool
	terminated bool
	modeCalls  []string
	// modeAck, when non-nil, parks SetMode until a value is received.
	modeAck chan struct{}

	turns chan *fakeTurn
}

func newFakeRuntime(sessionID string, auto bool) *fakeRuntime {
	return &fakeRuntime{
		sessionID: sessionID,
		auto:      auto,
		autoStop:  "end_turn",
		alive:     true,
		turns:     make(chan *fakeTurn, 8),
	}
}

func (r *fakeRuntime) Prompt(ctx context.Context, text string) (string, error) {
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
		return r.autoStop, nil
	}
	t := &fakeTurn{text: msg, respond: make(chan turnResult)}
	r.turns <- t
	res := <-t.respond
	return res.stop, res.err
}

func (r *fakeRuntime) SetPendingContext(text string) {
	r.mu.Lock()
	r.pending = text
	r.mu.Unlock()
}

func (r *fakeRuntime) Cancel(ctx context.Context) error {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) SetMode(ctx context.Context, modeID string) error {
	r.mu.Lock()
	r.modeCalls = append(r.modeCalls, modeID)
	ack := r.modeAck
	r.mu.Unlock()
	if ack != nil {
		<-ack
	}
	return nil
}

func (r *fakeRuntime) modes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.modeCalls))
	copy(out, r.modeCalls)
	return out
}
func (r *fakeRuntime) SessionID() string                                { return r.sessionID }

func (r *fakeRuntime) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

func (r *fakeRuntime) StderrTail(n int) []bridge.StderrLine {
	return []bridge.StderrLine{{Timestamp: time.Now(), Content: "boom"}}
}

func (r *fakeRuntime) Terminate(ctx context.Context) error {
	r.mu.Lock()
	r.terminated = true
	r.alive = false
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) sentPrompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	copy(out, r.sent)
	return out
}

// fakeBridge hands out one fakeRuntime per launch and captures the launch spec so
// tests can drive the update and exit callbacks.
type fakeBridge struct {
	mu          sync.Mutex
	launches    int
	launchErr   error
	auto        bool
	loadSession bool
	modes       []v1.SessionMode
	currentMode string

	runtimes []*fakeRuntime
	specs    []bridge.LaunchSpec
}

func (b *fakeBridge) Launch(ctx context.Context, spec bridge.LaunchSpec) (bridge.Runtime, *bridge.LaunchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.launchErr != nil {
		return nil, nil, b.launchErr
	}
	b.launches++
	rt := newFakeRuntime(fmt.Sprintf("sess-%d", b.launches), b.auto)
	b.runtimes = append(b.runtimes, rt)
	b.specs = append(b.specs, spec)
	loaded := b.loadSession && spec.Handle != nil && spec.Handle.SessionID != nil
	sessionID := rt.sessionID
	if loaded {
		sessionID = *spec.Handle.SessionID
		rt.sessionID = sessionID
	}
	return rt, &bridge.LaunchResult{
		SessionID:      sessionID,
		SessionLoaded:  loaded,
		CurrentModeID:  b.currentMode,
		AvailableModes: b.modes,
	}, nil
}

func (b *fakeBridge) runtime(i int) *fakeRuntime {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runtimes[i]
}

func (b *fakeBridge) spec(i int) bridge.LaunchSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.specs[i]
}

// recorder collects hook emissions. Hooks fire under the agent lock, so the
// recorder keeps its own.
type recorder struct {
	mu       sync.Mutex
	updates  []*v1.SessionUpdate
	statuses []v1.AgentStatus
	persists []*v1.PersistedAgent
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnUpdate: func(u *v1.SessionUpdate) {
			c := *u
			r.mu.Lock()
			r.updates = append(r.updates, &c)
			r.mu.Unlock()
		},
		OnStatus: func(info *v1.AgentInfo) {
			r.mu.Lock()
			r.statuses = append(r.statuses, info.Status)
			r.mu.Unlock()
		},
		OnHandle: func(p *v1.PersistedAgent) {
			r.mu.Lock()
			r.persists = append(r.persists, p)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) statusList() []v1.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]v1.AgentStatus, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func (r *recorder) updateKinds() []v1.SessionUpdateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]v1.SessionUpdateKind, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Kind)
	}
	return out
}

func (r *recorder) updatesOf(kind v1.SessionUpdateKind) []*v1.SessionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.SessionUpdate
	for _, u := range r.updates {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

func waitStatus(t *testing.T, a *Agent, want v1.AgentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.Info().Status == want
	}, 2*time.Second, 5*time.Millisecond, "agent never reached %s", want)
}

func newTestAgent(t *testing.T, fb *fakeBridge, rec *recorder, handle *v1.ResumeHandle, hist *history.Manager) *Agent {
	t.Helper()
	return New(Config{
		ID:          "agent-1",
		Title:       "test agent",
		Provider:    v1.ProviderMock,
		Workdir:     t.TempDir(),
		Handle:      handle,
		Bridge:      fb,
		History:     hist,
		Hooks:       rec.hooks(),
		CancelGrace: 50 * time.Millisecond,
	})
}

func TestFirstPromptLaunchesAndCompletes(t *testing.T) {
	fb := &fakeBridge{auto: true}
	rec := &recorder{}
	a := newTestAgent(t, fb, rec, nil, nil)

	require.Equal(t, v1.StatusUninitialized, a.Info().Status)
	require.NoError(t, a.SendPrompt(context.Background(), "hello"))
	waitStatus(t, a, v1.StatusCompleted)

	assert.Equal(t, []v1.AgentStatus{
		v1.StatusInitializing,
		v1.StatusReady,
		v1.StatusProcessing,
		v1.StatusCompleted,
	}, rec.statusList())
	assert.Equal(t, []v1.SessionUpdateKind{v1.UpdateUserMessage, v1.UpdateComplete}, rec.updateKinds())
	assert.Equal(t, []string{"hello"}, fb.runtime(0).sentPrompts())

	info := a.Info()
	require.NotNil(t, info.Handle.SessionID)
	assert.Equal(t, "sess-1", *info.Handle.SessionID)
	assert.Equal(t, "end_turn", rec.updatesOf(v1.UpdateComplete)[0].StopReason)
}

func TestKillIsIdempotent(t *testing.T) {
	fb := &fakeBridge{auto: true}
	rec := &recorder{}
	a := newTestAgent(t, fb, rec, nil, nil)

	require.NoError(t, a.SendPrompt(context.Background(), "hi"))
	waitStatus(t, a, v1.StatusCompleted)

	require.NoError(t, a.Kill(context.Background()))
	require.NoError(t, a.Kill(context.Background()))

	killed := 0
	for _, s := range rec.statusList() {
		if s == v1.StatusKilled {
			killed++
		}
	}
	assert.Equal(t, 1, killed)
	assert.True(t, fb.runtime(0).terminated)
	assert.ErrorIs(t, a.SendPrompt(context.Background(), "more"), ErrKilled)
}

func TestPromptsQueueInOrder(t *testing.T) {
	fb := &fakeBridge{}
	rec := &recorder{}
	a := newTestAgent(t, fb, rec, nil, nil)

	require.NoError(t, a.SendPrompt(context.Background(), "first"))
	require.NoError(t, a.SendPrompt(context.Background(), "second"))
	require.NoError(t, a.SendPrompt(context.Background(), "third"))

	rt := waitRuntime(t, fb, 0)
	for _, want := range []string{"first", "second", "third"} {
		turn := <-rt.turns
		assert.Equal(t, want, turn.text)
		turn.respond <- turnResult{stop: "end_turn"}
	}
	waitStatus(t, a, v1.StatusCompleted)
	assert.Equal(t, []string{"first", "second", "third"}, rt.sentPrompts())

	// Both user messages and both completions are on the log, in order.
	users := rec.updatesOf(v1.UpdateUserMessage)
	require.Len(t, users, 3)
	assert.Len(t, rec.updatesOf(v1.UpdateComplete), 3)
}

func waitRuntime(t *testing.T, fb *fakeBridge, i int) *fakeRuntime {
	t.Helper()
	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return len(fb.runtimes) > i
	}, 2*time.Second, 5*time.Millisecond)
	return fb.runtime(i)
}

func TestLaunchFailureFailsAgentAndIsRetryable(t *testing.T) {
	fb := &fakeBridge{launchErr: errors.New("npx not found")}
	rec := &recorder{}
	a := newTestAgent(t, fb, rec, nil, nil)

	require.NoError(t, a.SendPrompt(context.Background(), "hello"))
	waitStatus(t, a, v1.StatusFailed)
	assert.Contains(t, a.Info().LastError, "npx not found")

	// The next prompt retries the launch.
	fb.mu.Lock()
	fb.launchErr = nil
	fb.auto = true
	fb.mu.Unlock()
	require.NoError(t, a.SendPrompt(context.Background(), "hello again"))
	waitStatus(t, a, v1.StatusCompleted)
	assert.Equal(t, []string{"hello again"}, fb.runtime(0).sentPrompts())
}

func TestChunkRunsShareMessageID(t *testing.T) {
	fb := &fakeBridge{}
	rec := &recorder{}
	a := newTestAgent(t, fb, rec, nil, nil)

	require.NoError(t, a.SendPrompt(context.Background(), "go"))
	rt := waitRuntime(t, fb, 0)
	turn := <-rt.turns

	onUpdate := fb.spec(0).OnUpdate
	onUpdate(&v1.SessionUpdate{Kind: v1.UpdateMessageChunk, Text: "Hel"})
	onUpdate(&v1.SessionUpdate{Kind: v1.UpdateReasoning, ReasoningText: "hmm"})
	onUpdate(&v1.SessionUpdate{Kind: v1.UpdateMessageChunk, Text: "lo"})
	onUpdate(&v1.SessionUpdate{Kind: v1.UpdateToolCall, ToolCallID: "tc-1", ToolName: "read"})
	onUpdate(&v1.SessionUpdate{Kind: v1.UpdateMessageChunk, Text: "More"})
	turn.respond <- turnResult{stop: "end_turn"}
	waitStatus(t, a, v1.StatusCompleted)

	chunks := rec.updatesOf(v1.UpdateMessageChunk)
	require.Len(t, chunks, 3)
	// Chunks before the tool call share one id even across an interleaved
	// reasoning chunk; the tool call ends the run.
	assert.NotEmpty(t, chunks[0].MessageID)
	assert.Equal(t, chunks[0].MessageID, chunks[1].MessageID)
	assert.NotEqual(t, chunks[0].MessageID, chunks[2].MessageID)

	reasoning := rec.updatesOf(v1.UpdateReasoning)
	require.Len(t, reasoning, 1)
	assert.NotEmpty(t, reasoning[0].MessageID)
	assert.NotEqual(t, chunks[0].MessageID, reasoning[0].MessageID)
}

func TestCancelReturnsAgentToReady(t *testing.T) {
	fb := &fakeBridge{}
	rec := &recorder{}
	a := newTestAgent(t, fb, rec, nil, nil)

	require.NoError(t, a.SendPrompt(context.Background(), "long task"))
	rt := waitRuntime(t, fb, 0)
	turn := <-rt.turns
	waitStatus(t, a, v1.StatusProcessing)

	cancelErr := make(chan error, 1)
	go func() { cancelErr <- a.CancelTurn(context.Background()) }()
	require.Eventually(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.cancelled
	}, 2*time.Second, 5*time.Millisecond)
	turn.respond <- turnResult{stop: "cancelled"}

	require.NoError(t, <-cancelErr)
	waitStatus(t, a, v1.StatusReady)
	assert.Equal(t, "cancelled", rec.updatesOf(v1.UpdateComplete)[0].StopReason)
}

func TestCancelForcesReadyWhenProviderHangs(t *testing.T) {
	fb := &fakeBridge{}
	rec := &recorder{}
	a := newTestAgent(t, fb, rec, nil, nil)

	require.NoError(t, a.SendPrompt(context.Background(), "stuck task"))
	rt := waitRuntime(t, fb, 0)
	turn := <-rt.turns
	waitStatus(t, a, v1.StatusProcessing)

	// The provider never acknowledges; the grace window forces ready.
	require.NoError(t, a.CancelTurn(context.Background()))
	assert.Equal(t, v1.StatusReady, a.Info().Status)

	// The stale turn outcome arrives late and must not resurrect the turn.
	turn.respond <- turnResult{stop: "end_turn"}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, v1.StatusReady, a.Info().Status)
	assert.Empty(t, rec.updatesOf(v1.UpdateComplete))
}

func TestCancelWithoutTurnFails(t *testing.T) {
	fb := &fakeBridge{auto: true}
	a := newTestAgent(t, fb, &recorder{}, nil, nil)
	assert.ErrorIs(t, a.CancelTurn(context.Background()), ErrNoTurnInFlight)
}

func TestProcessCrashMidTurnFailsAgent(t *testing.T) {
	fb := &fakeBridge{}
	rec := &recorder{}
	a := newTestAgent(t, fb, rec, nil, nil)

	require.NoError(t, a.SendPrompt(context.Background(), "task"))
	rt := waitRuntime(t, fb, 0)
	turn := <-rt.turns
	waitStatus(t, a, v1.StatusProcessing)

	fb.spec(0).OnExit(errors.New("exit status 1"))
	waitStatus(t, a, v1.StatusFailed)
	info := a.Info()
	assert.Contains(t, info.LastError, "exit status 1")
	assert.Contains(t, info.LastError, "boom")

	errs := rec.updatesOf(v1.UpdateError)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error, "exit status 1")

	// The stale prompt return must not overwrite the crash.
	turn.respond <- turnResult{stop: "end_turn"}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, v1.StatusFailed, a.Info().Status)
}

func TestSetMode(t *testing.T) {
	fb := &fakeBridge{
		auto:        true,
		currentMode: "default",
		modes:       []v1.SessionMode{{ID: "default", Name: "Default"}, {ID: "plan", Name: "Plan"}},
	}
	a := newTestAgent(t, fb, &recorder{}, nil, nil)

	assert.Error(t, a.SetMode(context.Background(), "plan"), "no live session yet")

	require.NoError(t, a.Initialize(context.Background()))
	assert.Equal(t, "default", a.Info().CurrentModeID)
	require.NoError(t, a.SetMode(context.Background(), "plan"))
	assert.Equal(t, "plan", a.Info().CurrentModeID)

	assert.ErrorIs(t, a.SetMode(context.Background(), "bogus"), ErrUnknownMode)
}

func TestSetModeSerializesConcurrentCalls(t *testing.T) {
	fb := &fakeBridge{
		auto:        true,
		currentMode: "default",
		modes:       []v1.SessionMode{{ID: "default", Name: "Default"}, {ID: "plan", Name: "Plan"}},
	}
	a := newTestAgent(t, fb, &recorder{}, nil, nil)
	require.NoError(t, a.Initialize(context.Background()))

	rt := waitRuntime(t, fb, 0)
	ack := make(chan struct{})
	rt.mu.Lock()
	rt.modeAck = ack
	rt.mu.Unlock()

	done := make(chan struct{}, 2)
	go func() { _ = a.SetMode(context.Background(), "plan"); done <- struct{}{} }()
	go func() { _ = a.SetMode(context.Background(), "default"); done <- struct{}{} }()

	// The second request must not reach the provider before the first ack.
	require.Eventually(t, func() bool { return len(rt.modes()) == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, rt.modes(), 1)

	ack <- struct{}{}
	require.Eventually(t, func() bool { return len(rt.modes()) == 2 },
		time.Second, 5*time.Millisecond)
	ack <- struct{}{}
	<-done
	<-done

	// The stored mode tracks the provider's last applied mode.
	calls := rt.modes()
	assert.Equal(t, calls[1], a.Info().CurrentModeID)
}

func TestInitializeSharedAcrossConcurrentCallers(t *testing.T) {
	fb := &fakeBridge{auto: true}
	a := newTestAgent(t, fb, &recorder{}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Initialize(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fb.launches)
}

func TestConversationIDIsMintedAndStable(t *testing.T) {
	fb := &fakeBridge{auto: true}
	a := newTestAgent(t, fb, &recorder{}, nil, nil)

	convID := a.Handle().ConversationID()
	require.NotEmpty(t, convID)

	require.NoError(t, a.SendPrompt(context.Background(), "hi"))
	waitStatus(t, a, v1.StatusCompleted)
	assert.Equal(t, convID, a.Handle().ConversationID())
}

// runTurnWithReply drives one full manual turn: waits for the prompt,
// streams an assistant reply, completes the turn.
func runTurnWithReply(t *testing.T, rt *fakeRuntime, fb *fakeBridge, launchIdx int, reply string) string {
	t.Helper()
	turn := <-rt.turns
	fb.spec(launchIdx).OnUpdate(&v1.SessionUpdate{Kind: v1.UpdateMessageChunk, Text: reply})
	turn.respond <- turnResult{stop: "end_turn"}
	return turn.text
}

func TestResumeReplaysHistoryAcrossTwoCycles(t *testing.T) {
	histDir := t.TempDir()
	hist, err := history.NewManager(histDir, nil)
	require.NoError(t, err)

	// Cycle 0: establish the fact.
	fb0 := &fakeBridge{}
	a0 := newTestAgent(t, fb0, &recorder{}, nil, hist)
	require.NoError(t, a0.SendPrompt(context.Background(), "remember: the launch code is 4242"))
	rt0 := waitRuntime(t, fb0, 0)
	sent0 := runTurnWithReply(t, rt0, fb0, 0, "Noted, the launch code is 4242.")
	assert.Equal(t, "remember: the launch code is 4242", sent0)
	waitStatus(t, a0, v1.StatusCompleted)
	h0 := a0.Handle()
	require.NoError(t, a0.Kill(context.Background()))

	// Cycle 1: resume; the provider rotates the session id, so the bridge
	// reports the old session as not loadable.
	fb1 := &fakeBridge{}
	a1 := newTestAgent(t, fb1, &recorder{}, h0, hist)
	require.NoError(t, a1.SendPrompt(context.Background(), "what is the launch code?"))
	rt1 := waitRuntime(t, fb1, 0)
	sent1 := runTurnWithReply(t, rt1, fb1, 0, "The launch code is 4242.")
	assert.Contains(t, sent1, "the launch code is 4242", "cycle-0 fact must be replayed")
	assert.Contains(t, sent1, "what is the launch code?")
	assert.Contains(t, sent1, "RESUME CONTEXT")
	waitStatus(t, a1, v1.StatusCompleted)
	h1 := a1.Handle()
	require.NoError(t, a1.Kill(context.Background()))

	// Same conversation, rotated session.
	assert.Equal(t, h0.ConversationID(), h1.ConversationID())
	assert.NotEqual(t, *h0.SessionID, *h1.SessionID)

	// Cycle 2: the fact from cycle 0 must still be in the replay even
	// though the session id rotated twice.
	fb2 := &fakeBridge{}
	a2 := newTestAgent(t, fb2, &recorder{}, h1, hist)
	require.NoError(t, a2.SendPrompt(context.Background(), "repeat the launch code"))
	rt2 := waitRuntime(t, fb2, 0)
	sent2 := runTurnWithReply(t, rt2, fb2, 0, "Still 4242.")
	assert.Contains(t, sent2, "4242")
	assert.Contains(t, sent2, "Noted, the launch code is 4242.")
	waitStatus(t, a2, v1.StatusCompleted)
}

func TestResumeWithNativeSessionLoadSkipsReplay(t *testing.T) {
	histDir := t.TempDir()
	hist, err := history.NewManager(histDir, nil)
	require.NoError(t, err)

	fb0 := &fakeBridge{auto: true}
	a0 := newTestAgent(t, fb0, &recorder{}, nil, hist)
	require.NoError(t, a0.SendPrompt(context.Background(), "remember X"))
	waitStatus(t, a0, v1.StatusCompleted)
	h0 := a0.Handle()
	require.NoError(t, a0.Kill(context.Background()))

	fb1 := &fakeBridge{auto: true, loadSession: true}
	a1 := newTestAgent(t, fb1, &recorder{}, h0, hist)
	require.NoError(t, a1.SendPrompt(context.Background(), "recall X"))
	waitStatus(t, a1, v1.StatusCompleted)

	// Native load keeps the session id and sends the prompt verbatim.
	sent := fb1.runtime(0).sentPrompts()
	require.Len(t, sent, 1)
	assert.Equal(t, "recall X", sent[0])
	assert.False(t, strings.Contains(sent[0], "RESUME CONTEXT"))
	assert.Equal(t, *h0.SessionID, *a1.Handle().SessionID)
}
