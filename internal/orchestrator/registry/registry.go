// Package registry lets callers observe agent activity without polling:
// synchronous per-agent subscriptions plus one-shot status waits.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

var (
	// ErrTimeout means the awaited condition did not hold in time.
	ErrTimeout = errors.New("wait timed out")
	// ErrAborted means the caller's cancellation signal fired first.
	ErrAborted = errors.New("wait aborted")
)

// StatusPredicate decides whether a snapshot satisfies a waiter.
type StatusPredicate func(*v1.AgentInfo) bool

type subscriber struct {
	id       int64
	callback func(*v1.AgentUpdate)
}

type statusWaiter struct {
	predicate StatusPredicate
	result    chan *v1.AgentInfo // buffered, written at most once
	done      bool
}

// Registry fans AgentUpdates out to subscribers and resolves status waits.
// Callbacks run synchronously on the emitting goroutine, in emission
// order; the engine relies on that for its ordered-observation guarantee.
type Registry struct {
	mu          sync.Mutex
	nextID      int64
	subscribers map[string][]*subscriber
	waiters     map[string][]*statusWaiter
	snapshots   map[string]*v1.AgentInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subscribers: make(map[string][]*subscriber),
		waiters:     make(map[string][]*statusWaiter),
		snapshots:   make(map[string]*v1.AgentInfo),
	}
}

// Subscribe registers a callback for every update on one agent. The
// returned function unsubscribes; it is safe to call more than once.
func (r *Registry) Subscribe(agentID string, callback func(*v1.AgentUpdate)) func() {
	r.mu.Lock()
	sub := &subscriber{id: r.nextID, callback: callback}
	r.nextID++
	r.subscribers[agentID] = append(r.subscribers[agentID], sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			subs := r.subscribers[agentID]
			for i, s := range subs {
				if s.id == sub.id {
					r.subscribers[agentID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(r.subscribers[agentID]) == 0 {
				delete(r.subscribers, agentID)
			}
		})
	}
}

// Notify delivers one update to every subscriber of the agent,
// synchronously and in subscription order.
func (r *Registry) Notify(agentID string, update *v1.AgentUpdate) {
	r.mu.Lock()
	subs := make([]*subscriber, len(r.subscribers[agentID]))
	copy(subs, r.subscribers[agentID])
	r.mu.Unlock()

	for _, sub := range subs {
		sub.callback(update)
	}
}

// NotifyStatus records the latest snapshot for an agent and resolves any
// waiter whose predicate it satisfies. Each waiter resolves at most once.
// A snapshot older than the cached one (engine seeds can race transition
// hooks) is dropped so the cache never regresses.
func (r *Registry) NotifyStatus(agentID string, info *v1.AgentInfo) {
	r.mu.Lock()
	if cached, ok := r.snapshots[agentID]; ok && info.LastActivityAt.Before(cached.LastActivityAt) {
		r.mu.Unlock()
		return
	}
	r.snapshots[agentID] = info

	waiters := r.waiters[agentID]
	remaining := waiters[:0]
	var resolved []*statusWaiter
	for _, w := range waiters {
		if !w.done && w.predicate(info) {
			w.done = true
			resolved = append(resolved, w)
			continue
		}
		if !w.done {
			remaining = append(remaining, w)
		}
	}
	r.waiters[agentID] = remaining
	r.mu.Unlock()

	for _, w := range resolved {
		w.result <- info
	}
}

// Forget drops the cached snapshot for a deleted agent.
func (r *Registry) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots, agentID)
}

// WaitStatus blocks until a status snapshot of the agent satisfies the
// predicate. The current snapshot counts, so a condition that already
// holds resolves immediately. Fails with ErrTimeout when timeout elapses
// (0 means no timeout) and ErrAborted when ctx fires; if the condition and
// the cancellation race, whichever lands first wins and the other is a
// no-op.
func (r *Registry) WaitStatus(ctx context.Context, agentID string, predicate StatusPredicate, timeout time.Duration) (*v1.AgentInfo, error) {
	r.mu.Lock()
	if snap, ok := r.snapshots[agentID]; ok && predicate(snap) {
		r.mu.Unlock()
		return snap, nil
	}
	w := &statusWaiter{
		predicate: predicate,
		result:    make(chan *v1.AgentInfo, 1),
	}
	r.waiters[agentID] = append(r.waiters[agentID], w)
	r.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case info := <-w.result:
		return info, nil
	case <-timeoutCh:
		if info, ok := r.abandon(agentID, w); ok {
			return info, nil
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		if info, ok := r.abandon(agentID, w); ok {
			return info, nil
		}
		return nil, ErrAborted
	}
}

// abandon withdraws a waiter. If a notification resolved it concurrently,
// abandon loses the race and returns the delivered snapshot.
func (r *Registry) abandon(agentID string, w *statusWaiter) (*v1.AgentInfo, bool) {
	r.mu.Lock()
	alreadyResolved := w.done
	if !alreadyResolved {
		w.done = true
		waiters := r.waiters[agentID]
		for i, cand := range waiters {
			if cand == w {
				r.waiters[agentID] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if alreadyResolved {
		return <-w.result, true
	}
	return nil, false
}
