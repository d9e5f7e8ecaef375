// Package permission implements the broker that turns an agent's mid-task
// approval requests into a request/response handshake with an operator.
package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// ErrUnknownRequest is returned when responding to a request id that is
// stale, already resolved, or never existed. The first response to a
// request wins; the loser of a respond race observes this error.
var ErrUnknownRequest = errors.New("unknown permission request")

type pendingRequest struct {
	req      *v1.PermissionRequest
	raisedAt int64 // insertion counter, not wall time
	resolved chan v1.PermissionResolution
}

// Broker tracks every outstanding approval across all agents. Requests are
// keyed by (agentId, requestId), removed on resolution or when the owning
// agent is killed.
type Broker struct {
	mu      sync.Mutex
	pending map[string]map[string]*pendingRequest // agentID -> requestID
	counter int64
	waiters map[string][]chan *v1.PermissionRequest
	logger  *logger.Logger
}

// NewBroker creates an empty broker.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		pending: make(map[string]map[string]*pendingRequest),
		waiters: make(map[string][]chan *v1.PermissionRequest),
		logger:  log.WithComponent("permission-broker"),
	}
}

// Raise registers a new request and blocks until it is resolved, the
// owning agent is discarded, or ctx fires. A discarded or cancelled wait
// yields a resolution with Cancelled set, mirroring what the provider
// receives.
func (b *Broker) Raise(ctx context.Context, req *v1.PermissionRequest) (v1.PermissionResolution, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	pr := &pendingRequest{
		req:      req,
		raisedAt: b.counter,
		resolved: make(chan v1.PermissionResolution, 1),
	}
	b.counter++
	if b.pending[req.AgentID] == nil {
		b.pending[req.AgentID] = make(map[string]*pendingRequest)
	}
	b.pending[req.AgentID][req.RequestID] = pr

	// Wake everyone waiting on this agent.
	waiters := b.waiters[req.AgentID]
	delete(b.waiters, req.AgentID)
	b.mu.Unlock()

	for _, w := range waiters {
		w <- req
	}

	b.logger.Debug("permission request raised",
		zap.String("agent_id", req.AgentID),
		zap.String("request_id", req.RequestID))

	select {
	case resolution := <-pr.resolved:
		return resolution, nil
	case <-ctx.Done():
		b.remove(req.AgentID, req.RequestID)
		// A response can land between ctx firing and the removal; the
		// response wins.
		select {
		case resolution := <-pr.resolved:
			return resolution, nil
		default:
			return v1.PermissionResolution{RequestID: req.RequestID, Cancelled: true}, nil
		}
	}
}

// Respond resolves an outstanding request with the chosen option id.
// Responding twice to the same id fails with ErrUnknownRequest on the
// second call.
func (b *Broker) Respond(agentID, requestID, optionID string) error {
	b.mu.Lock()
	pr, ok := b.pending[agentID][requestID]
	if ok {
		delete(b.pending[agentID], requestID)
		if len(b.pending[agentID]) == 0 {
			delete(b.pending, agentID)
		}
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknownRequest
	}

	pr.resolved <- v1.PermissionResolution{RequestID: requestID, OptionID: optionID}
	b.logger.Info("permission request resolved",
		zap.String("agent_id", agentID),
		zap.String("request_id", requestID),
		zap.String("option_id", optionID))
	return nil
}

// List returns all outstanding requests across agents in insertion order.
func (b *Broker) List() []*v1.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	var prs []*pendingRequest
	for _, byID := range b.pending {
		for _, pr := range byID {
			prs = append(prs, pr)
		}
	}
	// Insertion order across all agents.
	for i := 1; i < len(prs); i++ {
		for j := i; j > 0 && prs[j-1].raisedAt > prs[j].raisedAt; j-- {
			prs[j-1], prs[j] = prs[j], prs[j-1]
		}
	}

	out := make([]*v1.PermissionRequest, len(prs))
	for i, pr := range prs {
		out[i] = pr.req
	}
	return out
}

// WaitFor blocks until a permission request is outstanding for the agent
// or ctx fires. An already-outstanding request is returned immediately
// (the oldest first) so callers never miss a request raised before they
// subscribed.
func (b *Broker) WaitFor(ctx context.Context, agentID string) (*v1.PermissionRequest, error) {
	b.mu.Lock()
	var oldest *pendingRequest
	for _, pr := range b.pending[agentID] {
		if oldest == nil || pr.raisedAt < oldest.raisedAt {
			oldest = pr
		}
	}
	if oldest != nil {
		b.mu.Unlock()
		return oldest.req, nil
	}

	ch := make(chan *v1.PermissionRequest, 1)
	b.waiters[agentID] = append(b.waiters[agentID], ch)
	b.mu.Unlock()

	select {
	case req := <-ch:
		return req, nil
	case <-ctx.Done():
		b.removeWaiter(agentID, ch)
		// The raise and the cancellation can race; if the request landed
		// first, hand it over instead of failing.
		select {
		case req := <-ch:
			return req, nil
		default:
			return nil, ctx.Err()
		}
	}
}

// DiscardAgent resolves every outstanding request for an agent as
// cancelled. Used on the killed transition so nothing dangles.
func (b *Broker) DiscardAgent(agentID string) {
	b.mu.Lock()
	byID := b.pending[agentID]
	delete(b.pending, agentID)
	b.mu.Unlock()

	for requestID, pr := range byID {
		pr.resolved <- v1.PermissionResolution{RequestID: requestID, Cancelled: true}
	}
	if len(byID) > 0 {
		b.logger.Info("discarded outstanding permission requests",
			zap.String("agent_id", agentID),
			zap.Int("count", len(byID)))
	}
}

func (b *Broker) remove(agentID, requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if byID := b.pending[agentID]; byID != nil {
		delete(byID, requestID)
		if len(byID) == 0 {
			delete(b.pending, agentID)
		}
	}
}

func (b *Broker) removeWaiter(agentID string, ch chan *v1.PermissionRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiters := b.waiters[agentID]
	for i, w := range waiters {
		if w == ch {
			b.waiters[agentID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(b.waiters[agentID]) == 0 {
		delete(b.waiters, agentID)
	}
}
