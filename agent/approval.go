package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalKind distinguishes what kind of action is being gated.
type ApprovalKind string

const (
	ApprovalPatch   ApprovalKind = "patch"
	ApprovalCommand ApprovalKind = "command"
)

// ApprovalRequest is surfaced to the external decision surface before a
// gated tool runs. The underlying tool function is never invoked until an
// explicit approve verdict arrives.
type ApprovalRequest struct {
	ID         string       `json:"id"`
	Kind       ApprovalKind `json:"kind"`
	ToolCallID string       `json:"tool_call_id"`
	ToolName   string       `json:"tool_name"`
	Preview    string       `json:"preview"` // diff or command string
	RiskLabel  RiskLabel    `json:"risk_label"`
	Rationale  string       `json:"rationale,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Verdict is the external decision on an approval request.
type Verdict struct {
	Approved        bool   `json:"approved"`
	Reason          string `json:"reason,omitempty"`
	EditedArguments []byte `json:"edited_arguments,omitempty"`
	TimedOut        bool   `json:"timed_out,omitempty"`
}

// ApprovalGate suspends the owning run until a verdict arrives. It blocks
// only the run, not the process: the waiting goroutine is parked on a
// channel that Resolve fulfills. An optional timeout treats silence as
// denial.
type ApprovalGate struct {
	mu        sync.Mutex
	pending   map[string]chan Verdict
	requests  map[string]*ApprovalRequest
	timeout   time.Duration // 0 means wait indefinitely
	onRequest func(*ApprovalRequest)
	auto      *Verdict // non-nil resolves every request immediately
}

// NewApprovalGate creates a gate. onRequest, when non-nil, is invoked as the
// UI notification hook for each new request.
func NewApprovalGate(timeout time.Duration, onRequest func(*ApprovalRequest)) *ApprovalGate {
	return &ApprovalGate{
		pending:   make(map[string]chan Verdict),
		requests:  make(map[string]*ApprovalRequest),
		timeout:   timeout,
		onRequest: onRequest,
	}
}

// NewAutoResolvingGate creates a gate that answers every request with the
// given verdict without waiting. Used by delegated sub-workflows (which are
// never allowed to pause on a human) and by tests.
func NewAutoResolvingGate(verdict Verdict) *ApprovalGate {
	g := NewApprovalGate(0, nil)
	g.auto = &verdict
	return g
}

// NewApprovalRequest builds a request with a fresh ID.
func NewApprovalRequest(kind ApprovalKind, toolCallID, toolName, preview string, risk RiskLabel, rationale string) *ApprovalRequest {
	return &ApprovalRequest{
		ID:         uuid.New().String(),
		Kind:       kind,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Preview:    preview,
		RiskLabel:  risk,
		Rationale:  rationale,
		CreatedAt:  time.Now(),
	}
}

// Request registers the approval request and parks until a verdict arrives,
// the timeout elapses (treated as denial), or ctx is cancelled. This is the
// single suspension point visible to the surrounding application.
func (g *ApprovalGate) Request(ctx context.Context, req *ApprovalRequest) (Verdict, error) {
	if g.auto != nil {
		return *g.auto, nil
	}

	ch := make(chan Verdict, 1)
	g.mu.Lock()
	g.pending[req.ID] = ch
	g.requests[req.ID] = req
	g.mu.Unlock()

	if g.onRequest != nil {
		g.onRequest(req)
	}

	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		delete(g.requests, req.ID)
		g.mu.Unlock()
	}()

	var timeoutCh <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case verdict := <-ch:
		return verdict, nil
	case <-timeoutCh:
		return Verdict{Approved: false, Reason: "approval timed out", TimedOut: true}, nil
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	}
}

// Resolve delivers an external verdict for a pending request.
func (g *ApprovalGate) Resolve(requestID string, verdict Verdict) error {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
		delete(g.requests, requestID)
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending approval request %q", requestID)
	}
	ch <- verdict
	return nil
}

// Pending returns the currently outstanding requests.
func (g *ApprovalGate) Pending() []*ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ApprovalRequest, 0, len(g.requests))
	for _, req := range g.requests {
		out = append(out, req)
	}
	return out
}
