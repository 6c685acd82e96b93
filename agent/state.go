package agent

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pulse-ide/pulse/llm"
)

// Mode selects which tools a run is offered and whether mutating tools ever
// execute. It is fixed for the duration of a run.
type Mode string

const (
	ModeAgent Mode = "agent" // full toolset, mutations allowed behind the gate
	ModePlan  Mode = "plan"  // read-only inspection, produces a plan for review
	ModeAsk   Mode = "ask"   // read-only Q&A
)

// Phase is the orchestration loop's state-machine state.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseDeciding         Phase = "deciding"
	PhaseDispatching      Phase = "dispatching"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseCompacting       Phase = "compacting"
	PhaseTerminated       Phase = "terminated"
)

// TerminationReason records why a run reached PhaseTerminated.
type TerminationReason string

const (
	ReasonCompleted  TerminationReason = "completed"
	ReasonCancelled  TerminationReason = "cancelled"
	ReasonFatalError TerminationReason = "fatal-error"
)

// ImportantContext is the monotonic, deduplicated set of must-keep facts
// that survives every compaction. Facts keep insertion order and are never
// removed or re-summarized once captured.
type ImportantContext struct {
	mu    sync.Mutex
	facts []string
	seen  map[string]struct{}
}

// NewImportantContext creates an empty fact set.
func NewImportantContext() *ImportantContext {
	return &ImportantContext{seen: make(map[string]struct{})}
}

// Add records a fact if it has not been seen before. Empty facts are ignored.
func (c *ImportantContext) Add(fact string) {
	if fact == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[fact]; ok {
		return
	}
	c.seen[fact] = struct{}{}
	c.facts = append(c.facts, fact)
}

// Contains reports whether the fact has been recorded.
func (c *ImportantContext) Contains(fact string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[fact]
	return ok
}

// Facts returns a copy of all recorded facts in insertion order.
func (c *ImportantContext) Facts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.facts))
	copy(out, c.facts)
	return out
}

// Len returns the number of recorded facts.
func (c *ImportantContext) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.facts)
}

// ConversationState is the mutable record threaded through every step of a
// run. It is exclusively owned by one orchestration loop instance for the
// lifetime of the run; only the cancellation flag may be set from outside.
type ConversationState struct {
	SessionID string
	WorkDir   string
	Mode      Mode

	// Turns is append-only during a run; order is the model's context.
	Turns []Turn

	// PendingToolCalls is the most recent batch not yet resolved into
	// results. It is never partially resolved: either every entry has a
	// matching result appended, or the run is suspended or cancelled.
	PendingToolCalls []llm.ToolCall

	// PendingApproval is the at-most-one outstanding approval request.
	// Non-nil implies the loop is suspended.
	PendingApproval *ApprovalRequest

	// MemoryDigest is the condensed summary of compacted history.
	MemoryDigest string

	// Important is the monotonic retention set (original request, files
	// touched, decisions, errors).
	Important *ImportantContext

	cancelled atomic.Bool
}

// NewConversationState creates a fresh session state.
func NewConversationState(workDir string, mode Mode) *ConversationState {
	return &ConversationState{
		SessionID: uuid.New().String(),
		WorkDir:   workDir,
		Mode:      mode,
		Important: NewImportantContext(),
	}
}

// Cancel sets the cancellation flag. Safe to call from any goroutine at any
// time; the owning loop polls it and terminates at the next safe point.
func (s *ConversationState) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether cancellation has been requested.
func (s *ConversationState) Cancelled() bool {
	return s.cancelled.Load()
}

// ResetCancellation clears the flag before a new run starts.
func (s *ConversationState) ResetCancellation() {
	s.cancelled.Store(false)
}
