package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pulse-ide/pulse/llm"
	"github.com/pulse-ide/pulse/metrics"
)

// TurnStore persists turns as they are appended. Persistence is best
// effort: a store failure is surfaced as a warning event and the run
// continues on the in-memory state.
type TurnStore interface {
	SaveTurn(sessionID string, turn Turn) error
}

// LoopConfig carries the tunables for one orchestration loop.
type LoopConfig struct {
	// Model is the model identifier passed on every completion request.
	Model string
	// SystemPrompt is prepended to every request.
	SystemPrompt string
	// MaxToolRounds bounds how many model/tool iterations a single run may
	// take. Zero means DefaultMaxToolRounds.
	MaxToolRounds int
	// RetryPolicy governs transient model-call failures. Zero value means
	// llm.DefaultRetryPolicy.
	RetryPolicy llm.RetryPolicy
	// CompactionBudgetTokens triggers history condensing; zero disables.
	CompactionBudgetTokens int
	// RetainTurns is how many recent turns compaction keeps verbatim.
	RetainTurns int
	// ApprovalTimeout bounds how long a gated tool call waits for a
	// verdict before it counts as denied.
	ApprovalTimeout time.Duration
	// ToolCharLimits and ToolLineLimits override per-tool output
	// truncation.
	ToolCharLimits map[string]int
	ToolLineLimits map[string]int
	// LoopDetection enables repeated-tool-call detection.
	LoopDetection bool
	// LoopDetectionWindow is how many recent tool calls are inspected.
	// Zero means DefaultLoopDetectionWindow.
	LoopDetectionWindow int
	// MaxWorkflowDepth bounds delegated sub-workflow nesting.
	MaxWorkflowDepth int
	// MediumRiskPatterns and HighRiskPatterns extend the built-in risk
	// classifier.
	MediumRiskPatterns []string
	HighRiskPatterns   []string
	// EventBufferSize sizes the event channel. Zero means
	// DefaultEventBufferSize.
	EventBufferSize int
}

const (
	DefaultMaxToolRounds       = 40
	DefaultLoopDetectionWindow = 6
	DefaultEventBufferSize     = 256
	DefaultApprovalTimeout     = 5 * time.Minute
)

// RunResult is the outcome of a completed run.
type RunResult struct {
	Reason    TerminationReason
	FinalText string
	Usage     llm.Usage
	Rounds    int
}

// Option customizes a Loop at construction.
type Option func(*Loop)

// WithStore attaches a turn store for best-effort persistence.
func WithStore(store TurnStore) Option {
	return func(l *Loop) { l.store = store }
}

// WithGate replaces the default approval gate.
func WithGate(gate *ApprovalGate) Option {
	return func(l *Loop) { l.gate = gate }
}

// WithLocks shares a run-lock table across loops, so that multiple loops
// over the same session still admit one run at a time.
func WithLocks(locks *SessionLocks) Option {
	return func(l *Loop) { l.locks = locks }
}

// WithCompactor replaces the default compactor.
func WithCompactor(c *Compactor) Option {
	return func(l *Loop) { l.compactor = c }
}

// Loop drives one conversation session: it alternates model calls and tool
// dispatch until the model produces a final answer, honoring cancellation,
// approvals, and history compaction along the way. A Loop exclusively owns
// its ConversationState; only Cancel, ResolveApproval, and InjectSteering
// are safe to call from other goroutines while a run is active.
type Loop struct {
	cfg        LoopConfig
	client     llm.Client
	registry   *Registry
	state      *ConversationState
	gate       *ApprovalGate
	locks      *SessionLocks
	store      TurnStore
	emitter    *EventEmitter
	compactor  *Compactor
	dispatcher *Dispatcher

	mu       sync.Mutex
	phase    Phase
	steering []string
}

// NewLoop wires a loop for the given session state.
func NewLoop(client llm.Client, registry *Registry, state *ConversationState, cfg LoopConfig, opts ...Option) *Loop {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.LoopDetectionWindow <= 0 {
		cfg.LoopDetectionWindow = DefaultLoopDetectionWindow
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultEventBufferSize
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	if cfg.RetryPolicy.MaxRetries == 0 && cfg.RetryPolicy.BaseDelay == 0 {
		cfg.RetryPolicy = llm.DefaultRetryPolicy()
	}

	l := &Loop{
		cfg:      cfg,
		client:   client,
		registry: registry,
		state:    state,
		locks:    NewSessionLocks(),
		emitter:  NewEventEmitter(state.SessionID, cfg.EventBufferSize),
		phase:    PhaseIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.gate == nil {
		l.gate = NewApprovalGate(cfg.ApprovalTimeout, nil)
	}
	if l.compactor == nil && cfg.CompactionBudgetTokens > 0 {
		l.compactor = NewCompactor(client, nil, CompactorConfig{
			BudgetTokens: cfg.CompactionBudgetTokens,
			RetainTurns:  cfg.RetainTurns,
			Model:        cfg.Model,
		})
	}
	risk := NewRiskClassifier(cfg.MediumRiskPatterns, cfg.HighRiskPatterns)
	l.dispatcher = NewDispatcher(registry, l.gate, risk, l.emitter,
		cfg.ToolCharLimits, cfg.ToolLineLimits, state.Cancelled, l)
	return l
}

// State returns the session state owned by this loop.
func (l *Loop) State() *ConversationState { return l.state }

// Events returns the loop's event stream.
func (l *Loop) Events() <-chan Event { return l.emitter.Events() }

// Phase returns the loop's current state-machine phase.
func (l *Loop) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Cancel requests cooperative cancellation of the active run.
func (l *Loop) Cancel() {
	l.state.Cancel()
}

// ResolveApproval delivers an external verdict for a pending approval
// request.
func (l *Loop) ResolveApproval(requestID string, verdict Verdict) error {
	return l.gate.Resolve(requestID, verdict)
}

// Gate exposes the approval gate, for hosts that surface pending requests.
func (l *Loop) Gate() *ApprovalGate { return l.gate }

// InjectSteering queues a mid-run user instruction. It is folded into the
// history at the start of the next deciding step, never mid-dispatch.
func (l *Loop) InjectSteering(content string) {
	l.mu.Lock()
	l.steering = append(l.steering, content)
	l.mu.Unlock()
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	prev := l.phase
	l.phase = p
	l.mu.Unlock()
	if prev != p {
		l.emitter.Emit(EventPhaseChange, map[string]any{"from": string(prev), "to": string(p)})
	}
}

// AwaitingApproval implements DispatchObserver.
func (l *Loop) AwaitingApproval(req *ApprovalRequest) {
	l.state.PendingApproval = req
	l.setPhase(PhaseAwaitingApproval)
}

// ResumedDispatching implements DispatchObserver.
func (l *Loop) ResumedDispatching() {
	l.state.PendingApproval = nil
	l.setPhase(PhaseDispatching)
}

// appendTurn records a turn on the state and persists it best-effort.
func (l *Loop) appendTurn(turn Turn) {
	l.state.Turns = append(l.state.Turns, turn)
	l.persistTurn(turn)
}

// persistTurn writes a turn through the store, best-effort.
func (l *Loop) persistTurn(turn Turn) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveTurn(l.state.SessionID, turn); err != nil {
		l.emitter.Emit(EventWarning, map[string]any{
			"warning": fmt.Sprintf("persist turn: %v", err),
		})
	}
}

// drainSteering folds queued steering messages into the history.
func (l *Loop) drainSteering() {
	l.mu.Lock()
	queued := l.steering
	l.steering = nil
	l.mu.Unlock()
	for _, content := range queued {
		l.appendTurn(NewSteeringTurn(content))
		l.emitter.Emit(EventSteeringInjected, map[string]any{"content": content})
	}
}

// Run executes one full turn of the conversation: the user's input goes
// in, and the loop iterates model calls and tool dispatch until the model
// answers in plain text, the run is cancelled, or a fatal error occurs.
//
// A session admits one run at a time; a concurrent call returns
// ErrConcurrentRun without touching state. Cancellation terminates with
// ReasonCancelled and a nil error; fatal errors terminate with
// ReasonFatalError and the error, with the transcript up to that point
// preserved on the state.
func (l *Loop) Run(ctx context.Context, userInput string) (*RunResult, error) {
	if err := l.locks.Acquire(l.state.SessionID); err != nil {
		return nil, err
	}
	defer l.locks.Release(l.state.SessionID)

	l.state.ResetCancellation()
	metrics.RunStarted(string(l.state.Mode))
	l.emitter.Emit(EventRunStart, map[string]any{"mode": string(l.state.Mode)})

	l.appendTurn(NewUserTurn(userInput))

	var totalUsage llm.Usage
	var lastText string

	for round := 1; round <= l.cfg.MaxToolRounds; round++ {
		if l.state.Cancelled() {
			return l.terminate(ReasonCancelled, lastText, totalUsage, round, nil)
		}

		l.maybeCompact(ctx)

		if l.state.Cancelled() {
			return l.terminate(ReasonCancelled, lastText, totalUsage, round, nil)
		}

		l.setPhase(PhaseDeciding)
		l.emitter.Status("Thinking…")
		l.drainSteering()

		resp, err := l.complete(ctx)
		if err != nil {
			if l.state.Cancelled() || errors.Is(err, context.Canceled) {
				return l.terminate(ReasonCancelled, lastText, totalUsage, round, nil)
			}
			res, _ := l.terminate(ReasonFatalError, lastText, totalUsage, round, err)
			return res, err
		}

		totalUsage = totalUsage.Add(resp.Usage)
		metrics.TokensUsed(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		lastText = resp.Text()
		l.appendTurn(NewAssistantTurn(resp.Text(), resp.ToolCalls(), resp.Usage, resp.ID))

		toolCalls := resp.ToolCalls()
		if len(toolCalls) == 0 {
			return l.terminate(ReasonCompleted, lastText, totalUsage, round, nil)
		}

		// Cancellation requested while the model call was in flight: the
		// returned tool calls are never dispatched.
		if l.state.Cancelled() {
			return l.terminate(ReasonCancelled, lastText, totalUsage, round, nil)
		}

		if l.cfg.LoopDetection && DetectLoop(l.state.Turns, l.cfg.LoopDetectionWindow) {
			l.emitter.Emit(EventWarning, map[string]any{"warning": "repeated tool-call pattern detected"})
			l.appendTurn(NewSteeringTurn("You appear to be repeating the same tool calls. Step back, reconsider the approach, and either try something different or answer with what you have."))
		}

		l.state.PendingToolCalls = toolCalls
		l.setPhase(PhaseDispatching)
		l.emitter.Status("Running tools…")

		outputs, err := l.dispatcher.Dispatch(ctx, toolCalls)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return l.terminate(ReasonCancelled, lastText, totalUsage, round, nil)
			}
			res, _ := l.terminate(ReasonFatalError, lastText, totalUsage, round, err)
			return res, err
		}

		l.state.PendingToolCalls = nil
		l.appendTurn(NewToolResultsTurn(outputs))
	}

	l.emitter.Emit(EventWarning, map[string]any{"warning": "max tool rounds reached"})
	return l.terminate(ReasonCompleted, lastText, totalUsage, l.cfg.MaxToolRounds, nil)
}

// maybeCompact condenses history when it outgrows the budget. Compaction
// failures are non-fatal; the run continues on the full history.
func (l *Loop) maybeCompact(ctx context.Context) {
	if l.compactor == nil || !l.compactor.NeedsCompaction(l.state.Turns) {
		return
	}
	l.setPhase(PhaseCompacting)
	l.emitter.Status("Condensing history…")

	var prev *RecapTurn
	if len(l.state.Turns) > 0 && l.state.Turns[0].Kind == TurnRecap {
		prev = l.state.Turns[0].Recap
	}
	if err := l.compactor.Compact(ctx, l.state); err != nil {
		l.emitter.Emit(EventWarning, map[string]any{
			"warning": fmt.Sprintf("compaction: %v", err),
		})
		return
	}
	// Write the fresh recap through the store so a resumed session recovers
	// the digest and retention set.
	if len(l.state.Turns) > 0 && l.state.Turns[0].Kind == TurnRecap && l.state.Turns[0].Recap != prev {
		l.persistTurn(l.state.Turns[0])
	}
}

// complete runs one model call with retry on transient transport failures.
func (l *Loop) complete(ctx context.Context) (*llm.Response, error) {
	req := llm.Request{
		Model:    l.cfg.Model,
		Messages: l.buildMessages(),
		ToolDefs: l.registry.ForMode(l.state.Mode).Definitions(),
	}
	return llm.Retry(ctx, l.cfg.RetryPolicy, func(ctx context.Context) (*llm.Response, error) {
		resp, err := l.client.Complete(ctx, req)
		if err != nil {
			metrics.ModelCall("error")
			return nil, err
		}
		metrics.ModelCall("ok")
		return resp, nil
	})
}

func (l *Loop) buildMessages() []llm.Message {
	msgs := make([]llm.Message, 0, len(l.state.Turns)+1)
	if l.cfg.SystemPrompt != "" {
		msgs = append(msgs, llm.SystemMessage(l.cfg.SystemPrompt))
	}
	return append(msgs, TurnsToMessages(l.state.Turns)...)
}

func (l *Loop) terminate(reason TerminationReason, finalText string, usage llm.Usage, rounds int, cause error) (*RunResult, error) {
	l.setPhase(PhaseTerminated)
	metrics.RunEnded(string(reason))
	data := map[string]any{"reason": string(reason), "rounds": rounds}
	if cause != nil {
		data["error"] = cause.Error()
	}
	l.emitter.Emit(EventRunEnd, data)
	return &RunResult{
		Reason:    reason,
		FinalText: finalText,
		Usage:     usage,
		Rounds:    rounds,
	}, cause
}
