package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/pulse-ide/pulse/llm"
	"github.com/pulse-ide/pulse/metrics"
)

// DispatchObserver lets the owning loop track suspension: the dispatcher
// reports when it parks on the approval gate and when it resumes.
type DispatchObserver interface {
	AwaitingApproval(req *ApprovalRequest)
	ResumedDispatching()
}

// Dispatcher executes one batch of tool-call requests. For every request it
// produces exactly one ToolOutput, delivered in the same relative order the
// requests were issued, regardless of internal completion order.
type Dispatcher struct {
	registry   *Registry
	gate       *ApprovalGate
	risk       *RiskClassifier
	emitter    *EventEmitter
	charLimits map[string]int
	lineLimits map[string]int
	cancelled  func() bool
	observer   DispatchObserver
}

// NewDispatcher wires a dispatcher to its collaborators. cancelled is polled
// before the batch starts, before each sequential invocation, and after the
// gate resumes; observer may be nil.
func NewDispatcher(registry *Registry, gate *ApprovalGate, risk *RiskClassifier, emitter *EventEmitter, charLimits, lineLimits map[string]int, cancelled func() bool, observer DispatchObserver) *Dispatcher {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &Dispatcher{
		registry:   registry,
		gate:       gate,
		risk:       risk,
		emitter:    emitter,
		charLimits: charLimits,
		lineLimits: lineLimits,
		cancelled:  cancelled,
		observer:   observer,
	}
}

// Dispatch executes the batch. Requests are parallel-safe iff their registry
// entry is read-only and not approval-required. The leading run of
// parallel-safe requests executes concurrently; the first request that is
// not parallel-safe forces the remainder of the batch to run strictly
// sequentially, in order, each waiting for everything before it. Returns
// ErrCancelled when the cancellation flag stops the batch before all
// requests resolved; in that case no partial results are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []llm.ToolCall) ([]ToolOutput, error) {
	// Cancellation set before dispatch means nothing starts, not even the
	// parallel-safe fan-out.
	if d.cancelled() {
		return nil, ErrCancelled
	}

	outputs := make([]ToolOutput, len(batch))

	entries := make([]*Tool, len(batch))
	for i, call := range batch {
		entries[i] = d.registry.Get(call.Name)
	}

	// Length of the leading parallel-safe run.
	parallel := 0
	for parallel < len(batch) {
		e := entries[parallel]
		if e == nil || !e.ParallelSafe() {
			break
		}
		parallel++
	}

	if parallel > 1 {
		var wg sync.WaitGroup
		for i := 0; i < parallel; i++ {
			wg.Add(1)
			go func(idx int, call llm.ToolCall) {
				defer wg.Done()
				outputs[idx] = d.executeOne(ctx, call, entries[idx])
			}(i, batch[i])
		}
		wg.Wait()
	} else if parallel == 1 {
		outputs[0] = d.executeOne(ctx, batch[0], entries[0])
	}

	for i := parallel; i < len(batch); i++ {
		if d.cancelled() {
			return nil, ErrCancelled
		}

		call := batch[i]
		entry := entries[i]
		if entry == nil {
			outputs[i] = unknownToolOutput(call)
			continue
		}

		if entry.RequiresApproval {
			// Validate before bothering the user: malformed arguments
			// fail without a gate round-trip and without invoking.
			if err := ValidateArguments(entry.InputSchema, call.Arguments); err != nil {
				outputs[i] = invalidArgumentsOutput(call, err)
				continue
			}

			verdict, err := d.awaitApproval(ctx, call, entry)
			if err != nil {
				return nil, err
			}
			if d.cancelled() {
				// Cancellation set while suspended: the gated tool is
				// never invoked.
				return nil, ErrCancelled
			}
			if !verdict.Approved {
				outputs[i] = deniedOutput(call, verdict)
				continue
			}
			if len(verdict.EditedArguments) > 0 {
				call.Arguments = verdict.EditedArguments
			}
		}

		outputs[i] = d.executeOne(ctx, call, entry)
	}

	return outputs, nil
}

// awaitApproval builds the approval request, hands control to the gate, and
// parks until the external verdict arrives.
func (d *Dispatcher) awaitApproval(ctx context.Context, call llm.ToolCall, entry *Tool) (Verdict, error) {
	preview := ApprovalPreview{
		Kind:    ApprovalCommand,
		Preview: string(call.Arguments),
	}
	if entry.Previewer != nil {
		preview = entry.Previewer(call.Arguments)
	}

	req := NewApprovalRequest(preview.Kind, call.ID, call.Name, preview.Preview, d.risk.Classify(preview.Preview), preview.Rationale)

	if d.observer != nil {
		d.observer.AwaitingApproval(req)
	}
	d.emitter.Emit(EventApprovalRequest, map[string]any{
		"request_id": req.ID,
		"tool_name":  req.ToolName,
		"kind":       string(req.Kind),
		"risk":       string(req.RiskLabel),
	})
	d.emitter.Status("Waiting for approval…")

	verdict, err := d.gate.Request(ctx, req)

	if d.observer != nil {
		d.observer.ResumedDispatching()
	}
	if err != nil {
		return Verdict{}, err
	}

	outcome := "denied"
	if verdict.Approved {
		outcome = "approved"
	} else if verdict.TimedOut {
		outcome = "timed_out"
	}
	d.emitter.Emit(EventApprovalResolved, map[string]any{
		"request_id": req.ID,
		"outcome":    outcome,
	})
	metrics.ApprovalResolved(outcome)

	return verdict, nil
}

// executeOne handles the full pipeline for a single non-gated invocation:
// validate, invoke, truncate, emit.
func (d *Dispatcher) executeOne(ctx context.Context, call llm.ToolCall, entry *Tool) ToolOutput {
	if entry == nil {
		return unknownToolOutput(call)
	}

	status := "Running " + entry.Name + "…"
	if entry.StatusLine != nil {
		if line := entry.StatusLine(call.Arguments); line != "" {
			status = line
		}
	}
	d.emitter.Status(status)
	d.emitter.Emit(EventToolCallStart, map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
	})

	if err := ValidateArguments(entry.InputSchema, call.Arguments); err != nil {
		out := invalidArgumentsOutput(call, err)
		d.finish(call, out)
		return out
	}

	raw, err := entry.Invoke(ctx, call.Arguments)
	if err != nil {
		out := ToolOutput{
			ToolCallID:       call.ID,
			Success:          false,
			Error:            fmt.Sprintf("tool %s failed: %v", call.Name, err),
			Failure:          FailureToolExecution,
			Summary:          fmt.Sprintf("%s failed", call.Name),
			RequiresApproval: entry.RequiresApproval,
		}
		d.finish(call, out)
		return out
	}

	out := ToolOutput{
		ToolCallID:       call.ID,
		Success:          true,
		Result:           TruncateToolOutput(raw, call.Name, d.charLimits, d.lineLimits),
		Summary:          fmt.Sprintf("%s ok", call.Name),
		RequiresApproval: entry.RequiresApproval,
	}
	d.finish(call, out)
	return out
}

func (d *Dispatcher) finish(call llm.ToolCall, out ToolOutput) {
	status := "ok"
	if !out.Success {
		status = string(out.Failure)
	}
	metrics.ToolCall(call.Name, status)
	data := map[string]any{
		"call_id":   call.ID,
		"tool_name": call.Name,
		"success":   out.Success,
	}
	if !out.Success {
		data["error"] = out.Error
	}
	d.emitter.Emit(EventToolCallEnd, data)
}

func unknownToolOutput(call llm.ToolCall) ToolOutput {
	return ToolOutput{
		ToolCallID: call.ID,
		Success:    false,
		Error:      fmt.Sprintf("unknown tool: %s", call.Name),
		Failure:    FailureUnknownTool,
		Summary:    fmt.Sprintf("%s unavailable", call.Name),
	}
}

func invalidArgumentsOutput(call llm.ToolCall, err error) ToolOutput {
	return ToolOutput{
		ToolCallID: call.ID,
		Success:    false,
		Error:      fmt.Sprintf("invalid arguments for %s: %v", call.Name, err),
		Failure:    FailureInvalidArguments,
		Summary:    fmt.Sprintf("%s rejected", call.Name),
	}
}

// deniedOutput synthesizes the failed result the model sees after a denial
// or timeout, so refusals are ordinary tool failures rather than silent
// no-ops. The underlying tool function is never invoked.
func deniedOutput(call llm.ToolCall, verdict Verdict) ToolOutput {
	failure := FailureApprovalDenied
	msg := "the user denied approval for this action"
	if verdict.TimedOut {
		failure = FailureApprovalTimeout
		msg = "the approval request timed out and was treated as denied"
	}
	if verdict.Reason != "" {
		msg += ": " + verdict.Reason
	}
	return ToolOutput{
		ToolCallID:       call.ID,
		Success:          false,
		Error:            msg,
		Failure:          failure,
		Summary:          fmt.Sprintf("%s not approved", call.Name),
		RequiresApproval: true,
	}
}
