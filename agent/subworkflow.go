package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulse-ide/pulse/llm"
)

// DefaultMaxWorkflowDepth bounds how deep delegate_workflow calls may nest.
const DefaultMaxWorkflowDepth = 2

// WorkflowToolName is the registry name of the delegation tool.
const WorkflowToolName = "delegate_workflow"

// WorkflowResult is the structured outcome a delegated sub-workflow hands
// back to its parent. The parent sees only this; none of the child's
// intermediate turns leak into the parent history.
type WorkflowResult struct {
	Output    string `json:"output"`
	Success   bool   `json:"success"`
	TurnsUsed int    `json:"turns_used"`
}

// WorkflowRunner executes delegated sub-workflows. Each delegation gets a
// fresh ConversationState (own session ID, empty history, own important
// context) so failures and context growth stay contained. Sub-workflows
// run with an auto-denying approval gate: anything that would need human
// sign-off fails inside the child instead of surfacing a prompt the parent
// cannot route.
type WorkflowRunner struct {
	client   llm.Client
	registry *Registry
	cfg      LoopConfig
	workDir  string
	mode     Mode
	depth    int
	maxDepth int
}

// NewWorkflowRunner creates a runner for top-level delegations. cfg is the
// loop configuration children inherit; maxDepth bounds nesting (zero means
// DefaultMaxWorkflowDepth).
func NewWorkflowRunner(client llm.Client, registry *Registry, cfg LoopConfig, workDir string, mode Mode, maxDepth int) *WorkflowRunner {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxWorkflowDepth
	}
	return &WorkflowRunner{
		client:   client,
		registry: registry,
		cfg:      cfg,
		workDir:  workDir,
		mode:     mode,
		maxDepth: maxDepth,
	}
}

// CanDelegate reports whether another level of delegation is allowed.
func (r *WorkflowRunner) CanDelegate() bool {
	return r.depth < r.maxDepth
}

// Run executes one delegated task synchronously and returns its structured
// result. The child conversation is isolated from the parent: a child
// failure is reported in the result, never as an error that aborts the
// parent run.
func (r *WorkflowRunner) Run(ctx context.Context, task string) (*WorkflowResult, error) {
	if !r.CanDelegate() {
		return nil, fmt.Errorf("workflow depth limit reached (%d)", r.maxDepth)
	}

	childState := NewConversationState(r.workDir, r.mode)

	childRegistry := r.registry.Clone()
	childRegistry.Unregister(WorkflowToolName)
	child := NewWorkflowRunner(r.client, childRegistry, r.cfg, r.workDir, r.mode, r.maxDepth)
	child.depth = r.depth + 1
	if child.CanDelegate() {
		RegisterWorkflowTool(childRegistry, child)
	}

	deny := Verdict{Approved: false, Reason: "approvals are not available inside delegated workflows"}
	loop := NewLoop(r.client, childRegistry, childState, r.cfg,
		WithGate(NewAutoResolvingGate(deny)))

	res, err := loop.Run(ctx, task)
	if err != nil {
		return &WorkflowResult{
			Output:    fmt.Sprintf("workflow failed: %v", err),
			Success:   false,
			TurnsUsed: len(childState.Turns),
		}, nil
	}

	return &WorkflowResult{
		Output:    res.FinalText,
		Success:   res.Reason == ReasonCompleted,
		TurnsUsed: len(childState.Turns),
	}, nil
}

type workflowArgs struct {
	Task string `json:"task"`
}

// RegisterWorkflowTool installs the delegate_workflow tool backed by the
// given runner. The tool is agentic: not read-only, never parallel-safe,
// and without an approval gate of its own; gated actions inside the child
// are auto-denied instead.
func RegisterWorkflowTool(registry *Registry, runner *WorkflowRunner) {
	registry.Register(&Tool{
		Name:        WorkflowToolName,
		Description: "Delegate a self-contained task to an isolated sub-workflow and return its result.",
		Kind:        ToolAgentic,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "Complete description of the task to delegate.",
				},
			},
			"required": []any{"task"},
		},
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var parsed workflowArgs
			if err := json.Unmarshal(args, &parsed); err != nil {
				return "", fmt.Errorf("invalid delegate_workflow arguments: %w", err)
			}
			result, err := runner.Run(ctx, parsed.Task)
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(result)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
		StatusLine: func(json.RawMessage) string { return "Delegating sub-task…" },
	})
}
